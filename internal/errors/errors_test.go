// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSentinels(t *testing.T) {
	err := Errorf(KindInvalidKey, "key %d out of range", 99)

	assert.True(t, Is(err, ErrInvalidKey))
	assert.False(t, Is(err, ErrResourceExhausted))
	assert.False(t, Is(err, ErrVerificationRejected))
	assert.Equal(t, KindInvalidKey, GetKind(err))
}

func TestWrappedSentinel(t *testing.T) {
	inner := Wrap(fmt.Errorf("cannot allocate memory"), KindResourceExhausted, "create table")
	outer := fmt.Errorf("load probe: %w", inner)

	assert.True(t, Is(outer, ErrResourceExhausted))
	assert.Equal(t, KindResourceExhausted, GetKind(outer))
	assert.Contains(t, outer.Error(), "cannot allocate memory")
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, KindInternal, "nothing"))
	assert.Nil(t, Wrapf(nil, KindInternal, "nothing %d", 1))
	assert.Nil(t, Attr(nil, "k", "v"))
}

func TestAttributes(t *testing.T) {
	err := New(KindVerificationRejected, "back-edge")
	err = Attr(err, "program", "xdp_prog")
	err = Attr(err, "insn", 4)

	attrs := GetAttributes(err)
	assert.Equal(t, "xdp_prog", attrs["program"])
	assert.Equal(t, 4, attrs["insn"])
	assert.True(t, Is(err, ErrVerificationRejected))
}

func TestPlainErrorAttr(t *testing.T) {
	err := Attr(fmt.Errorf("boom"), "k", 1)
	assert.Equal(t, KindInternal, GetKind(err))
	assert.Equal(t, 1, GetAttributes(err)["k"])
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "resource_exhausted", KindResourceExhausted.String())
	assert.Equal(t, "invalid_key", KindInvalidKey.String())
	assert.Equal(t, "verification_rejected", KindVerificationRejected.String())
	assert.Equal(t, "unknown", Kind(999).String())
}
