// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package testutil

import (
	"fmt"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/stretchr/testify/assert"
)

func TestSkipIfUnsupported(t *testing.T) {
	SkipIfUnsupported(t, nil)
	SkipIfUnsupported(t, fmt.Errorf("boom"))

	ok := t.Run("unsupported", func(t *testing.T) {
		SkipIfUnsupported(t, fmt.Errorf("map: %w", ebpf.ErrNotSupported))
		t.Fatal("not skipped")
	})
	assert.True(t, ok)
}

func TestRequireVM(t *testing.T) {
	t.Setenv("INGRESSMETER_VM_TEST", "")
	ok := t.Run("unset", func(t *testing.T) {
		RequireVM(t)
		t.Fatal("not skipped")
	})
	assert.True(t, ok)
}
