// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerdictReturnCodes(t *testing.T) {
	tests := []struct {
		verdict Verdict
		hook    HookType
		want    int32
	}{
		{VerdictAllow, HookXDP, XDPPass},
		{VerdictContinue, HookXDP, XDPPass},
		{VerdictDrop, HookXDP, XDPDrop},
		{VerdictAllow, HookClassifier, TCActOK},
		{VerdictContinue, HookClassifier, TCActOK},
		{VerdictDrop, HookClassifier, TCActShot},
	}

	for _, tt := range tests {
		t.Run(tt.hook.String()+"/"+tt.verdict.String(), func(t *testing.T) {
			got, err := tt.verdict.ReturnCode(tt.hook)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVerdictInvalid(t *testing.T) {
	_, err := Verdict(0).ReturnCode(HookXDP)
	assert.Error(t, err)

	_, err = VerdictAllow.ReturnCode(HookType("kprobe"))
	assert.Error(t, err)

	assert.False(t, Verdict(9).Valid())
}

func TestParseHookType(t *testing.T) {
	h, err := ParseHookType("tc")
	require.NoError(t, err)
	assert.Equal(t, HookClassifier, h)

	h, err = ParseHookType("xdp")
	require.NoError(t, err)
	assert.Equal(t, HookXDP, h)

	_, err = ParseHookType("socket_filter")
	assert.Error(t, err)
}

func TestCounterKeyString(t *testing.T) {
	assert.Equal(t, "ingress_bytes", KeyIngressBytes.String())
	assert.Equal(t, "key_7", CounterKey(7).String())
}
