// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package host

import (
	"fmt"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/stretchr/testify/assert"
)

func TestCheckFeature(t *testing.T) {
	assert.Empty(t, checkFeature("XDP", nil))

	reqs := checkFeature("XDP", fmt.Errorf("probe: %w", ebpf.ErrNotSupported))
	if assert.Len(t, reqs, 1) {
		assert.True(t, reqs[0].Fatal)
		assert.Equal(t, "XDP: not supported by this kernel", reqs[0].Error())
	}

	reqs = checkFeature("XDP", fmt.Errorf("operation not permitted"))
	if assert.Len(t, reqs, 1) {
		assert.False(t, reqs[0].Fatal)
	}
}

func TestBPFFSMountedRejectsOtherFilesystems(t *testing.T) {
	assert.False(t, BPFFSMounted(t.TempDir()))
	assert.False(t, BPFFSMounted("/nonexistent/path"))
}

func TestVerifyBPFSupportDoesNotPanic(t *testing.T) {
	for _, req := range VerifyBPFSupport(Probe{XDP: true, Classifier: true}) {
		assert.NotEmpty(t, req.Feature)
		assert.NotEmpty(t, req.Message)
	}
}
