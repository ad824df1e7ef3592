// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package testutil

import (
	"errors"
	"os"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
)

// RequireVM skips the test if the INGRESSMETER_VM_TEST environment variable
// is not set. Tests that attach to real interfaces only run in a disposable VM.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("INGRESSMETER_VM_TEST") == "" {
		t.Skip("Skipping test: requires INGRESSMETER_VM_TEST environment")
	}
}

// RequireBPF skips the test unless it can create maps and load programs.
func RequireBPF(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("Skipping eBPF test - requires root privileges")
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		t.Skipf("Cannot lift memlock limit: %v", err)
	}
}

// SkipIfUnsupported skips the test when err says the kernel lacks a feature.
func SkipIfUnsupported(t *testing.T, err error) {
	t.Helper()
	if errors.Is(err, ebpf.ErrNotSupported) {
		t.Skipf("Kernel lacks support: %v", err)
	}
}
