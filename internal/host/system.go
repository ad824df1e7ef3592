// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package host

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/features"
)

// DefaultBPFFS is where the counter map is pinned.
const DefaultBPFFS = "/sys/fs/bpf"

// CheckBPFJIT checks if eBPF JIT is enabled.
func CheckBPFJIT() (bool, error) {
	jitEnabled, err := os.ReadFile("/proc/sys/net/core/bpf_jit_enable")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(jitEnabled)) != "0", nil
}

// Requirement is a system requirement that is missing or degraded.
type Requirement struct {
	Feature string
	Message string
	Fatal   bool
}

func (r *Requirement) Error() string {
	return fmt.Sprintf("%s: %s", r.Feature, r.Message)
}

// Probe selects which kernel features VerifyBPFSupport checks.
type Probe struct {
	XDP        bool
	Classifier bool
	PinPath    string
}

// VerifyBPFSupport checks if the system meets the requirements of probe.
func VerifyBPFSupport(probe Probe) []Requirement {
	var reqs []Requirement

	if _, err := os.Stat("/proc/sys/net/core/bpf_jit_enable"); os.IsNotExist(err) {
		reqs = append(reqs, Requirement{
			Feature: "eBPF",
			Message: "Kernel does not support eBPF JIT",
			Fatal:   true,
		})
		return reqs // Fatal, no point checking others
	}

	if enabled, err := CheckBPFJIT(); err != nil || !enabled {
		reqs = append(reqs, Requirement{
			Feature: "JIT",
			Message: "eBPF JIT is not enabled",
		})
	}

	reqs = append(reqs, checkFeature("PerCPUArray", features.HaveMapType(ebpf.PerCPUArray))...)
	if probe.XDP {
		reqs = append(reqs, checkFeature("XDP", features.HaveProgramType(ebpf.XDP))...)
		reqs = append(reqs, checkFeature("bpf_xdp_get_buff_len",
			features.HaveProgramHelper(ebpf.XDP, asm.FnXdpGetBuffLen))...)
	}
	if probe.Classifier {
		reqs = append(reqs, checkFeature("SchedCLS", features.HaveProgramType(ebpf.SchedCLS))...)
	}

	if probe.PinPath != "" && !BPFFSMounted(DefaultBPFFS) {
		reqs = append(reqs, Requirement{
			Feature: "bpffs",
			Message: fmt.Sprintf("%s is not a bpf filesystem, pinning to %s will fail", DefaultBPFFS, probe.PinPath),
			Fatal:   true,
		})
	}

	return reqs
}

func checkFeature(name string, err error) []Requirement {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ebpf.ErrNotSupported):
		return []Requirement{{Feature: name, Message: "not supported by this kernel", Fatal: true}}
	default:
		// Probing itself failed, typically for lack of privileges.
		return []Requirement{{Feature: name, Message: fmt.Sprintf("could not probe: %v", err)}}
	}
}
