// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package types

import (
	"fmt"
	"math"
)

// CounterKey identifies a logical counter in the ingress table.
type CounterKey uint32

const (
	// KeyIngressBytes is the total ingress bytes counter written by both hooks.
	KeyIngressBytes CounterKey = 0
	// KeyIngressPackets is reserved for a packet tally; no hook writes it yet.
	KeyIngressPackets CounterKey = 1
)

func (k CounterKey) String() string {
	switch k {
	case KeyIngressBytes:
		return "ingress_bytes"
	case KeyIngressPackets:
		return "ingress_packets"
	default:
		return fmt.Sprintf("key_%d", uint32(k))
	}
}

// MaxCounterEntries bounds the table cardinality accepted at load time.
const MaxCounterEntries = 1024

// CounterMapName is the name the kernel table is created and pinned under.
const CounterMapName = "ingress_bytes"

// License is the compatibility tag the host loader requires of both probes.
const License = "Dual BSD/GPL"

// MaxPacketLen is the largest packet length a hook can observe (u32 skb->len).
const MaxPacketLen = math.MaxUint32

// PacketView is the read-only descriptor of the packet under inspection.
// It is only valid for the duration of a single hook invocation.
type PacketView struct {
	Len uint32
}

// HookType is the kernel attachment point a probe targets.
type HookType string

const (
	// HookClassifier is the traffic-control ingress classifier (clsact / tcx).
	HookClassifier HookType = "classifier"
	// HookXDP is the express data path driver-level ingress.
	HookXDP HookType = "xdp"
)

func (h HookType) String() string {
	return string(h)
}

// Valid reports whether h is a supported attachment point.
func (h HookType) Valid() bool {
	return h == HookClassifier || h == HookXDP
}

// ParseHookType accepts the config spelling of a hook ("tc" is an alias for classifier).
func ParseHookType(s string) (HookType, error) {
	switch s {
	case "classifier", "tc":
		return HookClassifier, nil
	case "xdp":
		return HookXDP, nil
	}
	return "", fmt.Errorf("unsupported hook type: %q", s)
}

// Verdict is the packet disposition returned by a hook body.
type Verdict uint8

const (
	VerdictAllow Verdict = iota + 1
	VerdictDrop
	VerdictContinue
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictDrop:
		return "drop"
	case VerdictContinue:
		return "continue"
	default:
		return fmt.Sprintf("verdict(%d)", uint8(v))
	}
}

// Valid reports whether v is a member of the fixed verdict enumeration.
func (v Verdict) Valid() bool {
	return v >= VerdictAllow && v <= VerdictContinue
}

// Kernel return codes.
const (
	XDPAborted int32 = 0
	XDPDrop    int32 = 1
	XDPPass    int32 = 2

	TCActUnspec int32 = -1
	TCActOK     int32 = 0
	TCActShot   int32 = 2
)

// ReturnCode encodes v as the value the hook's program returns to the kernel.
// XDP has no "continue" so it passes; a classifier's "allow" and "continue"
// both hand the packet on to the rest of the stack.
func (v Verdict) ReturnCode(hook HookType) (int32, error) {
	if !v.Valid() {
		return 0, fmt.Errorf("invalid verdict %s", v)
	}

	switch hook {
	case HookXDP:
		if v == VerdictDrop {
			return XDPDrop, nil
		}
		return XDPPass, nil
	case HookClassifier:
		if v == VerdictDrop {
			return TCActShot, nil
		}
		return TCActOK, nil
	}
	return 0, fmt.Errorf("unsupported hook type: %q", hook)
}

// HookConfig represents configuration for attaching a probe to an interface
type HookConfig struct {
	ProgramName string   `json:"program_name"`
	Hook        HookType `json:"hook"`
	Interface   string   `json:"interface"`
	XDPMode     string   `json:"xdp_mode,omitempty"`
	AutoReplace bool     `json:"auto_replace"`
}

// HookStats describes an attached probe
type HookStats struct {
	Name       string `json:"name"`
	Hook       string `json:"hook"`
	Interface  string `json:"interface"`
	Mode       string `json:"mode"`
	AttachedAt int64  `json:"attached_at"`
}
