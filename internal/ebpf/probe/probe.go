// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package probe holds the ingress hook bodies.
//
// A Probe observes one packet per invocation: it adds the packet length to
// the calling CPU's replica of its counter and returns a fixed verdict. The
// body is straight-line code with a single atomic add; every check that could
// fail (license, verdict, key range) happens once in Attach.
package probe

import (
	"sync/atomic"

	"grimm.is/ingressmeter/internal/ebpf/types"
	"grimm.is/ingressmeter/internal/errors"
	"grimm.is/ingressmeter/internal/percpu"
)

// Program names, shared with the kernel programs.
const (
	ClassifierProgramName = "tc_ingress"
	XDPProgramName        = "xdp_prog"
)

// ExecContext is the execution context the host runs a hook in.
type ExecContext struct {
	// CPU is the index of the replica the hook owns. The host guarantees it
	// is in [0, table.CPUs()) and that no other context shares it.
	CPU int
}

// Spec is the attachment contract a probe declares to the host.
type Spec struct {
	Name    string
	Hook    types.HookType
	License string
	Verdict types.Verdict
	Key     types.CounterKey
}

// ClassifierSpec is the traffic-control ingress variant. It hands every
// packet on to normal processing.
func ClassifierSpec() Spec {
	return Spec{
		Name:    ClassifierProgramName,
		Hook:    types.HookClassifier,
		License: types.License,
		Verdict: types.VerdictContinue,
		Key:     types.KeyIngressBytes,
	}
}

// XDPSpec is the express data path variant. It passes every packet to the
// network stack.
func XDPSpec() Spec {
	return Spec{
		Name:    XDPProgramName,
		Hook:    types.HookXDP,
		License: types.License,
		Verdict: types.VerdictAllow,
		Key:     types.KeyIngressBytes,
	}
}

// SpecFor returns the built-in spec for hook.
func SpecFor(hook types.HookType) (Spec, error) {
	switch hook {
	case types.HookClassifier:
		return ClassifierSpec(), nil
	case types.HookXDP:
		return XDPSpec(), nil
	}
	return Spec{}, errors.Errorf(errors.KindValidation, "unsupported hook type: %q", hook)
}

// Validate checks the contract fields the host loader requires.
func (s Spec) Validate() error {
	if s.Name == "" {
		return errors.New(errors.KindValidation, "probe name is required")
	}
	if !s.Hook.Valid() {
		return errors.Errorf(errors.KindValidation, "probe %s: unsupported hook type %q", s.Name, s.Hook)
	}
	if s.License == "" {
		return errors.Errorf(errors.KindValidation, "probe %s: license tag is required", s.Name)
	}
	if _, err := s.Verdict.ReturnCode(s.Hook); err != nil {
		return errors.Wrapf(err, errors.KindValidation, "probe %s", s.Name)
	}
	return nil
}

// Probe is an attached hook body.
type Probe struct {
	spec     Spec
	counter  percpu.Counter
	detached atomic.Bool
}

// Attach validates spec against table and binds the probe to its counter.
// On error nothing is attached.
func Attach(spec Spec, table *percpu.Table) (*Probe, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if table == nil {
		return nil, errors.Errorf(errors.KindValidation, "probe %s: counter table is required", spec.Name)
	}

	counter, err := table.Counter(spec.Key)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInvalidKey, "attach probe %s", spec.Name)
	}

	return &Probe{spec: spec, counter: counter}, nil
}

// Handle runs the hook body for one packet.
func (p *Probe) Handle(ctx ExecContext, pkt types.PacketView) types.Verdict {
	p.counter.Add(ctx.CPU, uint64(pkt.Len))
	return p.spec.Verdict
}

// Spec returns the attachment contract.
func (p *Probe) Spec() Spec { return p.spec }

// Name returns the program name.
func (p *Probe) Name() string { return p.spec.Name }

// Hook returns the attachment point.
func (p *Probe) Hook() types.HookType { return p.spec.Hook }

// CPUs returns how many execution contexts the probe's counter can serve.
func (p *Probe) CPUs() int { return p.counter.CPUs() }

// Detach marks the probe as detached. The host stops scheduling it; the
// counter table is left to its owner.
func (p *Probe) Detach() {
	p.detached.Store(true)
}

// Detached reports whether Detach was called.
func (p *Probe) Detached() bool {
	return p.detached.Load()
}
