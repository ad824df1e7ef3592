// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package programs builds the kernel ingress probes.
//
// Both programs share one per-CPU array map. Each invocation looks up its
// counter slot, adds the packet length to the current CPU's replica and
// returns a fixed verdict. The instruction streams are straight-line with a
// single forward branch for the failed lookup, so they are accepted by the
// in-kernel verifier without loop bounds.
package programs

import (
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"

	"grimm.is/ingressmeter/internal/ebpf/probe"
	"grimm.is/ingressmeter/internal/ebpf/types"
	"grimm.is/ingressmeter/internal/errors"
)

// Section names the programs would carry in an object file.
const (
	ClassifierSection = "classifier"
	XDPSection        = "xdp"
)

const exitLabel = "exit"

// MapSpec returns the counter map definition.
func MapSpec(maxEntries uint32, pin bool) *ebpf.MapSpec {
	spec := &ebpf.MapSpec{
		Name:       types.CounterMapName,
		Type:       ebpf.PerCPUArray,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: maxEntries,
	}
	if pin {
		spec.Pinning = ebpf.PinByName
	}
	return spec
}

// Instructions emits the hook body for spec.
//
// Register use: R6 holds the packet length across the map lookup, R0 the
// value pointer returned by the helper.
func Instructions(spec probe.Spec) (asm.Instructions, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	code, err := spec.Verdict.ReturnCode(spec.Hook)
	if err != nil {
		return nil, err
	}

	var insns asm.Instructions
	switch spec.Hook {
	case types.HookClassifier:
		// __sk_buff.len is the first member of the context.
		insns = append(insns, asm.LoadMem(asm.R6, asm.R1, 0, asm.Word))
	case types.HookXDP:
		// data_end - data is rejected as pointer arithmetic; the helper
		// also covers multi-buffer frames.
		insns = append(insns,
			asm.FnXdpGetBuffLen.Call(),
			asm.Mov.Reg(asm.R6, asm.R0),
		)
	}

	insns = append(insns,
		// u32 key on the stack.
		asm.StoreImm(asm.R10, -4, int64(spec.Key), asm.Word),
		asm.Mov.Reg(asm.R2, asm.R10),
		asm.Add.Imm(asm.R2, -4),
		asm.LoadMapPtr(asm.R1, 0).WithReference(types.CounterMapName),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, exitLabel),
		// Per-CPU slot: the replica belongs to the running CPU only.
		asm.StoreXAdd(asm.R0, asm.R6, asm.DWord),
		asm.Mov.Imm(asm.R0, code).WithSymbol(exitLabel),
		asm.Return(),
	)
	return insns, nil
}

// ProgramSpec builds the kernel program for spec.
func ProgramSpec(spec probe.Spec) (*ebpf.ProgramSpec, error) {
	insns, err := Instructions(spec)
	if err != nil {
		return nil, err
	}

	prog := &ebpf.ProgramSpec{
		Name:         spec.Name,
		License:      spec.License,
		Instructions: insns,
	}
	switch spec.Hook {
	case types.HookClassifier:
		prog.Type = ebpf.SchedCLS
		prog.SectionName = ClassifierSection
	case types.HookXDP:
		prog.Type = ebpf.XDP
		prog.SectionName = XDPSection
	}
	return prog, nil
}

// CollectionSpec assembles the map and one program per spec.
func CollectionSpec(maxEntries uint32, pin bool, specs ...probe.Spec) (*ebpf.CollectionSpec, error) {
	if maxEntries == 0 || maxEntries > types.MaxCounterEntries {
		return nil, errors.Errorf(errors.KindValidation,
			"max_entries must be in [1,%d], got %d", types.MaxCounterEntries, maxEntries)
	}
	if len(specs) == 0 {
		specs = []probe.Spec{probe.ClassifierSpec(), probe.XDPSpec()}
	}

	coll := &ebpf.CollectionSpec{
		Maps:     map[string]*ebpf.MapSpec{types.CounterMapName: MapSpec(maxEntries, pin)},
		Programs: make(map[string]*ebpf.ProgramSpec, len(specs)),
	}
	for _, spec := range specs {
		if uint32(spec.Key) >= maxEntries {
			err := errors.Errorf(errors.KindInvalidKey,
				"probe %s: key %d out of range (max_entries %d)", spec.Name, uint32(spec.Key), maxEntries)
			return nil, errors.Attr(err, "key", uint32(spec.Key))
		}
		if _, dup := coll.Programs[spec.Name]; dup {
			return nil, errors.Errorf(errors.KindValidation, "duplicate program %s", spec.Name)
		}
		prog, err := ProgramSpec(spec)
		if err != nil {
			return nil, err
		}
		if err := Verify(prog); err != nil {
			return nil, err
		}
		coll.Programs[spec.Name] = prog
	}
	return coll, nil
}
