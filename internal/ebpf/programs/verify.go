// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package programs

import (
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"

	"grimm.is/ingressmeter/internal/errors"
)

// MaxInstructions is the instruction budget of a hook body.
const MaxInstructions = 4096

// allowedHelpers are the kernel helpers a hook body may call.
var allowedHelpers = map[asm.BuiltinFunc]bool{
	asm.FnMapLookupElem:     true,
	asm.FnXdpGetBuffLen:     true,
	asm.FnGetSmpProcessorId: true,
}

// Verify statically checks that prog terminates in bounded time: no
// backward jumps, no bpf-to-bpf calls, only allowlisted helpers and an exit
// as the final instruction. It mirrors what the in-kernel verifier would
// reject for a loop-free probe, without needing a kernel.
func Verify(prog *ebpf.ProgramSpec) error {
	if prog == nil {
		return errors.New(errors.KindValidation, "program spec is required")
	}
	if prog.License == "" {
		return reject(prog, -1, "license tag is required")
	}

	insns := prog.Instructions
	if len(insns) == 0 {
		return reject(prog, -1, "no instructions")
	}
	if len(insns) > MaxInstructions {
		return reject(prog, -1, "instruction count exceeds limit")
	}

	labels := make(map[string]int, 1)
	for i, ins := range insns {
		if sym := ins.Symbol(); sym != "" {
			labels[sym] = i
		}
	}

	for i, ins := range insns {
		if !ins.OpCode.Class().IsJump() {
			continue
		}

		switch op := ins.OpCode.JumpOp(); {
		case op == asm.Exit:
			continue
		case ins.IsBuiltinCall():
			fn := asm.BuiltinFunc(ins.Constant)
			if !allowedHelpers[fn] {
				return errors.Attr(reject(prog, i, "helper "+fn.String()+" is not allowed"), "helper", fn.String())
			}
			continue
		case op == asm.Call:
			return reject(prog, i, "subprogram calls are not allowed")
		}

		if ref := ins.Reference(); ref != "" {
			target, ok := labels[ref]
			if !ok {
				return reject(prog, i, "jump to undefined label "+ref)
			}
			if target <= i {
				return reject(prog, i, "backward jump to "+ref)
			}
			continue
		}
		if ins.Offset < 0 {
			return reject(prog, i, "backward jump")
		}
	}

	if last := insns[len(insns)-1]; !last.OpCode.Class().IsJump() || last.OpCode.JumpOp() != asm.Exit {
		return reject(prog, len(insns)-1, "program does not end in exit")
	}
	return nil
}

func reject(prog *ebpf.ProgramSpec, at int, reason string) error {
	err := errors.Errorf(errors.KindVerificationRejected, "program %s rejected: %s", prog.Name, reason)
	if at >= 0 {
		err = errors.Attr(err, "instruction", at)
	}
	return err
}
