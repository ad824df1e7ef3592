// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package programs

import (
	"errors"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ingressmeter/internal/ebpf/probe"
	"grimm.is/ingressmeter/internal/ebpf/types"
	ierrors "grimm.is/ingressmeter/internal/errors"
	"grimm.is/ingressmeter/internal/testutil"
)

func helpers(insns asm.Instructions) []asm.BuiltinFunc {
	var fns []asm.BuiltinFunc
	for _, ins := range insns {
		if ins.IsBuiltinCall() {
			fns = append(fns, asm.BuiltinFunc(ins.Constant))
		}
	}
	return fns
}

func TestInstructions(t *testing.T) {
	tests := []struct {
		spec    probe.Spec
		code    int32
		helpers []asm.BuiltinFunc
	}{
		{probe.ClassifierSpec(), types.TCActOK, []asm.BuiltinFunc{asm.FnMapLookupElem}},
		{probe.XDPSpec(), types.XDPPass, []asm.BuiltinFunc{asm.FnXdpGetBuffLen, asm.FnMapLookupElem}},
	}

	for _, tt := range tests {
		t.Run(tt.spec.Name, func(t *testing.T) {
			insns, err := Instructions(tt.spec)
			require.NoError(t, err)

			assert.Equal(t, tt.helpers, helpers(insns))

			last := insns[len(insns)-1]
			assert.Equal(t, asm.Exit, last.OpCode.JumpOp())

			ret := insns[len(insns)-2]
			assert.Equal(t, exitLabel, ret.Symbol())
			assert.Equal(t, int64(tt.code), ret.Constant)

			var refs []string
			for _, ins := range insns {
				if ins.IsLoadFromMap() {
					refs = append(refs, ins.Reference())
				}
			}
			assert.Equal(t, []string{types.CounterMapName}, refs)
		})
	}
}

func TestInstructionsRejectBadSpec(t *testing.T) {
	spec := probe.XDPSpec()
	spec.License = ""
	_, err := Instructions(spec)
	assert.Equal(t, ierrors.KindValidation, ierrors.GetKind(err))
}

func TestProgramSpecTypes(t *testing.T) {
	prog, err := ProgramSpec(probe.ClassifierSpec())
	require.NoError(t, err)
	assert.Equal(t, ebpf.SchedCLS, prog.Type)
	assert.Equal(t, "tc_ingress", prog.Name)
	assert.Equal(t, ClassifierSection, prog.SectionName)
	assert.Equal(t, types.License, prog.License)

	prog, err = ProgramSpec(probe.XDPSpec())
	require.NoError(t, err)
	assert.Equal(t, ebpf.XDP, prog.Type)
	assert.Equal(t, "xdp_prog", prog.Name)
	assert.Equal(t, XDPSection, prog.SectionName)
}

func TestCollectionSpec(t *testing.T) {
	coll, err := CollectionSpec(1, true)
	require.NoError(t, err)

	m := coll.Maps[types.CounterMapName]
	require.NotNil(t, m)
	assert.Equal(t, ebpf.PerCPUArray, m.Type)
	assert.Equal(t, uint32(4), m.KeySize)
	assert.Equal(t, uint32(8), m.ValueSize)
	assert.Equal(t, uint32(1), m.MaxEntries)
	assert.Equal(t, ebpf.PinByName, m.Pinning)

	assert.Contains(t, coll.Programs, "tc_ingress")
	assert.Contains(t, coll.Programs, "xdp_prog")

	coll, err = CollectionSpec(4, false, probe.XDPSpec())
	require.NoError(t, err)
	assert.Equal(t, ebpf.PinNone, coll.Maps[types.CounterMapName].Pinning)
	assert.Len(t, coll.Programs, 1)
}

func TestCollectionSpecInvalid(t *testing.T) {
	_, err := CollectionSpec(0, false)
	assert.Equal(t, ierrors.KindValidation, ierrors.GetKind(err))

	_, err = CollectionSpec(types.MaxCounterEntries+1, false)
	assert.Equal(t, ierrors.KindValidation, ierrors.GetKind(err))

	spec := probe.XDPSpec()
	spec.Key = 3
	_, err = CollectionSpec(2, false, spec)
	assert.True(t, ierrors.Is(err, ierrors.ErrInvalidKey))

	_, err = CollectionSpec(1, false, probe.XDPSpec(), probe.XDPSpec())
	assert.Equal(t, ierrors.KindValidation, ierrors.GetKind(err))
}

func TestVerifyAcceptsProbes(t *testing.T) {
	for _, spec := range []probe.Spec{probe.ClassifierSpec(), probe.XDPSpec()} {
		prog, err := ProgramSpec(spec)
		require.NoError(t, err)
		assert.NoError(t, Verify(prog), spec.Name)
	}
}

func TestVerifyRejects(t *testing.T) {
	ret := []asm.Instruction{asm.Mov.Imm(asm.R0, 0), asm.Return()}

	long := make(asm.Instructions, 0, MaxInstructions+2)
	for i := 0; i < MaxInstructions; i++ {
		long = append(long, asm.Mov.Imm(asm.R0, 0))
	}
	long = append(long, asm.Return())

	tests := []struct {
		name  string
		insns asm.Instructions
	}{
		{"empty", nil},
		{"too long", long},
		{"no exit", asm.Instructions{asm.Mov.Imm(asm.R0, 0)}},
		{"backward label", append(asm.Instructions{
			asm.Mov.Imm(asm.R0, 0).WithSymbol("top"),
			asm.Add.Imm(asm.R0, 1),
			asm.JNE.Imm(asm.R0, 10, "top"),
		}, ret...)},
		{"self loop", append(asm.Instructions{
			asm.Ja.Label("self").WithSymbol("self"),
		}, ret...)},
		{"negative offset", append(asm.Instructions{
			asm.Mov.Imm(asm.R0, 0),
			{OpCode: asm.Ja.Op(asm.ImmSource), Offset: -2},
		}, ret...)},
		{"undefined label", append(asm.Instructions{
			asm.JEq.Imm(asm.R0, 0, "nowhere"),
		}, ret...)},
		{"disallowed helper", append(asm.Instructions{
			asm.FnKtimeGetNs.Call(),
		}, ret...)},
		{"subprogram call", append(asm.Instructions{
			asm.Call.Label("sub"),
		}, ret...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog := &ebpf.ProgramSpec{
				Name:         "test_prog",
				Type:         ebpf.XDP,
				License:      types.License,
				Instructions: tt.insns,
			}
			err := Verify(prog)
			require.Error(t, err)
			assert.True(t, ierrors.Is(err, ierrors.ErrVerificationRejected), "got %v", err)
		})
	}

	_, hasHelper := ierrors.GetAttributes(Verify(&ebpf.ProgramSpec{
		Name:         "test_prog",
		License:      types.License,
		Instructions: append(asm.Instructions{asm.FnKtimeGetNs.Call()}, ret...),
	}))["helper"]
	assert.True(t, hasHelper)

	err := Verify(&ebpf.ProgramSpec{Name: "test_prog", Instructions: ret})
	assert.True(t, ierrors.Is(err, ierrors.ErrVerificationRejected))

	assert.Equal(t, ierrors.KindValidation, ierrors.GetKind(Verify(nil)))
}

// TestKernelRun loads both probes and runs them against a synthetic frame.
func TestKernelRun(t *testing.T) {
	testutil.RequireBPF(t)

	spec, err := CollectionSpec(1, false)
	require.NoError(t, err)

	coll, err := ebpf.NewCollection(spec)
	testutil.SkipIfUnsupported(t, err)
	require.NoError(t, err)
	defer coll.Close()

	frame := make([]byte, 64)
	var want uint64
	for name, code := range map[string]uint32{"tc_ingress": uint32(types.TCActOK), "xdp_prog": uint32(types.XDPPass)} {
		ret, err := coll.Programs[name].Run(&ebpf.RunOptions{Data: frame})
		if errors.Is(err, ebpf.ErrNotSupported) {
			t.Skipf("Test run not supported for %s: %v", name, err)
		}
		require.NoError(t, err, name)
		assert.Equal(t, code, ret, name)
		want += uint64(len(frame))
	}

	var values []uint64
	require.NoError(t, coll.Maps[types.CounterMapName].Lookup(uint32(0), &values))
	var total uint64
	for _, v := range values {
		total += v
	}
	assert.Equal(t, want, total)
}
