// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ebpf

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ingressmeter/internal/ebpf/loader"
	"grimm.is/ingressmeter/internal/ebpf/probe"
	"grimm.is/ingressmeter/internal/ebpf/types"
	"grimm.is/ingressmeter/internal/errors"
	"grimm.is/ingressmeter/internal/testutil"
)

func loopbackHooks() []types.HookConfig {
	return []types.HookConfig{
		{ProgramName: probe.XDPProgramName, Hook: types.HookXDP, Interface: "lo", XDPMode: "generic"},
		{ProgramName: probe.ClassifierProgramName, Hook: types.HookClassifier, Interface: "lo"},
	}
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(nil, nil)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))

	_, err = NewManager(&Config{Loader: loader.DefaultConfig()}, nil)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))

	m, err := NewManager(&Config{Loader: loader.DefaultConfig(), Hooks: loopbackHooks()}, nil)
	require.NoError(t, err)
	assert.False(t, m.IsRunning())
	assert.NoError(t, m.Stop())
	assert.Empty(t, m.ExporterAddr())

	s := m.GetStatistics()
	assert.Empty(t, s.Hooks)
	assert.Empty(t, s.Samples)
}

func TestStartFailsClosed(t *testing.T) {
	cfg := &Config{
		Loader:          &loader.Config{MaxEntries: 0},
		Hooks:           loopbackHooks(),
		SkipKernelCheck: true,
	}
	m, err := NewManager(cfg, nil)
	require.NoError(t, err)

	err = m.Start(context.Background())
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
	assert.False(t, m.IsRunning())
	assert.Empty(t, m.GetStatistics().Maps)
}

func TestStartLoopback(t *testing.T) {
	testutil.RequireVM(t)
	testutil.RequireBPF(t)

	m, err := NewManager(&Config{
		Loader: &loader.Config{MaxEntries: 1},
		Hooks:  loopbackHooks(),
	}, nil)
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.IsRunning())
	assert.Len(t, m.GetStatistics().Hooks, 2)

	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())
	assert.Empty(t, m.GetStatistics().Hooks)
}
