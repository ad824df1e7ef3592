// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ingressmeter/internal/ebpf/stats"
	"grimm.is/ingressmeter/internal/ebpf/types"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSimulateFixedLength(t *testing.T) {
	out, err := run(t, "simulate",
		"--packets", "1000", "--min-len", "64", "--max-len", "64",
		"--cpus", "2", "--hooks", "classifier")
	require.NoError(t, err)
	assert.Contains(t, out, "replayed 1,000 packets")
	assert.Contains(t, out, "64,000")
}

func TestSimulateJSONBothHooks(t *testing.T) {
	out, err := run(t, "simulate",
		"--packets", "500", "--min-len", "100", "--max-len", "100",
		"--cpus", "4", "--flows", "16", "--json")
	require.NoError(t, err)

	var report simulateReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, uint64(500), report.Replay.Packets)
	assert.Equal(t, uint64(50000), report.Replay.Bytes)
	assert.Equal(t, 1, report.Dispatcher.XDPHooks)
	assert.Equal(t, 1, report.Dispatcher.TCHooks)
	require.Len(t, report.Samples, 1)
	assert.Equal(t, types.KeyIngressBytes, report.Samples[0].Key)
	assert.Equal(t, uint64(100000), report.Samples[0].Total)
	assert.Len(t, report.Samples[0].PerCPU, 4)
}

func TestSimulateRejectsUnknownHook(t *testing.T) {
	_, err := run(t, "simulate", "--packets", "10", "--cpus", "1", "--hooks", "lsm")
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	out, err := run(t, "verify", "--dump")
	require.NoError(t, err)
	assert.Contains(t, out, "xdp_prog")
	assert.Contains(t, out, "tc_ingress")
	assert.Contains(t, out, "ok")
	assert.Contains(t, out, "xdp_prog:\n")
}

func TestConfigShowAndValidate(t *testing.T) {
	out, err := run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, `probe "xdp"`)

	path := filepath.Join(t.TempDir(), "ingressmeter.hcl")
	require.NoError(t, os.WriteFile(path, []byte(out), 0o600))

	out, err = run(t, "config", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok (2 probes)")

	// The same file drives the other commands.
	out, err = run(t, "--config", path, "simulate", "--packets", "10", "--cpus", "1",
		"--min-len", "10", "--max-len", "10", "--hooks", "xdp")
	require.NoError(t, err)
	assert.Contains(t, out, "100")
}

func TestBadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`probe "xdp" { mode = "turbo" }`), 0o600))

	_, err := run(t, "--config", path, "verify")
	assert.Error(t, err)

	_, err = run(t, "--log-level", "loud", "verify")
	assert.Error(t, err)
}

func TestRenderSamples(t *testing.T) {
	samples := []stats.Sample{{
		Key:       types.KeyIngressBytes,
		Total:     2048,
		Delta:     1024,
		PerCPU:    []uint64{2000, 48},
		Rate:      512,
		Timestamp: time.Unix(0, 0),
	}}

	var buf bytes.Buffer
	renderSamples(&buf, samples, false)
	assert.Contains(t, buf.String(), "ingress_bytes")
	assert.Contains(t, buf.String(), "2,048")
	assert.Contains(t, buf.String(), "2.0 KiB")
	assert.NotContains(t, buf.String(), "CPU")

	buf.Reset()
	renderSamples(&buf, samples, true)
	assert.Contains(t, buf.String(), "CPU")
	assert.Contains(t, buf.String(), "2,000")
	assert.Contains(t, buf.String(), "48 B")
}

func TestCollectMissingPin(t *testing.T) {
	_, err := run(t, "collect", "--once", "--pin", filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}
