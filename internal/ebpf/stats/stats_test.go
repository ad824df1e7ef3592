// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package stats

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ingressmeter/internal/ebpf/metrics"
	"grimm.is/ingressmeter/internal/ebpf/types"
	"grimm.is/ingressmeter/internal/errors"
	"grimm.is/ingressmeter/internal/percpu"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingSource fails reads of one key.
type failingSource struct {
	*percpu.Table
	bad  types.CounterKey
	kind errors.Kind
}

func (s *failingSource) ReadAll(key types.CounterKey) ([]uint64, error) {
	if key == s.bad {
		return nil, errors.Errorf(s.kind, "key %d unavailable", uint32(key))
	}
	return s.Table.ReadAll(key)
}

func newTable(t *testing.T, entries, cpus int) *percpu.Table {
	t.Helper()
	table, err := percpu.Create(entries, percpu.WithCPUs(cpus))
	require.NoError(t, err)
	return table
}

func TestCollectorSample(t *testing.T) {
	table := newTable(t, 1, 2)
	for i := 0; i < 500; i++ {
		require.NoError(t, table.Add(0, types.KeyIngressBytes, 100))
		require.NoError(t, table.Add(1, types.KeyIngressBytes, 100))
	}

	collector, err := NewCollector(table, nil)
	require.NoError(t, err)

	samples, err := collector.Sample(context.Background())
	require.NoError(t, err)
	require.Len(t, samples, 1)

	assert.Equal(t, types.KeyIngressBytes, samples[0].Key)
	assert.Equal(t, uint64(100000), samples[0].Total)
	assert.Equal(t, []uint64{50000, 50000}, samples[0].PerCPU)
}

func TestCollectorDeltaAndRate(t *testing.T) {
	table := newTable(t, 1, 1)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := metrics.NewMetrics()

	collector, err := NewCollector(table, &Config{Interval: time.Second},
		WithClock(clock.Now), WithMetrics(m))
	require.NoError(t, err)

	require.NoError(t, table.Add(0, 0, 1000))
	samples, err := collector.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), samples[0].Delta)
	assert.Zero(t, samples[0].Rate)

	clock.Advance(2 * time.Second)
	require.NoError(t, table.Add(0, 0, 500))
	samples, err = collector.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1500), samples[0].Total)
	assert.Equal(t, uint64(500), samples[0].Delta)
	assert.InDelta(t, 250.0, samples[0].Rate, 0.001)

	key := types.KeyIngressBytes.String()
	assert.Equal(t, 1500.0, testutil.ToFloat64(m.IngressBytes.WithLabelValues(key)))
	assert.Equal(t, 1500.0, testutil.ToFloat64(m.CounterValue.WithLabelValues(key)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Samples))
	assert.Equal(t, clock.Now(), collector.GetLastUpdate())
}

func TestCollectorCounterRestart(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	first := newTable(t, 1, 1)
	require.NoError(t, first.Add(0, 0, 1000))

	collector, err := NewCollector(first, nil, WithClock(clock.Now))
	require.NoError(t, err)
	_, err = collector.Sample(context.Background())
	require.NoError(t, err)

	require.NoError(t, first.Reset(0))
	require.NoError(t, first.Add(0, 0, 10))
	clock.Advance(time.Second)

	samples, err := collector.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), samples[0].Delta)
}

func TestCollectorResetMode(t *testing.T) {
	table := newTable(t, 1, 2)
	collector, err := NewCollector(table, &Config{Interval: time.Second, Reset: true})
	require.NoError(t, err)

	require.NoError(t, table.Add(0, 0, 64))
	require.NoError(t, table.Add(1, 0, 64))
	samples, err := collector.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(128), samples[0].Total)

	values, err := table.ReadAll(0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 0}, values)

	require.NoError(t, table.Add(1, 0, 10))
	samples, err = collector.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), samples[0].Total)
	assert.Equal(t, uint64(10), samples[0].Delta)
}

func TestCollectorMissingKeyReadsZero(t *testing.T) {
	src := &failingSource{Table: newTable(t, 2, 2), bad: 1, kind: errors.KindNotFound}
	collector, err := NewCollector(src, &Config{Interval: time.Second, Keys: []types.CounterKey{0, 1}})
	require.NoError(t, err)

	samples, err := collector.Sample(context.Background())
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, uint64(0), samples[1].Total)
	assert.Empty(t, samples[1].PerCPU)
}

func TestCollectorReadErrorKeepsGoing(t *testing.T) {
	src := &failingSource{Table: newTable(t, 2, 1), bad: 0, kind: errors.KindUnavailable}
	require.NoError(t, src.Add(0, 1, 42))
	m := metrics.NewMetrics()

	collector, err := NewCollector(src, &Config{Interval: time.Second, Keys: []types.CounterKey{0, 1}},
		WithMetrics(m))
	require.NoError(t, err)

	samples, err := collector.Sample(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.KindUnavailable, errors.GetKind(err))
	require.Len(t, samples, 1)
	assert.Equal(t, types.CounterKey(1), samples[0].Key)
	assert.Equal(t, uint64(42), samples[0].Total)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SampleErrors.WithLabelValues("ingress_bytes", "read")))
}

func TestCollectorClosedTable(t *testing.T) {
	table := newTable(t, 1, 1)
	collector, err := NewCollector(table, nil)
	require.NoError(t, err)
	require.NoError(t, table.Close())

	_, err = collector.Sample(context.Background())
	assert.Equal(t, errors.KindUnavailable, errors.GetKind(err))
}

func TestNewCollectorInvalid(t *testing.T) {
	table := newTable(t, 1, 1)

	_, err := NewCollector(nil, nil)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))

	_, err = NewCollector(table, &Config{Interval: 0})
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))

	_, err = NewCollector(table, &Config{Interval: time.Second, Keys: []types.CounterKey{5}})
	assert.True(t, errors.Is(err, errors.ErrInvalidKey))
}

func TestCollectorCanceledContext(t *testing.T) {
	collector, err := NewCollector(newTable(t, 1, 1), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = collector.Sample(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCollectorRun(t *testing.T) {
	table := newTable(t, 1, 1)
	require.NoError(t, table.Add(0, 0, 7))

	collector, err := NewCollector(table, &Config{Interval: 5 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	rounds := make(chan []Sample, 16)
	done := make(chan error, 1)
	go func() {
		done <- collector.Run(ctx, func(s []Sample) {
			select {
			case rounds <- s:
			default:
			}
		})
	}()

	select {
	case s := <-rounds:
		assert.Equal(t, uint64(7), s[0].Total)
	case <-time.After(5 * time.Second):
		t.Fatal("collector never produced a sample")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not stop")
	}

	last := collector.Last()
	require.Len(t, last, 1)
	assert.Equal(t, uint64(7), last[0].Total)
}

func newExporter(t *testing.T) (*Exporter, *percpu.Table, *Collector) {
	t.Helper()
	table := newTable(t, 1, 2)
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics()
	require.NoError(t, m.RegisterMetrics(reg))

	collector, err := NewCollector(table, nil, WithMetrics(m))
	require.NoError(t, err)
	return NewExporter(collector, reg, DefaultExportConfig(), nil), table, collector
}

func TestExporterStats(t *testing.T) {
	exporter, table, collector := newExporter(t)
	require.NoError(t, table.Add(1, 0, 2048))
	_, err := collector.Sample(context.Background())
	require.NoError(t, err)

	srv := httptest.NewServer(exporter.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var out statsJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, types.CounterMapName, out.Source)
	require.Len(t, out.Counters, 1)
	assert.Equal(t, "ingress_bytes", out.Counters[0].Key)
	assert.Equal(t, uint64(2048), out.Counters[0].Total)
	assert.Equal(t, "2.0 KiB", out.Counters[0].TotalText)
	assert.Equal(t, []uint64{0, 2048}, out.Counters[0].PerCPU)
}

func TestExporterCounterRoute(t *testing.T) {
	exporter, table, collector := newExporter(t)
	require.NoError(t, table.Add(0, 0, 64))
	_, err := collector.Sample(context.Background())
	require.NoError(t, err)

	srv := httptest.NewServer(exporter.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stats/0")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out counterJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, uint64(64), out.Total)

	missing, err := http.Get(srv.URL + "/stats/7")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	post, err := http.Post(srv.URL+"/stats", "application/json", nil)
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func TestExporterMetrics(t *testing.T) {
	exporter, table, collector := newExporter(t)
	require.NoError(t, table.Add(0, 0, 1500))
	_, err := collector.Sample(context.Background())
	require.NoError(t, err)

	srv := httptest.NewServer(exporter.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `ingressmeter_counter_value{key="ingress_bytes"} 1500`)
	assert.Contains(t, string(body), `ingressmeter_counter_cpu_value{cpu="0",key="ingress_bytes"} 1500`)
}

func TestExporterStart(t *testing.T) {
	table := newTable(t, 1, 1)
	collector, err := NewCollector(table, nil)
	require.NoError(t, err)

	exporter := NewExporter(collector, prometheus.NewRegistry(), ExportConfig{Listen: "127.0.0.1:0"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, exporter.Start(ctx))
	require.NotEmpty(t, exporter.Addr())

	resp, err := http.Get("http://" + exporter.Addr() + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if !strings.Contains(string(body), `"counters":[]`) {
		t.Errorf("Expected empty counters before the first sample, got %s", body)
	}

	// A bound port cannot be taken twice.
	clash := NewExporter(collector, nil, ExportConfig{Listen: exporter.Addr()}, nil)
	err = clash.Start(ctx)
	assert.Equal(t, errors.KindUnavailable, errors.GetKind(err))
}
