// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/ingressmeter/internal/ebpf/types"
)

const namespace = "ingressmeter"

// Metrics holds all ingress meter Prometheus metrics
type Metrics struct {
	// Counter table metrics
	IngressBytes  *prometheus.CounterVec
	CounterValue  *prometheus.GaugeVec
	CounterPerCPU *prometheus.GaugeVec
	CounterRate   *prometheus.GaugeVec

	// Collector metrics
	Samples      prometheus.Counter
	SampleErrors *prometheus.CounterVec

	// Hook metrics
	HookAttached *prometheus.GaugeVec
	HookErrors   *prometheus.CounterVec

	// In-process dataplane metrics
	DataplanePackets *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		IngressBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingress_bytes_total",
			Help:      "Total ingress bytes observed by the collector, summed over all CPUs",
		}, []string{"key"}),

		CounterValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "counter_value",
			Help:      "Aggregate counter value at the last sample",
		}, []string{"key"}),

		CounterPerCPU: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "counter_cpu_value",
			Help:      "Per-CPU replica value at the last sample",
		}, []string{"key", "cpu"}),

		CounterRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "counter_rate_per_second",
			Help:      "Counter growth per second between the last two samples",
		}, []string{"key"}),

		Samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Total number of collector sampling rounds",
		}),

		SampleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sample_errors_total",
			Help:      "Total number of failed counter reads or resets",
		}, []string{"key", "operation"}),

		HookAttached: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hook_attached",
			Help:      "Whether an ingress hook is attached (1 for attached, 0 for detached)",
		}, []string{"hook_type", "interface"}),

		HookErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_errors_total",
			Help:      "Total number of ingress hook load or attach errors",
		}, []string{"hook_type", "error_type"}),

		DataplanePackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dataplane_packets_total",
			Help:      "Packets run through the in-process dataplane, by final verdict",
		}, []string{"verdict"}),
	}
}

// ObserveCounter records one sample of key.
func (m *Metrics) ObserveCounter(key types.CounterKey, total, delta uint64, perCPU []uint64, rate float64) {
	k := key.String()
	m.IngressBytes.WithLabelValues(k).Add(float64(delta))
	m.CounterValue.WithLabelValues(k).Set(float64(total))
	m.CounterRate.WithLabelValues(k).Set(rate)
	for cpu, v := range perCPU {
		m.CounterPerCPU.WithLabelValues(k, strconv.Itoa(cpu)).Set(float64(v))
	}
}

// SetHookAttached flips the attach gauge for hook on iface.
func (m *Metrics) SetHookAttached(hook types.HookType, iface string, attached bool) {
	v := 0.0
	if attached {
		v = 1
	}
	m.HookAttached.WithLabelValues(hook.String(), iface).Set(v)
}

// ObserveVerdicts adds dispatcher verdict counts.
func (m *Metrics) ObserveVerdicts(passed, dropped uint64) {
	m.DataplanePackets.WithLabelValues("pass").Add(float64(passed))
	m.DataplanePackets.WithLabelValues("drop").Add(float64(dropped))
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.IngressBytes.Describe(ch)
	m.CounterValue.Describe(ch)
	m.CounterPerCPU.Describe(ch)
	m.CounterRate.Describe(ch)

	m.Samples.Describe(ch)
	m.SampleErrors.Describe(ch)

	m.HookAttached.Describe(ch)
	m.HookErrors.Describe(ch)

	m.DataplanePackets.Describe(ch)
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.IngressBytes.Collect(ch)
	m.CounterValue.Collect(ch)
	m.CounterPerCPU.Collect(ch)
	m.CounterRate.Collect(ch)

	m.Samples.Collect(ch)
	m.SampleErrors.Collect(ch)

	m.HookAttached.Collect(ch)
	m.HookErrors.Collect(ch)

	m.DataplanePackets.Collect(ch)
}

// RegisterMetrics registers all metrics with reg, or the default registry
// when reg is nil.
func (m *Metrics) RegisterMetrics(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return reg.Register(m)
}
