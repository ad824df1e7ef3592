// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ebpf ties the kernel probes to the counter collector and the
// metrics endpoint.
package ebpf

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/ingressmeter/internal/ebpf/loader"
	"grimm.is/ingressmeter/internal/ebpf/maps"
	"grimm.is/ingressmeter/internal/ebpf/metrics"
	"grimm.is/ingressmeter/internal/ebpf/stats"
	"grimm.is/ingressmeter/internal/ebpf/types"
	"grimm.is/ingressmeter/internal/errors"
	"grimm.is/ingressmeter/internal/logging"
)

// Config for the manager
type Config struct {
	Loader    *loader.Config
	Hooks     []types.HookConfig
	Collector *stats.Config
	// Export is nil when the HTTP endpoint is disabled.
	Export *stats.ExportConfig
	// SkipKernelCheck loads without feature probing first.
	SkipKernelCheck bool
}

// Statistics is a snapshot of a running manager.
type Statistics struct {
	Hooks      []types.HookStats `json:"hooks"`
	Maps       []maps.MapInfo    `json:"maps"`
	Samples    []stats.Sample    `json:"samples"`
	LastSample time.Time         `json:"last_sample"`
}

// Manager is the main eBPF manager that coordinates all components
type Manager struct {
	config   *Config
	logger   *logging.Logger
	metrics  *metrics.Metrics
	registry *prometheus.Registry

	loader    *loader.Loader
	counters  *maps.CounterMap
	collector *stats.Collector
	exporter  *stats.Exporter

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	mutex   sync.Mutex
}

// NewManager creates a new eBPF manager
func NewManager(config *Config, logger *logging.Logger) (*Manager, error) {
	if config == nil || config.Loader == nil {
		return nil, errors.New(errors.KindValidation, "loader config is required")
	}
	if len(config.Hooks) == 0 {
		return nil, errors.New(errors.KindValidation, "at least one hook is required")
	}
	if config.Collector == nil {
		config.Collector = stats.DefaultConfig()
	}
	if logger == nil {
		logger = logging.WithComponent("ebpf")
	}

	m := &Manager{
		config:   config,
		logger:   logger,
		metrics:  metrics.NewMetrics(),
		registry: prometheus.NewRegistry(),
	}
	if err := m.metrics.RegisterMetrics(m.registry); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "register metrics")
	}
	m.loader = loader.NewLoader(config.Loader, logger.WithComponent("loader"), m.metrics)
	return m, nil
}

// Start loads the probes, attaches every hook and begins sampling. On error
// nothing stays loaded or attached.
func (m *Manager) Start(ctx context.Context) (err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.running {
		return errors.New(errors.KindValidation, "already running")
	}

	if !m.config.SkipKernelCheck {
		if err := loader.VerifyKernelSupport(m.config.Loader); err != nil {
			return err
		}
	}

	if err := m.loader.Load(); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			m.release()
		}
	}()

	if err := m.loader.Attach(m.config.Hooks...); err != nil {
		return err
	}
	for _, h := range m.loader.Hooks() {
		m.logger.Info("Probe attached", "program", h.Name, "hook", h.Hook, "interface", h.Interface, "mode", h.Mode)
	}

	if m.counters, err = m.loader.Counters(); err != nil {
		return err
	}
	m.collector, err = stats.NewCollector(m.counters, m.config.Collector,
		stats.WithMetrics(m.metrics),
		stats.WithLogger(m.logger.WithComponent("collector")))
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	if m.config.Export != nil && m.config.Export.Listen != "" {
		m.exporter = stats.NewExporter(m.collector, m.registry, *m.config.Export, m.logger.WithComponent("exporter"))
		if err := m.exporter.Start(runCtx); err != nil {
			cancel()
			return err
		}
	}

	m.cancel = cancel
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		_ = m.collector.Run(runCtx, m.logSamples)
	}()

	m.running = true
	return nil
}

func (m *Manager) logSamples(samples []stats.Sample) {
	for _, s := range samples {
		m.logger.Info("Ingress sample", "key", s.Key, "total", s.Total, "delta", s.Delta, "rate", s.Rate)
	}
}

// Stop stops sampling, detaches the hooks and unloads the probes.
func (m *Manager) Stop() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.running {
		return nil
	}
	m.cancel()
	<-m.done
	m.running = false
	return m.release()
}

func (m *Manager) release() error {
	if m.counters != nil {
		m.counters.Close()
		m.counters = nil
	}
	m.collector = nil
	m.exporter = nil
	return m.loader.Close()
}

// IsRunning reports whether Start has succeeded and Stop has not run.
func (m *Manager) IsRunning() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.running
}

// GetStatistics returns the current hooks, maps and last samples.
func (m *Manager) GetStatistics() *Statistics {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s := &Statistics{
		Hooks: m.loader.Hooks(),
		Maps:  m.loader.Maps(),
	}
	if m.collector != nil {
		s.Samples = m.collector.Last()
		s.LastSample = m.collector.GetLastUpdate()
	}
	return s
}

// Registry is the registry the manager's metrics are served from.
func (m *Manager) Registry() *prometheus.Registry { return m.registry }

// ExporterAddr is the bound metrics address, or "" when the exporter is off.
func (m *Manager) ExporterAddr() string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.exporter == nil {
		return ""
	}
	return m.exporter.Addr()
}
