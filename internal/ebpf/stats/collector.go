// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package stats

import (
	"context"
	"sync"
	"time"

	"grimm.is/ingressmeter/internal/ebpf/metrics"
	"grimm.is/ingressmeter/internal/ebpf/types"
	"grimm.is/ingressmeter/internal/errors"
	"grimm.is/ingressmeter/internal/logging"
)

// Source is a per-CPU counter table the collector can read. Both the
// in-process table and the kernel map implement it.
type Source interface {
	Name() string
	MaxEntries() int
	ReadAll(key types.CounterKey) ([]uint64, error)
	Reset(key types.CounterKey) error
}

// Config for the collector
type Config struct {
	Interval time.Duration      `json:"interval"`
	Reset    bool               `json:"reset"`
	Keys     []types.CounterKey `json:"keys"`
}

// DefaultConfig samples the byte counter once a second without resetting it.
func DefaultConfig() *Config {
	return &Config{
		Interval: time.Second,
		Keys:     []types.CounterKey{types.KeyIngressBytes},
	}
}

// Sample is one reading of one key.
type Sample struct {
	Key       types.CounterKey `json:"key"`
	Total     uint64           `json:"total"`
	Delta     uint64           `json:"delta"`
	PerCPU    []uint64         `json:"per_cpu"`
	Rate      float64          `json:"rate"`
	Timestamp time.Time        `json:"timestamp"`
}

// Collector periodically reads counters from a Source and aggregates the
// per-CPU replicas.
type Collector struct {
	source  Source
	config  *Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu         sync.RWMutex
	last       map[types.CounterKey]Sample
	lastUpdate time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithMetrics publishes every sample to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Collector) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// NewCollector creates a new statistics collector
func NewCollector(source Source, config *Config, opts ...Option) (*Collector, error) {
	if source == nil {
		return nil, errors.New(errors.KindValidation, "counter source is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		return nil, errors.Errorf(errors.KindValidation, "interval must be positive, got %s", config.Interval)
	}
	if len(config.Keys) == 0 {
		config.Keys = []types.CounterKey{types.KeyIngressBytes}
	}
	for _, key := range config.Keys {
		if uint64(key) >= uint64(source.MaxEntries()) {
			err := errors.Errorf(errors.KindInvalidKey,
				"key %d out of range for %s (max_entries %d)", uint32(key), source.Name(), source.MaxEntries())
			return nil, errors.Attr(err, "key", uint32(key))
		}
	}

	c := &Collector{
		source: source,
		config: config,
		now:    time.Now,
		last:   make(map[types.CounterKey]Sample),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.WithComponent("collector")
	}
	return c, nil
}

// Sample reads every configured key once. Keys the source has no value for
// read as zero. A failing key does not stop the others; all failures are
// returned joined.
func (c *Collector) Sample(ctx context.Context) ([]Sample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	samples := make([]Sample, 0, len(c.config.Keys))
	var errs []error

	for _, key := range c.config.Keys {
		if err := ctx.Err(); err != nil {
			return samples, err
		}

		values, err := c.source.ReadAll(key)
		if err != nil && errors.GetKind(err) != errors.KindNotFound {
			c.recordError(key, "read", err)
			errs = append(errs, errors.Wrapf(err, errors.GetKind(err), "read %s", key))
			continue
		}

		s := c.aggregate(key, values, now)
		if c.config.Reset {
			if err := c.source.Reset(key); err != nil {
				c.recordError(key, "reset", err)
				errs = append(errs, errors.Wrapf(err, errors.GetKind(err), "reset %s", key))
			}
		}

		c.last[key] = s
		samples = append(samples, s)
		if c.metrics != nil {
			c.metrics.ObserveCounter(key, s.Total, s.Delta, s.PerCPU, s.Rate)
		}
	}

	c.lastUpdate = now
	if c.metrics != nil {
		c.metrics.Samples.Inc()
	}
	return samples, errors.Join(errs...)
}

// aggregate sums values and derives the delta and rate against the previous
// sample of key.
func (c *Collector) aggregate(key types.CounterKey, values []uint64, now time.Time) Sample {
	var total uint64
	for _, v := range values {
		total += v
	}
	s := Sample{
		Key:       key,
		Total:     total,
		Delta:     total,
		PerCPU:    values,
		Timestamp: now,
	}

	prev, ok := c.last[key]
	if !ok {
		return s
	}
	// Without reset the counter only grows; a smaller total means the
	// table was recreated and counting restarted from zero.
	if !c.config.Reset && total >= prev.Total {
		s.Delta = total - prev.Total
	}
	if elapsed := now.Sub(prev.Timestamp).Seconds(); elapsed > 0 {
		s.Rate = float64(s.Delta) / elapsed
	}
	return s
}

func (c *Collector) recordError(key types.CounterKey, op string, err error) {
	c.logger.Warn("Counter sample failed", "key", key.String(), "operation", op, "error", err)
	if c.metrics != nil {
		c.metrics.SampleErrors.WithLabelValues(key.String(), op).Inc()
	}
}

// Run samples at the configured interval until ctx is done, handing every
// round to sink when it is non-nil. Failed rounds are logged and the loop
// keeps going.
func (c *Collector) Run(ctx context.Context, sink func([]Sample)) error {
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	c.logger.Info("Collector started",
		"source", c.source.Name(),
		"interval", c.config.Interval,
		"reset", c.config.Reset,
		"keys", len(c.config.Keys))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Collector stopped")
			return nil
		case <-ticker.C:
			samples, err := c.Sample(ctx)
			if err != nil && ctx.Err() == nil {
				c.logger.Error("Sampling round failed", "error", err)
			}
			if sink != nil && len(samples) > 0 {
				sink(samples)
			}
		}
	}
}

// Last returns the most recent sample of every key, in configured key order.
func (c *Collector) Last() []Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Sample, 0, len(c.last))
	for _, key := range c.config.Keys {
		if s, ok := c.last[key]; ok {
			out = append(out, s)
		}
	}
	return out
}

// GetLastUpdate returns the time of the last statistics collection
func (c *Collector) GetLastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}

// SourceName returns the name of the table being sampled.
func (c *Collector) SourceName() string { return c.source.Name() }
