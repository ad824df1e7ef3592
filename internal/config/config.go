// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config defines the ingressmeter configuration file.
package config

import (
	"time"

	"grimm.is/ingressmeter/internal/ebpf/loader"
	"grimm.is/ingressmeter/internal/ebpf/stats"
)

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

// DefaultInterface is the interface probes attach to when none is given.
const DefaultInterface = "enp1s0"

// Config is the top-level structure of an ingressmeter config file.
type Config struct {
	// Schema version for backward compatibility.
	// @default: "1.0"
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	// @enum: debug, info, warn, error
	// @default: "info"
	LogLevel string `hcl:"log_level,optional" json:"log_level,omitempty"`

	// Emit logs as JSON.
	// @default: false
	LogJSON bool `hcl:"log_json,optional" json:"log_json,omitempty"`

	Counters  *CountersConfig  `hcl:"counters,block" json:"counters,omitempty"`
	Probes    []ProbeConfig    `hcl:"probe,block" json:"probes,omitempty"`
	Collector *CollectorConfig `hcl:"collector,block" json:"collector,omitempty"`
	Metrics   *MetricsConfig   `hcl:"metrics,block" json:"metrics,omitempty"`
}

// CountersConfig sizes and pins the counter table.
type CountersConfig struct {
	// @default: 1
	MaxEntries uint32 `hcl:"max_entries,optional" json:"max_entries,omitempty"`

	// bpffs directory the table is pinned under.
	// @default: "/sys/fs/bpf/ingressmeter"
	PinPath string `hcl:"pin_path,optional" json:"pin_path,omitempty"`

	// Leave the pin in place after detaching.
	// @default: false
	KeepPinned bool `hcl:"keep_pinned,optional" json:"keep_pinned,omitempty"`
}

// ProbeConfig attaches one ingress probe.
type ProbeConfig struct {
	// @enum: classifier, xdp
	Hook string `hcl:"hook,label" json:"hook"`

	// @default: "enp1s0"
	Interface string `hcl:"interface,optional" json:"interface,omitempty"`

	// XDP attach mode. Empty lets the kernel choose.
	// @enum: generic, driver, native, offload
	Mode string `hcl:"mode,optional" json:"mode,omitempty"`

	// Replace an existing attachment of the same program.
	// @default: false
	Replace bool `hcl:"replace,optional" json:"replace,omitempty"`
}

// CollectorConfig controls sampling.
type CollectorConfig struct {
	// @default: "1s"
	Interval string `hcl:"interval,optional" json:"interval,omitempty"`

	// Zero each key after reading it.
	// @default: false
	Reset bool `hcl:"reset,optional" json:"reset,omitempty"`

	// @default: [0]
	Keys []uint32 `hcl:"keys,optional" json:"keys,omitempty"`
}

// MetricsConfig controls the HTTP exporter.
type MetricsConfig struct {
	// Empty disables the exporter.
	// @default: "127.0.0.1:9464"
	Listen string `hcl:"listen,optional" json:"listen,omitempty"`
}

// Default returns the configuration used when no file is given: both probes
// on DefaultInterface.
func Default() *Config {
	cfg := &Config{
		Probes: []ProbeConfig{
			{Hook: "xdp"},
			{Hook: "classifier"},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills in every unset field.
func (c *Config) ApplyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Counters == nil {
		c.Counters = &CountersConfig{}
	}
	if c.Counters.MaxEntries == 0 {
		c.Counters.MaxEntries = 1
	}
	if c.Counters.PinPath == "" {
		c.Counters.PinPath = loader.DefaultPinPath
	}

	for i := range c.Probes {
		if c.Probes[i].Interface == "" {
			c.Probes[i].Interface = DefaultInterface
		}
	}

	if c.Collector == nil {
		c.Collector = &CollectorConfig{}
	}
	if c.Collector.Interval == "" {
		c.Collector.Interval = stats.DefaultConfig().Interval.String()
	}
	if len(c.Collector.Keys) == 0 {
		c.Collector.Keys = []uint32{0}
	}

	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{Listen: stats.DefaultExportConfig().Listen}
	}
}

// IntervalDuration returns the parsed collector interval.
func (c *CollectorConfig) IntervalDuration() (time.Duration, error) {
	return time.ParseDuration(c.Interval)
}
