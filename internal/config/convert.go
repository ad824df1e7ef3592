// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"

	"grimm.is/ingressmeter/internal/ebpf/hooks"
	"grimm.is/ingressmeter/internal/ebpf/loader"
	"grimm.is/ingressmeter/internal/ebpf/probe"
	"grimm.is/ingressmeter/internal/ebpf/stats"
	"grimm.is/ingressmeter/internal/ebpf/types"
	"grimm.is/ingressmeter/internal/logging"
)

// XDPMode maps a config mode onto a hooks XDP mode.
func XDPMode(mode string) (string, error) {
	switch mode {
	case "":
		return hooks.XDPModeAuto, nil
	case "generic", "skb":
		return hooks.XDPModeGeneric, nil
	case "driver", "native":
		return hooks.XDPModeNative, nil
	case "offload", "hw":
		return hooks.XDPModeOffload, nil
	}
	return "", fmt.Errorf("unknown xdp mode %q", mode)
}

// LoggingConfig returns the logger settings.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	if level, err := logging.ParseLevel(c.LogLevel); err == nil {
		cfg.Level = level
	}
	cfg.JSON = c.LogJSON
	return cfg
}

// LoaderConfig returns the loader settings, one program per distinct hook.
func (c *Config) LoaderConfig() (*loader.Config, error) {
	lc := &loader.Config{
		MaxEntries: c.Counters.MaxEntries,
		PinPath:    c.Counters.PinPath,
		KeepPinned: c.Counters.KeepPinned,
	}

	loaded := make(map[types.HookType]bool)
	for _, p := range c.Probes {
		hook, err := types.ParseHookType(p.Hook)
		if err != nil {
			return nil, err
		}
		if loaded[hook] {
			continue
		}
		spec, err := probe.SpecFor(hook)
		if err != nil {
			return nil, err
		}
		lc.Probes = append(lc.Probes, spec)
		loaded[hook] = true
	}
	return lc, nil
}

// HookConfigs returns one attachment per configured probe.
func (c *Config) HookConfigs() ([]types.HookConfig, error) {
	out := make([]types.HookConfig, 0, len(c.Probes))
	for _, p := range c.Probes {
		hook, err := types.ParseHookType(p.Hook)
		if err != nil {
			return nil, err
		}
		spec, err := probe.SpecFor(hook)
		if err != nil {
			return nil, err
		}
		mode, err := XDPMode(p.Mode)
		if err != nil {
			return nil, err
		}
		out = append(out, types.HookConfig{
			ProgramName: spec.Name,
			Hook:        hook,
			Interface:   p.Interface,
			XDPMode:     mode,
			AutoReplace: p.Replace,
		})
	}
	return out, nil
}

// CollectorConfig returns the sampling settings.
func (c *Config) CollectorConfig() (*stats.Config, error) {
	interval, err := c.Collector.IntervalDuration()
	if err != nil {
		return nil, err
	}
	sc := &stats.Config{
		Interval: interval,
		Reset:    c.Collector.Reset,
	}
	for _, k := range c.Collector.Keys {
		sc.Keys = append(sc.Keys, types.CounterKey(k))
	}
	return sc, nil
}

// ExportConfig returns the exporter settings.
func (c *Config) ExportConfig() stats.ExportConfig {
	ec := stats.DefaultExportConfig()
	ec.Listen = c.Metrics.Listen
	return ec
}
