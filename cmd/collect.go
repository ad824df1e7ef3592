// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"grimm.is/ingressmeter/internal/ebpf/maps"
	"grimm.is/ingressmeter/internal/ebpf/metrics"
	"grimm.is/ingressmeter/internal/ebpf/stats"
	"grimm.is/ingressmeter/internal/ebpf/types"
)

type collectOptions struct {
	pinPath  string
	once     bool
	reset    bool
	interval time.Duration
	listen   string
	perCPU   bool
	json     bool
}

func newCollectCmd(o *options) *cobra.Command {
	co := &collectOptions{}

	c := &cobra.Command{
		Use:   "collect",
		Short: "read the pinned counter table of a running attachment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("reset") {
				co.reset = o.cfg.Collector.Reset
			}
			return o.runCollect(cmd.Context(), cmd.OutOrStdout(), co)
		},
	}
	c.Flags().StringVar(&co.pinPath, "pin", "", "pinned map path; defaults to <counters.pin_path>/"+types.CounterMapName)
	c.Flags().BoolVar(&co.once, "once", false, "print one sample and exit")
	c.Flags().BoolVar(&co.reset, "reset", false, "zero each key after reading it")
	c.Flags().DurationVar(&co.interval, "interval", 0, "sampling interval; overrides collector.interval")
	c.Flags().StringVar(&co.listen, "listen", "", "serve /metrics and /stats on this address")
	c.Flags().BoolVar(&co.perCPU, "per-cpu", false, "show every CPU replica")
	c.Flags().BoolVar(&co.json, "json", false, "print samples as JSON")
	return c
}

func (o *options) runCollect(ctx context.Context, out io.Writer, co *collectOptions) error {
	path := co.pinPath
	if path == "" {
		path = filepath.Join(o.cfg.Counters.PinPath, types.CounterMapName)
	}

	counters, err := maps.OpenPinned(path)
	if err != nil {
		return err
	}
	defer counters.Close()

	collectorCfg, err := o.cfg.CollectorConfig()
	if err != nil {
		return err
	}
	collectorCfg.Reset = co.reset
	if co.interval > 0 {
		collectorCfg.Interval = co.interval
	}

	m := metrics.NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.RegisterMetrics(reg); err != nil {
		return err
	}

	collector, err := stats.NewCollector(counters, collectorCfg,
		stats.WithMetrics(m),
		stats.WithLogger(o.logger.WithComponent("collector")))
	if err != nil {
		return err
	}
	return o.collectTo(ctx, out, collector, reg, co)
}

func (o *options) collectTo(ctx context.Context, out io.Writer, collector *stats.Collector, reg prometheus.Gatherer, co *collectOptions) error {
	emit := func(samples []stats.Sample) {
		if co.json {
			if err := renderJSON(out, samples); err != nil {
				o.logger.Warn("Failed to write samples", "error", err)
			}
			return
		}
		renderSamples(out, samples, co.perCPU)
	}

	if co.once {
		samples, err := collector.Sample(ctx)
		if err != nil {
			return err
		}
		emit(samples)
		return nil
	}

	if co.listen != "" {
		exportCfg := stats.DefaultExportConfig()
		exportCfg.Listen = co.listen
		exporter := stats.NewExporter(collector, reg, exportCfg, o.logger.WithComponent("exporter"))
		if err := exporter.Start(ctx); err != nil {
			return err
		}
	}
	return collector.Run(ctx, emit)
}
