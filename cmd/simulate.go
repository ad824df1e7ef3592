// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"grimm.is/ingressmeter/internal/dataplane"
	"grimm.is/ingressmeter/internal/ebpf/metrics"
	"grimm.is/ingressmeter/internal/ebpf/probe"
	"grimm.is/ingressmeter/internal/ebpf/stats"
	"grimm.is/ingressmeter/internal/ebpf/types"
	"grimm.is/ingressmeter/internal/percpu"
)

type simulateOptions struct {
	traffic dataplane.Traffic
	cpus    int
	hooks   []string
	perCPU  bool
	json    bool
}

// simulateReport is the JSON form of a simulation run.
type simulateReport struct {
	Replay     dataplane.ReplayResult `json:"replay"`
	Dispatcher dataplane.Stats        `json:"dispatcher"`
	Samples    []stats.Sample         `json:"samples"`
}

func newSimulateCmd(o *options) *cobra.Command {
	so := &simulateOptions{traffic: dataplane.DefaultTraffic()}

	c := &cobra.Command{
		Use:   "simulate",
		Short: "run the probes against synthetic traffic in-process",
		Long: "simulate attaches the probes to an in-process dispatcher with one worker per CPU,\n" +
			"replays a synthetic packet stream through them and prints the resulting counters.\n" +
			"No kernel support or privileges are needed.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("hooks") {
				so.hooks = so.hooks[:0]
				for _, p := range o.cfg.Probes {
					so.hooks = append(so.hooks, p.Hook)
				}
			}
			return o.runSimulate(cmd.Context(), cmd.OutOrStdout(), so)
		},
	}

	def := dataplane.DefaultConfig()
	c.Flags().IntVar(&so.traffic.Packets, "packets", so.traffic.Packets, "number of packets to replay")
	c.Flags().Uint32Var(&so.traffic.MinLen, "min-len", so.traffic.MinLen, "smallest packet length")
	c.Flags().Uint32Var(&so.traffic.MaxLen, "max-len", so.traffic.MaxLen, "largest packet length")
	c.Flags().Uint32Var(&so.traffic.Flows, "flows", so.traffic.Flows, "number of distinct flows to steer across CPUs")
	c.Flags().Uint64Var(&so.traffic.Seed, "seed", so.traffic.Seed, "random seed")
	c.Flags().IntVar(&so.cpus, "cpus", def.CPUs, "number of simulated CPUs")
	c.Flags().StringSliceVar(&so.hooks, "hooks", nil, "hooks to attach (xdp, classifier); defaults to the configured probes")
	c.Flags().BoolVar(&so.perCPU, "per-cpu", false, "show every CPU replica")
	c.Flags().BoolVar(&so.json, "json", false, "print the report as JSON")
	return c
}

func (o *options) runSimulate(ctx context.Context, out io.Writer, so *simulateOptions) error {
	table, err := percpu.Create(int(o.cfg.Counters.MaxEntries),
		percpu.WithName(types.CounterMapName),
		percpu.WithCPUs(so.cpus))
	if err != nil {
		return err
	}
	defer table.Close()

	dispatcherCfg := dataplane.DefaultConfig()
	dispatcherCfg.CPUs = so.cpus
	d, err := dataplane.New(o.logger.WithComponent("dataplane"), dispatcherCfg)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}
	defer d.Stop()

	for _, name := range so.hooks {
		hook, err := types.ParseHookType(name)
		if err != nil {
			return err
		}
		spec, err := probe.SpecFor(hook)
		if err != nil {
			return err
		}
		p, err := probe.Attach(spec, table)
		if err != nil {
			return err
		}
		if err := d.Attach(p); err != nil {
			return err
		}
	}

	start := time.Now()
	res, err := d.Replay(ctx, so.traffic)
	if err != nil {
		return err
	}
	if err := d.Flush(ctx); err != nil {
		return err
	}
	elapsed := time.Since(start)

	m := metrics.NewMetrics()
	collectorCfg, err := o.cfg.CollectorConfig()
	if err != nil {
		return err
	}
	collector, err := stats.NewCollector(table, collectorCfg,
		stats.WithMetrics(m),
		stats.WithLogger(o.logger.WithComponent("collector")))
	if err != nil {
		return err
	}
	samples, err := collector.Sample(ctx)
	if err != nil {
		return err
	}

	dpStats := d.Stats()
	m.ObserveVerdicts(dpStats.Passed, dpStats.Dropped)

	if so.json {
		return renderJSON(out, simulateReport{Replay: res, Dispatcher: dpStats, Samples: samples})
	}

	fmt.Fprintf(out, "replayed %s packets (%s) across %d CPUs with %d hooks in %s\n",
		humanize.Comma(int64(res.Packets)), humanize.IBytes(res.Bytes),
		d.CPUs(), dpStats.XDPHooks+dpStats.TCHooks, elapsed.Round(time.Millisecond))
	renderSamples(out, samples, so.perCPU)
	return nil
}
