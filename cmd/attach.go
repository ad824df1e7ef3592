// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"grimm.is/ingressmeter/internal/ebpf"
)

func newAttachCmd(o *options) *cobra.Command {
	var skipCheck bool

	c := &cobra.Command{
		Use:   "attach",
		Short: "load and attach the probes, then sample the counter until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.runAttach(cmd.Context(), skipCheck)
		},
	}
	c.Flags().BoolVar(&skipCheck, "skip-kernel-check", false, "attempt the load even if feature probing fails")
	return c
}

func (o *options) runAttach(ctx context.Context, skipCheck bool) error {
	cfg, err := o.managerConfig()
	if err != nil {
		return err
	}
	cfg.SkipKernelCheck = skipCheck

	m, err := ebpf.NewManager(cfg, o.logger)
	if err != nil {
		return err
	}
	if err := m.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	o.logger.Info("Shutting down")
	return m.Stop()
}

func (o *options) managerConfig() (*ebpf.Config, error) {
	lc, err := o.cfg.LoaderConfig()
	if err != nil {
		return nil, err
	}
	hookConfigs, err := o.cfg.HookConfigs()
	if err != nil {
		return nil, err
	}
	collectorCfg, err := o.cfg.CollectorConfig()
	if err != nil {
		return nil, err
	}

	cfg := &ebpf.Config{
		Loader:    lc,
		Hooks:     hookConfigs,
		Collector: collectorCfg,
	}
	if exportCfg := o.cfg.ExportConfig(); exportCfg.Listen != "" {
		cfg.Export = &exportCfg
	}
	return cfg, nil
}
