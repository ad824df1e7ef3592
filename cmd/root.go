// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cmd implements the ingressmeter command line.
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"grimm.is/ingressmeter/internal/config"
	"grimm.is/ingressmeter/internal/logging"
)

// options are the persistent flags shared by every subcommand.
type options struct {
	configPath string
	logLevel   string
	logJSON    bool

	cfg    *config.Config
	logger *logging.Logger
}

// NewRootCmd builds the ingressmeter command tree.
func NewRootCmd() *cobra.Command {
	o := &options{}

	root := &cobra.Command{
		Use:   "ingressmeter",
		Short: "count ingress bytes per CPU with XDP and tc classifier probes",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return o.setup(cmd)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&o.configPath, "config", "c", "",
		"path to an HCL or JSON config file; defaults to both probes on "+config.DefaultInterface)
	_ = root.MarkPersistentFlagFilename("config", "hcl", "json")
	root.PersistentFlags().StringVar(&o.logLevel, "log-level", "",
		"logging level; one of [debug, info, warn, error], overrides the config file")
	root.PersistentFlags().BoolVar(&o.logJSON, "log-json", false, "emit logs as JSON")

	root.AddCommand(
		newAttachCmd(o),
		newCollectCmd(o),
		newSimulateCmd(o),
		newVerifyCmd(o),
		newConfigCmd(o),
	)
	return root
}

// Execute runs the command tree until ctx is cancelled or the command returns.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func (o *options) setup(cmd *cobra.Command) error {
	var err error
	if o.configPath == "" {
		o.cfg = config.Default()
	} else if o.cfg, err = config.LoadFile(o.configPath); err != nil {
		return err
	}

	if o.logLevel != "" {
		o.cfg.LogLevel = o.logLevel
	}
	if o.logJSON {
		o.cfg.LogJSON = true
	}

	logCfg := o.cfg.LoggingConfig()
	if o.logLevel != "" {
		level, err := logging.ParseLevel(o.logLevel)
		if err != nil {
			return err
		}
		logCfg.Level = level
	}
	logCfg.Output = cmd.ErrOrStderr()

	o.logger = logging.New(logCfg)
	logging.SetDefault(o.logger)
	return nil
}
