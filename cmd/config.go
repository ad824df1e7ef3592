// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"grimm.is/ingressmeter/internal/config"
)

func newConfigCmd(o *options) *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "inspect configuration",
	}

	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "print the effective configuration as HCL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cmd.OutOrStdout().Write(config.GenerateHCL(o.cfg))
			return err
		},
	})

	c.AddCommand(&cobra.Command{
		Use:   "validate FILE",
		Short: "check a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d probes)\n", args[0], len(cfg.Probes))
			return nil
		},
	})
	return c
}
