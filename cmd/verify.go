// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"grimm.is/ingressmeter/internal/ebpf/programs"
	"grimm.is/ingressmeter/internal/host"
)

func newVerifyCmd(o *options) *cobra.Command {
	var kernel, dump bool

	c := &cobra.Command{
		Use:   "verify",
		Short: "assemble the probes and check they terminate in bounded time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.runVerify(cmd.OutOrStdout(), kernel, dump)
		},
	}
	c.Flags().BoolVar(&kernel, "kernel", false, "also probe the running kernel for the features the probes need")
	c.Flags().BoolVar(&dump, "dump", false, "print the assembled instructions")
	return c
}

func (o *options) runVerify(out io.Writer, kernel, dump bool) error {
	lc, err := o.cfg.LoaderConfig()
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Program", "Type", "Section", "Instructions", "Result"})
	table.SetAutoFormatHeaders(false)

	var failed error
	var listings []string
	for _, spec := range lc.Probes {
		prog, err := programs.ProgramSpec(spec)
		if err != nil {
			return err
		}
		result := "ok"
		if err := programs.Verify(prog); err != nil {
			result = err.Error()
			if failed == nil {
				failed = err
			}
		}
		table.Append([]string{
			prog.Name,
			prog.Type.String(),
			prog.SectionName,
			strconv.Itoa(len(prog.Instructions)),
			result,
		})
		if dump {
			listings = append(listings, fmt.Sprintf("%s:\n%v", prog.Name, prog.Instructions))
		}
	}
	table.Render()
	for _, l := range listings {
		fmt.Fprintln(out, l)
	}

	if kernel {
		reqs := host.VerifyBPFSupport(lc.HostProbe())
		if len(reqs) == 0 {
			fmt.Fprintln(out, "kernel: all required features present")
		}
		for _, req := range reqs {
			level := "warning"
			if req.Fatal {
				level = "missing"
				if failed == nil {
					failed = fmt.Errorf("kernel %s", req.Error())
				}
			}
			fmt.Fprintf(out, "kernel: %s %s\n", level, req.Error())
		}
	}
	return failed
}
