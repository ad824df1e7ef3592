// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"grimm.is/ingressmeter/internal/ebpf/stats"
)

// renderSamples prints one row per key, or one row per key and CPU when
// perCPU is set.
func renderSamples(w io.Writer, samples []stats.Sample, perCPU bool) {
	table := tablewriter.NewWriter(w)
	header := []string{"Key", "Total", "Bytes", "Delta", "Rate/s"}
	if perCPU {
		header = append([]string{"CPU"}, header...)
	}
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)

	for _, s := range samples {
		row := []string{
			s.Key.String(),
			humanize.Comma(int64(s.Total)),
			humanize.IBytes(s.Total),
			humanize.Comma(int64(s.Delta)),
			humanize.IBytes(uint64(s.Rate)),
		}
		if !perCPU {
			table.Append(row)
			continue
		}
		table.Append(append([]string{"all"}, row...))
		for cpu, v := range s.PerCPU {
			table.Append([]string{
				strconv.Itoa(cpu),
				s.Key.String(),
				humanize.Comma(int64(v)),
				humanize.IBytes(v),
				"",
				"",
			})
		}
	}
	table.Render()
}

func renderJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
