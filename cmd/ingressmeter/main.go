// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command ingressmeter loads the ingress byte-counting probes and reports
// their per-CPU totals.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/ingressmeter/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
