package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

func runProviders(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("providers", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "providers: %v\n", err)
		return 1
	}
	defer a.Close()

	all := a.providers.All()
	if len(all) == 0 {
		fmt.Fprintln(stdout, "no providers configured")
		return 0
	}

	fmt.Fprintf(stdout, "%-20s %-10s %-5s %-10s %-30s %s\n",
		"PROVIDER", "CATEGORY", "COST", "HEALTH", "CHECKS", "LOCALES")
	for _, p := range all {
		checks := make([]string, 0, len(p.Checks()))
		for _, c := range p.Checks() {
			checks = append(checks, string(c))
		}
		fmt.Fprintf(stdout, "%-20s %-10s %-5d %-10s %-30s %s\n",
			p.ID(), p.TierCategory(), p.CostTier(), p.Health(ctx).Status,
			strings.Join(checks, ","), strings.Join(p.Locales(), ","))
	}
	return 0
}
