package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

func runErase(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("erase", flag.ContinueOnError)
	fs.SetOutput(stderr)
	entityID := fs.String("entity", "", "entity ID to erase")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *entityID == "" {
		fmt.Fprintln(stderr, "erase: --entity is required")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "erase: %v\n", err)
		return 1
	}
	defer a.Close()

	report, err := a.eraser.Erase(ctx, *entityID)
	if err != nil {
		fmt.Fprintf(stderr, "erase: %v\n", err)
		return 1
	}

	if report.AlreadyErased {
		fmt.Fprintf(stdout, "entity %s was already erased (reference %s)\n", *entityID, report.Reference)
		return 0
	}
	fmt.Fprintf(stdout, "erased %s\n", *entityID)
	fmt.Fprintf(stdout, "  reference:   %s\n", report.Reference)
	fmt.Fprintf(stdout, "  profiles:    %d\n", report.ProfilesPurged)
	fmt.Fprintf(stdout, "  cache:       %d\n", report.CacheEntries)
	fmt.Fprintf(stdout, "  checkpoints: %d\n", report.Checkpoints)
	fmt.Fprintf(stdout, "  schedules:   %d\n", report.Schedules)
	if report.BlobsDeleted > 0 || report.BlobsFailed > 0 {
		fmt.Fprintf(stdout, "  blobs:       %d deleted, %d failed\n", report.BlobsDeleted, report.BlobsFailed)
	}
	return 0
}
