package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
	"github.com/veritas-labs/scrutiny/pkg/investigation"
)

// loadRequest reads a screening request file (JSON).
func loadRequest(path string) (investigation.Request, error) {
	var req investigation.Request
	data, err := os.ReadFile(path)
	if err != nil {
		return req, fmt.Errorf("reading subject file: %w", err)
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("parsing subject file %s: %w", path, err)
	}
	return req, nil
}

func runScreen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("screen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	subjectPath := fs.String("subject", "", "path to the screening request file (JSON)")
	asJSON := fs.Bool("json", false, "print the full outcome as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *subjectPath == "" {
		fmt.Fprintln(stderr, "screen: --subject is required")
		return 2
	}

	req, err := loadRequest(*subjectPath)
	if err != nil {
		fmt.Fprintf(stderr, "screen: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "screen: %v\n", err)
		return 1
	}
	defer a.Close()

	tctx, done := a.telemetry.TrackInvestigation(ctx)
	out, err := a.svc.Run(tctx, req)
	done(err)
	if err != nil {
		fmt.Fprintf(stderr, "screen: %v\n", err)
		return 1
	}
	return printOutcome(stdout, out, *asJSON)
}

func runResume(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "investigation ID to resume")
	subjectPath := fs.String("subject", "", "path to the original screening request file (JSON)")
	asJSON := fs.Bool("json", false, "print the full outcome as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *id == "" || *subjectPath == "" {
		fmt.Fprintln(stderr, "resume: --id and --subject are required")
		return 2
	}

	req, err := loadRequest(*subjectPath)
	if err != nil {
		fmt.Fprintf(stderr, "resume: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "resume: %v\n", err)
		return 1
	}
	defer a.Close()

	tctx, done := a.telemetry.TrackInvestigation(ctx)
	out, err := a.svc.Resume(tctx, *id, req)
	done(err)
	if err != nil {
		fmt.Fprintf(stderr, "resume: %v\n", err)
		return 1
	}
	return printOutcome(stdout, out, *asJSON)
}

func printOutcome(stdout io.Writer, out *investigation.Outcome, asJSON bool) int {
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return 1
		}
		return 0
	}

	fmt.Fprintf(stdout, "investigation: %s\n", out.InvestigationID)
	fmt.Fprintf(stdout, "entity:        %s\n", out.EntityID)
	fmt.Fprintf(stdout, "status:        %s\n", out.Status)
	if out.AbortReason != "" {
		fmt.Fprintf(stdout, "abort reason:  %s\n", out.AbortReason)
	}
	if r := out.Resolution; r != nil {
		fmt.Fprintf(stdout, "resolution:    %s (score %.2f)\n", r.Outcome, r.Score)
		if r.ReviewTaskID != "" {
			fmt.Fprintf(stdout, "review task:   %s\n", r.ReviewTaskID)
		}
	}
	if p := out.Profile; p != nil {
		fmt.Fprintf(stdout, "profile:       v%d (%d findings, risk %.2f)\n",
			p.Version, len(p.Findings), p.RiskScore.Total)
	}
	if out.DeceptionScore > 0 {
		fmt.Fprintf(stdout, "deception:     %.2f\n", out.DeceptionScore)
	}

	checks := make([]string, 0, len(out.TypeStates))
	for c := range out.TypeStates {
		checks = append(checks, string(c))
	}
	sort.Strings(checks)
	for _, c := range checks {
		fmt.Fprintf(stdout, "  %-20s %s\n", c, out.TypeStates[contracts.CheckType(c)])
	}
	return 0
}
