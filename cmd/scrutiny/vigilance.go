package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
	"github.com/veritas-labs/scrutiny/pkg/vigilance"
)

func runVigilance(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("vigilance", flag.ContinueOnError)
	fs.SetOutput(stderr)
	enroll := fs.String("enroll", "", "entity ID to enroll")
	customer := fs.String("customer", "", "customer ID for the enrollment")
	level := fs.String("level", string(vigilance.LevelV1), "vigilance level (v0-v3)")
	tier := fs.String("tier", string(contracts.TierStandard), "screening tier for rechecks")
	unenroll := fs.String("unenroll", "", "entity ID to unenroll")
	list := fs.Bool("list", false, "list enrolled entities")
	notify := fs.String("notify", "", "entity ID hit by a sanctions list event (V3 only)")
	once := fs.Bool("once", false, "run due rechecks once and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "vigilance: %v\n", err)
		return 1
	}
	defer a.Close()

	switch {
	case *enroll != "":
		lvl := vigilance.Level(*level)
		if !vigilance.ValidLevel(lvl) {
			fmt.Fprintf(stderr, "vigilance: unknown level %q\n", *level)
			return 2
		}
		sc, err := a.scheduler.Enroll(ctx, *enroll, *customer, lvl, contracts.Tier(*tier))
		if err != nil {
			fmt.Fprintf(stderr, "vigilance: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "enrolled %s at %s", sc.EntityID, sc.Level)
		if !sc.NextDue.IsZero() {
			fmt.Fprintf(stdout, ", next recheck %s", sc.NextDue.Format("2006-01-02 15:04"))
		}
		fmt.Fprintln(stdout)
		return 0

	case *unenroll != "":
		if err := a.scheduler.Unenroll(ctx, *unenroll); err != nil {
			fmt.Fprintf(stderr, "vigilance: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "unenrolled %s\n", *unenroll)
		return 0

	case *notify != "":
		if err := a.scheduler.NotifySanctionsEvent(ctx, *notify); err != nil {
			fmt.Fprintf(stderr, "vigilance: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "delta check queued for %s\n", *notify)
		return 0

	case *list:
		scs, err := a.schedules.List(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "vigilance: %v\n", err)
			return 1
		}
		if len(scs) == 0 {
			fmt.Fprintln(stdout, "no entities enrolled")
			return 0
		}
		fmt.Fprintf(stdout, "%-24s %-6s %-10s %-18s %s\n", "ENTITY", "LEVEL", "TIER", "NEXT DUE", "CUSTOMER")
		for _, sc := range scs {
			due := "-"
			if !sc.NextDue.IsZero() {
				due = sc.NextDue.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(stdout, "%-24s %-6s %-10s %-18s %s\n",
				sc.EntityID, sc.Level, sc.Tier, due, sc.CustomerID)
		}
		return 0

	case *once:
		n, err := a.scheduler.RunDue(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "vigilance: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "ran %d recheck(s)\n", n)
		return 0
	}

	// Default: run the scheduler loop until interrupted, printing alerts.
	if err := a.scheduler.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "vigilance: %v\n", err)
		return 1
	}
	defer a.scheduler.Stop()
	fmt.Fprintln(stdout, "vigilance scheduler running, ctrl-c to stop")

	for {
		select {
		case <-ctx.Done():
			return 0
		case alert, ok := <-a.scheduler.Alerts():
			if !ok {
				return 0
			}
			printAlert(stdout, alert)
		}
	}
}

func printAlert(w io.Writer, alert *vigilance.Alert) {
	fmt.Fprintf(w, "[%s] ALERT %s (%s)", alert.EmittedAt.Format("15:04:05"), alert.EntityID, alert.Level)
	if alert.ProfileVersion > 0 {
		fmt.Fprintf(w, " profile v%d", alert.ProfileVersion)
	}
	fmt.Fprintln(w)
	for _, f := range alert.Findings {
		fmt.Fprintf(w, "  %s/%s %s\n", f.Category, f.Severity, f.Title)
	}
	for _, sig := range alert.Signals {
		fmt.Fprintf(w, "  signal: %s (%s) %s\n", sig.Pattern, sig.Severity, sig.Summary)
	}
}
