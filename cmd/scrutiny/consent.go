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
	"time"

	"github.com/veritas-labs/scrutiny/pkg/consent"
)

func runConsent(args []string, stdout, stderr io.Writer) int {
	switch args[0] {
	case "issue":
		return runConsentIssue(args[1:], stdout, stderr)
	case "verify":
		return runConsentVerify(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown consent command: %s\n", args[0])
		fmt.Fprintln(stderr, "Usage: scrutiny consent <issue|verify>")
		return 2
	}
}

func runConsentIssue(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("consent issue", flag.ContinueOnError)
	fs.SetOutput(stderr)
	subject := fs.String("subject", "", "subject reference the grant covers")
	customer := fs.String("customer", "", "customer ID requesting the grant")
	scopes := fs.String("scopes", "", "comma-separated scopes (check types or data categories)")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "grant lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *subject == "" || *scopes == "" {
		fmt.Fprintln(stderr, "consent issue: --subject and --scopes are required")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "consent issue: %v\n", err)
		return 1
	}
	defer a.Close()
	if a.consent == nil {
		fmt.Fprintln(stderr, "consent issue: CONSENT_SIGNING_KEY is not set")
		return 1
	}

	token, err := a.consent.Issue(ctx, consent.Grant{
		SubjectRef: *subject,
		CustomerID: *customer,
		Scopes:     strings.Split(*scopes, ","),
		TTL:        *ttl,
	})
	if err != nil {
		fmt.Fprintf(stderr, "consent issue: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func runConsentVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("consent verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	token := fs.String("token", "", "grant token to verify")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *token == "" {
		fmt.Fprintln(stderr, "consent verify: --token is required")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "consent verify: %v\n", err)
		return 1
	}
	defer a.Close()
	if a.consent == nil {
		fmt.Fprintln(stderr, "consent verify: CONSENT_SIGNING_KEY is not set")
		return 1
	}

	claims, err := a.consent.Verify(ctx, *token)
	if err != nil {
		fmt.Fprintf(stderr, "consent verify: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "subject:  %s\n", claims.SubjectRef)
	if claims.CustomerID != "" {
		fmt.Fprintf(stdout, "customer: %s\n", claims.CustomerID)
	}
	fmt.Fprintf(stdout, "scopes:   %s\n", strings.Join(claims.Scopes, ", "))
	if claims.ExpiresAt != nil {
		fmt.Fprintf(stdout, "expires:  %s\n", claims.ExpiresAt.Format(time.RFC3339))
	}
	return 0
}
