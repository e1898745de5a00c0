package main

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
)

const version = "v0.3.0"

// Dispatcher
func main() {
	_ = godotenv.Load()
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 0
	}

	switch args[1] {
	case "screen":
		return runScreen(args[2:], stdout, stderr)
	case "resume":
		return runResume(args[2:], stdout, stderr)
	case "erase":
		return runErase(args[2:], stdout, stderr)
	case "vigilance":
		return runVigilance(args[2:], stdout, stderr)
	case "audit":
		if len(args) < 3 {
			fmt.Fprintln(stderr, "Usage: scrutiny audit <verify|export>")
			return 2
		}
		return runAudit(args[2:], stdout, stderr)
	case "consent":
		if len(args) < 3 {
			fmt.Fprintln(stderr, "Usage: scrutiny consent <issue|verify>")
			return 2
		}
		return runConsent(args[2:], stdout, stderr)
	case "providers":
		return runProviders(args[2:], stdout, stderr)
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "scrutiny %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sScrutiny %s%s\n", ColorBold+ColorBlue, version, ColorReset)
	fmt.Fprintf(w, "%sContinuous background screening.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  scrutiny <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "SCREENING")
	printCommand(w, "screen", "Run an investigation from a subject file (--subject, --json)")
	printCommand(w, "resume", "Resume a checkpointed investigation (--id, --subject)")
	printCommand(w, "erase", "Erase a subject, right to be forgotten (--entity)")
	printCommand(w, "consent issue", "Issue a signed consent grant (--subject, --scopes)")
	printCommand(w, "consent verify", "Verify a consent grant (--token)")

	printSection(w, "MONITORING")
	printCommand(w, "vigilance", "Run the vigilance scheduler loop (--enroll, --level, --list)")
	printCommand(w, "providers", "List configured data providers")

	printSection(w, "AUDIT")
	printCommand(w, "audit verify", "Verify the audit hash chain")
	printCommand(w, "audit export", "Export an audit bundle (--out, --category, --subject)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-14s%s %s\n", ColorGreen, name, ColorReset, desc)
}
