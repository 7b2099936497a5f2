// Command attestd collects compliance evidence, seals it in a hash-chained
// manifest and answers auditor queries.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Mindburn-Labs/attest/pkg/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches a subcommand and returns the process exit code: 0 on
// success, 1 when a verification fails, 2 on usage or runtime errors.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "ingest":
		return runIngest(args[2:], stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "export":
		return runExport(args[2:], stdout, stderr)
	case "verify-export":
		return runVerifyExport(args[2:], stdout, stderr)
	case "health":
		return runHealth(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintln(stdout, version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServe(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintf(w, `attestd %s

USAGE:
  attestd <command> [flags]

COMMANDS:
  serve          Run the evidence API and maintenance jobs (default)
  ingest         Record one tool output as evidence (locally, or with
                 -server against a running attestd)
  verify         Verify the manifest chain, and optionally every payload
  export         Write a signed manifest bundle
  verify-export  Verify a manifest bundle offline
  health         Probe a running server
  version        Print the version

Every command except verify-export, health and ingest -server reads --config (or
ATTEST_CONFIG) and ATTEST_* environment variables.
`, version)
}

// configFlag registers --config on fs.
func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", os.Getenv("ATTEST_CONFIG"), "Path to YAML config file")
}

// loadConfig loads and validates configuration, reporting every problem.
func loadConfig(path string, stderr io.Writer) (*config.Config, bool) {
	cfg, errs := config.Load(path)
	if len(errs) > 0 {
		for _, err := range errs {
			_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		}
		return nil, false
	}
	return cfg, true
}

// newLogger builds the process logger and makes it the default.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	logger := cfg.NewLogger(w)
	slog.SetDefault(logger)
	return logger
}
