// Package main implements the tsctl CLI tool.
//
// tsctl drives the turnstile runtime through canned contention scenarios
// and prints the resulting inheritor chains, priorities and counters. It
// also validates boot arguments and checks client versions.
//
// Usage:
//
//	tsctl simulate chain -depth 12    # Run a scenario
//	tsctl config -bootargs "..."      # Show the normalized configuration
//	tsctl version -check v0.3.0       # Check a client version
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/kolkov/kernsync/turnstile"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches a command and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}

	var err error
	switch command := args[0]; command {
	case "simulate", "sim":
		err = simulateCommand(args[1:], stdout)
	case "config":
		err = configCommand(args[1:], stdout)
	case "version", "--version", "-v":
		err = versionCommand(args[1:], stdout)
	case "help", "--help", "-h":
		printUsage(stdout)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", command)
		printUsage(stderr)
		return 1
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `tsctl - turnstile priority inheritance playground

USAGE:
    tsctl <command> [arguments]

COMMANDS:
    simulate   Run a contention scenario (%s)
    config     Show the normalized boot configuration
    version    Show version information
    help       Show this help message

EXAMPLES:
    # Walk a chain longer than the hop bound
    tsctl simulate chain -depth 12

    # Watch every heap and priority change
    tsctl simulate fanin -trace

    # Compare worker-pool redrive policies
    tsctl simulate workq -bootargs ts_workq_redrive=raise

    # Validate boot arguments
    tsctl config -bootargs "turnstile_max_hop=16 ts_htable_buckets=100"

ENVIRONMENT:
    KERNSYNC_BOOTARGS   boot arguments used when -bootargs is not given

`, scenarioNames())
}

// versionCommand implements 'tsctl version'.
//
// Example:
//
//	tsctl version -check v0.2.0
func versionCommand(args []string, w io.Writer) error {
	fs := newFlagSet("version")
	check := fs.String("check", "", "report whether a client `version` is compatible")
	if err := fs.Parse(args); err != nil {
		return err
	}

	info := turnstile.GetInfo()
	if *check == "" {
		fmt.Fprintf(w, "tsctl version %s (%s, max hops %d)\n", info.Version, info.Algorithm, info.MaxHops)
		return nil
	}
	if !turnstile.Compatible(*check) {
		return fmt.Errorf("client version %s is not compatible with runtime %s", *check, info.Version)
	}
	fmt.Fprintf(w, "client version %s is compatible with runtime %s\n", *check, info.Version)
	return nil
}
