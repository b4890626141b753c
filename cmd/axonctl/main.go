// Command axonctl is the operator CLI for an axonstream daemon: health
// checks and startup diagnostics today, with room for task inspection
// subcommands to grow alongside the daemon. It mirrors the teacher's
// cmd/goclaw subcommand dispatch (flag.Parse then a switch on
// flag.Args()[0]) without the chat-specific genesis/import/pull
// commands, since there is no interactive agent session to bootstrap.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1.0"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [flags]

COMMANDS:
  doctor [-json]   Run startup diagnostics against the configured home directory
  status           Check a running daemon's /healthz endpoint once
  watch            Live-poll a running daemon's /healthz endpoint in a TUI

ENVIRONMENT VARIABLES:
  AXON_HOME   Data directory (default: ~/.axonstream)
`, os.Args[0])
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch strings.ToLower(strings.TrimSpace(os.Args[1])) {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "doctor":
		os.Exit(runDoctorCommand(ctx, os.Args[2:]))
	case "status":
		os.Exit(runStatusCommand(ctx, os.Args[2:]))
	case "watch":
		os.Exit(runWatchCommand(ctx, os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
}
