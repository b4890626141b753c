package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/axonstream/axonstream/internal/config"
	"github.com/axonstream/axonstream/internal/tui"
)

func runWatchCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: axonctl watch")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	addr := strings.TrimSpace(cfg.BindAddr)
	if addr == "" {
		addr = "127.0.0.1:8780"
	}

	var healthURL string
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		healthURL = strings.TrimRight(addr, "/") + "/healthz"
	} else {
		if host, port, splitErr := net.SplitHostPort(addr); splitErr == nil {
			addr = net.JoinHostPort(host, port)
		}
		healthURL = "http://" + addr + "/healthz"
	}

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		// Piped output can't host an interactive TUI; fall back to the
		// one-shot status check instead of failing outright.
		return runStatusCommand(ctx, args)
	}

	if _, err := tui.NewWatchProgram(healthURL).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	return 0
}
