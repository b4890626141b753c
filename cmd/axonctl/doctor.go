package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/axonstream/axonstream/internal/config"
	"github.com/axonstream/axonstream/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	if err != nil && !cfg.NeedsGenesis {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return resultExitCode(diag.Results)
	}

	fmt.Printf("axonstream doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Printf("System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Println("---")

	for _, res := range diag.Results {
		icon := "ok"
		switch res.Status {
		case "FAIL":
			icon = "FAIL"
		case "WARN":
			icon = "WARN"
		case "SKIP":
			icon = "skip"
		}
		fmt.Printf("[%-4s] %-18s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("         %s\n", res.Detail)
		}
	}

	return resultExitCode(diag.Results)
}

func resultExitCode(results []doctor.CheckResult) int {
	for _, res := range results {
		if res.Status == "FAIL" {
			return 1
		}
	}
	return 0
}
