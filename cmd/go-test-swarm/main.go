// Package main provides the go-test-swarm CLI entry point.
//
// go-test-swarm launches a pool of test workers (local processes, Chrome or
// cloud-hosted browsers), serves them the project's files and runs the test
// suite on every worker, once or on every file change.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/randomizedcoder/go-test-swarm/internal/config"
	"github.com/randomizedcoder/go-test-swarm/internal/logging"
	"github.com/randomizedcoder/go-test-swarm/internal/orchestrator"
	"github.com/randomizedcoder/go-test-swarm/internal/report"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/go-test-swarm
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// Handle version flag early (before flag parsing)
	if len(args) > 0 {
		arg := args[0]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("go-test-swarm %s\n", version)
			return report.ExitSuccess
		}
	}

	// Parse command-line flags
	cfg, err := config.ParseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return report.ExitSuccess
		}
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return report.ExitError
	}

	// Initialize logger
	// When TUI is enabled, suppress logs to avoid interfering with TUI rendering
	var logger *slog.Logger
	if cfg.TUIEnabled && !cfg.SingleRun() {
		logger = logging.NewLoggerWithWriter(io.Discard, "json", "info")
	} else {
		logger = logging.NewLogger(cfg.LogFormat, "info", cfg.Verbose)
	}
	logging.SetDefault(logger)

	// Validate configuration
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return report.ExitError
	}

	logger.Info("starting",
		"version", version,
		"command", cfg.Command,
		"browsers", strings.Join(cfg.Browsers, ","),
		"base_path", cfg.BasePath,
		"listen", cfg.ListenAddr,
		"metrics_addr", cfg.MetricsAddr,
	)

	if !cfg.SingleRun() && !cfg.TUIEnabled {
		printBanner(os.Stdout, cfg)
	}

	// Create and run orchestrator
	orch := orchestrator.New(cfg, logger, orchestrator.Options{Version: version})
	code, err := orch.Run(context.Background())
	if err != nil {
		logger.Error("orchestrator_failed", "error", err)
	}
	return code
}

// printBanner prints the startup banner.
func printBanner(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║                          go-test-swarm                            ║")
	fmt.Fprintln(w, "║        Browser Test Orchestration with Worker Supervision         ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Workers:     %s\n", strings.Join(cfg.Browsers, ", "))
	fmt.Fprintf(w, "  Base path:   %s\n", cfg.BasePath)
	fmt.Fprintf(w, "  Server:      http://%s/\n", cfg.ListenAddr)
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(w, "  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Watching for changes. Press Ctrl+C to stop.")
	fmt.Fprintln(w)
}
