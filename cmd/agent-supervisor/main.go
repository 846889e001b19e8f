// Package main provides the agent-supervisor CLI entry point.
//
// agent-supervisor launches one or more agent processes, watches them until
// they end, optionally restarts the ones that fail, and reports whether
// every agent terminated the way it should.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/randomizedcoder/go-agent-supervisor/internal/config"
	"github.com/randomizedcoder/go-agent-supervisor/internal/logging"
	"github.com/randomizedcoder/go-agent-supervisor/internal/orchestrator"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/agent-supervisor
var version = "dev"

// Exit codes.
const (
	exitOK         = 0
	exitUnexpected = 1
	exitUsage      = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	// Handle version flag early (before flag parsing)
	if len(args) > 0 {
		arg := args[0]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Fprintf(stdout, "agent-supervisor %s\n", version)
			return exitOK
		}
	}

	cfg, err := config.ParseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error parsing flags: %v\n", err)
		return exitUsage
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(stderr, "Configuration error:\n%v\n", err)
		return exitUsage
	}

	// When the TUI is enabled, logs would interfere with its rendering
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.NewLoggerWithWriter(io.Discard, cfg.LogFormat, cfg.LogLevel)
	} else {
		logger = logging.NewLogger(cfg.LogFormat, cfg.LogLevel, cfg.Verbose)
	}
	logging.SetDefault(logger)

	logger.Info("starting",
		"version", version,
		"target", cfg.Target,
		"agents", len(cfg.Agents),
		"restart", cfg.Restart,
		"metrics_addr", cfg.MetricsAddr,
	)

	if !cfg.TUIEnabled {
		printBanner(stdout, cfg)
	}

	orch := orchestrator.New(cfg, logger, orchestrator.Options{
		Version: version,
		Out:     stdout,
	})
	err = orch.Run(context.Background())
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, orchestrator.ErrUnexpectedTermination):
		logger.Warn("unexpected_termination", "error", err)
		return exitUnexpected
	default:
		logger.Error("orchestrator_failed", "error", err)
		return exitUnexpected
	}
}

// printBanner prints the startup banner.
func printBanner(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║                        agent-supervisor                           ║")
	fmt.Fprintln(w, "║          Launch, watch and classify agent processes               ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Target:      %s\n", cfg.Target)
	for _, a := range cfg.Agents {
		fmt.Fprintf(w, "  Agent:       %s (%s)\n", a.Name, filepath.Base(a.Path))
	}
	if cfg.Restart {
		limit := "unlimited"
		if cfg.MaxRestarts > 0 {
			limit = fmt.Sprintf("%d", cfg.MaxRestarts)
		}
		fmt.Fprintf(w, "  Restart:     on unexpected termination (max %s)\n", limit)
	}
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(w, "  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Press Ctrl+C to stop.")
	fmt.Fprintln(w)
}
