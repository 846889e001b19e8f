package config

import (
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// envList is a custom flag type for repeatable -env KEY=VALUE flags.
type envList []string

func (e *envList) String() string {
	return strings.Join(*e, ", ")
}

func (e *envList) Set(value string) error {
	if !strings.Contains(value, "=") {
		return fmt.Errorf("expected KEY=VALUE, got %q", value)
	}
	*e = append(*e, value)
	return nil
}

// toMap converts the list to a map. Later entries win.
func (e envList) toMap() map[string]string {
	if len(e) == 0 {
		return nil
	}
	m := make(map[string]string, len(e))
	for _, kv := range e {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	return m
}

// ParseFlags parses command-line arguments (without the program name) and
// returns a Config. Usage and parse errors are written to output.
//
// Everything after the first positional argument, or after "--", describes
// one agent: its path followed by its arguments. An agents file given with
// -agents is loaded and merged.
func ParseFlags(args []string, output io.Writer) (*Config, error) {
	cfg := DefaultConfig()
	var env envList
	var name, dir string
	var noStdout, noStderr bool

	fs := flag.NewFlagSet("agent-supervisor", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.Usage = func() {
		fmt.Fprintf(output, `agent-supervisor - launch agents and observe them until they terminate

Usage:
  agent-supervisor [flags] -- <path> [args...]
  agent-supervisor [flags] -agents agents.yaml

Agent Flags:
`)
		printFlagCategory(fs, output, []string{"agents", "name", "env", "dir", "target", "duration", "start-rate", "start-jitter"})

		fmt.Fprintf(output, "\nOutput Capture:\n")
		printFlagCategory(fs, output, []string{"no-stdout", "no-stderr", "stats-buffer", "drain-timeout"})

		fmt.Fprintf(output, "\nShutdown & Restart:\n")
		printFlagCategory(fs, output, []string{"stop-timeout", "restart", "max-restarts", "backoff-initial", "backoff-max", "backoff-multiply", "reset-after"})

		fmt.Fprintf(output, "\nObservability:\n")
		printFlagCategory(fs, output, []string{"metrics", "dump-metrics", "prom-operation-metrics", "v", "log-format", "log-level"})

		fmt.Fprintf(output, "\nDashboard:\n")
		printFlagCategory(fs, output, []string{"tui"})

		fmt.Fprintf(output, "\nSafety:\n")
		printFlagCategory(fs, output, []string{"skip-preflight"})

		fmt.Fprintf(output, `
Examples:
  # Run one agent and report how it ended
  agent-supervisor -- /usr/local/bin/worker -queue jobs

  # Keep an agent alive, restarting it on unexpected termination
  agent-supervisor -restart -max-restarts 5 -- ./worker

  # Supervise a fleet described in a file, with the live dashboard
  agent-supervisor -agents agents.yaml -tui

`)
	}

	// Agent
	fs.StringVar(&cfg.AgentsFile, "agents", cfg.AgentsFile, "YAML file describing agents to supervise")
	fs.StringVar(&name, "name", "", "Agent name (default: base name of path)")
	fs.Var(&env, "env", "Extra environment KEY=VALUE for the agent (can repeat)")
	fs.StringVar(&dir, "dir", "", "Working directory for the agent")
	fs.StringVar(&cfg.Target, "target", cfg.Target, "Label of the environment agents run in")
	fs.DurationVar(&cfg.Duration, "duration", cfg.Duration, "Stop every agent after this long (0 = until they end)")
	fs.IntVar(&cfg.StartRate, "start-rate", cfg.StartRate, "Agents started per second (0 = all at once)")
	fs.DurationVar(&cfg.StartJitter, "start-jitter", cfg.StartJitter, "Max random delay added to each agent start")

	// Output capture
	fs.BoolVar(&noStdout, "no-stdout", false, "Do not capture agent stdout")
	fs.BoolVar(&noStderr, "no-stderr", false, "Do not capture agent stderr")
	fs.IntVar(&cfg.StatsBufferSize, "stats-buffer", cfg.StatsBufferSize, "Lines to buffer per stream (increase if seeing drops)")
	// Hidden advanced flag
	fs.Float64Var(&cfg.StatsDropThreshold, "stats-drop-threshold", cfg.StatsDropThreshold, "")
	fs.DurationVar(&cfg.DrainTimeout, "drain-timeout", cfg.DrainTimeout, "How long to wait for output after an agent exits")

	// Shutdown & restart
	fs.DurationVar(&cfg.StopTimeout, "stop-timeout", cfg.StopTimeout, "Grace period between SIGTERM and SIGKILL")
	fs.BoolVar(&cfg.Restart, "restart", cfg.Restart, "Relaunch agents that terminate unexpectedly")
	fs.IntVar(&cfg.MaxRestarts, "max-restarts", cfg.MaxRestarts, "Restarts per agent before giving up (0 = unlimited)")
	fs.DurationVar(&cfg.BackoffInitial, "backoff-initial", cfg.BackoffInitial, "First restart delay")
	fs.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "Largest restart delay")
	fs.Float64Var(&cfg.BackoffMultiply, "backoff-multiply", cfg.BackoffMultiply, "Restart delay growth factor")
	fs.DurationVar(&cfg.ResetAfter, "reset-after", cfg.ResetAfter, "Uptime after which the restart delay resets")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, `Prometheus metrics address ("" disables)`)
	fs.BoolVar(&cfg.DumpMetrics, "dump-metrics", cfg.DumpMetrics, "Print final metrics in text exposition format at exit")
	fs.BoolVar(&cfg.PromOperationMetrics, "prom-operation-metrics", cfg.PromOperationMetrics,
		"Enable per-operation Prometheus metrics (WARNING: high cardinality)")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, `Log level: "debug", "info", "warn", "error"`)

	// Dashboard
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Enable live terminal dashboard")

	// Safety
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip host limit and executable checks")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.CaptureStdout = !noStdout
	cfg.CaptureStderr = !noStderr

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	// Positional arguments: agent path and its arguments.
	if rest := fs.Args(); len(rest) > 0 {
		spec := AgentSpec{
			Name: name,
			Path: rest[0],
			Args: rest[1:],
			Env:  env.toMap(),
			Dir:  dir,
		}
		if spec.Name == "" {
			spec.Name = filepath.Base(spec.Path)
		}
		cfg.Agents = append(cfg.Agents, spec)
	}

	if cfg.AgentsFile != "" {
		f, err := LoadFile(cfg.AgentsFile)
		if err != nil {
			return nil, err
		}
		if err := f.Apply(cfg, set); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, w io.Writer, names []string) {
	fs.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(w, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" && f.DefValue != "[]" {
					fmt.Fprintf(w, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(w)
				return
			}
		}
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	// Infer type from default value format
	switch f.DefValue {
	case "true", "false":
		return ""
	}

	// Check if it looks like a duration
	if strings.HasSuffix(f.DefValue, "s") || strings.HasSuffix(f.DefValue, "m") || strings.HasSuffix(f.DefValue, "h") {
		return "duration"
	}

	// Check if numeric
	if _, err := fmt.Sscanf(f.DefValue, "%d", new(int)); err == nil {
		return "int"
	}

	return "string"
}
