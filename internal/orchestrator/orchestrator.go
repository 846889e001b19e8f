package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/randomizedcoder/go-agent-supervisor/internal/agent"
	"github.com/randomizedcoder/go-agent-supervisor/internal/config"
	"github.com/randomizedcoder/go-agent-supervisor/internal/launcher"
	"github.com/randomizedcoder/go-agent-supervisor/internal/metrics"
	"github.com/randomizedcoder/go-agent-supervisor/internal/parser"
	"github.com/randomizedcoder/go-agent-supervisor/internal/preflight"
	"github.com/randomizedcoder/go-agent-supervisor/internal/stats"
	"github.com/randomizedcoder/go-agent-supervisor/internal/timeseries"
	"github.com/randomizedcoder/go-agent-supervisor/internal/tui"
)

// ErrUnexpectedTermination is returned by Run when at least one agent did
// not end the way it should.
var ErrUnexpectedTermination = errors.New("orchestrator: agent terminated unexpectedly")

const statsInterval = time.Second

// Options holds optional dependencies of an Orchestrator.
type Options struct {
	Version string

	// Out receives the exit summary and metric dump (default os.Stdout).
	Out io.Writer

	// Registry holds the metrics (default: a new registry with the Go
	// and process collectors).
	Registry *prometheus.Registry

	// JitterSeed fixes start and backoff jitter; 0 seeds from the clock.
	JitterSeed int64
}

// Orchestrator coordinates all components of a supervision run.
type Orchestrator struct {
	config *config.Config
	logger *slog.Logger
	out    io.Writer

	registry      *prometheus.Registry
	metrics       *metrics.Collector
	metricsServer *metrics.Server
	lifetimes     *stats.Lifetimes
	outputRate    *timeseries.RateTracker

	launcher  *launcher.Launcher
	manager   *AgentManager
	scheduler *StartScheduler

	startTime time.Time
}

// New creates a new Orchestrator with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts Options) *Orchestrator {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	o := &Orchestrator{
		config:     cfg,
		logger:     logger,
		out:        opts.Out,
		registry:   registry,
		lifetimes:  stats.NewLifetimes(),
		outputRate: timeseries.NewRateTracker(),
		metrics: metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
			Version:             opts.Version,
			Target:              cfg.Target,
			PerOperationMetrics: cfg.PromOperationMetrics,
		}, registry),
	}

	if cfg.MetricsAddr != "" {
		o.metricsServer = metrics.NewServerWithGatherer(cfg.MetricsAddr, registry, logger)
	}

	if opts.JitterSeed != 0 {
		o.scheduler = NewStartSchedulerWithSeed(cfg.StartRate, cfg.StartJitter, opts.JitterSeed)
	} else {
		o.scheduler = NewStartScheduler(cfg.StartRate, cfg.StartJitter)
	}

	o.launcher = launcher.New(launcher.Config{
		Target:             cfg.Target,
		Logger:             logger,
		DrainTimeout:       cfg.DrainTimeout,
		StatsBufferSize:    cfg.StatsBufferSize,
		StatsDropThreshold: cfg.StatsDropThreshold,
		Verbose:            cfg.Verbose,
		Callbacks: launcher.Callbacks{
			OnLaunch:       o.onLaunch,
			OnLaunchFailed: o.onLaunchFailed,
			OnTerminate:    o.onTerminate,
		},
	})

	o.manager = NewAgentManager(ManagerConfig{
		Launcher: o.launcher,
		Logger:   logger,
		BackoffConfig: launcher.BackoffConfig{
			Initial:    cfg.BackoffInitial,
			Max:        cfg.BackoffMax,
			Multiplier: cfg.BackoffMultiply,
			JitterPct:  0.4,
		},
		MaxRestarts: cfg.MaxRestarts,
		ResetAfter:  cfg.ResetAfter,
		StopTimeout: cfg.StopTimeout,
		JitterSeed:  opts.JitterSeed,
		Callbacks: ManagerCallbacks{
			OnAgentRestart: o.onRestart,
			OnAgentDone:    o.onAgentDone,
		},
	})

	return o
}

// Run supervises every configured agent. It blocks until all of them have
// ended, the duration elapses, a signal arrives or ctx ends. Agents still
// running are then stopped.
//
// Run returns an error wrapping ErrUnexpectedTermination when an agent
// did not end cleanly.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startTime = time.Now()

	if !o.config.SkipPreflight {
		result := preflight.RunAll(o.config.Agents)
		if !result.Passed || result.Warnings() > 0 || o.config.Verbose {
			preflight.PrintResults(o.out, result)
		}
		if !result.Passed {
			return errors.New("preflight checks failed (use -skip-preflight to override)")
		}
	}

	if o.metricsServer != nil {
		if err := o.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	statsDone := make(chan struct{})
	go func() {
		defer close(statsDone)
		o.statsLoop(ctx)
	}()

	var program *tea.Program
	dashboardDone := make(chan struct{})
	if o.config.TUIEnabled {
		program = tea.NewProgram(tui.New(tui.Config{
			Target:      o.config.Target,
			MetricsAddr: o.config.MetricsAddr,
			Source:      o,
		}), tea.WithAltScreen())
		go func() {
			defer close(dashboardDone)
			if _, err := program.Run(); err != nil {
				o.logger.Warn("dashboard_failed", "error", err)
			}
		}()
	}

	o.logger.Info("agents_starting",
		"agents", len(o.config.Agents),
		"rate", o.scheduler.Rate(),
		"estimated_duration", o.scheduler.EstimatedDuration(len(o.config.Agents)).String(),
	)
	o.startAgents(ctx)

	allDone := make(chan struct{})
	go func() {
		o.manager.Wait()
		close(allDone)
	}()

	var durationTimer <-chan time.Time
	if o.config.Duration > 0 {
		timer := time.NewTimer(o.config.Duration)
		defer timer.Stop()
		durationTimer = timer.C
	}

	var dashboardClosed <-chan struct{}
	if program != nil {
		dashboardClosed = dashboardDone
	}

	select {
	case sig := <-sigCh:
		o.logger.Info("received_signal", "signal", sig.String())
	case <-durationTimer:
		o.logger.Info("duration_elapsed", "duration", o.config.Duration.String())
	case <-allDone:
		o.logger.Info("all_agents_ended")
	case <-dashboardClosed:
		o.logger.Info("dashboard_closed")
	case <-ctx.Done():
		o.logger.Info("context_cancelled")
	}

	// Ending ctx makes every Keeper stop its agent.
	cancel()

	grace := o.config.StopTimeout + o.config.DrainTimeout + 5*time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), grace)
	defer shutdownCancel()

	if err := o.manager.Shutdown(shutdownCtx); err != nil {
		o.logger.Warn("shutdown_incomplete", "error", err)
	}
	if err := o.launcher.Shutdown(o.config.StopTimeout); err != nil {
		o.logger.Warn("launcher_shutdown_error", "error", err)
	}
	if err := o.launcher.Wait(shutdownCtx); err != nil {
		o.logger.Warn("operations_still_pending", "error", err)
	}

	<-statsDone
	o.recordStats()

	if program != nil {
		tui.SendQuit(program)
		<-dashboardDone
	}

	if o.metricsServer != nil {
		if err := o.metricsServer.Shutdown(shutdownCtx); err != nil {
			o.logger.Warn("metrics_server_shutdown_error", "error", err)
		}
	}

	if o.config.DumpMetrics {
		if err := metrics.Dump(o.out, o.registry, "agent_supervisor_"); err != nil {
			o.logger.Warn("metrics_dump_failed", "error", err)
		}
	}

	o.printExitSummary()

	return o.verdict()
}

// startAgents creates a Keeper for every agent, staggered by the scheduler.
func (o *Orchestrator) startAgents(ctx context.Context) {
	for i, spec := range o.config.Agents {
		delay := o.scheduler.Offset(i, spec.Name)
		opts := launcher.Options{
			CaptureStdout: spec.CaptureStdout(o.config.CaptureStdout),
			CaptureStderr: spec.CaptureStderr(o.config.CaptureStderr),
		}
		o.manager.StartAgent(ctx, spec.Configuration(), opts, spec.RestartEnabled(o.config.Restart), delay)

		if o.config.Verbose {
			o.logger.Debug("agent_scheduled",
				"agent", spec.Name,
				"delay", delay.String(),
			)
		}
	}
}

// statsLoop pushes periodic aggregates into the collector until ctx ends.
func (o *Orchestrator) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.recordStats()
		}
	}
}

func (o *Orchestrator) recordStats() {
	snap := o.lifetimes.Snapshot()
	totals, degraded := o.launcher.StreamTotals()

	var lines int64
	streams := make(map[string]metrics.StreamTotals, len(totals))
	for name, t := range totals {
		lines += t.LinesRead
		streams[string(name)] = metrics.StreamTotals{
			LinesRead:    t.LinesRead,
			LinesDropped: t.LinesDropped,
			BytesRead:    t.BytesRead,
		}
	}
	o.outputRate.Observe(lines)
	o.outputRate.Sample()

	o.metrics.RecordStats(&metrics.StatsUpdate{
		Active:          int(snap.Running()),
		LifetimeP50:     snap.P50,
		LifetimeP95:     snap.P95,
		LifetimeP99:     snap.P99,
		StreamsDegraded: degraded,
		Streams:         streams,
	})
}

// verdict inspects how every agent ended.
func (o *Orchestrator) verdict() error {
	var bad []string
	for _, out := range o.manager.Outcomes() {
		if !out.Clean() {
			bad = append(bad, out.Agent)
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("%w: %s", ErrUnexpectedTermination, strings.Join(bad, ", "))
	}
	return nil
}

// Callback handlers

func (o *Orchestrator) onLaunch(op *agent.Operation) {
	o.metrics.OperationLaunched(op)
	o.lifetimes.RecordLaunch()
}

func (o *Orchestrator) onLaunchFailed(op *agent.Operation, err error) {
	o.metrics.LaunchFailed()
	o.lifetimes.RecordFailure()
}

func (o *Orchestrator) onTerminate(op *agent.Operation, r agent.Result, uptime time.Duration) {
	o.metrics.OperationTerminated(op, r, uptime)
	o.lifetimes.RecordTermination(r, uptime)
}

func (o *Orchestrator) onRestart(name string, attempt int, delay time.Duration) {
	o.metrics.Restarted()

	if o.config.Verbose {
		o.logger.Debug("agent_restart_scheduled",
			"agent", name,
			"attempt", attempt,
			"delay", delay.String(),
		)
	}
}

func (o *Orchestrator) onAgentDone(out Outcome) {
	level := slog.LevelInfo
	if !out.Clean() {
		level = slog.LevelWarn
	}
	attrs := []any{
		"agent", out.Agent,
		"clean", out.Clean(),
		"restarts", out.Restarts,
	}
	if out.SpawnFailed {
		attrs = append(attrs, "spawn_failed", true)
	} else if out.Launched {
		attrs = append(attrs, "status", out.Result.Status, "expected", out.Result.Expected)
	}
	if out.Err != nil {
		attrs = append(attrs, "error", out.Err)
	}
	o.logger.Log(context.Background(), level, "agent_done", attrs...)
}

// printExitSummary prints a summary of the run.
func (o *Orchestrator) printExitSummary() {
	restarts, err := metrics.CounterValue(o.registry, "agent_supervisor_restarts_total")
	if err != nil {
		o.logger.Warn("restart_count_unavailable", "error", err)
	}

	fmt.Fprint(o.out, stats.FormatExitSummary(o.lifetimes.Snapshot(), stats.SummaryConfig{
		Target:      o.config.Target,
		Duration:    time.Since(o.startTime),
		MetricsAddr: o.config.MetricsAddr,
		Restarts:    int64(restarts),
	}))

	outcomes := o.manager.Outcomes()
	if len(outcomes) == 0 {
		return
	}
	fmt.Fprintf(o.out, "\n  %-20s %-18s %8s  %s\n", "Agent", "Last Result", "Restarts", "Verdict")
	fmt.Fprintf(o.out, "  %s\n", strings.Repeat("─", 60))
	for _, out := range outcomes {
		last := "not launched"
		switch {
		case out.SpawnFailed:
			last = "spawn failed"
		case out.Launched:
			last = stats.StatusLabel(out.Result.Status)
		}
		verdict := "ok"
		if !out.Clean() {
			verdict = "FAILED"
			if out.Err != nil && !errors.Is(out.Err, context.Canceled) {
				verdict += " (" + out.Err.Error() + ")"
			}
		}
		fmt.Fprintf(o.out, "  %-20s %-18s %8d  %s\n", out.Agent, last, out.Restarts, verdict)
	}
	fmt.Fprintln(o.out)
}

// =============================================================================
// Dashboard source
// =============================================================================

// Operations returns the operations tracked by the launcher.
func (o *Orchestrator) Operations() []*agent.Operation {
	return o.launcher.Operations()
}

// StreamTotals returns output pipeline totals per stream.
func (o *Orchestrator) StreamTotals() (map[parser.Stream]launcher.StreamTotals, int) {
	return o.launcher.StreamTotals()
}

// Lifetimes returns the current termination statistics.
func (o *Orchestrator) Lifetimes() stats.Snapshot {
	return o.lifetimes.Snapshot()
}

// OutputRate returns rolling rates of output lines read from all agents.
func (o *Orchestrator) OutputRate() timeseries.RateStats {
	return o.outputRate.Stats()
}

// Manager returns the agent manager for external access.
func (o *Orchestrator) Manager() *AgentManager {
	return o.manager
}

// Metrics returns the metrics collector for external access.
func (o *Orchestrator) Metrics() *metrics.Collector {
	return o.metrics
}

// Registry returns the registry holding every metric.
func (o *Orchestrator) Registry() *prometheus.Registry {
	return o.registry
}
