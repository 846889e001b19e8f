// Package launcher spawns agent processes and drives their operations.
//
// For every launch the Operation is created before the OS confirms the
// process. Once the spawn succeeds the identity is attached, and when the
// process is reaped the termination is resolved from its raw wait status.
// The order after exit is fixed:
//
//	cmd.Wait -> drain output readers (bounded by DrainTimeout) -> Resolve -> Operation.Close
//
// so a consumer awaiting the termination has seen every line the agent
// wrote, unless a descendant held a stream open past the drain timeout.
//
// Each agent runs in its own process group. Stop signals the whole group.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-agent-supervisor/internal/agent"
	"github.com/randomizedcoder/go-agent-supervisor/internal/logging"
	"github.com/randomizedcoder/go-agent-supervisor/internal/parser"
	"github.com/randomizedcoder/go-agent-supervisor/internal/termination"
)

var (
	// ErrClosed is returned by Launch after Shutdown.
	ErrClosed = errors.New("launcher: closed")

	// ErrNotRunning is returned by Stop for an operation without a process.
	ErrNotRunning = errors.New("launcher: operation has no running process")

	// ErrUnknownOperation is returned by Stop for an operation this
	// launcher did not create.
	ErrUnknownOperation = errors.New("launcher: unknown operation")

	// ErrForceKilled is returned by Stop when SIGKILL was needed.
	ErrForceKilled = errors.New("launcher: agent did not stop gracefully")
)

const (
	defaultDrainTimeout     = 2 * time.Second
	defaultRetainTerminated = 64
)

// Callbacks contains optional callback functions for launcher events.
// They run on launcher goroutines and must not block.
type Callbacks struct {
	// OnLaunch is called once the process identity is attached.
	OnLaunch func(op *agent.Operation)

	// OnLaunchFailed is called when the spawn failed.
	OnLaunchFailed func(op *agent.Operation, err error)

	// OnTerminate is called after the termination is resolved and the
	// output handles are released.
	OnTerminate func(op *agent.Operation, r agent.Result, uptime time.Duration)
}

// Config holds configuration for creating a Launcher.
type Config struct {
	Target    string
	Logger    *slog.Logger
	Callbacks Callbacks

	// DrainTimeout bounds how long output is read after the agent exits.
	DrainTimeout time.Duration

	// Lossy pipeline settings, see parser.NewPipeline.
	StatsBufferSize    int
	StatsDropThreshold float64

	// Verbose logs every agent output line.
	Verbose bool

	// ParserFor optionally returns an extra consumer for one stream of op.
	ParserFor func(op *agent.Operation, stream parser.Stream) parser.LineParser

	// RetainTerminated is how many ended operations Operations keeps
	// reporting (default 64).
	RetainTerminated int
}

// Options select which streams of one agent are captured. Streams that are
// not captured are discarded.
type Options struct {
	CaptureStdout bool
	CaptureStderr bool
}

// StreamTotals are cumulative pipeline counters for one stream kind.
type StreamTotals struct {
	LinesRead    int64
	LinesDropped int64
	LinesParsed  int64
	BytesRead    int64
}

type stream struct {
	pipeline *parser.Pipeline
	handler  *logging.OutputHandler
}

type entry struct {
	op      *agent.Operation
	exited  atomic.Bool
	parsers sync.WaitGroup

	// guarded by Launcher.mu
	streams  []*stream
	handlers map[parser.Stream]*logging.OutputHandler
}

// Launcher starts agents and resolves their operations.
type Launcher struct {
	cfg    Config
	logger *slog.Logger
	group  *termination.Group

	// supervising counts supervise goroutines, callbacks included.
	supervising sync.WaitGroup

	// spawning is held shared from the closed check until the new
	// operation is running; Shutdown takes it exclusively.
	spawning sync.RWMutex

	mu       sync.Mutex
	closed   bool
	entries  map[string]*entry
	order    []string
	finished map[parser.Stream]StreamTotals
}

// New creates a Launcher.
func New(cfg Config) *Launcher {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.RetainTerminated <= 0 {
		cfg.RetainTerminated = defaultRetainTerminated
	}
	return &Launcher{
		cfg:      cfg,
		logger:   cfg.Logger,
		group:    termination.NewGroup(),
		entries:  make(map[string]*entry),
		finished: make(map[parser.Stream]StreamTotals),
	}
}

// Launch spawns the agent described by cfg and returns its running
// operation. It does not wait for the agent to end. ctx only bounds the
// spawn; use Stop to end the agent.
//
// If the spawn fails the operation is settled with the error, its handles
// are released and the error is returned.
func (l *Launcher) Launch(ctx context.Context, cfg agent.Configuration, opts Options) (*agent.Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.spawning.RLock()
	defer l.spawning.RUnlock()
	if l.isClosed() {
		return nil, ErrClosed
	}

	stdout, err := openPipe(opts.CaptureStdout)
	if err != nil {
		return nil, fmt.Errorf("launch %s: stdout pipe: %w", cfg.Name, err)
	}
	stderr, err := openPipe(opts.CaptureStderr)
	if err != nil {
		stdout.closeAll()
		return nil, fmt.Errorf("launch %s: stderr pipe: %w", cfg.Name, err)
	}

	op, ctl := agent.New(l.cfg.Target, cfg, stdout.reader(), stderr.reader())
	logger := logging.ForOperation(l.logger, op.ID(), op.Target(), cfg.Name)
	e := l.register(op)

	cmd := exec.Command(cfg.Path, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = buildEnv(cfg.Env)
	if stdout.w != nil {
		cmd.Stdout = stdout.w
	}
	if stderr.w != nil {
		cmd.Stderr = stderr.w
	}
	// Own process group for clean shutdown
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	startErr := cmd.Start()

	// The child holds its own copies of the write ends. Closing ours makes
	// the readers see EOF once the agent and its descendants are gone.
	stdout.closeWriter()
	stderr.closeWriter()

	if startErr != nil {
		cause := fmt.Errorf("start %s: %w", cfg.Path, startErr)
		l.mustSupervise(op, ctl.Fail(cause))
		l.closeOperation(op, logger)
		logger.Error("agent_launch_failed", "path", cfg.Path, "error", startErr)
		if cb := l.cfg.Callbacks.OnLaunchFailed; cb != nil {
			cb(op, cause)
		}
		return nil, cause
	}

	pid := cmd.Process.Pid
	l.mustSupervise(op, ctl.AttachIdentity(agent.Identity{PID: pid, LaunchedAt: time.Now()}))
	l.startStreams(e, logger)

	logger.Info("agent_launched",
		"pid", pid,
		"path", cfg.Path,
		"stdout", op.Output().HasStdout(),
		"stderr", op.Output().HasStderr(),
	)

	if cb := l.cfg.Callbacks.OnLaunch; cb != nil {
		cb(op)
	}

	l.supervising.Add(1)
	go l.supervise(e, ctl, cmd, logger)

	return op, nil
}

// supervise waits for the process, drains its output and settles the
// operation.
func (l *Launcher) supervise(e *entry, ctl *agent.Control, cmd *exec.Cmd, logger *slog.Logger) {
	defer l.supervising.Done()

	waitErr := cmd.Wait()
	e.exited.Store(true)

	id, _ := e.op.Process()
	uptime := time.Since(id.LaunchedAt)
	status := rawStatus(cmd.ProcessState)
	if status < 0 {
		logger.Error("agent_wait_failed", "pid", id.PID, "error", waitErr)
	}

	l.drain(e, logger)

	result, err := ctl.Resolve(status)
	l.mustSupervise(e.op, err)

	recent := l.foldStreams(e)

	attrs := []any{
		"pid", id.PID,
		"status", result.Status,
		"expected", result.Expected,
		"uptime", uptime.String(),
	}
	if sig := result.Signal(); sig != "" {
		attrs = append(attrs, "signal", sig)
	} else {
		attrs = append(attrs, "exit_code", result.ExitCode())
	}
	level := slog.LevelInfo
	if !result.Expected {
		level = slog.LevelWarn
		if len(recent) > 0 {
			attrs = append(attrs, "recent_stderr", recent)
		}
	}
	logger.Log(context.Background(), level, "agent_terminated", attrs...)

	l.closeOperation(e.op, logger)

	if cb := l.cfg.Callbacks.OnTerminate; cb != nil {
		cb(e.op, result, uptime)
	}
}

// startStreams runs one lossy pipeline per captured stream.
func (l *Launcher) startStreams(e *entry, logger *slog.Logger) {
	out := e.op.Output()
	sources := []struct {
		kind parser.Stream
		r    io.Reader
	}{
		{parser.StreamStdout, out.Stdout()},
		{parser.StreamStderr, out.Stderr()},
	}

	for _, src := range sources {
		if src.r == nil {
			continue
		}
		p := parser.NewPipeline(e.op.ID(), src.kind, l.cfg.StatsBufferSize, l.cfg.StatsDropThreshold)
		h := logging.NewOutputHandler(string(src.kind), logger, l.cfg.Verbose)

		var lp parser.LineParser = h
		if l.cfg.ParserFor != nil {
			if extra := l.cfg.ParserFor(e.op, src.kind); extra != nil {
				lp = parser.ParserFunc(func(line string) {
					h.ParseLine(line)
					extra.ParseLine(line)
				})
			}
		}

		l.mu.Lock()
		e.streams = append(e.streams, &stream{pipeline: p, handler: h})
		e.handlers[src.kind] = h
		l.mu.Unlock()

		go p.RunReader(src.r)
		e.parsers.Add(1)
		go func() {
			defer e.parsers.Done()
			p.RunParser(lp)
		}()
	}
}

// drain waits for the parsers to consume what the agent wrote.
func (l *Launcher) drain(e *entry, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		e.parsers.Wait()
		close(done)
	}()

	timer := time.NewTimer(l.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		logger.Warn("output_drain_timeout",
			"timeout", l.cfg.DrainTimeout.String(),
			"reason", "a descendant of the agent still holds an output stream",
		)
	}
}

// foldStreams moves the pipeline counters of e into the launcher totals and
// returns the most recent stderr lines.
func (l *Launcher) foldStreams(e *entry) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var recent []string
	for _, s := range e.streams {
		read, dropped, parsed := s.pipeline.Stats()
		t := l.finished[s.pipeline.Stream()]
		t.LinesRead += read
		t.LinesDropped += dropped
		t.LinesParsed += parsed
		t.BytesRead += s.pipeline.BytesRead()
		l.finished[s.pipeline.Stream()] = t

		if dropped > 0 || l.logger.Enabled(context.Background(), slog.LevelDebug) {
			l.logger.Info("pipeline_stats",
				"operation_id", e.op.ID(),
				"stream", string(s.pipeline.Stream()),
				"lines_read", read,
				"lines_dropped", dropped,
				"lines_parsed", parsed,
				"degraded", s.pipeline.IsDegraded(),
			)
		}
		if s.pipeline.Stream() == parser.StreamStderr {
			recent = s.handler.RecentLines(5)
		}
	}
	e.streams = nil
	return recent
}

func (l *Launcher) closeOperation(op *agent.Operation, logger *slog.Logger) {
	if err := op.Close(); err != nil {
		logger.Warn("output_close_failed", "error", err)
	}
}

// mustSupervise panics on a Control error. Such an error means this
// package drove an operation out of order.
func (l *Launcher) mustSupervise(op *agent.Operation, err error) {
	if err == nil {
		return
	}
	l.logger.Error("contract_violation", "operation_id", op.ID(), "error", err)
	panic(err)
}

// Stop asks the agent of op to exit with SIGTERM to its process group and
// sends SIGKILL if it is still running after timeout. It returns nil once
// the operation has settled, or an error wrapping ErrForceKilled.
func (l *Launcher) Stop(op *agent.Operation, timeout time.Duration) error {
	l.mu.Lock()
	e, ok := l.entries[op.ID()]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("stop %s: %w", op.ID(), ErrUnknownOperation)
	}

	if op.State().IsTerminal() {
		return nil
	}
	id, ok := op.Process()
	if !ok {
		return fmt.Errorf("stop %s: %w", op.ID(), ErrNotRunning)
	}

	logger := logging.ForOperation(l.logger, op.ID(), op.Target(), op.Configuration().Name)
	logger.Info("agent_stopping", "pid", id.PID, "timeout", timeout.String())

	if !e.exited.Load() {
		if err := signalGroup(id.PID, unix.SIGTERM); err != nil {
			logger.Warn("signal_failed", "pid", id.PID, "signal", "SIGTERM", "error", err)
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-op.Done():
		return nil
	case <-timer.C:
	}

	if e.exited.Load() {
		// Reaped, only the output drain is still running.
		<-op.Done()
		return nil
	}

	logger.Warn("force_killing_agent", "pid", id.PID)
	if err := signalGroup(id.PID, unix.SIGKILL); err != nil {
		logger.Warn("signal_failed", "pid", id.PID, "signal", "SIGKILL", "error", err)
	}
	return fmt.Errorf("stop pid %d: %w", id.PID, ErrForceKilled)
}

// StopAll stops every running operation concurrently.
func (l *Launcher) StopAll(timeout time.Duration) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, op := range l.Operations() {
		if op.State() != agent.StateRunning {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Stop(op, timeout); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Shutdown refuses further launches and stops every running operation.
// Launches already past the closed check finish spawning first, so they
// are stopped too.
func (l *Launcher) Shutdown(timeout time.Duration) error {
	l.spawning.Lock()
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.spawning.Unlock()
	return l.StopAll(timeout)
}

// Wait blocks until every operation launched so far has settled and its
// OnTerminate callback has returned, or ctx ends.
func (l *Launcher) Wait(ctx context.Context) error {
	if err := l.group.Wait(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		l.supervising.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Operations returns the tracked operations in creation order. Running
// operations are always included, ended ones up to RetainTerminated.
func (l *Launcher) Operations() []*agent.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()

	ops := make([]*agent.Operation, 0, len(l.order))
	for _, id := range l.order {
		ops = append(ops, l.entries[id].op)
	}
	return ops
}

// RecentOutput returns up to n recent lines of one stream of op.
func (l *Launcher) RecentOutput(op *agent.Operation, kind parser.Stream, n int) []string {
	l.mu.Lock()
	e, ok := l.entries[op.ID()]
	var h *logging.OutputHandler
	if ok {
		h = e.handlers[kind]
	}
	l.mu.Unlock()

	if h == nil {
		return nil
	}
	return h.RecentLines(n)
}

// StreamTotals returns pipeline counters per stream kind over every
// operation, live ones included, and the number of live degraded streams.
func (l *Launcher) StreamTotals() (map[parser.Stream]StreamTotals, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	totals := maps.Clone(l.finished)
	degraded := 0
	for _, e := range l.entries {
		for _, s := range e.streams {
			read, dropped, parsed := s.pipeline.Stats()
			t := totals[s.pipeline.Stream()]
			t.LinesRead += read
			t.LinesDropped += dropped
			t.LinesParsed += parsed
			t.BytesRead += s.pipeline.BytesRead()
			totals[s.pipeline.Stream()] = t
			if s.pipeline.IsDegraded() {
				degraded++
			}
		}
	}
	return totals, degraded
}

func (l *Launcher) register(op *agent.Operation) *entry {
	e := &entry{
		op:       op,
		handlers: make(map[parser.Stream]*logging.OutputHandler),
	}

	l.mu.Lock()
	l.entries[op.ID()] = e
	l.order = append(l.order, op.ID())
	l.pruneLocked()
	l.mu.Unlock()

	l.group.Add(op)
	return e
}

// pruneLocked forgets the oldest ended operations beyond RetainTerminated.
func (l *Launcher) pruneLocked() {
	terminal := 0
	for _, id := range l.order {
		if l.entries[id].op.State().IsTerminal() {
			terminal++
		}
	}
	excess := terminal - l.cfg.RetainTerminated
	if excess <= 0 {
		return
	}

	l.order = slices.DeleteFunc(l.order, func(id string) bool {
		if excess > 0 && l.entries[id].op.State().IsTerminal() {
			delete(l.entries, id)
			excess--
			return true
		}
		return false
	})
}

func (l *Launcher) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// pipe is an optional os.Pipe. Both ends are nil when the stream is not
// captured.
type pipe struct {
	r, w *os.File
}

func openPipe(enabled bool) (pipe, error) {
	if !enabled {
		return pipe{}, nil
	}
	r, w, err := os.Pipe()
	if err != nil {
		return pipe{}, err
	}
	return pipe{r: r, w: w}, nil
}

// reader returns the read end as an interface that is nil when absent.
func (p pipe) reader() io.ReadCloser {
	if p.r == nil {
		return nil
	}
	return p.r
}

func (p pipe) closeWriter() {
	if p.w != nil {
		p.w.Close()
	}
}

func (p pipe) closeAll() {
	p.closeWriter()
	if p.r != nil {
		p.r.Close()
	}
}

// buildEnv appends extra to the supervisor's environment in a stable
// order. Later entries override earlier ones.
func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(extra)) {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// rawStatus extracts the wait status, or -1 if none is available.
func rawStatus(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok {
		return int(ws)
	}
	return -1
}

// signalGroup signals the process group led by pid, falling back to pid
// alone. A process that is already gone is not an error.
func signalGroup(pid int, sig unix.Signal) error {
	target := pid
	if pgid, err := unix.Getpgid(pid); err == nil && pgid == pid {
		target = -pgid
	}
	if err := unix.Kill(target, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}
