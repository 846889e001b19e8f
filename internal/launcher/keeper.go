package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randomizedcoder/go-agent-supervisor/internal/agent"
	"github.com/randomizedcoder/go-agent-supervisor/internal/logging"
)

// ErrMaxRestarts is returned by Keeper.Run when the restart budget is spent.
var ErrMaxRestarts = errors.New("launcher: max restarts reached")

// KeeperState represents where a Keeper is in its restart loop.
type KeeperState int

const (
	// KeeperCreated is the state before Run.
	KeeperCreated KeeperState = iota

	// KeeperStarting indicates an agent is being launched.
	KeeperStarting

	// KeeperRunning indicates the current operation is running.
	KeeperRunning

	// KeeperBackoff indicates the Keeper is waiting before a restart.
	KeeperBackoff

	// KeeperStopped indicates Run has returned.
	KeeperStopped
)

// String returns a human-readable name for the state.
func (s KeeperState) String() string {
	switch s {
	case KeeperCreated:
		return "created"
	case KeeperStarting:
		return "starting"
	case KeeperRunning:
		return "running"
	case KeeperBackoff:
		return "backoff"
	case KeeperStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsActive returns true while an agent runs or is about to.
func (s KeeperState) IsActive() bool {
	return s == KeeperStarting || s == KeeperRunning || s == KeeperBackoff
}

// KeeperCallbacks contains optional callback functions for Keeper events.
type KeeperCallbacks struct {
	// OnStateChange is called when the Keeper state changes.
	OnStateChange func(name string, oldState, newState KeeperState)

	// OnRestart is called before a restart attempt.
	OnRestart func(name string, attempt int, delay time.Duration)
}

// KeeperConfig holds configuration for creating a Keeper.
type KeeperConfig struct {
	Launcher *Launcher
	Agent    agent.Configuration
	Options  Options
	Logger   *slog.Logger

	// Restart relaunches the agent after an unexpected termination or a
	// failed spawn. Without it the Keeper launches exactly once.
	Restart     bool
	MaxRestarts int // 0 = unlimited
	Backoff     *Backoff
	ResetAfter  time.Duration

	// StartDelay postpones the first launch.
	StartDelay time.Duration

	// StopTimeout is the grace period used when ctx ends.
	StopTimeout time.Duration

	Callbacks KeeperCallbacks
}

// Keeper keeps one agent alive: every attempt is a fresh Operation.
type Keeper struct {
	cfg    KeeperConfig
	logger *slog.Logger

	mu       sync.Mutex
	state    KeeperState
	current  *agent.Operation
	restarts int

	// attempts counts launches that reached the OS, failed or not.
	attempts   int
	lastFailed bool
}

// NewKeeper creates a Keeper.
func NewKeeper(cfg KeeperConfig) *Keeper {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Backoff == nil {
		cfg.Backoff = NewBackoff(nil, DefaultBackoffConfig())
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	return &Keeper{
		cfg:    cfg,
		logger: cfg.Logger.With("agent", cfg.Agent.Name),
		state:  KeeperCreated,
	}
}

// Run launches the agent and, if restarts are enabled, relaunches it until
// it terminates as expected, MaxRestarts is reached or ctx ends. When ctx
// ends the current agent is stopped before Run returns.
//
// It returns the result of the last termination. The error is nil when
// the last termination was reached without a restart budget running out
// or ctx ending; a launch error is returned when restarts are disabled.
func (k *Keeper) Run(ctx context.Context) (agent.Result, error) {
	defer k.setState(KeeperStopped)

	var last agent.Result
	if !k.wait(ctx, k.cfg.StartDelay) {
		return last, ctx.Err()
	}

	for {
		if ctx.Err() != nil {
			return last, ctx.Err()
		}

		k.setState(KeeperStarting)
		op, err := k.cfg.Launcher.Launch(ctx, k.cfg.Agent, k.cfg.Options)
		var uptime time.Duration
		if err == nil || ctx.Err() == nil {
			k.recordAttempt(err != nil)
		}
		switch {
		case err != nil && ctx.Err() != nil:
			return last, ctx.Err()
		case err != nil:
			if !k.cfg.Restart {
				return last, err
			}
			last = agent.Result{Status: -1}
		default:
			k.setCurrent(op)
			k.setState(KeeperRunning)

			last, err = k.await(ctx, op)
			if err != nil {
				return last, err
			}
			id, _ := op.Process()
			uptime = time.Since(id.LaunchedAt)
		}

		if last.Expected || !k.cfg.Restart {
			return last, nil
		}

		k.mu.Lock()
		restarts := k.restarts
		k.mu.Unlock()
		if k.cfg.MaxRestarts > 0 && restarts >= k.cfg.MaxRestarts {
			k.logger.Warn("max_restarts_reached",
				"restarts", restarts,
				"max", k.cfg.MaxRestarts,
			)
			return last, ErrMaxRestarts
		}

		if ShouldReset(uptime, k.cfg.ResetAfter, last.Expected) {
			k.cfg.Backoff.Reset()
		}
		delay := k.cfg.Backoff.Next()

		k.mu.Lock()
		k.restarts++
		attempt := k.restarts
		k.mu.Unlock()

		if cb := k.cfg.Callbacks.OnRestart; cb != nil {
			cb(k.cfg.Agent.Name, attempt, delay)
		}
		k.logger.Info("agent_restart_scheduled",
			"attempt", attempt,
			"delay", delay.String(),
			"last_status", last.Status,
		)

		k.setState(KeeperBackoff)
		if !k.wait(ctx, delay) {
			return last, ctx.Err()
		}
	}
}

// await blocks until op settles. If ctx ends first the agent is stopped
// and the result it ends with is returned together with ctx.Err().
func (k *Keeper) await(ctx context.Context, op *agent.Operation) (agent.Result, error) {
	select {
	case <-op.Done():
	case <-ctx.Done():
		if err := k.cfg.Launcher.Stop(op, k.cfg.StopTimeout); err != nil {
			k.logger.Warn("agent_stop_failed", "operation_id", op.ID(), "error", err)
		}
		<-op.Done()
		r, _, _ := op.Termination().Peek()
		return r, ctx.Err()
	}

	r, err, _ := op.Termination().Peek()
	if err != nil {
		// Only a failed spawn rejects, and Launch already reported it.
		return agent.Result{Status: -1}, fmt.Errorf("operation %s: %w", op.ID(), err)
	}
	return r, nil
}

// wait sleeps for d or until ctx ends. It reports whether d elapsed.
func (k *Keeper) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// State returns the current state of the Keeper.
func (k *Keeper) State() KeeperState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// Current returns the most recent operation, or nil before the first
// launch.
func (k *Keeper) Current() *agent.Operation {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current
}

// Restarts returns the number of restarts that have occurred.
func (k *Keeper) Restarts() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.restarts
}

// Attempts returns the number of launches tried, including failed spawns.
func (k *Keeper) Attempts() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.attempts
}

// LastLaunchFailed reports whether the most recent launch never spawned.
func (k *Keeper) LastLaunchFailed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastFailed
}

// Name returns the agent name.
func (k *Keeper) Name() string {
	return k.cfg.Agent.Name
}

func (k *Keeper) recordAttempt(failed bool) {
	k.mu.Lock()
	k.attempts++
	k.lastFailed = failed
	k.mu.Unlock()
}

func (k *Keeper) setCurrent(op *agent.Operation) {
	k.mu.Lock()
	k.current = op
	k.mu.Unlock()
}

// setState updates the state and calls the callback if registered.
func (k *Keeper) setState(newState KeeperState) {
	k.mu.Lock()
	oldState := k.state
	k.state = newState
	k.mu.Unlock()

	if cb := k.cfg.Callbacks.OnStateChange; cb != nil && oldState != newState {
		cb(k.cfg.Agent.Name, oldState, newState)
	}
}
