package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/go-agent-supervisor/internal/agent"
	"github.com/randomizedcoder/go-agent-supervisor/internal/launcher"
	"github.com/randomizedcoder/go-agent-supervisor/internal/logging"
)

// Outcome is how one agent's Keeper ended.
type Outcome struct {
	Agent string

	// Launched is set once a launch was attempted, even if the spawn failed.
	Launched    bool
	SpawnFailed bool // the last attempt never spawned

	Result   agent.Result
	Restarts int
	Err      error
}

// Clean reports whether the agent ended the way it should: its last
// termination was expected, or it was never launched because the run
// was stopped first.
func (o Outcome) Clean() bool {
	if o.SpawnFailed {
		return false
	}
	stopped := errors.Is(o.Err, context.Canceled) || errors.Is(o.Err, context.DeadlineExceeded)
	if o.Err != nil && !stopped {
		return false
	}
	if !o.Launched {
		return stopped
	}
	return o.Result.Expected
}

// ManagerCallbacks contains optional callbacks for manager events.
type ManagerCallbacks struct {
	// OnAgentStateChange is called when any Keeper changes state.
	OnAgentStateChange func(name string, oldState, newState launcher.KeeperState)

	// OnAgentRestart is called when an agent is about to restart.
	OnAgentRestart func(name string, attempt int, delay time.Duration)

	// OnAgentDone is called once a Keeper has returned.
	OnAgentDone func(o Outcome)
}

// ManagerConfig holds configuration for the AgentManager.
type ManagerConfig struct {
	Launcher      *launcher.Launcher
	Logger        *slog.Logger
	BackoffConfig launcher.BackoffConfig
	MaxRestarts   int
	ResetAfter    time.Duration
	StopTimeout   time.Duration
	Callbacks     ManagerCallbacks

	// JitterSeed seeds per-agent backoff jitter; 0 seeds from the clock.
	JitterSeed int64
}

// AgentManager runs one Keeper per agent and tracks how each one ended.
type AgentManager struct {
	cfg    ManagerConfig
	logger *slog.Logger
	jitter *launcher.JitterSource

	mu       sync.RWMutex
	keepers  map[string]*launcher.Keeper
	order    []string
	outcomes map[string]Outcome

	wg sync.WaitGroup

	activeCount  atomic.Int64
	startedCount atomic.Int64
	restartCount atomic.Int64
}

// NewAgentManager creates a new AgentManager.
func NewAgentManager(cfg ManagerConfig) *AgentManager {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	jitter := launcher.NewJitterSourceFromTime()
	if cfg.JitterSeed != 0 {
		jitter = launcher.NewJitterSource(cfg.JitterSeed)
	}
	return &AgentManager{
		cfg:      cfg,
		logger:   cfg.Logger,
		jitter:   jitter,
		keepers:  make(map[string]*launcher.Keeper),
		outcomes: make(map[string]Outcome),
	}
}

// StartAgent creates a Keeper for the agent and runs it in a goroutine.
// The first launch happens after delay.
func (m *AgentManager) StartAgent(ctx context.Context, cfg agent.Configuration, opts launcher.Options, restart bool, delay time.Duration) {
	k := launcher.NewKeeper(launcher.KeeperConfig{
		Launcher:    m.cfg.Launcher,
		Agent:       cfg,
		Options:     opts,
		Logger:      m.logger,
		Restart:     restart,
		MaxRestarts: m.cfg.MaxRestarts,
		Backoff:     launcher.NewBackoff(m.jitter.ForAgent(cfg.Name), m.cfg.BackoffConfig),
		ResetAfter:  m.cfg.ResetAfter,
		StartDelay:  delay,
		StopTimeout: m.cfg.StopTimeout,
		Callbacks: launcher.KeeperCallbacks{
			OnStateChange: m.handleStateChange,
			OnRestart:     m.handleRestart,
		},
	})

	m.mu.Lock()
	m.keepers[cfg.Name] = k
	m.order = append(m.order, cfg.Name)
	m.mu.Unlock()

	m.startedCount.Add(1)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		r, err := k.Run(ctx)
		o := Outcome{
			Agent:       cfg.Name,
			Launched:    k.Attempts() > 0,
			SpawnFailed: k.LastLaunchFailed(),
			Result:      r,
			Restarts:    k.Restarts(),
			Err:         err,
		}
		if err != nil {
			m.logger.Debug("keeper_ended", "agent", cfg.Name, "error", err)
		}

		m.mu.Lock()
		m.outcomes[cfg.Name] = o
		m.mu.Unlock()

		if cb := m.cfg.Callbacks.OnAgentDone; cb != nil {
			cb(o)
		}
	}()
}

// handleStateChange processes state changes from Keepers.
func (m *AgentManager) handleStateChange(name string, oldState, newState launcher.KeeperState) {
	wasActive := oldState == launcher.KeeperRunning
	isActive := newState == launcher.KeeperRunning

	if !wasActive && isActive {
		m.activeCount.Add(1)
	} else if wasActive && !isActive {
		m.activeCount.Add(-1)
	}

	if cb := m.cfg.Callbacks.OnAgentStateChange; cb != nil {
		cb(name, oldState, newState)
	}
}

// handleRestart processes restart events.
func (m *AgentManager) handleRestart(name string, attempt int, delay time.Duration) {
	m.restartCount.Add(1)

	if cb := m.cfg.Callbacks.OnAgentRestart; cb != nil {
		cb(name, attempt, delay)
	}
}

// Wait blocks until every started Keeper has returned. It must not be
// called while StartAgent may still run.
func (m *AgentManager) Wait() {
	m.wg.Wait()
}

// Shutdown waits for every Keeper to return, bounded by ctx. Keepers stop
// their agents once the context passed to StartAgent ends.
func (m *AgentManager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutdown_initiated", "active_agents", m.ActiveCount())

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("all_agents_stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("shutdown_timeout", "active_agents", m.ActiveCount())
		return ctx.Err()
	}
}

// ActiveCount returns the number of agents currently running.
func (m *AgentManager) ActiveCount() int {
	return int(m.activeCount.Load())
}

// StartedCount returns the number of Keepers started.
func (m *AgentManager) StartedCount() int {
	return int(m.startedCount.Load())
}

// RestartCount returns the total number of restart events.
func (m *AgentManager) RestartCount() int {
	return int(m.restartCount.Load())
}

// Keeper returns the Keeper of the named agent, or nil.
func (m *AgentManager) Keeper(name string) *launcher.Keeper {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keepers[name]
}

// States returns each agent's Keeper state.
func (m *AgentManager) States() map[string]launcher.KeeperState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]launcher.KeeperState, len(m.keepers))
	for name, k := range m.keepers {
		states[name] = k.State()
	}
	return states
}

// Outcomes returns the outcome of every Keeper that has returned, in
// start order.
func (m *AgentManager) Outcomes() []Outcome {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Outcome, 0, len(m.outcomes))
	for _, name := range m.order {
		if o, ok := m.outcomes[name]; ok {
			out = append(out, o)
		}
	}
	return out
}
