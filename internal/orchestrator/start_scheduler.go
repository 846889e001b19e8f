// Package orchestrator runs a fleet of supervised agents for agent-supervisor.
package orchestrator

import (
	"time"

	"github.com/randomizedcoder/go-agent-supervisor/internal/launcher"
)

// StartScheduler spreads agent launches over time so a fleet does not
// start at once. Each agent also gets a deterministic per-name jitter.
type StartScheduler struct {
	rate      int                    // agents per second, 0 = no spacing
	maxJitter time.Duration          // maximum jitter per agent
	jitter    *launcher.JitterSource // deterministic jitter source
}

// NewStartScheduler creates a scheduler with the given rate and jitter.
func NewStartScheduler(rate int, maxJitter time.Duration) *StartScheduler {
	return &StartScheduler{
		rate:      rate,
		maxJitter: maxJitter,
		jitter:    launcher.NewJitterSourceFromTime(),
	}
}

// NewStartSchedulerWithSeed creates a scheduler with a fixed seed for
// reproducible offsets.
func NewStartSchedulerWithSeed(rate int, maxJitter time.Duration, seed int64) *StartScheduler {
	return &StartScheduler{
		rate:      rate,
		maxJitter: maxJitter,
		jitter:    launcher.NewJitterSource(seed),
	}
}

// Offset returns how long after the run starts the agent at index should
// be launched. rate=5 places agents 200ms apart.
func (s *StartScheduler) Offset(index int, name string) time.Duration {
	var base time.Duration
	if s.rate > 0 && index > 0 {
		base = time.Duration(index) * time.Second / time.Duration(s.rate)
	}
	return base + s.jitter.AgentJitter(name, s.maxJitter)
}

// EstimatedDuration returns the estimated time to start n agents.
func (s *StartScheduler) EstimatedDuration(n int) time.Duration {
	var base time.Duration
	if s.rate > 0 && n > 1 {
		base = time.Duration(n-1) * time.Second / time.Duration(s.rate)
	}
	return base + s.maxJitter/2
}

// Rate returns the configured rate (agents per second).
func (s *StartScheduler) Rate() int {
	return s.rate
}

// MaxJitter returns the configured maximum jitter.
func (s *StartScheduler) MaxJitter() time.Duration {
	return s.maxJitter
}
