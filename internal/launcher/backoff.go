package launcher

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig holds the configuration for exponential backoff.
type BackoffConfig struct {
	Initial    time.Duration // Initial backoff delay (default: 250ms)
	Max        time.Duration // Maximum backoff delay (default: 5s)
	Multiplier float64       // Multiplier for each attempt (default: 1.7)
	JitterPct  float64       // Jitter as a percentage of delay (default: 0.4 = ±20%)
}

// DefaultBackoffConfig returns sensible defaults for backoff.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    250 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 1.7,
		JitterPct:  0.4, // ±20% jitter
	}
}

// Backoff calculates exponential restart delays with jitter.
// Not safe for concurrent use; each Keeper owns one.
type Backoff struct {
	config   BackoffConfig
	attempts int
	rng      *rand.Rand
}

// NewBackoff creates a Backoff drawing jitter from rng. A nil rng disables
// jitter.
func NewBackoff(rng *rand.Rand, cfg BackoffConfig) *Backoff {
	return &Backoff{
		config: cfg,
		rng:    rng,
	}
}

// Next returns the next backoff delay and increments the attempt counter.
func (b *Backoff) Next() time.Duration {
	delay := b.Calculate()
	b.attempts++
	return delay
}

// Calculate returns the current backoff delay without incrementing attempts.
func (b *Backoff) Calculate() time.Duration {
	// initial * multiplier^attempts
	delay := float64(b.config.Initial) * math.Pow(b.config.Multiplier, float64(b.attempts))

	if delay > float64(b.config.Max) {
		delay = float64(b.config.Max)
	}

	// ±(JitterPct/2) of the delay
	if b.config.JitterPct > 0 && b.rng != nil {
		jitterRange := delay * b.config.JitterPct
		jitter := jitterRange*b.rng.Float64() - jitterRange/2
		delay += jitter
	}

	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

// Reset resets the attempt counter to zero.
func (b *Backoff) Reset() {
	b.attempts = 0
}

// Attempts returns the current attempt count.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// DefaultResetAfter is the uptime after which an agent is considered stable.
const DefaultResetAfter = 30 * time.Second

// ShouldReset reports whether the backoff should start over after an
// operation ended. A stable run or an expected termination both reset it.
func ShouldReset(uptime, resetAfter time.Duration, expected bool) bool {
	if resetAfter <= 0 {
		resetAfter = DefaultResetAfter
	}
	return expected || uptime >= resetAfter
}
