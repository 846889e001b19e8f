// Package timeseries keeps rolling rates of a cumulative counter, such as
// the number of output lines read from every agent.
//
// A RateTracker is sampled once per stats tick. Rates over the 1s, 30s,
// 60s and 300s windows are computed from the sample nearest each window
// start, so they stay stable between ticks.
package timeseries

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// ringSize covers five minutes at one sample per second.
	ringSize = 300

	window1s   = 1 * time.Second
	window30s  = 30 * time.Second
	window60s  = 60 * time.Second
	window300s = 300 * time.Second
)

// Clock interface for testing with deterministic time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type sample struct {
	at    time.Time
	total int64
}

// RateTracker computes per-second rates of a monotonically increasing total.
type RateTracker struct {
	total atomic.Int64

	mu       sync.RWMutex
	samples  []sample
	writeIdx int
	start    time.Time

	clock Clock
}

// RateStats is a point-in-time view of a RateTracker.
type RateStats struct {
	Total int64

	// Per-second rates over each window.
	Per1s   float64
	Per30s  float64
	Per60s  float64
	Per300s float64

	// Overall is the rate since tracking started.
	Overall float64
}

// NewRateTracker creates a tracker using the wall clock.
func NewRateTracker() *RateTracker {
	return NewRateTrackerWithClock(realClock{})
}

// NewRateTrackerWithClock creates a tracker with a custom clock.
func NewRateTrackerWithClock(clock Clock) *RateTracker {
	now := clock.Now()
	return &RateTracker{
		samples: append(make([]sample, 0, ringSize), sample{at: now}),
		start:   now,
		clock:   clock,
	}
}

// Add increments the total by n. Negative values are ignored.
func (t *RateTracker) Add(n int64) {
	if n > 0 {
		t.total.Add(n)
	}
}

// Observe sets the total to n, for callers that already keep a cumulative
// count. A value below the current total is ignored.
func (t *RateTracker) Observe(n int64) {
	for {
		cur := t.total.Load()
		if n <= cur || t.total.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Sample records the current total. Call it periodically.
func (t *RateTracker) Sample() {
	s := sample{at: t.clock.Now(), total: t.total.Load()}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.samples) < ringSize {
		t.samples = append(t.samples, s)
		return
	}
	t.samples[t.writeIdx] = s
	t.writeIdx = (t.writeIdx + 1) % ringSize
}

// Stats returns the current rates. With less history than a window the
// oldest sample is used instead.
func (t *RateTracker) Stats() RateStats {
	now := t.clock.Now()
	total := t.total.Load()

	t.mu.RLock()
	defer t.mu.RUnlock()

	st := RateStats{Total: total}
	if elapsed := now.Sub(t.start).Seconds(); elapsed > 0 {
		st.Overall = float64(total) / elapsed
	}
	st.Per1s = t.rate(now, total, window1s)
	st.Per30s = t.rate(now, total, window30s)
	st.Per60s = t.rate(now, total, window60s)
	st.Per300s = t.rate(now, total, window300s)
	return st
}

// rate must be called with mu held.
func (t *RateTracker) rate(now time.Time, total int64, window time.Duration) float64 {
	from := now.Add(-window)

	// Closest sample at or before the window start.
	var best *sample
	for i := range t.samples {
		s := &t.samples[i]
		if s.at.After(from) {
			continue
		}
		if best == nil || s.at.After(best.at) {
			best = s
		}
	}
	if best == nil {
		best = t.oldest()
	}
	if best == nil {
		return 0
	}

	elapsed := now.Sub(best.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(total-best.total) / elapsed
}

// oldest must be called with mu held.
func (t *RateTracker) oldest() *sample {
	switch {
	case len(t.samples) == 0:
		return nil
	case len(t.samples) < ringSize:
		return &t.samples[0]
	default:
		return &t.samples[t.writeIdx]
	}
}

// Reset clears all history.
func (t *RateTracker) Reset() {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.total.Store(0)
	t.samples = append(t.samples[:0], sample{at: now})
	t.writeIdx = 0
	t.start = now
}

// SampleCount returns the number of retained samples.
func (t *RateTracker) SampleCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.samples)
}
