// Package stats aggregates termination outcomes of agent operations.
//
// Lifetimes are tracked in a t-digest so percentiles stay cheap no matter
// how many agents come and go during a long supervision run.
package stats

import (
	"maps"
	"sync"
	"time"

	"github.com/influxdata/tdigest"

	"github.com/randomizedcoder/go-agent-supervisor/internal/agent"
)

// digestCompression bounds the digest at roughly 100 centroids.
const digestCompression = 100

// Lifetimes records how long agents lived and how they ended.
// Safe for concurrent use.
type Lifetimes struct {
	mu     sync.Mutex
	digest *tdigest.TDigest

	launched   int64
	expected   int64
	unexpected int64
	failed     int64
	max        time.Duration
	statuses   map[int]int64
}

// Snapshot is a point-in-time copy of Lifetimes.
type Snapshot struct {
	Launched   int64
	Terminated int64
	Expected   int64
	Unexpected int64
	Failed     int64

	// Lifetime percentiles over terminated operations.
	P50 time.Duration
	P95 time.Duration
	P99 time.Duration
	Max time.Duration

	// Statuses counts terminations by raw wait status.
	Statuses map[int]int64
}

// Running returns the number of launched operations not yet terminated.
func (s Snapshot) Running() int64 {
	if n := s.Launched - s.Terminated; n > 0 {
		return n
	}
	return 0
}

// NewLifetimes creates an empty tracker.
func NewLifetimes() *Lifetimes {
	return &Lifetimes{
		digest:   tdigest.NewWithCompression(digestCompression),
		statuses: make(map[int]int64),
	}
}

// RecordLaunch counts an operation whose identity was attached.
func (l *Lifetimes) RecordLaunch() {
	l.mu.Lock()
	l.launched++
	l.mu.Unlock()
}

// RecordTermination records the outcome and lifetime of a launched operation.
func (l *Lifetimes) RecordTermination(r agent.Result, lifetime time.Duration) {
	if lifetime < 0 {
		lifetime = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.digest.Add(lifetime.Seconds(), 1)
	if lifetime > l.max {
		l.max = lifetime
	}
	if r.Expected {
		l.expected++
	} else {
		l.unexpected++
	}
	l.statuses[r.Status]++
}

// RecordFailure counts an operation whose spawn was never confirmed.
func (l *Lifetimes) RecordFailure() {
	l.mu.Lock()
	l.failed++
	l.mu.Unlock()
}

// Snapshot returns the current totals and percentiles.
func (l *Lifetimes) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Snapshot{
		Launched:   l.launched,
		Terminated: l.expected + l.unexpected,
		Expected:   l.expected,
		Unexpected: l.unexpected,
		Failed:     l.failed,
		Max:        l.max,
		Statuses:   maps.Clone(l.statuses),
	}
	if s.Terminated > 0 {
		s.P50 = seconds(l.digest.Quantile(0.50))
		s.P95 = seconds(l.digest.Quantile(0.95))
		s.P99 = seconds(l.digest.Quantile(0.99))
	}
	return s
}

func seconds(v float64) time.Duration {
	if v < 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}
