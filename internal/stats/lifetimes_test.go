package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/randomizedcoder/go-agent-supervisor/internal/agent"
)

func TestLifetimes_Empty(t *testing.T) {
	s := NewLifetimes().Snapshot()

	if s.Launched != 0 || s.Terminated != 0 || s.Failed != 0 {
		t.Errorf("empty snapshot = %+v", s)
	}
	if s.P50 != 0 || s.P99 != 0 {
		t.Errorf("percentiles on empty tracker = %v/%v, want 0", s.P50, s.P99)
	}
	if s.Running() != 0 {
		t.Errorf("Running() = %d, want 0", s.Running())
	}
}

func TestLifetimes_Record(t *testing.T) {
	l := NewLifetimes()
	for i := 1; i <= 100; i++ {
		l.RecordLaunch()
		status := 0
		if i%10 == 0 {
			status = 9
		}
		l.RecordTermination(agent.NewResult(status), time.Duration(i)*time.Second)
	}
	l.RecordLaunch() // still running
	l.RecordFailure()

	s := l.Snapshot()

	if s.Launched != 101 {
		t.Errorf("Launched = %d, want 101", s.Launched)
	}
	if s.Terminated != 100 {
		t.Errorf("Terminated = %d, want 100", s.Terminated)
	}
	if s.Expected != 90 || s.Unexpected != 10 {
		t.Errorf("Expected/Unexpected = %d/%d, want 90/10", s.Expected, s.Unexpected)
	}
	if s.Failed != 1 {
		t.Errorf("Failed = %d, want 1", s.Failed)
	}
	if s.Running() != 1 {
		t.Errorf("Running() = %d, want 1", s.Running())
	}
	if s.Statuses[0] != 90 || s.Statuses[9] != 10 {
		t.Errorf("Statuses = %v", s.Statuses)
	}
	if s.Max != 100*time.Second {
		t.Errorf("Max = %v, want 100s", s.Max)
	}

	// t-digest percentiles are approximate.
	if s.P50 < 45*time.Second || s.P50 > 55*time.Second {
		t.Errorf("P50 = %v, want ~50s", s.P50)
	}
	if s.P99 < 95*time.Second || s.P99 > 100*time.Second {
		t.Errorf("P99 = %v, want ~99s", s.P99)
	}
	if !(s.P50 <= s.P95 && s.P95 <= s.P99) {
		t.Errorf("percentiles not ordered: %v %v %v", s.P50, s.P95, s.P99)
	}
}

func TestLifetimes_SnapshotIsCopy(t *testing.T) {
	l := NewLifetimes()
	l.RecordTermination(agent.NewResult(0), time.Second)

	s := l.Snapshot()
	s.Statuses[0] = 1000

	if l.Snapshot().Statuses[0] != 1 {
		t.Error("mutating a snapshot changed the tracker")
	}
}

func TestLifetimes_NegativeLifetime(t *testing.T) {
	l := NewLifetimes()
	l.RecordTermination(agent.NewResult(0), -time.Second)
	if s := l.Snapshot(); s.Max != 0 || s.P50 != 0 {
		t.Errorf("negative lifetime leaked: max=%v p50=%v", s.Max, s.P50)
	}
}

func TestLifetimes_Concurrent(t *testing.T) {
	l := NewLifetimes()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.RecordLaunch()
				l.RecordTermination(agent.NewResult(15), time.Millisecond)
				_ = l.Snapshot()
			}
		}()
	}
	wg.Wait()

	if s := l.Snapshot(); s.Terminated != 1000 || s.Expected != 1000 {
		t.Errorf("Terminated/Expected = %d/%d, want 1000/1000", s.Terminated, s.Expected)
	}
}
