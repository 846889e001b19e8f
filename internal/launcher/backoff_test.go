package launcher

import (
	"testing"
	"time"
)

func TestDefaultBackoffConfig(t *testing.T) {
	cfg := DefaultBackoffConfig()

	if cfg.Initial != 250*time.Millisecond {
		t.Errorf("Initial = %v, want 250ms", cfg.Initial)
	}
	if cfg.Max != 5*time.Second {
		t.Errorf("Max = %v, want 5s", cfg.Max)
	}
	if cfg.Multiplier != 1.7 {
		t.Errorf("Multiplier = %v, want 1.7", cfg.Multiplier)
	}
	if cfg.JitterPct != 0.4 {
		t.Errorf("JitterPct = %v, want 0.4", cfg.JitterPct)
	}
}

func TestBackoff_Calculate_NoJitter(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		initial  time.Duration
		max      time.Duration
		mult     float64
		want     time.Duration
	}{
		{"attempt 0", 0, 100 * time.Millisecond, 10 * time.Second, 2.0, 100 * time.Millisecond},
		{"attempt 1", 1, 100 * time.Millisecond, 10 * time.Second, 2.0, 200 * time.Millisecond},
		{"attempt 3", 3, 100 * time.Millisecond, 10 * time.Second, 2.0, 800 * time.Millisecond},
		{"capped at max", 10, 100 * time.Millisecond, time.Second, 2.0, time.Second},
		{"multiplier 1", 5, time.Second, time.Minute, 1.0, time.Second},
		{"zero initial", 4, 0, time.Second, 2.0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBackoff(nil, BackoffConfig{
				Initial:    tt.initial,
				Max:        tt.max,
				Multiplier: tt.mult,
				JitterPct:  0.4, // ignored without an rng
			})
			for i := 0; i < tt.attempts; i++ {
				b.Next()
			}
			if got := b.Calculate(); got != tt.want {
				t.Errorf("Calculate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBackoff_NextAndReset(t *testing.T) {
	b := NewBackoff(nil, BackoffConfig{Initial: 10 * time.Millisecond, Max: time.Second, Multiplier: 2})

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() #%d = %v, want %v", i, got, w)
		}
	}
	if b.Attempts() != 3 {
		t.Errorf("Attempts() = %d, want 3", b.Attempts())
	}

	b.Reset()
	if b.Attempts() != 0 {
		t.Errorf("Attempts() after Reset = %d", b.Attempts())
	}
	if got := b.Next(); got != 10*time.Millisecond {
		t.Errorf("Next() after Reset = %v, want 10ms", got)
	}
}

func TestBackoff_Jitter(t *testing.T) {
	cfg := BackoffConfig{
		Initial:    time.Second,
		Max:        10 * time.Second,
		Multiplier: 1.0, // No growth, just jitter
		JitterPct:  0.4, // ±20%
	}
	js := NewJitterSource(12345)

	b1 := NewBackoff(js.ForAgent("api"), cfg)
	b2 := NewBackoff(js.ForAgent("indexer"), cfg)

	var samples1, samples2 []time.Duration
	for i := 0; i < 10; i++ {
		samples1 = append(samples1, b1.Calculate())
		samples2 = append(samples2, b2.Calculate())
	}

	allSame := true
	for i := range samples1 {
		if samples1[i] != samples2[i] {
			allSame = false
			break
		}
	}
	if allSame {
		t.Error("different agents should produce different jitter")
	}

	for i, d := range append(samples1, samples2...) {
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Errorf("sample[%d] = %v, want between 800ms and 1200ms", i, d)
		}
	}
}

func TestBackoff_DeterministicJitter(t *testing.T) {
	cfg := BackoffConfig{Initial: time.Second, Max: 10 * time.Second, Multiplier: 1.0, JitterPct: 0.4}

	b1 := NewBackoff(NewJitterSource(7).ForAgent("worker"), cfg)
	b2 := NewBackoff(NewJitterSource(7).ForAgent("worker"), cfg)

	for i := 0; i < 10; i++ {
		if d1, d2 := b1.Calculate(), b2.Calculate(); d1 != d2 {
			t.Errorf("iteration %d: %v != %v (should be deterministic)", i, d1, d2)
		}
	}
}

func TestShouldReset(t *testing.T) {
	tests := []struct {
		name       string
		uptime     time.Duration
		resetAfter time.Duration
		expected   bool
		want       bool
	}{
		{"short unexpected", time.Second, 30 * time.Second, false, false},
		{"long unexpected", time.Minute, 30 * time.Second, false, true},
		{"exactly threshold", 30 * time.Second, 30 * time.Second, false, true},
		{"short expected", time.Second, 30 * time.Second, true, true},
		{"default threshold", 29 * time.Second, 0, false, false},
		{"default threshold reached", DefaultResetAfter, 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldReset(tt.uptime, tt.resetAfter, tt.expected); got != tt.want {
				t.Errorf("ShouldReset() = %v, want %v", got, tt.want)
			}
		})
	}
}

func BenchmarkBackoff_Next(b *testing.B) {
	bo := NewBackoff(NewJitterSource(1).ForAgent("bench"), DefaultBackoffConfig())
	for i := 0; i < b.N; i++ {
		bo.Next()
		if i%10 == 0 {
			bo.Reset()
		}
	}
}
