package launcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/randomizedcoder/go-agent-supervisor/internal/agent"
	"github.com/randomizedcoder/go-agent-supervisor/internal/logging"
)

func newTestBackoff() *Backoff {
	return NewBackoff(nil, BackoffConfig{
		Initial:    5 * time.Millisecond,
		Max:        20 * time.Millisecond,
		Multiplier: 1.5,
	})
}

func newTestKeeper(t *testing.T, cfg agent.Configuration, modify func(*KeeperConfig)) *Keeper {
	t.Helper()
	tl := newTestLauncher(t, nil)
	kc := KeeperConfig{
		Launcher:    tl.Launcher,
		Agent:       cfg,
		Logger:      logging.Discard(),
		Backoff:     newTestBackoff(),
		StopTimeout: 5 * time.Second,
	}
	if modify != nil {
		modify(&kc)
	}
	return NewKeeper(kc)
}

func runKeeper(t *testing.T, k *Keeper, ctx context.Context) (agent.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	return k.Run(ctx)
}

func TestKeeperState_String(t *testing.T) {
	tests := []struct {
		state KeeperState
		want  string
		alive bool
	}{
		{KeeperCreated, "created", false},
		{KeeperStarting, "starting", true},
		{KeeperRunning, "running", true},
		{KeeperBackoff, "backoff", true},
		{KeeperStopped, "stopped", false},
		{KeeperState(99), "unknown", false},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
		if got := tt.state.IsActive(); got != tt.alive {
			t.Errorf("%s.IsActive() = %v, want %v", tt.want, got, tt.alive)
		}
	}
}

func TestKeeper_RunOnce(t *testing.T) {
	k := newTestKeeper(t, shell("once", "exit 1"), nil)

	if k.State() != KeeperCreated {
		t.Errorf("initial state = %v", k.State())
	}

	r, err := runKeeper(t, k, context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.Status != 1<<8 || r.Expected {
		t.Errorf("result = %+v, want exit 1 unexpected", r)
	}
	if k.Restarts() != 0 {
		t.Errorf("Restarts() = %d, want 0 without restart", k.Restarts())
	}
	if k.State() != KeeperStopped {
		t.Errorf("final state = %v", k.State())
	}
	if k.Current() == nil || k.Current().State() != agent.StateTerminated {
		t.Error("Current() should be the terminated operation")
	}
}

func TestKeeper_MaxRestarts(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts []int
	)
	k := newTestKeeper(t, shell("crashy", "exit 2"), func(c *KeeperConfig) {
		c.Restart = true
		c.MaxRestarts = 2
		c.Callbacks.OnRestart = func(name string, attempt int, _ time.Duration) {
			mu.Lock()
			attempts = append(attempts, attempt)
			mu.Unlock()
		}
	})

	r, err := runKeeper(t, k, context.Background())
	if !errors.Is(err, ErrMaxRestarts) {
		t.Fatalf("err = %v, want ErrMaxRestarts", err)
	}
	if r.Status != 2<<8 {
		t.Errorf("last status = %d", r.Status)
	}
	if k.Restarts() != 2 {
		t.Errorf("Restarts() = %d, want 2", k.Restarts())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("OnRestart attempts = %v, want [1 2]", attempts)
	}
}

func TestKeeper_RestartUntilExpected(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "count")
	script := fmt.Sprintf(`n=$(cat %[1]q 2>/dev/null || echo 0); n=$((n+1)); echo $n > %[1]q; [ $n -ge 3 ]`, counter)

	k := newTestKeeper(t, shell("flaky", script), func(c *KeeperConfig) {
		c.Restart = true
	})

	r, err := runKeeper(t, k, context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !r.Expected {
		t.Errorf("result = %+v, want expected", r)
	}
	if k.Restarts() != 2 {
		t.Errorf("Restarts() = %d, want 2", k.Restarts())
	}
}

func TestKeeper_ContextStopsAgent(t *testing.T) {
	var (
		mu      sync.Mutex
		running = make(chan struct{})
		once    sync.Once
	)
	k := newTestKeeper(t, agent.Configuration{Name: "sleeper", Path: "sleep", Args: []string{"30"}},
		func(c *KeeperConfig) {
			c.Restart = true
			c.Callbacks.OnStateChange = func(_ string, _, s KeeperState) {
				mu.Lock()
				defer mu.Unlock()
				if s == KeeperRunning {
					once.Do(func() { close(running) })
				}
			}
		})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-running
		cancel()
	}()

	r, err := runKeeper(t, k, ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if r.Status != 15 || !r.Expected {
		t.Errorf("result = %+v, want SIGTERM expected", r)
	}
	if k.Restarts() != 0 {
		t.Errorf("Restarts() = %d, want 0", k.Restarts())
	}
}

func TestKeeper_SpawnFailure(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing")

	t.Run("without restart", func(t *testing.T) {
		k := newTestKeeper(t, agent.Configuration{Name: "ghost", Path: missing}, nil)
		if _, err := runKeeper(t, k, context.Background()); err == nil {
			t.Error("expected launch error")
		}
	})

	t.Run("with restart", func(t *testing.T) {
		k := newTestKeeper(t, agent.Configuration{Name: "ghost", Path: missing}, func(c *KeeperConfig) {
			c.Restart = true
			c.MaxRestarts = 3
		})
		r, err := runKeeper(t, k, context.Background())
		if !errors.Is(err, ErrMaxRestarts) {
			t.Errorf("err = %v, want ErrMaxRestarts", err)
		}
		if r.Status != -1 || r.Expected {
			t.Errorf("result = %+v, want unclassifiable status", r)
		}
		if got := k.Attempts(); got != 4 {
			t.Errorf("Attempts() = %d, want 4", got)
		}
		if !k.LastLaunchFailed() {
			t.Error("LastLaunchFailed() = false, want true")
		}
		if k.Current() != nil {
			t.Error("no operation should have spawned")
		}
	})

	t.Run("with restart, stopped during backoff", func(t *testing.T) {
		k := newTestKeeper(t, agent.Configuration{Name: "ghost", Path: missing}, func(c *KeeperConfig) {
			c.Restart = true
			c.Backoff = NewBackoff(nil, BackoffConfig{Initial: time.Hour, Max: time.Hour, Multiplier: 1})
		})

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		r, err := k.Run(ctx)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("err = %v, want DeadlineExceeded", err)
		}
		if r.Expected {
			t.Errorf("result = %+v, want unexpected", r)
		}
		if got := k.Attempts(); got != 1 {
			t.Errorf("Attempts() = %d, want 1", got)
		}
		if !k.LastLaunchFailed() {
			t.Error("LastLaunchFailed() = false, want true")
		}
	})
}

func TestKeeper_StartDelayCancelled(t *testing.T) {
	k := newTestKeeper(t, shell("late", "true"), func(c *KeeperConfig) {
		c.StartDelay = time.Hour
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := k.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	if k.Current() != nil {
		t.Error("nothing should have been launched")
	}
	if k.Attempts() != 0 {
		t.Errorf("Attempts() = %d, want 0", k.Attempts())
	}
}
