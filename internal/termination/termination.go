// Package termination tracks heterogeneous handles that eventually finish.
//
// A handle is anything that can report its kind and signal completion
// through a channel: an agent operation, a metrics server shutdown, a
// restart loop. Callers that only care about "wait until everything is
// gone" hold a Group and never look at the concrete types.
package termination

import (
	"context"
	"sync"
)

// HandleType classifies an Awaitable for generic infrastructure.
type HandleType string

// Awaitable is a handle that finishes exactly once.
type Awaitable interface {
	// HandleType returns the classification tag of the handle.
	HandleType() HandleType

	// Done returns a channel that is closed when the handle has finished.
	Done() <-chan struct{}
}

// Group holds a set of Awaitables. Finished handles are pruned lazily.
type Group struct {
	mu      sync.Mutex
	handles []Awaitable
}

// NewGroup creates an empty Group.
func NewGroup() *Group {
	return &Group{}
}

// Add registers a handle. Adding an already finished handle is allowed.
func (g *Group) Add(a Awaitable) {
	if a == nil {
		return
	}
	g.mu.Lock()
	g.handles = append(g.handles, a)
	g.mu.Unlock()
}

// Pending returns the handles that have not finished yet.
func (g *Group) Pending() []Awaitable {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()
	out := make([]Awaitable, len(g.handles))
	copy(out, g.handles)
	return out
}

// Len returns the number of pending handles.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()
	return len(g.handles)
}

// OfType returns the pending handles with the given tag.
func (g *Group) OfType(t HandleType) []Awaitable {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()
	var out []Awaitable
	for _, h := range g.handles {
		if h.HandleType() == t {
			out = append(out, h)
		}
	}
	return out
}

// Wait blocks until every handle registered so far, and any registered
// while waiting, has finished, or until ctx is done.
func (g *Group) Wait(ctx context.Context) error {
	for {
		pending := g.Pending()
		if len(pending) == 0 {
			return nil
		}
		for _, h := range pending {
			select {
			case <-h.Done():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (g *Group) pruneLocked() {
	kept := g.handles[:0]
	for _, h := range g.handles {
		select {
		case <-h.Done():
		default:
			kept = append(kept, h)
		}
	}
	for i := len(kept); i < len(g.handles); i++ {
		g.handles[i] = nil
	}
	g.handles = kept
}
