// Package future provides a write-once promise whose value is observed
// through a read-only Future.
//
// The writer and the readers usually live on different goroutines: the
// writer is the goroutine that observes an event (for example a process
// wait returning), readers are whoever asked about the event and when.
// A Future settles exactly once. Readers that subscribe after settlement
// see the stored value immediately; readers that subscribe before it are
// notified exactly once.
package future

import (
	"context"
	"sync"
)

// Future is the read side of a Promise.
type Future[T any] interface {
	// Done returns a channel that is closed once the future has settled.
	Done() <-chan struct{}

	// Await blocks until the future settles or ctx is done. A cancelled
	// ctx only affects this caller; other waiters are untouched.
	Await(ctx context.Context) (T, error)

	// Peek returns the settled value and error without blocking.
	// settled is false while the future is still pending.
	Peek() (value T, err error, settled bool)

	// OnSettle registers fn to run once with the settled value. If the
	// future has already settled, fn runs before OnSettle returns.
	OnSettle(fn func(T, error))
}

// Promise is the write side. The zero value is not usable; use New.
type Promise[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	settled   bool
	value     T
	err       error
	callbacks []func(T, error)
}

// New returns a pending Promise.
func New[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Resolve settles the promise with v. It returns false, leaving the
// stored value untouched, if the promise had already settled.
func (p *Promise[T]) Resolve(v T) bool {
	return p.settle(v, nil)
}

// Reject settles the promise with err. It returns false if the promise
// had already settled.
func (p *Promise[T]) Reject(err error) bool {
	var zero T
	return p.settle(zero, err)
}

func (p *Promise[T]) settle(v T, err error) bool {
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		return false
	}
	p.settled = true
	p.value = v
	p.err = err
	callbacks := p.callbacks
	p.callbacks = nil
	close(p.done)
	p.mu.Unlock()

	// Continuations run outside the lock so they may call back into the future.
	for _, fn := range callbacks {
		fn(v, err)
	}
	return true
}

// Future returns the read-only view of the promise.
func (p *Promise[T]) Future() Future[T] {
	return (*readOnly[T])(p)
}

// readOnly hides Resolve and Reject from holders of the Future.
type readOnly[T any] Promise[T]

func (r *readOnly[T]) Done() <-chan struct{} {
	return r.done
}

func (r *readOnly[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		// value and err are written before done is closed and never again.
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (r *readOnly[T]) Peek() (T, error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.settled {
		var zero T
		return zero, nil, false
	}
	return r.value, r.err, true
}

func (r *readOnly[T]) OnSettle(fn func(T, error)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	if !r.settled {
		r.callbacks = append(r.callbacks, fn)
		r.mu.Unlock()
		return
	}
	v, err := r.value, r.err
	r.mu.Unlock()
	fn(v, err)
}

// Ensure readOnly implements Future
var _ Future[int] = (*readOnly[int])(nil)
