// Package agent represents a launched agent process until it ends.
//
// An Operation is created by the supervising launcher before the OS has
// confirmed that the process exists. The launcher keeps the matching
// Control and uses it to attach the process identity once and to resolve
// the termination once. Everyone else only ever sees the *Operation,
// which has no mutating methods besides Close.
//
// Preconditions on the launcher, enforced by Control:
//   - AttachIdentity is called at most once, before Resolve.
//   - Resolve is called at most once, after AttachIdentity.
//   - Fail replaces both when the spawn never succeeded.
//
// Breaking them returns an error wrapping ErrContractViolation and leaves
// the Operation unchanged.
package agent

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randomizedcoder/go-agent-supervisor/internal/future"
	"github.com/randomizedcoder/go-agent-supervisor/internal/termination"
)

// HandleTypeAgent tags agent operations for termination.Group users.
const HandleTypeAgent termination.HandleType = "agent"

// ErrContractViolation is wrapped by every error caused by the launcher
// calling Control out of order. Such an error is a bug, not a runtime
// condition.
var ErrContractViolation = errors.New("agent: contract violation")

// Configuration describes what was asked to be launched.
type Configuration struct {
	Name string
	Path string
	Args []string
	Env  map[string]string
	Dir  string
}

func (c Configuration) clone() Configuration {
	c.Args = slices.Clone(c.Args)
	c.Env = maps.Clone(c.Env)
	return c
}

// Identity identifies a launched process.
type Identity struct {
	PID        int
	LaunchedAt time.Time
}

// Operation is the long-lived handle of one agent process.
type Operation struct {
	id        string
	target    string
	createdAt time.Time
	config    Configuration
	output    *Output
	promise   *future.Promise[Result]

	mu          sync.Mutex
	identity    Identity
	hasIdentity bool
	settling    bool
}

// Control is the launcher-only mutation capability of an Operation.
type Control struct {
	op *Operation
}

// New creates an Operation in the pending-identity state together with
// its Control. target names the environment the agent runs in. The
// Operation takes ownership of stdout and stderr, either of which may be nil.
func New(target string, cfg Configuration, stdout, stderr io.ReadCloser) (*Operation, *Control) {
	op := &Operation{
		id:        uuid.NewString(),
		target:    target,
		createdAt: time.Now(),
		config:    cfg.clone(),
		output:    NewOutput(stdout, stderr),
		promise:   future.New[Result](),
	}
	return op, &Control{op: op}
}

// ID returns a unique identifier for the operation.
func (o *Operation) ID() string { return o.id }

// Target returns the environment the agent was launched in.
func (o *Operation) Target() string { return o.target }

// CreatedAt returns when the operation was created.
func (o *Operation) CreatedAt() time.Time { return o.createdAt }

// Configuration returns a copy of the launch configuration.
func (o *Operation) Configuration() Configuration {
	return o.config.clone()
}

// Process returns the attached identity. ok is false until the launcher
// has confirmed the process exists.
func (o *Operation) Process() (id Identity, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.identity, o.hasIdentity
}

// Output returns the captured output handles.
func (o *Operation) Output() *Output { return o.output }

// Termination returns the future of the termination result.
func (o *Operation) Termination() future.Future[Result] {
	return o.promise.Future()
}

// Done is closed once the termination future has settled.
func (o *Operation) Done() <-chan struct{} {
	return o.promise.Future().Done()
}

// HandleType implements termination.Awaitable.
func (o *Operation) HandleType() termination.HandleType {
	return HandleTypeAgent
}

// State returns the current lifecycle state. StateTerminated and
// StateFailed are reported only once the future has settled.
func (o *Operation) State() State {
	if _, err, settled := o.promise.Future().Peek(); settled {
		if err != nil {
			return StateFailed
		}
		return StateTerminated
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.hasIdentity {
		return StateRunning
	}
	return StatePendingIdentity
}

// Close releases the output handles. It is safe to call more than once
// and from several goroutines.
func (o *Operation) Close() error {
	return o.output.Close()
}

// Operation returns the operation this Control mutates.
func (c *Control) Operation() *Operation {
	if c == nil {
		return nil
	}
	return c.op
}

// AttachIdentity records the identity of the launched process and moves
// the operation to the running state.
func (c *Control) AttachIdentity(id Identity) error {
	op, err := c.operation()
	if err != nil {
		return err
	}
	if id.PID <= 0 {
		return violation(op, "invalid pid %d", id.PID)
	}
	if id.LaunchedAt.IsZero() {
		id.LaunchedAt = time.Now()
	}

	op.mu.Lock()
	defer op.mu.Unlock()
	switch {
	case op.hasIdentity:
		return violation(op, "identity already attached (pid %d)", op.identity.PID)
	case op.settling:
		return violation(op, "identity attached after settlement")
	}
	op.identity = id
	op.hasIdentity = true
	return nil
}

// Resolve classifies status and settles the termination future with it.
func (c *Control) Resolve(status int) (Result, error) {
	op, err := c.operation()
	if err != nil {
		return Result{}, err
	}

	op.mu.Lock()
	switch {
	case op.settling:
		op.mu.Unlock()
		return Result{}, violation(op, "termination already resolved")
	case !op.hasIdentity:
		op.mu.Unlock()
		return Result{}, violation(op, "resolve before identity")
	}
	op.settling = true
	op.mu.Unlock()

	result := NewResult(status)
	op.promise.Resolve(result)
	return result, nil
}

// Fail settles the termination future with err. It is only valid before
// an identity was attached, i.e. when the spawn itself failed.
func (c *Control) Fail(cause error) error {
	op, err := c.operation()
	if err != nil {
		return err
	}
	if cause == nil {
		cause = errors.New("agent: launch failed")
	}

	op.mu.Lock()
	switch {
	case op.settling:
		op.mu.Unlock()
		return violation(op, "termination already resolved")
	case op.hasIdentity:
		op.mu.Unlock()
		return violation(op, "fail after identity (pid %d)", op.identity.PID)
	}
	op.settling = true
	op.mu.Unlock()

	op.promise.Reject(cause)
	return nil
}

func (c *Control) operation() (*Operation, error) {
	if c == nil || c.op == nil {
		return nil, fmt.Errorf("%w: control is not bound to an operation", ErrContractViolation)
	}
	return c.op, nil
}

func violation(op *Operation, format string, args ...any) error {
	return fmt.Errorf("%w: operation %s: %s", ErrContractViolation, op.id, fmt.Sprintf(format, args...))
}

// Ensure Operation implements termination.Awaitable
var _ termination.Awaitable = (*Operation)(nil)
