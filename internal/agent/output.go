package agent

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// Output holds the captured stdout and stderr handles of an agent.
// Either handle may be absent. Each present handle is closed exactly once.
type Output struct {
	stdout io.ReadCloser
	stderr io.ReadCloser

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewOutput takes ownership of the given handles. Pass nil for a stream
// that is not captured.
func NewOutput(stdout, stderr io.ReadCloser) *Output {
	return &Output{stdout: stdout, stderr: stderr}
}

// Stdout returns the stdout stream, or nil if it is not captured.
func (o *Output) Stdout() io.Reader {
	if o.stdout == nil {
		return nil
	}
	return o.stdout
}

// Stderr returns the stderr stream, or nil if it is not captured.
func (o *Output) Stderr() io.Reader {
	if o.stderr == nil {
		return nil
	}
	return o.stderr
}

// HasStdout reports whether stdout is captured.
func (o *Output) HasStdout() bool { return o.stdout != nil }

// HasStderr reports whether stderr is captured.
func (o *Output) HasStderr() bool { return o.stderr != nil }

// Close releases both handles. Only the first call closes anything and
// only that call sees close errors; later calls return nil.
func (o *Output) Close() error {
	var err error
	o.closeOnce.Do(func() {
		var errs []error
		if o.stdout != nil {
			if cerr := o.stdout.Close(); cerr != nil {
				errs = append(errs, fmt.Errorf("close stdout: %w", cerr))
			}
		}
		if o.stderr != nil {
			if cerr := o.stderr.Close(); cerr != nil {
				errs = append(errs, fmt.Errorf("close stderr: %w", cerr))
			}
		}
		o.closed.Store(true)
		err = errors.Join(errs...)
	})
	return err
}

// Closed reports whether Close has completed.
func (o *Output) Closed() bool {
	return o.closed.Load()
}
