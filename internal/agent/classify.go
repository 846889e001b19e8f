package agent

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// maxWaitStatus is the largest value the 16-bit wait-status encoding can hold.
const maxWaitStatus = 0xFFFF

// IsExpectedTermination reports whether status, a raw value from wait(2),
// describes a shutdown the supervisor considers normal.
//
// Expected terminations are a clean exit with code 0 and death by SIGTERM,
// which is the signal the launcher uses to stop an agent gracefully.
// Everything else, including values outside the wait-status encoding,
// is unexpected.
func IsExpectedTermination(status int) bool {
	if status < 0 || status > maxWaitStatus {
		return false
	}
	ws := unix.WaitStatus(status)
	switch {
	case ws.Exited():
		return ws.ExitStatus() == 0
	case ws.Signaled():
		return ws.Signal() == unix.SIGTERM && !ws.CoreDump()
	default:
		return false
	}
}

// Result is the termination outcome of an agent process.
type Result struct {
	// Status is the raw wait status.
	Status int

	// Expected is IsExpectedTermination(Status).
	Expected bool
}

// NewResult classifies status.
func NewResult(status int) Result {
	return Result{Status: status, Expected: IsExpectedTermination(status)}
}

// ExitCode returns the exit code, or -1 if the process did not exit normally.
func (r Result) ExitCode() int {
	if r.Status < 0 || r.Status > maxWaitStatus {
		return -1
	}
	return unix.WaitStatus(r.Status).ExitStatus()
}

// Signal returns the name of the terminating signal, or "" if the process
// was not killed by a signal.
func (r Result) Signal() string {
	if r.Status < 0 || r.Status > maxWaitStatus {
		return ""
	}
	ws := unix.WaitStatus(r.Status)
	if !ws.Signaled() {
		return ""
	}
	if name := unix.SignalName(ws.Signal()); name != "" {
		return name
	}
	return fmt.Sprintf("signal %d", int(ws.Signal()))
}

func (r Result) String() string {
	return fmt.Sprintf("raw=%d expected=%t", r.Status, r.Expected)
}
