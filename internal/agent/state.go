package agent

// State represents the lifecycle position of an Operation.
type State int

const (
	// StatePendingIdentity is the initial state: the process has been
	// requested but the OS has not confirmed it exists.
	StatePendingIdentity State = iota

	// StateRunning means the identity is attached and termination has
	// not been observed yet.
	StateRunning

	// StateTerminated means the termination future holds a Result.
	StateTerminated

	// StateFailed means the process was never confirmed and the
	// termination future holds an error.
	StateFailed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StatePendingIdentity:
		return "pending"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if no further transitions can happen.
func (s State) IsTerminal() bool {
	return s == StateTerminated || s == StateFailed
}
