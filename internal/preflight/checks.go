// Package preflight checks that the host can run the configured agents
// before any of them is launched.
package preflight

import (
	"fmt"
	"io"
	"math"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-agent-supervisor/internal/config"
)

const (
	// fdsPerAgent covers the stdout and stderr pipes plus /dev/null.
	fdsPerAgent = 6
	// fdOverhead covers the supervisor itself and the metrics server.
	fdOverhead = 64
	// procOverhead leaves room for the rest of the user's processes.
	procOverhead = 32
)

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// Warnings returns the number of checks that passed with a warning.
func (r *Result) Warnings() int {
	n := 0
	for _, c := range r.Checks {
		if c.Passed && c.Warning {
			n++
		}
	}
	return n
}

// RunAll executes all preflight checks for the given agents.
//
// A missing executable is only a warning: the launch still happens and
// is reported as a failed operation.
func RunAll(agents []config.AgentSpec) *Result {
	result := &Result{
		Checks: make([]Check, 0, 2+len(agents)),
		Passed: true,
	}

	add := func(c Check) {
		result.Checks = append(result.Checks, c)
		if !c.Passed {
			result.Passed = false
		}
	}

	add(checkFileDescriptors(len(agents)))
	add(checkProcessLimit(len(agents)))
	for _, a := range agents {
		add(checkExecutable(a))
	}

	return result
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(agents int) Check {
	required := agents*fdsPerAgent + fdOverhead

	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}
	actual := clampLimit(limit.Cur)

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d agents)", actual, required, agents),
	}
}

// checkProcessLimit verifies sufficient process slots are available.
func checkProcessLimit(agents int) Check {
	required := agents + procOverhead

	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NPROC, &limit); err != nil {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}
	actual := clampLimit(limit.Cur)

	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, required),
	}
}

// checkExecutable verifies the agent's path resolves to an executable.
func checkExecutable(a config.AgentSpec) Check {
	name := "agent:" + a.Name
	resolved, err := exec.LookPath(a.Path)
	if err != nil {
		return Check{
			Name:    name,
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("%s not executable: %v", a.Path, err),
		}
	}
	return Check{
		Name:    name,
		Passed:  true,
		Message: "found at " + resolved,
	}
}

// clampLimit converts an rlimit value, treating RLIM_INFINITY as MaxInt32.
func clampLimit(v uint64) int {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(v)
}

// PrintResults writes the check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	default:
		return "check the agent path and permissions"
	}
}
