package preflight

import (
	"bytes"
	"math"
	"os/exec"
	"strings"
	"testing"

	"github.com/randomizedcoder/go-agent-supervisor/internal/config"
)

func TestCheck_String(t *testing.T) {
	tests := []struct {
		name  string
		check Check
		want  string
	}{
		{
			name:  "passed with counts",
			check: Check{Name: "file_descriptors", Required: 100, Actual: 1024, Passed: true},
			want:  "  ✓ file_descriptors: 1024 available (need 100)",
		},
		{
			name:  "failed with counts",
			check: Check{Name: "process_limit", Required: 64, Actual: 10, Passed: false},
			want:  "  ✗ process_limit: 10 available (need 64)",
		},
		{
			name:  "warning with message",
			check: Check{Name: "agent:worker", Passed: true, Warning: true, Message: "missing"},
			want:  "  ⚠ agent:worker: missing",
		},
		{
			name:  "passed with message",
			check: Check{Name: "agent:sh", Passed: true, Message: "found at /bin/sh"},
			want:  "  ✓ agent:sh: found at /bin/sh",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.check.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRunAll_Executables(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	result := RunAll([]config.AgentSpec{
		{Name: "shell", Path: "sh"},
		{Name: "ghost", Path: "/nonexistent/agent-binary"},
	})

	// limits + one check per agent
	if len(result.Checks) != 4 {
		t.Fatalf("len(Checks) = %d, want 4", len(result.Checks))
	}

	byName := make(map[string]Check)
	for _, c := range result.Checks {
		byName[c.Name] = c
	}

	shell := byName["agent:shell"]
	if !shell.Passed || shell.Warning {
		t.Errorf("agent:shell = %+v, want passed without warning", shell)
	}
	ghost := byName["agent:ghost"]
	if !ghost.Passed || !ghost.Warning {
		t.Errorf("agent:ghost = %+v, want passed with warning", ghost)
	}
	if result.Warnings() < 1 {
		t.Errorf("Warnings() = %d, want at least 1", result.Warnings())
	}
}

func TestCheckFileDescriptors_Scaling(t *testing.T) {
	small := checkFileDescriptors(1)
	large := checkFileDescriptors(100)

	if small.Required != fdsPerAgent+fdOverhead {
		t.Errorf("Required(1) = %d, want %d", small.Required, fdsPerAgent+fdOverhead)
	}
	if large.Required <= small.Required {
		t.Errorf("Required(100) = %d should exceed Required(1) = %d", large.Required, small.Required)
	}
	if small.Actual == 0 && !small.Warning {
		t.Errorf("checkFileDescriptors(1) = %+v, want a limit or a warning", small)
	}
}

func TestCheckProcessLimit(t *testing.T) {
	c := checkProcessLimit(3)
	if c.Name != "process_limit" {
		t.Errorf("Name = %q, want process_limit", c.Name)
	}
	if !c.Warning && c.Required != 3+procOverhead {
		t.Errorf("Required = %d, want %d", c.Required, 3+procOverhead)
	}
}

func TestResult_Passed(t *testing.T) {
	result := RunAll(nil)
	for _, c := range result.Checks {
		if !c.Passed && result.Passed {
			t.Errorf("check %s failed but result passed", c.Name)
		}
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in   uint64
		want int
	}{
		{0, 0},
		{1024, 1024},
		{math.MaxUint64, math.MaxInt32},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSuggestFix(t *testing.T) {
	for _, name := range []string{"file_descriptors", "process_limit", "agent:worker"} {
		if suggestFix(name) == "" {
			t.Errorf("suggestFix(%q) is empty", name)
		}
	}
}

func TestPrintResults(t *testing.T) {
	var buf bytes.Buffer
	PrintResults(&buf, &Result{
		Checks: []Check{
			{Name: "file_descriptors", Required: 100, Actual: 10, Passed: false},
			{Name: "agent:worker", Passed: true, Message: "found at /usr/bin/worker"},
		},
	})

	out := buf.String()
	for _, want := range []string{
		"Preflight checks:",
		"✗ file_descriptors",
		"Fix: ulimit -n",
		"agent:worker: found at /usr/bin/worker",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
