// Package config provides configuration management for agent-supervisor.
package config

import (
	"maps"
	"slices"
	"time"

	"github.com/randomizedcoder/go-agent-supervisor/internal/agent"
)

// Config holds all configuration options for the supervisor.
type Config struct {
	// Agents
	Target     string        `json:"target"`
	AgentsFile string        `json:"agents_file"`
	Agents     []AgentSpec   `json:"agents"`
	Duration   time.Duration `json:"duration"` // 0 = until every agent ends

	// Start staggering
	StartRate   int           `json:"start_rate"` // agents per second, 0 = all at once
	StartJitter time.Duration `json:"start_jitter"`

	// Output capture
	CaptureStdout      bool          `json:"capture_stdout"`
	CaptureStderr      bool          `json:"capture_stderr"`
	StatsBufferSize    int           `json:"stats_buffer_size"`
	StatsDropThreshold float64       `json:"stats_drop_threshold"`
	DrainTimeout       time.Duration `json:"drain_timeout"`

	// Shutdown
	StopTimeout time.Duration `json:"stop_timeout"`

	// Restart policy
	Restart         bool          `json:"restart"`
	MaxRestarts     int           `json:"max_restarts"` // 0 = unlimited
	BackoffInitial  time.Duration `json:"backoff_initial"`
	BackoffMax      time.Duration `json:"backoff_max"`
	BackoffMultiply float64       `json:"backoff_multiply"`
	ResetAfter      time.Duration `json:"reset_after"`

	// Observability
	MetricsAddr          string `json:"metrics_addr"`
	DumpMetrics          bool   `json:"dump_metrics"`
	PromOperationMetrics bool   `json:"prom_operation_metrics"`
	Verbose              bool   `json:"verbose"`
	LogFormat            string `json:"log_format"` // json, text
	LogLevel             string `json:"log_level"`

	// Dashboard
	TUIEnabled bool `json:"tui"`

	// Safety
	SkipPreflight bool `json:"skip_preflight"`
}

// AgentSpec describes one agent to supervise.
type AgentSpec struct {
	Name string            `yaml:"name" json:"name"`
	Path string            `yaml:"path" json:"path"`
	Args []string          `yaml:"args" json:"args"`
	Env  map[string]string `yaml:"env" json:"env"`
	Dir  string            `yaml:"dir" json:"dir"`

	// Optional per-agent overrides of the global settings.
	Restart *bool `yaml:"restart,omitempty" json:"restart,omitempty"`
	Stdout  *bool `yaml:"stdout,omitempty" json:"stdout,omitempty"`
	Stderr  *bool `yaml:"stderr,omitempty" json:"stderr,omitempty"`
}

// Configuration converts s into what gets attached to an operation.
func (s AgentSpec) Configuration() agent.Configuration {
	return agent.Configuration{
		Name: s.Name,
		Path: s.Path,
		Args: slices.Clone(s.Args),
		Env:  maps.Clone(s.Env),
		Dir:  s.Dir,
	}
}

// RestartEnabled resolves the restart override against the global default.
func (s AgentSpec) RestartEnabled(def bool) bool {
	return boolOr(s.Restart, def)
}

// CaptureStdout resolves the stdout override against the global default.
func (s AgentSpec) CaptureStdout(def bool) bool {
	return boolOr(s.Stdout, def)
}

// CaptureStderr resolves the stderr override against the global default.
func (s AgentSpec) CaptureStderr(def bool) bool {
	return boolOr(s.Stderr, def)
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Target:   "local",
		Duration: 0,

		StartRate:   0,
		StartJitter: 0,

		CaptureStdout:      true,
		CaptureStderr:      true,
		StatsBufferSize:    1000,
		StatsDropThreshold: 0.01,
		DrainTimeout:       2 * time.Second,

		StopTimeout: 10 * time.Second,

		// Restart policy
		Restart:         false,
		MaxRestarts:     0, // Unlimited
		BackoffInitial:  250 * time.Millisecond,
		BackoffMax:      5 * time.Second,
		BackoffMultiply: 1.7,
		ResetAfter:      30 * time.Second,

		// Observability
		MetricsAddr: "127.0.0.1:17092",
		LogFormat:   "json",
		LogLevel:    "info",

		TUIEnabled: false,

		SkipPreflight: false,
	}
}
