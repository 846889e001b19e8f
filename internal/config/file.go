package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the parsed agents file. All fields except Agents are optional;
// zero values leave the flag settings untouched.
type File struct {
	Target         string      `yaml:"target"`
	RawStopTimeout string      `yaml:"stop_timeout"` // e.g. "10s"
	Restart        *bool       `yaml:"restart"`
	MaxRestarts    *int        `yaml:"max_restarts"`
	Agents         []AgentSpec `yaml:"agents"`
}

// StopTimeout returns the parsed stop timeout, or 0 when unset.
func (f *File) StopTimeout() (time.Duration, error) {
	if f.RawStopTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(f.RawStopTimeout)
	if err != nil {
		return 0, fmt.Errorf("stop_timeout: %w", err)
	}
	return d, nil
}

// LoadFile reads an agents file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agents file: %w", err)
	}
	return ParseFile(data)
}

// ParseFile parses agents file contents.
func ParseFile(data []byte) (*File, error) {
	f := &File{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parsing agents file: %w", err)
	}
	return f, nil
}

// Apply merges f into cfg. Agents are appended; scalar settings present in
// the file replace those of cfg unless the matching flag was set
// explicitly, as reported by set.
func (f *File) Apply(cfg *Config, set map[string]bool) error {
	if f.Target != "" && !set["target"] {
		cfg.Target = f.Target
	}
	if f.Restart != nil && !set["restart"] {
		cfg.Restart = *f.Restart
	}
	if f.MaxRestarts != nil && !set["max-restarts"] {
		cfg.MaxRestarts = *f.MaxRestarts
	}
	if !set["stop-timeout"] {
		d, err := f.StopTimeout()
		if err != nil {
			return err
		}
		if d > 0 {
			cfg.StopTimeout = d
		}
	}
	cfg.Agents = append(cfg.Agents, f.Agents...)
	return nil
}
