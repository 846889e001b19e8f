package config

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or every problem found joined together.
func Validate(cfg *Config) error {
	var errs []error

	if len(cfg.Agents) == 0 {
		errs = append(errs, ValidationError{
			Field:   "agents",
			Message: "at least one agent is required (give a path after -- or use -agents)",
		})
	}

	names := make(map[string]int, len(cfg.Agents))
	for i, a := range cfg.Agents {
		field := fmt.Sprintf("agents[%d]", i)
		if strings.TrimSpace(a.Path) == "" {
			errs = append(errs, ValidationError{Field: field + ".path", Message: "must not be empty"})
		}
		if a.Name == "" {
			errs = append(errs, ValidationError{Field: field + ".name", Message: "must not be empty"})
			continue
		}
		if prev, dup := names[a.Name]; dup {
			errs = append(errs, ValidationError{
				Field:   field + ".name",
				Message: fmt.Sprintf("duplicate of agents[%d] (%q)", prev, a.Name),
			})
		}
		names[a.Name] = i
		for k := range a.Env {
			if k == "" || strings.Contains(k, "=") {
				errs = append(errs, ValidationError{
					Field:   field + ".env",
					Message: fmt.Sprintf("invalid variable name %q", k),
				})
			}
		}
	}

	if cfg.Target == "" {
		errs = append(errs, ValidationError{Field: "target", Message: "must not be empty"})
	}

	if cfg.Duration < 0 {
		errs = append(errs, ValidationError{Field: "duration", Message: "must not be negative"})
	}

	if cfg.StartRate < 0 {
		errs = append(errs, ValidationError{Field: "start_rate", Message: "must not be negative"})
	}
	if cfg.StartJitter < 0 {
		errs = append(errs, ValidationError{Field: "start_jitter", Message: "must not be negative"})
	}

	// Log format must be valid
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(cfg.LogLevel)] {
		errs = append(errs, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("must be debug, info, warn or error (got %q)", cfg.LogLevel),
		})
	}

	if cfg.StopTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "stop_timeout", Message: "must be positive"})
	}
	if cfg.DrainTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "drain_timeout", Message: "must be positive"})
	}
	if cfg.StatsBufferSize < 1 {
		errs = append(errs, ValidationError{Field: "stats_buffer_size", Message: "must be at least 1"})
	}
	if cfg.StatsDropThreshold <= 0 || cfg.StatsDropThreshold > 1 {
		errs = append(errs, ValidationError{
			Field:   "stats_drop_threshold",
			Message: fmt.Sprintf("must be in (0, 1] (got %v)", cfg.StatsDropThreshold),
		})
	}

	// Backoff settings
	if cfg.MaxRestarts < 0 {
		errs = append(errs, ValidationError{Field: "max_restarts", Message: "must not be negative"})
	}
	if cfg.BackoffInitial <= 0 {
		errs = append(errs, ValidationError{
			Field:   "backoff_initial",
			Message: "must be positive",
		})
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		errs = append(errs, ValidationError{
			Field:   "backoff_max",
			Message: "must be >= backoff_initial",
		})
	}
	if cfg.BackoffMultiply < 1.0 {
		errs = append(errs, ValidationError{
			Field:   "backoff_multiply",
			Message: "must be >= 1.0",
		})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
