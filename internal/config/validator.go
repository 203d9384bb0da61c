package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "preview.interval_ms")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidEngines returns the list of valid container engine values
func ValidEngines() []string {
	return []string{EngineAuto, EngineDocker, EnginePodman}
}

// ValidShutdownPolicies returns the list of valid shutdown policies
func ValidShutdownPolicies() []string {
	return []string{ShutdownStop, ShutdownPersist}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	errs = append(errs, c.validateContainer()...)
	errs = append(errs, c.validateSession()...)
	errs = append(errs, c.validateTmux()...)
	errs = append(errs, c.validatePreview()...)
	errs = append(errs, c.validateRuntime()...)
	errs = append(errs, c.validateShutdown()...)
	errs = append(errs, c.validateLogging()...)
	return errs
}

func positive(field string, v int) []ValidationError {
	if v <= 0 {
		return []ValidationError{{Field: field, Value: v, Message: "must be greater than zero"}}
	}
	return nil
}

func (c *Config) validateContainer() []ValidationError {
	var errs []ValidationError
	if !slices.Contains(ValidEngines(), c.Container.Engine) {
		errs = append(errs, ValidationError{
			Field:   "container.engine",
			Value:   c.Container.Engine,
			Message: fmt.Sprintf("must be one of %v", ValidEngines()),
		})
	}
	if strings.TrimSpace(c.Container.Image) == "" {
		errs = append(errs, ValidationError{Field: "container.image", Value: c.Container.Image, Message: "must not be empty"})
	}
	if !strings.HasPrefix(c.Container.Workdir, "/") {
		errs = append(errs, ValidationError{Field: "container.workdir", Value: c.Container.Workdir, Message: "must be an absolute path"})
	}
	for _, kv := range c.Container.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			errs = append(errs, ValidationError{Field: "container.env", Value: kv, Message: "entries must be KEY=VALUE"})
		}
	}
	return errs
}

func (c *Config) validateSession() []ValidationError {
	var errs []ValidationError
	if len(c.Session.Program) == 0 || strings.TrimSpace(c.Session.Program[0]) == "" {
		errs = append(errs, ValidationError{Field: "session.program", Value: c.Session.Program, Message: "must name a program"})
	}
	if _, err := ParseDetachKey(c.Session.DetachKey); err != nil {
		errs = append(errs, ValidationError{Field: "session.detach_key", Value: c.Session.DetachKey, Message: err.Error()})
	}
	return errs
}

func (c *Config) validateTmux() []ValidationError {
	var errs []ValidationError
	errs = append(errs, positive("tmux.width", c.Tmux.Width)...)
	errs = append(errs, positive("tmux.height", c.Tmux.Height)...)
	errs = append(errs, positive("tmux.history_limit", c.Tmux.HistoryLimit)...)
	if c.Tmux.SocketPrefix == "" || strings.ContainsAny(c.Tmux.SocketPrefix, "/ ") {
		errs = append(errs, ValidationError{Field: "tmux.socket_prefix", Value: c.Tmux.SocketPrefix, Message: "must be non-empty without slashes or spaces"})
	}
	return errs
}

func (c *Config) validatePreview() []ValidationError {
	var errs []ValidationError
	if c.Preview.IntervalMs < 10 {
		errs = append(errs, ValidationError{Field: "preview.interval_ms", Value: c.Preview.IntervalMs, Message: "must be at least 10"})
	}
	errs = append(errs, positive("preview.snapshot_timeout_ms", c.Preview.SnapshotTimeoutMs)...)
	errs = append(errs, positive("preview.buffer_size", c.Preview.BufferSize)...)
	errs = append(errs, positive("preview.scrollback_lines", c.Preview.ScrollbackLines)...)
	errs = append(errs, positive("preview.max_failures", c.Preview.MaxFailures)...)
	return errs
}

func (c *Config) validateRuntime() []ValidationError {
	var errs []ValidationError
	errs = append(errs, positive("runtime.exec_timeout_ms", c.Runtime.ExecTimeoutMs)...)
	errs = append(errs, positive("runtime.op_timeout_ms", c.Runtime.OpTimeoutMs)...)
	errs = append(errs, positive("runtime.detach_timeout_ms", c.Runtime.DetachTimeoutMs)...)
	return errs
}

func (c *Config) validateShutdown() []ValidationError {
	if !slices.Contains(ValidShutdownPolicies(), c.Shutdown.Policy) {
		return []ValidationError{{
			Field:   "shutdown.policy",
			Value:   c.Shutdown.Policy,
			Message: fmt.Sprintf("must be one of %v", ValidShutdownPolicies()),
		}}
	}
	return nil
}

func (c *Config) validateLogging() []ValidationError {
	var errs []ValidationError
	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of %v", ValidLogLevels()),
		})
	}
	if c.Logging.MaxSizeMB < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_size_mb", Value: c.Logging.MaxSizeMB, Message: "must not be negative"})
	}
	if c.Logging.MaxBackups < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_backups", Value: c.Logging.MaxBackups, Message: "must not be negative"})
	}
	return errs
}
