// Package config defines the claude-box configuration, its defaults and
// how it is loaded through viper.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Shutdown policies applied when the application exits.
const (
	ShutdownStop    = "stop"
	ShutdownPersist = "persist"
)

// Container engines.
const (
	EngineAuto   = "auto"
	EngineDocker = "docker"
	EnginePodman = "podman"
)

// Config represents the complete claude-box configuration
type Config struct {
	Container ContainerConfig `mapstructure:"container" yaml:"container"`
	Session   SessionConfig   `mapstructure:"session" yaml:"session"`
	Tmux      TmuxConfig      `mapstructure:"tmux" yaml:"tmux"`
	Preview   PreviewConfig   `mapstructure:"preview" yaml:"preview"`
	Runtime   RuntimeConfig   `mapstructure:"runtime" yaml:"runtime"`
	Shutdown  ShutdownConfig  `mapstructure:"shutdown" yaml:"shutdown"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// ContainerConfig controls how session containers are created
type ContainerConfig struct {
	// Engine is "docker", "podman" or "auto" (first found on PATH)
	Engine string `mapstructure:"engine" yaml:"engine"`
	// Image must contain tmux and the agent program
	Image string `mapstructure:"image" yaml:"image"`
	// Memory limit passed to --memory (empty for no limit)
	Memory string `mapstructure:"memory" yaml:"memory"`
	// CPUs limit passed to --cpus (empty for no limit)
	CPUs string `mapstructure:"cpus" yaml:"cpus"`
	// Workdir is where the workspace is mounted inside the container
	Workdir string `mapstructure:"workdir" yaml:"workdir"`
	// Env entries in KEY=VALUE form
	Env []string `mapstructure:"env" yaml:"env"`
}

// SessionConfig controls the program run inside each session
type SessionConfig struct {
	// Program is the argv started inside the multiplexer session
	Program []string `mapstructure:"program" yaml:"program"`
	// DetachKey ends an attachment, e.g. "ctrl-q" or "ctrl-]"
	DetachKey string `mapstructure:"detach_key" yaml:"detach_key"`
}

// TmuxConfig controls the multiplexer session inside the container
type TmuxConfig struct {
	Width        int    `mapstructure:"width" yaml:"width"`
	Height       int    `mapstructure:"height" yaml:"height"`
	HistoryLimit int    `mapstructure:"history_limit" yaml:"history_limit"`
	SocketPrefix string `mapstructure:"socket_prefix" yaml:"socket_prefix"`
}

// PreviewConfig controls the background preview scheduler
type PreviewConfig struct {
	IntervalMs        int `mapstructure:"interval_ms" yaml:"interval_ms"`
	SnapshotTimeoutMs int `mapstructure:"snapshot_timeout_ms" yaml:"snapshot_timeout_ms"`
	// BufferSize is the per-session preview ring buffer size in bytes
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`
	// ScrollbackLines bounds how far back each snapshot reaches
	ScrollbackLines int `mapstructure:"scrollback_lines" yaml:"scrollback_lines"`
	// MaxFailures is the number of consecutive snapshot failures before the
	// session is health-checked
	MaxFailures int `mapstructure:"max_failures" yaml:"max_failures"`
}

// RuntimeConfig bounds external calls
type RuntimeConfig struct {
	// ExecTimeoutMs bounds a single engine or multiplexer command
	ExecTimeoutMs int `mapstructure:"exec_timeout_ms" yaml:"exec_timeout_ms"`
	// OpTimeoutMs bounds a whole lifecycle command (start, stop, delete)
	OpTimeoutMs int `mapstructure:"op_timeout_ms" yaml:"op_timeout_ms"`
	// DetachTimeoutMs bounds how long stop waits for a forced detach
	DetachTimeoutMs int `mapstructure:"detach_timeout_ms" yaml:"detach_timeout_ms"`
}

// ShutdownConfig controls what happens to sessions when claude-box exits
type ShutdownConfig struct {
	// Policy is "stop" (tear everything down) or "persist" (leave running)
	Policy string `mapstructure:"policy" yaml:"policy"`
}

// LoggingConfig controls debug logging
type LoggingConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Level      string `mapstructure:"level" yaml:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Container: ContainerConfig{
			Engine:  EngineAuto,
			Image:   "claude-box:latest",
			Memory:  "4g",
			CPUs:    "2",
			Workdir: "/workspace",
			Env:     []string{},
		},
		Session: SessionConfig{
			Program:   []string{"claude"},
			DetachKey: "ctrl-q",
		},
		Tmux: TmuxConfig{
			Width:        200,
			Height:       50,
			HistoryLimit: 50000,
			SocketPrefix: "claude-box",
		},
		Preview: PreviewConfig{
			IntervalMs:        100,
			SnapshotTimeoutMs: 2000,
			BufferSize:        100000, // 100KB
			ScrollbackLines:   1000,
			MaxFailures:       5,
		},
		Runtime: RuntimeConfig{
			ExecTimeoutMs:   30000,
			OpTimeoutMs:     120000,
			DetachTimeoutMs: 5000,
		},
		Shutdown: ShutdownConfig{
			Policy: ShutdownStop,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Interval returns the preview interval as a time.Duration
func (c *PreviewConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// SnapshotTimeout returns the per-snapshot bound as a time.Duration
func (c *PreviewConfig) SnapshotTimeout() time.Duration {
	return time.Duration(c.SnapshotTimeoutMs) * time.Millisecond
}

// ExecTimeout returns the per-command bound as a time.Duration
func (c *RuntimeConfig) ExecTimeout() time.Duration {
	return time.Duration(c.ExecTimeoutMs) * time.Millisecond
}

// OpTimeout returns the per-lifecycle-command bound as a time.Duration
func (c *RuntimeConfig) OpTimeout() time.Duration {
	return time.Duration(c.OpTimeoutMs) * time.Millisecond
}

// DetachTimeout returns the forced-detach bound as a time.Duration
func (c *RuntimeConfig) DetachTimeout() time.Duration {
	return time.Duration(c.DetachTimeoutMs) * time.Millisecond
}

// SetDefaults registers default values with viper
func SetDefaults() {
	d := Default()

	viper.SetDefault("container.engine", d.Container.Engine)
	viper.SetDefault("container.image", d.Container.Image)
	viper.SetDefault("container.memory", d.Container.Memory)
	viper.SetDefault("container.cpus", d.Container.CPUs)
	viper.SetDefault("container.workdir", d.Container.Workdir)
	viper.SetDefault("container.env", d.Container.Env)

	viper.SetDefault("session.program", d.Session.Program)
	viper.SetDefault("session.detach_key", d.Session.DetachKey)

	viper.SetDefault("tmux.width", d.Tmux.Width)
	viper.SetDefault("tmux.height", d.Tmux.Height)
	viper.SetDefault("tmux.history_limit", d.Tmux.HistoryLimit)
	viper.SetDefault("tmux.socket_prefix", d.Tmux.SocketPrefix)

	viper.SetDefault("preview.interval_ms", d.Preview.IntervalMs)
	viper.SetDefault("preview.snapshot_timeout_ms", d.Preview.SnapshotTimeoutMs)
	viper.SetDefault("preview.buffer_size", d.Preview.BufferSize)
	viper.SetDefault("preview.scrollback_lines", d.Preview.ScrollbackLines)
	viper.SetDefault("preview.max_failures", d.Preview.MaxFailures)

	viper.SetDefault("runtime.exec_timeout_ms", d.Runtime.ExecTimeoutMs)
	viper.SetDefault("runtime.op_timeout_ms", d.Runtime.OpTimeoutMs)
	viper.SetDefault("runtime.detach_timeout_ms", d.Runtime.DetachTimeoutMs)

	viper.SetDefault("shutdown.policy", d.Shutdown.Policy)

	viper.SetDefault("logging.enabled", d.Logging.Enabled)
	viper.SetDefault("logging.level", d.Logging.Level)
	viper.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	viper.SetDefault("logging.compress", d.Logging.Compress)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom is Load against a specific viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults if it
// cannot be loaded.
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "claude-box")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claude-box"
	}
	return filepath.Join(home, ".config", "claude-box")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// StateDir returns the directory for logs and other runtime state
func StateDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "claude-box")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "claude-box")
	}
	return filepath.Join(home, ".local", "state", "claude-box")
}

// LogDir returns the directory the debug log is written to
func LogDir() string {
	return filepath.Join(StateDir(), "logs")
}
