package session

import (
	"time"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/config"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/container"
)

// Options configures a Controller.
type Options struct {
	// Image is the template for every session container. Name and the
	// session label are filled in per session.
	Image container.ImageSpec
	// Program is the argv run inside the multiplexer session.
	Program []string
	// NamePrefix prefixes container names.
	NamePrefix string
	// SocketPrefix prefixes per-session tmux socket names.
	SocketPrefix string
	// BufferSize is the preview buffer capacity in bytes.
	BufferSize int

	OpTimeout     time.Duration
	DetachTimeout time.Duration
	ProbeTimeout  time.Duration

	// ShutdownPolicy is config.ShutdownStop or config.ShutdownPersist.
	ShutdownPolicy string
}

// DefaultOptions returns the options matching config.Default.
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default())
}

// OptionsFromConfig derives controller options from configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Image: container.ImageSpec{
			Image:   cfg.Container.Image,
			Workdir: cfg.Container.Workdir,
			Memory:  cfg.Container.Memory,
			CPUs:    cfg.Container.CPUs,
			Env:     append([]string(nil), cfg.Container.Env...),
		},
		Program:        append([]string(nil), cfg.Session.Program...),
		NamePrefix:     "claude-box",
		SocketPrefix:   cfg.Tmux.SocketPrefix,
		BufferSize:     cfg.Preview.BufferSize,
		OpTimeout:      cfg.Runtime.OpTimeout(),
		DetachTimeout:  cfg.Runtime.DetachTimeout(),
		ProbeTimeout:   cfg.Runtime.ExecTimeout(),
		ShutdownPolicy: cfg.Shutdown.Policy,
	}
}

func (o *Options) applyDefaults() {
	if len(o.Program) == 0 {
		o.Program = []string{"claude"}
	}
	if o.NamePrefix == "" {
		o.NamePrefix = "claude-box"
	}
	if o.SocketPrefix == "" {
		o.SocketPrefix = "claude-box"
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 100000
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 2 * time.Minute
	}
	if o.DetachTimeout <= 0 {
		o.DetachTimeout = 5 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 30 * time.Second
	}
	if o.ShutdownPolicy == "" {
		o.ShutdownPolicy = config.ShutdownStop
	}
}
