// Package app assembles the claude-box runtime: container backend,
// multiplexer bridge, attach coordinator, session controller and preview
// scheduler, wired from configuration.
package app

import (
	"context"
	"sync"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/attach"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/config"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/container"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/errors"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/event"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/hostterm"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/logging"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/preview"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/session"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/tmux"
)

// Runtime owns every long-lived component of a claude-box process.
type Runtime struct {
	Config   *config.Config
	Logger   *logging.Logger
	Bus      *event.Bus
	Backend  container.Backend
	Bridge   *tmux.Bridge
	Terminal *hostterm.Terminal
	Attach   *attach.Coordinator
	Sessions *session.Controller
	Preview  *preview.Scheduler

	stateDir string
	lock     *Lock

	startOnce    sync.Once
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option customizes New.
type Option func(*options)

type options struct {
	backend  container.Backend
	console  hostterm.Console
	logger   *logging.Logger
	stateDir string
}

// WithBackend replaces the detected container engine.
func WithBackend(b container.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithConsole replaces the process's stdio terminal.
func WithConsole(c hostterm.Console) Option {
	return func(o *options) { o.console = c }
}

// WithLogger replaces the file logger built from the logging section.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStateDir sets the directory holding the runtime lock. An empty
// directory disables locking.
func WithStateDir(dir string) Option {
	return func(o *options) { o.stateDir = dir }
}

// New builds a Runtime from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	o := options{stateDir: config.StateDir()}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = NewLogger(cfg)
		if err != nil {
			return nil, err
		}
	}

	backend := o.backend
	if backend == nil {
		bin, err := container.DetectEngine(cfg.Container.Engine)
		if err != nil {
			_ = logger.Close()
			return nil, err
		}
		backend = container.NewEngine(bin,
			container.WithExecTimeout(cfg.Runtime.ExecTimeout()),
			container.WithLogger(logger),
		)
	}

	console := o.console
	if console == nil {
		console = hostterm.Stdio()
	}

	bus := event.NewBus(logger)
	bridge := tmux.NewBridge(backend, tmux.Options{
		Width:           cfg.Tmux.Width,
		Height:          cfg.Tmux.Height,
		HistoryLimit:    cfg.Tmux.HistoryLimit,
		ScrollbackLines: cfg.Preview.ScrollbackLines,
		SnapshotTimeout: cfg.Preview.SnapshotTimeout(),
	}, logger)
	term := hostterm.New(console, hostterm.NopApp{})
	coord := attach.New(bridge, term, bus, logger, attach.Options{
		DetachKey: cfg.Session.DetachByte(),
		Cols:      cfg.Tmux.Width,
		Rows:      cfg.Tmux.Height,
	})
	ctrl := session.NewController(backend, bridge, coord, bus, logger, session.OptionsFromConfig(cfg))
	sched := preview.NewScheduler(bridge, ctrl, bus, logger, preview.Options{
		Interval:    cfg.Preview.Interval(),
		MaxFailures: cfg.Preview.MaxFailures,
	})
	// A stopped or deleted session starts over with a clean failure count.
	bus.Subscribe(event.TypeSessionTransition, func(e event.Event) {
		tr, ok := e.(event.SessionTransitionEvent)
		if !ok {
			return
		}
		switch session.State(tr.To) {
		case session.StateStopped, session.StateDeleted:
			sched.Forget(tr.SessionID)
		}
	})

	return &Runtime{
		Config:   cfg,
		Logger:   logger,
		Bus:      bus,
		Backend:  backend,
		Bridge:   bridge,
		Terminal: term,
		Attach:   coord,
		Sessions: ctrl,
		Preview:  sched,
		stateDir: o.stateDir,
	}, nil
}

// NewLogger builds the debug logger described by cfg.Logging. Logs go to
// a file so they never interleave with the TUI or an attached session.
func NewLogger(cfg *config.Config) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NopLogger(), nil
	}
	return logging.NewFileLogger(config.LogDir(), logging.ParseLevel(cfg.Logging.Level), logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
}

// Start takes the runtime lock and starts the preview scheduler. It fails
// with a ConflictError wrapping ErrRuntimeLocked when another process owns
// the state directory.
func (r *Runtime) Start(ctx context.Context) error {
	var err error
	r.startOnce.Do(func() {
		if r.stateDir != "" {
			r.lock, err = AcquireLock(r.stateDir, r.Logger)
			if err != nil {
				return
			}
		}
		r.Preview.Start(ctx)
		r.Logger.Info("runtime started",
			"shutdown_policy", r.Config.Shutdown.Policy,
			"preview_interval", r.Preview.Interval().String(),
		)
	})
	return err
}

// Reload applies the parts of cfg that can change while running.
func (r *Runtime) Reload(path string, cfg *config.Config) {
	r.Preview.SetInterval(cfg.Preview.Interval())
	r.Logger.Info("configuration reloaded", "path", path, "preview_interval", cfg.Preview.Interval().String())
	r.Bus.Publish(event.NewConfigReloadedEvent(path, nil))
}

// WatchConfig reloads the runtime whenever the config file changes.
// Invalid edits are logged and published; the running values are kept.
func (r *Runtime) WatchConfig() {
	config.Watch(func(path string, cfg *config.Config, err error) {
		if err != nil {
			r.Logger.Warn("ignoring invalid configuration", "path", path, "error", err.Error())
			r.Bus.Publish(event.NewConfigReloadedEvent(path, err))
			return
		}
		r.Reload(path, cfg)
	})
}

// Shutdown stops the preview scheduler, force-detaches, applies the
// shutdown policy to every session and releases the runtime lock. It is
// idempotent; later calls return the first result.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		r.Preview.Stop()
		err := r.Sessions.Shutdown(ctx)
		if terr := r.Attach.RetryLeaks(ctx); terr != nil {
			err = errors.Join(err, terr)
		}
		if lerr := r.lock.Release(); lerr != nil {
			err = errors.Join(err, lerr)
		}
		if err != nil {
			r.Logger.Error("shutdown finished with errors", "error", err.Error())
		} else {
			r.Logger.Info("runtime stopped")
		}
		r.shutdownErr = err
	})
	return r.shutdownErr
}

// Close shuts down with a background context and closes the logger.
func (r *Runtime) Close() error {
	err := r.Shutdown(context.Background())
	return errors.Join(err, r.Logger.Close())
}
