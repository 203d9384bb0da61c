// Package hostterm manages the operator's terminal while a session is
// attached: suspending the foreground application, switching the console
// into raw mode, and restoring both when the attachment ends.
//
// Ownership is expressed as a Lease backed by a resource.Handle, so the
// restore runs exactly once no matter which path ends the attachment.
package hostterm

import (
	"context"
	"io"
	"sync"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/errors"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/resource"
)

// App is the foreground application that owns the terminal when no
// session is attached.
type App interface {
	// Suspend stops rendering and releases the terminal.
	Suspend() error
	// Resume retakes the terminal and redraws.
	Resume() error
}

// InputReader is a reader whose blocked Read can be interrupted.
type InputReader interface {
	io.Reader
	// Cancel interrupts a pending Read, which then returns an error.
	// It reports whether cancellation succeeded.
	Cancel() bool
	Close() error
}

// Console is the host terminal device.
type Console interface {
	// MakeRaw switches the console to raw mode and returns a function that
	// restores the previous mode.
	MakeRaw() (restore func() error, err error)
	// Size returns the console geometry.
	Size() (cols, rows int, err error)
	// Input returns a new cancelable reader over the console input.
	Input() (InputReader, error)
	// Output returns the console output writer.
	Output() io.Writer
	// NotifyResize delivers a value whenever the console is resized, until
	// ctx ends. Implementations that cannot detect resizes return nil.
	NotifyResize(ctx context.Context) <-chan struct{}
}

// NopApp is an App with nothing to suspend, used by headless commands.
type NopApp struct{}

func (NopApp) Suspend() error { return nil }
func (NopApp) Resume() error  { return nil }

// Terminal hands out at most one Lease at a time.
type Terminal struct {
	console Console
	app     App

	mu   sync.Mutex
	held bool
}

// New creates a Terminal over console. A nil app is treated as NopApp.
func New(console Console, app App) *Terminal {
	if app == nil {
		app = NopApp{}
	}
	return &Terminal{console: console, app: app}
}

// SetApp replaces the foreground application. It is used when the TUI
// program is created after the Terminal.
func (t *Terminal) SetApp(app App) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if app == nil {
		app = NopApp{}
	}
	t.app = app
}

// Console returns the underlying console.
func (t *Terminal) Console() Console {
	return t.console
}

// Lease is exclusive use of the host terminal in raw mode.
type Lease struct {
	*resource.Handle
	Console Console
}

// Acquire suspends the application and puts the console into raw mode.
// Releasing the returned lease restores the console mode and then resumes
// the application; it is safe to release more than once.
func (t *Terminal) Acquire(owner string) (*Lease, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.held {
		return nil, errors.NewConflictError("acquire terminal", errors.ErrAttachBusy)
	}
	app := t.app

	if err := app.Suspend(); err != nil {
		return nil, errors.Wrap(err, "suspend application")
	}
	restore, err := t.console.MakeRaw()
	if err != nil {
		if resumeErr := app.Resume(); resumeErr != nil {
			err = errors.Join(err, resumeErr)
		}
		return nil, errors.Wrap(err, "enter raw mode")
	}
	t.held = true

	var restored bool
	h := resource.New(resource.KindTerminal, "host", owner, func(context.Context) error {
		var errs []error
		if !restored {
			if err := restore(); err != nil {
				errs = append(errs, errors.Wrap(err, "restore console mode"))
			} else {
				restored = true
			}
		}
		if restored {
			if err := app.Resume(); err != nil {
				errs = append(errs, errors.Wrap(err, "resume application"))
			}
		}
		if len(errs) > 0 {
			return errors.Join(errs...)
		}
		t.mu.Lock()
		t.held = false
		t.mu.Unlock()
		return nil
	})
	return &Lease{Handle: h, Console: t.console}, nil
}

// Held reports whether a lease is outstanding.
func (t *Terminal) Held() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.held
}
