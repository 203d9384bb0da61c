// Package resource provides scoped ownership of external resources:
// containers, multiplexer sessions, interactive streams and the host
// terminal mode. Every acquisition yields a Handle whose release is
// idempotent, and whose failed release is reported instead of swallowed.
package resource

import (
	"context"
	"sync"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/errors"
)

// Kind identifies what a Handle guards.
type Kind string

const (
	KindContainer   Kind = "container"
	KindMultiplexer Kind = "multiplexer"
	KindStream      Kind = "stream"
	KindTerminal    Kind = "terminal"
)

// ReleaseFunc tears the resource down. It may be called again after it
// returns an error.
type ReleaseFunc func(ctx context.Context) error

// Handle is an owned, releasable reference to an external resource.
// It is safe for concurrent use; concurrent Release calls are serialized
// and the release function runs to success at most once.
type Handle struct {
	mu       sync.Mutex
	kind     Kind
	id       string
	owner    string
	release  ReleaseFunc
	released bool
	attempts int
	lastErr  error
}

// New returns an unreleased Handle.
func New(kind Kind, id, owner string, release ReleaseFunc) *Handle {
	return &Handle{kind: kind, id: id, owner: owner, release: release}
}

// Kind returns the resource kind.
func (h *Handle) Kind() Kind { return h.kind }

// ID returns the external identifier (container id, tmux session name, ...).
func (h *Handle) ID() string { return h.id }

// Owner returns the component or session currently responsible for release.
func (h *Handle) Owner() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.owner
}

// Transfer hands responsibility for the release to newOwner.
func (h *Handle) Transfer(newOwner string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.owner = newOwner
}

// Released reports whether the resource has been successfully released.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Attempts returns the number of times the release function has run.
func (h *Handle) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

// LastError returns the error from the most recent failed release, if any.
func (h *Handle) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// Release tears the resource down. Calling it on a released handle is a
// no-op. A failed release leaves the handle unreleased so it can be retried
// and returns a *errors.LeakError.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil
	}
	h.attempts++
	var err error
	if h.release != nil {
		err = h.release(ctx)
	}
	if err != nil {
		h.lastErr = err
		return errors.NewLeakError(string(h.kind), h.id, err)
	}
	h.released = true
	h.lastErr = nil
	return nil
}
