package tmux

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/container"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/errors"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/logging"
)

// Options configures a Bridge.
type Options struct {
	Width           int
	Height          int
	HistoryLimit    int
	ScrollbackLines int
	SnapshotTimeout time.Duration
}

// DefaultOptions returns the options used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		Width:           200,
		Height:          50,
		HistoryLimit:    50000,
		ScrollbackLines: 1000,
		SnapshotTimeout: 2 * time.Second,
	}
}

// Bridge starts, observes, streams and kills tmux sessions inside
// containers. It is safe for concurrent use.
type Bridge struct {
	backend container.Backend
	opts    Options
	logger  *logging.Logger

	// Both maps hold an entry from Start until a successful Kill.
	frames  sync.Map // Ref.key() -> *atomic.Pointer[[]byte]
	streams sync.Map // Ref.key() -> *atomic.Bool
}

// NewBridge creates a Bridge executing through backend.
func NewBridge(backend container.Backend, opts Options, logger *logging.Logger) *Bridge {
	d := DefaultOptions()
	if opts.Width <= 0 {
		opts.Width = d.Width
	}
	if opts.Height <= 0 {
		opts.Height = d.Height
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = d.HistoryLimit
	}
	if opts.ScrollbackLines <= 0 {
		opts.ScrollbackLines = d.ScrollbackLines
	}
	if opts.SnapshotTimeout <= 0 {
		opts.SnapshotTimeout = d.SnapshotTimeout
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Bridge{backend: backend, opts: opts, logger: logger.WithComponent("tmux")}
}

// exec runs a tmux command inside the container. Engine-level failures
// are mapped to ResourceUnavailable; a missing tmux binary to
// ErrMultiplexerMissing.
func (b *Bridge) exec(ctx context.Context, ref Ref, args ...string) (container.Output, error) {
	out, err := b.backend.Exec(ctx, ref.Container, Argv(ref.Socket, args...))
	if err != nil {
		switch errors.KindOf(err) {
		case errors.KindTimeout, errors.KindResourceUnavailable:
			return out, err
		}
		if errors.Is(err, context.Canceled) {
			return out, err
		}
		return out, errors.NewUnavailableError("container "+ref.Container.String(), err)
	}
	if out.ExitCode != 0 && isBinaryMissing(out) {
		return out, errors.NewUnavailableError(Binary, errors.ErrMultiplexerMissing)
	}
	return out, nil
}

// Start creates a detached tmux session running program in workdir.
func (b *Bridge) Start(ctx context.Context, ctr container.Ref, sessionName, socket string, program []string, workdir string) (Ref, error) {
	if len(program) == 0 {
		return Ref{}, errors.NewValidationError("program must not be empty").WithField("program")
	}
	ref := Ref{Container: ctr, Session: sessionName, Socket: socket}
	log := b.logger.With("tmux_session", sessionName, "container", ctr.String())

	// A leftover session with the same name would make new-session fail.
	if _, err := b.exec(ctx, ref, "kill-session", "-t", sessionName); err != nil {
		return Ref{}, err
	}

	args := []string{
		"new-session", "-d",
		"-s", sessionName,
		"-x", strconv.Itoa(b.opts.Width),
		"-y", strconv.Itoa(b.opts.Height),
	}
	if workdir != "" {
		args = append(args, "-c", workdir)
	}
	args = append(args, "--")
	args = append(args, program...)

	out, err := b.exec(ctx, ref, args...)
	if err != nil {
		return Ref{}, err
	}
	if out.ExitCode != 0 {
		return Ref{}, fmt.Errorf("tmux new-session failed (exit %d): %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}

	for _, opt := range [][]string{
		{"set-option", "-t", sessionName, "history-limit", strconv.Itoa(b.opts.HistoryLimit)},
		{"set-option", "-t", sessionName, "default-terminal", "xterm-256color"},
		{"set-option", "-t", sessionName, "status", "off"},
	} {
		if out, err := b.exec(ctx, ref, opt...); err != nil || out.ExitCode != 0 {
			log.Warn("failed to set tmux option", "option", opt[3], "error", err, "stderr", out.Stderr)
		}
	}

	alive, err := b.HasSession(ctx, ref)
	if err != nil {
		return Ref{}, err
	}
	if !alive {
		return Ref{}, errors.Wrapf(errors.ErrSessionExited, "program %q exited immediately", program[0])
	}

	b.frames.Store(ref.key(), new(atomic.Pointer[[]byte]))
	log.Info("tmux session started", "program", program[0])
	return ref, nil
}

// HasSession reports whether the tmux session is still alive.
func (b *Bridge) HasSession(ctx context.Context, ref Ref) (bool, error) {
	out, err := b.exec(ctx, ref, "has-session", "-t", ref.Session)
	if err != nil {
		return false, err
	}
	return out.ExitCode == 0, nil
}

// frameSlot returns the cached frame of a started session. It is nil once
// the session has been killed.
func (b *Bridge) frameSlot(ref Ref) *atomic.Pointer[[]byte] {
	slot, ok := b.frames.Load(ref.key())
	if !ok {
		return nil
	}
	return slot.(*atomic.Pointer[[]byte])
}

// LastFrame returns the most recent successful snapshot, or nil.
func (b *Bridge) LastFrame(ref Ref) []byte {
	if slot := b.frameSlot(ref); slot != nil {
		if p := slot.Load(); p != nil {
			return *p
		}
	}
	return nil
}

// Snapshot captures the visible pane plus bounded scrollback, ANSI
// attributes included.
//
// It always returns usable data: when the capture fails, times out or the
// session has exited, the previous frame is returned together with an
// error describing why it is stale. Frames are immutable once returned and
// must not be modified by callers.
func (b *Bridge) Snapshot(ctx context.Context, ref Ref) ([]byte, error) {
	slot := b.frameSlot(ref)
	stale := func() []byte {
		if slot == nil {
			return nil
		}
		if p := slot.Load(); p != nil {
			return *p
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.opts.SnapshotTimeout)
	defer cancel()

	out, err := b.exec(ctx, ref,
		"capture-pane", "-p", "-e", "-J",
		"-t", ref.Session,
		"-S", "-"+strconv.Itoa(b.opts.ScrollbackLines))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded || errors.KindOf(err) == errors.KindTimeout {
			return stale(), errors.NewTimeoutError("capture-pane", b.opts.SnapshotTimeout).WithCause(err)
		}
		return stale(), err
	}
	if out.ExitCode != 0 {
		if isSessionNotFound(out.Stderr) {
			return stale(), errors.ErrSessionExited
		}
		return stale(), fmt.Errorf("capture-pane failed (exit %d): %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}

	frame := []byte(out.Stdout)
	// A snapshot racing Kill must not bring the killed session's slot back.
	if slot != nil {
		slot.Store(&frame)
	}
	return frame, nil
}

// OpenStream attaches a tmux client to the session under a pseudo-terminal
// and returns the stream. At most one stream per session may be open; a
// second concurrent call fails with ErrStreamAlreadyOpen.
func (b *Bridge) OpenStream(ctx context.Context, ref Ref, cols, rows int) (container.Stream, error) {
	streamer, ok := b.backend.(container.Streamer)
	if !ok {
		return nil, errors.NewUnavailableError("interactive exec", fmt.Errorf("%T cannot stream", b.backend))
	}

	flag, _ := b.streams.LoadOrStore(ref.key(), new(atomic.Bool))
	open := flag.(*atomic.Bool)
	if !open.CompareAndSwap(false, true) {
		return nil, errors.NewConflictError("open stream", errors.ErrStreamAlreadyOpen).WithHolder(ref.Session)
	}

	s, err := streamer.ExecStream(ctx, ref.Container, Argv(ref.Socket, "attach-session", "-t", ref.Session), cols, rows)
	if err != nil {
		open.Store(false)
		return nil, err
	}
	b.logger.Debug("stream opened", "tmux_session", ref.Session, "cols", cols, "rows", rows)
	return &trackedStream{Stream: s, open: open}, nil
}

// trackedStream clears the bridge's open flag when closed.
type trackedStream struct {
	container.Stream
	open *atomic.Bool
	once sync.Once
}

func (s *trackedStream) Close() error {
	err := s.Stream.Close()
	s.once.Do(func() { s.open.Store(false) })
	return err
}

// Resize sets the session window size. Failures are logged and returned
// but are not fatal to the caller.
func (b *Bridge) Resize(ctx context.Context, ref Ref, cols, rows int) error {
	out, err := b.exec(ctx, ref, "resize-window", "-t", ref.Session, "-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
	if err == nil && out.ExitCode != 0 {
		err = fmt.Errorf("resize-window failed (exit %d): %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	if err != nil {
		b.logger.Warn("resize failed", "tmux_session", ref.Session, "error", err)
	}
	return err
}

// Kill stops the session's tmux server. It is idempotent: a session,
// server or container that is already gone counts as success.
func (b *Bridge) Kill(ctx context.Context, ref Ref) error {
	out, err := b.exec(ctx, ref, "kill-server")
	if err != nil {
		if errors.Is(err, errors.ErrContainerNotFound) || errors.Is(err, errors.ErrMultiplexerMissing) {
			b.forget(ref)
			return nil
		}
		return err
	}
	if out.ExitCode != 0 && !isSessionNotFound(out.Stderr) {
		return fmt.Errorf("tmux kill-server failed (exit %d): %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	b.forget(ref)
	b.logger.Info("tmux session killed", "tmux_session", ref.Session)
	return nil
}

// forget drops the bookkeeping of a killed session.
func (b *Bridge) forget(ref Ref) {
	b.frames.Delete(ref.key())
	b.streams.Delete(ref.key())
}
