package attach

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/muesli/cancelreader"
	"github.com/sourcegraph/conc"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/container"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/errors"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/event"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/hostterm"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/logging"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/resource"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/tmux"
)

// Reason describes why an attachment ended.
type Reason string

const (
	ReasonDetach     Reason = "detach"
	ReasonRemoteExit Reason = "remote-exit"
	ReasonIOError    Reason = "io-error"
	ReasonForced     Reason = "forced"
	ReasonCanceled   Reason = "canceled"
)

// DefaultDetachKey is Ctrl-Q.
const DefaultDetachKey byte = 0x11

var errForwarderExited = errors.New("forwarder exited unexpectedly")

// Target is the session being attached. The controller supplies it.
type Target interface {
	ID() string
	// Multiplexer returns the session's multiplexer ref, or false if the
	// session has none.
	Multiplexer() (tmux.Ref, bool)
	// SetAttached records the attachment on the session.
	SetAttached(attached bool)
}

// Streams opens interactive streams into a multiplexer session.
type Streams interface {
	OpenStream(ctx context.Context, ref tmux.Ref, cols, rows int) (container.Stream, error)
	Resize(ctx context.Context, ref tmux.Ref, cols, rows int) error
}

var _ Streams = (*tmux.Bridge)(nil)

// Options configures a Coordinator.
type Options struct {
	// DetachKey ends the attachment when typed. It is never forwarded.
	DetachKey byte
	// Cols and Rows are used when the console size cannot be read.
	Cols int
	Rows int
}

// Result reports how an attachment ended.
type Result struct {
	SessionID string
	Reason    Reason
	// Err is set when the attachment ended on an I/O failure or a
	// cancellation.
	Err      error
	Duration time.Duration
}

type attachment struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	once   sync.Once
	reason Reason
	err    error
}

func (a *attachment) stop(reason Reason, err error) {
	a.once.Do(func() {
		a.reason = reason
		a.err = err
		a.cancel()
	})
}

// Coordinator enforces that at most one session is attached at a time.
type Coordinator struct {
	streams Streams
	term    *hostterm.Terminal
	bus     *event.Bus
	logger  *logging.Logger
	opts    Options

	gate chan struct{}
	// leaks holds terminal leases whose restore failed; they are retried
	// before the next attach and on RetryLeaks.
	leaks *resource.Ledger

	mu      sync.Mutex
	current *attachment
}

// New creates a Coordinator. bus may be nil.
func New(streams Streams, term *hostterm.Terminal, bus *event.Bus, logger *logging.Logger, opts Options) *Coordinator {
	if opts.DetachKey == 0 {
		opts.DetachKey = DefaultDetachKey
	}
	if opts.Cols <= 0 {
		opts.Cols = 200
	}
	if opts.Rows <= 0 {
		opts.Rows = 50
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Coordinator{
		streams: streams,
		term:    term,
		bus:     bus,
		logger:  logger.WithComponent("attach"),
		opts:    opts,
		gate:    make(chan struct{}, 1),
		leaks:   resource.NewLedger(),
	}
}

// Leaks returns the terminal leases whose restore has not yet succeeded.
func (c *Coordinator) Leaks() []*resource.Handle {
	return c.leaks.Outstanding()
}

// RetryLeaks retries restoring every terminal lease whose earlier restore
// failed.
func (c *Coordinator) RetryLeaks(ctx context.Context) error {
	if c.leaks.Len() == 0 {
		return nil
	}
	err := c.leaks.Retry(ctx)
	if err != nil {
		c.logger.Error("terminal still not restored", "error", err)
		return err
	}
	c.logger.Info("terminal restored on retry")
	return nil
}

// Attached returns the id of the attached session, if any.
func (c *Coordinator) Attached() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return "", false
	}
	return c.current.id, true
}

// Attach hands the host terminal to target's multiplexer and blocks until
// the attachment ends. It fails immediately with a conflict if another
// session is attached. The returned error covers setup failures only; how
// an established attachment ended is reported in the Result.
func (c *Coordinator) Attach(ctx context.Context, target Target) (Result, error) {
	id := target.ID()
	select {
	case c.gate <- struct{}{}:
	default:
		holder, _ := c.Attached()
		return Result{}, errors.NewConflictError("attach "+id, errors.ErrAttachBusy).WithHolder(holder)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a := &attachment{id: id, cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.current = a
	c.mu.Unlock()

	var established bool
	started := time.Now()
	defer func() {
		cancel()
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
		close(a.done)
		<-c.gate
		if established {
			c.publish(event.NewSessionDetachedEvent(id, string(a.reason), a.err))
		}
	}()

	// A terminal left raw by a failed restore must be restored before it
	// can be handed out again.
	if err := c.RetryLeaks(ctx); err != nil {
		return Result{}, errors.Wrap(err, "restore terminal")
	}

	ref, ok := target.Multiplexer()
	if !ok {
		return Result{}, errors.NewSessionError("no multiplexer to attach to", errors.ErrInvalidState).WithSessionID(id)
	}

	var attached bool
	defer func() {
		if attached {
			target.SetAttached(false)
		}
	}()

	lease, err := c.term.Acquire(id)
	if err != nil {
		return Result{}, errors.Wrap(err, "acquire terminal")
	}
	defer c.releaseLease(ctx, id, lease)

	cols, rows := c.size(lease.Console)
	stream, err := c.streams.OpenStream(runCtx, ref, cols, rows)
	if err != nil {
		return Result{}, errors.Wrap(err, "open stream")
	}
	input, err := lease.Console.Input()
	if err != nil {
		_ = stream.Close()
		return Result{}, errors.Wrap(err, "open console input")
	}

	target.SetAttached(true)
	attached = true
	established = true
	c.publish(event.NewSessionAttachedEvent(id))
	c.logger.Info("session attached", "session_id", id, "cols", cols, "rows", rows)

	stopOnCancel := context.AfterFunc(ctx, func() {
		a.stop(ReasonCanceled, context.Cause(ctx))
	})
	defer stopOnCancel()

	var wg conc.WaitGroup
	wg.Go(func() {
		defer a.stop(ReasonIOError, errForwarderExited)
		c.forwardInput(a, input, stream)
	})
	wg.Go(func() {
		defer a.stop(ReasonIOError, errForwarderExited)
		c.forwardOutput(a, stream, lease.Console.Output())
	})
	wg.Go(func() {
		c.watchResize(runCtx, ref, lease.Console, stream)
	})

	<-runCtx.Done()
	input.Cancel()
	if err := stream.Close(); err != nil {
		c.logger.Debug("stream close", "session_id", id, "error", err)
	}
	if r := wg.WaitAndRecover(); r != nil {
		c.logger.Error("attach forwarder panicked", "session_id", id, "panic", r.String())
		a.stop(ReasonIOError, r.AsError())
	}
	if err := input.Close(); err != nil {
		c.logger.Debug("input close", "session_id", id, "error", err)
	}

	res := Result{SessionID: id, Reason: a.reason, Err: a.err, Duration: time.Since(started)}
	c.logger.Info("session detached",
		"session_id", id,
		"reason", string(res.Reason),
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

// ForceDetach ends the attachment of session id and waits until the
// terminal has been restored and the gate released, or ctx ends. It returns
// errors.ErrNotAttached if id is not attached.
func (c *Coordinator) ForceDetach(ctx context.Context, id string) error {
	c.mu.Lock()
	a := c.current
	c.mu.Unlock()
	if a == nil || a.id != id {
		return errors.ErrNotAttached
	}

	a.stop(ReasonForced, nil)
	select {
	case <-a.done:
		// A failed restore is logged by RetryLeaks and must not keep the
		// session from stopping.
		_ = c.RetryLeaks(ctx)
		return nil
	case <-ctx.Done():
		return errors.NewTimeoutError("force detach "+id, 0).WithCause(ctx.Err())
	}
}

func (c *Coordinator) forwardInput(a *attachment, in io.Reader, out io.Writer) {
	buf := make([]byte, 1024)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			idx := bytes.IndexByte(chunk, c.opts.DetachKey)
			if idx >= 0 {
				chunk = chunk[:idx]
			}
			if len(chunk) > 0 {
				if _, werr := out.Write(chunk); werr != nil {
					a.stop(ReasonIOError, errors.Wrap(werr, "write to session"))
					return
				}
			}
			if idx >= 0 {
				a.stop(ReasonDetach, nil)
				return
			}
		}
		if err != nil {
			if errors.Is(err, cancelreader.ErrCanceled) {
				return
			}
			a.stop(ReasonIOError, errors.Wrap(err, "read console"))
			return
		}
	}
}

func (c *Coordinator) forwardOutput(a *attachment, in io.Reader, out io.Writer) {
	_, err := io.Copy(out, in)
	if err == nil {
		a.stop(ReasonRemoteExit, nil)
		return
	}
	a.stop(ReasonIOError, errors.Wrap(err, "read session"))
}

func (c *Coordinator) watchResize(ctx context.Context, ref tmux.Ref, console hostterm.Console, stream container.Stream) {
	resized := console.NotifyResize(ctx)
	if resized == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-resized:
			cols, rows := c.size(console)
			if err := stream.Resize(cols, rows); err != nil {
				c.logger.Debug("stream resize failed", "error", err)
			}
			_ = c.streams.Resize(ctx, ref, cols, rows)
		}
	}
}

func (c *Coordinator) size(console hostterm.Console) (int, int) {
	cols, rows, err := console.Size()
	if err != nil || cols <= 0 || rows <= 0 {
		return c.opts.Cols, c.opts.Rows
	}
	return cols, rows
}

func (c *Coordinator) releaseLease(ctx context.Context, id string, lease *hostterm.Lease) {
	if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
		c.leaks.Record(lease.Handle)
		c.logger.Error("failed to restore terminal", "session_id", id, "error", err)
		c.publish(event.NewResourceLeakEvent(id, string(lease.Kind()), lease.ID(), err))
	}
}

func (c *Coordinator) publish(e event.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}
