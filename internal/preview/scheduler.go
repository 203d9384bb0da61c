// Package preview periodically snapshots every live, unattached session's
// multiplexer pane into that session's preview buffer.
package preview

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/errors"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/event"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/logging"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/tmux"
)

// Target is one session eligible for preview.
type Target struct {
	ID  string
	Ref tmux.Ref
	// Write stores a frame in the session's preview buffer. It returns
	// false if the session stopped accepting previews, for example
	// because it was attached after the target list was taken.
	Write func(frame []byte) bool
}

// Source lists preview targets and receives persistent failures and
// exited sessions.
type Source interface {
	PreviewTargets() []Target
	ReportFailure(id string, err error)
	ReportExited(id string)
}

// Snapshotter captures a pane. It returns the last good frame alongside an
// error when a fresh capture is not possible. errors.ErrSessionExited is a
// status, not a failure: the frame is the last one the session produced.
type Snapshotter interface {
	Snapshot(ctx context.Context, ref tmux.Ref) ([]byte, error)
}

var _ Snapshotter = (*tmux.Bridge)(nil)

// Options configures a Scheduler.
type Options struct {
	Interval time.Duration
	// MaxFailures is the number of consecutive failed snapshots after
	// which the failure is reported to the Source. Timeouts do not count.
	MaxFailures int
}

// DefaultOptions returns a 100ms interval and a threshold of 5 failures.
func DefaultOptions() Options {
	return Options{Interval: 100 * time.Millisecond, MaxFailures: 5}
}

// Scheduler drives preview snapshots on a ticker.
type Scheduler struct {
	snap   Snapshotter
	source Source
	bus    *event.Bus
	logger *logging.Logger

	interval    atomic.Int64
	maxFailures int
	reset       chan struct{}

	inflight sync.Map // session id -> *atomic.Bool

	mu       sync.Mutex
	failures map[string]int
	cancel   context.CancelFunc
	loopDone chan struct{}

	snapshots conc.WaitGroup
}

// NewScheduler creates a stopped Scheduler. bus may be nil.
func NewScheduler(snap Snapshotter, source Source, bus *event.Bus, logger *logging.Logger, opts Options) *Scheduler {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = def.MaxFailures
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &Scheduler{
		snap:        snap,
		source:      source,
		bus:         bus,
		logger:      logger.WithComponent("preview"),
		maxFailures: opts.MaxFailures,
		reset:       make(chan struct{}, 1),
		failures:    make(map[string]int),
	}
	s.interval.Store(int64(opts.Interval))
	return s
}

// Interval returns the current tick interval.
func (s *Scheduler) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

// SetInterval changes the tick interval. A running loop picks it up
// immediately.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.interval.Store(int64(d))
	select {
	case s.reset <- struct{}{}:
	default:
	}
}

// Start launches the tick loop. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	go s.loop(ctx, s.loopDone)
	s.logger.Debug("preview scheduler started", "interval", s.Interval().String())
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.reset:
			ticker.Reset(s.Interval())
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Stop cancels the ticker and in-flight snapshots and waits for them to
// finish. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.loopDone
	s.cancel, s.loopDone = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.Wait()
	s.logger.Debug("preview scheduler stopped")
}

// Wait blocks until every in-flight snapshot has finished. It must not be
// called concurrently with Tick. A panicking snapshot is logged, not
// propagated.
func (s *Scheduler) Wait() {
	if r := s.snapshots.WaitAndRecover(); r != nil {
		s.logger.Error("snapshot panicked", "panic", r.String())
	}
}

// Tick starts a snapshot for every target that has none in flight and
// returns how many were started. It does not wait for them.
func (s *Scheduler) Tick(ctx context.Context) int {
	started := 0
	for _, t := range s.source.PreviewTargets() {
		flag, _ := s.inflight.LoadOrStore(t.ID, new(atomic.Bool))
		busy := flag.(*atomic.Bool)
		if !busy.CompareAndSwap(false, true) {
			continue
		}
		started++
		t := t
		s.snapshots.Go(func() {
			defer busy.Store(false)
			s.capture(ctx, t)
		})
	}
	return started
}

func (s *Scheduler) capture(ctx context.Context, t Target) {
	frame, err := s.snap.Snapshot(ctx, t.Ref)
	if len(frame) > 0 && t.Write != nil {
		t.Write(frame)
	}
	if ctx.Err() != nil {
		return
	}
	s.record(t.ID, err)
}

func (s *Scheduler) record(id string, err error) {
	switch {
	case errors.Is(err, errors.ErrSessionExited):
		s.mu.Lock()
		delete(s.failures, id)
		s.mu.Unlock()
		s.logger.Info("session program exited", "session_id", id)
		s.source.ReportExited(id)
		return
	case errors.KindOf(err) == errors.KindTimeout:
		// The stale frame was kept; the next tick retries.
		s.logger.Debug("snapshot timed out", "session_id", id, "error", err)
		return
	}

	s.mu.Lock()
	if err == nil {
		delete(s.failures, id)
		s.mu.Unlock()
		return
	}
	s.failures[id]++
	n := s.failures[id]
	report := n >= s.maxFailures
	if report {
		delete(s.failures, id)
	}
	s.mu.Unlock()

	s.logger.Debug("snapshot failed", "session_id", id, "consecutive", n, "error", err)
	if !report {
		return
	}
	s.logger.Warn("preview failing repeatedly", "session_id", id, "failures", n, "error", err)
	if s.bus != nil {
		s.bus.Publish(event.NewPreviewFailureEvent(id, n, err))
	}
	s.source.ReportFailure(id, err)
}

// Failures returns the current consecutive failure count for id.
func (s *Scheduler) Failures(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[id]
}

// Forget resets the failure count of a session that stopped or was
// deleted. The in-flight flag is kept so a snapshot still running from
// before the stop cannot overlap one for a restarted session.
func (s *Scheduler) Forget(id string) {
	s.mu.Lock()
	delete(s.failures, id)
	s.mu.Unlock()
}
