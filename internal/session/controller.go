package session

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/attach"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/config"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/container"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/errors"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/event"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/logging"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/preview"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/resource"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/tmux"
)

// Multiplexer starts and kills the multiplexer session inside a container.
type Multiplexer interface {
	Start(ctx context.Context, ctr container.Ref, sessionName, socket string, program []string, workdir string) (tmux.Ref, error)
	Kill(ctx context.Context, ref tmux.Ref) error
}

// Attacher hands the host terminal to a session.
type Attacher interface {
	Attach(ctx context.Context, target attach.Target) (attach.Result, error)
	ForceDetach(ctx context.Context, id string) error
	Attached() (string, bool)
}

var (
	_ Multiplexer    = (*tmux.Bridge)(nil)
	_ Attacher       = (*attach.Coordinator)(nil)
	_ preview.Source = (*Controller)(nil)
)

// Controller owns every session and performs all state transitions.
//
// Operations on one session are serialized: a session with an operation in
// progress rejects others with a conflict. Different sessions proceed in
// parallel. Attach does not hold the session for its duration, so Stop can
// force-detach an attached session.
type Controller struct {
	backend  container.Backend
	mux      Multiplexer
	attacher Attacher
	bus      *event.Bus
	logger   *logging.Logger
	opts     Options

	mu       sync.RWMutex
	sessions map[string]*session
	order    []string
	closed   bool

	// orphans holds leaked handles of deleted sessions.
	orphans *resource.Ledger
}

// NewController creates a Controller. attacher and bus may be nil.
func NewController(backend container.Backend, mux Multiplexer, attacher Attacher, bus *event.Bus, logger *logging.Logger, opts Options) *Controller {
	opts.applyDefaults()
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Controller{
		backend:  backend,
		mux:      mux,
		attacher: attacher,
		bus:      bus,
		logger:   logger.WithComponent("session"),
		opts:     opts,
		sessions: make(map[string]*session),
		orphans:  resource.NewLedger(),
	}
}

// -----------------------------------------------------------------------------
// Queries
// -----------------------------------------------------------------------------

// List returns every session in creation order.
func (c *Controller) List() []Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Info, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.sessions[id].info())
	}
	return out
}

// Get returns the session with the given id, display name or unique id
// prefix.
func (c *Controller) Get(idOrName string) (Info, error) {
	s, err := c.lookup(idOrName)
	if err != nil {
		return Info{}, err
	}
	return s.info(), nil
}

// Preview returns the latest preview frame of a session.
func (c *Controller) Preview(idOrName string) ([]byte, error) {
	s, err := c.lookup(idOrName)
	if err != nil {
		return nil, err
	}
	return s.preview.Bytes(), nil
}

// PreviewVersion returns a counter that changes whenever the preview of
// a session changes.
func (c *Controller) PreviewVersion(idOrName string) uint64 {
	s, err := c.lookup(idOrName)
	if err != nil {
		return 0
	}
	return s.preview.Version()
}

// Leaks returns the handles whose release failed and has not yet
// succeeded, across all sessions.
func (c *Controller) Leaks() []*resource.Handle {
	c.mu.RLock()
	list := make([]*session, 0, len(c.order))
	for _, id := range c.order {
		list = append(list, c.sessions[id])
	}
	c.mu.RUnlock()

	out := c.orphans.Outstanding()
	for _, s := range list {
		out = append(out, s.leaks.Outstanding()...)
	}
	return out
}

func (c *Controller) lookup(idOrName string) (*session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if s, ok := c.sessions[idOrName]; ok {
		return s, nil
	}
	var match *session
	for _, id := range c.order {
		s := c.sessions[id]
		if s.name == idOrName {
			return s, nil
		}
		if idOrName != "" && strings.HasPrefix(id, idOrName) {
			if match != nil {
				match = nil
				break
			}
			match = s
		}
	}
	if match != nil {
		return match, nil
	}
	return nil, errors.NewNotFoundError("session", idOrName).WithCause(errors.ErrSessionNotFound)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Create registers a new session in the Created state. No external
// resources are acquired. An empty display name defaults to the workspace
// directory name, suffixed if needed to keep names unique.
func (c *Controller) Create(displayName, workspacePath string) (string, error) {
	if strings.TrimSpace(workspacePath) == "" {
		return "", errors.NewValidationError("workspace path is required").WithField("workspace")
	}
	workspace, err := filepath.Abs(workspacePath)
	if err != nil {
		return "", errors.NewValidationError("invalid workspace path").WithField("workspace").WithValue(workspacePath).WithCause(err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", errors.NewSessionError("runtime is shutting down", errors.ErrInvalidState)
	}
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = c.uniqueNameLocked(filepath.Base(workspace))
	} else if c.nameTakenLocked(name) {
		c.mu.Unlock()
		return "", errors.NewValidationError("display name already in use").WithField("name").WithValue(name)
	}
	s := newSession(uuid.NewString(), name, workspace, c.opts.BufferSize)
	c.sessions[s.id] = s
	c.order = append(c.order, s.id)
	c.mu.Unlock()

	c.logger.Info("session created", "session_id", s.id, "name", name, "workspace", workspace)
	c.publish(event.NewSessionTransitionEvent(s.id, name, "", string(StateCreated), "created"))
	return s.id, nil
}

func (c *Controller) nameTakenLocked(name string) bool {
	for _, s := range c.sessions {
		if s.name == name {
			return true
		}
	}
	return false
}

func (c *Controller) uniqueNameLocked(base string) string {
	name := base
	for i := 2; c.nameTakenLocked(name); i++ {
		name = fmt.Sprintf("%s-%d", base, i)
	}
	return name
}

// Start acquires the container and then the multiplexer session. From
// Created or Stopped it starts fresh; from Failed it first releases
// whatever the failed run left behind. Any failure releases the partial
// resources and leaves the session Failed with the reason.
func (c *Controller) Start(ctx context.Context, idOrName string) error {
	if c.isClosed() {
		return errors.NewSessionError("runtime is shutting down", errors.ErrInvalidState)
	}
	s, err := c.begin(idOrName, "start", StateCreated, StateStopped, StateFailed)
	if err != nil {
		return err
	}
	defer s.unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()
	return c.start(ctx, s)
}

func (c *Controller) start(ctx context.Context, s *session) error {
	log := c.logger.WithSession(s.id)
	c.transition(s, StateStarting, "starting")

	if s.hasResources() || s.leaks.Len() > 0 {
		if err := c.teardown(ctx, s); err != nil {
			log.Warn("resources from the previous run were not released", "error", err)
		}
	}

	spec := c.imageSpec(s)
	ref, err := c.backend.CreateAndStart(ctx, s.workspace, spec)
	if err != nil {
		if ctx.Err() != nil {
			// The engine may have created the container before the
			// deadline; remove it by name.
			cleanup, cancel := c.cleanupContext(ctx)
			if rmErr := c.backend.StopAndRemove(cleanup, container.Ref{Name: spec.Name}); rmErr != nil {
				log.Error("failed to remove partially created container", "container", spec.Name, "error", rmErr)
			}
			cancel()
		}
		return c.fail(s, "container start failed", err)
	}
	ctrHandle := resource.New(resource.KindContainer, ref.ID, s.id, func(ctx context.Context) error {
		return c.backend.StopAndRemove(ctx, ref)
	})
	s.mu.Lock()
	s.ctrRef, s.ctrHandle = ref, ctrHandle
	s.mu.Unlock()

	muxRef, err := c.mux.Start(ctx, ref, tmuxName(s.id), tmux.SocketName(c.opts.SocketPrefix, s.id), c.opts.Program, spec.Workdir)
	if err != nil {
		cleanup, cancel := c.cleanupContext(ctx)
		if rerr := c.teardown(cleanup, s); rerr != nil {
			err = errors.Join(err, rerr)
		}
		cancel()
		return c.fail(s, "multiplexer start failed", err)
	}
	muxHandle := resource.New(resource.KindMultiplexer, muxRef.Session, s.id, func(ctx context.Context) error {
		return c.mux.Kill(ctx, muxRef)
	})
	s.mu.Lock()
	s.muxRef, s.muxHandle = muxRef, muxHandle
	s.mu.Unlock()

	s.preview.Reset()
	c.transition(s, StateRunning, "started")
	log.Info("session started", "container", ref.String(), "tmux_session", muxRef.Session)
	return nil
}

// Stop releases the session's resources: it force-detaches the session if
// attached, then releases the multiplexer and then the container. The
// session always ends Stopped once the detach succeeds; a failed release
// is logged, kept for retry on the next teardown, and returned. Stopping a
// Stopped session is a no-op.
func (c *Controller) Stop(ctx context.Context, idOrName string) error {
	s, err := c.lookup(idOrName)
	if err != nil {
		return err
	}
	if !s.tryLock() {
		return c.busyError(s, "stop")
	}
	defer s.unlock()

	switch st := s.currentState(); st {
	case StateStopped:
		return nil
	case StateRunning, StateFailed:
	default:
		return c.stateError(s, "stop", st)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()
	return c.stop(ctx, s, "stopped")
}

func (c *Controller) stop(ctx context.Context, s *session, reason string) error {
	c.transition(s, StateStopping, "stopping")

	if err := c.detach(ctx, s); err != nil {
		return c.fail(s, "force detach failed", err)
	}

	err := c.teardown(ctx, s)
	if err != nil {
		reason = "stopped with leaked resources"
	}
	c.transition(s, StateStopped, reason)
	if err != nil {
		return errors.NewSessionError("stop left resources behind", err).
			WithSessionID(s.id).
			WithState(string(StateStopped))
	}
	return nil
}

// detach ends the session's attachment, if it has one, within the detach
// timeout.
func (c *Controller) detach(ctx context.Context, s *session) error {
	if c.attacher == nil {
		return nil
	}
	id, ok := c.attacher.Attached()
	if !ok || id != s.id {
		return nil
	}
	dctx, cancel := context.WithTimeout(ctx, c.opts.DetachTimeout)
	defer cancel()
	err := c.attacher.ForceDetach(dctx, s.id)
	if errors.Is(err, errors.ErrNotAttached) {
		return nil
	}
	return err
}

// teardown retries earlier leaks, then releases the multiplexer before the
// container. Handles that fail to release move to the session's ledger.
func (c *Controller) teardown(ctx context.Context, s *session) error {
	var errs []error
	if err := s.leaks.Retry(ctx); err != nil {
		errs = append(errs, err)
	}

	s.mu.Lock()
	mux, ctr := s.muxHandle, s.ctrHandle
	s.mu.Unlock()

	if mux != nil {
		if err := mux.Release(ctx); err != nil {
			c.leak(s, mux, err)
			errs = append(errs, err)
		}
		s.mu.Lock()
		s.muxRef, s.muxHandle = tmux.Ref{}, nil
		s.mu.Unlock()
	}
	if ctr != nil {
		if err := ctr.Release(ctx); err != nil {
			c.leak(s, ctr, err)
			errs = append(errs, err)
		}
		s.mu.Lock()
		s.ctrRef, s.ctrHandle = container.Ref{}, nil
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (c *Controller) leak(s *session, h *resource.Handle, err error) {
	s.leaks.Record(h)
	c.logger.Error("resource release failed",
		"session_id", s.id,
		"kind", string(h.Kind()),
		"resource_id", h.ID(),
		"attempts", h.Attempts(),
		"error", err,
	)
	c.publish(event.NewResourceLeakEvent(s.id, string(h.Kind()), h.ID(), err))
}

// Delete stops the session if needed and removes it. Afterwards the
// session can no longer be found. Resources that could not be released
// are kept and retried at shutdown.
func (c *Controller) Delete(ctx context.Context, idOrName string) error {
	s, err := c.lookup(idOrName)
	if err != nil {
		return err
	}
	if !s.tryLock() {
		return c.busyError(s, "delete")
	}
	defer s.unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()

	var stopErr error
	switch st := s.currentState(); st {
	case StateRunning, StateFailed:
		stopErr = c.stop(ctx, s, "deleting")
		if s.currentState() != StateStopped {
			return stopErr
		}
	case StateCreated, StateStopped:
	default:
		return c.stateError(s, "delete", st)
	}

	for _, h := range s.leaks.Outstanding() {
		h.Transfer("controller")
		c.orphans.Record(h)
	}
	c.transition(s, StateDeleted, "deleted")

	c.mu.Lock()
	delete(c.sessions, s.id)
	c.order = slices.DeleteFunc(c.order, func(id string) bool { return id == s.id })
	c.mu.Unlock()
	return stopErr
}

// Attach hands the host terminal to a Running session and blocks until the
// attachment ends.
func (c *Controller) Attach(ctx context.Context, idOrName string) (attach.Result, error) {
	if c.attacher == nil {
		return attach.Result{}, errors.NewUnavailableError("terminal", errors.New("no attach coordinator"))
	}
	s, err := c.lookup(idOrName)
	if err != nil {
		return attach.Result{}, err
	}
	if !s.tryLock() {
		return attach.Result{}, c.busyError(s, "attach")
	}
	st := s.currentState()
	s.unlock()
	if st != StateRunning {
		return attach.Result{}, c.stateError(s, "attach", st)
	}
	return c.attacher.Attach(ctx, target{s: s})
}

// -----------------------------------------------------------------------------
// Preview source
// -----------------------------------------------------------------------------

// PreviewTargets returns every Running, unattached session.
func (c *Controller) PreviewTargets() []preview.Target {
	c.mu.RLock()
	list := make([]*session, 0, len(c.order))
	for _, id := range c.order {
		list = append(list, c.sessions[id])
	}
	c.mu.RUnlock()

	var targets []preview.Target
	for _, s := range list {
		s.mu.Lock()
		if s.state == StateRunning && !s.attached && s.muxHandle != nil {
			targets = append(targets, preview.Target{ID: s.id, Ref: s.muxRef, Write: previewWriter(s)})
		}
		s.mu.Unlock()
	}
	return targets
}

// previewWriter refuses frames once the session is attached or no longer
// Running.
func previewWriter(s *session) func([]byte) bool {
	return func(frame []byte) bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state != StateRunning || s.attached {
			return false
		}
		s.preview.ReplaceWith(frame)
		return true
	}
}

// ReportFailure marks a Running session Failed after its previews kept
// failing. The container is probed to give the reason. A timeout against a
// healthy container is not a failure: the session keeps its last frame and
// stays Running. Resources are left in place for Stop or a restart to
// release.
func (c *Controller) ReportFailure(id string, cause error) {
	c.failRunning(id, func(running bool) (string, bool) {
		switch {
		case !running:
			return "container is not running", true
		case errors.KindOf(cause) == errors.KindTimeout:
			c.logger.Warn("preview slow but container healthy", "session_id", id, "error", cause.Error())
			return "", false
		}
		return "preview failing: " + cause.Error(), true
	})
}

// ReportExited marks a Running session Failed because the program inside
// its multiplexer session has ended.
func (c *Controller) ReportExited(id string) {
	c.failRunning(id, func(running bool) (string, bool) {
		if !running {
			return "container is not running", true
		}
		return "program exited", true
	})
}

// failRunning probes a Running, unattached session's container and, if
// decide agrees, moves the session to Failed with the reason it returns.
func (c *Controller) failRunning(id string, decide func(containerRunning bool) (reason string, fail bool)) {
	s, err := c.lookup(id)
	if err != nil {
		return
	}
	if !s.tryLock() {
		return
	}
	defer s.unlock()

	s.mu.Lock()
	st, attached, ref := s.state, s.attached, s.ctrRef
	s.mu.Unlock()
	if st != StateRunning || attached {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ProbeTimeout)
	defer cancel()
	if reason, fail := decide(c.backend.IsRunning(ctx, ref)); fail {
		c.transition(s, StateFailed, reason)
	}
}

// -----------------------------------------------------------------------------
// Shutdown
// -----------------------------------------------------------------------------

// Shutdown force-detaches any attached session and applies the shutdown
// policy: "stop" stops every Running or Failed session concurrently,
// "persist" leaves them running. No session can be created or started
// afterwards.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	list := make([]*session, 0, len(c.order))
	for _, id := range c.order {
		list = append(list, c.sessions[id])
	}
	c.mu.Unlock()

	if c.attacher != nil {
		if id, ok := c.attacher.Attached(); ok {
			dctx, cancel := context.WithTimeout(ctx, c.opts.DetachTimeout)
			if err := c.attacher.ForceDetach(dctx, id); err != nil && !errors.Is(err, errors.ErrNotAttached) {
				c.logger.Error("force detach at shutdown failed", "session_id", id, "error", err)
			}
			cancel()
		}
	}

	var errs []error
	switch c.opts.ShutdownPolicy {
	case config.ShutdownPersist:
		for _, s := range list {
			if err := s.leaks.Retry(ctx); err != nil {
				errs = append(errs, err)
			}
			info := s.info()
			if info.Container == "" {
				continue
			}
			c.logger.Info("leaving session running",
				"session_id", info.ID,
				"name", info.DisplayName,
				"container", info.Container,
				"tmux_session", info.TmuxSession,
			)
		}
	default:
		p := pool.New().WithErrors()
		for _, s := range list {
			s := s
			p.Go(func() error { return c.shutdownSession(ctx, s) })
		}
		if err := p.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := c.orphans.Retry(ctx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		c.logger.Error("shutdown incomplete", "error", errors.Join(errs...))
	}
	return errors.Join(errs...)
}

func (c *Controller) shutdownSession(ctx context.Context, s *session) error {
	select {
	case s.op <- struct{}{}:
	case <-ctx.Done():
		return errors.NewTimeoutError("shutdown "+s.name, 0).WithCause(ctx.Err())
	}
	defer s.unlock()

	switch s.currentState() {
	case StateRunning, StateFailed:
		return c.stop(ctx, s, "shutdown")
	default:
		return s.leaks.Retry(ctx)
	}
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func (c *Controller) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// begin claims the session for op if it is in one of the allowed states.
func (c *Controller) begin(idOrName, op string, allowed ...State) (*session, error) {
	s, err := c.lookup(idOrName)
	if err != nil {
		return nil, err
	}
	if !s.tryLock() {
		return nil, c.busyError(s, op)
	}
	if st := s.currentState(); !slices.Contains(allowed, st) {
		s.unlock()
		return nil, c.stateError(s, op, st)
	}
	return s, nil
}

func (c *Controller) busyError(s *session, op string) error {
	return errors.NewConflictError(op+" "+s.name, errors.ErrSessionBusy).WithHolder(s.name)
}

func (c *Controller) stateError(s *session, op string, st State) error {
	return errors.NewSessionError(fmt.Sprintf("cannot %s a %s session", op, st), errors.ErrInvalidState).
		WithSessionID(s.id).
		WithState(string(st))
}

// fail moves s to Failed and returns the error describing why.
func (c *Controller) fail(s *session, msg string, cause error) error {
	c.transition(s, StateFailed, msg+": "+cause.Error())
	return errors.NewSessionError(msg, cause).
		WithSessionID(s.id).
		WithState(string(StateFailed))
}

func (c *Controller) transition(s *session, to State, reason string) {
	s.mu.Lock()
	from := s.state
	if !from.CanTransition(to) {
		s.mu.Unlock()
		c.logger.Error("illegal session transition",
			"session_id", s.id,
			"from", string(from),
			"to", string(to),
		)
		return
	}
	s.state = to
	s.reason = reason
	s.updatedAt = time.Now()
	s.mu.Unlock()

	c.logger.Info("session transition",
		"session_id", s.id,
		"name", s.name,
		"from", string(from),
		"to", string(to),
		"reason", reason,
	)
	c.publish(event.NewSessionTransitionEvent(s.id, s.name, string(from), string(to), reason))
}

func (c *Controller) publish(e event.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}

func (c *Controller) imageSpec(s *session) container.ImageSpec {
	spec := c.opts.Image
	spec.Name = c.opts.NamePrefix + "-" + shortID(s.id)
	spec.Env = append([]string(nil), spec.Env...)
	labels := make(map[string]string, len(spec.Labels)+1)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels[container.LabelSession] = s.id
	spec.Labels = labels
	return spec
}

// cleanupContext returns a context for releasing resources after ctx may
// already have expired.
func (c *Controller) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.opts.OpTimeout)
}

func tmuxName(id string) string {
	return "box-" + shortID(id)
}

func (s *session) hasResources() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrHandle != nil || s.muxHandle != nil
}
