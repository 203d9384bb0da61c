package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/attach"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/config"
	boxerrors "github.com/stevengonsalvez/claude-in-a-box-sub001/internal/errors"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/event"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/hostterm"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/logging"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/preview"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/testutil"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/tmux"
)

// -----------------------------------------------------------------------------
// Harness
// -----------------------------------------------------------------------------

type harness struct {
	backend *testutil.FakeBackend
	bridge  *tmux.Bridge
	console *testutil.FakeConsole
	app     *testutil.FakeApp
	coord   *attach.Coordinator
	bus     *event.Bus
	ctrl    *Controller

	mu     sync.Mutex
	events []event.Event
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.OpTimeout = 5 * time.Second
	opts.DetachTimeout = time.Second
	opts.ProbeTimeout = time.Second
	opts.BufferSize = 4096
	return opts
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		backend: testutil.NewFakeBackend(),
		console: testutil.NewFakeConsole(120, 40),
		app:     &testutil.FakeApp{},
		bus:     event.NewBus(logging.NopLogger()),
	}
	h.bus.SubscribeAll(func(e event.Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})
	h.bridge = tmux.NewBridge(h.backend, tmux.DefaultOptions(), logging.NopLogger())
	h.coord = attach.New(h.bridge, hostterm.New(h.console, h.app), h.bus, logging.NopLogger(), attach.Options{})

	opts := testOptions()
	for _, m := range mutate {
		m(&opts)
	}
	h.ctrl = NewController(h.backend, h.bridge, h.coord, h.bus, logging.NopLogger(), opts)
	return h
}

func (h *harness) transitions(id string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, e := range h.events {
		if tr, ok := e.(event.SessionTransitionEvent); ok && tr.SessionID == id {
			out = append(out, tr.To)
		}
	}
	return out
}

func (h *harness) count(eventType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e.EventType() == eventType {
			n++
		}
	}
	return n
}

func (h *harness) createRunning(t *testing.T, name string) string {
	t.Helper()
	id, err := h.ctrl.Create(name, "/tmp/ws/"+name)
	if err != nil {
		t.Fatalf("Create(%s) error = %v", name, err)
	}
	if err := h.ctrl.Start(context.Background(), id); err != nil {
		t.Fatalf("Start(%s) error = %v", name, err)
	}
	return id
}

func mustGet(t *testing.T, c *Controller, idOrName string) Info {
	t.Helper()
	info, err := c.Get(idOrName)
	if err != nil {
		t.Fatalf("Get(%q) error = %v", idOrName, err)
	}
	return info
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

// -----------------------------------------------------------------------------
// Create / query
// -----------------------------------------------------------------------------

func TestController_Create(t *testing.T) {
	h := newHarness(t)

	id, err := h.ctrl.Create("demo", "/tmp/ws")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	info := mustGet(t, h.ctrl, id)
	if info.State != StateCreated || info.DisplayName != "demo" || info.WorkspacePath != "/tmp/ws" {
		t.Errorf("Get() = %+v", info)
	}
	if info.Container != "" || info.TmuxSession != "" {
		t.Error("Created session must not hold resources")
	}
	if len(h.backend.Ops()) != 0 {
		t.Errorf("Create touched the backend: %v", h.backend.Ops())
	}
	if got := mustGet(t, h.ctrl, "demo").ID; got != id {
		t.Errorf("Get by name = %s, want %s", got, id)
	}
	if got := mustGet(t, h.ctrl, id[:8]).ID; got != id {
		t.Errorf("Get by id prefix = %s, want %s", got, id)
	}
	if tr := h.transitions(id); len(tr) != 1 || tr[0] != string(StateCreated) {
		t.Errorf("transitions = %v, want [created]", tr)
	}
}

func TestController_CreateValidation(t *testing.T) {
	h := newHarness(t)
	if _, err := h.ctrl.Create("demo", "/tmp/ws"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	tests := []struct {
		name      string
		display   string
		workspace string
	}{
		{"empty workspace", "x", ""},
		{"blank workspace", "x", "   "},
		{"duplicate name", "demo", "/tmp/other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.ctrl.Create(tt.display, tt.workspace)
			if boxerrors.KindOf(err) != boxerrors.KindInvalidRequest {
				t.Errorf("Create() error = %v, want invalid request", err)
			}
		})
	}
}

func TestController_CreateDefaultsName(t *testing.T) {
	h := newHarness(t)
	a, _ := h.ctrl.Create("", "/tmp/project")
	b, _ := h.ctrl.Create("", "/tmp/project")

	if got := mustGet(t, h.ctrl, a).DisplayName; got != "project" {
		t.Errorf("first name = %q, want project", got)
	}
	if got := mustGet(t, h.ctrl, b).DisplayName; got != "project-2" {
		t.Errorf("second name = %q, want project-2", got)
	}
	list := h.ctrl.List()
	if len(list) != 2 || list[0].ID != a || list[1].ID != b {
		t.Errorf("List() not in creation order: %+v", list)
	}
}

func TestController_GetNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.Get("nope")
	if !errors.Is(err, boxerrors.ErrSessionNotFound) {
		t.Errorf("Get() error = %v, want ErrSessionNotFound", err)
	}
	if boxerrors.KindOf(err) != boxerrors.KindInvalidRequest {
		t.Errorf("KindOf() = %v", boxerrors.KindOf(err))
	}
}

// -----------------------------------------------------------------------------
// Start / Stop
// -----------------------------------------------------------------------------

func TestController_StartStop(t *testing.T) {
	h := newHarness(t)
	id := h.createRunning(t, "demo")

	info := mustGet(t, h.ctrl, id)
	if info.State != StateRunning {
		t.Fatalf("State = %s, want running", info.State)
	}
	if info.Container == "" || info.TmuxSession == "" {
		t.Errorf("running session refs = %q / %q, want both set", info.Container, info.TmuxSession)
	}
	if !strings.HasPrefix(info.TmuxSession, "box-") {
		t.Errorf("TmuxSession = %q", info.TmuxSession)
	}

	if err := h.ctrl.Stop(context.Background(), id); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	info = mustGet(t, h.ctrl, id)
	if info.State != StateStopped || info.Container != "" || info.TmuxSession != "" {
		t.Errorf("after Stop: %+v", info)
	}
	want := []string{"create:ctr-1", "tmux-start:ctr-1", "tmux-kill:ctr-1", "remove:ctr-1"}
	if got := h.backend.Ops(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Ops() = %v, want %v", got, want)
	}
	wantStates := []string{"created", "starting", "running", "stopping", "stopped"}
	if got := h.transitions(id); strings.Join(got, ",") != strings.Join(wantStates, ",") {
		t.Errorf("transitions = %v, want %v", got, wantStates)
	}
}

func TestController_StopIdempotent(t *testing.T) {
	h := newHarness(t)
	id := h.createRunning(t, "demo")

	if err := h.ctrl.Stop(context.Background(), id); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	ops := len(h.backend.Ops())
	events := h.count(event.TypeSessionTransition)

	for i := 0; i < 3; i++ {
		if err := h.ctrl.Stop(context.Background(), id); err != nil {
			t.Fatalf("repeated Stop() error = %v", err)
		}
	}
	if got := mustGet(t, h.ctrl, id).State; got != StateStopped {
		t.Errorf("State = %s, want stopped", got)
	}
	if len(h.backend.Ops()) != ops {
		t.Errorf("repeated Stop touched the backend: %v", h.backend.Ops())
	}
	if h.count(event.TypeSessionTransition) != events {
		t.Error("repeated Stop emitted transitions")
	}
}

func TestController_StopCreatedIsInvalid(t *testing.T) {
	h := newHarness(t)
	id, _ := h.ctrl.Create("demo", "/tmp/ws")
	err := h.ctrl.Stop(context.Background(), id)
	if !errors.Is(err, boxerrors.ErrInvalidState) {
		t.Errorf("Stop() error = %v, want ErrInvalidState", err)
	}
}

func TestController_StartRunningIsInvalid(t *testing.T) {
	h := newHarness(t)
	id := h.createRunning(t, "demo")
	err := h.ctrl.Start(context.Background(), id)
	if boxerrors.KindOf(err) != boxerrors.KindInvalidRequest {
		t.Errorf("Start() on running error = %v, want invalid request", err)
	}
}

func TestController_StartWhileStartingConflicts(t *testing.T) {
	h := newHarness(t)
	h.backend.CreateDelay = 100 * time.Millisecond
	id, _ := h.ctrl.Create("demo", "/tmp/ws")

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Start(context.Background(), id) }()
	eventually(t, func() bool { return mustGet(t, h.ctrl, id).State == StateStarting }, "starting")

	err := h.ctrl.Start(context.Background(), id)
	if !errors.Is(err, boxerrors.ErrSessionBusy) || boxerrors.KindOf(err) != boxerrors.KindConflict {
		t.Errorf("concurrent Start() error = %v, want busy conflict", err)
	}
	if err := h.ctrl.Stop(context.Background(), id); boxerrors.KindOf(err) != boxerrors.KindConflict {
		t.Errorf("Stop() during start error = %v, want conflict", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	if got := mustGet(t, h.ctrl, id).State; got != StateRunning {
		t.Errorf("State = %s, want running", got)
	}
}

func TestController_SessionsStartInParallel(t *testing.T) {
	h := newHarness(t)
	h.backend.CreateDelay = 100 * time.Millisecond

	var ids []string
	for i := 0; i < 4; i++ {
		id, _ := h.ctrl.Create(fmt.Sprintf("s%d", i), "/tmp/ws")
		ids = append(ids, id)
	}
	start := time.Now()
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := h.ctrl.Start(context.Background(), id); err != nil {
				t.Errorf("Start() error = %v", err)
			}
		}(id)
	}
	wg.Wait()
	if elapsed := time.Since(start); elapsed > 350*time.Millisecond {
		t.Errorf("4 starts took %v; sessions are not independent", elapsed)
	}
}

func TestController_MissingMultiplexerFailsAndReleasesContainer(t *testing.T) {
	h := newHarness(t)
	h.backend.TmuxMissing = true
	id, _ := h.ctrl.Create("demo", "/tmp/ws")

	err := h.ctrl.Start(context.Background(), id)
	if !errors.Is(err, boxerrors.ErrMultiplexerMissing) {
		t.Fatalf("Start() error = %v, want ErrMultiplexerMissing", err)
	}
	if boxerrors.KindOf(err) != boxerrors.KindResourceUnavailable {
		t.Errorf("KindOf() = %v, want resource unavailable", boxerrors.KindOf(err))
	}
	info := mustGet(t, h.ctrl, id)
	if info.State != StateFailed {
		t.Errorf("State = %s, want failed", info.State)
	}
	if !strings.Contains(info.Reason, "multiplexer") {
		t.Errorf("Reason = %q", info.Reason)
	}
	if live := h.backend.Live(); len(live) != 0 {
		t.Errorf("leaked containers: %v", live)
	}
	want := []string{"create:ctr-1", "remove:ctr-1"}
	if got := h.backend.Ops(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Ops() = %v, want %v", got, want)
	}

	// Retry from Failed once the image is fixed.
	h.backend.TmuxMissing = false
	if err := h.ctrl.Start(context.Background(), id); err != nil {
		t.Fatalf("restart from failed: %v", err)
	}
	if got := mustGet(t, h.ctrl, id).State; got != StateRunning {
		t.Errorf("State = %s, want running", got)
	}
}

func TestController_ContainerCreateFailure(t *testing.T) {
	h := newHarness(t)
	h.backend.CreateErr = boxerrors.NewUnavailableError("docker", boxerrors.ErrEngineUnavailable)
	id, _ := h.ctrl.Create("demo", "/tmp/ws")

	err := h.ctrl.Start(context.Background(), id)
	if !errors.Is(err, boxerrors.ErrEngineUnavailable) {
		t.Fatalf("Start() error = %v", err)
	}
	if got := mustGet(t, h.ctrl, id).State; got != StateFailed {
		t.Errorf("State = %s, want failed", got)
	}
	if len(h.backend.Ops()) != 0 {
		t.Errorf("Ops() = %v, want none", h.backend.Ops())
	}
}

func TestController_StartTimeout(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.OpTimeout = 30 * time.Millisecond })
	h.backend.CreateDelay = time.Second
	id, _ := h.ctrl.Create("demo", "/tmp/ws")

	err := h.ctrl.Start(context.Background(), id)
	if boxerrors.KindOf(err) != boxerrors.KindTimeout {
		t.Errorf("Start() error = %v, want timeout", err)
	}
	if got := mustGet(t, h.ctrl, id).State; got != StateFailed {
		t.Errorf("State = %s, want failed", got)
	}
}

func TestController_StopLeakIsRetried(t *testing.T) {
	h := newHarness(t)
	id := h.createRunning(t, "demo")
	ctr := mustGet(t, h.ctrl, id).Container

	h.backend.RemoveErr = errors.New("device or resource busy")
	h.backend.RemoveFailures = 1

	err := h.ctrl.Stop(context.Background(), id)
	if !errors.Is(err, boxerrors.ErrResourceLeak) {
		t.Fatalf("Stop() error = %v, want leak", err)
	}
	info := mustGet(t, h.ctrl, id)
	if info.State != StateStopped {
		t.Errorf("State = %s, want stopped despite the leak", info.State)
	}
	if info.Leaks != 1 || len(h.ctrl.Leaks()) != 1 {
		t.Errorf("Leaks = %d, want 1", info.Leaks)
	}
	if h.count(event.TypeResourceLeak) != 1 {
		t.Errorf("leak events = %d, want 1", h.count(event.TypeResourceLeak))
	}
	if len(h.backend.Live()) != 1 {
		t.Fatalf("container %s should still exist", ctr)
	}

	// The next teardown retries the leaked release first.
	if err := h.ctrl.Start(context.Background(), id); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := h.ctrl.Stop(context.Background(), id); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if live := h.backend.Live(); len(live) != 0 {
		t.Errorf("Live() = %v, want none", live)
	}
	if got := mustGet(t, h.ctrl, id).Leaks; got != 0 {
		t.Errorf("Leaks = %d, want 0", got)
	}
}

// -----------------------------------------------------------------------------
// Delete
// -----------------------------------------------------------------------------

func TestController_DeleteRunning(t *testing.T) {
	h := newHarness(t)
	id := h.createRunning(t, "demo")

	if err := h.ctrl.Delete(context.Background(), "demo"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := h.ctrl.Get("demo"); !errors.Is(err, boxerrors.ErrSessionNotFound) {
		t.Errorf("Get() after delete error = %v, want not found", err)
	}
	if len(h.backend.Live()) != 0 {
		t.Error("delete left the container running")
	}
	tr := h.transitions(id)
	if tr[len(tr)-1] != string(StateDeleted) || tr[len(tr)-2] != string(StateStopped) {
		t.Errorf("transitions = %v, want ... stopped, deleted", tr)
	}
	if len(h.ctrl.List()) != 0 {
		t.Error("List() still contains the deleted session")
	}
	// The name is free again.
	if _, err := h.ctrl.Create("demo", "/tmp/ws"); err != nil {
		t.Errorf("Create() reusing name error = %v", err)
	}
}

func TestController_DeleteCreated(t *testing.T) {
	h := newHarness(t)
	id, _ := h.ctrl.Create("demo", "/tmp/ws")
	if err := h.ctrl.Delete(context.Background(), id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if len(h.backend.Ops()) != 0 {
		t.Errorf("Ops() = %v", h.backend.Ops())
	}
}

// -----------------------------------------------------------------------------
// Attach
// -----------------------------------------------------------------------------

func TestController_AttachRequiresRunning(t *testing.T) {
	h := newHarness(t)
	id, _ := h.ctrl.Create("demo", "/tmp/ws")
	_, err := h.ctrl.Attach(context.Background(), id)
	if !errors.Is(err, boxerrors.ErrInvalidState) {
		t.Errorf("Attach() error = %v, want ErrInvalidState", err)
	}
	if h.console.RawCount() != 0 {
		t.Error("console touched for an invalid attach")
	}
}

func TestController_StopForceDetaches(t *testing.T) {
	h := newHarness(t)
	id := h.createRunning(t, "demo")

	done := make(chan attach.Result, 1)
	go func() {
		res, err := h.ctrl.Attach(context.Background(), id)
		if err != nil {
			t.Errorf("Attach() error = %v", err)
		}
		done <- res
	}()
	eventually(t, func() bool { return mustGet(t, h.ctrl, id).Attached }, "attached")

	if err := h.ctrl.Stop(context.Background(), id); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	info := mustGet(t, h.ctrl, id)
	if info.State != StateStopped || info.Attached {
		t.Errorf("after Stop: state=%s attached=%v", info.State, info.Attached)
	}
	if h.console.Mode() != testutil.ModeCooked || h.app.Suspended() {
		t.Errorf("terminal not restored: mode=%s suspended=%v", h.console.Mode(), h.app.Suspended())
	}
	select {
	case res := <-done:
		if res.Reason != attach.ReasonForced {
			t.Errorf("Reason = %s, want forced", res.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Attach did not return")
	}
	// Detach happened before any resource was released.
	ops := h.backend.Ops()
	if ops[len(ops)-2] != "tmux-kill:ctr-1" || ops[len(ops)-1] != "remove:ctr-1" {
		t.Errorf("Ops() = %v", ops)
	}
}

// stuckAttacher never finishes detaching.
type stuckAttacher struct{ id string }

func (s stuckAttacher) Attach(context.Context, attach.Target) (attach.Result, error) {
	return attach.Result{}, nil
}
func (s stuckAttacher) Attached() (string, bool) { return s.id, true }
func (s stuckAttacher) ForceDetach(ctx context.Context, id string) error {
	<-ctx.Done()
	return boxerrors.NewTimeoutError("force detach", 0).WithCause(ctx.Err())
}

func TestController_ForceDetachTimeoutFails(t *testing.T) {
	h := newHarness(t)
	id := h.createRunning(t, "demo")
	h.ctrl.attacher = stuckAttacher{id: id}
	h.ctrl.opts.DetachTimeout = 20 * time.Millisecond

	err := h.ctrl.Stop(context.Background(), id)
	if boxerrors.KindOf(err) != boxerrors.KindTimeout {
		t.Fatalf("Stop() error = %v, want timeout", err)
	}
	info := mustGet(t, h.ctrl, id)
	if info.State != StateFailed {
		t.Errorf("State = %s, want failed", info.State)
	}
	if info.Container == "" || info.TmuxSession == "" || len(h.backend.Live()) != 1 {
		t.Error("resources must stay intact when the detach cannot complete")
	}
}

// -----------------------------------------------------------------------------
// Preview
// -----------------------------------------------------------------------------

func TestController_PreviewTargets(t *testing.T) {
	h := newHarness(t)
	running := h.createRunning(t, "running")
	if _, err := h.ctrl.Create("idle", "/tmp/idle"); err != nil {
		t.Fatal(err)
	}

	targets := h.ctrl.PreviewTargets()
	if len(targets) != 1 || targets[0].ID != running {
		t.Fatalf("PreviewTargets() = %+v, want only the running session", targets)
	}

	sched := preview.NewScheduler(h.bridge, h.ctrl, nil, logging.NopLogger(), preview.Options{})
	sched.Tick(context.Background())
	sched.Wait()

	frame, err := h.ctrl.Preview("running")
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if !strings.Contains(string(frame), "box-") {
		t.Errorf("Preview() = %q", frame)
	}
	if h.ctrl.PreviewVersion(running) == 0 {
		t.Error("PreviewVersion() = 0 after a frame")
	}

	// While attached the session is excluded and its writer refuses.
	write := targets[0].Write
	target{s: mustSession(t, h.ctrl, running)}.SetAttached(true)
	if len(h.ctrl.PreviewTargets()) != 0 {
		t.Error("attached session offered for preview")
	}
	if write([]byte("late frame")) {
		t.Error("writer accepted a frame for an attached session")
	}
}

func mustSession(t *testing.T, c *Controller, id string) *session {
	t.Helper()
	s, err := c.lookup(id)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestController_ReportFailureProbesContainer(t *testing.T) {
	h := newHarness(t)
	id := h.createRunning(t, "demo")
	h.backend.KillContainer("ctr-1")

	h.ctrl.ReportFailure(id, boxerrors.ErrSessionExited)
	info := mustGet(t, h.ctrl, id)
	if info.State != StateFailed || info.Reason != "container is not running" {
		t.Errorf("after ReportFailure: state=%s reason=%q", info.State, info.Reason)
	}

	// Stop from Failed cleans up what is left.
	if err := h.ctrl.Stop(context.Background(), id); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := mustGet(t, h.ctrl, id).State; got != StateStopped {
		t.Errorf("State = %s, want stopped", got)
	}
}

func TestController_ReportExited(t *testing.T) {
	h := newHarness(t)
	id := h.createRunning(t, "demo")
	h.backend.EndSessions("ctr-1")

	h.ctrl.ReportExited(id)
	info := mustGet(t, h.ctrl, id)
	if info.State != StateFailed || info.Reason != "program exited" {
		t.Errorf("after ReportExited: state=%s reason=%q", info.State, info.Reason)
	}
}

func TestController_ReportFailureTimeoutKeepsHealthySession(t *testing.T) {
	h := newHarness(t)
	id := h.createRunning(t, "demo")

	h.ctrl.ReportFailure(id, boxerrors.NewTimeoutError("capture-pane", 20*time.Millisecond))
	if got := mustGet(t, h.ctrl, id).State; got != StateRunning {
		t.Errorf("State after timeout = %s, want running", got)
	}

	// A timeout from a dead container still fails the session.
	h.backend.KillContainer("ctr-1")
	h.ctrl.ReportFailure(id, boxerrors.NewTimeoutError("capture-pane", 20*time.Millisecond))
	info := mustGet(t, h.ctrl, id)
	if info.State != StateFailed || info.Reason != "container is not running" {
		t.Errorf("after ReportFailure: state=%s reason=%q", info.State, info.Reason)
	}
}

func TestController_ReportFailureOtherErrors(t *testing.T) {
	h := newHarness(t)
	id := h.createRunning(t, "demo")

	h.ctrl.ReportFailure(id, errors.New("capture-pane failed (exit 1)"))
	info := mustGet(t, h.ctrl, id)
	if info.State != StateFailed || !strings.HasPrefix(info.Reason, "preview failing: ") {
		t.Errorf("after ReportFailure: state=%s reason=%q", info.State, info.Reason)
	}
}

// -----------------------------------------------------------------------------
// Shutdown
// -----------------------------------------------------------------------------

func TestController_ShutdownStop(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.createRunning(t, fmt.Sprintf("s%d", i))
	}
	if _, err := h.ctrl.Create("idle", "/tmp/idle"); err != nil {
		t.Fatal(err)
	}

	if err := h.ctrl.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	for _, info := range h.ctrl.List() {
		if info.DisplayName == "idle" {
			if info.State != StateCreated {
				t.Errorf("idle session state = %s", info.State)
			}
			continue
		}
		if info.State != StateStopped {
			t.Errorf("%s state = %s, want stopped", info.DisplayName, info.State)
		}
	}
	if live := h.backend.Live(); len(live) != 0 {
		t.Errorf("Live() = %v after shutdown", live)
	}
	if _, err := h.ctrl.Create("late", "/tmp/late"); !errors.Is(err, boxerrors.ErrInvalidState) {
		t.Errorf("Create() after shutdown error = %v", err)
	}
}

func TestController_ShutdownPersist(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ShutdownPolicy = config.ShutdownPersist })
	id := h.createRunning(t, "demo")

	if err := h.ctrl.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := mustGet(t, h.ctrl, id).State; got != StateRunning {
		t.Errorf("State = %s, want running", got)
	}
	if len(h.backend.Live()) != 1 || h.backend.LiveSessions() != 1 {
		t.Error("persist policy must leave the container and tmux session running")
	}
}

func TestController_ShutdownForceDetaches(t *testing.T) {
	h := newHarness(t)
	id := h.createRunning(t, "demo")

	go func() { _, _ = h.ctrl.Attach(context.Background(), id) }()
	eventually(t, func() bool { return mustGet(t, h.ctrl, id).Attached }, "attached")

	if err := h.ctrl.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if h.console.Mode() != testutil.ModeCooked {
		t.Error("terminal left raw after shutdown")
	}
	if _, ok := h.coord.Attached(); ok {
		t.Error("still attached after shutdown")
	}
}

// -----------------------------------------------------------------------------
// Scenarios
// -----------------------------------------------------------------------------

func TestController_DemoScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.ctrl.Create("demo", "/tmp/ws")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := h.ctrl.Start(ctx, "demo"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	info := mustGet(t, h.ctrl, "demo")
	if info.State != StateRunning || info.Container == "" || info.TmuxSession == "" {
		t.Fatalf("after Start: %+v", info)
	}

	done := make(chan attach.Result, 1)
	go func() {
		res, err := h.ctrl.Attach(ctx, "demo")
		if err != nil {
			t.Errorf("Attach() error = %v", err)
		}
		done <- res
	}()
	eventually(t, func() bool { return mustGet(t, h.ctrl, id).Attached }, "attached")

	stream := h.backend.Streams()[0]
	if err := h.console.Feed([]byte("echo hi\n")); err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	stream.WaitInput(t, "echo hi\n")
	if err := stream.Emit([]byte("echo hi\r\nhi\r\n$ ")); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	eventually(t, func() bool { return strings.Contains(h.console.Written(), "hi\r\n") }, "output forwarded")

	if err := h.console.Feed([]byte{attach.DefaultDetachKey}); err != nil {
		t.Fatalf("Feed(detach) error = %v", err)
	}
	select {
	case res := <-done:
		if res.Reason != attach.ReasonDetach {
			t.Errorf("Reason = %s, want detach", res.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Attach did not return after the detach key")
	}
	info = mustGet(t, h.ctrl, "demo")
	if info.State != StateRunning || info.Attached {
		t.Errorf("after detach: state=%s attached=%v", info.State, info.Attached)
	}
	if h.console.Mode() != testutil.ModeCooked || h.app.Suspended() {
		t.Error("host terminal not restored after detach")
	}

	if err := h.ctrl.Stop(ctx, "demo"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	info = mustGet(t, h.ctrl, "demo")
	if info.State != StateStopped || info.Container != "" || info.TmuxSession != "" {
		t.Errorf("after Stop: %+v", info)
	}

	if err := h.ctrl.Delete(ctx, "demo"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := h.ctrl.Get("demo"); !errors.Is(err, boxerrors.ErrSessionNotFound) {
		t.Errorf("Get() after delete = %v, want not found", err)
	}
}

// TestController_RandomizedOrdering runs many random start/stop/delete
// sequences with injected failures and checks that every multiplexer is
// started after its container and killed before it.
func TestController_RandomizedOrdering(t *testing.T) {
	const sequences = 1000
	rng := rand.New(rand.NewSource(42))

	for seq := 0; seq < sequences; seq++ {
		h := newHarness(t)
		ids := make([]string, 3)
		for i := range ids {
			ids[i], _ = h.ctrl.Create(fmt.Sprintf("s%d", i), "/tmp/ws")
		}

		for step := 0; step < 10; step++ {
			id := ids[rng.Intn(len(ids))]
			switch rng.Intn(6) {
			case 0:
				h.backend.TmuxMissing = rng.Intn(2) == 0
			case 1:
				h.backend.RemoveErr = errors.New("busy")
				h.backend.RemoveFailures = 1
			case 2, 3:
				_ = h.ctrl.Start(context.Background(), id)
			default:
				_ = h.ctrl.Stop(context.Background(), id)
			}
			checkInvariants(t, h, seq, step)
		}

		h.backend.TmuxMissing = false
		h.backend.RemoveFailures = 0
		if err := h.ctrl.Shutdown(context.Background()); err != nil {
			t.Fatalf("seq %d: Shutdown() error = %v", seq, err)
		}
		checkOrdering(t, seq, h.backend.Ops())
		if t.Failed() {
			return
		}
	}
}

func checkInvariants(t *testing.T, h *harness, seq, step int) {
	t.Helper()
	for _, info := range h.ctrl.List() {
		switch info.State {
		case StateRunning:
			if info.Container == "" || info.TmuxSession == "" {
				t.Fatalf("seq %d step %d: running session %s missing refs", seq, step, info.DisplayName)
			}
		case StateCreated, StateStopped:
			if info.Container != "" || info.TmuxSession != "" {
				t.Fatalf("seq %d step %d: %s session %s holds refs", seq, step, info.State, info.DisplayName)
			}
		}
		if info.Attached {
			t.Fatalf("seq %d step %d: unexpected attachment", seq, step)
		}
	}
}

func checkOrdering(t *testing.T, seq int, ops []string) {
	t.Helper()
	pos := map[string]map[string]int{}
	for i, op := range ops {
		kind, id, _ := strings.Cut(op, ":")
		if pos[id] == nil {
			pos[id] = map[string]int{}
		}
		pos[id][kind] = i
	}
	for id, p := range pos {
		created, hasCreate := p["create"]
		started, hasStart := p["tmux-start"]
		killed, hasKill := p["tmux-kill"]
		removed, hasRemove := p["remove"]

		if !hasCreate {
			t.Errorf("seq %d: %s used without being created: %v", seq, id, ops)
			continue
		}
		if hasStart && started < created {
			t.Errorf("seq %d: %s multiplexer started before its container", seq, id)
		}
		if hasRemove && hasStart && !hasKill {
			t.Errorf("seq %d: %s removed with its multiplexer still running", seq, id)
		}
		if hasKill && hasRemove && killed > removed {
			t.Errorf("seq %d: %s multiplexer released after its container", seq, id)
		}
		if !hasRemove {
			t.Errorf("seq %d: %s never removed", seq, id)
		}
	}
}
