package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/config"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/event"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/logging"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/session"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/testutil"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Preview.IntervalMs = 10
	cfg.Runtime.OpTimeoutMs = 5000
	cfg.Runtime.DetachTimeoutMs = 1000
	return cfg
}

func newTestRuntime(t *testing.T, cfg *config.Config, dir string) (*Runtime, *testutil.FakeBackend) {
	t.Helper()
	backend := testutil.NewFakeBackend()
	rt, err := New(cfg,
		WithBackend(backend),
		WithConsole(testutil.NewFakeConsole(120, 40)),
		WithLogger(logging.NopLogger()),
		WithStateDir(dir),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return rt, backend
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRuntime_PreviewAndShutdown(t *testing.T) {
	rt, backend := newTestRuntime(t, testConfig(), t.TempDir())
	ctx := context.Background()

	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	id, err := rt.Sessions.Create("demo", t.TempDir())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := rt.Sessions.Start(ctx, id); err != nil {
		t.Fatalf("Start(session) error = %v", err)
	}

	waitFor(t, "preview frame", func() bool {
		frame, _ := rt.Sessions.Preview(id)
		return strings.Contains(string(frame), "frame")
	})
	if backend.Captures() == 0 {
		t.Error("preview arrived without a capture-pane snapshot")
	}

	if err := rt.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if live := backend.Live(); len(live) != 0 {
		t.Errorf("containers left after shutdown: %v", live)
	}
	info, err := rt.Sessions.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if info.State != session.StateStopped {
		t.Errorf("state = %v, want stopped", info.State)
	}

	if err := rt.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestRuntime_SecondRuntimeIsLockedOut(t *testing.T) {
	dir := t.TempDir()
	first, _ := newTestRuntime(t, testConfig(), dir)
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	second, _ := newTestRuntime(t, testConfig(), dir)
	if err := second.Start(context.Background()); !errors.Is(err, ErrRuntimeLocked) {
		t.Fatalf("second Start() error = %v, want ErrRuntimeLocked", err)
	}

	if err := first.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := IsLocked(dir); ok {
		t.Error("lock still held after Shutdown")
	}

	third, _ := newTestRuntime(t, testConfig(), dir)
	if err := third.Start(context.Background()); err != nil {
		t.Fatalf("Start() after release error = %v", err)
	}
	_ = third.Shutdown(context.Background())
}

func TestRuntime_NoStateDirSkipsLock(t *testing.T) {
	rt, _ := newTestRuntime(t, testConfig(), "")
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := rt.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestRuntime_Reload(t *testing.T) {
	rt, _ := newTestRuntime(t, testConfig(), "")

	var reloaded []string
	rt.Bus.Subscribe(event.TypeConfigReloaded, func(e event.Event) {
		reloaded = append(reloaded, e.(event.ConfigReloadedEvent).Path)
	})

	cfg := testConfig()
	cfg.Preview.IntervalMs = 250
	rt.Reload("/tmp/config.yaml", cfg)

	if got := rt.Preview.Interval(); got != 250*time.Millisecond {
		t.Errorf("Interval() = %v, want 250ms", got)
	}
	if len(reloaded) != 1 || reloaded[0] != "/tmp/config.yaml" {
		t.Errorf("reload events = %v", reloaded)
	}
}

func TestRuntime_PersistPolicyLeavesSessions(t *testing.T) {
	cfg := testConfig()
	cfg.Shutdown.Policy = config.ShutdownPersist
	rt, backend := newTestRuntime(t, cfg, "")
	ctx := context.Background()

	id, err := rt.Sessions.Create("", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.Sessions.Start(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := rt.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if live := backend.Live(); len(live) != 1 {
		t.Errorf("live containers = %v, want the persisted one", live)
	}
}

func TestNewLogger_Disabled(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Enabled = false
	l, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	l.Info("discarded")
	if err := l.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestNewLogger_WritesToStateDir(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	l, err := NewLogger(config.Default())
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer l.Close()
	l.Info("hello")
}

func TestRuntime_StoppedSessionForgetsPreviewFailures(t *testing.T) {
	cfg := testConfig()
	cfg.Preview.MaxFailures = 1000
	rt, backend := newTestRuntime(t, cfg, "")
	backend.CaptureErr = errors.New("engine hiccup")
	ctx := context.Background()

	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = rt.Shutdown(ctx) }()

	id, err := rt.Sessions.Create("flaky", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.Sessions.Start(ctx, id); err != nil {
		t.Fatalf("Start(session) error = %v", err)
	}
	waitFor(t, "preview failures", func() bool { return rt.Preview.Failures(id) > 0 })

	// Stop the ticker first so no snapshot lands after the transition.
	rt.Preview.Stop()
	rt.Bus.Publish(event.NewSessionTransitionEvent(id, "flaky", "running", "stopped", ""))
	if n := rt.Preview.Failures(id); n != 0 {
		t.Errorf("Failures() after stop = %d, want 0", n)
	}
}

func TestRuntime_SlowSnapshotsKeepSessionRunning(t *testing.T) {
	cfg := testConfig()
	cfg.Preview.SnapshotTimeoutMs = 20
	cfg.Preview.MaxFailures = 3
	rt, backend := newTestRuntime(t, cfg, "")
	backend.CaptureDelay = 100 * time.Millisecond
	ctx := context.Background()

	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = rt.Shutdown(ctx) }()

	id, err := rt.Sessions.Create("slow", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.Sessions.Start(ctx, id); err != nil {
		t.Fatalf("Start(session) error = %v", err)
	}
	waitFor(t, "timed-out snapshots", func() bool { return backend.Captures() > int64(cfg.Preview.MaxFailures)+2 })

	info, err := rt.Sessions.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if info.State != session.StateRunning {
		t.Errorf("State = %s (%s), want running", info.State, info.Reason)
	}
	if n := rt.Preview.Failures(id); n != 0 {
		t.Errorf("Failures() = %d, want 0", n)
	}
}
