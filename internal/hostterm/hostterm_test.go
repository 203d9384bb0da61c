package hostterm_test

import (
	"context"
	"errors"
	"testing"

	boxerrors "github.com/stevengonsalvez/claude-in-a-box-sub001/internal/errors"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/hostterm"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/resource"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/testutil"
)

func TestTerminal_AcquireRelease(t *testing.T) {
	console := testutil.NewFakeConsole(80, 24)
	app := &testutil.FakeApp{}
	term := hostterm.New(console, app)

	lease, err := term.Acquire("demo")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if lease.Kind() != resource.KindTerminal {
		t.Errorf("Kind() = %v, want terminal", lease.Kind())
	}
	if console.Mode() != testutil.ModeRaw {
		t.Errorf("Mode() = %q, want raw while leased", console.Mode())
	}
	if !app.Suspended() {
		t.Error("app should be suspended while leased")
	}
	if !term.Held() {
		t.Error("Held() = false while leased")
	}

	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
	if console.Mode() != testutil.ModeCooked {
		t.Errorf("Mode() = %q, want cooked after release", console.Mode())
	}
	if app.Suspended() {
		t.Error("app should be resumed after release")
	}
	if term.Held() {
		t.Error("Held() = true after release")
	}
	calls := app.Calls()
	if len(calls) != 2 || calls[0] != "suspend" || calls[1] != "resume" {
		t.Errorf("Calls() = %v, want [suspend resume]", calls)
	}
}

func TestTerminal_AcquireWhileHeld(t *testing.T) {
	term := hostterm.New(testutil.NewFakeConsole(80, 24), nil)

	lease, err := term.Acquire("a")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer func() { _ = lease.Release(context.Background()) }()

	_, err = term.Acquire("b")
	if !errors.Is(err, boxerrors.ErrAttachBusy) {
		t.Fatalf("second Acquire() error = %v, want ErrAttachBusy", err)
	}
	if boxerrors.KindOf(err) != boxerrors.KindConflict {
		t.Errorf("KindOf() = %v, want conflict", boxerrors.KindOf(err))
	}
}

func TestTerminal_SuspendFailureLeavesConsole(t *testing.T) {
	console := testutil.NewFakeConsole(80, 24)
	app := &testutil.FakeApp{SuspendErr: errors.New("renderer busy")}
	term := hostterm.New(console, app)

	if _, err := term.Acquire("demo"); err == nil {
		t.Fatal("Acquire() should fail when the app cannot suspend")
	}
	if console.RawCount() != 0 {
		t.Error("console should not enter raw mode when suspend fails")
	}
	if term.Held() {
		t.Error("failed Acquire should not hold the terminal")
	}
}

func TestTerminal_RestoreFailureIsRetried(t *testing.T) {
	console := testutil.NewFakeConsole(80, 24)
	app := &testutil.FakeApp{}
	term := hostterm.New(console, app)

	lease, err := term.Acquire("demo")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	console.RestoreErr = errors.New("tcsetattr: EIO")

	err = lease.Release(context.Background())
	if !errors.Is(err, boxerrors.ErrResourceLeak) {
		t.Fatalf("Release() error = %v, want leak", err)
	}
	if !app.Suspended() {
		t.Error("app must not resume while the console is still raw")
	}
	if !term.Held() {
		t.Error("terminal stays held until the restore succeeds")
	}

	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("retry Release() error = %v", err)
	}
	if console.Mode() != testutil.ModeCooked || app.Suspended() {
		t.Errorf("after retry: mode=%q suspended=%v", console.Mode(), app.Suspended())
	}
}
