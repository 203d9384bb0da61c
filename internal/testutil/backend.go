// Package testutil provides fakes shared by the runtime's package tests.
package testutil

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/container"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/errors"
)

// FakeBackend is an in-memory container.Backend and container.Streamer that
// understands the tmux commands the bridge issues. It records every
// acquisition and release in order so tests can check teardown ordering.
//
// Exported fields may be set before use; they are read under the lock.
type FakeBackend struct {
	mu sync.Mutex

	// CreateErr, if set, fails CreateAndStart.
	CreateErr error
	// CreateDelay is slept (honouring ctx) before CreateAndStart returns.
	CreateDelay time.Duration
	// RemoveErr, if set, fails StopAndRemove while the count is positive.
	RemoveErr      error
	RemoveFailures int
	// TmuxMissing makes every tmux command exit 127.
	TmuxMissing bool
	// KillErr, if set, fails kill-server while KillFailures is positive.
	KillErr      error
	KillFailures int
	// CaptureDelay is slept (honouring ctx) before capture-pane returns.
	CaptureDelay time.Duration
	// CaptureErr, if set, fails capture-pane at the engine level.
	CaptureErr error
	// ExitOnStart makes new-session succeed but the session vanish at once.
	ExitOnStart bool

	containers map[string]*fakeContainer
	ops        []string
	nextID     int
	captures   atomic.Int64
	streams    []*FakeStream
}

type fakeContainer struct {
	ref       container.Ref
	workspace string
	running   bool
	sessions  map[string]bool
}

// NewFakeBackend returns an empty FakeBackend.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{containers: make(map[string]*fakeContainer)}
}

var (
	_ container.Backend  = (*FakeBackend)(nil)
	_ container.Streamer = (*FakeBackend)(nil)
)

func (f *FakeBackend) record(op string) {
	f.ops = append(f.ops, op)
}

// Ops returns the recorded operations: "create:<id>", "remove:<id>",
// "tmux-start:<id>", "tmux-kill:<id>".
func (f *FakeBackend) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

// Live returns the ids of containers that exist.
func (f *FakeBackend) Live() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.containers {
		ids = append(ids, id)
	}
	return ids
}

// LiveSessions returns the number of tmux sessions across all containers.
func (f *FakeBackend) LiveSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.containers {
		n += len(c.sessions)
	}
	return n
}

// Captures returns how many capture-pane commands have run.
func (f *FakeBackend) Captures() int64 {
	return f.captures.Load()
}

// Streams returns every stream opened so far.
func (f *FakeBackend) Streams() []*FakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeStream(nil), f.streams...)
}

// KillContainer removes a container behind the runtime's back.
func (f *FakeBackend) KillContainer(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
}

// EndSessions removes every tmux session in the container, as if the
// program inside had exited.
func (f *FakeBackend) EndSessions(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.sessions = map[string]bool{}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CreateAndStart implements container.Backend.
func (f *FakeBackend) CreateAndStart(ctx context.Context, workspacePath string, spec container.ImageSpec) (container.Ref, error) {
	f.mu.Lock()
	delay, createErr := f.CreateDelay, f.CreateErr
	f.mu.Unlock()

	if err := sleepCtx(ctx, delay); err != nil {
		return container.Ref{}, err
	}
	if createErr != nil {
		return container.Ref{}, createErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	ref := container.Ref{ID: fmt.Sprintf("ctr-%d", f.nextID), Name: spec.Name}
	f.containers[ref.ID] = &fakeContainer{ref: ref, workspace: workspacePath, running: true, sessions: map[string]bool{}}
	f.record("create:" + ref.ID)
	return ref, nil
}

// StopAndRemove implements container.Backend.
func (f *FakeBackend) StopAndRemove(ctx context.Context, ref container.Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RemoveErr != nil && f.RemoveFailures > 0 {
		f.RemoveFailures--
		return f.RemoveErr
	}
	id := ref.ID
	if id == "" {
		for cid, c := range f.containers {
			if ref.Name != "" && c.ref.Name == ref.Name {
				id = cid
			}
		}
	}
	if _, ok := f.containers[id]; !ok {
		return nil
	}
	delete(f.containers, id)
	f.record("remove:" + id)
	return nil
}

// IsRunning implements container.Backend.
func (f *FakeBackend) IsRunning(ctx context.Context, ref container.Ref) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[ref.ID]
	return ok && c.running
}

// Exec implements container.Backend for the tmux subcommands the bridge uses.
func (f *FakeBackend) Exec(ctx context.Context, ref container.Ref, argv []string) (container.Output, error) {
	if err := ctx.Err(); err != nil {
		return container.Output{}, err
	}
	f.mu.Lock()
	c, ok := f.containers[ref.ID]
	if !ok {
		f.mu.Unlock()
		return container.Output{ExitCode: 1}, errors.Wrapf(errors.ErrContainerNotFound, "exec in %s", ref)
	}
	if len(argv) == 0 || argv[0] != "tmux" {
		f.mu.Unlock()
		return container.Output{}, nil
	}
	if f.TmuxMissing {
		f.mu.Unlock()
		return container.Output{ExitCode: container.ExitNotFound, Stderr: "exec: \"tmux\": executable file not found in $PATH"}, nil
	}

	args := argv
	if len(args) >= 3 && args[1] == "-L" {
		args = args[3:]
	} else {
		args = args[1:]
	}
	if len(args) == 0 {
		f.mu.Unlock()
		return container.Output{ExitCode: 1}, nil
	}
	target := flagValue(args, "-t")
	if args[0] == "new-session" {
		target = flagValue(args, "-s")
	}

	switch args[0] {
	case "new-session":
		if !f.ExitOnStart {
			c.sessions[target] = true
		}
		f.record("tmux-start:" + ref.ID)
		f.mu.Unlock()
		return container.Output{}, nil

	case "kill-session":
		_, had := c.sessions[target]
		delete(c.sessions, target)
		f.mu.Unlock()
		if !had {
			return container.Output{ExitCode: 1, Stderr: "can't find session: " + target}, nil
		}
		return container.Output{}, nil

	case "kill-server":
		if f.KillErr != nil && f.KillFailures > 0 {
			f.KillFailures--
			err := f.KillErr
			f.mu.Unlock()
			return container.Output{}, err
		}
		had := len(c.sessions) > 0
		c.sessions = map[string]bool{}
		if had {
			f.record("tmux-kill:" + ref.ID)
		}
		f.mu.Unlock()
		if !had {
			return container.Output{ExitCode: 1, Stderr: "no server running on /tmp/tmux-0/x"}, nil
		}
		return container.Output{}, nil

	case "has-session":
		alive := c.sessions[target]
		f.mu.Unlock()
		if !alive {
			return container.Output{ExitCode: 1, Stderr: "can't find session: " + target}, nil
		}
		return container.Output{}, nil

	case "capture-pane":
		alive := c.sessions[target]
		delay, captureErr := f.CaptureDelay, f.CaptureErr
		f.mu.Unlock()

		n := f.captures.Add(1)
		if err := sleepCtx(ctx, delay); err != nil {
			return container.Output{}, err
		}
		if captureErr != nil {
			return container.Output{}, captureErr
		}
		if !alive {
			return container.Output{ExitCode: 1, Stderr: "can't find session: " + target}, nil
		}
		return container.Output{Stdout: Frame(target, n)}, nil

	default:
		f.mu.Unlock()
		return container.Output{}, nil
	}
}

// Frame is the deterministic pane content returned for the nth capture.
// Each frame is a fixed-width block so tests can detect torn frames.
func Frame(session string, n int64) string {
	line := fmt.Sprintf("%s frame %08d", session, n)
	return strings.Repeat(line+"\n", 8)
}

func flagValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

// ExecStream implements container.Streamer.
func (f *FakeBackend) ExecStream(ctx context.Context, ref container.Ref, argv []string, cols, rows int) (container.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[ref.ID]; !ok {
		return nil, errors.Wrapf(errors.ErrContainerNotFound, "exec in %s", ref)
	}
	s := NewFakeStream(cols, rows)
	f.streams = append(f.streams, s)
	return s, nil
}

// FakeStream is an in-memory container.Stream. Output written by the test
// through Emit is read by the runtime; bytes the runtime writes are
// collected and exposed through Input.
type FakeStream struct {
	outR *io.PipeReader
	outW *io.PipeWriter

	mu     sync.Mutex
	input  []byte
	inCh   chan struct{}
	cols   int
	rows   int
	closed atomic.Bool
}

// NewFakeStream creates a stream with the given initial geometry.
func NewFakeStream(cols, rows int) *FakeStream {
	r, w := io.Pipe()
	return &FakeStream{outR: r, outW: w, inCh: make(chan struct{}, 1), cols: cols, rows: rows}
}

// Read returns remote output.
func (s *FakeStream) Read(p []byte) (int, error) { return s.outR.Read(p) }

// Write collects local input.
func (s *FakeStream) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	s.mu.Lock()
	s.input = append(s.input, p...)
	s.mu.Unlock()
	select {
	case s.inCh <- struct{}{}:
	default:
	}
	return len(p), nil
}

// Resize records the new geometry.
func (s *FakeStream) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cols, s.rows = cols, rows
	return nil
}

// Size returns the last geometry set.
func (s *FakeStream) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Close ends the stream from the local side.
func (s *FakeStream) Close() error {
	s.closed.Store(true)
	return s.outR.Close()
}

// Closed reports whether Close has been called.
func (s *FakeStream) Closed() bool { return s.closed.Load() }

// Emit delivers remote output to the reader.
func (s *FakeStream) Emit(p []byte) error {
	_, err := s.outW.Write(p)
	return err
}

// EndRemote simulates the remote program exiting.
func (s *FakeStream) EndRemote() {
	_ = s.outW.Close()
}

// Input returns everything written to the stream so far.
func (s *FakeStream) Input() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.input...)
}

// WaitInput blocks until the collected input contains want or the test
// times out.
func (s *FakeStream) WaitInput(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if strings.Contains(string(s.Input()), want) {
			return
		}
		select {
		case <-s.inCh:
		case <-deadline:
			t.Fatalf("timed out waiting for input %q, got %q", want, s.Input())
		}
	}
}
