package testutil

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/muesli/cancelreader"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/hostterm"
)

// Console modes reported by FakeConsole.Mode.
const (
	ModeCooked = "cooked"
	ModeRaw    = "raw"
)

// FakeConsole is an in-memory hostterm.Console. Input fed with Feed is
// delivered to whichever reader is current; output is captured.
type FakeConsole struct {
	mu       sync.Mutex
	mode     string
	cols     int
	rows     int
	rawCount int
	out      bytes.Buffer
	reader   *FakeInput
	resize   chan struct{}

	// RestoreErr, if set, fails the next restore returned by MakeRaw.
	RestoreErr error
}

var _ hostterm.Console = (*FakeConsole)(nil)

// NewFakeConsole returns a cooked console of the given size.
func NewFakeConsole(cols, rows int) *FakeConsole {
	return &FakeConsole{mode: ModeCooked, cols: cols, rows: rows, resize: make(chan struct{}, 1)}
}

// MakeRaw implements hostterm.Console.
func (c *FakeConsole) MakeRaw() (func() error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.mode
	c.mode = ModeRaw
	c.rawCount++
	return func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err := c.RestoreErr; err != nil {
			c.RestoreErr = nil
			return err
		}
		c.mode = prev
		return nil
	}, nil
}

// Mode returns the current console mode.
func (c *FakeConsole) Mode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// RawCount returns how many times raw mode was entered.
func (c *FakeConsole) RawCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rawCount
}

// Size implements hostterm.Console.
func (c *FakeConsole) Size() (int, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cols, c.rows, nil
}

// SetSize changes the geometry and signals a resize.
func (c *FakeConsole) SetSize(cols, rows int) {
	c.mu.Lock()
	c.cols, c.rows = cols, rows
	c.mu.Unlock()
	select {
	case c.resize <- struct{}{}:
	default:
	}
}

// Input implements hostterm.Console.
func (c *FakeConsole) Input() (hostterm.InputReader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, w := io.Pipe()
	c.reader = &FakeInput{r: r, w: w}
	return c.reader, nil
}

// Feed writes p to the current input reader. It blocks until the reader
// consumes it, and returns an error if no reader is open.
func (c *FakeConsole) Feed(p []byte) error {
	c.mu.Lock()
	in := c.reader
	c.mu.Unlock()
	if in == nil {
		return io.ErrClosedPipe
	}
	_, err := in.w.Write(p)
	return err
}

// Output implements hostterm.Console.
func (c *FakeConsole) Output() io.Writer {
	return consoleWriter{c}
}

// Written returns everything written to the console.
func (c *FakeConsole) Written() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

type consoleWriter struct{ c *FakeConsole }

func (w consoleWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	return w.c.out.Write(p)
}

// NotifyResize implements hostterm.Console.
func (c *FakeConsole) NotifyResize(ctx context.Context) <-chan struct{} {
	return c.resize
}

// FakeInput is a cancelable reader fed by FakeConsole.Feed.
type FakeInput struct {
	r *io.PipeReader
	w *io.PipeWriter

	once     sync.Once
	canceled bool
	mu       sync.Mutex
}

// Read implements io.Reader.
func (in *FakeInput) Read(p []byte) (int, error) {
	n, err := in.r.Read(p)
	if err != nil {
		in.mu.Lock()
		canceled := in.canceled
		in.mu.Unlock()
		if canceled {
			return n, cancelreader.ErrCanceled
		}
	}
	return n, err
}

// Cancel interrupts a pending Read.
func (in *FakeInput) Cancel() bool {
	in.mu.Lock()
	in.canceled = true
	in.mu.Unlock()
	in.once.Do(func() { _ = in.w.Close() })
	return true
}

// Close releases the reader.
func (in *FakeInput) Close() error {
	in.once.Do(func() { _ = in.w.Close() })
	return in.r.Close()
}

// FakeApp records Suspend and Resume calls.
type FakeApp struct {
	mu        sync.Mutex
	suspended bool
	calls     []string

	// SuspendErr, if set, fails Suspend.
	SuspendErr error
}

var _ hostterm.App = (*FakeApp)(nil)

// Suspend implements hostterm.App.
func (a *FakeApp) Suspend() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "suspend")
	if a.SuspendErr != nil {
		return a.SuspendErr
	}
	a.suspended = true
	return nil
}

// Resume implements hostterm.App.
func (a *FakeApp) Resume() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "resume")
	a.suspended = false
	return nil
}

// Suspended reports whether the app is currently suspended.
func (a *FakeApp) Suspended() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.suspended
}

// Calls returns the recorded calls in order.
func (a *FakeApp) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}
