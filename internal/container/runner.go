package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/errors"
)

// Runner executes engine CLI commands. It exists so tests can substitute
// a fake for the real binary.
type Runner interface {
	// Run executes name with args to completion. err is non-nil only when
	// the command could not be run or ctx ended; a non-zero exit is
	// reported through Output.ExitCode.
	Run(ctx context.Context, name string, args []string) (Output, error)

	// StartPTY starts name with args attached to a new pseudo-terminal.
	StartPTY(ctx context.Context, name string, args []string, cols, rows int) (Stream, error)
}

// ExecRunner is the os/exec backed Runner.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args []string) (Output, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		if errors.Is(err, exec.ErrNotFound) {
			return out, errors.NewUnavailableError(name, errors.ErrEngineUnavailable)
		}
		return out, fmt.Errorf("run %s: %w", name, err)
	}
	return out, nil
}

// StartPTY implements Runner.
func (ExecRunner) StartPTY(ctx context.Context, name string, args []string, cols, rows int) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Not CommandContext: the stream outlives the call that opened it.
	cmd := exec.Command(name, args...)
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, errors.NewUnavailableError(name, errors.ErrEngineUnavailable)
		}
		return nil, fmt.Errorf("start %s under pty: %w", name, err)
	}
	return &ptyStream{file: f, cmd: cmd}, nil
}

// ptyStream is the master side of a pseudo-terminal plus the process on
// its slave side.
type ptyStream struct {
	file *os.File
	cmd  *exec.Cmd

	closeOnce sync.Once
	closeErr  error
}

// Read returns io.EOF once the slave side has gone away. Linux reports that
// as EIO on the master.
func (s *ptyStream) Read(p []byte) (int, error) {
	n, err := s.file.Read(p)
	if err != nil && errors.Is(err, syscall.EIO) {
		return n, io.EOF
	}
	return n, err
}

func (s *ptyStream) Write(p []byte) (int, error) { return s.file.Write(p) }

func (s *ptyStream) Resize(cols, rows int) error {
	return pty.Setsize(s.file, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Close closes the master and reaps the client process.
func (s *ptyStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.file.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.cmd.Wait()
	})
	return s.closeErr
}
