// Package container drives the container engine that isolates each session.
//
// The Backend interface is all the rest of the runtime sees; Engine is the
// implementation that shells out to the docker or podman CLI. Containers
// created here are labelled so leftovers can be found and pruned.
package container

import (
	"context"
	"io"
)

// Labels applied to every container this package creates.
const (
	LabelManaged = "claude-box.managed"
	LabelSession = "claude-box.session"
)

// Ref identifies a running container.
type Ref struct {
	ID   string
	Name string
}

// String returns the name when set, otherwise the short id.
func (r Ref) String() string {
	if r.Name != "" {
		return r.Name
	}
	if len(r.ID) > 12 {
		return r.ID[:12]
	}
	return r.ID
}

// target is what engine commands address: the id, or the name when the id
// is not known (a create that timed out before reporting it).
func (r Ref) target() string {
	if r.ID != "" {
		return r.ID
	}
	return r.Name
}

// ImageSpec describes the container to create for a session.
type ImageSpec struct {
	Image   string
	Name    string
	Workdir string // mount point of the workspace inside the container
	Memory  string
	CPUs    string
	Env     []string
	Labels  map[string]string
}

// Output is the result of a command run to completion.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Backend is the container engine as seen by the session runtime.
//
// Errors returned by Backend methods describe engine-level failures
// (unreachable daemon, vanished container, timeout). A command that ran
// and exited non-zero is not an error: its exit code is in Output.
type Backend interface {
	// CreateAndStart creates a container with workspacePath bind-mounted at
	// spec.Workdir and starts it with an idle init process.
	CreateAndStart(ctx context.Context, workspacePath string, spec ImageSpec) (Ref, error)

	// Exec runs argv inside the container and waits for it to finish.
	Exec(ctx context.Context, ref Ref, argv []string) (Output, error)

	// StopAndRemove stops and deletes the container. A container that no
	// longer exists is treated as success.
	StopAndRemove(ctx context.Context, ref Ref) error

	// IsRunning reports whether the container exists and is running.
	IsRunning(ctx context.Context, ref Ref) bool
}

// Stream is a bidirectional byte stream to an interactive process running
// under a pseudo-terminal.
type Stream interface {
	io.ReadWriteCloser

	// Resize changes the pseudo-terminal geometry.
	Resize(cols, rows int) error
}

// Streamer is implemented by backends that can run an interactive process.
type Streamer interface {
	// ExecStream starts argv inside the container under a pseudo-terminal
	// of the given size. Closing the stream terminates the local client.
	ExecStream(ctx context.Context, ref Ref, argv []string, cols, rows int) (Stream, error)
}
