// Package tmux runs and talks to the tmux session that lives inside each
// session's container.
//
// Every session gets its own tmux socket ("{prefix}-{sessionID}"), so one
// session's server crashing or being killed never affects another. All
// commands are executed inside the container through container.Backend.
package tmux

import (
	"strings"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/container"
)

// Binary is the multiplexer executable expected inside the container image.
const Binary = "tmux"

// DefaultSocketPrefix is used when no prefix is configured.
const DefaultSocketPrefix = "claude-box"

// Ref identifies a multiplexer session inside a container.
type Ref struct {
	Container container.Ref
	Session   string
	Socket    string
}

// key identifies the ref in the bridge's per-session maps.
func (r Ref) key() string {
	return r.Container.ID + "/" + r.Socket + "/" + r.Session
}

// SocketName returns the per-session socket name.
func SocketName(prefix, sessionID string) string {
	if prefix == "" {
		prefix = DefaultSocketPrefix
	}
	return prefix + "-" + sessionID
}

// Argv builds a tmux command line bound to socket.
func Argv(socket string, args ...string) []string {
	argv := make([]string, 0, len(args)+3)
	argv = append(argv, Binary, "-L", socket)
	return append(argv, args...)
}

// isSessionNotFound reports whether tmux stderr says the session or its
// server is gone.
func isSessionNotFound(stderr string) bool {
	return strings.Contains(stderr, "session not found") ||
		strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "can't find session") ||
		strings.Contains(stderr, "error connecting to")
}

// isBinaryMissing reports whether exec failed because tmux is not installed.
func isBinaryMissing(out container.Output) bool {
	if out.ExitCode == container.ExitNotFound || out.ExitCode == container.ExitCannotInvoke {
		return true
	}
	lower := strings.ToLower(out.Stderr)
	return strings.Contains(lower, "executable file not found") ||
		(strings.Contains(lower, Binary) && strings.Contains(lower, "not found") && !isSessionNotFound(out.Stderr))
}
