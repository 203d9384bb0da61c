// Package session owns the lifecycle of every session: its state machine,
// the container and multiplexer it runs in, its preview buffer and whether
// it is attached. The Controller is the only writer of session state.
package session

import (
	"sync"
	"time"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/capture"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/container"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/resource"
	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/tmux"
)

// Info is a read-only snapshot of a session.
type Info struct {
	ID            string    `json:"id"`
	DisplayName   string    `json:"display_name"`
	WorkspacePath string    `json:"workspace_path"`
	State         State     `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	Attached      bool      `json:"attached"`
	Container     string    `json:"container,omitempty"`
	TmuxSession   string    `json:"tmux_session,omitempty"`
	Leaks         int       `json:"leaks,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ShortID returns the first 8 characters of the session id.
func (i Info) ShortID() string {
	return shortID(i.ID)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

type session struct {
	id        string
	name      string
	workspace string
	createdAt time.Time

	// op is held for the duration of a lifecycle operation.
	op chan struct{}

	preview *capture.RingBuffer
	leaks   *resource.Ledger

	mu        sync.Mutex
	state     State
	reason    string
	updatedAt time.Time
	attached  bool

	ctrRef    container.Ref
	ctrHandle *resource.Handle
	muxRef    tmux.Ref
	muxHandle *resource.Handle
}

func newSession(id, name, workspace string, bufferSize int) *session {
	now := time.Now()
	return &session{
		id:        id,
		name:      name,
		workspace: workspace,
		createdAt: now,
		updatedAt: now,
		op:        make(chan struct{}, 1),
		preview:   capture.NewRingBuffer(bufferSize),
		leaks:     resource.NewLedger(),
		state:     StateCreated,
	}
}

func (s *session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:            s.id,
		DisplayName:   s.name,
		WorkspacePath: s.workspace,
		State:         s.state,
		Reason:        s.reason,
		Attached:      s.attached,
		Leaks:         s.leaks.Len(),
		CreatedAt:     s.createdAt,
		UpdatedAt:     s.updatedAt,
	}
	if s.ctrHandle != nil {
		info.Container = s.ctrRef.String()
	}
	if s.muxHandle != nil {
		info.TmuxSession = s.muxRef.Session
	}
	return info
}

func (s *session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// tryLock claims the session for an operation without waiting.
func (s *session) tryLock() bool {
	select {
	case s.op <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *session) unlock() {
	<-s.op
}

// target adapts a session to attach.Target.
type target struct {
	s *session
}

func (t target) ID() string { return t.s.id }

func (t target) Multiplexer() (tmux.Ref, bool) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.state != StateRunning || t.s.muxHandle == nil {
		return tmux.Ref{}, false
	}
	return t.s.muxRef, true
}

func (t target) SetAttached(attached bool) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.attached = attached
}
