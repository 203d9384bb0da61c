package event

import "time"

// Event types published by the runtime.
const (
	TypeSessionTransition = "session.transition"
	TypeSessionAttached   = "session.attached"
	TypeSessionDetached   = "session.detached"
	TypeResourceLeak      = "resource.leak"
	TypePreviewFailure    = "preview.failure"
	TypeConfigReloaded    = "config.reloaded"
)

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns the "category.action" identifier of the event.
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Session Lifecycle Events
// -----------------------------------------------------------------------------

// SessionTransitionEvent is emitted on every lifecycle state change.
type SessionTransitionEvent struct {
	baseEvent
	SessionID string
	Name      string
	From      string
	To        string
	Reason    string // human-readable; set for failures and forced stops
}

// NewSessionTransitionEvent creates a SessionTransitionEvent.
func NewSessionTransitionEvent(sessionID, name, from, to, reason string) SessionTransitionEvent {
	return SessionTransitionEvent{
		baseEvent: newBaseEvent(TypeSessionTransition),
		SessionID: sessionID,
		Name:      name,
		From:      from,
		To:        to,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Attach Events
// -----------------------------------------------------------------------------

// SessionAttachedEvent is emitted once the host terminal is handed to a session.
type SessionAttachedEvent struct {
	baseEvent
	SessionID string
}

// NewSessionAttachedEvent creates a SessionAttachedEvent.
func NewSessionAttachedEvent(sessionID string) SessionAttachedEvent {
	return SessionAttachedEvent{
		baseEvent: newBaseEvent(TypeSessionAttached),
		SessionID: sessionID,
	}
}

// SessionDetachedEvent is emitted after the host terminal has been restored.
type SessionDetachedEvent struct {
	baseEvent
	SessionID string
	Reason    string // "detach", "remote-exit", "io-error", "forced", "canceled"
	Err       error
}

// NewSessionDetachedEvent creates a SessionDetachedEvent.
func NewSessionDetachedEvent(sessionID, reason string, err error) SessionDetachedEvent {
	return SessionDetachedEvent{
		baseEvent: newBaseEvent(TypeSessionDetached),
		SessionID: sessionID,
		Reason:    reason,
		Err:       err,
	}
}

// -----------------------------------------------------------------------------
// Resource Events
// -----------------------------------------------------------------------------

// ResourceLeakEvent is emitted when releasing a resource fails. The resource
// may still exist; the owner retries the release on its next teardown.
type ResourceLeakEvent struct {
	baseEvent
	SessionID    string
	ResourceKind string
	ResourceID   string
	Err          error
}

// NewResourceLeakEvent creates a ResourceLeakEvent.
func NewResourceLeakEvent(sessionID, kind, id string, err error) ResourceLeakEvent {
	return ResourceLeakEvent{
		baseEvent:    newBaseEvent(TypeResourceLeak),
		SessionID:    sessionID,
		ResourceKind: kind,
		ResourceID:   id,
		Err:          err,
	}
}

// PreviewFailureEvent is emitted when a session's snapshots keep failing.
type PreviewFailureEvent struct {
	baseEvent
	SessionID string
	Failures  int
	Err       error
}

// NewPreviewFailureEvent creates a PreviewFailureEvent.
func NewPreviewFailureEvent(sessionID string, failures int, err error) PreviewFailureEvent {
	return PreviewFailureEvent{
		baseEvent: newBaseEvent(TypePreviewFailure),
		SessionID: sessionID,
		Failures:  failures,
		Err:       err,
	}
}

// ConfigReloadedEvent is emitted after the configuration file changed on disk
// and was re-read.
type ConfigReloadedEvent struct {
	baseEvent
	Path string
	Err  error
}

// NewConfigReloadedEvent creates a ConfigReloadedEvent.
func NewConfigReloadedEvent(path string, err error) ConfigReloadedEvent {
	return ConfigReloadedEvent{
		baseEvent: newBaseEvent(TypeConfigReloaded),
		Path:      path,
		Err:       err,
	}
}
