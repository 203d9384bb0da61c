// Package errors provides the error taxonomy shared by every claude-box
// component. It defines sentinel errors, a small set of typed errors that
// carry context (session id, resource kind, operation), and classification
// helpers used by the presentation layer to decide how to render a failure.
//
// # Error Kinds
//
// Every error surfaced by a session command maps onto one Kind:
//   - KindInvalidRequest: unknown session, wrong state, bad input
//   - KindResourceUnavailable: container engine or multiplexer binary missing
//   - KindTimeout: an external call exceeded its bound
//   - KindConflict: attach gate busy, session mid-transition
//   - KindResourceLeak: a release failed and the resource may still exist
//
// Use KindOf to classify an arbitrary error chain:
//
//	switch errors.KindOf(err) {
//	case errors.KindConflict:
//	    flash("busy, try again")
//	case errors.KindResourceLeak:
//	    log.Error("leaked resource", "err", err)
//	}
//
// # Usage
//
//	err := errors.NewSessionError("start failed", errors.ErrMultiplexerMissing).
//		WithSessionID(id).WithState("starting")
//
//	if errors.Is(err, errors.ErrMultiplexerMissing) { ... }
//
//	var leak *errors.LeakError
//	if errors.As(err, &leak) { ... }
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Kind is the coarse classification of a command failure.
type Kind int

const (
	// KindUnknown is returned for nil errors and errors outside the taxonomy.
	KindUnknown Kind = iota
	// KindInvalidRequest covers unknown sessions, wrong states and bad input.
	KindInvalidRequest
	// KindResourceUnavailable covers a missing engine, binary or container.
	KindResourceUnavailable
	// KindTimeout covers external calls that exceeded their bound.
	KindTimeout
	// KindConflict covers a busy attach gate or a session mid-transition.
	KindConflict
	// KindResourceLeak covers releases that failed.
	KindResourceLeak
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindResourceUnavailable:
		return "resource_unavailable"
	case KindTimeout:
		return "timeout"
	case KindConflict:
		return "conflict"
	case KindResourceLeak:
		return "resource_leak"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Session-related sentinel errors
var (
	// ErrSessionNotFound indicates that no session matches the given id or name.
	ErrSessionNotFound = New("session not found")
	// ErrInvalidState indicates the command is not valid in the session's current state.
	ErrInvalidState = New("invalid session state")
	// ErrSessionBusy indicates the session is mid-transition.
	ErrSessionBusy = New("session is busy")
	// ErrSessionExited indicates the multiplexer session inside the container is gone.
	ErrSessionExited = New("multiplexer session exited")
)

// Attach-related sentinel errors
var (
	// ErrAttachBusy indicates another session is already attached.
	ErrAttachBusy = New("another session is attached")
	// ErrStreamAlreadyOpen indicates a second interactive stream was requested
	// for a session that already has one. This is a programming error.
	ErrStreamAlreadyOpen = New("interactive stream already open")
	// ErrNotAttached indicates a detach was requested for a session that is not attached.
	ErrNotAttached = New("session is not attached")
)

// Backend-related sentinel errors
var (
	// ErrEngineUnavailable indicates the container engine binary or daemon is unreachable.
	ErrEngineUnavailable = New("container engine unavailable")
	// ErrContainerNotFound indicates the container no longer exists.
	ErrContainerNotFound = New("container not found")
	// ErrMultiplexerMissing indicates tmux is not installed in the container image.
	ErrMultiplexerMissing = New("multiplexer binary missing")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrResourceLeak indicates that releasing a resource failed.
	ErrResourceLeak = New("resource leaked")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// BoxError is the base interface for all claude-box errors.
type BoxError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the operation may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the message is safe to show the operator.
	IsUserFacing() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error {
	return e.cause
}

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) Severity() Severity {
	return e.severity
}

func (e *baseError) IsRetryable() bool {
	return e.retryable
}

func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// formatWithContext renders "prefix [k=v, ...]: message: cause".
func formatWithContext(prefix string, parts []string, message string, cause error) string {
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", prefix, strings.Join(parts, ", "))
	}
	if cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, message, cause)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}

// -----------------------------------------------------------------------------
// Domain Errors
// -----------------------------------------------------------------------------

// SessionError represents a failed lifecycle command on a session.
//
// Example:
//
//	err := errors.NewSessionError("start failed", errors.ErrMultiplexerMissing)
//	err = err.WithSessionID("abc123").WithState("starting")
//	fmt.Println(err) // "session error [session=abc123, state=starting]: start failed: multiplexer binary missing"
type SessionError struct {
	baseError
	SessionID string
	State     string
}

// NewSessionError creates a new SessionError.
func NewSessionError(message string, cause error) *SessionError {
	return &SessionError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
	}
}

// WithSessionID adds a session ID to the error context.
func (e *SessionError) WithSessionID(id string) *SessionError {
	e.SessionID = id
	return e
}

// WithState adds the session state observed when the error occurred.
func (e *SessionError) WithState(state string) *SessionError {
	e.State = state
	return e
}

// Error returns the formatted error message.
func (e *SessionError) Error() string {
	var parts []string
	if e.SessionID != "" {
		parts = append(parts, fmt.Sprintf("session=%s", e.SessionID))
	}
	if e.State != "" {
		parts = append(parts, fmt.Sprintf("state=%s", e.State))
	}
	return formatWithContext("session error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *SessionError) Is(target error) bool {
	if _, ok := target.(*SessionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// LeakError reports a resource whose release failed. The resource may still
// exist on the host or inside the container engine.
type LeakError struct {
	baseError
	ResourceKind string
	ResourceID   string
}

// NewLeakError creates a new LeakError.
func NewLeakError(kind, id string, cause error) *LeakError {
	return &LeakError{
		baseError: baseError{
			message:    "release failed",
			cause:      cause,
			severity:   SeverityCritical,
			retryable:  true,
			userFacing: true,
		},
		ResourceKind: kind,
		ResourceID:   id,
	}
}

// Error returns the formatted error message.
func (e *LeakError) Error() string {
	parts := []string{fmt.Sprintf("kind=%s", e.ResourceKind)}
	if e.ResourceID != "" {
		parts = append(parts, fmt.Sprintf("id=%s", e.ResourceID))
	}
	return formatWithContext("resource leak", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *LeakError) Is(target error) bool {
	if _, ok := target.(*LeakError); ok {
		return true
	}
	if target == ErrResourceLeak {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("session", "abc123")
//	fmt.Println(err) // "session 'abc123' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or a command issued in the wrong state.
//
// Example:
//
//	err := errors.NewValidationError("workspace path cannot be empty").WithField("workspace")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return formatWithContext("validation error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if target == ErrInvalidInput {
		return true
	}
	return e.baseError.Is(target)
}

// ConflictError reports a command rejected because something else holds
// the resource it needs: the attach gate, or a session mid-transition.
//
// Example:
//
//	err := errors.NewConflictError("attach", errors.ErrAttachBusy).WithHolder("demo")
type ConflictError struct {
	baseError
	Operation string
	Holder    string
}

// NewConflictError creates a new ConflictError.
func NewConflictError(operation string, cause error) *ConflictError {
	return &ConflictError{
		baseError: baseError{
			message:    operation,
			cause:      cause,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
	}
}

// WithHolder names whoever currently holds the contended resource.
func (e *ConflictError) WithHolder(holder string) *ConflictError {
	e.Holder = holder
	return e
}

// Error returns the formatted error message.
func (e *ConflictError) Error() string {
	var parts []string
	if e.Holder != "" {
		parts = append(parts, fmt.Sprintf("holder=%s", e.Holder))
	}
	return formatWithContext("conflict", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ConflictError) Is(target error) bool {
	if _, ok := target.(*ConflictError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// UnavailableError reports a missing external dependency: the engine binary,
// its daemon, the multiplexer binary, or a container that vanished.
type UnavailableError struct {
	baseError
	Dependency string
}

// NewUnavailableError creates a new UnavailableError.
func NewUnavailableError(dependency string, cause error) *UnavailableError {
	return &UnavailableError{
		baseError: baseError{
			message:    fmt.Sprintf("%s unavailable", dependency),
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
		Dependency: dependency,
	}
}

// Error returns the formatted error message.
func (e *UnavailableError) Error() string {
	return e.baseError.Error()
}

// Is checks if this error matches the target.
func (e *UnavailableError) Is(target error) bool {
	if _, ok := target.(*UnavailableError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("capture-pane", 2*time.Second)
//	fmt.Println(err) // "timeout error: capture-pane (timeout: 2s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if target == ErrTimeout {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// KindOf classifies err. Typed errors win over sentinels, so a SessionError
// wrapping a TimeoutError reports KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var (
		leak        *LeakError
		conflict    *ConflictError
		timeout     *TimeoutError
		unavailable *UnavailableError
		notFound    *NotFoundError
		validation  *ValidationError
	)
	switch {
	case As(err, &leak):
		return KindResourceLeak
	case As(err, &conflict):
		return KindConflict
	case As(err, &timeout):
		return KindTimeout
	case As(err, &unavailable):
		return KindResourceUnavailable
	case As(err, &notFound), As(err, &validation):
		return KindInvalidRequest
	}

	switch {
	case Is(err, ErrResourceLeak):
		return KindResourceLeak
	case Is(err, ErrAttachBusy), Is(err, ErrSessionBusy), Is(err, ErrStreamAlreadyOpen):
		return KindConflict
	case Is(err, ErrTimeout), Is(err, context.DeadlineExceeded):
		return KindTimeout
	case Is(err, ErrEngineUnavailable), Is(err, ErrMultiplexerMissing),
		Is(err, ErrContainerNotFound), Is(err, ErrSessionExited):
		return KindResourceUnavailable
	case Is(err, ErrSessionNotFound), Is(err, ErrInvalidState),
		Is(err, ErrInvalidInput), Is(err, ErrNotAttached):
		return KindInvalidRequest
	}
	return KindUnknown
}

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var boxErr BoxError
	if As(err, &boxErr) {
		return boxErr.IsRetryable()
	}

	return Is(err, ErrTimeout) || Is(err, context.DeadlineExceeded)
}

// IsUserFacing returns true if the error message is safe to display to the operator.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var boxErr BoxError
	if As(err, &boxErr) {
		return boxErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement BoxError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var boxErr BoxError
	if As(err, &boxErr) {
		return boxErr.Severity()
	}
	return SeverityError
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to stop container")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
