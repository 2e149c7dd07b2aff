package count

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes count errors.
type ErrorKind string

const (
	// KindValidation: malformed formula, non-numeric or negative quantity.
	KindValidation ErrorKind = "VALIDATION"

	// KindConflict: transition out of order, or the server refused the
	// write because the session is already closed.
	KindConflict ErrorKind = "CONFLICT"

	// KindTransient: timeout, connection failure or 5xx.
	KindTransient ErrorKind = "TRANSIENT_NETWORK"

	// KindStale: local snapshot older than the retention window.
	KindStale ErrorKind = "STALE_RECOVERY"

	// KindNotFound: unknown session or entry.
	KindNotFound ErrorKind = "NOT_FOUND"

	// KindEscalated: recount rounds exhausted.
	KindEscalated ErrorKind = "ESCALATED"
)

// Error is the error type surfaced to operators.
type Error struct {
	Kind      ErrorKind
	Message   string
	SessionID string
	ProductID string
	Slot      Slot

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.SessionID != "" {
		msg += fmt.Sprintf(" (session=%s", e.SessionID)
		if e.ProductID != "" {
			msg += fmt.Sprintf(", product=%s", e.ProductID)
		}
		if e.Slot != 0 {
			msg += fmt.Sprintf(", slot=%d", e.Slot)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or "" if err is not an *Error.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsConflict(err error) bool   { return KindOf(err) == KindConflict }
func IsTransient(err error) bool  { return KindOf(err) == KindTransient }
func IsStale(err error) bool      { return KindOf(err) == KindStale }
func IsNotFound(err error) bool   { return KindOf(err) == KindNotFound }
func IsEscalated(err error) bool  { return KindOf(err) == KindEscalated }

// NewValidationError creates a VALIDATION error.
func NewValidationError(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// NewConflictError creates a CONFLICT error for a session.
func NewConflictError(sessionID, message string) *Error {
	return &Error{Kind: KindConflict, Message: message, SessionID: sessionID}
}

// NewTransientError wraps a network failure.
func NewTransientError(message string, err error) *Error {
	return &Error{Kind: KindTransient, Message: message, Err: err}
}

// NewStaleError reports a snapshot that outlived the retention window.
func NewStaleError(sessionID string, age fmt.Stringer) *Error {
	return &Error{
		Kind:      KindStale,
		Message:   fmt.Sprintf("local snapshot is %s old", age),
		SessionID: sessionID,
	}
}

// NewNotFoundError reports an unknown session or entry.
func NewNotFoundError(sessionID, message string) *Error {
	return &Error{Kind: KindNotFound, Message: message, SessionID: sessionID}
}

// NewEscalatedError reports that recount rounds are exhausted.
func NewEscalatedError(sessionID string, rounds int) *Error {
	return &Error{
		Kind:      KindEscalated,
		Message:   fmt.Sprintf("disagreement persists after %d recount rounds; supervisor must force finalize or cancel", rounds),
		SessionID: sessionID,
	}
}
