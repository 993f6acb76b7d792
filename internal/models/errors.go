package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages.
var (
	ErrValidation        = errors.New("validation failed")
	ErrDuplicateMessage  = errors.New("message identical to the previous one sent to this chat")
	ErrQueueStopped      = errors.New("delivery queue stopped")
	ErrServiceStopped    = errors.New("service stopped")
	ErrNoChoicesReturned = errors.New("no choices returned from responder")
	ErrUnknownInstance   = errors.New("unknown instance")
)

// ValidationError reports a malformed identifier or request field.
// It is returned before any state mutation and is never retried.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

// NewValidationError builds a *ValidationError.
func NewValidationError(field, value, reason string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match any *ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// TransportError wraps a failure of the chat transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ResponderErrorKind classifies responder failures for diagnostics and retry.
type ResponderErrorKind string

const (
	ResponderErrorAuth      ResponderErrorKind = "auth"
	ResponderErrorRateLimit ResponderErrorKind = "rate_limit"
	ResponderErrorNotFound  ResponderErrorKind = "not_found"
	ResponderErrorUnknown   ResponderErrorKind = "unknown"
)

// ResponderError wraps a failure from the AI responder.
type ResponderError struct {
	Kind ResponderErrorKind
	Err  error
}

func (e *ResponderError) Error() string {
	return fmt.Sprintf("responder error (%s): %v", e.Kind, e.Err)
}

func (e *ResponderError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt can succeed.
func (e *ResponderError) Retryable() bool {
	return e.Kind != ResponderErrorAuth && e.Kind != ResponderErrorNotFound
}

// PersistenceError wraps a durable store failure. It is logged and never
// blocks message delivery.
type PersistenceError struct {
	Op         string
	InstanceID string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s for instance %s: %v", e.Op, e.InstanceID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
