package durable

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoWorld     = errors.New("durable: no world configured")
	ErrWorldClosed = errors.New("durable: world closed")

	// Not found errors.
	ErrRunNotFound      = errors.New("durable: run not found")
	ErrStepNotFound     = errors.New("durable: step not found")
	ErrHookNotFound     = errors.New("durable: hook not found")
	ErrWaitNotFound     = errors.New("durable: wait not found")
	ErrWorkflowNotFound = errors.New("durable: workflow not registered")

	// Conflict errors.
	ErrRunAlreadyExists  = errors.New("durable: run already exists")
	ErrDuplicateEvent    = errors.New("durable: duplicate event")
	ErrDuplicateMessage  = errors.New("durable: duplicate idempotency key")
	ErrSequenceConflict  = errors.New("durable: event sequence conflict")
	ErrHookTokenConflict = errors.New("durable: hook token already in use")

	// State errors.
	ErrRunTerminal        = errors.New("durable: run is in a terminal state")
	ErrInvalidTransition  = errors.New("durable: invalid state transition")
	ErrMaxRetriesExceeded = errors.New("durable: max retries exceeded")

	// Run outcome errors.
	ErrRunFailed    = errors.New("durable: run failed")
	ErrRunCancelled = errors.New("durable: run cancelled")
)

// ErrorKind classifies a RuntimeError.
type ErrorKind string

// Runtime error kinds. All of them are programmer or configuration errors:
// they are surfaced immediately and never retried.
const (
	KindInvalidWorkflow   ErrorKind = "invalid-workflow"
	KindMissingDeployment ErrorKind = "missing-deployment"
	KindInvalidQueueName  ErrorKind = "invalid-queue-name"
	KindSerialization     ErrorKind = "serialization"
	KindNonDeterminism    ErrorKind = "non-determinism"
	KindWorkflowNotFound  ErrorKind = "workflow-not-found"
	KindStepNotFound      ErrorKind = "step-not-found"
	KindSpecVersion       ErrorKind = "unsupported-spec-version"
)

// RuntimeError is a fatal, non-retryable error raised by the execution core.
type RuntimeError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewRuntimeError creates a RuntimeError of the given kind.
func NewRuntimeError(kind ErrorKind, format string, args ...any) *RuntimeError {
	return &RuntimeError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *RuntimeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("durable: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("durable: %s: %s", e.Kind, e.Message)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// IsKind reports whether err is a RuntimeError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var re *RuntimeError
	return errors.As(err, &re) && re.Kind == kind
}
