// Package id defines TypeID-based identifiers for runs, steps, hooks,
// waits, events, queue messages and workers.
//
// IDs are K-sortable (UUIDv7-based), globally unique and URL-safe in the
// format "prefix_suffix". They are always generated by the caller, never
// assigned by a World backend, so a run can be referenced before the call
// that creates it has returned.
package id

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

// Prefix constants for all entity types.
const (
	PrefixRun     Prefix = "wrun"
	PrefixStep    Prefix = "step"
	PrefixHook    Prefix = "hook"
	PrefixWait    Prefix = "wait"
	PrefixEvent   Prefix = "evnt"
	PrefixMessage Prefix = "msg"
	PrefixWorker  Prefix = "wkr"
	PrefixDLQ     Prefix = "dlq"
)

// ID wraps a TypeID.
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receiver for UnmarshalText.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates a new ID with the given prefix. It panics if prefix is not
// a valid TypeID prefix.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return ID{inner: tid, valid: true}
}

// Parse parses a TypeID string such as "wrun_01h2xcejqtf2nbrexx3vqjhp41".
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses s and checks that its prefix is expected.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}
	return parsed, nil
}

// NewRunID generates a new run ID.
func NewRunID() ID { return New(PrefixRun) }

// NewStepID generates a new step ID.
func NewStepID() ID { return New(PrefixStep) }

// NewHookID generates a new hook ID.
func NewHookID() ID { return New(PrefixHook) }

// NewWaitID generates a new wait ID.
func NewWaitID() ID { return New(PrefixWait) }

// NewEventID generates a new event ID.
func NewEventID() ID { return New(PrefixEvent) }

// NewMessageID generates a new queue message ID.
func NewMessageID() ID { return New(PrefixMessage) }

// NewWorkerID generates a new worker ID.
func NewWorkerID() ID { return New(PrefixWorker) }

// NewDLQID generates a new dead letter entry ID.
func NewDLQID() ID { return New(PrefixDLQ) }

// ParseRunID parses s and validates the "wrun" prefix.
func ParseRunID(s string) (ID, error) { return ParseWithPrefix(s, PrefixRun) }

// ParseStepID parses s and validates the "step" prefix.
func ParseStepID(s string) (ID, error) { return ParseWithPrefix(s, PrefixStep) }

// ParseHookID parses s and validates the "hook" prefix.
func ParseHookID(s string) (ID, error) { return ParseWithPrefix(s, PrefixHook) }

// String returns the TypeID string, or "" for Nil.
func (i ID) String() string {
	if !i.valid {
		return ""
	}
	return i.inner.String()
}

// Prefix returns the prefix component of this ID.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}
	return Prefix(i.inner.Prefix())
}

// IsNil reports whether this ID is the zero value.
func (i ID) IsNil() bool { return !i.valid }

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}
	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
