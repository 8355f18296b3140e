package serde

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a serde Error.
type ErrorKind string

const (
	// KindUnregisteredType means Encode met a value with methods whose
	// type was never registered.
	KindUnregisteredType ErrorKind = "unregistered-type"

	// KindUnknownType means Decode met an envelope whose tag is not
	// registered.
	KindUnknownType ErrorKind = "unknown-type"

	// KindUnsupported means the value cannot be represented on the wire
	// (functions, channels, complex numbers, non-string map keys).
	KindUnsupported ErrorKind = "unsupported"

	// KindMismatch means an envelope or value does not fit the target type.
	KindMismatch ErrorKind = "mismatch"
)

// Sentinel errors matched by Error.Is.
var (
	ErrUnregisteredType = errors.New("serde: unregistered type")
	ErrUnknownType      = errors.New("serde: unknown type")
	ErrConflict         = errors.New("serde: conflicting registration")
)

// Error describes a serialization or deserialization failure.
type Error struct {
	Kind ErrorKind
	// Type is the Go type involved, when known.
	Type string
	// Tag is the envelope identity involved, when known.
	Tag string
	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindUnregisteredType:
		return fmt.Sprintf("serde: cannot encode value of unregistered type %s", e.Type)
	case KindUnknownType:
		return fmt.Sprintf("serde: cannot decode unknown type tag %q", e.Tag)
	}
	msg := fmt.Sprintf("serde: %s", e.Kind)
	if e.Type != "" {
		msg += " " + e.Type
	}
	if e.Tag != "" {
		msg += fmt.Sprintf(" (tag %q)", e.Tag)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnregisteredType:
		return e.Kind == KindUnregisteredType
	case ErrUnknownType:
		return e.Kind == KindUnknownType
	}
	return false
}

// UnknownTag returns the offending tag if err is an unknown-type error.
func UnknownTag(err error) (string, bool) {
	var se *Error
	if errors.As(err, &se) && se.Kind == KindUnknownType {
		return se.Tag, true
	}
	return "", false
}
