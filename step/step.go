package step

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xraph/durable/serde"
)

// DefaultMaxRetries is the retry budget of a step without WithMaxRetries.
// A step therefore runs at most DefaultMaxRetries+1 times.
const DefaultMaxRetries = 3

// Ref is anything that names a step.
type Ref interface {
	StepName() string
}

// Invocation runs one attempt of a bound step and returns its result.
type Invocation func(ctx context.Context) (any, error)

// Definition is the type-erased view of a step used by the registry and
// the executor.
type Definition interface {
	Ref
	MaxRetries() int
	// Bind decodes the serialized argument and returns the attempt.
	Bind(reg *serde.Registry, input json.RawMessage) (Invocation, error)
}

// Def is a typed step: a function from A to R.
type Def[A, R any] struct {
	name       string
	fn         func(ctx context.Context, arg A) (R, error)
	maxRetries int
}

// Option configures a step definition.
type Option func(*options)

type options struct {
	maxRetries int
}

// WithMaxRetries sets how many times a failed attempt is retried. Zero
// disables retries.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// Define declares a step.
func Define[A, R any](name string, fn func(ctx context.Context, arg A) (R, error), opts ...Option) *Def[A, R] {
	o := options{maxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(&o)
	}
	return &Def[A, R]{name: name, fn: fn, maxRetries: o.maxRetries}
}

// StepName implements Ref. It is safe on a nil definition.
func (d *Def[A, R]) StepName() string {
	if d == nil {
		return ""
	}
	return d.name
}

// MaxRetries returns the retry budget.
func (d *Def[A, R]) MaxRetries() int { return d.maxRetries }

// Bind implements Definition.
func (d *Def[A, R]) Bind(reg *serde.Registry, input json.RawMessage) (Invocation, error) {
	var arg A
	if len(input) > 0 {
		if err := reg.DecodeInto(input, &arg); err != nil {
			return nil, fmt.Errorf("step %s: decode argument: %w", d.name, err)
		}
	}
	return func(ctx context.Context) (any, error) {
		return d.fn(ctx, arg)
	}, nil
}
