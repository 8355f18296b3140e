package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/xraph/durable"
	"github.com/xraph/durable/serde"
)

// Ref is anything that names a workflow. Start only needs the name, so a
// client can start workflows registered on another deployment.
type Ref interface {
	WorkflowName() string
}

// Body runs one replay of a bound workflow.
type Body func(ctx *Context) (any, error)

// Definition is the type-erased view of a workflow used by the registry.
type Definition interface {
	Ref
	// Bind decodes the serialized run input and returns the body.
	Bind(reg *serde.Registry, input json.RawMessage) (Body, error)
}

// Def is a typed workflow from I to O.
type Def[I, O any] struct {
	name string
	fn   func(ctx *Context, input I) (O, error)
}

// Define declares a workflow.
func Define[I, O any](name string, fn func(ctx *Context, input I) (O, error)) *Def[I, O] {
	return &Def[I, O]{name: name, fn: fn}
}

// WorkflowName implements Ref. It is safe on a nil definition.
func (d *Def[I, O]) WorkflowName() string {
	if d == nil {
		return ""
	}
	return d.name
}

// Bind implements Definition.
func (d *Def[I, O]) Bind(reg *serde.Registry, input json.RawMessage) (Body, error) {
	var in I
	if len(input) > 0 {
		if err := reg.DecodeInto(input, &in); err != nil {
			return nil, fmt.Errorf("workflow %s: decode input: %w", d.name, err)
		}
	}
	return func(ctx *Context) (any, error) {
		return d.fn(ctx, in)
	}, nil
}

// invalidRefMessage is shared by every invalid reference so callers see
// one stable error.
const invalidRefMessage = "workflow reference must be a registered workflow definition with a non-empty name"

// NameOf validates ref and returns its workflow name. A nil interface, a
// typed nil and an empty name all yield the same KindInvalidWorkflow error.
func NameOf(ref Ref) (string, error) {
	if ref == nil {
		return "", durable.NewRuntimeError(durable.KindInvalidWorkflow, invalidRefMessage)
	}
	if rv := reflect.ValueOf(ref); isNilable(rv.Kind()) && rv.IsNil() {
		return "", durable.NewRuntimeError(durable.KindInvalidWorkflow, invalidRefMessage)
	}
	name := ref.WorkflowName()
	if name == "" {
		return "", durable.NewRuntimeError(durable.KindInvalidWorkflow, invalidRefMessage)
	}
	return name, nil
}

func isNilable(k reflect.Kind) bool {
	switch k {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return true
	}
	return false
}

// Name is a Ref for a workflow known only by name.
type Name string

// WorkflowName implements Ref.
func (n Name) WorkflowName() string { return string(n) }

// Registry maps workflow names to definitions. It is safe for concurrent
// use.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]Definition
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]Definition)}
}

// Register adds definitions. Registering a name again replaces the
// earlier definition.
func (r *Registry) Register(defs ...Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range defs {
		name, err := NameOf(d)
		if err != nil {
			return err
		}
		r.workflows[name] = d
	}
	return nil
}

// Get returns the definition registered under name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.workflows[name]
	return d, ok
}

// MustGet returns the definition registered under name or an error
// wrapping ErrWorkflowNotFound.
func (r *Registry) MustGet(name string) (Definition, error) {
	d, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", durable.ErrWorkflowNotFound, name)
	}
	return d, nil
}

// Names returns the registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
