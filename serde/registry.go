package serde

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Envelope keys. A JSON object carrying exactly these two keys is treated
// as a tagged value.
const (
	TagKey  = "$type"
	DataKey = "$data"
)

// SerializeFunc turns an instance of a registered type into plain data.
// The result is itself walked, so it may contain other registered values.
type SerializeFunc func(v any) (any, error)

// DeserializeFunc rebuilds an instance from the raw "$data" of an envelope.
type DeserializeFunc func(data json.RawMessage) (any, error)

type entry struct {
	identity    string
	typ         reflect.Type
	serialize   SerializeFunc
	deserialize DeserializeFunc
}

// Registry maps stable type identities to serializer pairs. It is safe for
// concurrent use; registrations are expected at start-up.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*entry
	byType map[reflect.Type]*entry
}

// NewRegistry creates a Registry with the built-in types registered.
func NewRegistry() *Registry {
	r := &Registry{
		byID:   make(map[string]*entry),
		byType: make(map[reflect.Type]*entry),
	}
	registerBuiltins(r)
	return r
}

// Register associates identity with typ. Registering the same identity and
// type twice is a no-op; reusing either half with a different partner fails
// with ErrConflict.
func (r *Registry) Register(identity string, typ reflect.Type, ser SerializeFunc, de DeserializeFunc) error {
	if identity == "" {
		return fmt.Errorf("serde: register %v: empty identity", typ)
	}
	if typ == nil || ser == nil || de == nil {
		return fmt.Errorf("serde: register %q: type, serializer and deserializer are required", identity)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[identity]; ok {
		if existing.typ == typ {
			return nil
		}
		return fmt.Errorf("%w: identity %q already bound to %v", ErrConflict, identity, existing.typ)
	}
	if existing, ok := r.byType[typ]; ok {
		return fmt.Errorf("%w: type %v already registered as %q", ErrConflict, typ, existing.identity)
	}

	e := &entry{identity: identity, typ: typ, serialize: ser, deserialize: de}
	r.byID[identity] = e
	r.byType[typ] = e
	return nil
}

// RegisterType registers T with typed serializer functions.
func RegisterType[T any](r *Registry, identity string, ser func(T) (any, error), de func(json.RawMessage) (T, error)) error {
	return r.Register(identity, reflect.TypeFor[T](),
		func(v any) (any, error) { return ser(v.(T)) },
		func(data json.RawMessage) (any, error) { return de(data) },
	)
}

// RegisterJSON registers T using encoding/json for its data. Exported
// fields are encoded as-is; registered values nested inside T are not
// enveloped.
func RegisterJSON[T any](r *Registry, identity string) error {
	return RegisterType(r, identity,
		func(v T) (any, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			return json.RawMessage(b), nil
		},
		func(data json.RawMessage) (T, error) {
			var v T
			err := json.Unmarshal(data, &v)
			return v, err
		},
	)
}

// MustRegisterJSON is like RegisterJSON but panics on error. Intended for
// init functions.
func MustRegisterJSON[T any](r *Registry, identity string) {
	if err := RegisterJSON[T](r, identity); err != nil {
		panic(err)
	}
}

// Has reports whether identity is registered.
func (r *Registry) Has(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[identity]
	return ok
}

// IdentityOf returns the identity registered for typ.
func (r *Registry) IdentityOf(typ reflect.Type) (string, bool) {
	e := r.lookupType(typ)
	if e == nil {
		return "", false
	}
	return e.identity, true
}

// Identities returns all registered identities in sorted order.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byID))
	for k := range r.byID {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) lookupType(typ reflect.Type) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byType[typ]
}

func (r *Registry) lookupTag(tag string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[tag]
}
