package step

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xraph/durable"
)

// Registry maps step names to definitions. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Definition
}

// NewRegistry creates an empty step registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Definition)}
}

// Register adds definitions. Registering a name again replaces the
// earlier definition.
func (r *Registry) Register(defs ...Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range defs {
		if d == nil || d.StepName() == "" {
			return durable.NewRuntimeError(durable.KindStepNotFound, "step definitions must have a non-empty name")
		}
		r.steps[d.StepName()] = d
	}
	return nil
}

// Get returns the definition registered under name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.steps[name]
	return d, ok
}

// MustGet returns the definition registered under name or an error
// wrapping ErrStepNotFound.
func (r *Registry) MustGet(name string) (Definition, error) {
	d, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not registered", durable.ErrStepNotFound, name)
	}
	return d, nil
}

// Names returns the registered step names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.steps))
	for name := range r.steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
