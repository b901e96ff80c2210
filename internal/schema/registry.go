package schema

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNotAnnotated is returned when registering a type without a typename.
	ErrNotAnnotated = errors.New("type has no typename annotation")
	// ErrDuplicateType is returned when a different definition is already
	// registered under the same typename.
	ErrDuplicateType = errors.New("type already registered")
)

// Registry holds the runtime set of known types.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*TypeDefinition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: map[string]*TypeDefinition{}}
}

// Register adds types. Registering the same definition twice is a no-op.
func (r *Registry) Register(defs ...*TypeDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, def := range defs {
		if !def.IsAnnotated() {
			return ErrNotAnnotated
		}
		if existing, ok := r.types[def.Typename]; ok && existing != def {
			return fmt.Errorf("%w: %s", ErrDuplicateType, def.Typename)
		}
	}
	for _, def := range defs {
		if def.Fields == nil {
			def.Fields = map[string]*FieldDefinition{}
		}
		r.types[def.Typename] = def
	}
	return nil
}

// Get returns the type registered under typename.
func (r *Registry) Get(typename string) (*TypeDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[typename]
	return def, ok
}

// Has reports whether typename is registered.
func (r *Registry) Has(typename string) bool {
	_, ok := r.Get(typename)
	return ok
}

// List returns all registered types sorted by typename.
func (r *Registry) List() []*TypeDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*TypeDefinition, 0, len(r.types))
	for _, def := range r.types {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Typename < out[j].Typename })
	return out
}
