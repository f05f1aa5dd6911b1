// Package registry maps type names to factories.
//
// Registries are created by the composition root, filled during wiring and
// only read afterwards. Registration mistakes are programming errors and panic.
package registry

import (
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/lllypuk/eventcore/internal/domain/errs"
)

// Registry holds factories of type F keyed by type name.
type Registry[F any] struct {
	kind      string
	mu        sync.RWMutex
	factories map[string]F
}

// New creates an empty registry. Kind names the registered things in errors.
func New[F any](kind string) *Registry[F] {
	return &Registry[F]{
		kind:      kind,
		factories: make(map[string]F),
	}
}

// Register adds a factory. It panics on an empty name, a nil factory or a
// duplicate registration.
func (r *Registry[F]) Register(name string, factory F) {
	if name == "" {
		panic(fmt.Sprintf("registry: attempt to register empty %s type", r.kind))
	}
	if isNil(factory) {
		panic(fmt.Sprintf("registry: attempt to register nil %s factory for %q", r.kind, name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[name]; ok {
		panic(fmt.Sprintf("registry: registering duplicate %s type %q", r.kind, name))
	}
	r.factories[name] = factory
}

// Lookup returns the factory registered under name.
func (r *Registry[F]) Lookup(name string) (F, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[name]
	if !ok {
		var zero F
		return zero, fmt.Errorf("%s type %q: %w", r.kind, name, errs.ErrNotFound)
	}
	return factory, nil
}

// Names returns the registered names in sorted order.
func (r *Registry[F]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() { //nolint:exhaustive // only nillable kinds matter
	case reflect.Func, reflect.Pointer, reflect.Map, reflect.Interface, reflect.Slice, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}
