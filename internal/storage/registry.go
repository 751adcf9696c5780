package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Factory opens a backend of type B from its merged configuration.
type Factory[B any] func(ctx context.Context, config Config) (B, error)

type registration[B any] struct {
	open     Factory[B]
	defaults func() map[string]string
}

// Registry maps backend names to factories. Drivers register themselves
// from init, so lookups vastly outnumber writes.
type Registry[B any] struct {
	kind string

	mu      sync.RWMutex
	drivers map[string]registration[B]
}

// NewRegistry returns an empty registry. kind names the backend family
// ("table", "blob") in errors.
func NewRegistry[B any](kind string) *Registry[B] {
	return &Registry[B]{kind: kind, drivers: make(map[string]registration[B])}
}

// Register adds a driver. defaults may be nil. Registering a name twice
// panics.
func (r *Registry[B]) Register(name string, open Factory[B], defaults func() map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.drivers[name]; dup {
		panic(fmt.Sprintf("%s backend %q registered twice", r.kind, name))
	}
	r.drivers[name] = registration[B]{open: open, defaults: defaults}
}

func (r *Registry[B]) lookup(name string) (registration[B], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.drivers[name]
	return reg, ok
}

// Open creates the named backend with values merged over its defaults.
// An unknown name is a *ConfigError.
func (r *Registry[B]) Open(ctx context.Context, name string, values map[string]string) (B, error) {
	reg, ok := r.lookup(name)
	if !ok {
		var zero B
		return zero, NewConfigError(name, "", fmt.Sprintf("unknown %s backend (available: %v)", r.kind, r.Names()))
	}
	var defaults map[string]string
	if reg.defaults != nil {
		defaults = reg.defaults()
	}
	return reg.open(ctx, NewConfig(name, MergeConfig(defaults, values)))
}

// Names returns the registered backend names, sorted.
func (r *Registry[B]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.drivers))
}

// Has reports whether name is registered.
func (r *Registry[B]) Has(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// Defaults returns a fresh copy of name's default configuration, or nil.
func (r *Registry[B]) Defaults(name string) map[string]string {
	reg, ok := r.lookup(name)
	if !ok || reg.defaults == nil {
		return nil
	}
	return reg.defaults()
}
