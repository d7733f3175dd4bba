package adapter

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds an adapter from backend configuration.
type Factory func(config map[string]any) (Adapter, error)

// Registry manages backend adapter factories.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// RegisterFactory registers a factory under a backend name.
func (r *Registry) RegisterFactory(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// New builds an adapter for the named backend.
func (r *Registry) New(name string, config map[string]any) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("backend %q not registered", name)
	}
	return factory(config)
}

// Has checks whether a backend is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// List returns the registered backend names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Global registry
var globalRegistry = NewRegistry()

// RegisterFactory registers a factory in the global registry.
func RegisterFactory(name string, factory Factory) {
	globalRegistry.RegisterFactory(name, factory)
}

// New builds an adapter from the global registry.
func New(name string, config map[string]any) (Adapter, error) {
	return globalRegistry.New(name, config)
}

// Has checks the global registry for a backend.
func Has(name string) bool {
	return globalRegistry.Has(name)
}

// List returns backend names from the global registry.
func List() []string {
	return globalRegistry.List()
}
