package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps provider names to adapters. Registration happens once at
// startup; lookups are concurrent.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its own name. Later registrations with
// the same name replace earlier ones.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", name)
	}
	return p, nil
}

// ForModel returns the first registered provider claiming the model.
func (r *Registry) ForModel(model string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.names() {
		if p := r.providers[name]; p.SupportsModel(model) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no provider supports model %q", model)
}

// Names returns registered provider names, sorted for stable iteration.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names()
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
