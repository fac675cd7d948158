package ai

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the closed set of provider adapters. Registration happens
// during startup wiring; lookups afterward are read-only.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	// modelCache holds fetched model lists per provider so capability lookups
	// after a fetchModels round-trip stay cheap.
	modelCache map[string][]Model
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers:  make(map[string]Provider),
		modelCache: make(map[string][]Model),
	}
}

// Register adds a provider. Duplicate ids are a wiring bug.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.ID()]; exists {
		return fmt.Errorf("provider %s already registered", p.ID())
	}
	r.providers[p.ID()] = p
	return nil
}

// Get returns a provider by id.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// List returns all providers sorted by id.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// CacheModels stores a fetched model list for a provider.
func (r *Registry) CacheModels(providerID string, models []Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modelCache[providerID] = models
}

// CachedModels returns the last fetched model list, if any.
func (r *Registry) CachedModels(providerID string) ([]Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	models, ok := r.modelCache[providerID]
	return models, ok
}
