package provider

import (
	"sort"
	"sync"

	"github.com/foliosai/folios/internal/domain"
)

// Registry maps provider identifiers to plugins. Dispatch resolves
// plugins through Require, which fails fast on unsupported modes.
type Registry struct {
	mu      sync.RWMutex
	plugins map[domain.ProviderID]*Plugin
}

func NewRegistry() *Registry {
	return &Registry{plugins: make(map[domain.ProviderID]*Plugin)}
}

// Register adds a plugin. Re-registering an ID is a wiring mistake.
func (r *Registry) Register(p *Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.plugins[p.ID]; ok {
		return NewConfigError("provider %s already registered (%s)", p.ID, existing.DisplayName)
	}
	r.plugins[p.ID] = p
	return nil
}

// Get resolves a plugin by ID.
func (r *Registry) Get(id domain.ProviderID) (*Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	if !ok {
		return nil, NewConfigError("unknown provider %s", id)
	}
	return p, nil
}

// Require resolves a plugin and validates the requested mode. Callers
// must invoke this before creating a Request so configuration errors
// never surface as task failures.
func (r *Registry) Require(id domain.ProviderID, mode domain.ExecutionMode) (*Plugin, error) {
	p, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if err := p.EnsureMode(mode); err != nil {
		return nil, err
	}
	return p, nil
}

// List returns all registered plugins ordered by ID.
func (r *Registry) List() []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
