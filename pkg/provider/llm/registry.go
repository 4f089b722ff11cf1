package llm

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds the live, named providers available to the orchestrator.
// One provider is designated the default and serves unqualified model
// references.
//
// Safe for concurrent use: registration is writer-exclusive, lookups take a
// read lock.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	defaultName string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds p under name. The first registered provider becomes the
// default until [Registry.SetDefault] says otherwise. Registering an existing
// name replaces the previous provider.
func (r *Registry) Register(name string, p Provider) error {
	if name == "" {
		return fmt.Errorf("llm registry: provider name must not be empty")
	}
	if p == nil {
		return fmt.Errorf("llm registry: provider %q must not be nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.providers) == 0 {
		r.defaultName = name
	}
	r.providers[name] = p
	return nil
}

// SetDefault marks name as the default provider.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("llm registry: %w: %q", ErrNotFound, name)
	}
	r.defaultName = name
	return nil
}

// Get returns the provider registered under name, or the default provider
// when name is empty. Returns an error wrapping [ErrNotFound] for unknown
// names and for an empty registry.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("llm registry: %w: %q", ErrNotFound, name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultName returns the current default provider name, or "" when the
// registry is empty.
func (r *Registry) DefaultName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// SplitModelRef splits a qualified model reference into provider and model.
// Both "provider/model" and "provider:model" forms are recognised; an
// unqualified reference yields an empty provider (meaning: use the default).
// Only the first separator splits, so "openai/ft:gpt-4o:org" keeps the
// remainder intact as the model name.
func SplitModelRef(ref string) (provider, model string) {
	if i := strings.IndexAny(ref, "/:"); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return "", ref
}
