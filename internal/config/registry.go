package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kotonelabs/kotone/pkg/provider/embeddings"
	"github.com/kotonelabs/kotone/pkg/provider/llm"
)

// ErrDriverNotRegistered is returned by Create* methods when no factory has
// been registered under the requested driver name.
var ErrDriverNotRegistered = errors.New("config: driver not registered")

// Registry maps driver names to their constructor functions for each provider
// kind. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]func(ProviderEntry) (llm.Provider, error)
	embeddings map[string]func(ProviderEntry) (embeddings.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]func(ProviderEntry) (llm.Provider, error)),
		embeddings: make(map[string]func(ProviderEntry) (embeddings.Provider, error)),
	}
}

// RegisterLLM registers an LLM provider factory under driver.
// Subsequent calls with the same driver overwrite the previous registration.
func (r *Registry) RegisterLLM(driver string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[driver] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under driver.
func (r *Registry) RegisterEmbeddings(driver string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[driver] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under
// entry.Driver. Returns [ErrDriverNotRegistered] if no factory has been
// registered for that driver.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Driver]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrDriverNotRegistered, entry.Driver)
	}
	return factory(entry)
}

// CreateEmbeddings instantiates an embeddings provider using the factory
// registered under entry.Driver.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Driver]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrDriverNotRegistered, entry.Driver)
	}
	return factory(entry)
}
