package ability

import (
	"context"
	"fmt"
	"sync"
)

// Func is the implementation of a built-in ability.
type Func func(ctx context.Context, params map[string]any, call CallContext) (Result, error)

// Builtin is the in-process ability source. It holds abilities implemented
// directly in the kernel (memory recall, clock access) and serves them to the
// scheduler with the highest precedence.
type Builtin struct {
	mu        sync.RWMutex
	order     []string
	abilities map[string]builtinEntry
}

type builtinEntry struct {
	desc Descriptor
	fn   Func
}

// NewBuiltin creates an empty built-in ability registry.
func NewBuiltin() *Builtin {
	return &Builtin{abilities: make(map[string]builtinEntry)}
}

// Register adds a built-in ability. A missing Star defaults to "builtin".
// Registering a duplicate name is an error.
func (b *Builtin) Register(desc Descriptor, fn Func) error {
	if desc.Name == "" {
		return fmt.Errorf("builtin: ability name must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("builtin: ability %q has no implementation", desc.Name)
	}
	if desc.Star == "" {
		desc.Star = "builtin"
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.abilities[desc.Name]; ok {
		return fmt.Errorf("builtin: ability %q already registered", desc.Name)
	}
	b.order = append(b.order, desc.Name)
	b.abilities[desc.Name] = builtinEntry{desc: desc, fn: fn}
	return nil
}

// Kind implements [Source].
func (b *Builtin) Kind() string { return "builtin" }

// Descriptors implements [Source]; abilities are returned in registration
// order.
func (b *Builtin) Descriptors() []Descriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Descriptor, 0, len(b.order))
	for _, name := range b.order {
		out = append(out, b.abilities[name].desc)
	}
	return out
}

// Execute implements [Source].
func (b *Builtin) Execute(ctx context.Context, name string, params map[string]any, call CallContext) (Result, error) {
	b.mu.RLock()
	entry, ok := b.abilities[name]
	b.mu.RUnlock()
	if !ok {
		return Failure("Ability not found: " + name),
			fmt.Errorf("builtin: %w: %q", ErrNotFound, name)
	}
	return entry.fn(ctx, params, call)
}
