package providers

import (
	"fmt"
	"slices"
	"sync"
)

// Factory builds a provider of domain P from its option block. Factories
// decode and validate their options so misconfiguration fails at load time.
type Factory[P Provider] func(opts Options) (P, error)

// Registry maps provider names to factories for one domain.
type Registry[P Provider] struct {
	category Category

	mu        sync.RWMutex
	factories map[string]Factory[P]
}

func NewRegistry[P Provider](category Category) *Registry[P] {
	return &Registry[P]{category: category, factories: make(map[string]Factory[P])}
}

func (r *Registry[P]) Category() Category { return r.category }

// RegisterBuiltin adds a provider type. Registering an existing name replaces
// the previous factory.
func (r *Registry[P]) RegisterBuiltin(name string, factory Factory[P]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

func (r *Registry[P]) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered provider names in sorted order.
func (r *Registry[P]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Create instantiates the provider registered under name.
func (r *Registry[P]) Create(name string, opts Options) (P, error) {
	var zero P

	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("%w: %s provider %q", ErrUnknownProvider, r.category, name)
	}

	provider, err := factory(opts)
	if err != nil {
		return zero, err
	}
	if info := provider.Info(); info.Category != "" && info.Category != r.category {
		return zero, fmt.Errorf("%w: %q is a %s provider, registered as %s", ErrCapabilityMismatch, name, info.Category, r.category)
	}
	return provider, nil
}

// Registries holds one registry per domain.
type Registries struct {
	Input    *Registry[InputProvider]
	Decision *Registry[DecisionProvider]
	Output   *Registry[OutputProvider]
}

func NewRegistries() *Registries {
	return &Registries{
		Input:    NewRegistry[InputProvider](CategoryInput),
		Decision: NewRegistry[DecisionProvider](CategoryDecision),
		Output:   NewRegistry[OutputProvider](CategoryOutput),
	}
}
