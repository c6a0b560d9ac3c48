package llm

import (
	"fmt"
	"sync"
)

// Factory constructs a Client for one model under a provider. apiKey is
// empty for providers that don't require a credential.
type Factory func(model, apiKey string) Client

// Provider is a registered streaming-capability constructor. Adding a
// provider is a registration, not a branch in the worker.
type Provider struct {
	Name        string
	EnvVar      string // process-wide credential fallback
	RequiresKey bool
	New         Factory
}

// Registry maps provider names to factories.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider by name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name] = p
}

// Lookup resolves a provider by name.
func (r *Registry) Lookup(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return Provider{}, fmt.Errorf("llm: unknown provider %q", name)
	}
	return p, nil
}

// Names returns the registered provider names, unordered.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// DefaultRegistry returns a registry with the built-in providers: dummy,
// openai and openrouter.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Provider{
		Name: "dummy",
		New: func(model, apiKey string) Client {
			return NewDummy()
		},
	})
	r.Register(Provider{
		Name:        "openai",
		EnvVar:      "OPENAI_API_KEY",
		RequiresKey: true,
		New: func(model, apiKey string) Client {
			return NewOpenAI(model, apiKey)
		},
	})
	r.Register(Provider{
		Name:        "openrouter",
		EnvVar:      "OPENROUTER_API_KEY",
		RequiresKey: true,
		New: func(model, apiKey string) Client {
			return NewOpenRouter(model, apiKey)
		},
	})
	return r
}
