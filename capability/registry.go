package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry holds the immutable set of capabilities advertised to the model.
// Registration happens once at startup; the first Freeze (called by the turn
// controller before advertising the surface) locks the set, after which reads
// need no synchronization.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
	frozen       bool
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{capabilities: make(map[string]Capability)}
}

// Register adds a capability. It fails with ErrDuplicateCapability if the
// name is already present and ErrRegistryFrozen once the surface was
// advertised.
func (r *Registry) Register(c Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("register %q: %w", c.Name(), ErrRegistryFrozen)
	}
	if _, exists := r.capabilities[c.Name()]; exists {
		return fmt.Errorf("register %q: %w", c.Name(), ErrDuplicateCapability)
	}
	r.capabilities[c.Name()] = c
	return nil
}

// MustRegister panics on registration failure. Intended for startup wiring
// where a duplicate name is a programming error.
func (r *Registry) MustRegister(caps ...Capability) *Registry {
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
	return r
}

// Freeze locks the registry against further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Lookup returns the capability registered under name.
func (r *Registry) Lookup(name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capabilities[name]
	if !ok {
		return nil, NewCapabilityError(name, "capability is not registered", CodeUnknown)
	}
	return c, nil
}

// List returns all capabilities sorted by name. The stable order keeps the
// surface advertised to the model deterministic across calls.
func (r *Registry) List() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.capabilities))
	for _, c := range r.capabilities {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names returns the sorted capability names.
func (r *Registry) Names() []string {
	caps := r.List()
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = c.Name()
	}
	return names
}

// Execute looks up and calls a capability. An unknown name yields a
// *CapabilityError with code UNKNOWN_CAPABILITY without invoking anything;
// argument validation happens inside the capability's Call.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	c, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, args)
}
