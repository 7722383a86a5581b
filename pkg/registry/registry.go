package registry

import (
	"fmt"
	"sync"

	"github.com/snow-ghost/dispatch/core"
)

// Registry is the sole owner of provider records. It supports dynamic
// add/remove and wholesale replacement (hot reload) without disturbing
// in-flight selection: readers always get value copies.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]core.Provider
	order     []string // insertion order, for stable listing
}

// New creates a registry from the given providers. An empty set is a fatal
// configuration error.
func New(providers []core.Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]core.Provider)}
	if err := r.Replace(providers); err != nil {
		return nil, err
	}
	return r, nil
}

// normalize fills config defaults on a provider record.
func normalize(p core.Provider) core.Provider {
	if p.Pricing.Currency == "" {
		p.Pricing.Currency = "USD"
	}
	if p.MaxRequests > 0 && p.WindowMs <= 0 {
		p.WindowMs = 60_000
	}
	if p.Tier == "" {
		p.Tier = deriveTier(p.Pricing)
	}
	return p
}

// deriveTier buckets a provider by blended per-1K price when the config
// does not name a tier.
func deriveTier(p core.Pricing) core.Tier {
	blended := p.InputPer1K + p.OutputPer1K
	switch {
	case blended <= 0.002:
		return core.TierCheap
	case blended <= 0.02:
		return core.TierMid
	default:
		return core.TierPremium
	}
}

// validate rejects records that cannot be routed to.
func validate(p core.Provider) error {
	if p.ID == "" {
		return fmt.Errorf("provider with empty id")
	}
	if p.Kind != core.KindLocal && p.Kind != core.KindCloud {
		return fmt.Errorf("provider %s: unknown kind %q", p.ID, p.Kind)
	}
	if len(p.SupportedTaskTypes) == 0 {
		return fmt.Errorf("provider %s: no supported task types", p.ID)
	}
	if p.MaxContextTokens <= 0 {
		return fmt.Errorf("provider %s: max_context_tokens must be positive", p.ID)
	}
	return nil
}

// Replace swaps the full provider set atomically. Used by the hot-reload
// watcher; the same rules as New apply.
func (r *Registry) Replace(providers []core.Provider) error {
	if len(providers) == 0 {
		return core.ErrRegistryEmpty
	}

	next := make(map[string]core.Provider, len(providers))
	order := make([]string, 0, len(providers))
	for _, p := range providers {
		p = normalize(p)
		if err := validate(p); err != nil {
			return err
		}
		if _, dup := next[p.ID]; dup {
			return fmt.Errorf("%w: %s", core.ErrDuplicateProvider, p.ID)
		}
		next[p.ID] = p
		order = append(order, p.ID)
	}

	r.mu.Lock()
	r.providers = next
	r.order = order
	r.mu.Unlock()
	return nil
}

// Add registers one provider at runtime.
func (r *Registry) Add(p core.Provider) error {
	p = normalize(p)
	if err := validate(p); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.providers[p.ID]; dup {
		return fmt.Errorf("%w: %s", core.ErrDuplicateProvider, p.ID)
	}
	r.providers[p.ID] = p
	r.order = append(r.order, p.ID)
	return nil
}

// Remove drops a provider at runtime.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[id]; !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownProvider, id)
	}
	delete(r.providers, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns a provider by ID.
func (r *Registry) Get(id string) (core.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return core.Provider{}, fmt.Errorf("%w: %s", core.ErrUnknownProvider, id)
	}
	return p, nil
}

// List returns all providers in insertion order.
func (r *Registry) List() []core.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.providers[id])
	}
	return out
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// ListCandidates returns providers that advertise the task type and fit the
// context size: exact-set membership on type, numeric >= on window.
func (r *Registry) ListCandidates(t core.TaskType, minContextTokens int) []core.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Provider, 0, len(r.order))
	for _, id := range r.order {
		p := r.providers[id]
		if !p.SupportsTaskType(t) {
			continue
		}
		if p.MaxContextTokens < minContextTokens {
			continue
		}
		out = append(out, p)
	}
	return out
}

// APIKeyEnv exposes the credential env-var name for the secrets supplier.
func (r *Registry) APIKeyEnv(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return "", false
	}
	return p.APIKeyEnv, true
}
