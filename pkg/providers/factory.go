package providers

import (
	"fmt"
	"sync"

	"github.com/snow-ghost/dispatch/core"
	"github.com/snow-ghost/dispatch/pkg/secrets"
	"github.com/snow-ghost/dispatch/pkg/tokens"
)

// cachedAdapter remembers the provider config an adapter was built from so
// hot-reloaded transport changes rebuild it.
type cachedAdapter struct {
	adapter core.Adapter
	baseURL string
	model   string
	keyEnv  string
}

// Source builds and caches one adapter per provider. It implements
// core.AdapterSource. Credentials come from the supplier at build time and
// live only inside the HTTP client, never in logs or config echoes.
type Source struct {
	mu        sync.RWMutex
	adapters  map[string]cachedAdapter
	supplier  secrets.Supplier
	estimator *tokens.Registry
}

// NewSource creates an adapter source. estimator may be nil.
func NewSource(supplier secrets.Supplier, estimator *tokens.Registry) *Source {
	return &Source{
		adapters:  make(map[string]cachedAdapter),
		supplier:  supplier,
		estimator: estimator,
	}
}

// AdapterFor returns the adapter for a provider, building it on first use.
func (s *Source) AdapterFor(p core.Provider) (core.Adapter, error) {
	s.mu.RLock()
	cached, exists := s.adapters[p.ID]
	s.mu.RUnlock()
	if exists && cached.matches(p) {
		return cached.adapter, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, exists := s.adapters[p.ID]; exists && cached.matches(p) {
		return cached.adapter, nil
	}

	adapter, err := s.build(p)
	if err != nil {
		return nil, err
	}
	s.adapters[p.ID] = cachedAdapter{
		adapter: adapter,
		baseURL: p.BaseURL,
		model:   p.Model,
		keyEnv:  p.APIKeyEnv,
	}
	return adapter, nil
}

func (s *Source) build(p core.Provider) (core.Adapter, error) {
	handle, err := s.supplier.Credential(p.ID)
	if err != nil {
		return nil, fmt.Errorf("credential for provider %s: %w", p.ID, err)
	}
	if p.Kind == core.KindCloud && handle.Empty() {
		return nil, fmt.Errorf("cloud provider %s has no credential configured", p.ID)
	}

	var estimator tokens.Estimator
	if s.estimator != nil {
		estimator = s.estimator.For(p.ID)
	}
	return NewChatAdapter(p, handle.Value(), estimator), nil
}

// Invalidate drops the cached adapter for a provider.
func (s *Source) Invalidate(providerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.adapters, providerID)
}

func (c cachedAdapter) matches(p core.Provider) bool {
	return c.baseURL == p.BaseURL && c.model == p.Model && c.keyEnv == p.APIKeyEnv
}
