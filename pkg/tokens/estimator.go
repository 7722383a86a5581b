package tokens

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator sizes raw task text in tokens before any provider is chosen.
// Estimates feed capability filtering and cost reservation; they are never
// used for inference.
type Estimator interface {
	EstimateTokens(text string) (int, error)
}

// TiktokenEstimator implements Estimator over a tiktoken encoding.
type TiktokenEstimator struct {
	encoding *tiktoken.Tiktoken
}

// NewTiktokenEstimator creates an estimator for the named encoding.
func NewTiktokenEstimator(encodingName string) (*TiktokenEstimator, error) {
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to get encoding %s: %w", encodingName, err)
	}
	return &TiktokenEstimator{encoding: encoding}, nil
}

// EstimateTokens counts tokens in text.
func (e *TiktokenEstimator) EstimateTokens(text string) (int, error) {
	return len(e.encoding.Encode(text, nil, nil)), nil
}

// HeuristicEstimator implements Estimator with character-based counting,
// roughly four characters per token.
type HeuristicEstimator struct{}

// NewHeuristicEstimator creates a heuristic estimator.
func NewHeuristicEstimator() *HeuristicEstimator {
	return &HeuristicEstimator{}
}

// EstimateTokens estimates tokens from text length.
func (e *HeuristicEstimator) EstimateTokens(text string) (int, error) {
	count := len(text) / 4
	if count < 1 && len(text) > 0 {
		count = 1
	}
	return count, nil
}

// Registry maps provider IDs to estimators, with a heuristic fallback for
// providers without a registered encoding.
type Registry struct {
	estimators map[string]Estimator
	fallback   Estimator
}

// NewRegistry creates an empty estimator registry.
func NewRegistry() *Registry {
	return &Registry{
		estimators: make(map[string]Estimator),
		fallback:   NewHeuristicEstimator(),
	}
}

// Register binds an estimator to a provider ID.
func (r *Registry) Register(providerID string, e Estimator) {
	r.estimators[providerID] = e
}

// For returns the estimator for a provider, or the fallback.
func (r *Registry) For(providerID string) Estimator {
	if e, ok := r.estimators[providerID]; ok {
		return e
	}
	return r.fallback
}

// Estimate sizes text with the provider's estimator.
func (r *Registry) Estimate(providerID, text string) (int, error) {
	return r.For(providerID).EstimateTokens(text)
}

// DefaultRegistry returns a registry that sizes cloud providers with
// cl100k_base and everything else heuristically.
func DefaultRegistry(cloudProviderIDs ...string) *Registry {
	r := NewRegistry()
	for _, id := range cloudProviderIDs {
		if e, err := NewTiktokenEstimator("cl100k_base"); err == nil {
			r.Register(id, e)
		}
	}
	return r
}
