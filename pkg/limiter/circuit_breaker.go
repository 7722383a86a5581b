package limiter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/snow-ghost/dispatch/core"
	"github.com/snow-ghost/dispatch/pkg/logging"
	"github.com/snow-ghost/dispatch/pkg/metrics"
)

// ErrExecutionAbandoned marks an attempt that was cut short because the
// task itself was cancelled. Abandoned attempts say nothing about provider
// health, so the breaker does not count them as failures.
var ErrExecutionAbandoned = errors.New("execution abandoned")

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `json:"consecutive_failures"`
	OpenTimeout         time.Duration `json:"open_timeout"`
	ProbeRequests       uint32        `json:"probe_requests"`
}

// DefaultBreakerConfig trips after three consecutive failures and keeps
// the circuit open for a minute before allowing a single probe.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		ConsecutiveFailures: 3,
		OpenTimeout:         60 * time.Second,
		ProbeRequests:       1,
	}
}

// BreakerManager manages per-provider circuit breakers.
type BreakerManager struct {
	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.RWMutex
	config   *BreakerConfig
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// NewBreakerManager creates a breaker manager. logger may be nil; metrics
// may be nil.
func NewBreakerManager(config *BreakerConfig, logger *logging.Logger, m *metrics.Metrics) *BreakerManager {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &BreakerManager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		config:   config,
		logger:   logger,
		metrics:  m,
	}
}

// GetBreaker returns or creates the circuit breaker for a provider.
func (bm *BreakerManager) GetBreaker(providerID string) *gobreaker.CircuitBreaker {
	bm.mu.RLock()
	breaker, exists := bm.breakers[providerID]
	bm.mu.RUnlock()
	if exists {
		return breaker
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()

	if breaker, exists := bm.breakers[providerID]; exists {
		return breaker
	}

	threshold := bm.config.ConsecutiveFailures
	breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        providerID,
		MaxRequests: bm.config.ProbeRequests,
		Timeout:     bm.config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// cancellation is the caller's choice, not provider failure
			return err == nil ||
				errors.Is(err, ErrExecutionAbandoned) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			bm.logger.LogCircuitChange(context.Background(), name, from.String(), to.String())
			bm.metrics.SetCircuitState(name, breakerStateValue(to))
		},
	})

	bm.breakers[providerID] = breaker
	return breaker
}

// Execute runs fn through the provider's breaker. An open or saturated
// half-open circuit returns core.ErrCircuitOpen without invoking fn.
func (bm *BreakerManager) Execute(providerID string, fn func() (interface{}, error)) (interface{}, error) {
	breaker := bm.GetBreaker(providerID)

	result, err := breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, core.ErrCircuitOpen
	}
	return result, err
}

// IsOpen checks if the circuit breaker is open for a provider.
func (bm *BreakerManager) IsOpen(providerID string) bool {
	return bm.GetBreaker(providerID).State() == gobreaker.StateOpen
}

// State returns the current state of a provider's breaker.
func (bm *BreakerManager) State(providerID string) gobreaker.State {
	return bm.GetBreaker(providerID).State()
}

// GetStats returns circuit breaker statistics for a provider.
func (bm *BreakerManager) GetStats(providerID string) map[string]interface{} {
	breaker := bm.GetBreaker(providerID)
	counts := breaker.Counts()

	return map[string]interface{}{
		"provider_id":          providerID,
		"state":                breaker.State().String(),
		"requests":             counts.Requests,
		"total_success":        counts.TotalSuccesses,
		"total_failures":       counts.TotalFailures,
		"consecutive_failures": counts.ConsecutiveFailures,
	}
}

// Reset drops the breaker for a provider.
func (bm *BreakerManager) Reset(providerID string) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	delete(bm.breakers, providerID)
}

// ResetAll drops all breakers.
func (bm *BreakerManager) ResetAll() {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	bm.breakers = make(map[string]*gobreaker.CircuitBreaker)
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
