package limiter

import (
	"sync"

	"golang.org/x/time/rate"
)

// Throttle bounds task submissions per caller with a token bucket. It
// shields the dispatcher itself; per-provider windows are enforced
// separately by Admission, which needs exact sliding-window semantics.
type Throttle struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	limit    rate.Limit
	burst    int
}

// NewThrottle creates a per-caller throttle allowing rps sustained
// submissions with the given burst. rps <= 0 disables throttling.
func NewThrottle(rps float64, burst int) *Throttle {
	if burst < 1 {
		burst = 1
	}
	return &Throttle{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether the caller may submit now. It never blocks.
func (t *Throttle) Allow(callerID string) bool {
	if t.limit <= 0 {
		return true
	}
	return t.getLimiter(callerID).Allow()
}

func (t *Throttle) getLimiter(callerID string) *rate.Limiter {
	t.mu.RLock()
	limiter, exists := t.limiters[callerID]
	t.mu.RUnlock()
	if exists {
		return limiter
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if limiter, exists := t.limiters[callerID]; exists {
		return limiter
	}
	limiter = rate.NewLimiter(t.limit, t.burst)
	t.limiters[callerID] = limiter
	return limiter
}

// Reset drops the limiter for a caller.
func (t *Throttle) Reset(callerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.limiters, callerID)
}
