package limiter

import (
	"sync"
	"time"

	"github.com/snow-ghost/dispatch/core"
)

// window tracks admission timestamps for one provider.
type window struct {
	mu       sync.Mutex
	capacity int
	span     time.Duration
	admitted []time.Time
}

// Admission enforces per-provider sliding-window rate limits. TryAdmit
// either records the attempt and admits it, or denies it; it never blocks
// or queues. A capacity <= 0 means the provider is unlimited.
type Admission struct {
	windows map[string]*window
	mu      sync.RWMutex
	clock   core.Clock
}

// NewAdmission creates an admission controller. A nil clock uses real time.
func NewAdmission(clock core.Clock) *Admission {
	if clock == nil {
		clock = core.SystemClock()
	}
	return &Admission{
		windows: make(map[string]*window),
		clock:   clock,
	}
}

// TryAdmit atomically checks and records an attempt against the provider's
// window. The count is of admitted attempts in the trailing window, so the
// limit holds over every interval of that length, not per calendar minute.
func (a *Admission) TryAdmit(p core.Provider) bool {
	if p.MaxRequests <= 0 {
		return true
	}
	w := a.getWindow(p)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := a.clock.Now()
	w.purge(now)
	if len(w.admitted) >= w.capacity {
		return false
	}
	w.admitted = append(w.admitted, now)
	return true
}

// Used returns how many admitted attempts remain inside the provider's
// current window.
func (a *Admission) Used(p core.Provider) int {
	if p.MaxRequests <= 0 {
		return 0
	}
	w := a.getWindow(p)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.purge(a.clock.Now())
	return len(w.admitted)
}

// Stats returns admission statistics for a provider.
func (a *Admission) Stats(p core.Provider) map[string]interface{} {
	return map[string]interface{}{
		"provider_id":  p.ID,
		"used":         a.Used(p),
		"max_requests": p.MaxRequests,
		"window_ms":    p.WindowMs,
	}
}

// Reset drops the window for a provider.
func (a *Admission) Reset(providerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.windows, providerID)
}

// ResetAll drops all windows.
func (a *Admission) ResetAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windows = make(map[string]*window)
}

// getWindow returns or creates the window for a provider, refreshing its
// limits when the registry record changed under hot reload.
func (a *Admission) getWindow(p core.Provider) *window {
	span := time.Duration(p.WindowMs) * time.Millisecond
	if span <= 0 {
		span = time.Minute
	}

	a.mu.RLock()
	w, exists := a.windows[p.ID]
	a.mu.RUnlock()
	if exists {
		w.refresh(p.MaxRequests, span)
		return w
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if w, exists := a.windows[p.ID]; exists {
		w.refresh(p.MaxRequests, span)
		return w
	}
	w = &window{capacity: p.MaxRequests, span: span}
	a.windows[p.ID] = w
	return w
}

func (w *window) refresh(capacity int, span time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.capacity = capacity
	w.span = span
}

// purge drops timestamps that fell out of the window. Callers hold w.mu.
func (w *window) purge(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.admitted) && !w.admitted[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.admitted = append(w.admitted[:0], w.admitted[i:]...)
	}
}
