package core

import (
	"context"
	"time"
)

type Classifier interface {
	Classify(ctx context.Context, rawText string) (Classification, error)
}

type ExecuteRequest struct {
	Task    Task
	OnChunk func(Chunk) // optional; called from the adapter goroutine
}

type ExecuteResult struct {
	Output    string
	Usage     Usage
	CostUSD   float64 // 0 means settle from registry pricing
	LatencyMs int64
}

type Adapter interface {
	ProviderID() string
	Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
}

// AdapterSource resolves the adapter for a provider record.
type AdapterSource interface {
	AdapterFor(p Provider) (Adapter, error)
}

type Guard interface {
	// AllowProvider rejects provider/task pairings the policy forbids.
	AllowProvider(t Task, p Provider) error
	// WrapAttempt runs fn under the effective attempt deadline.
	WrapAttempt(ctx context.Context, t Task, attemptTimeout time.Duration, fn func(ctx context.Context) error) error
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }
