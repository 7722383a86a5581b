// Package local enforces dispatch policy on the executing host: which
// provider a task may run on, and how long a single attempt may take.
package local

import (
	"context"
	"fmt"
	"time"

	"github.com/snow-ghost/dispatch/core"
)

// DefaultAttemptTimeout bounds one provider attempt when neither the
// provider record nor the task supplies a tighter limit.
const DefaultAttemptTimeout = 30 * time.Second

// Guard is the local policy checkpoint. The selection engine already
// filters privacy-sensitive tasks to local providers; Guard re-checks the
// pairing immediately before execution so a stale plan can never leak a
// sensitive prompt to a cloud endpoint.
type Guard struct {
	defaultTimeout time.Duration
}

// NewGuard creates a guard. A non-positive defaultTimeout falls back to
// DefaultAttemptTimeout.
func NewGuard(defaultTimeout time.Duration) *Guard {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultAttemptTimeout
	}
	return &Guard{defaultTimeout: defaultTimeout}
}

// AllowProvider rejects pairings the dispatch policy forbids.
func (g *Guard) AllowProvider(t core.Task, p core.Provider) error {
	if t.Class.PrivacySensitive && p.Kind != core.KindLocal {
		return fmt.Errorf("%w: privacy-sensitive task %s cannot run on %s provider %s",
			core.ErrPolicyViolation, t.ID, p.Kind, p.ID)
	}
	return nil
}

// WrapAttempt runs fn under the effective attempt deadline.
// Order of precedence: task deadline when it expires sooner > attemptTimeout > guard default.
func (g *Guard) WrapAttempt(ctx context.Context, t core.Task, attemptTimeout time.Duration, fn func(ctx context.Context) error) error {
	timeout := attemptTimeout
	if timeout <= 0 {
		timeout = g.defaultTimeout
	}
	if !t.Deadline.IsZero() {
		if remaining := time.Until(t.Deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(execCtx)
	}()

	select {
	case <-execCtx.Done():
		return execCtx.Err()
	case err := <-done:
		return err
	}
}
