package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/snow-ghost/dispatch/core"
	"github.com/stretchr/testify/assert"
)

func TestGuard_AllowProvider(t *testing.T) {
	g := NewGuard(0)

	private := core.Task{ID: "t1", Class: core.Classification{PrivacySensitive: true}}
	public := core.Task{ID: "t2", Class: core.Classification{PrivacySensitive: false}}
	local := core.Provider{ID: "local-runtime", Kind: core.KindLocal}
	cloud := core.Provider{ID: "cloud-cheap", Kind: core.KindCloud}

	assert.NoError(t, g.AllowProvider(private, local))
	assert.NoError(t, g.AllowProvider(public, cloud))

	err := g.AllowProvider(private, cloud)
	assert.Error(t, err)
	assert.ErrorIs(t, err, core.ErrPolicyViolation)
	assert.Contains(t, err.Error(), "cloud-cheap")
}

func TestGuard_WrapTimeout(t *testing.T) {
	g := NewGuard(0)
	ctx := context.Background()

	start := time.Now()
	err := g.WrapAttempt(ctx, core.Task{ID: "t1"}, 10*time.Millisecond, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
			return nil
		}
	})
	elapsed := time.Since(start)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, elapsed.Milliseconds(), int64(10))
	assert.Less(t, elapsed.Milliseconds(), int64(150))
}

func TestGuard_WrapTaskDeadlineWins(t *testing.T) {
	g := NewGuard(0)
	task := core.Task{ID: "t1", Deadline: time.Now().Add(15 * time.Millisecond)}

	start := time.Now()
	err := g.WrapAttempt(context.Background(), task, 5*time.Second, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	elapsed := time.Since(start)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed.Milliseconds(), int64(500))
}

func TestGuard_WrapExpiredDeadline(t *testing.T) {
	g := NewGuard(0)
	task := core.Task{ID: "t1", Deadline: time.Now().Add(-time.Second)}

	called := false
	err := g.WrapAttempt(context.Background(), task, time.Second, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
}

func TestGuard_WrapReturnsFnError(t *testing.T) {
	g := NewGuard(0)
	want := errors.New("backend unavailable")

	err := g.WrapAttempt(context.Background(), core.Task{ID: "t1"}, time.Second, func(ctx context.Context) error {
		return want
	})
	assert.ErrorIs(t, err, want)
}

func TestGuard_WrapParentCancellation(t *testing.T) {
	g := NewGuard(0)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := g.WrapAttempt(ctx, core.Task{ID: "t1"}, 5*time.Second, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
}
