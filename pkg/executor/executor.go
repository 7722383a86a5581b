// Package executor walks a ranked candidate chain until one provider
// produces a result. Every attempt, including rejected ones, leaves an
// audit record; budget holds are settled the moment their attempt ends.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/snow-ghost/dispatch/core"
	"github.com/snow-ghost/dispatch/pkg/budget"
	"github.com/snow-ghost/dispatch/pkg/cost"
	"github.com/snow-ghost/dispatch/pkg/limiter"
	"github.com/snow-ghost/dispatch/pkg/logging"
	"github.com/snow-ghost/dispatch/pkg/metrics"
)

// Admitter gates one attempt against the provider's sliding admission window.
type Admitter interface {
	TryAdmit(p core.Provider) bool
}

// Reserver places a budget hold before an attempt can spend anything.
type Reserver interface {
	TryReserve(ctx context.Context, providerID string, estimatedUSD float64) (budget.Reservation, error)
}

// Breaker short-circuits providers that keep failing.
type Breaker interface {
	IsOpen(providerID string) bool
	Execute(providerID string, fn func() (interface{}, error)) (interface{}, error)
}

// Settler finalizes one attempt: settle its budget hold and append the
// audit record. Non-success records release the hold; success commits it.
type Settler interface {
	RecordAttempt(ctx context.Context, res budget.Reservation, rec core.ExecutionRecord)
}

// Executor runs the fallback chain. Rate and budget rejections skip to the
// next candidate without touching the circuit breaker; only real execution
// failures (timeouts, transport errors) count against a provider's circuit.
type Executor struct {
	Adapters   core.AdapterSource
	Admission  Admitter
	Ledger     Reserver
	Breakers   Breaker
	Guard      core.Guard
	Accountant Settler

	Clock   core.Clock
	Logger  *logging.Logger
	Metrics *metrics.Metrics

	// AttemptTimeout bounds one provider attempt; the guard default
	// applies when zero.
	AttemptTimeout time.Duration
}

// ExecuteChain tries each candidate in order and returns the first
// successful result. When every candidate is rejected or fails it returns
// an *core.ExhaustedError listing why each one dropped out. Cancellation
// stops the chain immediately and returns core.ErrTaskCancelled.
func (e *Executor) ExecuteChain(ctx context.Context, t core.Task, candidates []core.Provider, onChunk func(core.Chunk)) (core.Result, error) {
	if len(candidates) == 0 {
		return core.Result{}, &core.ExhaustedError{TaskID: t.ID}
	}

	attempts := make([]core.AttemptFailure, 0, len(candidates))
	for _, p := range candidates {
		if err := ctx.Err(); err != nil {
			e.logger().Info("fallback chain stopped: task context done",
				"task_id", t.ID, "attempts", len(attempts))
			return core.Result{}, fmt.Errorf("%w: %v", core.ErrTaskCancelled, err)
		}
		if !t.Deadline.IsZero() && e.clock().Now().After(t.Deadline) {
			e.logger().Warn("fallback chain stopped: task deadline passed",
				"task_id", t.ID, "deadline", t.Deadline)
			break
		}

		if err := e.Guard.AllowProvider(t, p); err != nil {
			attempts = append(attempts, e.reject(ctx, t, p, "policy_check", core.OutcomeError, err.Error()))
			continue
		}
		if e.Breakers.IsOpen(p.ID) {
			attempts = append(attempts, e.reject(ctx, t, p, "executing", core.OutcomeError, "circuit open"))
			continue
		}
		if !e.Admission.TryAdmit(p) {
			e.Metrics.RecordAdmissionRejection(p.ID, "window_full")
			attempts = append(attempts, e.reject(ctx, t, p, "rate_check", core.OutcomeRateLimited, "admission window full"))
			continue
		}

		reservation, err := e.Ledger.TryReserve(ctx, p.ID, cost.Estimate(t.Class, p))
		if err != nil {
			e.Metrics.RecordAdmissionRejection(p.ID, "budget")
			attempts = append(attempts, e.reject(ctx, t, p, "budget_check", core.OutcomeBudgetBlocked, err.Error()))
			continue
		}

		start := e.clock().Now()
		out, attemptErr := e.attempt(ctx, t, p, onChunk)
		elapsed := e.clock().Now().Sub(start)

		if attemptErr == nil {
			result := e.settleSuccess(ctx, t, p, reservation, out, elapsed)
			return result, nil
		}

		outcome, reason, advance := classifyAttemptErr(attemptErr)
		e.Accountant.RecordAttempt(ctx, reservation, core.ExecutionRecord{
			ID:           uuid.NewString(),
			TaskID:       t.ID,
			ProviderID:   p.ID,
			ProviderKind: p.Kind,
			LatencyMs:    elapsed.Milliseconds(),
			Outcome:      outcome,
			Reason:       reason,
			Timestamp:    e.clock().Now().UTC(),
		})
		e.Metrics.RecordAttempt(p.ID, string(outcome), elapsed)
		e.logger().LogAttempt(ctx, t.ID, p.ID, outcome, elapsed, 0)
		attempts = append(attempts, core.AttemptFailure{ProviderID: p.ID, Stage: "executing", Outcome: outcome, Reason: reason})

		if !advance {
			return core.Result{}, fmt.Errorf("%w: %v", core.ErrTaskCancelled, attemptErr)
		}
	}

	return core.Result{}, &core.ExhaustedError{TaskID: t.ID, Attempts: attempts}
}

// attempt runs one guarded provider call under the circuit breaker.
// Adapter construction happens inside the breaker so a misconfigured
// provider opens its circuit instead of being retried on every task.
func (e *Executor) attempt(ctx context.Context, t core.Task, p core.Provider, onChunk func(core.Chunk)) (*core.ExecuteResult, error) {
	var out *core.ExecuteResult
	_, err := e.Breakers.Execute(p.ID, func() (interface{}, error) {
		adapter, aerr := e.Adapters.AdapterFor(p)
		if aerr != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrProviderTransport, aerr)
		}
		wrapErr := e.Guard.WrapAttempt(ctx, t, e.AttemptTimeout, func(execCtx context.Context) error {
			res, execErr := adapter.Execute(execCtx, core.ExecuteRequest{Task: t, OnChunk: onChunk})
			if execErr != nil {
				return execErr
			}
			out = res
			return nil
		})
		if wrapErr != nil && errors.Is(ctx.Err(), context.Canceled) {
			// The caller walked away mid-flight; the breaker must not
			// count this against the provider.
			return nil, fmt.Errorf("%w: %v", limiter.ErrExecutionAbandoned, wrapErr)
		}
		return nil, wrapErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Executor) settleSuccess(ctx context.Context, t core.Task, p core.Provider, reservation budget.Reservation, out *core.ExecuteResult, elapsed time.Duration) core.Result {
	actual := out.CostUSD
	if actual == 0 && !p.IsFree() {
		_, _, actual = cost.Settle(out.Usage, p.Pricing)
	}
	latencyMs := out.LatencyMs
	if latencyMs == 0 {
		latencyMs = elapsed.Milliseconds()
	}

	e.Accountant.RecordAttempt(ctx, reservation, core.ExecutionRecord{
		ID:           uuid.NewString(),
		TaskID:       t.ID,
		ProviderID:   p.ID,
		ProviderKind: p.Kind,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
		CostUSD:      actual,
		LatencyMs:    latencyMs,
		Outcome:      core.OutcomeSuccess,
		Timestamp:    e.clock().Now().UTC(),
	})
	e.Metrics.RecordAttempt(p.ID, string(core.OutcomeSuccess), elapsed)
	e.Metrics.RecordUsage(p.ID, out.Usage.InputTokens, out.Usage.OutputTokens)
	e.Metrics.RecordCost(p.ID, p.Pricing.Currency, actual)
	e.logger().LogAttempt(ctx, t.ID, p.ID, core.OutcomeSuccess, elapsed, actual)

	return core.Result{
		TaskID:     t.ID,
		ProviderID: p.ID,
		Output:     out.Output,
		Usage:      out.Usage,
		CostUSD:    actual,
		LatencyMs:  latencyMs,
	}
}

// reject records an attempt that never reached the provider. No budget was
// held for it, so the settler only appends the audit row.
func (e *Executor) reject(ctx context.Context, t core.Task, p core.Provider, stage string, outcome core.Outcome, reason string) core.AttemptFailure {
	e.Accountant.RecordAttempt(ctx, budget.Reservation{}, core.ExecutionRecord{
		ID:           uuid.NewString(),
		TaskID:       t.ID,
		ProviderID:   p.ID,
		ProviderKind: p.Kind,
		Outcome:      outcome,
		Reason:       reason,
		Timestamp:    e.clock().Now().UTC(),
	})
	e.Metrics.RecordAttempt(p.ID, string(outcome), 0)
	e.logger().LogAttempt(ctx, t.ID, p.ID, outcome, 0, 0)
	return core.AttemptFailure{ProviderID: p.ID, Stage: stage, Outcome: outcome, Reason: reason}
}

// classifyAttemptErr maps an attempt error to its audit outcome and decides
// whether the chain advances to the next candidate.
func classifyAttemptErr(err error) (outcome core.Outcome, reason string, advance bool) {
	switch {
	case errors.Is(err, limiter.ErrExecutionAbandoned),
		errors.Is(err, context.Canceled),
		errors.Is(err, core.ErrTaskCancelled):
		return core.OutcomeCancelled, "task cancelled", false
	case errors.Is(err, core.ErrCircuitOpen):
		return core.OutcomeError, "circuit open", true
	case errors.Is(err, core.ErrProviderTimeout), errors.Is(err, context.DeadlineExceeded):
		return core.OutcomeTimeout, err.Error(), true
	default:
		return core.OutcomeError, err.Error(), true
	}
}

func (e *Executor) logger() *logging.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logging.NewNop()
}

func (e *Executor) clock() core.Clock {
	if e.Clock != nil {
		return e.Clock
	}
	return core.SystemClock()
}
