package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProviderSupportsTaskType(t *testing.T) {
	p := Provider{
		ID:                 "local-runtime",
		Kind:               KindLocal,
		SupportedTaskTypes: []TaskType{TaskGenericGeneration, TaskCompletion, TaskClassification},
	}

	require.True(t, p.SupportsTaskType(TaskCompletion))
	require.True(t, p.SupportsTaskType(TaskClassification))
	require.False(t, p.SupportsTaskType(TaskUIGeneration))
}

func TestProviderPerTokenPrices(t *testing.T) {
	p := Provider{
		ID:      "cloud-std",
		Kind:    KindCloud,
		Pricing: Pricing{Currency: "USD", InputPer1K: 0.5, OutputPer1K: 1.5},
	}

	require.InDelta(t, 0.0005, p.PricePerInputToken(), 1e-12)
	require.InDelta(t, 0.0015, p.PricePerOutputToken(), 1e-12)
	require.False(t, p.IsFree())

	free := Provider{ID: "local-runtime", Kind: KindLocal}
	require.True(t, free.IsFree())
	require.Zero(t, free.PricePerInputToken())
}

func TestTaskStateTerminal(t *testing.T) {
	terminal := []TaskState{StateSuccess, StateAllExhausted, StateCancelled}
	for _, s := range terminal {
		require.True(t, s.Terminal(), "state %s", s)
	}
	active := []TaskState{StateSubmitted, StateClassified, StateRateCheck, StateBudgetCheck, StateExecuting}
	for _, s := range active {
		require.False(t, s.Terminal(), "state %s", s)
	}
}

func TestExhaustedErrorMessage(t *testing.T) {
	err := &ExhaustedError{
		TaskID: "t-42",
		Attempts: []AttemptFailure{
			{ProviderID: "cloud-std", Stage: "rate_check", Outcome: OutcomeRateLimited, Reason: "window full"},
			{ProviderID: "cloud-premium", Stage: "budget_check", Outcome: OutcomeBudgetBlocked, Reason: "daily cap"},
		},
	}

	msg := err.Error()
	require.Contains(t, msg, "t-42")
	require.Contains(t, msg, "cloud-std: rate_limited (window full)")
	require.Contains(t, msg, "cloud-premium: budget_blocked (daily cap)")
}

func TestAsExhausted(t *testing.T) {
	inner := &ExhaustedError{TaskID: "t-1"}
	wrapped := fmt.Errorf("pipeline: %w", inner)

	got, ok := AsExhausted(wrapped)
	require.True(t, ok)
	require.Equal(t, "t-1", got.TaskID)

	_, ok = AsExhausted(errors.New("plain"))
	require.False(t, ok)
}
