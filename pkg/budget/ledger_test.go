package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snow-ghost/dispatch/core"
	"github.com/snow-ghost/dispatch/testkit"
)

func hardConfig(daily, monthly float64) Config {
	return Config{
		Default: Cap{DailyUSD: daily, MonthlyUSD: monthly, HardStop: true},
	}
}

func startOfDay() time.Time {
	return time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
}

func TestTryReserveHardStopRejectsOverDailyCap(t *testing.T) {
	clock := testkit.NewManualClock(startOfDay())
	ledger := NewLedger(hardConfig(1.00, 0), clock, nil, nil)
	ctx := context.Background()

	res1, err := ledger.TryReserve(ctx, "cloud-std", 0.60)
	require.NoError(t, err)

	_, err = ledger.TryReserve(ctx, "cloud-std", 0.50)
	require.ErrorIs(t, err, core.ErrBudgetBlocked, "0.60 reserved + 0.50 > 1.00 cap")

	ledger.Release(ctx, res1)
	_, err = ledger.TryReserve(ctx, "cloud-std", 0.50)
	assert.NoError(t, err, "released reservation frees the cap")
}

func TestCommitReplacesEstimateWithActual(t *testing.T) {
	clock := testkit.NewManualClock(startOfDay())
	ledger := NewLedger(hardConfig(1.00, 0), clock, nil, nil)
	ctx := context.Background()

	res, err := ledger.TryReserve(ctx, "cloud-std", 0.50)
	require.NoError(t, err)
	ledger.Commit(ctx, res, 0.30)

	status := ledger.StatusFor("cloud-std")
	assert.InDelta(t, 0.30, status.Day.SpentUSD, 1e-9)
	assert.InDelta(t, 0.0, status.Day.ReservedUSD, 1e-9)
	assert.InDelta(t, 0.70, status.Day.RemainingUSD, 1e-9)

	_, err = ledger.TryReserve(ctx, "cloud-std", 0.80)
	assert.ErrorIs(t, err, core.ErrBudgetBlocked, "0.30 spent + 0.80 > 1.00 cap")
}

func TestAdvisoryCapAdmitsOverruns(t *testing.T) {
	config := Config{Default: Cap{DailyUSD: 0.10, HardStop: false}}
	ledger := NewLedger(config, testkit.NewManualClock(startOfDay()), nil, nil)

	_, err := ledger.TryReserve(context.Background(), "cloud-std", 0.50)
	assert.NoError(t, err, "advisory caps log but never reject")
}

func TestDayRolloverResetsDailyNotMonthly(t *testing.T) {
	clock := testkit.NewManualClock(startOfDay())
	ledger := NewLedger(hardConfig(1.00, 1.50), clock, nil, nil)
	ctx := context.Background()

	res, err := ledger.TryReserve(ctx, "cloud-std", 0.90)
	require.NoError(t, err)
	ledger.Commit(ctx, res, 0.90)

	// same day: daily cap blocks
	_, err = ledger.TryReserve(ctx, "cloud-std", 0.90)
	require.ErrorIs(t, err, core.ErrBudgetBlocked)

	// next day: daily resets, monthly still accumulates
	clock.Advance(24 * time.Hour)
	res, err = ledger.TryReserve(ctx, "cloud-std", 0.50)
	require.NoError(t, err, "fresh day admits under daily cap")
	ledger.Commit(ctx, res, 0.50)

	_, err = ledger.TryReserve(ctx, "cloud-std", 0.20)
	assert.ErrorIs(t, err, core.ErrBudgetBlocked, "0.90 + 0.50 + 0.20 > 1.50 monthly cap")
}

func TestCommitAfterMidnightSettlesReservedPeriod(t *testing.T) {
	clock := testkit.NewManualClock(time.Date(2025, 6, 15, 23, 59, 0, 0, time.UTC))
	ledger := NewLedger(hardConfig(1.00, 0), clock, nil, nil)
	ctx := context.Background()

	res, err := ledger.TryReserve(ctx, "cloud-std", 0.40)
	require.NoError(t, err)
	require.Equal(t, "2025-06-15", res.DayKey)

	clock.Advance(5 * time.Minute)
	ledger.Commit(ctx, res, 0.40)

	// the new day starts clean; the spend belongs to June 15
	status := ledger.StatusFor("cloud-std")
	assert.Equal(t, "2025-06-16", status.Day.PeriodKey)
	assert.InDelta(t, 0.0, status.Day.SpentUSD, 1e-9)

	var old *SnapshotRow
	for _, row := range ledger.Snapshot() {
		if row.Period == "day" && row.PeriodKey == "2025-06-15" {
			r := row
			old = &r
		}
	}
	require.NotNil(t, old, "June 15 bucket must survive until pruned")
	assert.InDelta(t, 0.40, old.SpentUSD, 1e-9)
}

func TestConcurrentReservationsNeverOvershootHardCap(t *testing.T) {
	clock := testkit.NewManualClock(startOfDay())
	ledger := NewLedger(hardConfig(1.00, 0), clock, nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for g := 0; g < 40; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ledger.TryReserve(ctx, "cloud-std", 0.10)
			if err != nil {
				return
			}
			mu.Lock()
			admitted++
			mu.Unlock()
			ledger.Commit(ctx, res, 0.10)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, admitted, "exactly 10 x $0.10 fit in a $1.00 cap")
	status := ledger.StatusFor("cloud-std")
	assert.InDelta(t, 1.00, status.Day.SpentUSD, 1e-9)
	assert.InDelta(t, 0.0, status.Day.ReservedUSD, 1e-9)
}

func TestRestoreSeedsCommittedSpend(t *testing.T) {
	clock := testkit.NewManualClock(startOfDay())
	ledger := NewLedger(hardConfig(1.00, 0), clock, nil, nil)

	ledger.Restore([]SnapshotRow{
		{ProviderID: "cloud-std", Period: "day", PeriodKey: "2025-06-15", SpentUSD: 0.85},
		{ProviderID: "cloud-std", Period: "month", PeriodKey: "2025-06", SpentUSD: 0.85},
	})

	_, err := ledger.TryReserve(context.Background(), "cloud-std", 0.20)
	assert.ErrorIs(t, err, core.ErrBudgetBlocked, "restored spend counts against the cap")
}

func TestPruneDropsStalePeriods(t *testing.T) {
	clock := testkit.NewManualClock(startOfDay())
	ledger := NewLedger(hardConfig(0, 0), clock, nil, nil)
	ctx := context.Background()

	res, err := ledger.TryReserve(ctx, "cloud-std", 0.10)
	require.NoError(t, err)
	ledger.Commit(ctx, res, 0.10)

	clock.Advance(48 * time.Hour)
	ledger.Prune()

	for _, row := range ledger.Snapshot() {
		assert.NotEqual(t, "2025-06-15", row.PeriodKey, "stale day bucket should be pruned")
	}
}

func TestStatusAllIncludesConfiguredAndActiveProviders(t *testing.T) {
	ledger := NewLedger(hardConfig(1.00, 0), testkit.NewManualClock(startOfDay()), nil, nil)

	_, err := ledger.TryReserve(context.Background(), "cloud-active", 0.10)
	require.NoError(t, err)

	statuses := ledger.StatusAll([]string{"cloud-configured"})
	ids := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		ids[s.ProviderID] = true
	}
	assert.True(t, ids["cloud-active"])
	assert.True(t, ids["cloud-configured"])
}
