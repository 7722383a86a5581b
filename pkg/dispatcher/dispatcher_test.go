package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snow-ghost/dispatch/core"
	"github.com/snow-ghost/dispatch/pkg/accounting"
	"github.com/snow-ghost/dispatch/pkg/budget"
	"github.com/snow-ghost/dispatch/pkg/classify"
	"github.com/snow-ghost/dispatch/pkg/executor"
	"github.com/snow-ghost/dispatch/pkg/limiter"
	"github.com/snow-ghost/dispatch/pkg/registry"
	"github.com/snow-ghost/dispatch/pkg/selection"
	"github.com/snow-ghost/dispatch/policy/local"
	"github.com/snow-ghost/dispatch/testkit"
)

// serviceFixture wires a full pipeline out of real components; only the
// provider adapters are scripted.
type serviceFixture struct {
	svc    *Service
	clock  *testkit.ManualClock
	ledger *budget.Ledger
	audit  *accounting.MemoryAggregator
	source *testkit.StaticAdapterSource
}

func newServiceFixture(t *testing.T, providers []core.Provider, throttle *limiter.Throttle, adapters ...core.Adapter) *serviceFixture {
	t.Helper()

	clock := testkit.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	reg, err := registry.New(providers)
	require.NoError(t, err)

	ledger := budget.NewLedger(budget.Config{}, clock, nil, nil)
	admission := limiter.NewAdmission(clock)
	breakers := limiter.NewBreakerManager(&limiter.BreakerConfig{
		ConsecutiveFailures: 3,
		OpenTimeout:         time.Minute,
		ProbeRequests:       1,
	}, nil, nil)
	audit := accounting.NewMemoryAggregator()
	accountant := accounting.NewAccountant(audit, ledger, clock, nil)
	source := testkit.NewStaticAdapterSource(adapters...)

	svc := New(Deps{
		Registry:   reg,
		Classifier: classify.NewHeuristicClassifier(nil),
		Selector:   selection.NewEngine(reg, ledger, breakers, selection.DefaultTierTable(), nil),
		Executor: &executor.Executor{
			Adapters:   source,
			Admission:  admission,
			Ledger:     ledger,
			Breakers:   breakers,
			Guard:      local.NewGuard(0),
			Accountant: accountant,
			Clock:      clock,
		},
		Ledger:     ledger,
		Accountant: accountant,
		Admission:  admission,
		Breakers:   breakers,
		Throttle:   throttle,
		Clock:      clock,
	}, Options{})
	t.Cleanup(func() { _ = svc.Close() })

	return &serviceFixture{svc: svc, clock: clock, ledger: ledger, audit: audit, source: source}
}

func waitResult(t *testing.T, h *TaskHandle) (core.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.Wait(ctx)
}

func TestService_SubmitRunsTaskToSuccess(t *testing.T) {
	localAdapter := testkit.NewScriptedAdapter("local-runtime", testkit.Step{
		Output: "salt spray at dawn",
		Usage:  core.Usage{InputTokens: 12, OutputTokens: 9},
	})
	fix := newServiceFixture(t, testkit.Providers(), nil, localAdapter)

	handle, err := fix.svc.Submit(context.Background(), SubmitRequest{
		Text:     "write a haiku about the sea",
		CallerID: "alice",
	})
	require.NoError(t, err)
	require.NotEmpty(t, handle.ID())

	res, err := waitResult(t, handle)
	require.NoError(t, err)
	assert.Equal(t, "local-runtime", res.ProviderID)
	assert.Equal(t, "salt spray at dawn", res.Output)
	assert.Equal(t, handle.ID(), res.TaskID)

	status, err := fix.svc.Status(handle.ID())
	require.NoError(t, err)
	assert.Equal(t, core.StateSuccess, status.State)
	require.NotNil(t, status.Classification)
	assert.Equal(t, core.TaskGenericGeneration, status.Classification.TaskType)
	assert.Equal(t, 1, status.Classification.Complexity)
	assert.False(t, status.Classification.PrivacySensitive)
	require.NotNil(t, status.Result)
	assert.Empty(t, status.Error)
	require.NotNil(t, status.FinishedAt)

	records, err := fix.svc.Costs(accounting.Filter{TaskID: handle.ID()})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, core.OutcomeSuccess, records[0].Outcome)
	assert.Equal(t, 12, records[0].InputTokens)

	budgets := fix.svc.Budgets()
	assert.Len(t, budgets, 4)
	for _, b := range budgets {
		assert.Zero(t, b.Day.SpentUSD, "provider %s should have no spend", b.ProviderID)
	}
}

func TestService_StreamsProgress(t *testing.T) {
	localAdapter := testkit.NewScriptedAdapter("local-runtime", testkit.Step{
		Output: "partial answer",
		Chunks: []string{"partial ", "answer"},
	})
	fix := newServiceFixture(t, testkit.Providers(), nil, localAdapter)

	handle, err := fix.svc.Submit(context.Background(), SubmitRequest{Text: "stream me a short answer"})
	require.NoError(t, err)

	var chunks []core.Chunk
	for c := range handle.Progress() {
		chunks = append(chunks, c)
	}
	_, err = waitResult(t, handle)
	require.NoError(t, err)

	require.Len(t, chunks, 2)
	assert.Equal(t, "partial ", chunks[0].Content)
	assert.Equal(t, "answer", chunks[1].Content)
	assert.Equal(t, "local-runtime", chunks[0].ProviderID)
	assert.Equal(t, handle.ID(), chunks[0].TaskID)
	assert.Zero(t, handle.Dropped())
}

func TestService_FallsBackToNextProvider(t *testing.T) {
	localAdapter := testkit.NewScriptedAdapter("local-runtime", testkit.Step{
		Err: errors.New("model runtime crashed"),
	})
	cloudAdapter := testkit.NewScriptedAdapter("cloud-cheap", testkit.Step{
		Output: "recovered",
		Usage:  core.Usage{InputTokens: 1000, OutputTokens: 1000},
	})
	fix := newServiceFixture(t, testkit.Providers(), nil, localAdapter, cloudAdapter)

	handle, err := fix.svc.Submit(context.Background(), SubmitRequest{Text: "write a haiku about the sea"})
	require.NoError(t, err)

	res, err := waitResult(t, handle)
	require.NoError(t, err)
	assert.Equal(t, "cloud-cheap", res.ProviderID)
	assert.InDelta(t, 0.00075, res.CostUSD, 1e-9)

	summary, err := fix.audit.Summary(accounting.Filter{TaskID: handle.ID()})
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.TotalRecords)
	assert.Equal(t, int64(1), summary.SuccessCount)

	status := fix.ledger.StatusFor("cloud-cheap")
	assert.InDelta(t, 0.00075, status.Day.SpentUSD, 1e-9)
	assert.Zero(t, status.Day.ReservedUSD)
}

func TestService_PrivacyTaskNeverLeavesLocal(t *testing.T) {
	localAdapter := testkit.NewScriptedAdapter("local-runtime", testkit.Step{Output: "done locally"})
	cheapAdapter := testkit.NewScriptedAdapter("cloud-cheap", testkit.Step{Output: "leaked"})
	midAdapter := testkit.NewScriptedAdapter("cloud-mid", testkit.Step{Output: "leaked"})
	fix := newServiceFixture(t, testkit.Providers(), nil, localAdapter, cheapAdapter, midAdapter)

	handle, err := fix.svc.Submit(context.Background(), SubmitRequest{
		Text: "summarize the payroll report for march",
	})
	require.NoError(t, err)

	res, err := waitResult(t, handle)
	require.NoError(t, err)
	assert.Equal(t, "local-runtime", res.ProviderID)

	status, err := fix.svc.Status(handle.ID())
	require.NoError(t, err)
	require.NotNil(t, status.Classification)
	assert.True(t, status.Classification.PrivacySensitive)

	assert.Zero(t, cheapAdapter.Calls())
	assert.Zero(t, midAdapter.Calls())
}

func TestService_CancelMidExecution(t *testing.T) {
	localAdapter := testkit.NewScriptedAdapter("local-runtime", testkit.Step{Hang: true})
	cloudAdapter := testkit.NewScriptedAdapter("cloud-cheap", testkit.Step{Output: "never"})
	fix := newServiceFixture(t, testkit.Providers(), nil, localAdapter, cloudAdapter)

	handle, err := fix.svc.Submit(context.Background(), SubmitRequest{Text: "write a haiku about the sea"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return localAdapter.Calls() == 1
	}, 2*time.Second, 5*time.Millisecond, "task should reach the hanging adapter")

	require.NoError(t, fix.svc.Cancel(handle.ID()))

	_, err = waitResult(t, handle)
	require.ErrorIs(t, err, core.ErrTaskCancelled)

	status, err := fix.svc.Status(handle.ID())
	require.NoError(t, err)
	assert.Equal(t, core.StateCancelled, status.State)

	// the chain stopped: no fallback attempt, no budget held
	assert.Zero(t, cloudAdapter.Calls())
	assert.Zero(t, fix.ledger.StatusFor("local-runtime").Day.ReservedUSD)

	cancelled, err := fix.audit.Query(accounting.Filter{
		TaskID:  handle.ID(),
		Outcome: core.OutcomeCancelled,
	})
	require.NoError(t, err)
	assert.Len(t, cancelled, 1)
}

func TestService_UnknownTask(t *testing.T) {
	fix := newServiceFixture(t, testkit.Providers(), nil)

	_, err := fix.svc.Status("no-such-task")
	require.ErrorIs(t, err, core.ErrTaskNotFound)

	err = fix.svc.Cancel("no-such-task")
	require.ErrorIs(t, err, core.ErrTaskNotFound)
}

func TestService_ThrottleIsPerCaller(t *testing.T) {
	localAdapter := testkit.NewScriptedAdapter("local-runtime", testkit.Step{Output: "ok"})
	fix := newServiceFixture(t, testkit.Providers(), limiter.NewThrottle(0.001, 1), localAdapter)

	first, err := fix.svc.Submit(context.Background(), SubmitRequest{Text: "quick question", CallerID: "alice"})
	require.NoError(t, err)

	_, err = fix.svc.Submit(context.Background(), SubmitRequest{Text: "another question", CallerID: "alice"})
	require.ErrorIs(t, err, core.ErrRateLimited)

	_, err = fix.svc.Submit(context.Background(), SubmitRequest{Text: "quick question", CallerID: "bob"})
	require.NoError(t, err)

	_, err = waitResult(t, first)
	require.NoError(t, err)
}

func TestService_EmptyText(t *testing.T) {
	fix := newServiceFixture(t, testkit.Providers(), nil)

	_, err := fix.svc.Submit(context.Background(), SubmitRequest{Text: ""})
	require.ErrorIs(t, err, ErrEmptyTask)
}

func TestService_ProviderOverride(t *testing.T) {
	localAdapter := testkit.NewScriptedAdapter("local-runtime", testkit.Step{Output: "cheap"})
	midAdapter := testkit.NewScriptedAdapter("cloud-mid", testkit.Step{Output: "pinned"})
	fix := newServiceFixture(t, testkit.Providers(), nil, localAdapter, midAdapter)

	handle, err := fix.svc.Submit(context.Background(), SubmitRequest{
		Text:             "write a haiku about the sea",
		ProviderOverride: "cloud-mid",
	})
	require.NoError(t, err)

	res, err := waitResult(t, handle)
	require.NoError(t, err)
	assert.Equal(t, "cloud-mid", res.ProviderID)
	assert.Equal(t, "pinned", res.Output)
	assert.Zero(t, localAdapter.Calls())
}

func TestService_PrivacyWithoutLocalExhausts(t *testing.T) {
	cheapAdapter := testkit.NewScriptedAdapter("cloud-cheap", testkit.Step{Output: "leaked"})
	providers := []core.Provider{testkit.CheapCloudProvider(), testkit.MidCloudProvider()}
	fix := newServiceFixture(t, providers, nil, cheapAdapter)

	handle, err := fix.svc.Submit(context.Background(), SubmitRequest{
		Text: "rotate the database password",
	})
	require.NoError(t, err)

	_, err = waitResult(t, handle)
	require.ErrorIs(t, err, core.ErrNoCandidates)

	status, err := fix.svc.Status(handle.ID())
	require.NoError(t, err)
	assert.Equal(t, core.StateAllExhausted, status.State)
	assert.Contains(t, status.Error, "no eligible providers")
	assert.Zero(t, cheapAdapter.Calls())
}

func TestService_ExhaustionReportsEveryAttempt(t *testing.T) {
	localAdapter := testkit.NewScriptedAdapter("local-runtime", testkit.Step{
		Err: errors.New("runtime out of memory"),
	})
	cloudAdapter := testkit.NewScriptedAdapter("cloud-cheap", testkit.Step{
		Err: errors.New("upstream 500"),
	})
	fix := newServiceFixture(t, testkit.Providers(), nil, localAdapter, cloudAdapter)

	handle, err := fix.svc.Submit(context.Background(), SubmitRequest{Text: "write a haiku about the sea"})
	require.NoError(t, err)

	_, err = waitResult(t, handle)
	require.Error(t, err)
	exhausted, ok := core.AsExhausted(err)
	require.True(t, ok)
	require.Len(t, exhausted.Attempts, 2)

	status, err := fix.svc.Status(handle.ID())
	require.NoError(t, err)
	assert.Equal(t, core.StateAllExhausted, status.State)
	require.Len(t, status.Attempts, 2)
	assert.Equal(t, "local-runtime", status.Attempts[0].ProviderID)
	assert.Equal(t, "cloud-cheap", status.Attempts[1].ProviderID)
	assert.Contains(t, status.Attempts[1].Reason, "upstream 500")
	assert.Contains(t, status.Error, "all providers exhausted")
}

func TestService_PruneTasks(t *testing.T) {
	localAdapter := testkit.NewScriptedAdapter("local-runtime", testkit.Step{Output: "ok"})
	fix := newServiceFixture(t, testkit.Providers(), nil, localAdapter)

	handle, err := fix.svc.Submit(context.Background(), SubmitRequest{Text: "quick question"})
	require.NoError(t, err)
	_, err = waitResult(t, handle)
	require.NoError(t, err)

	assert.Zero(t, fix.svc.PruneTasks(time.Hour), "fresh tasks must survive")

	fix.clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, fix.svc.PruneTasks(time.Hour))

	_, err = fix.svc.Status(handle.ID())
	require.ErrorIs(t, err, core.ErrTaskNotFound)
}

func TestService_ProviderManagement(t *testing.T) {
	fix := newServiceFixture(t, testkit.Providers(), nil)

	require.NoError(t, fix.svc.RemoveProvider("cloud-premium"))
	assert.Len(t, fix.svc.Providers(), 3)

	err := fix.svc.RemoveProvider("cloud-premium")
	require.ErrorIs(t, err, core.ErrUnknownProvider)

	require.NoError(t, fix.svc.AddProvider(testkit.PremiumCloudProvider()))
	assert.Len(t, fix.svc.Providers(), 4)

	err = fix.svc.AddProvider(testkit.PremiumCloudProvider())
	require.ErrorIs(t, err, core.ErrDuplicateProvider)
}
