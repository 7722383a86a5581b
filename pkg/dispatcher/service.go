// Package dispatcher owns the task lifecycle: submit, classify, select
// candidates, run the fallback chain, account the attempt, stream progress.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/snow-ghost/dispatch/core"
	"github.com/snow-ghost/dispatch/pkg/accounting"
	"github.com/snow-ghost/dispatch/pkg/budget"
	"github.com/snow-ghost/dispatch/pkg/executor"
	"github.com/snow-ghost/dispatch/pkg/limiter"
	"github.com/snow-ghost/dispatch/pkg/logging"
	"github.com/snow-ghost/dispatch/pkg/metrics"
	"github.com/snow-ghost/dispatch/pkg/registry"
	"github.com/snow-ghost/dispatch/pkg/selection"
	"github.com/snow-ghost/dispatch/pkg/streaming"
	"github.com/snow-ghost/dispatch/pkg/tracing"
)

// ErrEmptyTask rejects submissions with no text.
var ErrEmptyTask = errors.New("task text is empty")

// ErrShutdown rejects submissions after Close.
var ErrShutdown = errors.New("dispatcher is shut down")

// SubmitRequest is one task submission.
type SubmitRequest struct {
	Text     string
	CallerID string

	// Deadline bounds the whole task including fallbacks; zero means none.
	Deadline time.Time

	// ProviderOverride pins selection to one provider ID. Unknown or
	// incapable IDs are ignored with a warning.
	ProviderOverride string
}

// TaskStatus is the caller-visible view of a task.
type TaskStatus struct {
	TaskID         string                `json:"task_id"`
	State          core.TaskState        `json:"state"`
	Classification *core.Classification  `json:"classification,omitempty"`
	Result         *core.Result          `json:"result,omitempty"`
	Error          string                `json:"error,omitempty"`
	Attempts       []core.AttemptFailure `json:"attempts,omitempty"`
	SubmittedAt    time.Time             `json:"submitted_at"`
	FinishedAt     *time.Time            `json:"finished_at,omitempty"`
}

// Deps wires the service. Registry, Classifier, Selector, Executor,
// Ledger and Accountant are required; the rest may be nil.
type Deps struct {
	Registry   *registry.Registry
	Classifier core.Classifier
	Selector   *selection.Engine
	Executor   *executor.Executor
	Ledger     *budget.Ledger
	Accountant *accounting.Accountant

	Admission *limiter.Admission
	Breakers  *limiter.BreakerManager
	Throttle  *limiter.Throttle
	Tracer    *tracing.Tracer

	Clock   core.Clock
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Options tunes the service.
type Options struct {
	// StreamBuffer is the per-task progress buffer;
	// streaming.DefaultBuffer when zero.
	StreamBuffer int
}

// Service runs tasks end to end and tracks them until pruned.
type Service struct {
	deps Deps
	opts Options

	clock  core.Clock
	logger *logging.Logger

	mu    sync.RWMutex
	tasks map[string]*taskEntry

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a dispatcher service.
func New(deps Deps, opts Options) *Service {
	clock := deps.Clock
	if clock == nil {
		clock = core.SystemClock()
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = streaming.DefaultBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		deps:       deps,
		opts:       opts,
		clock:      clock,
		logger:     logger,
		tasks:      make(map[string]*taskEntry),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Submit accepts a task and starts its pipeline. The returned handle
// carries the task ID immediately; the pipeline runs asynchronously and
// outlives the submitting request.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*TaskHandle, error) {
	if req.Text == "" {
		return nil, ErrEmptyTask
	}
	if s.baseCtx.Err() != nil {
		return nil, ErrShutdown
	}

	callerID := req.CallerID
	if callerID == "" {
		callerID = "anonymous"
	}
	if s.deps.Throttle != nil && !s.deps.Throttle.Allow(callerID) {
		s.deps.Metrics.RecordThrottleRejection()
		return nil, fmt.Errorf("%w: caller %s throttled", core.ErrRateLimited, callerID)
	}

	task := core.Task{
		ID:               uuid.NewString(),
		RawText:          req.Text,
		CallerID:         callerID,
		Deadline:         req.Deadline,
		SubmittedAt:      s.clock.Now().UTC(),
		ProviderOverride: req.ProviderOverride,
	}

	taskCtx, cancel := context.WithCancel(s.baseCtx)
	entry := &taskEntry{
		task:   task,
		state:  core.StateSubmitted,
		stream: streaming.NewStream(s.opts.StreamBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.tasks[task.ID] = entry
	s.mu.Unlock()

	s.logger.LogTaskSubmitted(ctx, task.ID, callerID, len(req.Text))

	s.wg.Add(1)
	go s.run(taskCtx, entry)

	return &TaskHandle{id: task.ID, entry: entry}, nil
}

// run drives one task through the pipeline.
func (s *Service) run(ctx context.Context, entry *taskEntry) {
	defer s.wg.Done()

	task := entry.snapshotTask()
	var span trace.Span
	if s.deps.Tracer != nil {
		ctx, span = s.deps.Tracer.StartTaskSpan(ctx, task.ID, task.CallerID)
		defer span.End()
	}

	// Classification failures fall back to a conservative class; the task
	// keeps moving.
	class, err := s.classify(ctx, task)
	if err != nil && !errors.Is(err, core.ErrClassification) {
		s.logger.Warn("classifier error, using conservative fallback",
			"task_id", task.ID, "error", err)
	}
	task.Class = class
	entry.setClass(class)
	entry.setState(core.StateClassified)
	s.logger.LogClassification(ctx, task.ID, class, err != nil)

	if ctx.Err() != nil {
		s.finish(ctx, entry, nil, fmt.Errorf("%w: %v", core.ErrTaskCancelled, ctx.Err()), span)
		return
	}

	candidates, err := s.selectCandidates(ctx, task)
	if err != nil {
		s.finish(ctx, entry, nil, err, span)
		return
	}

	entry.setState(core.StateExecuting)
	result, err := s.deps.Executor.ExecuteChain(ctx, task, candidates, func(c core.Chunk) {
		entry.stream.Publish(c)
	})
	if err != nil {
		s.finish(ctx, entry, nil, err, span)
		return
	}
	s.finish(ctx, entry, &result, nil, span)
}

func (s *Service) classify(ctx context.Context, task core.Task) (core.Classification, error) {
	if s.deps.Tracer != nil {
		var span trace.Span
		ctx, span = s.deps.Tracer.StartClassifySpan(ctx, task.ID)
		defer span.End()
	}
	class, err := s.deps.Classifier.Classify(ctx, task.RawText)
	if class.TaskType == "" {
		// Whatever happened, the pipeline needs a usable class.
		class = core.Classification{
			TaskType:         core.TaskOther,
			Complexity:       10,
			PrivacySensitive: true,
		}
	}
	return class, err
}

func (s *Service) selectCandidates(ctx context.Context, task core.Task) ([]core.Provider, error) {
	if s.deps.Tracer != nil {
		var span trace.Span
		ctx, span = s.deps.Tracer.StartSelectSpan(ctx, task.ID, task.Class.Complexity)
		defer span.End()
	}
	return s.deps.Selector.Select(ctx, task)
}

// finish records the terminal state exactly once.
func (s *Service) finish(ctx context.Context, entry *taskEntry, result *core.Result, err error, span trace.Span) {
	task := entry.snapshotTask()
	state := core.StateSuccess
	switch {
	case err == nil:
	case errors.Is(err, core.ErrTaskCancelled):
		state = core.StateCancelled
	default:
		state = core.StateAllExhausted
	}

	now := s.clock.Now().UTC()
	entry.finish(result, err, state, now)

	duration := now.Sub(task.SubmittedAt)
	s.deps.Metrics.RecordTask(string(stateOutcome(state)), duration)
	if span != nil {
		if err != nil {
			tracing.RecordSpanError(span, err)
		} else {
			tracing.RecordSpanSuccess(span)
			tracing.RecordSpanUsage(span, result.Usage.InputTokens, result.Usage.OutputTokens)
			tracing.RecordSpanCost(span, result.CostUSD, "USD")
		}
		tracing.RecordSpanDuration(span, duration)
	}
	s.logger.Info("task finished",
		"task_id", task.ID,
		"state", string(state),
		"duration_ms", duration.Milliseconds())
}

func stateOutcome(state core.TaskState) core.Outcome {
	switch state {
	case core.StateSuccess:
		return core.OutcomeSuccess
	case core.StateCancelled:
		return core.OutcomeCancelled
	default:
		return core.OutcomeError
	}
}

// Status reports the current task state.
func (s *Service) Status(taskID string) (TaskStatus, error) {
	entry, err := s.lookup(taskID)
	if err != nil {
		return TaskStatus{}, err
	}
	return entry.status(), nil
}

// Cancel stops a running task. Cancelling a finished task is a no-op.
func (s *Service) Cancel(taskID string) error {
	entry, err := s.lookup(taskID)
	if err != nil {
		return err
	}
	if entry.currentState().Terminal() {
		return nil
	}
	entry.cancel()
	return nil
}

// Handle returns the live handle for a task.
func (s *Service) Handle(taskID string) (*TaskHandle, error) {
	entry, err := s.lookup(taskID)
	if err != nil {
		return nil, err
	}
	return &TaskHandle{id: taskID, entry: entry}, nil
}

func (s *Service) lookup(taskID string) (*taskEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrTaskNotFound, taskID)
	}
	return entry, nil
}

// PruneTasks drops terminal tasks that finished more than maxAge ago and
// returns how many were removed. In-flight tasks are never touched.
func (s *Service) PruneTasks(maxAge time.Duration) int {
	cutoff := s.clock.Now().UTC().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, entry := range s.tasks {
		state, finishedAt := entry.terminalInfo()
		if state.Terminal() && finishedAt.Before(cutoff) {
			delete(s.tasks, id)
			removed++
		}
	}
	return removed
}

// Providers lists the registered provider records.
func (s *Service) Providers() []core.Provider {
	return s.deps.Registry.List()
}

// AddProvider registers a provider at runtime.
func (s *Service) AddProvider(p core.Provider) error {
	return s.deps.Registry.Add(p)
}

// RemoveProvider drops a provider at runtime. In-flight attempts finish;
// the provider's admission window and breaker state are reset so a
// re-added provider starts clean.
func (s *Service) RemoveProvider(id string) error {
	if err := s.deps.Registry.Remove(id); err != nil {
		return err
	}
	if s.deps.Admission != nil {
		s.deps.Admission.Reset(id)
	}
	if s.deps.Breakers != nil {
		s.deps.Breakers.Reset(id)
	}
	return nil
}

// Budgets reports budget status for every registered provider.
func (s *Service) Budgets() []budget.Status {
	providers := s.deps.Registry.List()
	ids := make([]string, len(providers))
	for i, p := range providers {
		ids[i] = p.ID
	}
	return s.deps.Ledger.StatusAll(ids)
}

// Costs retrieves audit records, newest first.
func (s *Service) Costs(filter accounting.Filter) ([]core.ExecutionRecord, error) {
	return s.deps.Accountant.Query(filter)
}

// CostReport builds an aggregate cost report.
func (s *Service) CostReport(filter accounting.Filter) (accounting.Report, error) {
	return s.deps.Accountant.Report(filter)
}

// ExportCosts renders audit records as JSON or CSV.
func (s *Service) ExportCosts(filter accounting.Filter, format accounting.ExportFormat) ([]byte, error) {
	return s.deps.Accountant.Export(filter, format)
}

// Close stops accepting submissions, cancels in-flight tasks and waits
// for their pipelines to settle.
func (s *Service) Close() error {
	s.baseCancel()
	s.wg.Wait()
	return nil
}
