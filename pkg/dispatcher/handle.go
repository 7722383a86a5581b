package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/snow-ghost/dispatch/core"
	"github.com/snow-ghost/dispatch/pkg/streaming"
)

// taskEntry is the service-side record of one task.
type taskEntry struct {
	stream *streaming.Stream
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.RWMutex
	task       core.Task
	state      core.TaskState
	classified bool
	result     *core.Result
	err        error
	finishedAt time.Time
}

func (e *taskEntry) snapshotTask() core.Task {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.task
}

func (e *taskEntry) setClass(class core.Classification) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.task.Class = class
	e.classified = true
}

func (e *taskEntry) setState(state core.TaskState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return
	}
	e.state = state
}

func (e *taskEntry) currentState() core.TaskState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *taskEntry) terminalInfo() (core.TaskState, time.Time) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state, e.finishedAt
}

// finish records the terminal state once; later calls are ignored.
func (e *taskEntry) finish(result *core.Result, err error, state core.TaskState, now time.Time) {
	e.mu.Lock()
	if e.state.Terminal() {
		e.mu.Unlock()
		return
	}
	e.state = state
	e.result = result
	e.err = err
	e.finishedAt = now
	e.mu.Unlock()

	e.stream.Close()
	close(e.done)
}

func (e *taskEntry) status() TaskStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := TaskStatus{
		TaskID:      e.task.ID,
		State:       e.state,
		SubmittedAt: e.task.SubmittedAt,
	}
	if e.classified {
		class := e.task.Class
		st.Classification = &class
	}
	if e.result != nil {
		result := *e.result
		st.Result = &result
	}
	if e.err != nil {
		st.Error = e.err.Error()
		if ee, ok := core.AsExhausted(e.err); ok {
			st.Attempts = ee.Attempts
		}
	}
	if !e.finishedAt.IsZero() {
		finished := e.finishedAt
		st.FinishedAt = &finished
	}
	return st
}

// TaskHandle is the caller's view of a submitted task.
type TaskHandle struct {
	id    string
	entry *taskEntry
}

// ID returns the task ID.
func (h *TaskHandle) ID() string { return h.id }

// State returns the current task state.
func (h *TaskHandle) State() core.TaskState { return h.entry.currentState() }

// Progress returns the live chunk stream. The channel closes when the
// task reaches a terminal state; the final output arrives via Result, not
// the stream.
func (h *TaskHandle) Progress() <-chan core.Chunk { return h.entry.stream.Chunks() }

// Dropped reports how many progress chunks were evicted because the
// consumer lagged.
func (h *TaskHandle) Dropped() int64 { return h.entry.stream.Dropped() }

// Done closes when the task reaches a terminal state.
func (h *TaskHandle) Done() <-chan struct{} { return h.entry.done }

// Cancel stops the task. Cancelling a finished task is a no-op.
func (h *TaskHandle) Cancel() {
	if h.entry.currentState().Terminal() {
		return
	}
	h.entry.cancel()
}

// Result returns the terminal outcome. It fails if the task is still
// running; use Wait to block.
func (h *TaskHandle) Result() (core.Result, error) {
	h.entry.mu.RLock()
	defer h.entry.mu.RUnlock()
	if !h.entry.state.Terminal() {
		return core.Result{}, fmt.Errorf("task %s still %s", h.id, h.entry.state)
	}
	if h.entry.err != nil {
		return core.Result{}, h.entry.err
	}
	return *h.entry.result, nil
}

// Wait blocks until the task finishes or ctx is done.
func (h *TaskHandle) Wait(ctx context.Context) (core.Result, error) {
	select {
	case <-ctx.Done():
		return core.Result{}, ctx.Err()
	case <-h.entry.done:
	}
	return h.Result()
}
