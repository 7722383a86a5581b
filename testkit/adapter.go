package testkit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/snow-ghost/dispatch/core"
)

// Step scripts one Execute call of a ScriptedAdapter.
type Step struct {
	// Output and Chunks describe a successful call. Chunks are emitted
	// through OnChunk before the result returns.
	Output  string
	Chunks  []string
	Usage   core.Usage
	CostUSD float64

	// Err fails the call after Delay.
	Err error

	// Delay runs before the step resolves; the call still honors ctx.
	Delay time.Duration

	// Hang blocks until ctx is done and returns ctx.Err().
	Hang bool
}

// ScriptedAdapter replays a fixed script of steps, one per Execute call.
// When the script runs out the last step repeats. It records every task it
// was asked to execute.
type ScriptedAdapter struct {
	id    string
	steps []Step

	mu    sync.Mutex
	calls int
	tasks []core.Task
}

// NewScriptedAdapter creates an adapter for the provider ID with the given
// script.
func NewScriptedAdapter(id string, steps ...Step) *ScriptedAdapter {
	return &ScriptedAdapter{id: id, steps: steps}
}

// ProviderID returns the scripted provider ID.
func (a *ScriptedAdapter) ProviderID() string { return a.id }

// Calls returns how many times Execute ran.
func (a *ScriptedAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Tasks returns copies of the tasks passed to Execute.
func (a *ScriptedAdapter) Tasks() []core.Task {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]core.Task, len(a.tasks))
	copy(out, a.tasks)
	return out
}

// Execute consumes the next scripted step.
func (a *ScriptedAdapter) Execute(ctx context.Context, req core.ExecuteRequest) (*core.ExecuteResult, error) {
	a.mu.Lock()
	if len(a.steps) == 0 {
		a.mu.Unlock()
		return nil, fmt.Errorf("scripted adapter %s has no steps", a.id)
	}
	idx := a.calls
	if idx >= len(a.steps) {
		idx = len(a.steps) - 1
	}
	step := a.steps[idx]
	a.calls++
	a.tasks = append(a.tasks, req.Task)
	a.mu.Unlock()

	if step.Hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if step.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(step.Delay):
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}

	if req.OnChunk != nil {
		for i, content := range step.Chunks {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			req.OnChunk(core.Chunk{
				TaskID:     req.Task.ID,
				ProviderID: a.id,
				Index:      i,
				Content:    content,
			})
		}
	}

	return &core.ExecuteResult{
		Output:  step.Output,
		Usage:   step.Usage,
		CostUSD: step.CostUSD,
	}, nil
}

// StaticAdapterSource serves adapters from a fixed map.
type StaticAdapterSource struct {
	mu       sync.RWMutex
	adapters map[string]core.Adapter
}

// NewStaticAdapterSource creates a source over the given adapters.
func NewStaticAdapterSource(adapters ...core.Adapter) *StaticAdapterSource {
	m := make(map[string]core.Adapter, len(adapters))
	for _, a := range adapters {
		m[a.ProviderID()] = a
	}
	return &StaticAdapterSource{adapters: m}
}

// Add registers or replaces an adapter.
func (s *StaticAdapterSource) Add(a core.Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapters[a.ProviderID()] = a
}

// AdapterFor returns the adapter registered for the provider.
func (s *StaticAdapterSource) AdapterFor(p core.Provider) (core.Adapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.adapters[p.ID]
	if !ok {
		return nil, fmt.Errorf("no adapter for provider %s", p.ID)
	}
	return a, nil
}
