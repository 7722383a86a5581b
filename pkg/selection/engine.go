package selection

import (
	"context"
	"fmt"
	"sort"

	"github.com/snow-ghost/dispatch/core"
	"github.com/snow-ghost/dispatch/pkg/cost"
	"github.com/snow-ghost/dispatch/pkg/logging"
)

// ProviderSource is the registry view the engine needs.
type ProviderSource interface {
	Get(id string) (core.Provider, error)
	List() []core.Provider
	ListCandidates(taskType core.TaskType, minContextTokens int) []core.Provider
}

// BudgetChecker reports whether a hard cap would reject an estimate.
type BudgetChecker interface {
	WouldBlock(providerID string, estimatedUSD float64) bool
}

// Health reports whether a provider's circuit is open.
type Health interface {
	IsOpen(providerID string) bool
}

// Engine ranks providers for a classified task by evaluating an ordered
// rule list. Precedence is fixed: privacy over explicit override over
// capability over budget over complexity tier. Given identical inputs and
// state the ranking is identical, down to the (cost, latency, id)
// tie-break.
type Engine struct {
	registry ProviderSource
	budget   BudgetChecker
	health   Health
	tiers    TierTable
	logger   *logging.Logger
}

// NewEngine creates a selection engine. budget and health may be nil to
// skip their rules; logger may be nil.
func NewEngine(registry ProviderSource, budget BudgetChecker, health Health, tiers TierTable, logger *logging.Logger) *Engine {
	if tiers == (TierTable{}) {
		tiers = DefaultTierTable()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{
		registry: registry,
		budget:   budget,
		health:   health,
		tiers:    tiers,
		logger:   logger,
	}
}

// Select returns the ranked candidate list for the task. It fails with
// core.ErrRegistryEmpty when no providers are configured at all, and with
// core.ErrNoCandidates when restrictions leave nothing to attempt (every
// circuit open, or a privacy-sensitive task with no local provider).
func (e *Engine) Select(ctx context.Context, t core.Task) ([]core.Provider, error) {
	if len(e.registry.List()) == 0 {
		return nil, core.ErrRegistryEmpty
	}

	// explicit override: the user's choice bypasses capability and tier
	// rules but never the privacy restriction or an open circuit
	if t.ProviderOverride != "" {
		if p, ok := e.resolveOverride(ctx, t); ok {
			e.logger.LogSelection(ctx, t.ID, []string{p.ID})
			return []core.Provider{p}, nil
		}
	}

	candidates := e.baseCandidates(t.Class)
	candidates = e.dropOpenCircuits(candidates)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: all candidates have open circuits", core.ErrNoCandidates)
	}

	if t.Class.PrivacySensitive {
		candidates = filterKind(candidates, core.KindLocal)
		if len(candidates) == 0 {
			return nil, fmt.Errorf("%w: privacy-sensitive task but no local provider", core.ErrNoCandidates)
		}
	}

	candidates = e.restrictByContext(ctx, t, candidates)
	candidates = e.restrictByBudget(t, candidates)
	ranked := e.rankByTier(t.Class, candidates)

	ids := make([]string, len(ranked))
	for i, p := range ranked {
		ids[i] = p.ID
	}
	e.logger.LogSelection(ctx, t.ID, ids)
	return ranked, nil
}

// resolveOverride validates a pinned provider. Unknown IDs, open circuits,
// and privacy conflicts log a warning and fall through to normal rules.
func (e *Engine) resolveOverride(ctx context.Context, t core.Task) (core.Provider, bool) {
	p, err := e.registry.Get(t.ProviderOverride)
	if err != nil {
		e.logger.Warn("provider override not found, falling through",
			"task_id", t.ID, "override", t.ProviderOverride)
		return core.Provider{}, false
	}
	if t.Class.PrivacySensitive && p.Kind != core.KindLocal {
		e.logger.Warn("provider override rejected by privacy restriction",
			"task_id", t.ID, "override", t.ProviderOverride)
		return core.Provider{}, false
	}
	if e.health != nil && e.health.IsOpen(p.ID) {
		e.logger.Warn("provider override circuit is open, falling through",
			"task_id", t.ID, "override", t.ProviderOverride)
		return core.Provider{}, false
	}
	return p, true
}

// baseCandidates starts from providers advertising the task type; a task
// type nobody advertises widens to the full registry rather than emptying
// the set.
func (e *Engine) baseCandidates(class core.Classification) []core.Provider {
	candidates := e.registry.ListCandidates(class.TaskType, 0)
	if len(candidates) == 0 {
		return e.registry.List()
	}
	return candidates
}

func (e *Engine) dropOpenCircuits(candidates []core.Provider) []core.Provider {
	if e.health == nil {
		return candidates
	}
	kept := candidates[:0:0]
	for _, p := range candidates {
		if !e.health.IsOpen(p.ID) {
			kept = append(kept, p)
		}
	}
	return kept
}

// restrictByContext keeps providers whose window fits the estimate. When
// no provider is large enough the set is kept as-is: attempting the
// largest available window beats refusing outright.
func (e *Engine) restrictByContext(ctx context.Context, t core.Task, candidates []core.Provider) []core.Provider {
	need := t.Class.EstimatedContextTokens
	if need <= 0 {
		return candidates
	}

	fitting := make([]core.Provider, 0, len(candidates))
	for _, p := range candidates {
		if p.MaxContextTokens >= need {
			fitting = append(fitting, p)
		}
	}
	if len(fitting) == 0 {
		e.logger.Warn("no provider fits estimated context, keeping all candidates",
			"task_id", t.ID, "estimated_tokens", need)
		return candidates
	}
	return fitting
}

// restrictByBudget forces local routing when every non-local candidate is
// hard-stopped. With no local survivor the set is kept, and the executor
// surfaces the budget rejections per attempt.
func (e *Engine) restrictByBudget(t core.Task, candidates []core.Provider) []core.Provider {
	if e.budget == nil {
		return candidates
	}

	locals := filterKind(candidates, core.KindLocal)
	if len(locals) == 0 {
		return candidates
	}

	blockedAll := true
	for _, p := range candidates {
		if p.Kind == core.KindLocal {
			continue
		}
		if !e.budget.WouldBlock(p.ID, cost.Estimate(t.Class, p)) {
			blockedAll = false
			break
		}
	}
	if len(locals) == len(candidates) || !blockedAll {
		return candidates
	}
	return locals
}

// rankByTier buckets survivors by the complexity tier and ranks the bucket
// by ascending estimated cost, then expected latency, then provider ID. An
// empty bucket widens back to all survivors.
func (e *Engine) rankByTier(class core.Classification, candidates []core.Provider) []core.Provider {
	tier := e.tiers.TierFor(class.Complexity)

	bucket := make([]core.Provider, 0, len(candidates))
	for _, p := range candidates {
		if p.Tier == tier {
			bucket = append(bucket, p)
		}
	}
	if len(bucket) == 0 {
		bucket = append(bucket, candidates...)
	}

	type scored struct {
		p    core.Provider
		cost float64
	}
	ranked := make([]scored, len(bucket))
	for i, p := range bucket {
		ranked[i] = scored{p: p, cost: cost.Estimate(class, p)}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].cost != ranked[j].cost {
			return ranked[i].cost < ranked[j].cost
		}
		if ranked[i].p.ExpectedLatencyMs != ranked[j].p.ExpectedLatencyMs {
			return ranked[i].p.ExpectedLatencyMs < ranked[j].p.ExpectedLatencyMs
		}
		return ranked[i].p.ID < ranked[j].p.ID
	})

	out := make([]core.Provider, len(ranked))
	for i, s := range ranked {
		out[i] = s.p
	}
	return out
}

func filterKind(candidates []core.Provider, kind core.ProviderKind) []core.Provider {
	kept := make([]core.Provider, 0, len(candidates))
	for _, p := range candidates {
		if p.Kind == kind {
			kept = append(kept, p)
		}
	}
	return kept
}
