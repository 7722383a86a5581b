package accounting

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/snow-ghost/dispatch/core"
	"github.com/snow-ghost/dispatch/pkg/budget"
	"github.com/snow-ghost/dispatch/pkg/logging"
)

// Config selects the audit backend.
type Config struct {
	UseSQLite bool
	DBPath    string
}

// NewAggregator builds the audit backend from config.
func NewAggregator(config Config) (Aggregator, error) {
	if config.UseSQLite {
		return NewSQLiteAggregator(config.DBPath)
	}
	return NewMemoryAggregator(), nil
}

// Accountant settles budget holds and writes the execution audit trail.
// Every attempt produces exactly one record: success commits its
// reservation at actual cost, every other outcome releases the hold and
// carries zero cost. Reserved money therefore always returns to the
// ledger exactly once.
type Accountant struct {
	aggregator Aggregator
	ledger     *budget.Ledger
	clock      core.Clock
	logger     *logging.Logger
}

// NewAccountant creates an accountant over the given backend and ledger.
// clock may be nil for real time; logger may be nil.
func NewAccountant(aggregator Aggregator, ledger *budget.Ledger, clock core.Clock, logger *logging.Logger) *Accountant {
	if clock == nil {
		clock = core.SystemClock()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Accountant{
		aggregator: aggregator,
		ledger:     ledger,
		clock:      clock,
		logger:     logger,
	}
}

// RecordAttempt settles the reservation and appends the audit record. A
// zero reservation (rejected attempts hold no budget) only appends. Audit
// write failures are logged, not returned: the attempt already happened
// and its budget settlement must not be undone.
func (a *Accountant) RecordAttempt(ctx context.Context, res budget.Reservation, rec core.ExecutionRecord) {
	if rec.Outcome != core.OutcomeSuccess {
		rec.CostUSD = 0
	}
	if res.ProviderID != "" {
		if rec.Outcome == core.OutcomeSuccess {
			a.ledger.Commit(ctx, res, rec.CostUSD)
		} else {
			a.ledger.Release(ctx, res)
		}
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = a.clock.Now().UTC()
	}
	if err := a.aggregator.Append(rec); err != nil {
		a.logger.Error("audit append failed",
			"task_id", rec.TaskID,
			"provider_id", rec.ProviderID,
			"outcome", string(rec.Outcome),
			"error", err)
	}
}

// Query retrieves audit records matching the filter, newest first.
func (a *Accountant) Query(filter Filter) ([]core.ExecutionRecord, error) {
	return a.aggregator.Query(filter)
}

// Summary aggregates the audit records matching the filter.
func (a *Accountant) Summary(filter Filter) (Summary, error) {
	return a.aggregator.Summary(filter)
}

// Report builds a time-ranged report, grouped when filter.GroupBy is set.
func (a *Accountant) Report(filter Filter) (Report, error) {
	return a.aggregator.Report(filter)
}

// Export renders matching audit records as JSON or CSV.
func (a *Accountant) Export(filter Filter, format ExportFormat) ([]byte, error) {
	return a.aggregator.Export(filter, format)
}

// TopProviders reports providers ranked by settled spend.
func (a *Accountant) TopProviders(limit int, from, to *time.Time) ([]Group, error) {
	report, err := a.Report(Filter{GroupBy: "provider", From: from, To: to})
	if err != nil {
		return nil, err
	}
	groups := report.Groups
	if limit > 0 && len(groups) > limit {
		groups = groups[:limit]
	}
	return groups, nil
}

// Close releases the audit backend.
func (a *Accountant) Close() error {
	return a.aggregator.Close()
}
