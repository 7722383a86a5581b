package budget

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/snow-ghost/dispatch/pkg/logging"
)

// SchedulerConfig holds the cron specs for budget maintenance.
type SchedulerConfig struct {
	// RolloverSpec fires at the UTC day boundary: summary, prune, persist.
	RolloverSpec string
	// SnapshotSpec persists spend periodically between rollovers.
	SnapshotSpec string
}

// DefaultSchedulerConfig rolls over at midnight UTC and snapshots every
// five minutes.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		RolloverSpec: "0 0 * * *",
		SnapshotSpec: "@every 5m",
	}
}

// Scheduler runs periodic budget maintenance: daily spend summaries,
// stale-period pruning, and snapshot persistence.
type Scheduler struct {
	cron   *cron.Cron
	ledger *Ledger
	store  *Store
	logger *logging.Logger
}

// NewScheduler creates the maintenance scheduler. store may be nil to skip
// persistence; logger may be nil.
func NewScheduler(config SchedulerConfig, ledger *Ledger, store *Store, logger *logging.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Scheduler{
		cron:   cron.New(),
		ledger: ledger,
		store:  store,
		logger: logger,
	}

	if config.RolloverSpec == "" {
		config.RolloverSpec = DefaultSchedulerConfig().RolloverSpec
	}
	if _, err := s.cron.AddFunc(config.RolloverSpec, s.rollover); err != nil {
		return nil, fmt.Errorf("schedule rollover: %w", err)
	}

	if s.store != nil {
		if config.SnapshotSpec == "" {
			config.SnapshotSpec = DefaultSchedulerConfig().SnapshotSpec
		}
		if _, err := s.cron.AddFunc(config.SnapshotSpec, s.snapshot); err != nil {
			return nil, fmt.Errorf("schedule snapshot: %w", err)
		}
	}

	return s, nil
}

// Start launches the cron loop and blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("budget scheduler started")
	s.cron.Start()

	<-ctx.Done()
	s.Stop()
}

// Stop halts the cron loop and flushes a final snapshot.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.snapshot()
	s.logger.Info("budget scheduler stopped")
}

// rollover logs the closing day's spend, prunes stale periods, and
// persists the result.
func (s *Scheduler) rollover() {
	for _, status := range s.ledger.StatusAll(nil) {
		s.logger.Info("daily budget summary",
			"provider_id", status.ProviderID,
			"day", status.Day.PeriodKey,
			"spent_usd", status.Day.SpentUSD,
			"month_spent_usd", status.Month.SpentUSD,
		)
	}

	s.snapshot()
	s.ledger.Prune()

	if s.store != nil {
		dayKey, monthKey := CurrentPeriodKeys(s.ledger.clock.Now())
		if err := s.store.PruneBefore(dayKey, monthKey); err != nil {
			s.logger.Error("failed to prune persisted budget periods", "error", err)
		}
	}
}

func (s *Scheduler) snapshot() {
	if s.store == nil {
		return
	}
	if err := s.store.Save(s.ledger.Snapshot()); err != nil {
		s.logger.Error("failed to persist budget snapshot", "error", err)
	}
}
