package budget

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/snow-ghost/dispatch/core"
	"github.com/snow-ghost/dispatch/pkg/logging"
	"github.com/snow-ghost/dispatch/pkg/metrics"
)

const (
	dayKeyLayout   = "2006-01-02"
	monthKeyLayout = "2006-01"
)

// Cap holds the spending caps for one provider. A zero cap means the
// period is unlimited. HardStop rejects reservations that would exceed a
// cap; otherwise the cap is advisory and overruns are only logged.
type Cap struct {
	DailyUSD   float64 `yaml:"daily_usd" json:"daily_usd"`
	MonthlyUSD float64 `yaml:"monthly_usd" json:"monthly_usd"`
	HardStop   bool    `yaml:"hard_stop" json:"hard_stop"`
}

// Config maps providers to caps, with a default for everyone else.
type Config struct {
	Default     Cap            `yaml:"default" json:"default"`
	PerProvider map[string]Cap `yaml:"providers" json:"providers"`
}

// budgetFile is the YAML shape; it shares the registry's config file, so
// unrelated keys are ignored.
type budgetFile struct {
	Budgets Config `yaml:"budgets"`
}

// LoadConfig reads budget caps from a YAML file. A missing file yields an
// unlimited default config.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read budget config: %w", err)
	}

	var f budgetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Config{}, fmt.Errorf("parse budget config: %w", err)
	}
	return f.Budgets, nil
}

// CapFor returns the cap for a provider, falling back to the default.
func (c Config) CapFor(providerID string) Cap {
	if cap, ok := c.PerProvider[providerID]; ok {
		return cap
	}
	return c.Default
}

// bucket accumulates money for one period of one provider.
type bucket struct {
	Spent    float64
	Reserved float64
}

// account holds the period buckets of one provider.
type account struct {
	mu     sync.Mutex
	days   map[string]*bucket
	months map[string]*bucket
}

// Reservation is the claim tryReserve hands out. Commit and Release
// settle against the period keys captured at reservation time, so a task
// that crosses midnight still balances the buckets it reserved in.
type Reservation struct {
	ProviderID string
	AmountUSD  float64
	DayKey     string
	MonthKey   string
}

// PeriodStatus describes one period of one provider.
type PeriodStatus struct {
	PeriodKey    string  `json:"period_key"`
	CapUSD       float64 `json:"cap_usd"`
	SpentUSD     float64 `json:"spent_usd"`
	ReservedUSD  float64 `json:"reserved_usd"`
	RemainingUSD float64 `json:"remaining_usd"`
}

// Status is the budget view of one provider.
type Status struct {
	ProviderID string       `json:"provider_id"`
	HardStop   bool         `json:"hard_stop"`
	Day        PeriodStatus `json:"day"`
	Month      PeriodStatus `json:"month"`
}

// Ledger tracks estimated reservations and committed spend per provider
// across UTC day and month periods. Reservations hold estimated cost so
// concurrent tasks cannot collectively overshoot a hard cap; commit swaps
// the estimate for the actual cost, release returns it.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*account
	config   Config
	clock    core.Clock
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// NewLedger creates a budget ledger. clock may be nil for real time;
// logger and metrics may be nil.
func NewLedger(config Config, clock core.Clock, logger *logging.Logger, m *metrics.Metrics) *Ledger {
	if clock == nil {
		clock = core.SystemClock()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Ledger{
		accounts: make(map[string]*account),
		config:   config,
		clock:    clock,
		logger:   logger,
		metrics:  m,
	}
}

// TryReserve claims estimatedUSD against the provider's current day and
// month. Under a hard cap the claim is rejected with core.ErrBudgetBlocked
// when spent + reserved + estimate would exceed either period; advisory
// caps admit and log the overrun. The returned reservation must be settled
// with Commit or Release.
func (l *Ledger) TryReserve(ctx context.Context, providerID string, estimatedUSD float64) (Reservation, error) {
	if estimatedUSD < 0 {
		estimatedUSD = 0
	}

	cap := l.config.CapFor(providerID)
	acct := l.getAccount(providerID)
	now := l.clock.Now().UTC()

	res := Reservation{
		ProviderID: providerID,
		AmountUSD:  estimatedUSD,
		DayKey:     now.Format(dayKeyLayout),
		MonthKey:   now.Format(monthKeyLayout),
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	day := getBucket(acct.days, res.DayKey)
	month := getBucket(acct.months, res.MonthKey)

	dayOver := overCap(day, estimatedUSD, cap.DailyUSD)
	monthOver := overCap(month, estimatedUSD, cap.MonthlyUSD)

	if dayOver || monthOver {
		period := "day"
		if monthOver {
			period = "month"
		}
		if cap.HardStop {
			l.logger.LogBudgetEvent(ctx, providerID, "reserve_rejected_"+period, estimatedUSD, false)
			return Reservation{}, fmt.Errorf("%w: provider %s %s cap", core.ErrBudgetBlocked, providerID, period)
		}
		l.logger.LogBudgetEvent(ctx, providerID, "advisory_cap_exceeded_"+period, estimatedUSD, true)
	}

	day.Reserved += estimatedUSD
	month.Reserved += estimatedUSD
	l.publishRemaining(providerID, cap, day, month)
	return res, nil
}

// WouldBlock reports whether a hard cap would reject the estimate right
// now, without reserving anything. Advisory caps never block.
func (l *Ledger) WouldBlock(providerID string, estimatedUSD float64) bool {
	cap := l.config.CapFor(providerID)
	if !cap.HardStop {
		return false
	}
	if estimatedUSD < 0 {
		estimatedUSD = 0
	}

	acct := l.getAccount(providerID)
	now := l.clock.Now().UTC()

	acct.mu.Lock()
	defer acct.mu.Unlock()

	day := getBucket(acct.days, now.Format(dayKeyLayout))
	month := getBucket(acct.months, now.Format(monthKeyLayout))
	return overCap(day, estimatedUSD, cap.DailyUSD) || overCap(month, estimatedUSD, cap.MonthlyUSD)
}

// Commit settles a reservation with the actual cost.
func (l *Ledger) Commit(ctx context.Context, res Reservation, actualUSD float64) {
	if actualUSD < 0 {
		actualUSD = 0
	}
	acct := l.getAccount(res.ProviderID)

	acct.mu.Lock()
	defer acct.mu.Unlock()

	day := getBucket(acct.days, res.DayKey)
	month := getBucket(acct.months, res.MonthKey)

	day.Reserved = clampZero(day.Reserved - res.AmountUSD)
	day.Spent += actualUSD
	month.Reserved = clampZero(month.Reserved - res.AmountUSD)
	month.Spent += actualUSD

	l.logger.LogBudgetEvent(ctx, res.ProviderID, "commit", actualUSD, true)
	l.publishRemaining(res.ProviderID, l.config.CapFor(res.ProviderID), day, month)
}

// Release returns a reservation without spending.
func (l *Ledger) Release(ctx context.Context, res Reservation) {
	acct := l.getAccount(res.ProviderID)

	acct.mu.Lock()
	defer acct.mu.Unlock()

	day := getBucket(acct.days, res.DayKey)
	month := getBucket(acct.months, res.MonthKey)

	day.Reserved = clampZero(day.Reserved - res.AmountUSD)
	month.Reserved = clampZero(month.Reserved - res.AmountUSD)

	l.logger.LogBudgetEvent(ctx, res.ProviderID, "release", res.AmountUSD, true)
	l.publishRemaining(res.ProviderID, l.config.CapFor(res.ProviderID), day, month)
}

// StatusFor returns the current-period budget view of one provider.
func (l *Ledger) StatusFor(providerID string) Status {
	cap := l.config.CapFor(providerID)
	acct := l.getAccount(providerID)
	now := l.clock.Now().UTC()

	acct.mu.Lock()
	defer acct.mu.Unlock()

	day := getBucket(acct.days, now.Format(dayKeyLayout))
	month := getBucket(acct.months, now.Format(monthKeyLayout))

	return Status{
		ProviderID: providerID,
		HardStop:   cap.HardStop,
		Day:        periodStatus(now.Format(dayKeyLayout), cap.DailyUSD, day),
		Month:      periodStatus(now.Format(monthKeyLayout), cap.MonthlyUSD, month),
	}
}

// StatusAll returns budget views for every provider with activity plus the
// given provider IDs.
func (l *Ledger) StatusAll(providerIDs []string) []Status {
	seen := make(map[string]bool, len(providerIDs))
	ids := make([]string, 0, len(providerIDs))
	for _, id := range providerIDs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	l.mu.RLock()
	for id := range l.accounts {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	l.mu.RUnlock()

	statuses := make([]Status, 0, len(ids))
	for _, id := range ids {
		statuses = append(statuses, l.StatusFor(id))
	}
	return statuses
}

// SnapshotRow is one period bucket in persistable form.
type SnapshotRow struct {
	ProviderID string
	Period     string // "day" or "month"
	PeriodKey  string
	SpentUSD   float64
}

// Snapshot exports committed spend for persistence. Reservations are
// in-flight state and are not persisted.
func (l *Ledger) Snapshot() []SnapshotRow {
	l.mu.RLock()
	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	var rows []SnapshotRow
	for _, id := range ids {
		acct := l.getAccount(id)
		acct.mu.Lock()
		for key, b := range acct.days {
			rows = append(rows, SnapshotRow{ProviderID: id, Period: "day", PeriodKey: key, SpentUSD: b.Spent})
		}
		for key, b := range acct.months {
			rows = append(rows, SnapshotRow{ProviderID: id, Period: "month", PeriodKey: key, SpentUSD: b.Spent})
		}
		acct.mu.Unlock()
	}
	return rows
}

// Restore seeds spent amounts from a snapshot, typically at startup.
func (l *Ledger) Restore(rows []SnapshotRow) {
	for _, row := range rows {
		acct := l.getAccount(row.ProviderID)
		acct.mu.Lock()
		switch row.Period {
		case "day":
			getBucket(acct.days, row.PeriodKey).Spent = row.SpentUSD
		case "month":
			getBucket(acct.months, row.PeriodKey).Spent = row.SpentUSD
		}
		acct.mu.Unlock()
	}
}

// Prune drops buckets for periods older than the current ones.
func (l *Ledger) Prune() {
	now := l.clock.Now().UTC()
	dayKey := now.Format(dayKeyLayout)
	monthKey := now.Format(monthKeyLayout)

	l.mu.RLock()
	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	for _, id := range ids {
		acct := l.getAccount(id)
		acct.mu.Lock()
		for key := range acct.days {
			if key < dayKey {
				delete(acct.days, key)
			}
		}
		for key := range acct.months {
			if key < monthKey {
				delete(acct.months, key)
			}
		}
		acct.mu.Unlock()
	}
}

func (l *Ledger) getAccount(providerID string) *account {
	l.mu.RLock()
	acct, exists := l.accounts[providerID]
	l.mu.RUnlock()
	if exists {
		return acct
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if acct, exists := l.accounts[providerID]; exists {
		return acct
	}
	acct = &account{
		days:   make(map[string]*bucket),
		months: make(map[string]*bucket),
	}
	l.accounts[providerID] = acct
	return acct
}

func (l *Ledger) publishRemaining(providerID string, cap Cap, day, month *bucket) {
	if cap.DailyUSD > 0 {
		l.metrics.SetBudgetRemaining(providerID, "day", clampZero(cap.DailyUSD-day.Spent-day.Reserved))
	}
	if cap.MonthlyUSD > 0 {
		l.metrics.SetBudgetRemaining(providerID, "month", clampZero(cap.MonthlyUSD-month.Spent-month.Reserved))
	}
}

func periodStatus(key string, capUSD float64, b *bucket) PeriodStatus {
	remaining := 0.0
	if capUSD > 0 {
		remaining = clampZero(capUSD - b.Spent - b.Reserved)
	}
	return PeriodStatus{
		PeriodKey:    key,
		CapUSD:       capUSD,
		SpentUSD:     b.Spent,
		ReservedUSD:  b.Reserved,
		RemainingUSD: remaining,
	}
}

func getBucket(m map[string]*bucket, key string) *bucket {
	b, ok := m[key]
	if !ok {
		b = &bucket{}
		m[key] = b
	}
	return b
}

// overCap reports whether adding the estimate would exceed a positive cap.
func overCap(b *bucket, estimate, cap float64) bool {
	return cap > 0 && b.Spent+b.Reserved+estimate > cap
}

func clampZero(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// CurrentPeriodKeys returns the UTC day and month keys for t.
func CurrentPeriodKeys(t time.Time) (day, month string) {
	u := t.UTC()
	return u.Format(dayKeyLayout), u.Format(monthKeyLayout)
}
