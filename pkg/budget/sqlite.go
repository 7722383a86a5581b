package budget

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists ledger snapshots to SQLite so committed spend survives
// restarts. Each (provider, period, key) row carries the latest spent
// amount; reservations are deliberately absent.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the snapshot database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.createTable(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return store, nil
}

func (s *Store) createTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS budget_periods (
		provider_id TEXT NOT NULL,
		period TEXT NOT NULL,
		period_key TEXT NOT NULL,
		spent_usd REAL NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (provider_id, period, period_key)
	);

	CREATE INDEX IF NOT EXISTS idx_budget_periods_key ON budget_periods(period_key);
	`

	_, err := s.db.Exec(query)
	return err
}

// Save upserts a snapshot.
func (s *Store) Save(rows []SnapshotRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO budget_periods (provider_id, period, period_key, spent_usd, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(provider_id, period, period_key)
		DO UPDATE SET spent_usd = excluded.spent_usd, updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare snapshot upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, row := range rows {
		if _, err := stmt.Exec(row.ProviderID, row.Period, row.PeriodKey, row.SpentUSD, now); err != nil {
			return fmt.Errorf("upsert snapshot row: %w", err)
		}
	}
	return tx.Commit()
}

// Load reads every persisted period row.
func (s *Store) Load() ([]SnapshotRow, error) {
	rows, err := s.db.Query(`
		SELECT provider_id, period, period_key, spent_usd
		FROM budget_periods
		ORDER BY provider_id, period, period_key
	`)
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var row SnapshotRow
		if err := rows.Scan(&row.ProviderID, &row.Period, &row.PeriodKey, &row.SpentUSD); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// PruneBefore deletes day rows older than dayKey and month rows older than
// monthKey.
func (s *Store) PruneBefore(dayKey, monthKey string) error {
	if _, err := s.db.Exec(`DELETE FROM budget_periods WHERE period = 'day' AND period_key < ?`, dayKey); err != nil {
		return fmt.Errorf("prune day rows: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM budget_periods WHERE period = 'month' AND period_key < ?`, monthKey); err != nil {
		return fmt.Errorf("prune month rows: %w", err)
	}
	return nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}
