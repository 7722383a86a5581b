package accounting

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/snow-ghost/dispatch/core"
)

// SQLiteAggregator persists the audit log in SQLite so the trail survives
// restarts.
type SQLiteAggregator struct {
	db *sql.DB
}

// NewSQLiteAggregator opens (and if needed creates) the audit database.
func NewSQLiteAggregator(dbPath string) (*SQLiteAggregator, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	agg := &SQLiteAggregator{db: db}
	if err := agg.createTable(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit table: %w", err)
	}
	return agg, nil
}

func (s *SQLiteAggregator) createTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		provider_kind TEXT NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_usd REAL NOT NULL,
		latency_ms INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_executions_timestamp ON executions(timestamp);
	CREATE INDEX IF NOT EXISTS idx_executions_task ON executions(task_id);
	CREATE INDEX IF NOT EXISTS idx_executions_provider ON executions(provider_id);
	CREATE INDEX IF NOT EXISTS idx_executions_outcome ON executions(outcome);
	`
	_, err := s.db.Exec(query)
	return err
}

// Append adds one audit record.
func (s *SQLiteAggregator) Append(rec core.ExecutionRecord) error {
	query := `
	INSERT INTO executions (
		id, task_id, provider_id, provider_kind, input_tokens, output_tokens,
		cost_usd, latency_ms, outcome, reason, timestamp
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		rec.ID,
		rec.TaskID,
		rec.ProviderID,
		string(rec.ProviderKind),
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
		rec.LatencyMs,
		string(rec.Outcome),
		rec.Reason,
		rec.Timestamp,
	)
	return err
}

// Query retrieves records matching the filter, newest first.
func (s *SQLiteAggregator) Query(filter Filter) ([]core.ExecutionRecord, error) {
	query, args := s.buildQuery(filter)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []core.ExecutionRecord
	for rows.Next() {
		var rec core.ExecutionRecord
		var kind, outcome string
		err := rows.Scan(
			&rec.ID,
			&rec.TaskID,
			&rec.ProviderID,
			&kind,
			&rec.InputTokens,
			&rec.OutputTokens,
			&rec.CostUSD,
			&rec.LatencyMs,
			&outcome,
			&rec.Reason,
			&rec.Timestamp,
		)
		if err != nil {
			return nil, err
		}
		rec.ProviderKind = core.ProviderKind(kind)
		rec.Outcome = core.Outcome(outcome)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Summary aggregates the records matching the filter.
func (s *SQLiteAggregator) Summary(filter Filter) (Summary, error) {
	whereClause, args := buildWhereClause(filter)

	query := fmt.Sprintf(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(cost_usd), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0)
		FROM executions
		%s
	`, whereClause)

	var summary Summary
	err := s.db.QueryRow(query, args...).Scan(
		&summary.TotalRecords,
		&summary.SuccessCount,
		&summary.TotalCostUSD,
		&summary.TotalInputTokens,
		&summary.TotalOutputTokens,
	)
	return summary, err
}

// Report builds a time-ranged report, grouped when filter.GroupBy is set.
func (s *SQLiteAggregator) Report(filter Filter) (Report, error) {
	summary, err := s.Summary(filter)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		GroupBy: filter.GroupBy,
		Summary: summary,
	}
	if filter.From != nil {
		report.From = *filter.From
	}
	if filter.To != nil {
		report.To = *filter.To
	}

	if filter.GroupBy != "" {
		groups, err := s.groupedSummaries(filter)
		if err != nil {
			return Report{}, err
		}
		report.Groups = groups
		return report, nil
	}

	records, err := s.Query(filter)
	if err != nil {
		return Report{}, err
	}
	report.Records = records
	return report, nil
}

// Export renders matching records as JSON or CSV.
func (s *SQLiteAggregator) Export(filter Filter, format ExportFormat) ([]byte, error) {
	records, err := s.Query(filter)
	if err != nil {
		return nil, err
	}
	return exportRecords(records, format)
}

// Close closes the database.
func (s *SQLiteAggregator) Close() error {
	return s.db.Close()
}

func (s *SQLiteAggregator) buildQuery(filter Filter) (string, []interface{}) {
	whereClause, args := buildWhereClause(filter)

	query := fmt.Sprintf(`
		SELECT
			id, task_id, provider_id, provider_kind, input_tokens, output_tokens,
			cost_usd, latency_ms, outcome, reason, timestamp
		FROM executions
		%s
		ORDER BY timestamp DESC, id
	`, whereClause)

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}
	return query, args
}

func buildWhereClause(filter Filter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if filter.From != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, *filter.From)
	}
	if filter.To != nil {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, *filter.To)
	}
	if filter.TaskID != "" {
		conditions = append(conditions, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.ProviderID != "" {
		conditions = append(conditions, "provider_id = ?")
		args = append(args, filter.ProviderID)
	}
	if filter.Outcome != "" {
		conditions = append(conditions, "outcome = ?")
		args = append(args, string(filter.Outcome))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

// groupColumn maps a GroupBy value to its column. The whitelist keeps
// user-supplied grouping out of the SQL text.
func groupColumn(groupBy string) (string, error) {
	switch groupBy {
	case "provider":
		return "provider_id", nil
	case "outcome":
		return "outcome", nil
	case "task":
		return "task_id", nil
	case "kind":
		return "provider_kind", nil
	default:
		return "", fmt.Errorf("unsupported group_by: %s", groupBy)
	}
}

func (s *SQLiteAggregator) groupedSummaries(filter Filter) ([]Group, error) {
	column, err := groupColumn(filter.GroupBy)
	if err != nil {
		return nil, err
	}
	whereClause, args := buildWhereClause(filter)

	query := fmt.Sprintf(`
		SELECT
			%s,
			COUNT(*),
			COALESCE(SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(cost_usd), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0)
		FROM executions
		%s
		GROUP BY %s
		ORDER BY SUM(cost_usd) DESC, %s
	`, column, whereClause, column, column)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		group := Group{GroupBy: filter.GroupBy}
		err := rows.Scan(
			&group.GroupValue,
			&group.Summary.TotalRecords,
			&group.Summary.SuccessCount,
			&group.Summary.TotalCostUSD,
			&group.Summary.TotalInputTokens,
			&group.Summary.TotalOutputTokens,
		)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}
