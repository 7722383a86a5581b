package accounting

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/snow-ghost/dispatch/core"
)

// Filter narrows audit queries. Nil time bounds are open-ended; empty
// string fields match everything.
type Filter struct {
	From       *time.Time   `json:"from,omitempty"`
	To         *time.Time   `json:"to,omitempty"`
	TaskID     string       `json:"task_id,omitempty"`
	ProviderID string       `json:"provider_id,omitempty"`
	Outcome    core.Outcome `json:"outcome,omitempty"`
	GroupBy    string       `json:"group_by,omitempty"` // provider, outcome, task, kind
	Limit      int          `json:"limit,omitempty"`
	Offset     int          `json:"offset,omitempty"`
}

// Summary aggregates audit records. Costs are USD; only successful
// attempts carry cost, so TotalCostUSD is settled spend.
type Summary struct {
	TotalRecords      int64   `json:"total_records"`
	SuccessCount      int64   `json:"success_count"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
}

// Group is one bucket of a grouped report.
type Group struct {
	GroupBy    string  `json:"group_by"`
	GroupValue string  `json:"group_value"`
	Summary    Summary `json:"summary"`
}

// Report is a summary over a time range, optionally grouped.
type Report struct {
	From    time.Time              `json:"from"`
	To      time.Time              `json:"to"`
	GroupBy string                 `json:"group_by,omitempty"`
	Summary Summary                `json:"summary"`
	Groups  []Group                `json:"groups,omitempty"`
	Records []core.ExecutionRecord `json:"records,omitempty"`
}

// ExportFormat selects the audit export encoding.
type ExportFormat string

const (
	ExportFormatJSON ExportFormat = "json"
	ExportFormatCSV  ExportFormat = "csv"
)

// Aggregator stores the append-only execution audit log and answers
// aggregate queries over it.
type Aggregator interface {
	// Append adds one audit record. Records are never updated or removed.
	Append(rec core.ExecutionRecord) error

	// Query retrieves records matching the filter, newest first.
	Query(filter Filter) ([]core.ExecutionRecord, error)

	// Summary aggregates the records matching the filter.
	Summary(filter Filter) (Summary, error)

	// Report builds a time-ranged report, grouped when filter.GroupBy is
	// set.
	Report(filter Filter) (Report, error)

	// Export renders matching records as JSON or CSV.
	Export(filter Filter, format ExportFormat) ([]byte, error)

	// Close releases the underlying storage.
	Close() error
}

// summarize folds records into a Summary.
func summarize(records []core.ExecutionRecord) Summary {
	var s Summary
	s.TotalRecords = int64(len(records))
	for _, rec := range records {
		if rec.Outcome == core.OutcomeSuccess {
			s.SuccessCount++
		}
		s.TotalCostUSD += rec.CostUSD
		s.TotalInputTokens += int64(rec.InputTokens)
		s.TotalOutputTokens += int64(rec.OutputTokens)
	}
	return s
}

// groupValue extracts the grouping key of a record.
func groupValue(rec core.ExecutionRecord, groupBy string) (string, error) {
	switch groupBy {
	case "provider":
		return rec.ProviderID, nil
	case "outcome":
		return string(rec.Outcome), nil
	case "task":
		return rec.TaskID, nil
	case "kind":
		return string(rec.ProviderKind), nil
	default:
		return "", fmt.Errorf("unsupported group_by: %s", groupBy)
	}
}

// exportRecords renders records in the requested format.
func exportRecords(records []core.ExecutionRecord, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatJSON:
		return json.MarshalIndent(records, "", "  ")
	case ExportFormatCSV:
		return exportCSV(records)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

// exportCSV renders records as CSV with a header row.
func exportCSV(records []core.ExecutionRecord) ([]byte, error) {
	var buf strings.Builder
	writer := csv.NewWriter(&buf)

	header := []string{
		"ID", "Timestamp", "Task ID", "Provider", "Kind",
		"Input Tokens", "Output Tokens", "Cost USD", "Latency Ms",
		"Outcome", "Reason",
	}
	if err := writer.Write(header); err != nil {
		return nil, err
	}

	for _, rec := range records {
		row := []string{
			rec.ID,
			rec.Timestamp.Format(time.RFC3339),
			rec.TaskID,
			rec.ProviderID,
			string(rec.ProviderKind),
			fmt.Sprintf("%d", rec.InputTokens),
			fmt.Sprintf("%d", rec.OutputTokens),
			fmt.Sprintf("%.6f", rec.CostUSD),
			fmt.Sprintf("%d", rec.LatencyMs),
			string(rec.Outcome),
			rec.Reason,
		}
		if err := writer.Write(row); err != nil {
			return nil, err
		}
	}

	writer.Flush()
	return []byte(buf.String()), nil
}
