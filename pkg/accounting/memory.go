package accounting

import (
	"sort"
	"sync"

	"github.com/snow-ghost/dispatch/core"
)

// MemoryAggregator keeps the audit log in memory. It is the default for
// development and tests; production deployments point the accountant at
// the SQLite aggregator instead.
type MemoryAggregator struct {
	mu      sync.RWMutex
	records []core.ExecutionRecord
}

// NewMemoryAggregator creates an empty in-memory audit log.
func NewMemoryAggregator() *MemoryAggregator {
	return &MemoryAggregator{
		records: make([]core.ExecutionRecord, 0),
	}
}

// Append adds one audit record.
func (m *MemoryAggregator) Append(rec core.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// Query retrieves records matching the filter, newest first.
func (m *MemoryAggregator) Query(filter Filter) ([]core.ExecutionRecord, error) {
	m.mu.RLock()
	var filtered []core.ExecutionRecord
	for _, rec := range m.records {
		if matchesFilter(rec, filter) {
			filtered = append(filtered, rec)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.After(filtered[j].Timestamp)
	})

	if filter.Limit > 0 {
		start := filter.Offset
		if start >= len(filtered) {
			return []core.ExecutionRecord{}, nil
		}
		end := start + filter.Limit
		if end > len(filtered) {
			end = len(filtered)
		}
		filtered = filtered[start:end]
	}
	return filtered, nil
}

// Summary aggregates the records matching the filter. Pagination is
// ignored so the summary always covers the whole match.
func (m *MemoryAggregator) Summary(filter Filter) (Summary, error) {
	filter.Limit = 0
	filter.Offset = 0
	records, err := m.Query(filter)
	if err != nil {
		return Summary{}, err
	}
	return summarize(records), nil
}

// Report builds a time-ranged report, grouped when filter.GroupBy is set.
func (m *MemoryAggregator) Report(filter Filter) (Report, error) {
	records, err := m.Query(filter)
	if err != nil {
		return Report{}, err
	}
	summary, err := m.Summary(filter)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		GroupBy: filter.GroupBy,
		Summary: summary,
		Records: records,
	}
	if filter.From != nil {
		report.From = *filter.From
	}
	if filter.To != nil {
		report.To = *filter.To
	}

	if filter.GroupBy != "" {
		groups, err := groupRecords(records, filter.GroupBy)
		if err != nil {
			return Report{}, err
		}
		report.Groups = groups
		report.Records = nil
	}
	return report, nil
}

// Export renders matching records as JSON or CSV.
func (m *MemoryAggregator) Export(filter Filter, format ExportFormat) ([]byte, error) {
	records, err := m.Query(filter)
	if err != nil {
		return nil, err
	}
	return exportRecords(records, format)
}

// Close is a no-op for the in-memory log.
func (m *MemoryAggregator) Close() error {
	return nil
}

// matchesFilter reports whether a record passes every set filter field.
func matchesFilter(rec core.ExecutionRecord, filter Filter) bool {
	if filter.From != nil && rec.Timestamp.Before(*filter.From) {
		return false
	}
	if filter.To != nil && rec.Timestamp.After(*filter.To) {
		return false
	}
	if filter.TaskID != "" && rec.TaskID != filter.TaskID {
		return false
	}
	if filter.ProviderID != "" && rec.ProviderID != filter.ProviderID {
		return false
	}
	if filter.Outcome != "" && rec.Outcome != filter.Outcome {
		return false
	}
	return true
}

// groupRecords buckets records by the grouping key, largest spend first.
func groupRecords(records []core.ExecutionRecord, groupBy string) ([]Group, error) {
	buckets := make(map[string][]core.ExecutionRecord)
	for _, rec := range records {
		key, err := groupValue(rec, groupBy)
		if err != nil {
			return nil, err
		}
		buckets[key] = append(buckets[key], rec)
	}

	groups := make([]Group, 0, len(buckets))
	for key, bucket := range buckets {
		groups = append(groups, Group{
			GroupBy:    groupBy,
			GroupValue: key,
			Summary:    summarize(bucket),
		})
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Summary.TotalCostUSD != groups[j].Summary.TotalCostUSD {
			return groups[i].Summary.TotalCostUSD > groups[j].Summary.TotalCostUSD
		}
		return groups[i].GroupValue < groups[j].GroupValue
	})
	return groups, nil
}
