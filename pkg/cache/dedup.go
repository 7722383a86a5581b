package cache

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/snow-ghost/dispatch/core"
)

// Dedup collapses concurrent classifications of identical text into one
// in-flight call.
type Dedup struct {
	group singleflight.Group

	mu           sync.Mutex
	requests     int64
	deduplicated int64
}

// NewDedup creates a deduplicator.
func NewDedup() *Dedup {
	return &Dedup{}
}

// Do runs fn once per key among concurrent callers; late arrivals share the
// first caller's result.
func (d *Dedup) Do(ctx context.Context, key Key, fn func() (core.Classification, error)) (core.Classification, error) {
	d.mu.Lock()
	d.requests++
	d.mu.Unlock()

	result, err, shared := d.group.Do(string(key), func() (interface{}, error) {
		return fn()
	})
	if shared {
		d.mu.Lock()
		d.deduplicated++
		d.mu.Unlock()
	}
	if err != nil {
		return core.Classification{}, err
	}
	return result.(core.Classification), nil
}

// DedupStats reports request and share counts.
type DedupStats struct {
	Requests     int64 `json:"requests"`
	Deduplicated int64 `json:"deduplicated"`
}

// Stats returns a snapshot of deduplication statistics.
func (d *Dedup) Stats() DedupStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DedupStats{Requests: d.requests, Deduplicated: d.deduplicated}
}
