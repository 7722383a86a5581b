package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/snow-ghost/dispatch/core"
)

// Key identifies a classification by the text it was computed from.
type Key string

// KeyFor hashes raw task text into a cache key.
func KeyFor(rawText string) Key {
	sum := sha256.Sum256([]byte(rawText))
	return Key(hex.EncodeToString(sum[:]))
}

// Config holds classification cache settings.
type Config struct {
	MaxSize         int
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns the default cache settings.
func DefaultConfig() *Config {
	return &Config{
		MaxSize:         4096,
		DefaultTTL:      15 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// Stats tracks cache effectiveness.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Size        int   `json:"size"`
	MaxSize     int   `json:"max_size"`
}

type entry struct {
	class     core.Classification
	expiresAt time.Time
}

func (e *entry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// ClassificationCache is an LRU+TTL store for classifier verdicts, so
// resubmitted or near-duplicate texts skip the classification call.
type ClassificationCache struct {
	cache    *lru.Cache[Key, *entry]
	config   *Config
	stats    Stats
	mu       sync.RWMutex
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewClassificationCache creates the cache and starts its cleanup loop.
func NewClassificationCache(config *Config) (*ClassificationCache, error) {
	if config == nil {
		config = DefaultConfig()
	}

	inner, err := lru.New[Key, *entry](config.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	c := &ClassificationCache{
		cache:    inner,
		config:   config,
		stats:    Stats{MaxSize: config.MaxSize},
		stopChan: make(chan struct{}),
	}

	go c.cleanup()
	return c, nil
}

// Get retrieves a cached classification.
func (c *ClassificationCache) Get(key Key) (core.Classification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.cache.Get(key)
	if !exists {
		c.stats.Misses++
		return core.Classification{}, false
	}
	if e.expired() {
		c.cache.Remove(key)
		c.stats.Expirations++
		c.stats.Misses++
		return core.Classification{}, false
	}

	c.stats.Hits++
	return e.class, true
}

// Set stores a classification with the given TTL (0 uses the default).
func (c *ClassificationCache) Set(key Key, class core.Classification, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	if c.cache.Len() >= c.config.MaxSize {
		if oldest, _, ok := c.cache.GetOldest(); ok {
			c.cache.Remove(oldest)
			c.stats.Evictions++
		}
	}

	c.cache.Add(key, &entry{class: class, expiresAt: time.Now().Add(ttl)})
	c.stats.Size = c.cache.Len()
}

// Delete removes one key.
func (c *ClassificationCache) Delete(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(key)
	c.stats.Size = c.cache.Len()
}

// Clear drops the whole cache.
func (c *ClassificationCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
	c.stats.Size = 0
}

// Stats returns a snapshot of cache statistics.
func (c *ClassificationCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := c.stats
	stats.Size = c.cache.Len()
	return stats
}

// Len returns the number of live entries.
func (c *ClassificationCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache.Len()
}

// Close stops the cleanup loop.
func (c *ClassificationCache) Close() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

// cleanup periodically removes expired entries.
func (c *ClassificationCache) cleanup() {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanupExpired()
		case <-c.stopChan:
			return
		}
	}
}

func (c *ClassificationCache) cleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	expired := 0
	for _, key := range c.cache.Keys() {
		if e, ok := c.cache.Peek(key); ok && e.expired() {
			c.cache.Remove(key)
			expired++
		}
	}
	if expired > 0 {
		c.stats.Expirations += int64(expired)
		c.stats.Size = c.cache.Len()
	}
}
