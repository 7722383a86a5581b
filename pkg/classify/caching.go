package classify

import (
	"context"
	"time"

	"github.com/snow-ghost/dispatch/core"
	"github.com/snow-ghost/dispatch/pkg/cache"
	"github.com/snow-ghost/dispatch/pkg/metrics"
)

// CachingClassifier wraps another classifier with an LRU+TTL cache and
// single-flight deduplication keyed on the raw task text. Failed
// classifications (conservative defaults) are never cached so a transient
// outage does not pin tasks to the fallback verdict for the TTL.
type CachingClassifier struct {
	inner   core.Classifier
	cache   *cache.ClassificationCache
	dedup   *cache.Dedup
	metrics *metrics.Metrics
	ttl     time.Duration
}

// NewCachingClassifier creates the caching decorator. metrics may be nil.
func NewCachingClassifier(inner core.Classifier, c *cache.ClassificationCache, m *metrics.Metrics, ttl time.Duration) *CachingClassifier {
	return &CachingClassifier{
		inner:   inner,
		cache:   c,
		dedup:   cache.NewDedup(),
		metrics: m,
		ttl:     ttl,
	}
}

// Classify consults the cache, then collapses concurrent misses for the
// same text into one inner call.
func (c *CachingClassifier) Classify(ctx context.Context, rawText string) (core.Classification, error) {
	key := cache.KeyFor(rawText)

	if class, ok := c.cache.Get(key); ok {
		c.metrics.RecordClassificationCacheHit()
		return class, nil
	}
	c.metrics.RecordClassificationCacheMiss()

	return c.dedup.Do(ctx, key, func() (core.Classification, error) {
		class, err := c.inner.Classify(ctx, rawText)
		if err == nil {
			c.cache.Set(key, class, c.ttl)
		}
		return class, err
	})
}

// Close releases the cache sweeper.
func (c *CachingClassifier) Close() {
	c.cache.Close()
}
