package websearch

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// Cached decorates a Searcher with a process-lifetime cache keyed by
// the exact query string, so repeated questions never hit the network
// twice.
type Cached struct {
	inner Searcher
	cache *ristretto.Cache
}

// NewCached wraps inner with a ristretto cache sized for a desktop
// assistant's working set.
func NewCached(inner Searcher) (*Cached, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create search cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

// Query returns cached results for an exact query match, delegating to
// the inner searcher on a miss. Failed lookups are not cached.
func (c *Cached) Query(ctx context.Context, text string) ([]Result, error) {
	if v, ok := c.cache.Get(text); ok {
		if results, ok := v.([]Result); ok {
			return results, nil
		}
	}

	results, err := c.inner.Query(ctx, text)
	if err != nil {
		return nil, err
	}

	c.cache.Set(text, results, int64(len(results)+1))
	c.cache.Wait()
	return results, nil
}

// Close releases the cache's internal goroutines.
func (c *Cached) Close() {
	c.cache.Close()
}
