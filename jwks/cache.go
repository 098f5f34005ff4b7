package jwks

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/upb/tokengate/autherr"
	"github.com/upb/tokengate/internal/observability"
)

const (
	// DefaultCacheTTL is how long a fetched key set is served before refetching
	DefaultCacheTTL = 10 * time.Minute

	// DefaultMinRefreshInterval limits forced refreshes triggered by unknown kids
	DefaultMinRefreshInterval = 30 * time.Second
)

// Cache is a Fetcher that keeps one key set per provider base URL for a
// bounded time. Concurrent misses for the same URL share a single in-flight
// fetch; every waiter gets the same document or the same error. Failures are
// never cached.
type Cache struct {
	fetcher            Fetcher
	ttl                time.Duration
	minRefreshInterval time.Duration
	fetchTimeout       time.Duration
	now                func() time.Time
	logger             *zap.Logger
	metrics            *observability.Metrics

	mu      sync.RWMutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

type cacheEntry struct {
	doc       *Document
	fetchedAt time.Time
}

// CacheOption configures a Cache
type CacheOption func(*Cache)

// WithTTL sets how long a document stays fresh.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithMinRefreshInterval sets the minimum age a document must reach before
// Refresh replaces it.
func WithMinRefreshInterval(d time.Duration) CacheOption {
	return func(c *Cache) {
		c.minRefreshInterval = d
	}
}

// WithSharedFetchTimeout bounds the shared fetch, which runs detached from
// the cancellation of whichever caller started it.
func WithSharedFetchTimeout(d time.Duration) CacheOption {
	return func(c *Cache) {
		c.fetchTimeout = d
	}
}

// WithCacheClock replaces time.Now, for tests.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

// WithCacheLogger sets the logger.
func WithCacheLogger(logger *zap.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithCacheMetrics sets the metrics sink.
func WithCacheMetrics(m *observability.Metrics) CacheOption {
	return func(c *Cache) {
		c.metrics = m
	}
}

// NewCache wraps fetcher with a TTL cache.
func NewCache(fetcher Fetcher, opts ...CacheOption) *Cache {
	c := &Cache{
		fetcher:            fetcher,
		ttl:                DefaultCacheTTL,
		minRefreshInterval: DefaultMinRefreshInterval,
		fetchTimeout:       DefaultFetchTimeout,
		now:                time.Now,
		logger:             zap.NewNop(),
		entries:            make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ttl <= 0 {
		c.ttl = DefaultCacheTTL
	}
	return c
}

// Fetch returns the cached document for baseURL while it is fresh, and
// otherwise fetches a new one.
func (c *Cache) Fetch(ctx context.Context, baseURL string) (*Document, error) {
	c.mu.RLock()
	entry, ok := c.entries[baseURL]
	c.mu.RUnlock()

	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		c.metrics.RecordCache("hit")
		return entry.doc, nil
	}

	c.metrics.RecordCache("miss")
	return c.load(ctx, baseURL)
}

// Refresh refetches the document for baseURL, used when a token names a kid
// the cached document lacks (key rotation). A document younger than the
// minimum refresh interval is returned as is, so unknown kids cannot drive
// the provider request rate.
func (c *Cache) Refresh(ctx context.Context, baseURL string) (*Document, error) {
	c.mu.RLock()
	entry, ok := c.entries[baseURL]
	c.mu.RUnlock()

	if ok && c.now().Sub(entry.fetchedAt) < c.minRefreshInterval {
		return entry.doc, nil
	}

	c.metrics.RecordCache("refresh")
	c.logger.Info("refreshing key set", zap.String("provider", baseURL))
	return c.load(ctx, baseURL)
}

// Invalidate drops the cached document for baseURL.
func (c *Cache) Invalidate(baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, baseURL)
}

func (c *Cache) load(ctx context.Context, baseURL string) (*Document, error) {
	ch := c.group.DoChan(baseURL, func() (interface{}, error) {
		fetchCtx := context.WithoutCancel(ctx)
		if c.fetchTimeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(fetchCtx, c.fetchTimeout)
			defer cancel()
		}

		doc, err := c.fetcher.Fetch(fetchCtx, baseURL)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[baseURL] = cacheEntry{doc: doc, fetchedAt: c.now()}
		c.mu.Unlock()
		return doc, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.metrics.RecordCache("shared")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Document), nil
	case <-ctx.Done():
		return nil, autherr.Network("gave up waiting for key set", ctx.Err())
	}
}
