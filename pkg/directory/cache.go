package directory

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"slackrelay/pkg/logger"
	"slackrelay/pkg/metrics"
)

const (
	defaultTTL           = 10 * time.Minute
	defaultNegativeTTL   = time.Minute
	defaultLookupTimeout = 3 * time.Second
	defaultMaxConcurrent = 8

	// Stale entries are kept this many TTLs so a failed refresh can fall back.
	staleRetentionFactor = 6
)

// Options tunes a Cache. Zero values take the documented defaults.
type Options struct {
	TTL           time.Duration
	NegativeTTL   time.Duration
	LookupTimeout time.Duration
	MaxConcurrent int
	Size          int

	// Now replaces the clock used for freshness checks.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = defaultTTL
	}
	if o.NegativeTTL <= 0 {
		o.NegativeTTL = defaultNegativeTTL
	}
	if o.LookupTimeout <= 0 {
		o.LookupTimeout = defaultLookupTimeout
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = defaultMaxConcurrent
	}
	if o.Size <= 0 {
		o.Size = defaultStoreSize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Retention is how long a store should keep entries for this configuration.
func (o Options) Retention() time.Duration {
	return o.withDefaults().TTL * staleRetentionFactor
}

// Cache resolves ids through a Store and a Service. Concurrent misses for the
// same id share one service call, and service calls are bounded by
// MaxConcurrent.
type Cache struct {
	service  Service
	store    Store
	negative *expirable.LRU[string, time.Time]
	group    singleflight.Group
	limiter  *semaphore.Weighted
	opts     Options
	log      *slog.Logger
}

// NewCache builds a cache over service. A nil store falls back to a
// MemoryStore sized from opts.
func NewCache(service Service, store Store, opts Options, log *slog.Logger) *Cache {
	opts = opts.withDefaults()
	if store == nil {
		store = NewMemoryStore(opts.Size, opts.Retention())
	}
	if log == nil {
		log = logger.Discard()
	}

	return &Cache{
		service:  service,
		store:    store,
		negative: expirable.NewLRU[string, time.Time](opts.Size, nil, opts.NegativeTTL),
		limiter:  semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		opts:     opts,
		log:      log.With("component", "directory.cache"),
	}
}

// Resolve returns the entry for id. Failures are *LookupError values.
func (c *Cache) Resolve(ctx context.Context, kind Kind, id string) (Entry, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Entry{}, &LookupError{Kind: kind, NotFound: true}
	}

	key := cacheKey(kind, id)
	now := c.opts.Now()

	cached, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Warn("Directory store read failed", "key", key, "error", err)
		found = false
	}
	if found && now.Sub(cached.ResolvedAt) < c.opts.TTL {
		metrics.DirectoryLookups.WithLabelValues(string(kind), metrics.LookupHit).Inc()
		return cached, nil
	}

	if expiry, ok := c.negative.Get(key); ok && now.Before(expiry) {
		metrics.DirectoryLookups.WithLabelValues(string(kind), metrics.LookupNotFound).Inc()
		return Entry{}, &LookupError{Kind: kind, ID: id, NotFound: true}
	}

	results := c.group.DoChan(key, func() (any, error) {
		return c.fetch(ctx, key, kind, id)
	})

	select {
	case <-ctx.Done():
		metrics.DirectoryLookups.WithLabelValues(string(kind), metrics.LookupError).Inc()
		return Entry{}, &LookupError{Kind: kind, ID: id, Err: ctx.Err()}
	case res := <-results:
		if res.Err == nil {
			metrics.DirectoryLookups.WithLabelValues(string(kind), metrics.LookupMiss).Inc()
			return res.Val.(Entry), nil
		}

		if errors.Is(res.Err, ErrNotFound) {
			metrics.DirectoryLookups.WithLabelValues(string(kind), metrics.LookupNotFound).Inc()
			return Entry{}, res.Err
		}

		if found {
			metrics.DirectoryLookups.WithLabelValues(string(kind), metrics.LookupStale).Inc()
			c.log.Warn("Serving stale directory entry", "kind", kind, "id", id, "age", now.Sub(cached.ResolvedAt), "error", res.Err)
			return cached, nil
		}

		metrics.DirectoryLookups.WithLabelValues(string(kind), metrics.LookupError).Inc()
		return Entry{}, res.Err
	}
}

// fetch runs once per coalesced key. It is detached from the first caller's
// cancellation so that later callers sharing the result are not failed by it.
func (c *Cache) fetch(parent context.Context, key string, kind Kind, id string) (Entry, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.opts.LookupTimeout)
	defer cancel()

	// a fetch that finished just before this one started may already have stored
	// the entry
	if cached, found, err := c.store.Get(ctx, key); err == nil && found && c.opts.Now().Sub(cached.ResolvedAt) < c.opts.TTL {
		return cached, nil
	}

	if err := c.limiter.Acquire(ctx, 1); err != nil {
		c.log.Warn("Directory lookup not started", "kind", kind, "id", id, "error", err)
		return Entry{}, &LookupError{Kind: kind, ID: id, Err: err}
	}
	defer c.limiter.Release(1)

	metrics.DirectoryCalls.WithLabelValues(string(kind)).Inc()
	entry, err := c.service.Lookup(ctx, kind, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.negative.Add(key, c.opts.Now().Add(c.opts.NegativeTTL))
			c.log.Debug("Directory entry not found", "kind", kind, "id", id)
			return Entry{}, &LookupError{Kind: kind, ID: id, NotFound: true, Err: err}
		}

		c.log.Debug("Directory service unreachable", "kind", kind, "id", id, "error", err)
		return Entry{}, &LookupError{Kind: kind, ID: id, Err: err}
	}

	entry.ID = id
	entry.Kind = kind
	entry.ResolvedAt = c.opts.Now()

	if err := c.store.Put(ctx, key, entry); err != nil {
		c.log.Warn("Directory store write failed", "key", key, "error", err)
	}
	c.negative.Remove(key)

	return entry, nil
}
