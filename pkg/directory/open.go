package directory

import (
	"context"
	"io"
	"log/slog"

	"slackrelay/pkg/config"
)

// Open builds a Cache from configuration, backed by Redis when a URL is set
// and by process memory otherwise.
func Open(ctx context.Context, cfg config.DirectoryConfig, service Service, log *slog.Logger) (*Cache, error) {
	opts := Options{
		TTL:           cfg.TTL,
		NegativeTTL:   cfg.NegativeTTL,
		LookupTimeout: cfg.LookupTimeout,
		MaxConcurrent: cfg.MaxConcurrent,
		Size:          cfg.Size,
	}

	var store Store
	if cfg.RedisURL != "" {
		redisStore, err := OpenRedisStore(ctx, cfg.RedisURL, opts.Retention())
		if err != nil {
			return nil, err
		}
		store = redisStore
	}

	return NewCache(service, store, opts, log), nil
}

// Close releases the backing store when it holds a connection.
func (c *Cache) Close() error {
	if closer, ok := c.store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
