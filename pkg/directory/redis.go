package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"slackrelay/pkg/jsoncodec"
)

const redisKeyPrefix = "slackrelay:directory:"

// RedisStore shares resolved entries between relay replicas.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

// OpenRedisStore connects to redisURL and verifies the connection.
func OpenRedisStore(ctx context.Context, redisURL string, retention time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisStore(client, retention), nil
}

func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{client: client, retention: retention}
}

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var entry Entry
	if err := jsoncodec.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode cached entry %s: %w", key, err)
	}

	return entry, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, entry Entry) error {
	data, err := jsoncodec.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", key, err)
	}

	if err := s.client.Set(ctx, redisKeyPrefix+key, data, s.retention).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}

	return nil
}

func (s *RedisStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
