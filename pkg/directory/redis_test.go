package directory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slackrelay/pkg/config"
)

func newTestRedisStore(t *testing.T, retention time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, retention)
	t.Cleanup(func() { _ = store.Close() })

	return store, mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store, mr := newTestRedisStore(t, time.Hour)
	ctx := context.Background()

	resolvedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	want := Entry{ID: "U1", Kind: KindUser, DisplayName: "Ann", Email: "ann@example.com", ResolvedAt: resolvedAt}
	require.NoError(t, store.Put(ctx, "user:U1", want))

	got, ok, err := store.Get(ctx, "user:U1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.DisplayName, got.DisplayName)
	assert.Equal(t, want.Email, got.Email)
	assert.True(t, want.ResolvedAt.Equal(got.ResolvedAt))

	assert.True(t, mr.Exists(redisKeyPrefix+"user:U1"))
	assert.Equal(t, time.Hour, mr.TTL(redisKeyPrefix+"user:U1"))
}

func TestRedisStoreMissAndExpiry(t *testing.T) {
	store, mr := newTestRedisStore(t, time.Minute)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "channel:C1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, "channel:C1", Entry{ID: "C1", Kind: KindChannel, DisplayName: "general"}))
	mr.FastForward(2 * time.Minute)

	_, ok, err = store.Get(ctx, "channel:C1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreCorruptValue(t *testing.T) {
	store, mr := newTestRedisStore(t, time.Minute)
	require.NoError(t, mr.Set(redisKeyPrefix+"user:U1", "{not json"))

	_, _, err := store.Get(context.Background(), "user:U1")
	assert.Error(t, err)
}

func TestCacheSharesEntriesThroughRedis(t *testing.T) {
	store, _ := newTestRedisStore(t, time.Hour)
	ctx := context.Background()

	first := newFakeService()
	_, err := NewCache(first, store, Options{}, nil).Resolve(ctx, KindUser, "U1")
	require.NoError(t, err)

	second := newFakeService()
	entry, err := NewCache(second, store, Options{}, nil).Resolve(ctx, KindUser, "U1")
	require.NoError(t, err)
	assert.Equal(t, "Ann", entry.DisplayName)

	calls, _ := second.snapshot()
	assert.Zero(t, calls)
}

func TestCacheFallsBackWhenRedisIsDown(t *testing.T) {
	store, mr := newTestRedisStore(t, time.Hour)
	mr.Close()

	service := newFakeService()
	entry, err := NewCache(service, store, Options{}, nil).Resolve(context.Background(), KindUser, "U1")
	require.NoError(t, err)
	assert.Equal(t, "Ann", entry.DisplayName)
}

func TestOpenRedisStoreRejectsBadURL(t *testing.T) {
	_, err := OpenRedisStore(context.Background(), "not-a-valid-url", time.Minute)
	assert.Error(t, err)
}

func TestOpenRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := OpenRedisStore(context.Background(), "redis://"+mr.Addr(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
}

func TestOpenSelectsStore(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	memory, err := Open(ctx, config.DirectoryConfig{}, newFakeService(), nil)
	require.NoError(t, err)
	_, isMemory := memory.store.(*MemoryStore)
	assert.True(t, isMemory)
	assert.NoError(t, memory.Close())

	shared, err := Open(ctx, config.DirectoryConfig{RedisURL: "redis://" + mr.Addr(), TTL: time.Minute}, newFakeService(), nil)
	require.NoError(t, err)
	_, isRedis := shared.store.(*RedisStore)
	assert.True(t, isRedis)

	_, err = shared.Resolve(ctx, KindUser, "U1")
	require.NoError(t, err)
	assert.Equal(t, 6*time.Minute, mr.TTL(redisKeyPrefix+"user:U1"))
	assert.NoError(t, shared.Close())
}
