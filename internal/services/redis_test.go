package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCacheFromClient(client), mr
}

func TestGetOrSetCachesValue(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	calls := 0
	fetch := func() (map[string]int, error) {
		calls++
		return map[string]int{"amount": 89900}, nil
	}

	first, err := GetOrSet(cache, ctx, "sub:1", time.Minute, fetch)
	require.NoError(t, err)
	second, err := GetOrSet(cache, ctx, "sub:1", time.Minute, fetch)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)

	require.NoError(t, cache.Delete(ctx, "sub:1"))
	_, err = GetOrSet(cache, ctx, "sub:1", time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestGetOrSetErrorNotCached(t *testing.T) {
	cache, mr := newTestCache(t)
	_, err := GetOrSet(cache, context.Background(), "sub:2", time.Minute, func() (int, error) {
		return 0, errors.New("boom")
	})
	require.Error(t, err)
	assert.False(t, mr.Exists("sub:2"))
}

func TestGetOrSetNilCache(t *testing.T) {
	var cache *RedisCache
	v, err := GetOrSet(cache, context.Background(), "k", time.Minute, func() (string, error) { return "v", nil })
	require.NoError(t, err)
	assert.Equal(t, "v", v)
	assert.NoError(t, cache.Delete(context.Background(), "k"))
}

func TestLockExcludesSecondOwner(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	token, err := cache.AcquireLock(ctx, "lock:maintenance", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = cache.AcquireLock(ctx, "lock:maintenance", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	released, err := cache.ReleaseLock(ctx, "lock:maintenance", "not-the-owner")
	require.NoError(t, err)
	assert.False(t, released)
	assert.True(t, mr.Exists("lock:maintenance"))

	released, err = cache.ReleaseLock(ctx, "lock:maintenance", token)
	require.NoError(t, err)
	assert.True(t, released)

	_, err = cache.AcquireLock(ctx, "lock:maintenance", time.Minute)
	assert.NoError(t, err)
}

func TestLockExpires(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	_, err := cache.AcquireLock(ctx, "lock:maintenance", time.Minute)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = cache.AcquireLock(ctx, "lock:maintenance", time.Minute)
	assert.NoError(t, err)
}
