package services

import (
	"context"
	"fmt"
	"time"
)

const subscriptionCacheTTL = 5 * time.Minute

// SubscriptionCache caches the per-user subscription read model. A nil
// *SubscriptionCache disables caching.
type SubscriptionCache struct {
	redis *RedisCache
	ttl   time.Duration
}

func NewSubscriptionCache(redis *RedisCache) *SubscriptionCache {
	if redis == nil {
		return nil
	}
	return &SubscriptionCache{redis: redis, ttl: subscriptionCacheTTL}
}

func subscriptionCacheKey(userID string) string {
	return fmt.Sprintf("subscription:current:%s", userID)
}

// Current returns the cached view or loads it with fetch.
func (c *SubscriptionCache) Current(ctx context.Context, userID string, fetch func() (*SubscriptionView, error)) (*SubscriptionView, error) {
	if c == nil {
		return fetch()
	}
	return GetOrSet(c.redis, ctx, subscriptionCacheKey(userID), c.ttl, fetch)
}

// Invalidate drops the cached view after a mutation.
func (c *SubscriptionCache) Invalidate(ctx context.Context, userID string) {
	if c == nil {
		return
	}
	_ = c.redis.Delete(ctx, subscriptionCacheKey(userID))
}
