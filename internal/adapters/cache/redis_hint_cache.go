package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisHintCache stores the fingerprint last written per representation
// and id. Entries expire so a stale fingerprint cannot suppress fetches
// forever.
type RedisHintCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisHintCache(client *redis.Client, ttl time.Duration) *RedisHintCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisHintCache{client: client, ttl: ttl}
}

func (c *RedisHintCache) Get(ctx context.Context, representation, id string) (string, bool, error) {
	v, err := c.client.Get(ctx, hintKey(representation, id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

func (c *RedisHintCache) Set(ctx context.Context, representation, id, fingerprint string) error {
	return c.client.Set(ctx, hintKey(representation, id), fingerprint, c.ttl).Err()
}

func (c *RedisHintCache) Delete(ctx context.Context, representation, id string) error {
	return c.client.Del(ctx, hintKey(representation, id)).Err()
}

func hintKey(representation, id string) string {
	return keyPrefix + "hint:" + representation + ":" + id
}
