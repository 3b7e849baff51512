package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a lease held with SET NX PX. Release only deletes the key
// while it still carries this holder's token.
type RedisLock struct {
	client *redis.Client
}

func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context), bool, error) {
	token := uuid.NewString()
	redisKey := lockKey(key)
	ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil || !ok {
		return func(context.Context) {}, false, err
	}
	release := func(ctx context.Context) {
		_ = releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err()
	}
	return release, true, nil
}

func (l *RedisLock) Held(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, lockKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func lockKey(key string) string {
	return keyPrefix + "lock:" + key
}
