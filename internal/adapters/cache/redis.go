package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "consistency:"

func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, parseErr := redis.ParseURL(redisURL)
		if parseErr != nil {
			return nil, fmt.Errorf("parse redis url: %w", parseErr)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

type Probe struct {
	client *redis.Client
}

func NewProbe(client *redis.Client) *Probe {
	return &Probe{client: client}
}

func (p *Probe) Name() string { return "redis" }

func (p *Probe) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
