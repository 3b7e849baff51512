package cache

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
)

type RedisCursorStore struct {
	client *redis.Client
}

func NewRedisCursorStore(client *redis.Client) *RedisCursorStore {
	return &RedisCursorStore{client: client}
}

func (s *RedisCursorStore) Get(ctx context.Context, representation string) (domain.ReconciliationCursor, bool, error) {
	raw, err := s.client.Get(ctx, cursorKey(representation)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ReconciliationCursor{}, false, nil
		}
		return domain.ReconciliationCursor{}, false, err
	}
	var out domain.ReconciliationCursor
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.ReconciliationCursor{}, false, err
	}
	return out, true, nil
}

func (s *RedisCursorStore) Put(ctx context.Context, cursor domain.ReconciliationCursor) error {
	raw, err := json.Marshal(cursor)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, cursorKey(cursor.Representation), raw, 0).Err()
}

func cursorKey(representation string) string {
	return keyPrefix + "cursor:" + representation
}
