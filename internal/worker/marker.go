package worker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMarker keeps already-notified flags in Redis with a TTL, same as
// the expiring keys it replaces would age out on their own.
type RedisMarker struct {
	rdb *redis.Client
}

func NewRedisMarker(rdb *redis.Client) *RedisMarker {
	return &RedisMarker{rdb: rdb}
}

func (m *RedisMarker) Seen(ctx context.Context, key string) (bool, error) {
	n, err := m.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (m *RedisMarker) Mark(ctx context.Context, key string, ttl time.Duration) error {
	return m.rdb.Set(ctx, key, "1", ttl).Err()
}
