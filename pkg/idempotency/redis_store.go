package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps ledger entries as expiring redis keys
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a redis-backed ledger store
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "medround:ledger:"
	}
	if ttl <= 0 {
		ttl = DefaultPostgresConfig().DefaultTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Status returns the status recorded for key
func (s *RedisStore) Status(ctx context.Context, key string) (Status, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return StatusNone, nil
	}
	if err != nil {
		return StatusNone, err
	}
	return Status(val), nil
}

// SetStatus stores status for key. The detail is kept in a sibling key so
// that Status stays a single GET.
func (s *RedisStore) SetStatus(ctx context.Context, key string, status Status, detail string) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.prefix+key, string(status), s.ttl)
	if detail != "" {
		pipe.Set(ctx, s.prefix+key+":detail", detail, s.ttl)
	} else {
		pipe.Del(ctx, s.prefix+key+":detail")
	}
	_, err := pipe.Exec(ctx)
	return err
}
