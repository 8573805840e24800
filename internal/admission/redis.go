package admission

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounterStore shares rate windows across gateway instances. INCR and
// the window-scoped expiry run in one pipeline so two concurrent requests
// can never observe the same pre-increment count.
type RedisCounterStore struct {
	client *redis.Client
}

func NewRedisCounterStore(redisURL string) (*RedisCounterStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCounterStore{client: client}, nil
}

func (s *RedisCounterStore) Incr(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	ttl := pipe.PTTL(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, err
	}

	remaining := ttl.Val()
	if remaining < 0 {
		remaining = window
	}

	return int(incr.Val()), time.Now().Add(remaining), nil
}

func (s *RedisCounterStore) Decr(ctx context.Context, key string) error {
	return s.client.Decr(ctx, key).Err()
}

func (s *RedisCounterStore) Close() error {
	return s.client.Close()
}
