package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// casScript swaps the value at KEYS[1] from ARGV[1] to ARGV[2] only when
// the current value matches, keeping the remaining TTL. Returns 1 on swap.
var casScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[2], "KEEPTTL")
  return 1
end
return 0
`)

// RedisStore implements Store on a Redis client.
type RedisStore struct {
	client redis.UniversalClient
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore constructs a Redis-backed store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	removed, err := s.client.Del(ctx, key).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	return removed > 0, nil
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	won, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return won, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expected, replacement []byte) (bool, error) {
	result, err := casScript.Run(ctx, s.client, []string{key}, expected, replacement).Int64()
	if err != nil {
		return false, fmt.Errorf("cas %s: %w", key, err)
	}
	return result == 1, nil
}

func (s *RedisStore) RemainingTTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("pttl %s: %w", key, err)
	}
	if ttl < 0 {
		return 0, ErrNotFound
	}
	return ttl, nil
}
