package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrExisting increments a counter only if it exists. INCRBY on its own
// would create the key, which would hand out slot numbers from a key nobody
// initialized. A nil reply means the key is missing.
var incrExisting = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return false
	end
	return redis.call('INCRBY', KEYS[1], ARGV[1])
`)

// casCounter swaps a counter's value if it matches ARGV[1], keeping the
// remaining TTL.
var casCounter = redis.NewScript(`
	local cur = redis.call('GET', KEYS[1])
	if not cur or cur ~= ARGV[1] then
		return 0
	end
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl > 0 then
		redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
	else
		redis.call('SET', KEYS[1], ARGV[2])
	end
	return 1
`)

// Redis is a Store backed by a Redis server shared by every worker.
type Redis struct {
	c redis.UniversalClient
}

func NewRedis(c redis.UniversalClient) *Redis {
	return &Redis{c: c}
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.c.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return b, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.c.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *Redis) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.c.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (r *Redis) Increment(ctx context.Context, key string, delta int64) (int64, bool, error) {
	n, err := incrExisting.Run(ctx, r.c, []string{key}, delta).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis incrby: %w", err)
	}
	return n, true, nil
}

func (r *Redis) CompareAndSwap(ctx context.Context, key string, old, new int64) (bool, error) {
	n, err := casCounter.Run(ctx, r.c, []string{key}, old, new).Int64()
	if err != nil {
		return false, fmt.Errorf("redis cas: %w", err)
	}
	return n == 1, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.c.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.c.Ping(ctx).Err()
}

var _ Store = (*Redis)(nil)
