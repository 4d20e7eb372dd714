package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGuard implements Guard on Redis SET NX with expiry.
//
// This is the production guard: the reservation is atomic across every
// instance sharing the Redis, TTL cleanup is free, and there is no
// background goroutine to manage.
type RedisGuard struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisGuard creates a Redis-backed guard with the default TTL and
// key prefix.
func NewRedisGuard(client redis.UniversalClient) *RedisGuard {
	return &RedisGuard{
		client: client,
		ttl:    DefaultTTL,
		prefix: KeyPrefix,
	}
}

// WithTTL sets the default reservation lifetime. Returns the guard for
// method chaining.
func (g *RedisGuard) WithTTL(ttl time.Duration) *RedisGuard {
	if ttl > 0 {
		g.ttl = ttl
	}
	return g
}

// WithPrefix sets a custom key prefix, useful when several services share
// one Redis. Returns the guard for method chaining.
func (g *RedisGuard) WithPrefix(prefix string) *RedisGuard {
	g.prefix = prefix
	return g
}

// Check atomically reserves the key using SET NX.
func (g *RedisGuard) Check(ctx context.Context, key string) error {
	return g.CheckWithTTL(ctx, key, g.ttl)
}

// CheckWithTTL atomically reserves the key with a custom TTL.
//
// A Redis error is not a duplicate and not a pass: the caller gets
// ErrBackendUnavailable and must reject the write.
func (g *RedisGuard) CheckWithTTL(ctx context.Context, key string, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = g.ttl
	}

	set, err := g.client.SetNX(ctx, g.prefix+key, "1", ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: redis setnx: %v", ErrBackendUnavailable, err)
	}
	if !set {
		return fmt.Errorf("%w: key %q", ErrDuplicateRequest, key)
	}
	return nil
}

// Remove releases a reservation. Deleting an absent key is a no-op.
func (g *RedisGuard) Remove(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := g.client.Del(ctx, g.prefix+key).Err(); err != nil {
		return fmt.Errorf("%w: redis del: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Compile-time check
var _ Guard = (*RedisGuard)(nil)
