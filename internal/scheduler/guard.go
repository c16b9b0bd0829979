package scheduler

import (
	"context"
	"errors"
	"time"

	"agrimarket/internal/infrastructure/redislock"
)

// Guard elects one runner per job key across worker replicas.
//
// TryLock returns ok=false without error when another runner holds key.
// The returned release func is never nil when ok is true.
type Guard interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context), ok bool, err error)
}

// LocalGuard grants every key. Used when the worker runs as a single replica.
type LocalGuard struct{}

func (LocalGuard) TryLock(context.Context, string, time.Duration) (func(context.Context), bool, error) {
	return func(context.Context) {}, true, nil
}

// RedisGuard elects through a Redis lease.
type RedisGuard struct {
	locker *redislock.Locker
}

// NewRedisGuard wraps a redislock.Locker.
func NewRedisGuard(locker *redislock.Locker) *RedisGuard {
	return &RedisGuard{locker: locker}
}

func (g *RedisGuard) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context), bool, error) {
	lease, err := g.locker.Acquire(ctx, key, ttl)
	if errors.Is(err, redislock.ErrNotAcquired) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return func(ctx context.Context) { _ = lease.Release(ctx) }, true, nil
}
