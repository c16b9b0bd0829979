// Package redislock is a single-key Redis lease used to keep periodic jobs
// from running on more than one worker replica at a time.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when another holder owns the key.
var ErrNotAcquired = errors.New("redislock: not acquired")

// releaseScript deletes the key only if it still carries our token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Client is the subset of *redis.Client the lock needs.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Locker hands out leases under a key prefix.
type Locker struct {
	client Client
	prefix string
}

// New creates a locker. Keys are stored as prefix + ":" + key.
func New(client Client, prefix string) *Locker {
	return &Locker{client: client, prefix: prefix}
}

// NewClient parses a redis:// URL and verifies the server answers.
func NewClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// Lease is an acquired lock.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

// Key returns the full Redis key of the lease.
func (l *Lease) Key() string { return l.key }

// Acquire takes key for ttl. It does not wait: if the key is held it returns
// ErrNotAcquired.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	full := l.prefix + ":" + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", full, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lease{locker: l, key: full, token: token}, nil
}

// Release gives the key back if the lease still owns it. Releasing an expired
// or stolen lease is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	if err := l.locker.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}
