package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrimarket/internal/infrastructure/redislock"
)

type memRedis struct {
	keys map[string]string
}

func (m *memRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	if _, ok := m.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	m.keys[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (m *memRedis) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	if m.keys[keys[0]] == args[0].(string) {
		delete(m.keys, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func TestRedisGuard_ElectsOneHolder(t *testing.T) {
	ctx := context.Background()
	client := &memRedis{keys: map[string]string{}}
	guard := NewRedisGuard(redislock.New(client, "agrimarket"))

	release, ok, err := guard.TryLock(ctx, "purge", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = guard.TryLock(ctx, "purge", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	release(ctx)
	assert.Empty(t, client.keys)

	_, ok, err = guard.TryLock(ctx, "purge", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalGuard_AlwaysGrants(t *testing.T) {
	release, ok, err := LocalGuard{}.TryLock(context.Background(), "any", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotNil(t, release)
}
