package redisstore

import (
	"context"
	"testing"
	"time"

	"cognitive-traces/internal/models"
	"cognitive-traces/internal/store"
	"cognitive-traces/internal/store/storetest"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniredis(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewFromClient(client, "test:", ttl)

	t.Cleanup(func() {
		_ = s.Close()
	})
	return mr, s
}

func TestRedisStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		_, s := setupMiniredis(t, 0)
		return s
	})
}

func TestRedisStore_New(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	s, err := New(Config{Addr: mr.Addr()})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, defaultPrefix, s.prefix)
}

func TestRedisStore_KeysUsePrefixAndTTL(t *testing.T) {
	mr, s := setupMiniredis(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, s.SaveCheckpoint(ctx, &models.Checkpoint{JobID: "job-1"}))
	require.NoError(t, s.AppendRows(ctx, "job-1", "web", storetest.Events("s1", 1)))

	assert.True(t, mr.Exists("test:checkpoint:job-1"))
	assert.True(t, mr.Exists("test:rows:job-1:web"))
	assert.Equal(t, time.Hour, mr.TTL("test:checkpoint:job-1"))
	assert.Equal(t, time.Hour, mr.TTL("test:order:job-1:web"))
}

func TestRedisStore_Closed(t *testing.T) {
	_, s := setupMiniredis(t, 0)
	require.NoError(t, s.Close())

	_, err := s.LoadCheckpoint(context.Background(), "job-1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.AppendRows(context.Background(), "job-1", "web", storetest.Events("s1", 1)), ErrClosed)
}
