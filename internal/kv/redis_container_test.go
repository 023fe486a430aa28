package kv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// TestRedis_Server runs the scripted primitives against a real Redis
// server, which miniredis only emulates.
func TestRedis_Server(t *testing.T) {
	if testing.Short() {
		t.Skip("redis container skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := tcredis.Run(ctx, "redis:7-alpine")
	t.Cleanup(func() {
		if ctr != nil {
			_ = ctr.Terminate(context.Background())
		}
	})
	require.NoError(t, err)

	uri, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)
	opt, err := redis.ParseURL(uri)
	require.NoError(t, err)
	rc := redis.NewClient(opt)
	t.Cleanup(func() { _ = rc.Close() })

	s := NewRedis(rc)
	require.NoError(t, s.Ping(ctx))

	t.Run("IncrementMissing", func(t *testing.T) {
		_, ok, err := s.Increment(ctx, "missing", 1)
		require.NoError(t, err)
		assert.False(t, ok)
		exists, err := s.Exists(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, exists, "a declined increment must not create the key")
	})

	t.Run("CompareAndSwapKeepsTTL", func(t *testing.T) {
		added, err := s.Add(ctx, "ttl", FormatInt(7), time.Minute)
		require.NoError(t, err)
		require.True(t, added)

		swapped, err := s.CompareAndSwap(ctx, "ttl", 7, 0)
		require.NoError(t, err)
		assert.True(t, swapped)
		swapped, err = s.CompareAndSwap(ctx, "ttl", 7, 1)
		require.NoError(t, err)
		assert.False(t, swapped)

		ttl, err := rc.PTTL(ctx, "ttl").Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, 50*time.Second)
	})

	t.Run("ConcurrentReservations", func(t *testing.T) {
		const workers = 50
		got := make([]int64, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				n, err := IncrementOrCreate(ctx, s, "index", 0, 1)
				assert.NoError(t, err)
				got[i] = n
			}(i)
		}
		wg.Wait()

		seen := make(map[int64]bool, workers)
		for _, n := range got {
			assert.False(t, seen[n], "slot %d handed out twice", n)
			seen[n] = true
		}
		n, err := ResetToZero(ctx, s, "index")
		require.NoError(t, err)
		assert.EqualValues(t, workers-1, n)
	})
}
