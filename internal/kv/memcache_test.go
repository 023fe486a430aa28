package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestExpiration(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	assert.Zero(t, expiration(now, 0))
	assert.Zero(t, expiration(now, -time.Second))
	assert.EqualValues(t, 1, expiration(now, 10*time.Millisecond), "sub-second TTLs round up")
	assert.EqualValues(t, 120, expiration(now, 120*time.Second))
	assert.EqualValues(t, 86400, expiration(now, 24*time.Hour))
	assert.EqualValues(t, maxRelativeExpiry, expiration(now, 30*24*time.Hour))

	// Beyond 30 days memcached reads exptime as a Unix timestamp.
	assert.EqualValues(t, now.Add(45*24*time.Hour).Unix(), expiration(now, 45*24*time.Hour))
	assert.EqualValues(t, now.Unix()+31*24*3600, expiration(now.Add(-time.Millisecond), 31*24*time.Hour))
}

func newMemcacheServer(t *testing.T) *Memcache {
	t.Helper()
	if testing.Short() {
		t.Skip("memcached container skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "memcached:1.6-alpine",
			ExposedPorts: []string{"11211/tcp"},
			WaitingFor:   wait.ForListeningPort("11211/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	t.Cleanup(func() {
		if ctr != nil {
			_ = ctr.Terminate(context.Background())
		}
	})
	require.NoError(t, err)

	addr, err := ctr.Endpoint(ctx, "")
	require.NoError(t, err)
	m, err := NewMemcache(addr)
	require.NoError(t, err)
	return m
}

// TestMemcache_Server runs the shared store suite against a real memcached.
// Expiry is checked separately in wall-clock seconds.
func TestMemcache_Server(t *testing.T) {
	m := newMemcacheServer(t)
	b := backend{name: "memcached", store: m}

	t.Run("Primitives", func(t *testing.T) { testPrimitives(t, b) })
	t.Run("AddElectsOne", func(t *testing.T) { testAddElectsOne(t, b) })
	t.Run("DistinctValues", func(t *testing.T) { testDistinctValues(t, b) })
	t.Run("ResetToZeroLinearizable", func(t *testing.T) { testLinearizable(t, b) })

	t.Run("CounterShrinks", func(t *testing.T) {
		ctx := context.Background()
		// decr keeps the stored width and pads the shorter value with
		// spaces; reads must still parse it.
		require.NoError(t, m.Set(ctx, "wide", FormatInt(1000), 0))
		n, ok, err := m.Increment(ctx, "wide", -993)
		require.NoError(t, err)
		require.True(t, ok)
		assert.EqualValues(t, 7, n)

		got, ok, err := GetInt(ctx, m, "wide")
		require.NoError(t, err)
		require.True(t, ok)
		assert.EqualValues(t, 7, got)

		swapped, err := m.CompareAndSwap(ctx, "wide", 7, 0)
		require.NoError(t, err)
		assert.True(t, swapped)
	})

	t.Run("CompareAndSwapMissing", func(t *testing.T) {
		swapped, err := m.CompareAndSwap(context.Background(), "nowhere", 0, 1)
		require.NoError(t, err)
		assert.False(t, swapped)
	})

	t.Run("TTL", func(t *testing.T) {
		ctx := context.Background()
		added, err := m.Add(ctx, "timer", []byte("1"), time.Second)
		require.NoError(t, err)
		require.True(t, added)
		added, err = m.Add(ctx, "timer", []byte("2"), time.Second)
		require.NoError(t, err)
		assert.False(t, added)

		require.NoError(t, m.Set(ctx, "long", []byte("x"), 45*24*time.Hour))

		time.Sleep(2100 * time.Millisecond)
		added, err = m.Add(ctx, "timer", []byte("3"), time.Second)
		require.NoError(t, err)
		assert.True(t, added, "window expired, a new one opens")

		_, ok, err := m.Get(ctx, "long")
		require.NoError(t, err)
		assert.True(t, ok, "retention beyond 30 days must not expire at once")
	})
}
