package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantloop/quantloop/internal/metrics"
)

func newRedisFixture(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewRedisStore(client, "test:dedup:")
}

func TestRedisStoreSetHas(t *testing.T) {
	mr, store := newRedisFixture(t)
	ctx := context.Background()

	ok, err := store.Has(ctx, "sig-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "sig-1", time.Minute))
	ok, err = store.Has(ctx, "sig-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// TTL expiry.
	mr.FastForward(2 * time.Minute)
	ok, err = store.Has(ctx, "sig-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalStoreTTL(t *testing.T) {
	store := NewLocalStore(16)
	now := time.Unix(1000, 0)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", time.Minute))
	ok, _ := store.Has(ctx, "k")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = store.Has(ctx, "k")
	assert.False(t, ok)
}

func TestLocalStoreEviction(t *testing.T) {
	store := NewLocalStore(2)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", time.Hour))
	require.NoError(t, store.Set(ctx, "b", time.Hour))
	require.NoError(t, store.Set(ctx, "c", time.Hour))

	ok, _ := store.Has(ctx, "a")
	assert.False(t, ok, "oldest entry evicted at capacity")
	ok, _ = store.Has(ctx, "b")
	assert.True(t, ok)
	ok, _ = store.Has(ctx, "c")
	assert.True(t, ok)
}

func TestGuardFallsBackWhenRedisDown(t *testing.T) {
	mr, store := newRedisFixture(t)
	g := NewGuard(store, 64, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, g.Set(ctx, "sig-1", time.Minute))
	assert.False(t, g.Degraded())

	mr.Close()

	// Marks made before the outage are still visible via the local layer.
	ok, err := g.Has(ctx, "sig-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// New marks keep working and flip the degraded flag.
	require.NoError(t, g.Set(ctx, "sig-2", time.Minute))
	assert.True(t, g.Degraded())
	ok, err = g.Has(ctx, "sig-2")
	require.NoError(t, err)
	assert.True(t, ok)

	// Unknown keys resolve to not-seen rather than erroring.
	ok, err = g.Has(ctx, "sig-3")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGuardRecovers(t *testing.T) {
	mr, store := newRedisFixture(t)
	g := NewGuard(store, 64, zerolog.Nop())
	ctx := context.Background()

	mr.SetError("connection lost")
	_ = g.Set(ctx, "sig-1", time.Minute)
	assert.True(t, g.Degraded())

	mr.SetError("")
	require.NoError(t, g.Set(ctx, "sig-2", time.Minute))
	assert.False(t, g.Degraded())
}

func TestGuardDegradedTransitionRaisesAlarm(t *testing.T) {
	mr, store := newRedisFixture(t)
	g := NewGuard(store, 64, zerolog.Nop())
	var transitions []bool
	g.OnDegraded(func(degraded bool) { transitions = append(transitions, degraded) })
	ctx := context.Background()

	mr.SetError("connection lost")
	_ = g.Set(ctx, "sig-1", time.Minute)
	assert.True(t, g.Degraded())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DedupDegraded))

	// Repeated failures are one transition, not an alarm storm.
	_ = g.Set(ctx, "sig-2", time.Minute)
	assert.Equal(t, []bool{true}, transitions)

	mr.SetError("")
	require.NoError(t, g.Set(ctx, "sig-3", time.Minute))
	assert.False(t, g.Degraded())
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.DedupDegraded))
	assert.Equal(t, []bool{true, false}, transitions)
}

func TestGuardWithoutRedis(t *testing.T) {
	g := NewGuard(nil, 64, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, g.Set(ctx, "k", time.Minute))
	ok, err := g.Has(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, g.Degraded())
}
