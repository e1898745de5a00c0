package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLocalLimiterBurst(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLimiter()
	policy := RatePolicy{RPS: 0.001, Burst: 2}

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "acme-records", policy, 1)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, "acme-records", policy, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	// Buckets are keyed by provider.
	ok, err = l.Allow(ctx, "other", policy, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalLimiterUnthrottled(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLimiter()
	for i := 0; i < 50; i++ {
		ok, err := l.Allow(ctx, "acme-records", RatePolicy{}, 1)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestRedisLimiterRefill(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clk := &stepClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := NewRedisLimiter(client, WithRedisClock(clk.Now))
	policy := RatePolicy{RPS: 1, Burst: 1}

	ok, err := l.Allow(ctx, "acme-records", policy, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(ctx, "acme-records", policy, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	clk.Advance(1500 * time.Millisecond)
	ok, err = l.Allow(ctx, "acme-records", policy, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLimiterSharesBucketAcrossInstances(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clk := &stepClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	a := NewRedisLimiter(client, WithRedisClock(clk.Now))
	b := NewRedisLimiter(client, WithRedisClock(clk.Now))
	policy := RatePolicy{RPS: 1, Burst: 1}

	ok, err := a.Allow(ctx, "acme-records", policy, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Allow(ctx, "acme-records", policy, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLimiterUnthrottled(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l := NewRedisLimiter(client)
	ok, err := l.Allow(ctx, "acme-records", RatePolicy{}, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, mr.Keys())
}

func TestFlightKeyIncludesParams(t *testing.T) {
	base := Demand{
		InvestigationID: "inv-1",
		EntityID:        "ent-1",
		Check:           contracts.CheckCriminal,
		Locale:          "US",
		Tier:            contracts.TierStandard,
	}

	a := base
	a.Params = map[string]string{"county": "travis", "state": "tx"}
	b := base
	b.Params = map[string]string{"state": "tx", "county": "travis"}
	assert.Equal(t, flightKey(a), flightKey(b))

	narrowed := base
	narrowed.Params = map[string]string{"county": "travis"}
	assert.NotEqual(t, flightKey(base), flightKey(narrowed))
	assert.NotEqual(t, flightKey(a), flightKey(narrowed))
}
