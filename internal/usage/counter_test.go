package usage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tenantbilling/internal/clock"
	plandomain "github.com/smallbiznis/tenantbilling/internal/plan/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 4, 30, 23, 0, 0, 0, time.UTC)

func newRedisCounter(t *testing.T) (*RedisCounter, *miniredis.Miniredis, *clock.FakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clk := clock.NewFakeClock(testNow)
	return NewRedisCounter(client, clk), mr, clk
}

func TestRedisCounterAddAndCurrent(t *testing.T) {
	counter, mr, _ := newRedisCounter(t)
	ctx := context.Background()

	used, err := counter.Current(ctx, "tenant_1", plandomain.ResourceUsers)
	require.NoError(t, err)
	assert.Zero(t, used)

	used, err = counter.Add(ctx, "tenant_1", plandomain.ResourceUsers, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), used)

	require.NoError(t, counter.Set(ctx, "tenant_1", plandomain.ResourceStorageMB, 512))
	used, err = counter.Current(ctx, "tenant_1", plandomain.ResourceStorageMB)
	require.NoError(t, err)
	assert.Equal(t, int64(512), used)

	assert.True(t, mr.Exists("usage:tenant_1:users"))
	assert.Zero(t, mr.TTL("usage:tenant_1:users"))
}

func TestRedisCounterWindowsReset(t *testing.T) {
	counter, mr, clk := newRedisCounter(t)
	ctx := context.Background()

	_, err := counter.Add(ctx, "tenant_1", plandomain.ResourceBookingsPerMonth, 5)
	require.NoError(t, err)
	_, err = counter.Add(ctx, "tenant_1", plandomain.ResourceAPICallsPerDay, 7)
	require.NoError(t, err)

	assert.True(t, mr.Exists("usage:tenant_1:bookings_per_month:2025-04"))
	assert.Equal(t, 2*time.Hour, mr.TTL("usage:tenant_1:bookings_per_month:2025-04"))
	assert.True(t, mr.Exists("usage:tenant_1:api_calls_per_day:2025-04-30"))

	clk.Advance(2 * time.Hour)
	used, err := counter.Current(ctx, "tenant_1", plandomain.ResourceBookingsPerMonth)
	require.NoError(t, err)
	assert.Zero(t, used)
	used, err = counter.Current(ctx, "tenant_1", plandomain.ResourceAPICallsPerDay)
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestCounterRejectsBadInput(t *testing.T) {
	counter, _, _ := newRedisCounter(t)
	ctx := context.Background()

	_, err := counter.Add(ctx, " ", plandomain.ResourceUsers, 1)
	assert.ErrorIs(t, err, ErrInvalidTenant)

	_, err = counter.Current(ctx, "tenant_1", plandomain.Resource("seats"))
	assert.ErrorIs(t, err, plandomain.ErrInvalidResource)
}

func TestMemoryCounter(t *testing.T) {
	clk := clock.NewFakeClock(testNow)
	counter := NewMemoryCounter(clk)
	ctx := context.Background()

	_, err := counter.Add(ctx, "tenant_1", plandomain.ResourceAPICallsPerDay, 2)
	require.NoError(t, err)
	used, err := counter.Add(ctx, "tenant_1", plandomain.ResourceAPICallsPerDay, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(4), used)

	clk.Advance(time.Hour)
	used, err = counter.Current(ctx, "tenant_1", plandomain.ResourceAPICallsPerDay)
	require.NoError(t, err)
	assert.Zero(t, used)
}
