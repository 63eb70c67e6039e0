package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tenantbilling/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestWebhookLimiterExhaustsBurst(t *testing.T) {
	limiter := newWebhookLimiter(newRedis(t), 0.001, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := limiter.AllowProvider(ctx, "stripe")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := limiter.AllowProvider(ctx, "stripe")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Positive(t, res.RetryAfter)

	res, err = limiter.AllowProvider(ctx, "hmac")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestNilLimiterAllows(t *testing.T) {
	var limiter *WebhookLimiter
	res, err := limiter.AllowProvider(context.Background(), "stripe")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestNewWebhookLimiterDisabled(t *testing.T) {
	cfg := config.Config{RateLimit: config.RateLimitConfig{Enabled: true, WebhookRate: 1, WebhookBurst: 1}}
	assert.Nil(t, NewWebhookLimiter(WebhookLimiterParams{Cfg: cfg, Log: zap.NewNop()}))

	cfg.RateLimit.Enabled = false
	assert.Nil(t, NewWebhookLimiter(WebhookLimiterParams{Cfg: cfg, Log: zap.NewNop(), Client: newRedis(t)}))
}
