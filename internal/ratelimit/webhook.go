package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tenantbilling/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyWebhookProvider = "ratelimit:webhook:%s"

// WebhookLimiter throttles payment webhook deliveries per provider. A nil or
// disabled limiter allows everything.
type WebhookLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

type WebhookLimiterParams struct {
	fx.In

	Cfg    config.Config
	Log    *zap.Logger
	Client redis.UniversalClient `optional:"true"`
}

func NewWebhookLimiter(p WebhookLimiterParams) *WebhookLimiter {
	limitCfg := p.Cfg.RateLimit
	if !limitCfg.Enabled {
		return nil
	}
	if p.Client == nil {
		p.Log.Warn("webhook rate limit enabled without redis, limiter disabled")
		return nil
	}
	if limitCfg.WebhookRate <= 0 || limitCfg.WebhookBurst <= 0 {
		p.Log.Warn("webhook rate limit must be positive, limiter disabled",
			zap.Float64("rate", limitCfg.WebhookRate),
			zap.Int("burst", limitCfg.WebhookBurst),
		)
		return nil
	}
	return newWebhookLimiter(p.Client, limitCfg.WebhookRate, limitCfg.WebhookBurst)
}

func newWebhookLimiter(client redis.UniversalClient, rate float64, burst int) *WebhookLimiter {
	return &WebhookLimiter{
		bucket: NewTokenBucket(client),
		rate:   rate,
		burst:  burst,
	}
}

func (l *WebhookLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *WebhookLimiter) AllowProvider(ctx context.Context, provider string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyWebhookProvider, strings.ToLower(strings.TrimSpace(provider)))
	return l.bucket.Allow(ctx, key, l.rate, l.burst)
}
