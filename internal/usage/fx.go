package usage

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tenantbilling/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("usage.counter",
	fx.Provide(func(client redis.UniversalClient, clk clock.Clock, log *zap.Logger) Counter {
		if counter := NewRedisCounter(client, clk); counter != nil {
			return counter
		}
		log.Named("usage").Warn("redis disabled, usage counters are process-local")
		return NewMemoryCounter(clk)
	}),
)
