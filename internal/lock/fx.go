package lock

import (
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("lock",
	fx.Provide(func(client redis.UniversalClient) Locker {
		// Keep the interface nil when Redis is off so callers can skip locking.
		if locker := NewRedisLocker(client); locker != nil {
			return locker
		}
		return nil
	}),
)
