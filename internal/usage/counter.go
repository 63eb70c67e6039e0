// Package usage keeps per-tenant resource counters that entitlement checks read.
// Collaborating subsystems report consumption; this package never enforces limits.
package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tenantbilling/internal/clock"
	plandomain "github.com/smallbiznis/tenantbilling/internal/plan/domain"
)

var ErrInvalidTenant = errors.New("invalid_tenant")

const keyPrefix = "usage"

// Counter reads and writes usage for a tenant. Windowed resources
// (bookings_per_month, api_calls_per_day) reset at the start of each UTC
// month or day.
type Counter interface {
	Current(ctx context.Context, tenantID string, resource plandomain.Resource) (int64, error)
	Add(ctx context.Context, tenantID string, resource plandomain.Resource, delta int64) (int64, error)
	Set(ctx context.Context, tenantID string, resource plandomain.Resource, value int64) error
}

type RedisCounter struct {
	client redis.UniversalClient
	clock  clock.Clock
}

func NewRedisCounter(client redis.UniversalClient, clk clock.Clock) *RedisCounter {
	if client == nil {
		return nil
	}
	return &RedisCounter{client: client, clock: clk}
}

func (c *RedisCounter) Current(ctx context.Context, tenantID string, resource plandomain.Resource) (int64, error) {
	key, _, err := c.key(tenantID, resource)
	if err != nil {
		return 0, err
	}
	value, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return value, err
}

func (c *RedisCounter) Add(ctx context.Context, tenantID string, resource plandomain.Resource, delta int64) (int64, error) {
	key, ttl, err := c.key(tenantID, resource)
	if err != nil {
		return 0, err
	}
	pipe := c.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisCounter) Set(ctx context.Context, tenantID string, resource plandomain.Resource, value int64) error {
	key, ttl, err := c.key(tenantID, resource)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCounter) key(tenantID string, resource plandomain.Resource) (string, time.Duration, error) {
	return windowKey(c.clock.Now(), tenantID, resource)
}

// windowKey returns the counter key and how long it must outlive its window.
func windowKey(now time.Time, tenantID string, resource plandomain.Resource) (string, time.Duration, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", 0, ErrInvalidTenant
	}
	if _, err := plandomain.ParseResource(string(resource)); err != nil {
		return "", 0, err
	}

	now = now.UTC()
	base := fmt.Sprintf("%s:%s:%s", keyPrefix, tenantID, resource)
	switch resource {
	case plandomain.ResourceBookingsPerMonth:
		end := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
		return base + ":" + now.Format("2006-01"), end.Sub(now) + time.Hour, nil
	case plandomain.ResourceAPICallsPerDay:
		end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
		return base + ":" + now.Format("2006-01-02"), end.Sub(now) + time.Hour, nil
	default:
		return base, 0, nil
	}
}

// MemoryCounter is the in-process Counter used when Redis is not configured.
// Counts do not survive restarts and are not shared between replicas.
type MemoryCounter struct {
	clock clock.Clock

	mu     sync.Mutex
	values map[string]int64
}

func NewMemoryCounter(clk clock.Clock) *MemoryCounter {
	return &MemoryCounter{clock: clk, values: map[string]int64{}}
}

func (c *MemoryCounter) Current(ctx context.Context, tenantID string, resource plandomain.Resource) (int64, error) {
	key, _, err := windowKey(c.clock.Now(), tenantID, resource)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key], nil
}

func (c *MemoryCounter) Add(ctx context.Context, tenantID string, resource plandomain.Resource, delta int64) (int64, error) {
	key, _, err := windowKey(c.clock.Now(), tenantID, resource)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] += delta
	return c.values[key], nil
}

func (c *MemoryCounter) Set(ctx context.Context, tenantID string, resource plandomain.Resource, value int64) error {
	key, _, err := windowKey(c.clock.Now(), tenantID, resource)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	return nil
}
