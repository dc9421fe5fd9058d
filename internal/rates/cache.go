package rates

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"PrizeSettle/internal/observability"
)

// RedisCache wraps a rate Source with a shared Redis cache, so several
// engine instances quote the same rate within the TTL window. Redis
// being down degrades to the inner source; it never blocks a bridge.
type RedisCache struct {
	inner  Source
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

func NewRedisCache(inner Source, client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{
		inner:  inner,
		client: client,
		ttl:    ttl,
		logger: observability.NewLogger("rate-cache"),
	}
}

func (c *RedisCache) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	if from == to {
		return one, nil
	}

	key := cacheKey(from, to)
	val, err := c.client.Get(ctx, key).Result()
	if err == nil {
		rate, perr := decimal.NewFromString(val)
		if perr == nil && rate.IsPositive() {
			return rate, nil
		}
		c.logger.Warn().Str("key", key).Str("value", val).Msg("discarding malformed cached rate")
	} else if err != redis.Nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("rate cache read failed")
	}

	rate, err := c.inner.Rate(ctx, from, to)
	if err != nil {
		return decimal.Zero, err
	}

	if err := c.client.Set(ctx, key, rate.String(), c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("rate cache write failed")
	}
	return rate, nil
}

func cacheKey(from, to string) string {
	return fmt.Sprintf("rate:%s/%s", from, to)
}

// ConnectRedis dials Redis and verifies the connection.
func ConnectRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}
