package valuation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/custodia/vault-engine/internal/model"
)

// RedisCache stores per-market values in Redis with a short TTL. Read and
// write errors degrade to misses, so Redis being down only slows valuation.
// A failed Delete is reported: that is the one error that would otherwise
// turn into a stale hit.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache creates a Redis-backed valuation cache.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, market model.MarketID) (decimal.Decimal, bool) {
	raw, err := c.rdb.Get(ctx, marketValueKey(market)).Result()
	if err != nil {
		return decimal.Zero, false
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		slog.Warn("valuation cache holds unparsable value", "market", market, "raw", raw)
		return decimal.Zero, false
	}
	return v, true
}

func (c *RedisCache) Set(ctx context.Context, market model.MarketID, value decimal.Decimal) {
	if err := c.rdb.Set(ctx, marketValueKey(market), value.String(), c.ttl).Err(); err != nil {
		slog.Warn("valuation cache set failed", "market", market, "err", err)
	}
}

func (c *RedisCache) Delete(ctx context.Context, markets ...model.MarketID) error {
	if len(markets) == 0 {
		return nil
	}
	keys := make([]string, len(markets))
	for i, m := range markets {
		keys[i] = marketValueKey(m)
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("valuation: cache delete markets %v: %w", markets, err)
	}
	return nil
}

func marketValueKey(m model.MarketID) string { return fmt.Sprintf("marketvalue:%d", m) }
