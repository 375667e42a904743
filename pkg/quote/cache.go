package quote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/dicebet/pkg/util"
)

// PriceCache stores unit prices as decimal strings. A miss is ("", false, nil).
type PriceCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

type RedisCache struct {
	rdb *redis.Client
}

// ConnectRedis opens a client and checks it with PING.
func ConnectRedis(ctx context.Context, addr string) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect redis %s: %w", addr, err)
	}
	return &RedisCache{rdb: rdb}, nil
}

func NewRedisCache(rdb *redis.Client) *RedisCache { return &RedisCache{rdb: rdb} }

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Close() error { return c.rdb.Close() }

type cachedProvider struct {
	inner  Provider
	cache  PriceCache
	ttl    time.Duration
	logger *zap.SugaredLogger
}

// Cached serves the inner provider's unit price from cache for ttl. Cache
// errors count as misses.
func Cached(inner Provider, cache PriceCache, ttl time.Duration, logger *zap.SugaredLogger) Provider {
	return &cachedProvider{inner: inner, cache: cache, ttl: ttl, logger: util.OrNop(logger)}
}

func (c *cachedProvider) Name() string { return c.inner.Name() }

func cacheKey(provider string, req Request) string {
	return fmt.Sprintf("quote:price:%s:%s:%s", provider, req.Sell.Symbol, req.Buy.Symbol)
}

func (c *cachedProvider) Quote(ctx context.Context, req Request) (Price, error) {
	key := cacheKey(c.inner.Name(), req)

	val, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Debugw("price_cache_error", "key", key, "err", err)
	}
	if ok {
		if p, err := decimal.NewFromString(val); err == nil && p.IsPositive() {
			return Price{UnitPrice: p, SellAmount: req.SellAmount}, nil
		}
	}

	price, err := c.inner.Quote(ctx, req)
	if err != nil {
		return Price{}, err
	}
	if price.UnitPrice.IsPositive() {
		if err := c.cache.Set(ctx, key, price.UnitPrice.String(), c.ttl); err != nil {
			c.logger.Debugw("price_cache_error", "key", key, "err", err)
		}
	}
	return price, nil
}
