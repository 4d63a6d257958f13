package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/domatrade/internal/domain"
)

// PriceCache keeps the latest price per asset in a hash at price:{asset}
// with fields price and ts (unix nanos).
type PriceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ domain.PriceCache = (*PriceCache)(nil)

// NewPriceCache creates a PriceCache. A positive ttl expires stale prices.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), ttl: ttl}
}

func priceKey(asset string) string { return "price:" + asset }

// SetPrice stores the price of asset observed at ts.
func (p *PriceCache) SetPrice(ctx context.Context, asset string, price float64, ts time.Time) error {
	key := priceKey(asset)
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "price", strconv.FormatFloat(price, 'f', -1, 64), "ts", strconv.FormatInt(ts.UnixNano(), 10))
		if p.ttl > 0 {
			pipe.Expire(ctx, key, p.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: set price %s: %w", asset, err)
	}
	return nil
}

// GetPrice returns the cached price of asset, or domain.ErrNotFound.
func (p *PriceCache) GetPrice(ctx context.Context, asset string) (float64, time.Time, error) {
	vals, err := p.rdb.HGetAll(ctx, priceKey(asset)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", asset, err)
	}
	price, ts, err := decodePrice(vals)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: price %s: %w", asset, err)
	}
	return price, ts, nil
}

// GetPrices returns the cached prices of assets in one round trip. Missing
// or malformed entries are left out.
func (p *PriceCache) GetPrices(ctx context.Context, assets []string) (map[string]float64, error) {
	out := make(map[string]float64, len(assets))
	if len(assets) == 0 {
		return out, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(assets))
	_, err := p.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, a := range assets {
			cmds[i] = pipe.HGetAll(ctx, priceKey(a))
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis: get prices: %w", err)
	}
	for i, cmd := range cmds {
		if price, _, err := decodePrice(cmd.Val()); err == nil {
			out[assets[i]] = price
		}
	}
	return out, nil
}

func decodePrice(vals map[string]string) (float64, time.Time, error) {
	rawPrice, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(rawPrice, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parse price: %w", err)
	}
	var ts time.Time
	if rawTS, ok := vals["ts"]; ok {
		nanos, err := strconv.ParseInt(rawTS, 10, 64)
		if err != nil {
			return 0, time.Time{}, fmt.Errorf("parse ts: %w", err)
		}
		ts = time.Unix(0, nanos).UTC()
	}
	return price, ts, nil
}
