package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/domatrade/internal/domain"
	"github.com/alanyoungcy/domatrade/internal/keeper"
)

// PriceSource returns current prices for a set of assets.
type PriceSource interface {
	Prices(ctx context.Context, assets []string) (domain.PriceSnapshot, error)
}

// CacheSource reads prices from the shared price cache.
type CacheSource struct {
	Cache domain.PriceCache
}

// Prices implements PriceSource.
func (s CacheSource) Prices(ctx context.Context, assets []string) (domain.PriceSnapshot, error) {
	prices, err := s.Cache.GetPrices(ctx, assets)
	if err != nil {
		return nil, fmt.Errorf("feed: cache prices: %w", err)
	}
	return domain.PriceSnapshot(prices), nil
}

// OracleSource reads prices back from the on-chain oracle. Assets the oracle
// has no price for are left out.
type OracleSource struct {
	Oracle domain.PriceOracle
}

// Prices implements PriceSource.
func (s OracleSource) Prices(ctx context.Context, assets []string) (domain.PriceSnapshot, error) {
	snap := make(domain.PriceSnapshot, len(assets))
	for _, asset := range assets {
		id, err := keeper.AssetID(asset)
		if err != nil {
			return nil, err
		}
		scaled, err := s.Oracle.Price(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("feed: oracle price %s: %w", asset, err)
		}
		if scaled == nil || scaled.Sign() <= 0 {
			continue
		}
		snap[asset] = keeper.UnscalePrice(decimal.NewFromBigInt(scaled, 0))
	}
	return snap, nil
}

// Poller periodically reads a PriceSource and submits the result.
type Poller struct {
	source   PriceSource
	assets   []string
	interval time.Duration
	sink     Sink
	logger   *slog.Logger
}

// NewPoller creates a Poller.
func NewPoller(source PriceSource, assets []string, interval time.Duration, sink Sink, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		source:   source,
		assets:   assets,
		interval: interval,
		sink:     sink,
		logger:   logger.With(slog.String("component", "price_poller")),
	}
}

// Run polls every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	if len(p.assets) == 0 {
		p.logger.InfoContext(ctx, "no assets to poll, exiting")
		return nil
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil {
				p.logger.WarnContext(ctx, "price poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

// PollOnce reads the source once and submits a non-empty snapshot.
func (p *Poller) PollOnce(ctx context.Context) error {
	snap, err := p.source.Prices(ctx, p.assets)
	if err != nil {
		return err
	}
	if len(snap) == 0 {
		return nil
	}
	return p.sink.Submit(ctx, snap)
}
