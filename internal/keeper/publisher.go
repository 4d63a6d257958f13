package keeper

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/domatrade/internal/domain"
)

// PriceScale is the fixed-point multiplier used by the oracle.
var PriceScale = decimal.New(1, 6)

// RandSource yields uniform values in [0, 1). *rand.Rand satisfies it.
type RandSource interface {
	Float64() float64
}

// PublisherConfig holds the oracle publisher parameters.
type PublisherConfig struct {
	Interval time.Duration
	// Asset is the human-readable asset name; its bytes32 encoding is the
	// oracle key.
	Asset    string
	Baseline float64
	// MaxStep bounds the random walk: each tick moves by a value in
	// [-MaxStep, +MaxStep].
	MaxStep float64
}

// Publisher pushes a random-walk reference price to the oracle.
type Publisher struct {
	oracle  domain.PriceOracle
	prices  domain.PriceCache
	bus     domain.SignalBus
	rng     RandSource
	cfg     PublisherConfig
	assetID [32]byte
	now     func() time.Time
	logger  *slog.Logger

	runMu     sync.Mutex
	mu        sync.Mutex
	baseline  float64
	published int
}

// NewPublisher creates a Publisher. prices and bus may be nil; a nil rng uses
// a time-seeded source.
func NewPublisher(
	oracle domain.PriceOracle,
	prices domain.PriceCache,
	bus domain.SignalBus,
	rng RandSource,
	cfg PublisherConfig,
	logger *slog.Logger,
) (*Publisher, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Asset == "" {
		cfg.Asset = "hackathon.doma"
	}
	if cfg.Baseline <= 0 {
		cfg.Baseline = 1500
	}
	if cfg.MaxStep <= 0 {
		cfg.MaxStep = 10
	}
	id, err := AssetID(cfg.Asset)
	if err != nil {
		return nil, fmt.Errorf("publisher: %w", err)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Publisher{
		oracle:   oracle,
		prices:   prices,
		bus:      bus,
		rng:      rng,
		cfg:      cfg,
		assetID:  id,
		now:      func() time.Time { return time.Now().UTC() },
		baseline: cfg.Baseline,
		logger:   logger.With(slog.String("component", "oracle_publisher")),
	}, nil
}

// AssetID encodes name as a zero-padded bytes32 string. The last byte is
// reserved for the terminator, so names are limited to 31 bytes.
func AssetID(name string) ([32]byte, error) {
	var id [32]byte
	if len(name) > len(id)-1 {
		return id, fmt.Errorf("asset name %q longer than 31 bytes", name)
	}
	copy(id[:], name)
	return id, nil
}

// Run publishes a new price every interval until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "oracle publisher started",
		slog.Duration("interval", p.cfg.Interval),
		slog.String("asset", p.cfg.Asset),
		slog.String("asset_id", "0x"+hex.EncodeToString(p.assetID[:])),
		slog.Float64("baseline", p.Baseline()),
	)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.PublishOnce(ctx); err != nil {
				p.logger.ErrorContext(ctx, "oracle price update failed", slog.String("error", err.Error()))
			}
		}
	}
}

// PublishOnce draws the next price and submits it. The baseline only moves
// when the oracle confirms the update.
func (p *Publisher) PublishOnce(ctx context.Context) (float64, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	step := (p.rng.Float64()*2 - 1) * p.cfg.MaxStep
	candidate := p.Baseline() + step
	if !domain.ValidPrice(candidate) {
		return 0, fmt.Errorf("publisher: candidate price %.6f: %w", candidate, domain.ErrInvalidPrice)
	}

	scaled, err := ScalePrice(candidate)
	if err != nil {
		return 0, fmt.Errorf("publisher: %w", err)
	}

	tx, err := p.oracle.SetPrice(ctx, p.assetID, scaled.BigInt())
	if err != nil {
		return 0, fmt.Errorf("publisher: set price %.6f: %w", candidate, err)
	}

	p.mu.Lock()
	p.baseline = candidate
	p.published++
	p.mu.Unlock()
	p.logger.InfoContext(ctx, "oracle price updated",
		slog.Float64("price", candidate),
		slog.String("scaled", scaled.String()),
		slog.String("tx", tx.Hash),
	)
	p.broadcast(ctx, candidate, tx)
	return candidate, nil
}

// ScalePrice converts price to the oracle's 1e6 fixed point, rounding half
// away from zero.
func ScalePrice(price float64) (decimal.Decimal, error) {
	if !domain.ValidPrice(price) {
		return decimal.Zero, fmt.Errorf("scale price %v: %w", price, domain.ErrInvalidPrice)
	}
	return decimal.NewFromFloat(price).Mul(PriceScale).Round(0), nil
}

// UnscalePrice converts an oracle fixed-point value back to a price.
func UnscalePrice(scaled decimal.Decimal) float64 {
	f, _ := scaled.Div(PriceScale).Float64()
	return f
}

func (p *Publisher) broadcast(ctx context.Context, price float64, tx domain.TxResult) {
	ts := p.now()
	if p.prices != nil {
		if err := p.prices.SetPrice(ctx, p.cfg.Asset, price, ts); err != nil {
			p.logger.WarnContext(ctx, "price cache write failed", slog.String("error", err.Error()))
		}
	}
	if p.bus != nil {
		payload, _ := json.Marshal(map[string]any{
			"asset":   p.cfg.Asset,
			"price":   price,
			"tx_hash": tx.Hash,
			"ts":      ts,
		})
		if err := p.bus.Publish(ctx, domain.ChannelOraclePrices, payload); err != nil {
			p.logger.WarnContext(ctx, "publish oracle price failed", slog.String("error", err.Error()))
		}
	}
}

// Baseline returns the last confirmed price.
func (p *Publisher) Baseline() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baseline
}

// Published returns the number of confirmed updates.
func (p *Publisher) Published() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published
}

// Asset returns the configured asset name and its oracle key.
func (p *Publisher) Asset() (string, [32]byte) {
	return p.cfg.Asset, p.assetID
}
