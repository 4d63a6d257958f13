package feed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/domatrade/internal/domain"
)

// BusFeed forwards price messages published on the signal bus.
type BusFeed struct {
	bus      domain.SignalBus
	channels []string
	sink     Sink
	logger   *slog.Logger
}

// NewBusFeed creates a BusFeed. With no channels it listens on the price and
// oracle price channels.
func NewBusFeed(bus domain.SignalBus, sink Sink, logger *slog.Logger, channels ...string) *BusFeed {
	if len(channels) == 0 {
		channels = []string{domain.ChannelPrices, domain.ChannelOraclePrices}
	}
	return &BusFeed{
		bus:      bus,
		channels: channels,
		sink:     sink,
		logger:   logger.With(slog.String("component", "bus_feed")),
	}
}

// Run subscribes to every channel and forwards messages until ctx is
// cancelled or a subscription closes.
func (f *BusFeed) Run(ctx context.Context) error {
	merged := make(chan []byte)
	for _, name := range f.channels {
		ch, err := f.bus.Subscribe(ctx, name)
		if err != nil {
			return fmt.Errorf("feed: subscribe %s: %w", name, err)
		}
		go func() {
			for data := range ch {
				select {
				case merged <- data:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	f.logger.InfoContext(ctx, "bus feed started", slog.Any("channels", f.channels))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-merged:
			snap, err := DecodeSnapshot(data)
			if err != nil {
				f.logger.DebugContext(ctx, "bus message ignored",
					slog.Int("payload_len", len(data)),
					slog.String("error", err.Error()),
				)
				continue
			}
			if err := f.sink.Submit(ctx, snap); err != nil {
				return err
			}
		}
	}
}
