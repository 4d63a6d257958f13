// Package feed delivers price snapshots to the ledger. Snapshots arrive from
// a websocket price stream, the signal bus or a polled price source and are
// applied one at a time by a Runner.
package feed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/domatrade/internal/domain"
	"github.com/alanyoungcy/domatrade/internal/trigger"
)

// Applier evaluates a snapshot against the ledger. *ledger.Ledger satisfies
// it.
type Applier interface {
	ApplySnapshot(ctx context.Context, prices domain.PriceSnapshot) (trigger.Result, error)
}

// Sink receives snapshots from a feed.
type Sink interface {
	Submit(ctx context.Context, prices domain.PriceSnapshot) error
}

// Runner queues snapshots and applies them in arrival order.
type Runner struct {
	ledger Applier
	queue  chan domain.PriceSnapshot
	logger *slog.Logger
}

var _ Sink = (*Runner)(nil)

// NewRunner creates a Runner with room for buffer queued snapshots.
func NewRunner(ledger Applier, buffer int, logger *slog.Logger) *Runner {
	if buffer <= 0 {
		buffer = 64
	}
	return &Runner{
		ledger: ledger,
		queue:  make(chan domain.PriceSnapshot, buffer),
		logger: logger.With(slog.String("component", "trigger_runner")),
	}
}

// Submit queues a snapshot, blocking while the queue is full.
func (r *Runner) Submit(ctx context.Context, prices domain.PriceSnapshot) error {
	if len(prices) == 0 {
		return nil
	}
	snap := make(domain.PriceSnapshot, len(prices))
	for k, v := range prices {
		snap[k] = v
	}
	select {
	case r.queue <- snap:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("feed: submit snapshot: %w", ctx.Err())
	}
}

// Run applies queued snapshots until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "trigger runner started")
	defer r.logger.Info("trigger runner stopped")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-r.queue:
			r.apply(ctx, snap)
		}
	}
}

func (r *Runner) apply(ctx context.Context, snap domain.PriceSnapshot) {
	res, err := r.ledger.ApplySnapshot(ctx, snap)
	if err != nil {
		r.logger.ErrorContext(ctx, "apply snapshot failed",
			slog.Int("assets", len(snap)),
			slog.String("error", err.Error()),
		)
		return
	}
	if len(res.Skipped) > 0 {
		r.logger.WarnContext(ctx, "malformed prices skipped", slog.Any("assets", res.Skipped))
	}
	if res.Changed() {
		r.logger.InfoContext(ctx, "snapshot applied",
			slog.Int("fills", len(res.Fills)),
			slog.Int("closures", len(res.Closures)),
		)
	}
}
