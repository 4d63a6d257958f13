package keeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/domatrade/internal/domain"
)

// ProjectionStore accepts the settlement ledger's view of an account.
// *ledger.Ledger satisfies it.
type ProjectionStore interface {
	Reconcile(ctx context.Context, asset string, chain domain.SettlementPosition) (bool, error)
}

// Reconciler keeps the chain-sourced positions of the local ledger in line
// with the settlement ledger.
type Reconciler struct {
	settlement domain.SettlementLedger
	store      ProjectionStore
	accounts   []string
	asset      string
	interval   time.Duration
	logger     *slog.Logger
}

// NewReconciler creates a Reconciler for the given wallet accounts.
func NewReconciler(
	settlement domain.SettlementLedger,
	store ProjectionStore,
	accounts []string,
	asset string,
	interval time.Duration,
	logger *slog.Logger,
) *Reconciler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Reconciler{
		settlement: settlement,
		store:      store,
		accounts:   accounts,
		asset:      asset,
		interval:   interval,
		logger:     logger.With(slog.String("component", "reconciler")),
	}
}

// Run reconciles once immediately and then every interval.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.ReconcileOnce(ctx); err != nil {
		r.logger.WarnContext(ctx, "initial reconciliation failed", slog.String("error", err.Error()))
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.ReconcileOnce(ctx); err != nil {
				r.logger.WarnContext(ctx, "reconciliation failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ReconcileOnce fetches every configured account and applies the result.
// It returns the first error after attempting all accounts.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	var firstErr error
	for _, account := range r.accounts {
		pos, err := r.settlement.Position(ctx, account)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("reconciler: position %s: %w", account, err)
			}
			continue
		}
		pos.Account = account
		changed, err := r.store.Reconcile(ctx, r.asset, pos)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("reconciler: apply %s: %w", account, err)
			}
			continue
		}
		if changed {
			r.logger.InfoContext(ctx, "chain position reconciled",
				slog.String("account", account),
				slog.Bool("open", pos.Open()),
				slog.String("size", pos.Size.String()),
			)
		}
	}
	return firstErr
}
