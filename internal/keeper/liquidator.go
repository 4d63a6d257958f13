// Package keeper runs the off-chain maintenance loops against the settlement
// contract: the liquidation watchdog, the oracle publisher and the ledger
// reconciler.
package keeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/domatrade/internal/domain"
)

// LiquidatorLockKey guards liquidation iterations across keeper replicas.
const LiquidatorLockKey = "lock:keeper:liquidator"

// Notifier delivers operator notifications.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// LiquidatorConfig holds the watchdog parameters.
type LiquidatorConfig struct {
	Interval time.Duration
	// MaintenanceMargin is the margin ratio below which an account is
	// liquidated, as a fraction (0.06 is 6%).
	MaintenanceMargin decimal.Decimal
	// LockTTL bounds how long one iteration may hold the replica lock.
	LockTTL time.Duration
}

// Stage is the watchdog's position in an iteration.
type Stage string

const (
	StageIdle        Stage = "idle"
	StageScanning    Stage = "scanning"
	StageChecking    Stage = "checking"
	StageLiquidating Stage = "liquidating"
)

// Outcome is the per-account result of an iteration.
type Outcome string

const (
	OutcomeHealthy    Outcome = "healthy"
	OutcomeLiquidated Outcome = "liquidated"
	OutcomeFailed     Outcome = "failed"
)

// AccountResult records what happened to one account in an iteration.
type AccountResult struct {
	Account     string          `json:"account"`
	MarginRatio decimal.Decimal `json:"margin_ratio"`
	Outcome     Outcome         `json:"outcome"`
	TxHash      string          `json:"tx_hash,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// IterationReport summarizes one watchdog iteration.
type IterationReport struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Accounts   []AccountResult `json:"accounts"`
	// LockHeld is set when another replica owned the iteration.
	LockHeld bool `json:"lock_held,omitempty"`
}

// Liquidated returns the accounts liquidated in the iteration.
func (r IterationReport) Liquidated() []string {
	var out []string
	for _, a := range r.Accounts {
		if a.Outcome == OutcomeLiquidated {
			out = append(out, a.Account)
		}
	}
	return out
}

// Failed returns the number of accounts whose check or liquidation failed.
func (r IterationReport) Failed() int {
	n := 0
	for _, a := range r.Accounts {
		if a.Outcome == OutcomeFailed {
			n++
		}
	}
	return n
}

// Liquidator periodically liquidates undercollateralized accounts on the
// settlement ledger.
type Liquidator struct {
	settlement domain.SettlementLedger
	locks      domain.LockManager
	bus        domain.SignalBus
	notifier   Notifier
	cfg        LiquidatorConfig
	now        func() time.Time
	logger     *slog.Logger

	mu    sync.Mutex
	stage Stage
	last  IterationReport
}

// NewLiquidator creates a Liquidator. locks, bus and notifier may be nil.
func NewLiquidator(
	settlement domain.SettlementLedger,
	locks domain.LockManager,
	bus domain.SignalBus,
	notifier Notifier,
	cfg LiquidatorConfig,
	logger *slog.Logger,
) *Liquidator {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.MaintenanceMargin.IsZero() {
		cfg.MaintenanceMargin = decimal.RequireFromString("0.06")
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.Interval
	}
	return &Liquidator{
		settlement: settlement,
		locks:      locks,
		bus:        bus,
		notifier:   notifier,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		stage:      StageIdle,
		logger:     logger.With(slog.String("component", "liquidator")),
	}
}

// Run checks accounts every interval until ctx is cancelled. Iterations never
// overlap; ticks that arrive while one is running are dropped.
func (l *Liquidator) Run(ctx context.Context) error {
	l.logger.InfoContext(ctx, "liquidator started",
		slog.Duration("interval", l.cfg.Interval),
		slog.String("maintenance_margin", l.cfg.MaintenanceMargin.String()),
	)
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := l.RunOnce(ctx); err != nil {
				l.logger.ErrorContext(ctx, "liquidation iteration failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce performs a single iteration. Per-account failures are recorded in
// the report and never abort the iteration; only account discovery errors
// are returned.
func (l *Liquidator) RunOnce(ctx context.Context) (IterationReport, error) {
	report := IterationReport{StartedAt: l.now()}
	defer l.setStage(StageIdle)

	if l.locks != nil {
		unlock, err := l.locks.Acquire(ctx, LiquidatorLockKey, l.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			l.logger.DebugContext(ctx, "liquidation iteration owned by another replica")
			report.LockHeld = true
			report.FinishedAt = l.now()
			l.record(report)
			return report, nil
		}
		if err != nil {
			return report, fmt.Errorf("liquidator: acquire lock: %w", err)
		}
		defer unlock()
	}

	l.setStage(StageScanning)
	accounts, err := l.settlement.Accounts(ctx)
	if err != nil {
		return report, fmt.Errorf("liquidator: discover accounts: %w", err)
	}

	for _, account := range accounts {
		if ctx.Err() != nil {
			break
		}
		report.Accounts = append(report.Accounts, l.checkAccount(ctx, account))
	}

	report.FinishedAt = l.now()
	l.record(report)
	l.logger.InfoContext(ctx, "liquidation iteration complete",
		slog.Int("accounts", len(report.Accounts)),
		slog.Int("liquidated", len(report.Liquidated())),
		slog.Int("failed", report.Failed()),
	)
	return report, nil
}

func (l *Liquidator) checkAccount(ctx context.Context, account string) AccountResult {
	res := AccountResult{Account: account}

	l.setStage(StageChecking)
	ratio, err := l.settlement.MarginRatio(ctx, account)
	if err != nil {
		l.logger.WarnContext(ctx, "margin ratio query failed",
			slog.String("account", account),
			slog.String("error", err.Error()),
		)
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		return res
	}
	res.MarginRatio = ratio
	l.logger.DebugContext(ctx, "margin ratio",
		slog.String("account", account),
		slog.String("ratio", ratio.String()),
	)

	if !ratio.LessThan(l.cfg.MaintenanceMargin) {
		res.Outcome = OutcomeHealthy
		return res
	}

	l.setStage(StageLiquidating)
	l.logger.InfoContext(ctx, "liquidating account",
		slog.String("account", account),
		slog.String("ratio", ratio.String()),
	)
	tx, err := l.settlement.Liquidate(ctx, account)
	if err != nil {
		l.logger.ErrorContext(ctx, "liquidation failed",
			slog.String("account", account),
			slog.String("error", err.Error()),
		)
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		return res
	}

	res.Outcome = OutcomeLiquidated
	res.TxHash = tx.Hash
	l.logger.InfoContext(ctx, "account liquidated",
		slog.String("account", account),
		slog.String("tx", tx.Hash),
		slog.Uint64("block", tx.BlockNumber),
	)
	l.announce(ctx, res)
	return res
}

func (l *Liquidator) announce(ctx context.Context, res AccountResult) {
	if l.bus != nil {
		payload, _ := json.Marshal(map[string]any{
			"event":        "liquidated",
			"account":      res.Account,
			"margin_ratio": res.MarginRatio.String(),
			"tx_hash":      res.TxHash,
		})
		if err := l.bus.Publish(ctx, domain.ChannelLiquidations, payload); err != nil {
			l.logger.WarnContext(ctx, "publish liquidation failed", slog.String("error", err.Error()))
		}
	}
	if l.notifier != nil {
		msg := fmt.Sprintf("Account %s liquidated at margin ratio %s (tx %s)",
			res.Account, res.MarginRatio.StringFixed(4), res.TxHash)
		if err := l.notifier.Notify(ctx, "liquidation", "Liquidation", msg); err != nil {
			l.logger.WarnContext(ctx, "liquidation notification failed", slog.String("error", err.Error()))
		}
	}
}

func (l *Liquidator) setStage(s Stage) {
	l.mu.Lock()
	l.stage = s
	l.mu.Unlock()
}

func (l *Liquidator) record(r IterationReport) {
	l.mu.Lock()
	l.last = r
	l.mu.Unlock()
}

// Stage returns the current stage of the running iteration.
func (l *Liquidator) Stage() Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stage
}

// LastReport returns the report of the most recent completed iteration.
func (l *Liquidator) LastReport() IterationReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}
