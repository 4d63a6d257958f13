package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/domatrade/internal/domain"
	"github.com/alanyoungcy/domatrade/internal/keeper"
)

// LedgerCounter reports ledger sizes.
type LedgerCounter interface {
	Positions() []domain.Position
	PendingOrders() []domain.ConditionalOrder
}

// LiquidatorStatus exposes the watchdog's progress.
type LiquidatorStatus interface {
	Stage() keeper.Stage
	LastReport() keeper.IterationReport
}

// PublisherStatus exposes the oracle publisher's progress.
type PublisherStatus interface {
	Baseline() float64
	Published() int
	Asset() (string, [32]byte)
}

// StatusHandler serves the process status for the dashboard. Components
// not running in the current mode are nil.
type StatusHandler struct {
	Mode       string
	StartedAt  time.Time
	Ledger     LedgerCounter
	Liquidator LiquidatorStatus
	Publisher  PublisherStatus
}

// GetStatus answers with the mode, uptime and per-component state.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Snapshot())
}

// Snapshot builds the status payload. The websocket hub sends it to clients
// on connect.
func (h *StatusHandler) Snapshot() map[string]any {
	resp := map[string]any{
		"mode":           h.Mode,
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
	}
	if h.Ledger != nil {
		resp["ledger"] = map[string]int{
			"positions":      len(h.Ledger.Positions()),
			"pending_orders": len(h.Ledger.PendingOrders()),
		}
	}
	if h.Liquidator != nil {
		last := h.Liquidator.LastReport()
		resp["liquidator"] = map[string]any{
			"stage":      h.Liquidator.Stage(),
			"last_run":   last.FinishedAt,
			"accounts":   len(last.Accounts),
			"liquidated": emptyIfNil(last.Liquidated()),
			"failed":     last.Failed(),
			"lock_held":  last.LockHeld,
		}
	}
	if h.Publisher != nil {
		asset, _ := h.Publisher.Asset()
		resp["publisher"] = map[string]any{
			"asset":     asset,
			"baseline":  h.Publisher.Baseline(),
			"published": h.Publisher.Published(),
		}
	}
	return resp
}
