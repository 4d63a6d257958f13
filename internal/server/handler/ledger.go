package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/domatrade/internal/domain"
	"github.com/alanyoungcy/domatrade/internal/trigger"
)

// LedgerService is the part of the ledger the UI drives. *ledger.Ledger
// satisfies it.
type LedgerService interface {
	Positions() []domain.Position
	PendingOrders() []domain.ConditionalOrder
	History() []domain.HistoryRecord
	Activities() []domain.ActivityRecord

	OpenPosition(ctx context.Context, req domain.PositionRequest) (domain.Position, error)
	ClosePosition(ctx context.Context, id string, exitPrice float64) (domain.Position, error)
	SetStopLoss(ctx context.Context, id string, price float64) error
	SetTakeProfit(ctx context.Context, id string, price float64) error
	ClearStopLoss(ctx context.Context, id string) error
	ClearTakeProfit(ctx context.Context, id string) error

	PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.ConditionalOrder, error)
	UpdateOrder(ctx context.Context, id string, edit domain.OrderEdit) (domain.ConditionalOrder, error)
	CancelOrder(ctx context.Context, id string) error

	ApplySnapshot(ctx context.Context, prices domain.PriceSnapshot) (trigger.Result, error)
}

// LedgerHandler serves positions, pending orders, history and activity.
type LedgerHandler struct {
	ledger LedgerService
	logger *slog.Logger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(ledger LedgerService, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, logger: logger}
}

type priceBody struct {
	Price float64 `json:"price"`
}

// ListPositions GET /api/positions
func (h *LedgerHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"positions": emptyIfNil(h.ledger.Positions())})
}

// OpenPosition records a market fill.
// POST /api/positions
func (h *LedgerHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req domain.PositionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pos, err := h.ledger.OpenPosition(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, "open position", err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// ClosePosition closes a position at the optional ?price= exit price.
// DELETE /api/positions/{id}
func (h *LedgerHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	var exit float64
	if v := r.URL.Query().Get("price"); v != "" {
		p, err := strconv.ParseFloat(v, 64)
		if err != nil || !domain.ValidPrice(p) {
			writeError(w, http.StatusBadRequest, "price must be a positive number")
			return
		}
		exit = p
	}
	pos, err := h.ledger.ClosePosition(r.Context(), pathParam(r, "id"), exit)
	if err != nil {
		writeDomainError(w, r, h.logger, "close position", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// SetStopLoss PUT /api/positions/{id}/stop-loss
func (h *LedgerHandler) SetStopLoss(w http.ResponseWriter, r *http.Request) {
	h.setThreshold(w, r, "set stop-loss", h.ledger.SetStopLoss)
}

// SetTakeProfit PUT /api/positions/{id}/take-profit
func (h *LedgerHandler) SetTakeProfit(w http.ResponseWriter, r *http.Request) {
	h.setThreshold(w, r, "set take-profit", h.ledger.SetTakeProfit)
}

// ClearStopLoss DELETE /api/positions/{id}/stop-loss
func (h *LedgerHandler) ClearStopLoss(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.ClearStopLoss(r.Context(), pathParam(r, "id")); err != nil {
		writeDomainError(w, r, h.logger, "clear stop-loss", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearTakeProfit DELETE /api/positions/{id}/take-profit
func (h *LedgerHandler) ClearTakeProfit(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.ClearTakeProfit(r.Context(), pathParam(r, "id")); err != nil {
		writeDomainError(w, r, h.logger, "clear take-profit", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *LedgerHandler) setThreshold(w http.ResponseWriter, r *http.Request, action string, set func(context.Context, string, float64) error) {
	var body priceBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := set(r.Context(), pathParam(r, "id"), body.Price); err != nil {
		writeDomainError(w, r, h.logger, action, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListPending GET /api/orders/pending
func (h *LedgerHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"orders": emptyIfNil(h.ledger.PendingOrders())})
}

// PlaceOrder queues a conditional order.
// POST /api/orders
func (h *LedgerHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.OrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	order, err := h.ledger.PlaceOrder(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, "place order", err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// UpdateOrder edits a pending order's price or size in place.
// PATCH /api/orders/{id}
func (h *LedgerHandler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	var edit domain.OrderEdit
	if err := decodeJSON(w, r, &edit); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if edit.Price == nil && edit.Size == nil {
		writeError(w, http.StatusBadRequest, "price or size required")
		return
	}
	order, err := h.ledger.UpdateOrder(r.Context(), pathParam(r, "id"), edit)
	if err != nil {
		writeDomainError(w, r, h.logger, "update order", err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// CancelOrder DELETE /api/orders/{id}
func (h *LedgerHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.CancelOrder(r.Context(), pathParam(r, "id")); err != nil {
		writeDomainError(w, r, h.logger, "cancel order", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListHistory GET /api/orders/history
func (h *LedgerHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"orders": page(h.ledger.History(), parseListOpts(r))})
}

// ListActivity GET /api/activity
func (h *LedgerHandler) ListActivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"activities": page(h.ledger.Activities(), parseListOpts(r))})
}

// PushPrices evaluates triggers against a price snapshot, e.g. one sent by
// the UI's market view.
// POST /api/prices
func (h *LedgerHandler) PushPrices(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prices domain.PriceSnapshot `json:"prices"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body.Prices) == 0 {
		writeError(w, http.StatusBadRequest, "prices required")
		return
	}
	res, err := h.ledger.ApplySnapshot(r.Context(), body.Prices)
	if err != nil {
		writeDomainError(w, r, h.logger, "apply prices", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fills":    emptyIfNil(res.Fills),
		"closures": emptyIfNil(res.Closures),
		"skipped":  emptyIfNil(res.Skipped),
	})
}

// page applies offset and limit to a newest-first copy of records.
func page[T any](records []T, opts domain.ListOpts) []T {
	n := len(records)
	out := make([]T, 0, min(n, opts.Limit))
	for i := n - 1 - opts.Offset; i >= 0 && len(out) < opts.Limit; i-- {
		out = append(out, records[i])
	}
	return out
}
