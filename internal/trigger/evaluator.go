// Package trigger decides which pending conditional orders execute and which
// open positions close for a given price snapshot.
package trigger

import (
	"sort"
	"time"

	"github.com/alanyoungcy/domatrade/internal/domain"
)

// IDFunc generates identifiers for records created during evaluation.
type IDFunc func() string

// Fill is a pending order that executed.
type Fill struct {
	Order    domain.ConditionalOrder `json:"order"`
	Position domain.Position         `json:"position"`
	Record   domain.HistoryRecord    `json:"record"`
	Price    float64                 `json:"price"` // snapshot price that triggered the fill
}

// Closure is a position closed by its stop-loss or take-profit.
type Closure struct {
	Position domain.Position  `json:"position"`
	Reason   domain.OrderKind `json:"reason"`
	Price    float64          `json:"price"`
}

// Result is the outcome of evaluating one snapshot. State is a new value;
// the input state is never modified.
type Result struct {
	State    domain.LedgerState
	Fills    []Fill
	Closures []Closure
	// Skipped lists assets whose snapshot price was present but unusable.
	Skipped []string
}

// Changed reports whether evaluation produced any mutation.
func (r Result) Changed() bool {
	return len(r.Fills) > 0 || len(r.Closures) > 0
}

// Evaluate applies prices to state. Limit orders execute at their target
// price when the market crosses it; positions close when their stop-loss or
// take-profit is reached. Assets without a usable price are left untouched.
func Evaluate(state domain.LedgerState, prices domain.PriceSnapshot, now time.Time, newID IDFunc) Result {
	next := state.Clone()
	res := Result{Skipped: invalidAssets(prices)}

	lookup := func(asset string) (float64, bool) {
		p, ok := prices[asset]
		if !ok || !domain.ValidPrice(p) {
			return 0, false
		}
		return p, true
	}

	// Positions first: fills below create positions without thresholds, so
	// the order does not change the outcome.
	kept := next.Positions[:0]
	for _, pos := range next.Positions {
		price, ok := lookup(pos.Asset)
		if !ok {
			kept = append(kept, pos)
			continue
		}
		reason, closes := closeReason(pos, price)
		if !closes {
			kept = append(kept, pos)
			continue
		}
		res.Closures = append(res.Closures, Closure{Position: pos, Reason: reason, Price: price})
		next.Activities = append(next.Activities, domain.ActivityRecord{
			ID:        newID(),
			Asset:     pos.Asset,
			Price:     price,
			Size:      pos.Size,
			Side:      opposite(pos.Side),
			OrderType: reason,
			Timestamp: now,
		})
	}
	next.Positions = kept

	remaining := next.PendingOrders[:0]
	for _, order := range next.PendingOrders {
		price, ok := lookup(order.Asset)
		if !ok || !limitCrossed(order, price) {
			remaining = append(remaining, order)
			continue
		}

		pos := domain.Position{
			ID:         newID(),
			Asset:      order.Asset,
			EntryPrice: order.Price,
			Size:       order.Size,
			Side:       order.Side,
			Source:     domain.PositionSourceLocal,
			OpenedAt:   now,
		}
		next.Positions = append(next.Positions, pos)

		rec := executeHistory(&next, order, now, newID)
		next.Activities = append(next.Activities, domain.ActivityRecord{
			ID:        newID(),
			Asset:     order.Asset,
			Price:     order.Price,
			Size:      order.Size,
			Side:      order.Side,
			OrderType: order.Kind,
			Timestamp: now,
		})
		res.Fills = append(res.Fills, Fill{Order: order, Position: pos, Record: rec, Price: price})
	}
	next.PendingOrders = remaining

	if res.Changed() {
		next.UpdatedAt = now
	}
	res.State = next
	return res
}

// limitCrossed reports whether a pending order executes at price. Only limit
// orders execute from the queue.
func limitCrossed(o domain.ConditionalOrder, price float64) bool {
	if o.Kind != domain.OrderKindLimit {
		return false
	}
	switch o.Side {
	case domain.SideBuy:
		return price <= o.Price
	case domain.SideSell:
		return price >= o.Price
	default:
		return false
	}
}

// closeReason checks stop-loss before take-profit.
func closeReason(p domain.Position, price float64) (domain.OrderKind, bool) {
	switch p.Side {
	case domain.SideBuy:
		if p.StopLoss != nil && price <= *p.StopLoss {
			return domain.OrderKindStopLoss, true
		}
		if p.TakeProfit != nil && price >= *p.TakeProfit {
			return domain.OrderKindTakeProfit, true
		}
	case domain.SideSell:
		if p.StopLoss != nil && price >= *p.StopLoss {
			return domain.OrderKindStopLoss, true
		}
		if p.TakeProfit != nil && price <= *p.TakeProfit {
			return domain.OrderKindTakeProfit, true
		}
	}
	return "", false
}

// executeHistory marks the order's pending history record executed, or
// appends an executed record when the order was queued without one.
func executeHistory(state *domain.LedgerState, order domain.ConditionalOrder, now time.Time, newID IDFunc) domain.HistoryRecord {
	for i := range state.Orders {
		h := &state.Orders[i]
		if h.OrderID != order.ID || h.Status != domain.OrderStatusPending {
			continue
		}
		// Transition cannot fail on a pending record.
		_ = h.Transition(domain.OrderStatusExecuted, now)
		return *h
	}
	executedAt := now
	rec := domain.HistoryRecord{
		ID:         newID(),
		OrderID:    order.ID,
		Asset:      order.Asset,
		Kind:       order.Kind,
		Price:      order.Price,
		Size:       order.Size,
		Side:       order.Side,
		Status:     domain.OrderStatusExecuted,
		CreatedAt:  order.CreatedAt,
		ExecutedAt: &executedAt,
	}
	state.Orders = append(state.Orders, rec)
	return rec
}

func invalidAssets(prices domain.PriceSnapshot) []string {
	var out []string
	for asset, p := range prices {
		if !domain.ValidPrice(p) {
			out = append(out, asset)
		}
	}
	sort.Strings(out)
	return out
}

func opposite(s domain.Side) domain.Side {
	if s == domain.SideBuy {
		return domain.SideSell
	}
	return domain.SideBuy
}
