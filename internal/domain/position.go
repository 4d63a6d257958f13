package domain

import (
	"fmt"
	"time"
)

// PositionSource tells where a position came from.
type PositionSource string

const (
	// PositionSourceLocal positions are created by the client-side ledger.
	PositionSourceLocal PositionSource = "local"
	// PositionSourceChain positions are projections of the settlement ledger.
	PositionSourceChain PositionSource = "chain"
)

// Position is an open leveraged exposure held in the client-side ledger. It is
// a cached projection; the settlement ledger owns the authoritative state.
type Position struct {
	ID         string         `json:"id"`
	Asset      string         `json:"domain"`
	EntryPrice float64        `json:"price"`
	Size       float64        `json:"size"`
	Side       Side           `json:"side"`
	PnL        float64        `json:"pnl"`
	StopLoss   *float64       `json:"stopLoss,omitempty"`
	TakeProfit *float64       `json:"takeProfit,omitempty"`
	Source     PositionSource `json:"source,omitempty"`
	Account    string         `json:"account,omitempty"`
	OpenedAt   time.Time      `json:"openedAt"`
}

// PositionRequest carries the fields of a market order.
type PositionRequest struct {
	Asset      string   `json:"domain"`
	Price      float64  `json:"price"`
	Size       float64  `json:"size"`
	Side       Side     `json:"side"`
	StopLoss   *float64 `json:"stopLoss,omitempty"`
	TakeProfit *float64 `json:"takeProfit,omitempty"`
}

// Validate checks the request for obviously malformed values.
func (r PositionRequest) Validate() error {
	if r.Asset == "" {
		return fmt.Errorf("%w: asset required", ErrInvalidOrder)
	}
	if !r.Side.Valid() {
		return fmt.Errorf("%w: unsupported side %q", ErrInvalidOrder, r.Side)
	}
	if !ValidPrice(r.Price) {
		return fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	}
	if !ValidPrice(r.Size) {
		return fmt.Errorf("%w: size must be positive", ErrInvalidOrder)
	}
	if r.StopLoss != nil && !ValidPrice(*r.StopLoss) {
		return fmt.Errorf("%w: stop-loss must be positive", ErrInvalidPrice)
	}
	if r.TakeProfit != nil && !ValidPrice(*r.TakeProfit) {
		return fmt.Errorf("%w: take-profit must be positive", ErrInvalidPrice)
	}
	return nil
}

// CheckThresholds reports whether the stop-loss and take-profit sit on the
// loss and profit side of the entry price respectively.
func (p Position) CheckThresholds() error {
	if p.StopLoss != nil {
		sl := *p.StopLoss
		if (p.Side.IsLong() && sl >= p.EntryPrice) || (!p.Side.IsLong() && sl <= p.EntryPrice) {
			return fmt.Errorf("%w: stop-loss %.6g vs entry %.6g (%s)", ErrInvalidThreshold, sl, p.EntryPrice, p.Side)
		}
	}
	if p.TakeProfit != nil {
		tp := *p.TakeProfit
		if (p.Side.IsLong() && tp <= p.EntryPrice) || (!p.Side.IsLong() && tp >= p.EntryPrice) {
			return fmt.Errorf("%w: take-profit %.6g vs entry %.6g (%s)", ErrInvalidThreshold, tp, p.EntryPrice, p.Side)
		}
	}
	return nil
}

// UnrealizedPnL returns the mark-to-market P&L at price.
func (p Position) UnrealizedPnL(price float64) float64 {
	if p.Side.IsLong() {
		return (price - p.EntryPrice) * p.Size
	}
	return (p.EntryPrice - price) * p.Size
}
