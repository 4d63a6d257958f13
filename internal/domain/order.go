package domain

import (
	"fmt"
	"math"
	"time"
)

// Side is the direction of an order or position. Buy is long, sell is short.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// IsLong reports whether s opens long exposure.
func (s Side) IsLong() bool {
	return s == SideBuy
}

// OrderKind is the trigger type of an order.
type OrderKind string

const (
	OrderKindMarket     OrderKind = "market"
	OrderKindLimit      OrderKind = "limit"
	OrderKindStopLoss   OrderKind = "stop-loss"
	OrderKindTakeProfit OrderKind = "take-profit"
)

// Conditional reports whether k may sit in the pending order queue.
func (k OrderKind) Conditional() bool {
	switch k {
	case OrderKindLimit, OrderKindStopLoss, OrderKindTakeProfit:
		return true
	default:
		return false
	}
}

// OrderStatus tracks the lifecycle of a history record.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusExecuted  OrderStatus = "executed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// ConditionalOrder is a pending limit, stop-loss or take-profit order that
// has not been executed yet.
type ConditionalOrder struct {
	ID        string    `json:"id"`
	Asset     string    `json:"domain"`
	Kind      OrderKind `json:"type"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Side      Side      `json:"side"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// OrderRequest carries the user-supplied fields of a new conditional order.
type OrderRequest struct {
	Asset string    `json:"domain"`
	Kind  OrderKind `json:"type"`
	Price float64   `json:"price"`
	Size  float64   `json:"size"`
	Side  Side      `json:"side"`
}

// Validate checks the request for obviously malformed values.
func (r OrderRequest) Validate() error {
	if r.Asset == "" {
		return fmt.Errorf("%w: asset required", ErrInvalidOrder)
	}
	if !r.Kind.Conditional() {
		return fmt.Errorf("%w: unsupported order type %q", ErrInvalidOrder, r.Kind)
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
	return nil
}

// OrderEdit is an in-place change to a pending order. Nil fields are kept.
type OrderEdit struct {
	Price *float64 `json:"price,omitempty"`
	Size  *float64 `json:"size,omitempty"`
}

// HistoryRecord is the permanent record of an order. A pending record mirrors
// its queued order; once it leaves pending it never changes again.
type HistoryRecord struct {
	ID         string      `json:"id"`
	OrderID    string      `json:"orderId,omitempty"`
	Asset      string      `json:"domain"`
	Kind       OrderKind   `json:"type"`
	Price      float64     `json:"price"`
	Size       float64     `json:"size"`
	Side       Side        `json:"side"`
	Status     OrderStatus `json:"status"`
	CreatedAt  time.Time   `json:"createdAt"`
	ExecutedAt *time.Time  `json:"executedAt,omitempty"`
}

// Transition moves the record out of pending. executedAt is only recorded
// for the executed status.
func (h *HistoryRecord) Transition(status OrderStatus, at time.Time) error {
	if h.Status != OrderStatusPending {
		return fmt.Errorf("%w: %s is already %s", ErrInvalidTransition, h.ID, h.Status)
	}
	switch status {
	case OrderStatusExecuted:
		t := at
		h.ExecutedAt = &t
	case OrderStatusCancelled:
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, h.Status, status)
	}
	h.Status = status
	return nil
}

// ValidPrice reports whether p is a finite, strictly positive number.
func ValidPrice(p float64) bool {
	return p > 0 && !math.IsNaN(p) && !math.IsInf(p, 0)
}
