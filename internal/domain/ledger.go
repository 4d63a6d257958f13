package domain

import "time"

// PriceSnapshot maps an asset identifier to its current price.
type PriceSnapshot map[string]float64

// LedgerState is the persisted part of the client-side ledger. Live prices
// and market metadata are never part of it.
type LedgerState struct {
	Positions     []Position         `json:"positions"`
	Orders        []HistoryRecord    `json:"orders"`
	PendingOrders []ConditionalOrder `json:"pendingOrders"`
	Activities    []ActivityRecord   `json:"activities"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

// Clone returns a deep copy of s so that callers can mutate it freely.
func (s LedgerState) Clone() LedgerState {
	out := LedgerState{
		Positions:     make([]Position, len(s.Positions)),
		Orders:        make([]HistoryRecord, len(s.Orders)),
		PendingOrders: make([]ConditionalOrder, len(s.PendingOrders)),
		Activities:    make([]ActivityRecord, len(s.Activities)),
		UpdatedAt:     s.UpdatedAt,
	}
	for i, p := range s.Positions {
		p.StopLoss = cloneFloat(p.StopLoss)
		p.TakeProfit = cloneFloat(p.TakeProfit)
		out.Positions[i] = p
	}
	for i, h := range s.Orders {
		if h.ExecutedAt != nil {
			t := *h.ExecutedAt
			h.ExecutedAt = &t
		}
		out.Orders[i] = h
	}
	copy(out.PendingOrders, s.PendingOrders)
	copy(out.Activities, s.Activities)
	return out
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
