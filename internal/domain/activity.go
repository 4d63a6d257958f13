package domain

import "time"

// ActivityRecord is one executed trade in the user-facing feed.
type ActivityRecord struct {
	ID        string    `json:"id"`
	Asset     string    `json:"domain"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Side      Side      `json:"side"`
	OrderType OrderKind `json:"orderType,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
