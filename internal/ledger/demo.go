package ledger

import (
	"time"

	"github.com/alanyoungcy/domatrade/internal/domain"
)

// DemoState returns the demo book shown to first-time users. Timestamps are
// relative to now.
func DemoState(now time.Time) domain.LedgerState {
	ago := func(d time.Duration) time.Time { return now.Add(-d) }
	executed := func(d time.Duration) *time.Time {
		t := ago(d)
		return &t
	}

	return domain.LedgerState{
		Positions: []domain.Position{
			{ID: "1", Asset: "crypto.eth", EntryPrice: 2500, Size: 2, Side: domain.SideBuy, PnL: 1250, Source: domain.PositionSourceLocal, OpenedAt: ago(48 * time.Hour)},
			{ID: "2", Asset: "defi.eth", EntryPrice: 1800, Size: 1.5, Side: domain.SideBuy, PnL: -225, Source: domain.PositionSourceLocal, OpenedAt: ago(36 * time.Hour)},
			{ID: "3", Asset: "nft.eth", EntryPrice: 3200, Size: 1, Side: domain.SideBuy, PnL: 800, Source: domain.PositionSourceLocal, OpenedAt: ago(24 * time.Hour)},
			{ID: "4", Asset: "ai.eth", EntryPrice: 950, Size: 3, Side: domain.SideBuy, PnL: 475, Source: domain.PositionSourceLocal, OpenedAt: ago(12 * time.Hour)},
			{ID: "5", Asset: "web3.eth", EntryPrice: 1200, Size: 2.5, Side: domain.SideSell, PnL: -300, Source: domain.PositionSourceLocal, OpenedAt: ago(6 * time.Hour)},
		},
		Orders: []domain.HistoryRecord{
			{ID: "o1", Asset: "crypto.eth", Kind: domain.OrderKindLimit, Price: 2400, Size: 1.5, Side: domain.SideBuy, Status: domain.OrderStatusExecuted, CreatedAt: ago(48 * time.Hour), ExecutedAt: executed(24 * time.Hour)},
			{ID: "o2", Asset: "defi.eth", Kind: domain.OrderKindStopLoss, Price: 1750, Size: 0.8, Side: domain.SideSell, Status: domain.OrderStatusExecuted, CreatedAt: ago(36 * time.Hour), ExecutedAt: executed(12 * time.Hour)},
			{ID: "o3", Asset: "nft.eth", Kind: domain.OrderKindTakeProfit, Price: 3400, Size: 0.6, Side: domain.SideBuy, Status: domain.OrderStatusPending, CreatedAt: ago(24 * time.Hour)},
			{ID: "o4", Asset: "ai.eth", Kind: domain.OrderKindLimit, Price: 900, Size: 2, Side: domain.SideBuy, Status: domain.OrderStatusCancelled, CreatedAt: ago(12 * time.Hour)},
			{ID: "o5", Asset: "web3.eth", Kind: domain.OrderKindLimit, Price: 1150, Size: 1.2, Side: domain.SideSell, Status: domain.OrderStatusExecuted, CreatedAt: ago(6 * time.Hour), ExecutedAt: executed(3 * time.Hour)},
		},
		PendingOrders: []domain.ConditionalOrder{
			{ID: "po1", Asset: "dao.eth", Kind: domain.OrderKindLimit, Price: 650, Size: 1, Side: domain.SideBuy, CreatedAt: ago(time.Hour)},
			{ID: "po2", Asset: "yield.eth", Kind: domain.OrderKindStopLoss, Price: 420, Size: 0.5, Side: domain.SideSell, CreatedAt: ago(30 * time.Minute)},
		},
		Activities: []domain.ActivityRecord{
			{ID: "a1", Asset: "crypto.eth", Price: 2500, Size: 1, Side: domain.SideBuy, OrderType: domain.OrderKindMarket, Timestamp: ago(24 * time.Hour)},
			{ID: "a2", Asset: "defi.eth", Price: 1800, Size: 0.5, Side: domain.SideSell, OrderType: domain.OrderKindLimit, Timestamp: ago(12 * time.Hour)},
			{ID: "a3", Asset: "nft.eth", Price: 3200, Size: 0.75, Side: domain.SideBuy, OrderType: domain.OrderKindStopLoss, Timestamp: ago(6 * time.Hour)},
			{ID: "a4", Asset: "ai.eth", Price: 950, Size: 1.2, Side: domain.SideBuy, OrderType: domain.OrderKindTakeProfit, Timestamp: ago(3 * time.Hour)},
			{ID: "a5", Asset: "web3.eth", Price: 1200, Size: 0.8, Side: domain.SideSell, OrderType: domain.OrderKindMarket, Timestamp: ago(90 * time.Minute)},
		},
		UpdatedAt: now,
	}
}
