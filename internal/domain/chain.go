package domain

import (
	"context"
	"math/big"

	"github.com/shopspring/decimal"
)

// TxResult describes a confirmed transaction.
type TxResult struct {
	Hash        string
	BlockNumber uint64
	GasUsed     uint64
}

// SettlementPosition is an account's authoritative position as reported by
// the settlement ledger. A zero Size means no open position.
type SettlementPosition struct {
	Account    string
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	IsLong     bool
}

// Open reports whether the settlement ledger holds an open position.
func (p SettlementPosition) Open() bool {
	return p.Size.IsPositive()
}

// SettlementLedger is the external system of record for collateral, margin
// and positions. Write methods block until the transaction is confirmed.
type SettlementLedger interface {
	OpenPosition(ctx context.Context, collateral decimal.Decimal, leverage int64, isLong bool) (TxResult, error)
	ClosePosition(ctx context.Context) (TxResult, error)
	Position(ctx context.Context, account string) (SettlementPosition, error)
	MarginRatio(ctx context.Context, account string) (decimal.Decimal, error)
	Liquidate(ctx context.Context, account string) (TxResult, error)
	// Accounts returns every account that ever opened a position, deduplicated
	// and in first-seen order.
	Accounts(ctx context.Context) ([]string, error)
}

// PriceOracle is the on-chain price store read by the settlement ledger.
// Prices are fixed-point integers.
type PriceOracle interface {
	SetPrice(ctx context.Context, assetID [32]byte, scaled *big.Int) (TxResult, error)
	Price(ctx context.Context, assetID [32]byte) (*big.Int, error)
}
