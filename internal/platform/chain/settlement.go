package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/domatrade/internal/domain"
)

const (
	// collateral, sizes and prices use 6 decimals
	valueExp = -6
	// margin ratios use 18 decimals
	ratioExp = -18
)

// Settlement is the DomainFutures contract seen through
// domain.SettlementLedger.
type Settlement struct {
	client  *Client
	address common.Address
}

var _ domain.SettlementLedger = (*Settlement)(nil)

// NewSettlement binds the futures contract at address.
func NewSettlement(client *Client, address common.Address) *Settlement {
	return &Settlement{client: client, address: address}
}

// OpenPosition deposits collateral at the given leverage on the caller's
// account.
func (s *Settlement) OpenPosition(ctx context.Context, collateral decimal.Decimal, leverage int64, isLong bool) (domain.TxResult, error) {
	if !collateral.IsPositive() || leverage <= 0 {
		return domain.TxResult{}, fmt.Errorf("settlement: open position: %w", domain.ErrInvalidOrder)
	}
	data, err := futuresABI.Pack("openPosition", toFixed(collateral, valueExp), big.NewInt(leverage), isLong)
	if err != nil {
		return domain.TxResult{}, fmt.Errorf("settlement: pack openPosition: %w", err)
	}
	res, err := s.client.transact(ctx, s.address, data)
	if err != nil {
		return res, fmt.Errorf("settlement: open position: %w", err)
	}
	return res, nil
}

// ClosePosition closes the caller's position.
func (s *Settlement) ClosePosition(ctx context.Context) (domain.TxResult, error) {
	data, err := futuresABI.Pack("closePosition")
	if err != nil {
		return domain.TxResult{}, fmt.Errorf("settlement: pack closePosition: %w", err)
	}
	res, err := s.client.transact(ctx, s.address, data)
	if err != nil {
		return res, fmt.Errorf("settlement: close position: %w", err)
	}
	return res, nil
}

// Position reads account's position.
func (s *Settlement) Position(ctx context.Context, account string) (domain.SettlementPosition, error) {
	if !common.IsHexAddress(account) {
		return domain.SettlementPosition{}, fmt.Errorf("settlement: invalid account %q", account)
	}
	out, err := s.read(ctx, "positions", common.HexToAddress(account))
	if err != nil {
		return domain.SettlementPosition{}, err
	}
	if len(out) != 3 {
		return domain.SettlementPosition{}, fmt.Errorf("settlement: positions: unexpected %d outputs", len(out))
	}
	size, ok1 := out[0].(*big.Int)
	entry, ok2 := out[1].(*big.Int)
	isLong, ok3 := out[2].(bool)
	if !ok1 || !ok2 || !ok3 {
		return domain.SettlementPosition{}, fmt.Errorf("settlement: positions: unexpected output types")
	}
	return domain.SettlementPosition{
		Account:    common.HexToAddress(account).Hex(),
		Size:       decimal.NewFromBigInt(size, valueExp),
		EntryPrice: decimal.NewFromBigInt(entry, valueExp),
		IsLong:     isLong,
	}, nil
}

// MarginRatio reads account's margin ratio as a fraction.
func (s *Settlement) MarginRatio(ctx context.Context, account string) (decimal.Decimal, error) {
	if !common.IsHexAddress(account) {
		return decimal.Zero, fmt.Errorf("settlement: invalid account %q", account)
	}
	out, err := s.read(ctx, "getMarginRatio", common.HexToAddress(account))
	if err != nil {
		return decimal.Zero, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("settlement: getMarginRatio: unexpected output type %T", out[0])
	}
	return decimal.NewFromBigInt(v, ratioExp), nil
}

// Liquidate liquidates account and waits for confirmation.
func (s *Settlement) Liquidate(ctx context.Context, account string) (domain.TxResult, error) {
	if !common.IsHexAddress(account) {
		return domain.TxResult{}, fmt.Errorf("settlement: invalid account %q", account)
	}
	data, err := futuresABI.Pack("liquidate", common.HexToAddress(account))
	if err != nil {
		return domain.TxResult{}, fmt.Errorf("settlement: pack liquidate: %w", err)
	}
	res, err := s.client.transact(ctx, s.address, data)
	if err != nil {
		return res, fmt.Errorf("settlement: liquidate %s: %w", account, err)
	}
	return res, nil
}

// Accounts scans PositionOpened logs for every account that opened a
// position.
func (s *Settlement) Accounts(ctx context.Context) ([]string, error) {
	event := futuresABI.Events["PositionOpened"]
	logs, err := s.client.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(s.client.cfg.FromBlock),
		Addresses: []common.Address{s.address},
		Topics:    [][]common.Hash{{event.ID}},
	})
	if err != nil {
		return nil, fmt.Errorf("settlement: filter PositionOpened: %w", err)
	}
	return uniqueUsers(logs), nil
}

func (s *Settlement) read(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := futuresABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("settlement: pack %s: %w", method, err)
	}
	raw, err := s.client.call(ctx, s.address, data)
	if err != nil {
		return nil, fmt.Errorf("settlement: call %s: %w", method, err)
	}
	out, err := futuresABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("settlement: unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("settlement: %s returned no values", method)
	}
	return out, nil
}

// uniqueUsers returns the indexed user of each log in first-seen order.
func uniqueUsers(logs []types.Log) []string {
	seen := make(map[common.Address]bool, len(logs))
	var out []string
	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) < 2 {
			continue
		}
		user := common.BytesToAddress(lg.Topics[1].Bytes())
		if seen[user] {
			continue
		}
		seen[user] = true
		out = append(out, user.Hex())
	}
	return out
}

// toFixed converts d to an integer with -exp decimals, truncating extra
// precision.
func toFixed(d decimal.Decimal, exp int32) *big.Int {
	return d.Shift(-exp).Truncate(0).BigInt()
}
