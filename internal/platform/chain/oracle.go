package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/domatrade/internal/domain"
)

// Oracle is the OracleAdapter contract seen through domain.PriceOracle.
type Oracle struct {
	client  *Client
	address common.Address
}

var _ domain.PriceOracle = (*Oracle)(nil)

// NewOracle binds the oracle contract at address.
func NewOracle(client *Client, address common.Address) *Oracle {
	return &Oracle{client: client, address: address}
}

// SetPrice stores scaled as the price of assetID and waits for confirmation.
func (o *Oracle) SetPrice(ctx context.Context, assetID [32]byte, scaled *big.Int) (domain.TxResult, error) {
	if scaled == nil || scaled.Sign() <= 0 {
		return domain.TxResult{}, fmt.Errorf("oracle: set price: %w", domain.ErrInvalidPrice)
	}
	data, err := oracleABI.Pack("setPrice", assetID, scaled)
	if err != nil {
		return domain.TxResult{}, fmt.Errorf("oracle: pack setPrice: %w", err)
	}
	res, err := o.client.transact(ctx, o.address, data)
	if err != nil {
		return res, fmt.Errorf("oracle: set price: %w", err)
	}
	return res, nil
}

// Price reads the stored price of assetID.
func (o *Oracle) Price(ctx context.Context, assetID [32]byte) (*big.Int, error) {
	data, err := oracleABI.Pack("getPrice", assetID)
	if err != nil {
		return nil, fmt.Errorf("oracle: pack getPrice: %w", err)
	}
	raw, err := o.client.call(ctx, o.address, data)
	if err != nil {
		return nil, fmt.Errorf("oracle: call getPrice: %w", err)
	}
	out, err := oracleABI.Unpack("getPrice", raw)
	if err != nil {
		return nil, fmt.Errorf("oracle: unpack getPrice: %w", err)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("oracle: getPrice: unexpected output type %T", out[0])
	}
	return v, nil
}
