// Package chain talks to the settlement and oracle contracts over JSON-RPC.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/domatrade/internal/domain"
)

// Backend is the subset of the JSON-RPC client used by this package.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config holds the RPC connection parameters.
type Config struct {
	RPCURL  string
	ChainID int64
	// ConfirmTimeout bounds how long a write waits for its receipt.
	ConfirmTimeout time.Duration
	// PollInterval is the receipt polling period.
	PollInterval time.Duration
	// FromBlock is where account discovery starts scanning logs.
	FromBlock uint64
}

// Client signs and submits contract calls for one wallet.
type Client struct {
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	cfg     Config
	logger  *slog.Logger

	// serializes nonce assignment
	sendMu sync.Mutex
	closer func()
}

// Dial connects to cfg.RPCURL. key may be nil for a read-only client.
func Dial(ctx context.Context, cfg Config, key *ecdsa.PrivateKey, logger *slog.Logger) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
	}
	if cfg.ChainID == 0 {
		id, err := ec.ChainID(ctx)
		if err != nil {
			ec.Close()
			return nil, fmt.Errorf("chain: query chain id: %w", err)
		}
		cfg.ChainID = id.Int64()
	}
	c := NewClient(ec, cfg, key, logger)
	c.closer = ec.Close
	return c, nil
}

// NewClient wraps an existing backend.
func NewClient(backend Backend, cfg Config, key *ecdsa.PrivateKey, logger *slog.Logger) *Client {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	c := &Client{
		backend: backend,
		key:     key,
		chainID: big.NewInt(cfg.ChainID),
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "chain")),
	}
	if key != nil {
		c.from = ethcrypto.PubkeyToAddress(key.PublicKey)
	}
	return c
}

// Address returns the signing wallet address, or the zero address for a
// read-only client.
func (c *Client) Address() common.Address {
	return c.from
}

// Close releases the RPC connection.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.backend.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data}, nil)
}

// transact signs and submits a call to `to` and waits for its receipt.
func (c *Client) transact(ctx context.Context, to common.Address, data []byte) (domain.TxResult, error) {
	if c.key == nil {
		return domain.TxResult{}, fmt.Errorf("%w: no signing key", domain.ErrSigningFailed)
	}

	tx, err := c.send(ctx, to, data)
	if err != nil {
		return domain.TxResult{}, err
	}
	c.logger.DebugContext(ctx, "transaction submitted",
		slog.String("tx", tx.Hash().Hex()),
		slog.String("to", to.Hex()),
		slog.Uint64("nonce", tx.Nonce()),
	)

	receipt, err := c.waitReceipt(ctx, tx.Hash())
	if err != nil {
		return domain.TxResult{Hash: tx.Hash().Hex()}, err
	}
	res := domain.TxResult{
		Hash:        tx.Hash().Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return res, fmt.Errorf("chain: tx %s: %w", res.Hash, domain.ErrTxReverted)
	}
	return res, nil
}

func (c *Client) send(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("chain: pending nonce: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: suggest gas tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: latest header: %w", err)
	}
	feeCap := new(big.Int).Mul(tip, big.NewInt(2))
	if head.BaseFee != nil {
		feeCap = new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:      c.from,
		To:        &to,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("chain: estimate gas: %w", err)
	}

	unsigned := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas + gas/5,
		To:        &to,
		Data:      data,
	})
	signed, err := types.SignTx(unsigned, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("chain: %w: %v", domain.ErrSigningFailed, err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("chain: send transaction: %w", err)
	}
	return signed, nil
}

// waitReceipt polls for the receipt of hash until ConfirmTimeout elapses.
func (c *Client) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			c.logger.DebugContext(ctx, "receipt query failed",
				slog.String("tx", hash.Hex()),
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("chain: tx %s: %w", hash.Hex(), domain.ErrConfirmationTimeout)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
