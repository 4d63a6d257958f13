package chain

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/domatrade/internal/domain"
)

// fakeBackend answers view calls from a table keyed by method selector and
// records sent transactions.
type fakeBackend struct {
	mu        sync.Mutex
	results   map[string][]byte
	logs      []types.Log
	sent      []*types.Transaction
	status    uint64
	noReceipt bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{results: make(map[string][]byte), status: types.ReceiptStatusSuccessful}
}

func (f *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.results[string(call.Data[:4])]
	if !ok {
		return nil, ethereum.NotFound
	}
	return out, nil
}

func (f *fakeBackend) FilterLogs(_ context.Context, _ ethereum.FilterQuery) ([]types.Log, error) {
	return f.logs, nil
}

func (f *fakeBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasTipCap(_ context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) HeaderByNumber(_ context.Context, _ *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: big.NewInt(7)}, nil
}

func (f *fakeBackend) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	return 50_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noReceipt {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{TxHash: hash, Status: f.status, BlockNumber: big.NewInt(101), GasUsed: 42_000}, nil
}

func (f *fakeBackend) setResult(t *testing.T, method string, values ...any) {
	t.Helper()
	m, ok := futuresABI.Methods[method]
	if !ok {
		m = oracleABI.Methods[method]
	}
	out, err := m.Outputs.Pack(values...)
	require.NoError(t, err)
	f.results[string(m.ID)] = out
}

func newTestClient(t *testing.T, backend Backend) *Client {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return NewClient(backend, Config{
		ChainID:        97476,
		ConfirmTimeout: 50 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}, key, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

var futuresAddr = common.HexToAddress("0x2cb425975626593A35D570C6E0bCEe53fca1eaFE")

func TestSettlement_MarginRatioScale(t *testing.T) {
	backend := newFakeBackend()
	backend.setResult(t, "getMarginRatio", big.NewInt(50_000_000_000_000_000))
	s := NewSettlement(newTestClient(t, backend), futuresAddr)

	ratio, err := s.MarginRatio(context.Background(), "0x00000000000000000000000000000000000000aa")
	require.NoError(t, err)
	assert.True(t, ratio.Equal(decimal.RequireFromString("0.05")), ratio.String())
	assert.True(t, ratio.LessThan(decimal.RequireFromString("0.06")))

	_, err = s.MarginRatio(context.Background(), "not-an-address")
	assert.Error(t, err)
}

func TestSettlement_Position(t *testing.T) {
	backend := newFakeBackend()
	backend.setResult(t, "positions", big.NewInt(2_500_000), big.NewInt(1_500_250_000), false)
	s := NewSettlement(newTestClient(t, backend), futuresAddr)

	pos, err := s.Position(context.Background(), "0x00000000000000000000000000000000000000aa")
	require.NoError(t, err)
	assert.True(t, pos.Open())
	assert.Equal(t, "2.5", pos.Size.String())
	assert.Equal(t, "1500.25", pos.EntryPrice.String())
	assert.False(t, pos.IsLong)
}

func TestSettlement_AccountsDeduplicated(t *testing.T) {
	backend := newFakeBackend()
	topic := futuresABI.Events["PositionOpened"].ID
	a := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	b := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	backend.logs = []types.Log{
		{Topics: []common.Hash{topic, common.BytesToHash(a.Bytes())}},
		{Topics: []common.Hash{topic, common.BytesToHash(b.Bytes())}},
		{Topics: []common.Hash{topic, common.BytesToHash(a.Bytes())}},
		{Topics: []common.Hash{topic, common.BytesToHash(b.Bytes())}, Removed: true},
		{Topics: []common.Hash{topic}},
	}
	s := NewSettlement(newTestClient(t, backend), futuresAddr)

	accounts, err := s.Accounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{a.Hex(), b.Hex()}, accounts)
}

func TestSettlement_LiquidateSendsSignedTx(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend)
	s := NewSettlement(client, futuresAddr)
	user := "0x00000000000000000000000000000000000000aa"

	res, err := s.Liquidate(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, uint64(101), res.BlockNumber)

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	assert.Equal(t, futuresAddr, *tx.To())
	assert.Equal(t, res.Hash, tx.Hash().Hex())

	want, err := futuresABI.Pack("liquidate", common.HexToAddress(user))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, tx.Data()))

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(97476)), tx)
	require.NoError(t, err)
	assert.Equal(t, client.Address(), sender)
}

func TestSettlement_RevertedAndTimeout(t *testing.T) {
	backend := newFakeBackend()
	backend.status = types.ReceiptStatusFailed
	s := NewSettlement(newTestClient(t, backend), futuresAddr)

	_, err := s.ClosePosition(context.Background())
	assert.ErrorIs(t, err, domain.ErrTxReverted)

	backend.noReceipt = true
	_, err = s.ClosePosition(context.Background())
	assert.ErrorIs(t, err, domain.ErrConfirmationTimeout)
}

func TestSettlement_OpenPositionScalesCollateral(t *testing.T) {
	backend := newFakeBackend()
	s := NewSettlement(newTestClient(t, backend), futuresAddr)

	_, err := s.OpenPosition(context.Background(), decimal.NewFromInt(1000), 5, true)
	require.NoError(t, err)

	require.Len(t, backend.sent, 1)
	args, err := futuresABI.Methods["openPosition"].Inputs.Unpack(backend.sent[0].Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1_000_000_000), args[0])
	assert.Equal(t, big.NewInt(5), args[1])
	assert.Equal(t, true, args[2])

	_, err = s.OpenPosition(context.Background(), decimal.Zero, 5, true)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestOracle_SetAndGetPrice(t *testing.T) {
	backend := newFakeBackend()
	backend.setResult(t, "getPrice", big.NewInt(1_503_257_400))
	o := NewOracle(newTestClient(t, backend), common.HexToAddress("0x2a3C594853706B43893F3f977815B03F622af78b"))

	var id [32]byte
	copy(id[:], "hackathon.doma")

	_, err := o.SetPrice(context.Background(), id, big.NewInt(1_500_000_000))
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	_, err = o.SetPrice(context.Background(), id, big.NewInt(0))
	assert.ErrorIs(t, err, domain.ErrInvalidPrice)

	got, err := o.Price(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Cmp(big.NewInt(1_503_257_400)))
}

func TestClient_ReadOnlyCannotTransact(t *testing.T) {
	c := NewClient(newFakeBackend(), Config{ChainID: 1}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := NewSettlement(c, futuresAddr).ClosePosition(context.Background())
	assert.ErrorIs(t, err, domain.ErrSigningFailed)
}
