package keeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/domatrade/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockSettlement is a testify mock for domain.SettlementLedger.
type MockSettlement struct {
	mock.Mock
}

func (m *MockSettlement) OpenPosition(ctx context.Context, collateral decimal.Decimal, leverage int64, isLong bool) (domain.TxResult, error) {
	args := m.Called(ctx, collateral, leverage, isLong)
	return args.Get(0).(domain.TxResult), args.Error(1)
}

func (m *MockSettlement) ClosePosition(ctx context.Context) (domain.TxResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.TxResult), args.Error(1)
}

func (m *MockSettlement) Position(ctx context.Context, account string) (domain.SettlementPosition, error) {
	args := m.Called(ctx, account)
	return args.Get(0).(domain.SettlementPosition), args.Error(1)
}

func (m *MockSettlement) MarginRatio(ctx context.Context, account string) (decimal.Decimal, error) {
	args := m.Called(ctx, account)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockSettlement) Liquidate(ctx context.Context, account string) (domain.TxResult, error) {
	args := m.Called(ctx, account)
	return args.Get(0).(domain.TxResult), args.Error(1)
}

func (m *MockSettlement) Accounts(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	accounts, _ := args.Get(0).([]string)
	return accounts, args.Error(1)
}

// MockOracle is a testify mock for domain.PriceOracle.
type MockOracle struct {
	mock.Mock
}

func (m *MockOracle) SetPrice(ctx context.Context, assetID [32]byte, scaled *big.Int) (domain.TxResult, error) {
	args := m.Called(ctx, assetID, scaled)
	return args.Get(0).(domain.TxResult), args.Error(1)
}

func (m *MockOracle) Price(ctx context.Context, assetID [32]byte) (*big.Int, error) {
	args := m.Called(ctx, assetID)
	v, _ := args.Get(0).(*big.Int)
	return v, args.Error(1)
}

// MockLocks is a testify mock for domain.LockManager.
type MockLocks struct {
	mock.Mock
}

func (m *MockLocks) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	args := m.Called(ctx, key, ttl)
	unlock, _ := args.Get(0).(func())
	return unlock, args.Error(1)
}

// MockBus is a testify mock for domain.SignalBus.
type MockBus struct {
	mock.Mock
}

func (m *MockBus) Publish(ctx context.Context, channel string, payload []byte) error {
	args := m.Called(ctx, channel, payload)
	return args.Error(0)
}

func (m *MockBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	args := m.Called(ctx, channel)
	return nil, args.Error(1)
}

type fixedRand []float64

func (f *fixedRand) Float64() float64 {
	v := (*f)[0]
	if len(*f) > 1 {
		*f = (*f)[1:]
	}
	return v
}

func pct(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLiquidator_ThresholdDecisions(t *testing.T) {
	tests := []struct {
		name      string
		ratio     string
		liquidate bool
	}{
		{"below maintenance", "0.05", true},
		{"at maintenance", "0.06", false},
		{"above maintenance", "0.08", false},
		{"far below", "0", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settlement := new(MockSettlement)
			settlement.On("Accounts", mock.Anything).Return([]string{"0xA"}, nil)
			settlement.On("MarginRatio", mock.Anything, "0xA").Return(pct(tt.ratio), nil)
			if tt.liquidate {
				settlement.On("Liquidate", mock.Anything, "0xA").Return(domain.TxResult{Hash: "0xtx"}, nil).Once()
			}

			l := NewLiquidator(settlement, nil, nil, nil, LiquidatorConfig{MaintenanceMargin: pct("0.06")}, discardLogger())
			report, err := l.RunOnce(context.Background())
			require.NoError(t, err)

			if tt.liquidate {
				assert.Equal(t, []string{"0xA"}, report.Liquidated())
			} else {
				assert.Empty(t, report.Liquidated())
				settlement.AssertNotCalled(t, "Liquidate", mock.Anything, mock.Anything)
			}
			settlement.AssertExpectations(t)
		})
	}
}

func TestLiquidator_FailureIsolation(t *testing.T) {
	settlement := new(MockSettlement)
	settlement.On("Accounts", mock.Anything).Return([]string{"0xA", "0xB", "0xC"}, nil)
	settlement.On("MarginRatio", mock.Anything, "0xA").Return(decimal.Zero, errors.New("rpc timeout"))
	settlement.On("MarginRatio", mock.Anything, "0xB").Return(pct("0.01"), nil)
	settlement.On("MarginRatio", mock.Anything, "0xC").Return(pct("0.02"), nil)
	settlement.On("Liquidate", mock.Anything, "0xB").Return(domain.TxResult{}, domain.ErrTxReverted)
	settlement.On("Liquidate", mock.Anything, "0xC").Return(domain.TxResult{Hash: "0xc"}, nil)

	bus := new(MockBus)
	bus.On("Publish", mock.Anything, domain.ChannelLiquidations, mock.Anything).Return(nil).Once()

	l := NewLiquidator(settlement, nil, bus, nil, LiquidatorConfig{}, discardLogger())
	report, err := l.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Accounts, 3)
	assert.Equal(t, OutcomeFailed, report.Accounts[0].Outcome)
	assert.Equal(t, OutcomeFailed, report.Accounts[1].Outcome)
	assert.Equal(t, OutcomeLiquidated, report.Accounts[2].Outcome)
	assert.Equal(t, 2, report.Failed())
	assert.Equal(t, []string{"0xC"}, report.Liquidated())
	assert.Equal(t, report, l.LastReport())
	assert.Equal(t, StageIdle, l.Stage())
	bus.AssertExpectations(t)
}

func TestLiquidator_DiscoveryError(t *testing.T) {
	settlement := new(MockSettlement)
	settlement.On("Accounts", mock.Anything).Return(nil, errors.New("log query failed"))

	l := NewLiquidator(settlement, nil, nil, nil, LiquidatorConfig{}, discardLogger())
	_, err := l.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestLiquidator_LockHeldSkipsIteration(t *testing.T) {
	settlement := new(MockSettlement)
	locks := new(MockLocks)
	locks.On("Acquire", mock.Anything, LiquidatorLockKey, mock.Anything).Return(nil, domain.ErrLockHeld)

	l := NewLiquidator(settlement, locks, nil, nil, LiquidatorConfig{}, discardLogger())
	report, err := l.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.LockHeld)
	settlement.AssertNotCalled(t, "Accounts", mock.Anything)
}

func TestLiquidator_ReleasesLock(t *testing.T) {
	settlement := new(MockSettlement)
	settlement.On("Accounts", mock.Anything).Return([]string{}, nil)
	released := false
	locks := new(MockLocks)
	locks.On("Acquire", mock.Anything, LiquidatorLockKey, mock.Anything).Return(func() { released = true }, nil)

	l := NewLiquidator(settlement, locks, nil, nil, LiquidatorConfig{}, discardLogger())
	_, err := l.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, released)
}

func TestScalePrice(t *testing.T) {
	tests := []struct {
		price float64
		want  string
	}{
		{1500, "1500000000"},
		{1503.2574, "1503257400"},
		{0.0000005, "1"},
		{1499.9999994, "1499999999"},
	}
	for _, tt := range tests {
		got, err := ScalePrice(tt.price)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got.String())
	}

	_, err := ScalePrice(0)
	assert.ErrorIs(t, err, domain.ErrInvalidPrice)
	assert.InDelta(t, 1503.2574, UnscalePrice(decimal.RequireFromString("1503257400")), 1e-9)
}

func TestAssetID(t *testing.T) {
	id, err := AssetID("hackathon.doma")
	require.NoError(t, err)
	assert.Equal(t, "hackathon.doma", string(id[:14]))
	assert.Equal(t, make([]byte, 18), id[14:])

	_, err = AssetID("a-name-that-is-much-longer-than-thirty-two-bytes")
	assert.Error(t, err)
}

func TestPublisher_SuccessMovesBaseline(t *testing.T) {
	oracle := new(MockOracle)
	oracle.On("SetPrice", mock.Anything, mock.Anything, mock.Anything).Return(domain.TxResult{Hash: "0x1"}, nil)

	rng := &fixedRand{0.75}
	p, err := NewPublisher(oracle, nil, nil, rng, PublisherConfig{}, discardLogger())
	require.NoError(t, err)

	price, err := p.PublishOnce(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1505.0, price, 1e-9)
	assert.InDelta(t, 1505.0, p.Baseline(), 1e-9)
	assert.Equal(t, 1, p.Published())

	_, id := p.Asset()
	oracle.AssertCalled(t, "SetPrice", mock.Anything, id, big.NewInt(1505000000))
}

func TestPublisher_FailureKeepsBaseline(t *testing.T) {
	oracle := new(MockOracle)
	oracle.On("SetPrice", mock.Anything, mock.Anything, mock.Anything).
		Return(domain.TxResult{}, domain.ErrConfirmationTimeout)

	p, err := NewPublisher(oracle, nil, nil, &fixedRand{0.9}, PublisherConfig{}, discardLogger())
	require.NoError(t, err)

	_, err = p.PublishOnce(context.Background())
	assert.ErrorIs(t, err, domain.ErrConfirmationTimeout)
	assert.Equal(t, 1500.0, p.Baseline())
	assert.Equal(t, 0, p.Published())
}

func TestPublisher_BoundedWalk(t *testing.T) {
	oracle := new(MockOracle)
	oracle.On("SetPrice", mock.Anything, mock.Anything, mock.Anything).Return(domain.TxResult{}, nil)

	rng := &fixedRand{0, 0.9999, 0.5, 0, 0.1, 0.25, 1e-9, 0.6}
	n := len(*rng)
	p, err := NewPublisher(oracle, nil, nil, rng, PublisherConfig{}, discardLogger())
	require.NoError(t, err)

	for i := 1; i <= n; i++ {
		_, err := p.PublishOnce(context.Background())
		require.NoError(t, err)
		b := p.Baseline()
		assert.GreaterOrEqual(t, b, 1500-10*float64(i))
		assert.LessOrEqual(t, b, 1500+10*float64(i))
	}
}

func TestPublisher_RejectsNonPositive(t *testing.T) {
	oracle := new(MockOracle)
	p, err := NewPublisher(oracle, nil, nil, &fixedRand{0}, PublisherConfig{Baseline: 5}, discardLogger())
	require.NoError(t, err)

	_, err = p.PublishOnce(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidPrice)
	assert.Equal(t, 5.0, p.Baseline())
	oracle.AssertNotCalled(t, "SetPrice", mock.Anything, mock.Anything, mock.Anything)
}

func TestPublisher_BroadcastsToBus(t *testing.T) {
	oracle := new(MockOracle)
	oracle.On("SetPrice", mock.Anything, mock.Anything, mock.Anything).Return(domain.TxResult{Hash: "0x2"}, nil)
	bus := new(MockBus)
	bus.On("Publish", mock.Anything, domain.ChannelOraclePrices, mock.Anything).Return(nil).Once()

	p, err := NewPublisher(oracle, nil, bus, &fixedRand{0.5}, PublisherConfig{}, discardLogger())
	require.NoError(t, err)
	_, err = p.PublishOnce(context.Background())
	require.NoError(t, err)
	bus.AssertExpectations(t)
}

type recordingStore struct {
	calls []domain.SettlementPosition
	err   error
}

func (r *recordingStore) Reconcile(_ context.Context, _ string, chain domain.SettlementPosition) (bool, error) {
	r.calls = append(r.calls, chain)
	return r.err == nil, r.err
}

func TestReconciler_ContinuesPastErrors(t *testing.T) {
	settlement := new(MockSettlement)
	settlement.On("Position", mock.Anything, "0xA").Return(domain.SettlementPosition{}, errors.New("rpc down"))
	settlement.On("Position", mock.Anything, "0xB").Return(domain.SettlementPosition{Size: decimal.NewFromInt(3), IsLong: true}, nil)

	store := &recordingStore{}
	r := NewReconciler(settlement, store, []string{"0xA", "0xB"}, "hackathon.doma", time.Minute, discardLogger())

	err := r.ReconcileOnce(context.Background())
	assert.Error(t, err)
	require.Len(t, store.calls, 1)
	assert.Equal(t, "0xB", store.calls[0].Account)
}
