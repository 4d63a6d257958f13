package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/domatrade/internal/domain"
)

var testNow = time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)

// flakyStore wraps MemoryStore and fails Save while failing is set.
type flakyStore struct {
	*MemoryStore
	mu      sync.Mutex
	failing bool
	saves   int
}

func (f *flakyStore) Save(ctx context.Context, name string, state domain.LedgerState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("disk full")
	}
	f.saves++
	return f.MemoryStore.Save(ctx, name, state)
}

func (f *flakyStore) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
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

// MockNotifier is a testify mock for Notifier.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, event, title, message string) error {
	args := m.Called(ctx, event, title, message)
	return args.Error(0)
}

func newTestLedger(t *testing.T, cfg Config, opts ...Option) (*Ledger, *flakyStore) {
	t.Helper()
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	n := 0
	opts = append([]Option{
		WithClock(func() time.Time { return testNow }),
		WithIDFunc(func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		}),
	}, opts...)
	l := New(store, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	require.NoError(t, l.Load(context.Background()))
	return l, store
}

func ptr(f float64) *float64 { return &f }

func TestLoad_EmptyStore(t *testing.T) {
	l, _ := newTestLedger(t, Config{})
	state := l.State()
	assert.Empty(t, state.Positions)
	assert.Empty(t, state.PendingOrders)
	assert.Empty(t, state.Orders)
	assert.Empty(t, state.Activities)
}

func TestLoad_SeedsDemoState(t *testing.T) {
	l, store := newTestLedger(t, Config{SeedDemo: true})

	assert.Len(t, l.Positions(), 5)
	assert.Len(t, l.PendingOrders(), 2)
	assert.Len(t, l.History(), 5)
	assert.Len(t, l.Activities(), 5)

	saved, err := store.Load(context.Background(), DefaultStoreName)
	require.NoError(t, err)
	assert.Len(t, saved.Positions, 5)
}

func TestLoad_RestoresPersistedState(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	first := New(store, Config{}, logger)
	require.NoError(t, first.Load(ctx))
	_, err := first.PlaceOrder(ctx, domain.OrderRequest{
		Asset: "alpha", Kind: domain.OrderKindLimit, Price: 100, Size: 5, Side: domain.SideBuy,
	})
	require.NoError(t, err)

	second := New(store, Config{SeedDemo: true}, logger)
	require.NoError(t, second.Load(ctx))
	assert.Equal(t, first.State(), second.State())
}

func TestOpenPosition(t *testing.T) {
	l, _ := newTestLedger(t, Config{})
	ctx := context.Background()

	pos, err := l.OpenPosition(ctx, domain.PositionRequest{
		Asset: "alpha", Price: 100, Size: 2, Side: domain.SideBuy, StopLoss: ptr(90),
	})
	require.NoError(t, err)

	assert.Equal(t, 0.0, pos.PnL)
	assert.Equal(t, testNow, pos.OpenedAt)
	require.Len(t, l.Positions(), 1)
	assert.Equal(t, pos, l.Positions()[0])

	hist := l.History()
	require.Len(t, hist, 1)
	assert.Equal(t, domain.OrderKindMarket, hist[0].Kind)
	assert.Equal(t, domain.OrderStatusExecuted, hist[0].Status)

	acts := l.Activities()
	require.Len(t, acts, 1)
	assert.Equal(t, domain.OrderKindMarket, acts[0].OrderType)
}

func TestOpenPosition_Invalid(t *testing.T) {
	l, _ := newTestLedger(t, Config{})
	tests := []struct {
		name string
		req  domain.PositionRequest
	}{
		{"missing asset", domain.PositionRequest{Price: 1, Size: 1, Side: domain.SideBuy}},
		{"zero size", domain.PositionRequest{Asset: "a", Price: 1, Side: domain.SideBuy}},
		{"bad side", domain.PositionRequest{Asset: "a", Price: 1, Size: 1, Side: "up"}},
		{"negative price", domain.PositionRequest{Asset: "a", Price: -1, Size: 1, Side: domain.SideBuy}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.OpenPosition(context.Background(), tt.req)
			assert.ErrorIs(t, err, domain.ErrInvalidOrder)
			assert.Empty(t, l.Positions())
		})
	}
}

func TestThresholds_StrictAndLenient(t *testing.T) {
	ctx := context.Background()

	lenient, _ := newTestLedger(t, Config{})
	pos, err := lenient.OpenPosition(ctx, domain.PositionRequest{Asset: "a", Price: 100, Size: 1, Side: domain.SideBuy})
	require.NoError(t, err)
	assert.NoError(t, lenient.SetStopLoss(ctx, pos.ID, 120))

	strict, _ := newTestLedger(t, Config{StrictThresholds: true})
	pos, err = strict.OpenPosition(ctx, domain.PositionRequest{Asset: "a", Price: 100, Size: 1, Side: domain.SideBuy})
	require.NoError(t, err)
	assert.ErrorIs(t, strict.SetStopLoss(ctx, pos.ID, 120), domain.ErrInvalidThreshold)
	assert.ErrorIs(t, strict.SetTakeProfit(ctx, pos.ID, 90), domain.ErrInvalidThreshold)
	assert.Nil(t, strict.Positions()[0].StopLoss)

	require.NoError(t, strict.SetStopLoss(ctx, pos.ID, 90))
	require.NoError(t, strict.SetTakeProfit(ctx, pos.ID, 120))
	got := strict.Positions()[0]
	assert.Equal(t, 90.0, *got.StopLoss)
	assert.Equal(t, 120.0, *got.TakeProfit)

	require.NoError(t, strict.ClearStopLoss(ctx, pos.ID))
	require.NoError(t, strict.ClearTakeProfit(ctx, pos.ID))
	got = strict.Positions()[0]
	assert.Nil(t, got.StopLoss)
	assert.Nil(t, got.TakeProfit)
}

func TestPositionMutations_NotFound(t *testing.T) {
	l, _ := newTestLedger(t, Config{})
	ctx := context.Background()

	assert.ErrorIs(t, l.SetStopLoss(ctx, "nope", 1), domain.ErrNotFound)
	assert.ErrorIs(t, l.ClearTakeProfit(ctx, "nope"), domain.ErrNotFound)
	assert.ErrorIs(t, l.UpdatePnL(ctx, "nope", 5), domain.ErrNotFound)
	assert.ErrorIs(t, l.RemovePosition(ctx, "nope"), domain.ErrNotFound)
	_, err := l.ClosePosition(ctx, "nope", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, l.SetStopLoss(ctx, "nope", -1), domain.ErrInvalidPrice)
}

func TestClosePosition_RecordsOppositeSide(t *testing.T) {
	l, _ := newTestLedger(t, Config{})
	ctx := context.Background()

	pos, err := l.OpenPosition(ctx, domain.PositionRequest{Asset: "a", Price: 100, Size: 3, Side: domain.SideSell})
	require.NoError(t, err)
	require.NoError(t, l.UpdatePnL(ctx, pos.ID, 42))

	closed, err := l.ClosePosition(ctx, pos.ID, 95)
	require.NoError(t, err)
	assert.Equal(t, 42.0, closed.PnL)
	assert.Empty(t, l.Positions())

	acts := l.Activities()
	require.Len(t, acts, 2)
	assert.Equal(t, domain.SideBuy, acts[1].Side)
	assert.Equal(t, 95.0, acts[1].Price)
}

func TestRemovePosition_RecordsNothing(t *testing.T) {
	l, _ := newTestLedger(t, Config{})
	ctx := context.Background()

	pos, err := l.OpenPosition(ctx, domain.PositionRequest{Asset: "a", Price: 100, Size: 1, Side: domain.SideBuy})
	require.NoError(t, err)
	require.NoError(t, l.RemovePosition(ctx, pos.ID))

	assert.Empty(t, l.Positions())
	assert.Len(t, l.Activities(), 1, "only the opening trade is recorded")
	assert.Len(t, l.History(), 1)
}

func TestPlaceCancelOrder(t *testing.T) {
	l, _ := newTestLedger(t, Config{})
	ctx := context.Background()

	order, err := l.PlaceOrder(ctx, domain.OrderRequest{
		Asset: "alpha", Kind: domain.OrderKindLimit, Price: 100, Size: 5, Side: domain.SideBuy,
	})
	require.NoError(t, err)
	require.Len(t, l.PendingOrders(), 1)
	hist := l.History()
	require.Len(t, hist, 1)
	assert.Equal(t, domain.OrderStatusPending, hist[0].Status)
	assert.Equal(t, order.ID, hist[0].OrderID)

	require.NoError(t, l.CancelOrder(ctx, order.ID))
	assert.Empty(t, l.PendingOrders())
	hist = l.History()
	require.Len(t, hist, 1)
	assert.Equal(t, domain.OrderStatusCancelled, hist[0].Status)
	assert.Nil(t, hist[0].ExecutedAt)

	assert.ErrorIs(t, l.CancelOrder(ctx, order.ID), domain.ErrNotFound)
}

func TestPlaceOrder_RejectsMarket(t *testing.T) {
	l, _ := newTestLedger(t, Config{})
	_, err := l.PlaceOrder(context.Background(), domain.OrderRequest{
		Asset: "alpha", Kind: domain.OrderKindMarket, Price: 100, Size: 5, Side: domain.SideBuy,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestUpdateOrder_InPlace(t *testing.T) {
	l, _ := newTestLedger(t, Config{})
	ctx := context.Background()

	first, err := l.PlaceOrder(ctx, domain.OrderRequest{Asset: "a", Kind: domain.OrderKindLimit, Price: 100, Size: 1, Side: domain.SideBuy})
	require.NoError(t, err)
	_, err = l.PlaceOrder(ctx, domain.OrderRequest{Asset: "b", Kind: domain.OrderKindLimit, Price: 50, Size: 1, Side: domain.SideSell})
	require.NoError(t, err)

	updated, err := l.UpdateOrder(ctx, first.ID, domain.OrderEdit{Price: ptr(95)})
	require.NoError(t, err)

	assert.Equal(t, first.ID, updated.ID)
	assert.Equal(t, first.CreatedAt, updated.CreatedAt)
	assert.Equal(t, 95.0, updated.Price)
	assert.Equal(t, 1.0, updated.Size)

	pending := l.PendingOrders()
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, 95.0, l.History()[0].Price)

	_, err = l.UpdateOrder(ctx, first.ID, domain.OrderEdit{Size: ptr(0)})
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	_, err = l.UpdateOrder(ctx, "missing", domain.OrderEdit{Price: ptr(1)})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAppendHistoryAndActivity(t *testing.T) {
	l, _ := newTestLedger(t, Config{})
	ctx := context.Background()

	rec, err := l.AppendHistory(ctx, domain.HistoryRecord{Asset: "a", Kind: domain.OrderKindLimit, Price: 1, Size: 1, Side: domain.SideBuy})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, domain.OrderStatusPending, rec.Status)
	assert.Equal(t, testNow, rec.CreatedAt)

	act, err := l.AppendActivity(ctx, domain.ActivityRecord{Asset: "a", Price: 1, Size: 1, Side: domain.SideBuy})
	require.NoError(t, err)
	assert.Equal(t, testNow, act.Timestamp)
	assert.Len(t, l.Activities(), 1)
}

func TestApplySnapshot_FillsLimitOrder(t *testing.T) {
	bus := new(MockBus)
	bus.On("Publish", mock.Anything, domain.ChannelLedger, mock.Anything).Return(nil)
	l, _ := newTestLedger(t, Config{}, WithBus(bus))
	ctx := context.Background()

	order, err := l.PlaceOrder(ctx, domain.OrderRequest{
		Asset: "alpha", Kind: domain.OrderKindLimit, Price: 100, Size: 5, Side: domain.SideBuy,
	})
	require.NoError(t, err)

	res, err := l.ApplySnapshot(ctx, domain.PriceSnapshot{"alpha": 95})
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)

	assert.Empty(t, l.PendingOrders())
	positions := l.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, 100.0, positions[0].EntryPrice)
	assert.Equal(t, 5.0, positions[0].Size)

	hist := l.History()
	require.Len(t, hist, 1)
	assert.Equal(t, order.ID, hist[0].OrderID)
	assert.Equal(t, domain.OrderStatusExecuted, hist[0].Status)
	require.NotNil(t, hist[0].ExecutedAt)

	bus.AssertCalled(t, "Publish", mock.Anything, domain.ChannelLedger, mock.Anything)
}

func TestApplySnapshot_StopLossNotifies(t *testing.T) {
	notifier := new(MockNotifier)
	notifier.On("Notify", mock.Anything, "trigger", mock.Anything, mock.Anything).Return(nil).Once()
	l, _ := newTestLedger(t, Config{}, WithNotifier(notifier))
	ctx := context.Background()

	pos, err := l.OpenPosition(ctx, domain.PositionRequest{Asset: "beta", Price: 200, Size: 1, Side: domain.SideBuy})
	require.NoError(t, err)
	require.NoError(t, l.SetStopLoss(ctx, pos.ID, 180))

	res, err := l.ApplySnapshot(ctx, domain.PriceSnapshot{"beta": 175})
	require.NoError(t, err)
	require.Len(t, res.Closures, 1)
	assert.Equal(t, domain.OrderKindStopLoss, res.Closures[0].Reason)
	assert.Empty(t, l.Positions())

	notifier.AssertExpectations(t)
}

func TestApplySnapshot_PersistFailureKeepsState(t *testing.T) {
	l, store := newTestLedger(t, Config{})
	ctx := context.Background()

	_, err := l.PlaceOrder(ctx, domain.OrderRequest{
		Asset: "alpha", Kind: domain.OrderKindLimit, Price: 100, Size: 5, Side: domain.SideBuy,
	})
	require.NoError(t, err)
	before := l.State()

	store.setFailing(true)
	_, err = l.ApplySnapshot(ctx, domain.PriceSnapshot{"alpha": 95})
	require.Error(t, err)
	assert.Equal(t, before, l.State())

	store.setFailing(false)
	res, err := l.ApplySnapshot(ctx, domain.PriceSnapshot{"alpha": 95})
	require.NoError(t, err)
	assert.Len(t, res.Fills, 1)
}

func TestMutation_PersistFailureRollsBack(t *testing.T) {
	l, store := newTestLedger(t, Config{})
	ctx := context.Background()

	store.setFailing(true)
	_, err := l.OpenPosition(ctx, domain.PositionRequest{Asset: "a", Price: 1, Size: 1, Side: domain.SideBuy})
	require.Error(t, err)
	assert.Empty(t, l.Positions())
	assert.Empty(t, l.History())
	assert.Empty(t, l.Activities())
}

func TestApplySnapshot_NoChangeSkipsPersist(t *testing.T) {
	l, store := newTestLedger(t, Config{})
	ctx := context.Background()
	_, err := l.PlaceOrder(ctx, domain.OrderRequest{
		Asset: "alpha", Kind: domain.OrderKindLimit, Price: 100, Size: 5, Side: domain.SideBuy,
	})
	require.NoError(t, err)
	saves := store.saves

	res, err := l.ApplySnapshot(ctx, domain.PriceSnapshot{"alpha": 120})
	require.NoError(t, err)
	assert.False(t, res.Changed())
	assert.Equal(t, saves, store.saves)
}

func TestApplySnapshot_ConcurrentWithUserActions(t *testing.T) {
	l, _ := newTestLedger(t, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = l.PlaceOrder(ctx, domain.OrderRequest{
				Asset: "alpha", Kind: domain.OrderKindLimit, Price: 100, Size: 1, Side: domain.SideBuy,
			})
		}()
		go func() {
			defer wg.Done()
			_, _ = l.ApplySnapshot(ctx, domain.PriceSnapshot{"alpha": 90})
		}()
	}
	wg.Wait()

	_, err := l.ApplySnapshot(ctx, domain.PriceSnapshot{"alpha": 90})
	require.NoError(t, err)
	assert.Empty(t, l.PendingOrders())
	assert.Len(t, l.Positions(), 20)
}

func TestReconcile(t *testing.T) {
	l, _ := newTestLedger(t, Config{})
	ctx := context.Background()
	account := "0xabc"

	_, err := l.OpenPosition(ctx, domain.PositionRequest{Asset: "local", Price: 1, Size: 1, Side: domain.SideBuy})
	require.NoError(t, err)

	onChain := domain.SettlementPosition{
		Account:    account,
		Size:       decimal.NewFromInt(50),
		EntryPrice: decimal.NewFromFloat(1500.5),
		IsLong:     true,
	}

	changed, err := l.Reconcile(ctx, "hackathon.doma", onChain)
	require.NoError(t, err)
	assert.True(t, changed)
	positions := l.Positions()
	require.Len(t, positions, 2)
	proj := positions[1]
	assert.Equal(t, domain.PositionSourceChain, proj.Source)
	assert.Equal(t, account, proj.Account)
	assert.Equal(t, 50.0, proj.Size)
	assert.Equal(t, 1500.5, proj.EntryPrice)
	assert.Equal(t, domain.SideBuy, proj.Side)

	changed, err = l.Reconcile(ctx, "hackathon.doma", onChain)
	require.NoError(t, err)
	assert.False(t, changed)

	onChain.Size = decimal.NewFromInt(20)
	changed, err = l.Reconcile(ctx, "hackathon.doma", onChain)
	require.NoError(t, err)
	assert.True(t, changed)
	positions = l.Positions()
	require.Len(t, positions, 2)
	assert.Equal(t, proj.ID, positions[1].ID)
	assert.Equal(t, 20.0, positions[1].Size)

	changed, err = l.Reconcile(ctx, "hackathon.doma", domain.SettlementPosition{Account: account})
	require.NoError(t, err)
	assert.True(t, changed)
	positions = l.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, "local", positions[0].Asset)
}
