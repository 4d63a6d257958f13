// Package ledger holds the client-side position and order ledger. Every
// mutation, user action or trigger evaluation alike, runs under one mutex on a
// copy of the state, is persisted, and only then becomes visible.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/domatrade/internal/domain"
	"github.com/alanyoungcy/domatrade/internal/trigger"
)

// DefaultStoreName is the record name the ledger state is persisted under.
const DefaultStoreName = "domatrade-storage"

// Notifier delivers operator notifications.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds the tunable parameters of the ledger.
type Config struct {
	StoreName string
	// StrictThresholds rejects stop-loss/take-profit values on the wrong side
	// of the entry price instead of only logging them.
	StrictThresholds bool
	// SeedDemo loads the demo book when the store holds no state yet.
	SeedDemo bool
}

// Ledger is the serialized owner of positions, pending orders, order history
// and the activity log.
type Ledger struct {
	mu    sync.Mutex
	state domain.LedgerState

	store    domain.SnapshotStore
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier Notifier

	cfg    Config
	now    func() time.Time
	newID  trigger.IDFunc
	logger *slog.Logger
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithBus publishes ledger events on the signal bus.
func WithBus(bus domain.SignalBus) Option { return func(l *Ledger) { l.bus = bus } }

// WithAudit records user actions in the audit log.
func WithAudit(audit domain.AuditStore) Option { return func(l *Ledger) { l.audit = audit } }

// WithNotifier sends trigger closures to operators.
func WithNotifier(n Notifier) Option { return func(l *Ledger) { l.notifier = n } }

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithIDFunc overrides identifier generation.
func WithIDFunc(f trigger.IDFunc) Option { return func(l *Ledger) { l.newID = f } }

// New creates an empty Ledger backed by store. Call Load before serving.
func New(store domain.SnapshotStore, cfg Config, logger *slog.Logger, opts ...Option) *Ledger {
	if cfg.StoreName == "" {
		cfg.StoreName = DefaultStoreName
	}
	l := &Ledger{
		state:  domain.LedgerState{}.Clone(),
		store:  store,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		logger: logger.With(slog.String("component", "ledger")),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load restores the persisted state. An empty store yields an empty ledger,
// or the demo book when SeedDemo is set.
func (l *Ledger) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, err := l.store.Load(ctx, l.cfg.StoreName)
	switch {
	case err == nil:
		l.state = state.Clone()
		l.logger.InfoContext(ctx, "ledger state loaded",
			slog.Int("positions", len(state.Positions)),
			slog.Int("pending_orders", len(state.PendingOrders)),
			slog.Int("history", len(state.Orders)),
			slog.Int("activities", len(state.Activities)),
		)
		return nil
	case !errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("ledger: load %q: %w", l.cfg.StoreName, err)
	}

	if !l.cfg.SeedDemo {
		l.logger.InfoContext(ctx, "no persisted ledger state, starting empty")
		return nil
	}
	seeded := DemoState(l.now())
	if err := l.store.Save(ctx, l.cfg.StoreName, seeded); err != nil {
		return fmt.Errorf("ledger: save demo state: %w", err)
	}
	l.state = seeded
	l.logger.InfoContext(ctx, "ledger seeded with demo state")
	return nil
}

// State returns a copy of the full persisted state.
func (l *Ledger) State() domain.LedgerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Clone()
}

// Positions returns a copy of the open positions.
func (l *Ledger) Positions() []domain.Position {
	return l.State().Positions
}

// PendingOrders returns a copy of the pending order queue.
func (l *Ledger) PendingOrders() []domain.ConditionalOrder {
	return l.State().PendingOrders
}

// History returns a copy of the order history.
func (l *Ledger) History() []domain.HistoryRecord {
	return l.State().Orders
}

// Activities returns a copy of the activity log.
func (l *Ledger) Activities() []domain.ActivityRecord {
	return l.State().Activities
}

// OpenPosition executes a market order at the request price.
func (l *Ledger) OpenPosition(ctx context.Context, req domain.PositionRequest) (domain.Position, error) {
	if err := req.Validate(); err != nil {
		return domain.Position{}, fmt.Errorf("ledger: open position: %w", err)
	}

	var pos domain.Position
	err := l.mutate(ctx, "position_opened", func(s *domain.LedgerState, now time.Time) error {
		pos = domain.Position{
			ID:         l.newID(),
			Asset:      req.Asset,
			EntryPrice: req.Price,
			Size:       req.Size,
			Side:       req.Side,
			StopLoss:   req.StopLoss,
			TakeProfit: req.TakeProfit,
			Source:     domain.PositionSourceLocal,
			OpenedAt:   now,
		}
		if err := l.checkThresholds(ctx, pos); err != nil {
			return err
		}
		s.Positions = append(s.Positions, pos)

		executedAt := now
		s.Orders = append(s.Orders, domain.HistoryRecord{
			ID:         l.newID(),
			Asset:      req.Asset,
			Kind:       domain.OrderKindMarket,
			Price:      req.Price,
			Size:       req.Size,
			Side:       req.Side,
			Status:     domain.OrderStatusExecuted,
			CreatedAt:  now,
			ExecutedAt: &executedAt,
		})
		s.Activities = append(s.Activities, domain.ActivityRecord{
			ID:        l.newID(),
			Asset:     req.Asset,
			Price:     req.Price,
			Size:      req.Size,
			Side:      req.Side,
			OrderType: domain.OrderKindMarket,
			Timestamp: now,
		})
		return nil
	})
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger: open position: %w", err)
	}
	return pos, nil
}

// ClosePosition removes a position and records the closing trade at
// exitPrice. A non-positive exitPrice records the entry price.
func (l *Ledger) ClosePosition(ctx context.Context, id string, exitPrice float64) (domain.Position, error) {
	var closed domain.Position
	err := l.mutate(ctx, "position_closed", func(s *domain.LedgerState, now time.Time) error {
		idx := positionIndex(s.Positions, id)
		if idx < 0 {
			return fmt.Errorf("position %s: %w", id, domain.ErrNotFound)
		}
		closed = s.Positions[idx]
		s.Positions = append(s.Positions[:idx], s.Positions[idx+1:]...)

		price := exitPrice
		if !domain.ValidPrice(price) {
			price = closed.EntryPrice
		}
		side := domain.SideSell
		if !closed.Side.IsLong() {
			side = domain.SideBuy
		}
		s.Activities = append(s.Activities, domain.ActivityRecord{
			ID:        l.newID(),
			Asset:     closed.Asset,
			Price:     price,
			Size:      closed.Size,
			Side:      side,
			OrderType: domain.OrderKindMarket,
			Timestamp: now,
		})
		return nil
	})
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger: close position: %w", err)
	}
	return closed, nil
}

// RemovePosition drops a position without recording a trade.
func (l *Ledger) RemovePosition(ctx context.Context, id string) error {
	err := l.mutate(ctx, "position_removed", func(s *domain.LedgerState, _ time.Time) error {
		idx := positionIndex(s.Positions, id)
		if idx < 0 {
			return fmt.Errorf("position %s: %w", id, domain.ErrNotFound)
		}
		s.Positions = append(s.Positions[:idx], s.Positions[idx+1:]...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: remove position: %w", err)
	}
	return nil
}

// UpdatePnL stores an externally computed P&L on a position.
func (l *Ledger) UpdatePnL(ctx context.Context, id string, pnl float64) error {
	err := l.updatePosition(ctx, "pnl_updated", id, func(p *domain.Position) error {
		p.PnL = pnl
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: update pnl: %w", err)
	}
	return nil
}

// SetStopLoss attaches or replaces a position's stop-loss.
func (l *Ledger) SetStopLoss(ctx context.Context, id string, price float64) error {
	if !domain.ValidPrice(price) {
		return fmt.Errorf("ledger: set stop-loss: %w", domain.ErrInvalidPrice)
	}
	err := l.updatePosition(ctx, "stop_loss_set", id, func(p *domain.Position) error {
		p.StopLoss = &price
		return l.checkThresholds(ctx, *p)
	})
	if err != nil {
		return fmt.Errorf("ledger: set stop-loss: %w", err)
	}
	return nil
}

// SetTakeProfit attaches or replaces a position's take-profit.
func (l *Ledger) SetTakeProfit(ctx context.Context, id string, price float64) error {
	if !domain.ValidPrice(price) {
		return fmt.Errorf("ledger: set take-profit: %w", domain.ErrInvalidPrice)
	}
	err := l.updatePosition(ctx, "take_profit_set", id, func(p *domain.Position) error {
		p.TakeProfit = &price
		return l.checkThresholds(ctx, *p)
	})
	if err != nil {
		return fmt.Errorf("ledger: set take-profit: %w", err)
	}
	return nil
}

// ClearStopLoss removes a position's stop-loss.
func (l *Ledger) ClearStopLoss(ctx context.Context, id string) error {
	err := l.updatePosition(ctx, "stop_loss_cleared", id, func(p *domain.Position) error {
		p.StopLoss = nil
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: clear stop-loss: %w", err)
	}
	return nil
}

// ClearTakeProfit removes a position's take-profit.
func (l *Ledger) ClearTakeProfit(ctx context.Context, id string) error {
	err := l.updatePosition(ctx, "take_profit_cleared", id, func(p *domain.Position) error {
		p.TakeProfit = nil
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: clear take-profit: %w", err)
	}
	return nil
}

// PlaceOrder queues a conditional order and records it as pending in the
// history.
func (l *Ledger) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.ConditionalOrder, error) {
	if err := req.Validate(); err != nil {
		return domain.ConditionalOrder{}, fmt.Errorf("ledger: place order: %w", err)
	}

	var order domain.ConditionalOrder
	err := l.mutate(ctx, "order_placed", func(s *domain.LedgerState, now time.Time) error {
		order = domain.ConditionalOrder{
			ID:        l.newID(),
			Asset:     req.Asset,
			Kind:      req.Kind,
			Price:     req.Price,
			Size:      req.Size,
			Side:      req.Side,
			CreatedAt: now,
		}
		s.PendingOrders = append(s.PendingOrders, order)
		s.Orders = append(s.Orders, domain.HistoryRecord{
			ID:        l.newID(),
			OrderID:   order.ID,
			Asset:     order.Asset,
			Kind:      order.Kind,
			Price:     order.Price,
			Size:      order.Size,
			Side:      order.Side,
			Status:    domain.OrderStatusPending,
			CreatedAt: now,
		})
		return nil
	})
	if err != nil {
		return domain.ConditionalOrder{}, fmt.Errorf("ledger: place order: %w", err)
	}
	return order, nil
}

// CancelOrder removes a pending order and marks its history record cancelled.
func (l *Ledger) CancelOrder(ctx context.Context, id string) error {
	err := l.mutate(ctx, "order_cancelled", func(s *domain.LedgerState, now time.Time) error {
		idx := orderIndex(s.PendingOrders, id)
		if idx < 0 {
			return fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
		}
		s.PendingOrders = append(s.PendingOrders[:idx], s.PendingOrders[idx+1:]...)
		if h := pendingRecord(s.Orders, id); h != nil {
			return h.Transition(domain.OrderStatusCancelled, now)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: cancel order: %w", err)
	}
	return nil
}

// UpdateOrder edits a pending order in place. The order keeps its id, queue
// position and creation time.
func (l *Ledger) UpdateOrder(ctx context.Context, id string, edit domain.OrderEdit) (domain.ConditionalOrder, error) {
	if edit.Price != nil && !domain.ValidPrice(*edit.Price) {
		return domain.ConditionalOrder{}, fmt.Errorf("ledger: update order: %w", domain.ErrInvalidPrice)
	}
	if edit.Size != nil && !domain.ValidPrice(*edit.Size) {
		return domain.ConditionalOrder{}, fmt.Errorf("ledger: update order: %w: size must be positive", domain.ErrInvalidOrder)
	}

	var order domain.ConditionalOrder
	err := l.mutate(ctx, "order_updated", func(s *domain.LedgerState, now time.Time) error {
		idx := orderIndex(s.PendingOrders, id)
		if idx < 0 {
			return fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
		}
		o := &s.PendingOrders[idx]
		if edit.Price != nil {
			o.Price = *edit.Price
		}
		if edit.Size != nil {
			o.Size = *edit.Size
		}
		o.UpdatedAt = now
		if h := pendingRecord(s.Orders, id); h != nil {
			h.Price = o.Price
			h.Size = o.Size
		}
		order = *o
		return nil
	})
	if err != nil {
		return domain.ConditionalOrder{}, fmt.Errorf("ledger: update order: %w", err)
	}
	return order, nil
}

// AppendHistory adds an externally produced history record.
func (l *Ledger) AppendHistory(ctx context.Context, rec domain.HistoryRecord) (domain.HistoryRecord, error) {
	err := l.mutate(ctx, "history_appended", func(s *domain.LedgerState, now time.Time) error {
		if rec.ID == "" {
			rec.ID = l.newID()
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		if rec.Status == "" {
			rec.Status = domain.OrderStatusPending
		}
		s.Orders = append(s.Orders, rec)
		return nil
	})
	if err != nil {
		return domain.HistoryRecord{}, fmt.Errorf("ledger: append history: %w", err)
	}
	return rec, nil
}

// AppendActivity adds an externally produced activity record.
func (l *Ledger) AppendActivity(ctx context.Context, rec domain.ActivityRecord) (domain.ActivityRecord, error) {
	err := l.mutate(ctx, "activity_appended", func(s *domain.LedgerState, now time.Time) error {
		if rec.ID == "" {
			rec.ID = l.newID()
		}
		if rec.Timestamp.IsZero() {
			rec.Timestamp = now
		}
		s.Activities = append(s.Activities, rec)
		return nil
	})
	if err != nil {
		return domain.ActivityRecord{}, fmt.Errorf("ledger: append activity: %w", err)
	}
	return rec, nil
}

// ApplySnapshot evaluates triggers against prices. Fills and closures become
// visible only after the new state is persisted.
func (l *Ledger) ApplySnapshot(ctx context.Context, prices domain.PriceSnapshot) (trigger.Result, error) {
	l.mu.Lock()
	res := trigger.Evaluate(l.state, prices, l.now(), l.newID)
	if len(res.Skipped) > 0 {
		l.logger.WarnContext(ctx, "skipping assets with invalid prices",
			slog.Any("assets", res.Skipped),
		)
	}
	if !res.Changed() {
		l.mu.Unlock()
		return res, nil
	}
	if err := l.store.Save(ctx, l.cfg.StoreName, res.State); err != nil {
		l.mu.Unlock()
		return trigger.Result{}, fmt.Errorf("ledger: persist trigger result: %w", err)
	}
	l.state = res.State
	l.mu.Unlock()

	for _, f := range res.Fills {
		l.logger.InfoContext(ctx, "limit order filled",
			slog.String("order_id", f.Order.ID),
			slog.String("asset", f.Order.Asset),
			slog.String("side", string(f.Order.Side)),
			slog.Float64("target", f.Order.Price),
			slog.Float64("price", f.Price),
		)
		l.publish(ctx, "order_filled", f)
	}
	for _, c := range res.Closures {
		l.logger.InfoContext(ctx, "position closed by trigger",
			slog.String("position_id", c.Position.ID),
			slog.String("asset", c.Position.Asset),
			slog.String("reason", string(c.Reason)),
			slog.Float64("price", c.Price),
		)
		l.publish(ctx, "position_triggered", c)
		l.notify(ctx, c)
	}
	return res, nil
}

// Reconcile replaces the chain-sourced projection for account with the
// settlement ledger's view. asset names the market the projection belongs to.
// It reports whether the local state changed.
func (l *Ledger) Reconcile(ctx context.Context, asset string, chain domain.SettlementPosition) (bool, error) {
	err := l.mutate(ctx, "reconciled", func(s *domain.LedgerState, now time.Time) error {
		var local []domain.Position
		others := make([]domain.Position, 0, len(s.Positions))
		for _, p := range s.Positions {
			if p.Source == domain.PositionSourceChain && p.Account == chain.Account {
				local = append(local, p)
			} else {
				others = append(others, p)
			}
		}

		if !chain.Open() {
			if len(local) == 0 {
				return errUnchanged
			}
			s.Positions = others
			return nil
		}

		side := domain.SideSell
		if chain.IsLong {
			side = domain.SideBuy
		}
		size, _ := chain.Size.Float64()
		entry, _ := chain.EntryPrice.Float64()
		proj := domain.Position{
			ID:         l.newID(),
			Asset:      asset,
			EntryPrice: entry,
			Size:       size,
			Side:       side,
			Source:     domain.PositionSourceChain,
			Account:    chain.Account,
			OpenedAt:   now,
		}
		if len(local) > 0 {
			cur := local[0]
			if len(local) == 1 && cur.Asset == asset && cur.Size == size && cur.EntryPrice == entry && cur.Side == side {
				return errUnchanged
			}
			proj.ID = cur.ID
			proj.OpenedAt = cur.OpenedAt
			proj.PnL = cur.PnL
			proj.StopLoss = cur.StopLoss
			proj.TakeProfit = cur.TakeProfit
		}
		s.Positions = append(others, proj)
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger: reconcile %s: %w", chain.Account, err)
	}
	return true, nil
}

var errUnchanged = errors.New("unchanged")

// mutate applies fn to a copy of the state, persists it and swaps it in.
// Errors from fn or from the store leave the visible state untouched.
func (l *Ledger) mutate(ctx context.Context, event string, fn func(*domain.LedgerState, time.Time) error) error {
	l.mu.Lock()
	now := l.now()
	next := l.state.Clone()
	if err := fn(&next, now); err != nil {
		l.mu.Unlock()
		return err
	}
	next.UpdatedAt = now
	if err := l.store.Save(ctx, l.cfg.StoreName, next); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("persist: %w", err)
	}
	l.state = next
	l.mu.Unlock()

	l.publish(ctx, event, map[string]any{"updated_at": now})
	if l.audit != nil {
		if err := l.audit.Log(ctx, "ledger."+event, map[string]any{"updated_at": now}); err != nil {
			l.logger.WarnContext(ctx, "audit log failed",
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (l *Ledger) updatePosition(ctx context.Context, event, id string, fn func(*domain.Position) error) error {
	return l.mutate(ctx, event, func(s *domain.LedgerState, _ time.Time) error {
		idx := positionIndex(s.Positions, id)
		if idx < 0 {
			return fmt.Errorf("position %s: %w", id, domain.ErrNotFound)
		}
		return fn(&s.Positions[idx])
	})
}

func (l *Ledger) checkThresholds(ctx context.Context, p domain.Position) error {
	err := p.CheckThresholds()
	if err == nil {
		return nil
	}
	if l.cfg.StrictThresholds {
		return err
	}
	l.logger.WarnContext(ctx, "threshold on unexpected side of entry",
		slog.String("position_id", p.ID),
		slog.String("error", err.Error()),
	)
	return nil
}

func (l *Ledger) publish(ctx context.Context, event string, data any) {
	if l.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{"event": event, "data": data})
	if err != nil {
		return
	}
	if err := l.bus.Publish(ctx, domain.ChannelLedger, payload); err != nil {
		l.logger.WarnContext(ctx, "publish ledger event failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (l *Ledger) notify(ctx context.Context, c trigger.Closure) {
	if l.notifier == nil {
		return
	}
	title := fmt.Sprintf("%s hit on %s", c.Reason, c.Position.Asset)
	msg := fmt.Sprintf("Position %s (%s %.4g @ %.4g) closed at %.4g",
		c.Position.ID, c.Position.Side, c.Position.Size, c.Position.EntryPrice, c.Price)
	if err := l.notifier.Notify(ctx, "trigger", title, msg); err != nil {
		l.logger.WarnContext(ctx, "trigger notification failed", slog.String("error", err.Error()))
	}
}

func positionIndex(ps []domain.Position, id string) int {
	for i := range ps {
		if ps[i].ID == id {
			return i
		}
	}
	return -1
}

func orderIndex(os []domain.ConditionalOrder, id string) int {
	for i := range os {
		if os[i].ID == id {
			return i
		}
	}
	return -1
}

func pendingRecord(hs []domain.HistoryRecord, orderID string) *domain.HistoryRecord {
	for i := range hs {
		if hs[i].OrderID == orderID && hs[i].Status == domain.OrderStatusPending {
			return &hs[i]
		}
	}
	return nil
}
