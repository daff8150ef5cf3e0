package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradecore/order_engine/internal/domain"
)

// PositionTracker owns the in-memory map of open positions, keyed by
// (exchange, symbol). It is the only engine-owned mutable shared state and
// is exposed solely through these methods. Mutations for one key are
// serialized by a per-key lock; the map mutex is never held across a broker
// call.
type PositionTracker struct {
	broker   domain.Broker
	settings domain.RiskSettings
	notifier *Notifier
	logger   *zap.Logger

	keys      *keyMutex
	mu        sync.RWMutex
	positions map[string]*domain.Position
}

func NewPositionTracker(broker domain.Broker, settings domain.RiskSettings, notifier *Notifier, logger *zap.Logger) *PositionTracker {
	return &PositionTracker{
		broker:    broker,
		settings:  settings,
		notifier:  notifier,
		logger:    logger,
		keys:      newKeyMutex(),
		positions: make(map[string]*domain.Position),
	}
}

func positionKey(exchange, symbol string) string {
	return exchange + "/" + symbol
}

// OnFill reacts to an order's transition into Filled. A Buy fill opens (or
// wholesale-replaces) the position for its key; a Sell fill removes the
// position and reports the realized P&L captured at removal. Partial closes
// and entry-price averaging are deliberately not modeled.
func (t *PositionTracker) OnFill(ctx context.Context, order *domain.Order) {
	key := positionKey(order.Exchange, order.Symbol)

	func() {
		unlock := t.keys.Lock(key)
		defer unlock()

		if order.Side == domain.SideBuy {
			t.openFromFill(ctx, key, order)
			return
		}
		t.closeFromFill(key, order)
	}()

	// Every fill moves the market the tracker cares about; bring the other
	// positions' marks up to date as well. The key lock is released first,
	// the refresh re-acquires it per key.
	t.RefreshPrices(ctx)
}

func (t *PositionTracker) openFromFill(ctx context.Context, key string, order *domain.Order) {
	entry := t.fillPrice(ctx, order)
	if entry.IsZero() {
		t.logger.Warn("Buy fill without a usable price, position not opened",
			zap.String("order_id", order.ID),
			zap.String("symbol", order.Symbol))
		return
	}

	now := time.Now()
	pos := &domain.Position{
		ID:           uuid.NewString(),
		Exchange:     order.Exchange,
		Symbol:       order.Symbol,
		Side:         domain.SideBuy,
		Quantity:     order.FilledQuantity,
		EntryPrice:   entry,
		CurrentPrice: entry,
		StrategyID:   order.StrategyID,
		OpenOrderID:  order.ID,
		OpenedAt:     now,
		UpdatedAt:    now,
	}
	if pct := t.settings.DefaultStopLossPercent; pct.IsPositive() {
		sl := entry.Mul(decimal.NewFromInt(1).Sub(pct.Div(hundred)))
		pos.StopLoss = &sl
	}
	if pct := t.settings.DefaultTakeProfitPercent; pct.IsPositive() {
		tp := entry.Mul(decimal.NewFromInt(1).Add(pct.Div(hundred)))
		pos.TakeProfit = &tp
	}

	t.mu.Lock()
	t.positions[key] = pos
	t.mu.Unlock()

	t.logger.Info("Position opened",
		zap.String("exchange", pos.Exchange),
		zap.String("symbol", pos.Symbol),
		zap.String("quantity", pos.Quantity.String()),
		zap.String("entry_price", pos.EntryPrice.String()))

	t.notifier.PublishPosition(domain.PositionEvent{
		Type:     domain.EventPositionOpened,
		Position: pos.Clone(),
	})
}

func (t *PositionTracker) closeFromFill(key string, order *domain.Order) {
	t.mu.Lock()
	pos, ok := t.positions[key]
	if ok {
		delete(t.positions, key)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Warn("Sell fill with no tracked position",
			zap.String("order_id", order.ID),
			zap.String("symbol", order.Symbol))
		return
	}

	exit := pos.CurrentPrice
	if order.AvgFillPrice != nil && !order.AvgFillPrice.IsZero() {
		exit = *order.AvgFillPrice
	} else if order.LimitPrice != nil && !order.LimitPrice.IsZero() {
		exit = *order.LimitPrice
	}

	snapshot := pos.Clone()
	snapshot.CurrentPrice = exit
	snapshot.UpdatedAt = time.Now()
	realized := snapshot.UnrealizedPnL()

	t.logger.Info("Position closed",
		zap.String("exchange", snapshot.Exchange),
		zap.String("symbol", snapshot.Symbol),
		zap.String("exit_price", exit.String()),
		zap.String("realized_pnl", realized.String()))

	t.notifier.PublishPosition(domain.PositionEvent{
		Type:        domain.EventPositionClosed,
		Position:    snapshot,
		RealizedPnL: &realized,
	})
}

// fillPrice resolves the entry price for a Buy fill: average fill price,
// then limit price, then a live quote as a last resort.
func (t *PositionTracker) fillPrice(ctx context.Context, order *domain.Order) decimal.Decimal {
	if order.AvgFillPrice != nil && !order.AvgFillPrice.IsZero() {
		return *order.AvgFillPrice
	}
	if order.LimitPrice != nil && !order.LimitPrice.IsZero() {
		return *order.LimitPrice
	}
	price, err := t.broker.GetCurrentPrice(ctx, order.Symbol)
	if err != nil {
		t.logger.Warn("Failed to fetch price for fill",
			zap.Error(err), zap.String("symbol", order.Symbol))
		return decimal.Zero
	}
	return price
}

// RefreshPrices fetches the current price for every tracked position,
// updates it, emits position-updated and evaluates the SL/TP flags for
// observability. Breaches are flagged, never acted on: closing is a
// strategy decision that arrives as a new Sell order.
func (t *PositionTracker) RefreshPrices(ctx context.Context) {
	t.mu.RLock()
	keys := make([]string, 0, len(t.positions))
	symbols := make(map[string]string, len(t.positions))
	for k, p := range t.positions {
		keys = append(keys, k)
		symbols[k] = p.Symbol
	}
	t.mu.RUnlock()

	for _, key := range keys {
		price, err := t.broker.GetCurrentPrice(ctx, symbols[key])
		if err != nil {
			t.logger.Warn("Price refresh failed",
				zap.Error(err), zap.String("symbol", symbols[key]))
			continue
		}
		if price.IsZero() {
			continue
		}

		unlock := t.keys.Lock(key)

		t.mu.Lock()
		pos, ok := t.positions[key]
		if !ok {
			t.mu.Unlock()
			unlock()
			continue
		}
		pos.CurrentPrice = price
		pos.UpdatedAt = time.Now()
		snapshot := pos.Clone()
		t.mu.Unlock()

		t.notifier.PublishPosition(domain.PositionEvent{
			Type:     domain.EventPositionUpdated,
			Position: snapshot,
		})
		unlock()

		if snapshot.StopLossHit() {
			t.logger.Warn("Stop loss breached",
				zap.String("symbol", snapshot.Symbol),
				zap.String("current_price", snapshot.CurrentPrice.String()),
				zap.String("stop_loss", snapshot.StopLoss.String()))
		}
		if snapshot.TakeProfitHit() {
			t.logger.Info("Take profit reached",
				zap.String("symbol", snapshot.Symbol),
				zap.String("current_price", snapshot.CurrentPrice.String()),
				zap.String("take_profit", snapshot.TakeProfit.String()))
		}
	}
}

// Run refreshes prices on a timer until the context is cancelled.
func (t *PositionTracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.RefreshPrices(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// List returns snapshots of all open positions.
func (t *PositionTracker) List() []*domain.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*domain.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p.Clone())
	}
	return out
}

// Get returns a snapshot of the position for (exchange, symbol), or nil.
func (t *PositionTracker) Get(exchange, symbol string) *domain.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if p, ok := t.positions[positionKey(exchange, symbol)]; ok {
		return p.Clone()
	}
	return nil
}
