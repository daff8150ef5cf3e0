package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradecore/order_engine/internal/domain"
)

// OrderServiceConfig tunes the lifecycle manager's timing behavior.
type OrderServiceConfig struct {
	// QuoteCurrency is the balance currency consulted by the risk checks.
	QuoteCurrency string
	// BrokerTimeout bounds every broker call issued during submission.
	BrokerTimeout time.Duration
	// MarketFillWait is the bounded pause before the immediate post-submit
	// reconciliation of Market orders, which frequently fill synchronously.
	MarketFillWait time.Duration
}

func DefaultOrderServiceConfig() OrderServiceConfig {
	return OrderServiceConfig{
		QuoteCurrency:  "USDT",
		BrokerTimeout:  10 * time.Second,
		MarketFillWait: 500 * time.Millisecond,
	}
}

// OrderService owns order submission, idempotency enforcement and
// cancellation. Operations on one order are serialized by its client order
// id: concurrent duplicate submissions resolve to a single winner and the
// losers observe the winner's stored result.
type OrderService struct {
	repo       domain.OrderRepository
	broker     domain.Broker
	risk       *RiskEvaluator
	tracker    *PositionTracker
	notifier   *Notifier
	reconciler *Reconciler
	keys       *keyMutex
	logger     *zap.Logger
	cfg        OrderServiceConfig
}

func NewOrderService(
	repo domain.OrderRepository,
	broker domain.Broker,
	risk *RiskEvaluator,
	tracker *PositionTracker,
	notifier *Notifier,
	reconciler *Reconciler,
	keys *keyMutex,
	logger *zap.Logger,
	cfg OrderServiceConfig,
) *OrderService {
	if cfg.QuoteCurrency == "" {
		cfg.QuoteCurrency = "USDT"
	}
	if cfg.BrokerTimeout <= 0 {
		cfg.BrokerTimeout = 10 * time.Second
	}
	return &OrderService{
		repo:       repo,
		broker:     broker,
		risk:       risk,
		tracker:    tracker,
		notifier:   notifier,
		reconciler: reconciler,
		keys:       keys,
		logger:     logger,
		cfg:        cfg,
	}
}

// SubmitOrder validates, persists and places an order. Submission is
// at-most-once per client order id regardless of retries: a key that has
// been seen before returns the stored order unchanged and makes no broker
// call.
func (s *OrderService) SubmitOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	if order.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, &domain.ValidationError{Reason: "Order quantity must be positive"}
	}
	if order.Symbol == "" {
		return nil, &domain.ValidationError{Reason: "Order symbol is required"}
	}
	if order.Side != domain.SideBuy && order.Side != domain.SideSell {
		return nil, &domain.ValidationError{Reason: fmt.Sprintf("Unknown order side %q", order.Side)}
	}

	if order.ClientOrderID == "" {
		order.ClientOrderID = uuid.NewString()
	}
	if order.Exchange == "" {
		order.Exchange = s.broker.Name()
	}

	unlock := s.keys.Lock(order.ClientOrderID)
	defer unlock()

	existing, err := s.repo.GetByClientOrderID(ctx, order.ClientOrderID)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup for %s: %w", order.ClientOrderID, err)
	}
	if existing != nil {
		s.logger.Info("Duplicate submission short-circuited",
			zap.String("client_order_id", order.ClientOrderID),
			zap.String("order_id", existing.ID))
		return existing, nil
	}

	now := time.Now()
	order.ID = uuid.NewString()
	order.Status = domain.OrderStatusPending
	order.FilledQuantity = decimal.Zero
	order.CreatedAt = now
	order.UpdatedAt = now

	if err := s.repo.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("persist order %s: %w", order.ID, err)
	}

	if err := s.evaluateRisk(ctx, order); err != nil {
		var vErr *domain.ValidationError
		if errors.As(err, &vErr) {
			return s.rejectLocked(ctx, order, vErr.Reason, vErr)
		}
		return s.rejectLocked(ctx, order, err.Error(), err)
	}

	placeCtx, cancel := context.WithTimeout(ctx, s.cfg.BrokerTimeout)
	defer cancel()

	placed, err := s.broker.PlaceOrder(placeCtx, domain.PlaceOrderRequest{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Quantity:      order.Quantity,
		LimitPrice:    order.LimitPrice,
		StopPrice:     order.StopPrice,
		StrategyID:    order.StrategyID,
	})
	if err != nil {
		if placeCtx.Err() != nil {
			// Unknown outcome: the exchange may have accepted the order.
			// Leave it non-terminal; the reconciliation sweep resolves it.
			order.SetMetadata("submit_outcome", "unknown")
			order.UpdatedAt = time.Now()
			if uerr := s.repo.Update(ctx, order); uerr != nil {
				s.logger.Error("Failed to persist unknown-outcome order",
					zap.Error(uerr), zap.String("order_id", order.ID))
			}
			s.logger.Warn("Order submission timed out, outcome unknown",
				zap.String("order_id", order.ID),
				zap.String("client_order_id", order.ClientOrderID))
			return order, &domain.BrokerError{Op: "PlaceOrder", Accepted: true, Err: err}
		}
		brokerErr := &domain.BrokerError{Op: "PlaceOrder", Err: err}
		return s.rejectLocked(ctx, order, err.Error(), brokerErr)
	}

	prev := order.Status
	submitted := time.Now()
	order.ExchangeOrderID = placed.ExchangeOrderID
	order.Status = domain.OrderStatusOpen
	order.SubmittedAt = &submitted
	order.UpdatedAt = submitted

	if err := s.repo.Update(ctx, order); err != nil {
		// The broker call succeeded; the sweep re-derives correct state from
		// the exchange even if this write is lost.
		s.logger.Error("Failed to persist submitted order",
			zap.Error(err), zap.String("order_id", order.ID))
	}

	s.logger.Info("Order submitted",
		zap.String("order_id", order.ID),
		zap.String("exchange_order_id", order.ExchangeOrderID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("quantity", order.Quantity.String()))

	s.notifier.PublishOrder(domain.OrderEvent{
		Type:           domain.EventOrderStatusChanged,
		Order:          order.Clone(),
		PreviousStatus: prev,
	})

	if order.Type == domain.OrderTypeMarket {
		s.awaitMarketFill(ctx)
		reconciled, rerr := s.reconciler.reconcileLocked(ctx, order)
		if rerr != nil {
			s.logger.Warn("Post-submit reconciliation failed, sweep will retry",
				zap.Error(rerr), zap.String("order_id", order.ID))
			return order, nil
		}
		return reconciled, nil
	}

	return order, nil
}

func (s *OrderService) awaitMarketFill(ctx context.Context) {
	if s.cfg.MarketFillWait <= 0 {
		return
	}
	select {
	case <-time.After(s.cfg.MarketFillWait):
	case <-ctx.Done():
	}
}

func (s *OrderService) evaluateRisk(ctx context.Context, order *domain.Order) error {
	balanceCtx, cancel := context.WithTimeout(ctx, s.cfg.BrokerTimeout)
	defer cancel()

	balance, err := s.broker.GetBalance(balanceCtx, s.cfg.QuoteCurrency)
	if err != nil {
		return &domain.BrokerError{Op: "GetBalance", Err: err}
	}

	marketPrice := decimal.Zero
	if order.LimitPrice == nil || order.LimitPrice.IsZero() {
		marketPrice, err = s.broker.GetCurrentPrice(balanceCtx, order.Symbol)
		if err != nil {
			return &domain.BrokerError{Op: "GetCurrentPrice", Err: err}
		}
	}

	return s.risk.Evaluate(order, balance, marketPrice, s.tracker.List())
}

func (s *OrderService) rejectLocked(ctx context.Context, order *domain.Order, reason string, cause error) (*domain.Order, error) {
	now := time.Now()
	order.Status = domain.OrderStatusRejected
	order.SetMetadata("reject_reason", reason)
	order.UpdatedAt = now
	order.ClosedAt = &now

	if err := s.repo.Update(ctx, order); err != nil {
		s.logger.Error("Failed to persist rejected order",
			zap.Error(err), zap.String("order_id", order.ID))
	}

	s.logger.Warn("Order rejected",
		zap.String("order_id", order.ID),
		zap.String("symbol", order.Symbol),
		zap.String("reason", reason))

	s.notifier.PublishOrder(domain.OrderEvent{
		Type:           domain.EventOrderStatusChanged,
		Order:          order.Clone(),
		PreviousStatus: domain.OrderStatusPending,
	})

	return order, cause
}

// CancelOrder cancels a non-terminal order on the exchange and marks it
// Cancelled. Cancelling an order already in a terminal state is a no-op
// that returns the order as stored. An order whose submission outcome is
// still unknown is reconciled against the exchange first, so the cancel
// acts on what the exchange reports rather than on an assumption.
func (s *OrderService) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.repo.GetByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", orderID, err)
	}
	if order == nil {
		return nil, &domain.NotFoundError{OrderID: orderID}
	}

	unlock := s.keys.Lock(order.ClientOrderID)
	defer unlock()

	order, err = s.repo.GetByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", orderID, err)
	}
	if order.Status.IsTerminal() {
		return order, nil
	}

	if order.ExchangeOrderID == "" {
		// The submission outcome is unknown: the exchange may hold a live
		// order under this client order id. Resolve it before deciding, so a
		// cancel never buries an order the exchange actually accepted.
		reconciled, rerr := s.reconciler.reconcileLocked(ctx, order)
		if rerr != nil {
			return order, rerr
		}
		order = reconciled
		if order.Status.IsTerminal() {
			return order, nil
		}
	}

	if order.ExchangeOrderID != "" {
		cancelCtx, cancel := context.WithTimeout(ctx, s.cfg.BrokerTimeout)
		defer cancel()
		if _, err := s.broker.CancelOrder(cancelCtx, order.ExchangeOrderID, order.Symbol); err != nil {
			return order, &domain.BrokerError{Op: "CancelOrder", Accepted: true, Err: err}
		}
	}

	prev := order.Status
	now := time.Now()
	order.Status = domain.OrderStatusCancelled
	order.UpdatedAt = now
	order.ClosedAt = &now

	if err := s.repo.Update(ctx, order); err != nil {
		return order, fmt.Errorf("persist cancelled order %s: %w", order.ID, err)
	}

	s.logger.Info("Order cancelled",
		zap.String("order_id", order.ID),
		zap.String("symbol", order.Symbol))

	s.notifier.PublishOrder(domain.OrderEvent{
		Type:           domain.EventOrderStatusChanged,
		Order:          order.Clone(),
		PreviousStatus: prev,
	})

	return order, nil
}

// GetOrderStatus returns the order, reconciling it against the broker first
// when it is still non-terminal. Terminal orders are served from the store
// without a network call.
func (s *OrderService) GetOrderStatus(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.repo.GetByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", orderID, err)
	}
	if order == nil {
		return nil, &domain.NotFoundError{OrderID: orderID}
	}
	if order.Status.IsTerminal() {
		return order, nil
	}

	reconciled, err := s.reconciler.Reconcile(ctx, orderID)
	if err != nil {
		s.logger.Warn("Status reconciliation failed, returning stored state",
			zap.Error(err), zap.String("order_id", orderID))
		return order, nil
	}
	return reconciled, nil
}

// ValidateOrder runs the risk checks only; nothing is persisted and no
// broker order is placed.
func (s *OrderService) ValidateOrder(ctx context.Context, order *domain.Order) error {
	if order.Quantity.LessThanOrEqual(decimal.Zero) {
		return &domain.ValidationError{Reason: "Order quantity must be positive"}
	}
	return s.evaluateRisk(ctx, order)
}

// QuoteCurrency returns the default balance currency consulted when a
// caller does not name one.
func (s *OrderService) QuoteCurrency() string {
	return s.cfg.QuoteCurrency
}

// GetBalance returns the account balance for a currency.
func (s *OrderService) GetBalance(ctx context.Context, currency string) (decimal.Decimal, error) {
	if currency == "" {
		currency = s.cfg.QuoteCurrency
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.BrokerTimeout)
	defer cancel()

	balance, err := s.broker.GetBalance(ctx, currency)
	if err != nil {
		return decimal.Zero, &domain.BrokerError{Op: "GetBalance", Err: err}
	}
	return balance, nil
}
