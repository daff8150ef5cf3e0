package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tradecore/order_engine/internal/domain"
)

// FillHandler consumes the "transitioned into Filled" signal. The position
// tracker implements it; tests substitute their own.
type FillHandler interface {
	OnFill(ctx context.Context, order *domain.Order)
}

// Reconciler re-reads authoritative order state from the broker and applies
// any status or filled-quantity diff to the store. It is the source of
// truth after partial failure: a submission with unknown outcome is resolved
// here, never assumed to have failed or succeeded. Fill consequences are
// delegated to the FillHandler, invoked exactly once per transition into
// Filled.
type Reconciler struct {
	repo     domain.OrderRepository
	broker   domain.Broker
	notifier *Notifier
	fills    FillHandler
	keys     *keyMutex
	logger   *zap.Logger
}

func NewReconciler(repo domain.OrderRepository, broker domain.Broker, notifier *Notifier, fills FillHandler, keys *keyMutex, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		repo:     repo,
		broker:   broker,
		notifier: notifier,
		fills:    fills,
		keys:     keys,
		logger:   logger,
	}
}

// Reconcile refreshes one order against the broker. Terminal orders are
// returned untouched. The per-key lock serializes this with concurrent
// submissions and cancels for the same order.
func (r *Reconciler) Reconcile(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := r.repo.GetByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", orderID, err)
	}
	if order == nil {
		return nil, &domain.NotFoundError{OrderID: orderID}
	}

	unlock := r.keys.Lock(order.ClientOrderID)
	defer unlock()

	// Re-read under the lock: a concurrent reconcile may have finished it.
	order, err = r.repo.GetByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", orderID, err)
	}
	return r.reconcileLocked(ctx, order)
}

func (r *Reconciler) reconcileLocked(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	if order.Status.IsTerminal() {
		return order, nil
	}

	// Orders whose submission timed out have no exchange id yet; both broker
	// implementations resolve the client order id as well, so the sweep can
	// settle unknown-outcome submissions either way.
	lookupID := order.ExchangeOrderID
	if lookupID == "" {
		lookupID = order.ClientOrderID
	}

	remote, err := r.broker.GetOrderStatus(ctx, lookupID, order.Symbol)
	if err != nil {
		var nf *domain.NotFoundError
		if errors.As(err, &nf) && order.ExchangeOrderID == "" {
			// The exchange has never seen this key: the submission died
			// before acceptance.
			return r.finishRejected(ctx, order, "submission never reached the exchange")
		}
		return order, &domain.BrokerError{Op: "GetOrderStatus", Accepted: true, Err: err}
	}

	idResolved := order.ExchangeOrderID == "" && remote.ExchangeOrderID != ""
	if idResolved {
		order.ExchangeOrderID = remote.ExchangeOrderID
	}

	statusChanged := remote.Status != order.Status
	fillChanged := !remote.FilledQuantity.Equal(order.FilledQuantity)
	if !statusChanged && !fillChanged {
		if idResolved {
			order.UpdatedAt = time.Now()
			if err := r.repo.Update(ctx, order); err != nil {
				return order, fmt.Errorf("persist reconciled order %s: %w", order.ID, err)
			}
		}
		return order, nil
	}

	prev := order.Status
	order.Status = remote.Status
	// FilledQuantity is clamped so the filled <= quantity invariant survives
	// a misbehaving broker response.
	if remote.FilledQuantity.GreaterThan(order.Quantity) {
		order.FilledQuantity = order.Quantity
	} else {
		order.FilledQuantity = remote.FilledQuantity
	}
	if remote.AvgFillPrice != nil && !remote.AvgFillPrice.IsZero() {
		v := *remote.AvgFillPrice
		order.AvgFillPrice = &v
	}
	now := time.Now()
	order.UpdatedAt = now
	if order.Status.IsTerminal() && order.ClosedAt == nil {
		order.ClosedAt = &now
	}

	if err := r.repo.Update(ctx, order); err != nil {
		return order, fmt.Errorf("persist reconciled order %s: %w", order.ID, err)
	}

	r.logger.Info("Order reconciled",
		zap.String("order_id", order.ID),
		zap.String("from", string(prev)),
		zap.String("to", string(order.Status)),
		zap.String("filled", order.FilledQuantity.String()))

	r.notifier.PublishOrder(domain.OrderEvent{
		Type:           domain.EventOrderStatusChanged,
		Order:          order.Clone(),
		PreviousStatus: prev,
	})

	// Exactly once per transition into Filled: prev was checked above to
	// differ, and terminal states never leave Filled again.
	if order.Status == domain.OrderStatusFilled && prev != domain.OrderStatusFilled {
		r.fills.OnFill(ctx, order.Clone())
	}

	return order, nil
}

func (r *Reconciler) finishRejected(ctx context.Context, order *domain.Order, reason string) (*domain.Order, error) {
	prev := order.Status
	now := time.Now()
	order.Status = domain.OrderStatusRejected
	order.SetMetadata("reject_reason", reason)
	order.UpdatedAt = now
	order.ClosedAt = &now

	if err := r.repo.Update(ctx, order); err != nil {
		return order, fmt.Errorf("persist rejected order %s: %w", order.ID, err)
	}

	r.logger.Warn("Order rejected during reconciliation",
		zap.String("order_id", order.ID),
		zap.String("reason", reason))

	r.notifier.PublishOrder(domain.OrderEvent{
		Type:           domain.EventOrderStatusChanged,
		Order:          order.Clone(),
		PreviousStatus: prev,
	})
	return order, nil
}

// Sweep reconciles every non-terminal order once. Failures are logged as
// reconciliation errors and retried on the next sweep; they are never
// surfaced to a caller.
func (r *Reconciler) Sweep(ctx context.Context) {
	active, err := r.repo.GetActiveOrders(ctx)
	if err != nil {
		r.logger.Error("Failed to list active orders for sweep", zap.Error(err))
		return
	}

	for _, order := range active {
		if _, err := r.Reconcile(ctx, order.ID); err != nil {
			recErr := &domain.ReconciliationError{OrderID: order.ID, Err: err}
			r.logger.Warn("Sweep reconciliation failed", zap.Error(recErr))
		}
	}
}

// Run executes the sweep on a timer until the context is cancelled. Every
// non-terminal order is visited at a bounded interval; no order remains
// silently unresolved.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}
