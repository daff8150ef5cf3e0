package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tradecore/order_engine/internal/domain"
)

// Engine wires the order service, position tracker and reconciler around a
// single broker and store. They share one key mutex so that every path that
// touches an order serializes on its client order id.
type Engine struct {
	Orders     *OrderService
	Tracker    *PositionTracker
	Reconciler *Reconciler
	Notifier   *Notifier
}

func NewEngine(
	repo domain.OrderRepository,
	broker domain.Broker,
	settings domain.RiskSettings,
	cfg OrderServiceConfig,
	logger *zap.Logger,
) *Engine {
	keys := newKeyMutex()
	notifier := NewNotifier(logger)
	tracker := NewPositionTracker(broker, settings, notifier, logger)
	reconciler := NewReconciler(repo, broker, notifier, tracker, keys, logger)
	risk := NewRiskEvaluator(settings)
	orders := NewOrderService(repo, broker, risk, tracker, notifier, reconciler, keys, logger, cfg)

	return &Engine{
		Orders:     orders,
		Tracker:    tracker,
		Reconciler: reconciler,
		Notifier:   notifier,
	}
}

// Run starts the reconciliation sweep and the position price refresh loops
// and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, sweepInterval, refreshInterval time.Duration) {
	done := make(chan struct{})
	go func() {
		e.Reconciler.Run(ctx, sweepInterval)
		close(done)
	}()
	e.Tracker.Run(ctx, refreshInterval)
	<-done
}
