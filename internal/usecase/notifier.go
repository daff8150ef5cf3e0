package usecase

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradecore/order_engine/internal/domain"
)

// OrderListener receives order-status-changed events.
type OrderListener func(domain.OrderEvent)

// PositionListener receives position-opened/closed/updated events.
type PositionListener func(domain.PositionEvent)

// Notifier fans lifecycle and position events out to registered listeners.
// Delivery is synchronous and in-process: events for the same order or
// position are delivered in the order they were emitted. A panicking
// listener is recovered and logged so it never aborts the emitting
// operation.
type Notifier struct {
	mu                sync.RWMutex
	orderListeners    []OrderListener
	positionListeners []PositionListener
	logger            *zap.Logger
}

func NewNotifier(logger *zap.Logger) *Notifier {
	return &Notifier{logger: logger}
}

// SubscribeOrders registers a listener for order-status-changed events.
func (n *Notifier) SubscribeOrders(l OrderListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.orderListeners = append(n.orderListeners, l)
}

// SubscribePositions registers a listener for position events.
func (n *Notifier) SubscribePositions(l PositionListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.positionListeners = append(n.positionListeners, l)
}

// PublishOrder delivers an order-status-changed event to all listeners.
func (n *Notifier) PublishOrder(ev domain.OrderEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	n.mu.RLock()
	listeners := make([]OrderListener, len(n.orderListeners))
	copy(listeners, n.orderListeners)
	n.mu.RUnlock()

	for _, l := range listeners {
		n.deliverOrder(l, ev)
	}
}

// PublishPosition delivers a position event to all listeners.
func (n *Notifier) PublishPosition(ev domain.PositionEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	n.mu.RLock()
	listeners := make([]PositionListener, len(n.positionListeners))
	copy(listeners, n.positionListeners)
	n.mu.RUnlock()

	for _, l := range listeners {
		n.deliverPosition(l, ev)
	}
}

func (n *Notifier) deliverOrder(l OrderListener, ev domain.OrderEvent) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Order listener panicked",
				zap.Any("panic", r),
				zap.String("event", string(ev.Type)),
				zap.String("order_id", ev.Order.ID))
		}
	}()
	l(ev)
}

func (n *Notifier) deliverPosition(l PositionListener, ev domain.PositionEvent) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Position listener panicked",
				zap.Any("panic", r),
				zap.String("event", string(ev.Type)),
				zap.String("symbol", ev.Position.Symbol))
		}
	}()
	l(ev)
}
