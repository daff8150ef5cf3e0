package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// PlaceOrderRequest carries everything a broker needs to submit an order.
// ClientOrderID is passed through so exchanges that support client order ids
// enforce the same idempotency key as the engine.
type PlaceOrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal
	StrategyID    string
}

// BrokerOrder is the broker's view of an order. Status uses the engine's
// shared vocabulary; every implementation maps its wire statuses onto it.
type BrokerOrder struct {
	ExchangeOrderID string
	Symbol          string
	Status          OrderStatus
	FilledQuantity  decimal.Decimal
	AvgFillPrice    *decimal.Decimal
}

// Broker is the capability contract against the external exchange. Exactly
// one implementation is active per process, injected at startup.
type Broker interface {
	Name() string
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*BrokerOrder, error)
	CancelOrder(ctx context.Context, exchangeOrderID, symbol string) (*BrokerOrder, error)
	GetOrderStatus(ctx context.Context, exchangeOrderID, symbol string) (*BrokerOrder, error)
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetBalance(ctx context.Context, currency string) (decimal.Decimal, error)
}

// OrderRepository is the durable order store. Orders are never deleted;
// they only transition to a terminal state.
type OrderRepository interface {
	Create(ctx context.Context, order *Order) error
	Update(ctx context.Context, order *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
	GetByClientOrderID(ctx context.Context, clientOrderID string) (*Order, error)
	GetActiveOrders(ctx context.Context) ([]*Order, error)
}

// PositionHistoryRepository records closed positions for later analysis.
type PositionHistoryRepository interface {
	SavePositionHistory(ctx context.Context, history *PositionHistory) error
	ListPositionHistory(ctx context.Context, limit int) ([]*PositionHistory, error)
}
