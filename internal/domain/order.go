package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

type OrderType string

const (
	OrderTypeMarket     OrderType = "Market"
	OrderTypeLimit      OrderType = "Limit"
	OrderTypeStopLoss   OrderType = "StopLoss"
	OrderTypeStopLimit  OrderType = "StopLimit"
	OrderTypeTakeProfit OrderType = "TakeProfit"
)

type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "Pending"
	OrderStatusOpen            OrderStatus = "Open"
	OrderStatusPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderStatusFilled          OrderStatus = "Filled"
	OrderStatusCancelled       OrderStatus = "Cancelled"
	OrderStatusRejected        OrderStatus = "Rejected"
	OrderStatusExpired         OrderStatus = "Expired"
)

// IsTerminal reports whether the status is absorbing: once an order reaches
// a terminal status no further mutation is permitted.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Order is a request to buy or sell a fixed quantity of a symbol on a given
// exchange. ClientOrderID is the caller-supplied idempotency key: submitting
// the same key twice must never create a second order.
type Order struct {
	ID              string            `json:"id"`
	ClientOrderID   string            `json:"client_order_id"`
	ExchangeOrderID string            `json:"exchange_order_id,omitempty"`
	Exchange        string            `json:"exchange"`
	Symbol          string            `json:"symbol"`
	Side            Side              `json:"side"`
	Type            OrderType         `json:"type"`
	Status          OrderStatus       `json:"status"`
	Quantity        decimal.Decimal   `json:"quantity"`
	FilledQuantity  decimal.Decimal   `json:"filled_quantity"`
	LimitPrice      *decimal.Decimal  `json:"limit_price,omitempty"`
	StopPrice       *decimal.Decimal  `json:"stop_price,omitempty"`
	AvgFillPrice    *decimal.Decimal  `json:"avg_fill_price,omitempty"`
	StrategyID      string            `json:"strategy_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	SubmittedAt     *time.Time        `json:"submitted_at,omitempty"`
	ClosedAt        *time.Time        `json:"closed_at,omitempty"`
}

// RemainingQuantity returns the unfilled part of the order.
func (o *Order) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// ReferencePrice returns the price used for notional calculations: the limit
// price when present, otherwise the supplied market price.
func (o *Order) ReferencePrice(marketPrice decimal.Decimal) decimal.Decimal {
	if o.LimitPrice != nil && !o.LimitPrice.IsZero() {
		return *o.LimitPrice
	}
	return marketPrice
}

// SetMetadata initializes the metadata map lazily and stores the pair.
func (o *Order) SetMetadata(key, value string) {
	if o.Metadata == nil {
		o.Metadata = make(map[string]string)
	}
	o.Metadata[key] = value
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (o *Order) Clone() *Order {
	cp := *o
	if o.LimitPrice != nil {
		v := *o.LimitPrice
		cp.LimitPrice = &v
	}
	if o.StopPrice != nil {
		v := *o.StopPrice
		cp.StopPrice = &v
	}
	if o.AvgFillPrice != nil {
		v := *o.AvgFillPrice
		cp.AvgFillPrice = &v
	}
	if o.SubmittedAt != nil {
		t := *o.SubmittedAt
		cp.SubmittedAt = &t
	}
	if o.ClosedAt != nil {
		t := *o.ClosedAt
		cp.ClosedAt = &t
	}
	if o.Metadata != nil {
		cp.Metadata = make(map[string]string, len(o.Metadata))
		for k, v := range o.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
