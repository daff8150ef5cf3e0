package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType identifies one of the engine's event channels.
type EventType string

const (
	EventOrderStatusChanged EventType = "order-status-changed"
	EventPositionOpened     EventType = "position-opened"
	EventPositionClosed     EventType = "position-closed"
	EventPositionUpdated    EventType = "position-updated"
)

// OrderEvent is emitted whenever an order's status changes.
type OrderEvent struct {
	Type           EventType   `json:"type"`
	Order          *Order      `json:"order"`
	PreviousStatus OrderStatus `json:"previous_status"`
	At             time.Time   `json:"at"`
}

// PositionEvent is emitted when a position is opened, updated or closed.
// RealizedPnL is set on position-closed events only: the P&L captured at
// the moment of removal.
type PositionEvent struct {
	Type        EventType        `json:"type"`
	Position    *Position        `json:"position"`
	RealizedPnL *decimal.Decimal `json:"realized_pnl,omitempty"`
	At          time.Time        `json:"at"`
}
