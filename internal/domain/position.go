package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is a net, currently-open exposure to one symbol on one exchange.
// The engine models long positions only: a position is opened by a Buy fill
// and closed wholesale by a Sell fill on the same (exchange, symbol) key.
// Repeated Buy fills replace the entry rather than averaging it.
type Position struct {
	ID           string           `json:"id"`
	Exchange     string           `json:"exchange"`
	Symbol       string           `json:"symbol"`
	Side         Side             `json:"side"`
	Quantity     decimal.Decimal  `json:"quantity"`
	EntryPrice   decimal.Decimal  `json:"entry_price"`
	CurrentPrice decimal.Decimal  `json:"current_price"`
	StopLoss     *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit   *decimal.Decimal `json:"take_profit,omitempty"`
	StrategyID   string           `json:"strategy_id,omitempty"`
	OpenOrderID  string           `json:"open_order_id"`
	OpenedAt     time.Time        `json:"opened_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Notional returns the current value of the position.
func (p *Position) Notional() decimal.Decimal {
	return p.CurrentPrice.Mul(p.Quantity)
}

// EntryNotional returns the value of the position at entry.
func (p *Position) EntryNotional() decimal.Decimal {
	return p.EntryPrice.Mul(p.Quantity)
}

// UnrealizedPnL is currentValue - entryValue, sign-adjusted by side.
func (p *Position) UnrealizedPnL() decimal.Decimal {
	diff := p.Notional().Sub(p.EntryNotional())
	if p.Side == SideSell {
		return diff.Neg()
	}
	return diff
}

// UnrealizedPnLPercent returns the unrealized P&L relative to entry value,
// in percent. Zero entry value yields zero.
func (p *Position) UnrealizedPnLPercent() decimal.Decimal {
	entry := p.EntryNotional()
	if entry.IsZero() {
		return decimal.Zero
	}
	return p.UnrealizedPnL().Div(entry).Mul(decimal.NewFromInt(100))
}

// StopLossHit reports whether the current price has breached the stop for a
// long position. The engine only flags the breach; closing is a strategy
// decision that results in a new Sell order.
func (p *Position) StopLossHit() bool {
	if p.StopLoss == nil {
		return false
	}
	if p.Side == SideSell {
		return p.CurrentPrice.GreaterThanOrEqual(*p.StopLoss)
	}
	return p.CurrentPrice.LessThanOrEqual(*p.StopLoss)
}

// TakeProfitHit reports whether the current price has reached the target.
func (p *Position) TakeProfitHit() bool {
	if p.TakeProfit == nil {
		return false
	}
	if p.Side == SideSell {
		return p.CurrentPrice.LessThanOrEqual(*p.TakeProfit)
	}
	return p.CurrentPrice.GreaterThanOrEqual(*p.TakeProfit)
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	cp := *p
	if p.StopLoss != nil {
		v := *p.StopLoss
		cp.StopLoss = &v
	}
	if p.TakeProfit != nil {
		v := *p.TakeProfit
		cp.TakeProfit = &v
	}
	return &cp
}

// PositionHistory is the durable record of a closed position.
type PositionHistory struct {
	ID          int64           `json:"id"`
	Exchange    string          `json:"exchange"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	StrategyID  string          `json:"strategy_id,omitempty"`
	ClosedAt    time.Time       `json:"closed_at"`
}

// PositionHistoryFromEvent builds the durable record from a position-closed
// event. The event snapshot carries the exit price in CurrentPrice.
func PositionHistoryFromEvent(ev PositionEvent) *PositionHistory {
	h := &PositionHistory{
		Exchange:   ev.Position.Exchange,
		Symbol:     ev.Position.Symbol,
		Side:       ev.Position.Side,
		Quantity:   ev.Position.Quantity,
		EntryPrice: ev.Position.EntryPrice,
		ExitPrice:  ev.Position.CurrentPrice,
		StrategyID: ev.Position.StrategyID,
		ClosedAt:   ev.Position.UpdatedAt,
	}
	if ev.RealizedPnL != nil {
		h.RealizedPnL = *ev.RealizedPnL
	}
	return h
}
