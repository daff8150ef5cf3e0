package usecase

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tradecore/order_engine/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// RiskEvaluator decides whether an order is acceptable given the account
// balance and the set of currently open positions. It is a pure decision
// function: no IO, no mutation. When validation is disabled every order is
// accepted.
type RiskEvaluator struct {
	settings domain.RiskSettings
}

func NewRiskEvaluator(settings domain.RiskSettings) *RiskEvaluator {
	return &RiskEvaluator{settings: settings}
}

func (e *RiskEvaluator) Settings() domain.RiskSettings {
	return e.settings
}

// Evaluate runs the checks in order and short-circuits on the first failure.
// The returned error is always a *domain.ValidationError whose Reason is
// used verbatim in the order's terminal metadata and the caller-facing error.
func (e *RiskEvaluator) Evaluate(order *domain.Order, balance, marketPrice decimal.Decimal, openPositions []*domain.Position) error {
	if !e.settings.Enabled {
		return nil
	}

	notional := order.Quantity.Mul(order.ReferencePrice(marketPrice))

	if notional.LessThan(e.settings.MinOrderSize) {
		return &domain.ValidationError{Reason: fmt.Sprintf(
			"Order value %s is below minimum order size %s",
			notional.StringFixed(2), e.settings.MinOrderSize.StringFixed(2))}
	}

	if !e.settings.MaxOrderSize.IsZero() && notional.GreaterThan(e.settings.MaxOrderSize) {
		return &domain.ValidationError{Reason: fmt.Sprintf(
			"Order value %s exceeds maximum order size %s",
			notional.StringFixed(2), e.settings.MaxOrderSize.StringFixed(2))}
	}

	maxPosition := balance.Mul(e.settings.MaxPositionSizePercent).Div(hundred)
	if notional.GreaterThan(maxPosition) {
		return &domain.ValidationError{Reason: fmt.Sprintf(
			"Order value %s exceeds max position size %s (%s%% of balance)",
			notional.StringFixed(2), maxPosition.StringFixed(2),
			e.settings.MaxPositionSizePercent.String())}
	}

	if e.settings.MaxConcurrentPositions > 0 && len(openPositions) >= e.settings.MaxConcurrentPositions {
		return &domain.ValidationError{Reason: fmt.Sprintf(
			"Max concurrent positions reached (%d)", e.settings.MaxConcurrentPositions)}
	}

	exposure := decimal.Zero
	for _, p := range openPositions {
		exposure = exposure.Add(p.Notional())
	}
	maxExposure := balance.Mul(e.settings.MaxTotalExposurePercent).Div(hundred)
	if exposure.Add(notional).GreaterThan(maxExposure) {
		return &domain.ValidationError{Reason: fmt.Sprintf(
			"Total exposure %s would exceed limit %s (%s%% of balance)",
			exposure.Add(notional).StringFixed(2), maxExposure.StringFixed(2),
			e.settings.MaxTotalExposurePercent.String())}
	}

	return nil
}
