package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradecore/order_engine/internal/domain"
)

// AlpacaBroker implements domain.Broker on top of the Alpaca v3 SDK.
// The SDK has no context support, so deadline enforcement happens in a
// goroutine per call.
type AlpacaBroker struct {
	tradeClient *alpaca.Client
	mdClient    *marketdata.Client
	logger      *zap.Logger
}

func NewAlpacaBroker(apiKey, apiSecret, baseURL string, logger *zap.Logger) *AlpacaBroker {
	return &AlpacaBroker{
		tradeClient: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		mdClient: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
		}),
		logger: logger,
	}
}

var _ domain.Broker = (*AlpacaBroker)(nil)

func (a *AlpacaBroker) Name() string { return "alpaca" }

// call runs fn off the calling goroutine so a cancelled context does not
// leave the broker call blocking the order path.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type outcome struct {
		val T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := fn()
		ch <- outcome{val: v, err: err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case out := <-ch:
		return out.val, out.err
	}
}

func (a *AlpacaBroker) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (*domain.BrokerOrder, error) {
	qty := req.Quantity
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(strings.ToLower(string(req.Side))),
		Type:          alpacaOrderType(req.Type),
		TimeInForce:   alpaca.GTC,
		ClientOrderID: req.ClientOrderID,
	}
	if req.LimitPrice != nil && !req.LimitPrice.IsZero() {
		placeReq.LimitPrice = req.LimitPrice
	}
	if req.StopPrice != nil && !req.StopPrice.IsZero() {
		placeReq.StopPrice = req.StopPrice
	}

	order, err := call(ctx, func() (*alpaca.Order, error) {
		return a.tradeClient.PlaceOrder(placeReq)
	})
	if err != nil {
		return nil, err
	}
	return mapAlpacaOrder(order), nil
}

func (a *AlpacaBroker) CancelOrder(ctx context.Context, exchangeOrderID, symbol string) (*domain.BrokerOrder, error) {
	_, err := call(ctx, func() (struct{}, error) {
		return struct{}{}, a.tradeClient.CancelOrder(exchangeOrderID)
	})
	if err != nil {
		return nil, err
	}
	return &domain.BrokerOrder{
		ExchangeOrderID: exchangeOrderID,
		Symbol:          symbol,
		Status:          domain.OrderStatusCancelled,
	}, nil
}

// GetOrderStatus treats the id as the Alpaca order id first and falls back
// to a client order id lookup, so orders with a lost submission outcome can
// still be resolved.
func (a *AlpacaBroker) GetOrderStatus(ctx context.Context, exchangeOrderID, symbol string) (*domain.BrokerOrder, error) {
	order, err := call(ctx, func() (*alpaca.Order, error) {
		return a.tradeClient.GetOrder(exchangeOrderID)
	})
	if err != nil {
		order, err = call(ctx, func() (*alpaca.Order, error) {
			return a.tradeClient.GetOrderByClientOrderID(exchangeOrderID)
		})
	}
	if err != nil {
		if isAlpacaNotFound(err) {
			return nil, &domain.NotFoundError{OrderID: exchangeOrderID}
		}
		return nil, err
	}
	return mapAlpacaOrder(order), nil
}

func (a *AlpacaBroker) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	trade, err := call(ctx, func() (*marketdata.Trade, error) {
		return a.mdClient.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	})
	if err != nil {
		return decimal.Zero, err
	}
	if trade == nil {
		return decimal.Zero, fmt.Errorf("no trade data for %s", symbol)
	}
	return decimal.NewFromFloat(trade.Price), nil
}

// GetBalance ignores the currency argument: Alpaca accounts are USD only
// and the SDK reports cash as a single figure.
func (a *AlpacaBroker) GetBalance(ctx context.Context, currency string) (decimal.Decimal, error) {
	acct, err := call(ctx, func() (*alpaca.Account, error) {
		return a.tradeClient.GetAccount()
	})
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Cash, nil
}

func alpacaOrderType(t domain.OrderType) alpaca.OrderType {
	switch t {
	case domain.OrderTypeLimit, domain.OrderTypeTakeProfit:
		return alpaca.Limit
	case domain.OrderTypeStopLoss:
		return alpaca.Stop
	case domain.OrderTypeStopLimit:
		return alpaca.StopLimit
	default:
		return alpaca.Market
	}
}

func isAlpacaNotFound(err error) bool {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 404
	}
	return false
}

func mapAlpacaOrder(o *alpaca.Order) *domain.BrokerOrder {
	order := &domain.BrokerOrder{
		ExchangeOrderID: o.ID,
		Symbol:          o.Symbol,
		Status:          mapAlpacaStatus(o.Status),
		FilledQuantity:  o.FilledQty,
	}
	if o.FilledAvgPrice != nil && !o.FilledAvgPrice.IsZero() {
		avg := *o.FilledAvgPrice
		order.AvgFillPrice = &avg
	}
	return order
}

func mapAlpacaStatus(status string) domain.OrderStatus {
	switch status {
	case "pending_new", "accepted_for_bidding":
		return domain.OrderStatusPending
	case "new", "accepted", "pending_cancel", "pending_replace", "done_for_day":
		return domain.OrderStatusOpen
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "filled":
		return domain.OrderStatusFilled
	case "canceled", "replaced", "stopped":
		return domain.OrderStatusCancelled
	case "rejected", "suspended":
		return domain.OrderStatusRejected
	case "expired":
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatusOpen
	}
}
