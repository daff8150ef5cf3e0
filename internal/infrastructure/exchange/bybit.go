package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradecore/order_engine/internal/domain"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/linear"

	// Ticks older than this fall back to the REST ticker endpoint.
	bybitTickTTL = 5 * time.Second
)

// BybitBroker implements domain.Broker against the Bybit V5 API. The engine's
// client order id is forwarded as orderLinkId, so Bybit enforces the same
// idempotency key and can resolve orders whose submission outcome was lost.
type BybitBroker struct {
	apiKey    string
	apiSecret string
	baseURL   string
	wsURL     string
	client    *http.Client
	logger    *zap.Logger

	mu         sync.Mutex
	wsConn     *websocket.Conn
	lastPrices map[string]bybitTick
}

type bybitTick struct {
	price decimal.Decimal
	at    time.Time
}

func NewBybitBroker(apiKey, apiSecret, baseURL, wsURL string, logger *zap.Logger) *BybitBroker {
	if baseURL == "" {
		baseURL = BybitBaseURL
	}
	if wsURL == "" {
		wsURL = BybitWSURL
	}
	return &BybitBroker{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		baseURL:    baseURL,
		wsURL:      wsURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		lastPrices: make(map[string]bybitTick),
	}
}

var _ domain.Broker = (*BybitBroker)(nil)

func (b *BybitBroker) Name() string { return "bybit" }

// --- REST API ---

func (b *BybitBroker) sign(params string, timestamp int64, recvWindow int) string {
	// timestamp + apiKey + recvWindow + params
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *BybitBroker) sendRequest(ctx context.Context, method, path string, payload map[string]interface{}) ([]byte, error) {
	timestamp := time.Now().UnixMilli()
	recvWindow := 5000

	var body []byte
	var paramsStr string

	if payload != nil {
		jsonBody, _ := json.Marshal(payload)
		body = jsonBody
		paramsStr = string(jsonBody)
	} else if method == http.MethodGet {
		if idx := strings.Index(path, "?"); idx != -1 {
			paramsStr = path[idx+1:]
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}

	signature := b.sign(paramsStr, timestamp, recvWindow)

	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error: %s", string(respBody))
	}

	return respBody, nil
}

func (b *BybitBroker) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (*domain.BrokerOrder, error) {
	payload := map[string]interface{}{
		"category":    "linear",
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"orderType":   bybitOrderType(req.Type),
		"qty":         req.Quantity.String(),
		"timeInForce": "GTC",
		"orderLinkId": req.ClientOrderID,
	}
	if req.LimitPrice != nil && !req.LimitPrice.IsZero() {
		payload["price"] = req.LimitPrice.String()
	}
	if req.StopPrice != nil && !req.StopPrice.IsZero() {
		payload["triggerPrice"] = req.StopPrice.String()
	}

	resp, err := b.sendRequest(ctx, http.MethodPost, "/v5/order/create", payload)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit order error: %s", result.RetMsg)
	}

	return &domain.BrokerOrder{
		ExchangeOrderID: result.Result.OrderID,
		Symbol:          req.Symbol,
		Status:          domain.OrderStatusOpen,
		FilledQuantity:  decimal.Zero,
	}, nil
}

func (b *BybitBroker) CancelOrder(ctx context.Context, exchangeOrderID, symbol string) (*domain.BrokerOrder, error) {
	payload := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  exchangeOrderID,
	}

	resp, err := b.sendRequest(ctx, http.MethodPost, "/v5/order/cancel", payload)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			OrderID string `json:"orderId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit cancel error: %s", result.RetMsg)
	}

	return &domain.BrokerOrder{
		ExchangeOrderID: result.Result.OrderID,
		Symbol:          symbol,
		Status:          domain.OrderStatusCancelled,
	}, nil
}

// GetOrderStatus resolves the exchange-assigned id first and falls back to
// treating the id as an orderLinkId, which is how unknown-outcome
// submissions are settled.
func (b *BybitBroker) GetOrderStatus(ctx context.Context, exchangeOrderID, symbol string) (*domain.BrokerOrder, error) {
	order, err := b.queryOrder(ctx, symbol, "orderId", exchangeOrderID)
	if err == nil {
		return order, nil
	}
	var nf *domain.NotFoundError
	if !errors.As(err, &nf) {
		return nil, err
	}
	return b.queryOrder(ctx, symbol, "orderLinkId", exchangeOrderID)
}

func (b *BybitBroker) queryOrder(ctx context.Context, symbol, idParam, id string) (*domain.BrokerOrder, error) {
	path := fmt.Sprintf("/v5/order/realtime?category=linear&symbol=%s&%s=%s", symbol, idParam, id)
	resp, err := b.sendRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				OrderID     string `json:"orderId"`
				OrderStatus string `json:"orderStatus"`
				CumExecQty  string `json:"cumExecQty"`
				AvgPrice    string `json:"avgPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit order query error: %s", result.RetMsg)
	}
	if len(result.Result.List) == 0 {
		return nil, &domain.NotFoundError{OrderID: id}
	}

	raw := result.Result.List[0]
	filled, err := decimal.NewFromString(raw.CumExecQty)
	if err != nil {
		filled = decimal.Zero
	}

	order := &domain.BrokerOrder{
		ExchangeOrderID: raw.OrderID,
		Symbol:          symbol,
		Status:          mapBybitStatus(raw.OrderStatus),
		FilledQuantity:  filled,
	}
	if raw.AvgPrice != "" {
		if avg, err := decimal.NewFromString(raw.AvgPrice); err == nil && !avg.IsZero() {
			order.AvgFillPrice = &avg
		}
	}
	return order, nil
}

func (b *BybitBroker) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	b.mu.Lock()
	tick, ok := b.lastPrices[symbol]
	b.mu.Unlock()
	if ok && time.Since(tick.at) < bybitTickTTL {
		return tick.price, nil
	}

	path := "/v5/market/tickers?category=linear&symbol=" + symbol
	resp, err := b.sendRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		RetCode int `json:"retCode"`
		Result  struct {
			List []struct {
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return decimal.Zero, err
	}
	if len(result.Result.List) == 0 {
		return decimal.Zero, fmt.Errorf("symbol not found: %s", symbol)
	}

	return decimal.NewFromString(result.Result.List[0].LastPrice)
}

func (b *BybitBroker) GetBalance(ctx context.Context, currency string) (decimal.Decimal, error) {
	path := "/v5/account/wallet-balance?accountType=UNIFIED&coin=" + currency
	resp, err := b.sendRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				Coin []struct {
					Coin          string `json:"coin"`
					WalletBalance string `json:"walletBalance"`
				} `json:"coin"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return decimal.Zero, err
	}
	if result.RetCode != 0 {
		return decimal.Zero, fmt.Errorf("bybit balance error: %s", result.RetMsg)
	}

	for _, account := range result.Result.List {
		for _, coin := range account.Coin {
			if coin.Coin == currency {
				return decimal.NewFromString(coin.WalletBalance)
			}
		}
	}
	return decimal.Zero, fmt.Errorf("currency not found: %s", currency)
}

func bybitOrderType(t domain.OrderType) string {
	switch t {
	case domain.OrderTypeLimit, domain.OrderTypeStopLimit, domain.OrderTypeTakeProfit:
		return "Limit"
	default:
		return "Market"
	}
}

func mapBybitStatus(status string) domain.OrderStatus {
	switch status {
	case "Created", "Untriggered":
		return domain.OrderStatusPending
	case "New", "Triggered":
		return domain.OrderStatusOpen
	case "PartiallyFilled":
		return domain.OrderStatusPartiallyFilled
	case "Filled":
		return domain.OrderStatusFilled
	case "Cancelled", "PartiallyFilledCanceled":
		return domain.OrderStatusCancelled
	case "Rejected":
		return domain.OrderStatusRejected
	case "Deactivated", "Expired":
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatusOpen
	}
}

// --- WebSocket price stream ---

// Subscribe opens the public ticker stream for the symbols and keeps the
// in-memory price cache fresh, so GetCurrentPrice rarely needs REST.
func (b *BybitBroker) Subscribe(symbols []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.wsConn == nil {
		c, _, err := websocket.DefaultDialer.Dial(b.wsURL, nil)
		if err != nil {
			return err
		}
		b.wsConn = c
		go b.readLoop(c)
	}
	return b.subscribeLocked(symbols)
}

func (b *BybitBroker) subscribeLocked(symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	args := make([]interface{}, len(symbols))
	for i, s := range symbols {
		args[i] = "tickers." + s
	}
	return b.wsConn.WriteJSON(map[string]interface{}{
		"op":   "subscribe",
		"args": args,
	})
}

func (b *BybitBroker) readLoop(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		b.mu.Lock()
		if b.wsConn == conn {
			b.wsConn = nil
		}
		b.mu.Unlock()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			b.logger.Warn("Bybit WS read error", zap.Error(err))
			return
		}

		var event struct {
			Topic string `json:"topic"`
			Data  struct {
				Symbol    string `json:"symbol"`
				LastPrice string `json:"lastPrice"`
			} `json:"data"`
		}
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		if !strings.HasPrefix(event.Topic, "tickers.") || event.Data.LastPrice == "" {
			continue
		}

		price, err := decimal.NewFromString(event.Data.LastPrice)
		if err != nil {
			continue
		}

		b.mu.Lock()
		b.lastPrices[event.Data.Symbol] = bybitTick{price: price, at: time.Now()}
		b.mu.Unlock()
	}
}
