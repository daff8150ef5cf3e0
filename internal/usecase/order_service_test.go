package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecore/order_engine/internal/domain"
)

func buyOrder(symbol string, qty string) *domain.Order {
	return &domain.Order{
		ClientOrderID: "client-1",
		Symbol:        symbol,
		Side:          domain.SideBuy,
		Type:          domain.OrderTypeMarket,
		Quantity:      decimal.RequireFromString(qty),
	}
}

func TestSubmitOrder_RejectsInvalidInput(t *testing.T) {
	st := newTestStack(testSettings(), testConfig())
	ctx := context.Background()

	cases := []struct {
		name  string
		order *domain.Order
	}{
		{"zero quantity", &domain.Order{Symbol: "BTCUSDT", Side: domain.SideBuy, Quantity: decimal.Zero}},
		{"negative quantity", &domain.Order{Symbol: "BTCUSDT", Side: domain.SideBuy, Quantity: decimal.NewFromInt(-1)}},
		{"missing symbol", &domain.Order{Side: domain.SideBuy, Quantity: decimal.NewFromInt(1)}},
		{"unknown side", &domain.Order{Symbol: "BTCUSDT", Side: "Hold", Quantity: decimal.NewFromInt(1)}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := st.svc.SubmitOrder(ctx, tc.order)
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}

	if place, _, _ := st.broker.counts(); place != 0 {
		t.Fatalf("invalid orders must not reach the broker, got %d calls", place)
	}
}

func TestSubmitOrder_IdempotentResubmission(t *testing.T) {
	st := newTestStack(testSettings(), testConfig())
	ctx := context.Background()

	first, err := st.svc.SubmitOrder(ctx, buyOrder("BTCUSDT", "0.02"))
	if err != nil {
		t.Fatalf("first submission failed: %v", err)
	}

	second, err := st.svc.SubmitOrder(ctx, buyOrder("BTCUSDT", "0.02"))
	if err != nil {
		t.Fatalf("resubmission failed: %v", err)
	}

	if second.ID != first.ID {
		t.Fatalf("resubmission created a new order: %s vs %s", second.ID, first.ID)
	}
	if place, _, _ := st.broker.counts(); place != 1 {
		t.Fatalf("expected exactly 1 broker call, got %d", place)
	}
}

func TestSubmitOrder_ConcurrentDuplicatesSingleWinner(t *testing.T) {
	st := newTestStack(testSettings(), testConfig())
	ctx := context.Background()

	const n = 8
	results := make([]*domain.Order, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			order, err := st.svc.SubmitOrder(ctx, buyOrder("BTCUSDT", "0.02"))
			if err != nil {
				t.Errorf("submission %d failed: %v", i, err)
				return
			}
			results[i] = order
		}(i)
	}
	wg.Wait()

	if place, _, _ := st.broker.counts(); place != 1 {
		t.Fatalf("expected exactly 1 broker call for %d duplicates, got %d", n, place)
	}
	for i := 1; i < n; i++ {
		if results[i] == nil || results[0] == nil {
			t.Fatal("missing result")
		}
		if results[i].ID != results[0].ID {
			t.Fatalf("duplicate submissions produced different orders: %s vs %s", results[i].ID, results[0].ID)
		}
	}
}

func TestSubmitOrder_RiskRejectionSkipsBroker(t *testing.T) {
	settings := testSettings()
	settings.MaxPositionSizePercent = decimal.NewFromInt(10)
	st := newTestStack(settings, testConfig())
	st.broker.balance = decimal.NewFromInt(100)
	st.broker.price = decimal.NewFromInt(50000)
	ctx := context.Background()

	// Notional 25 against a 10 USDT cap (10% of 100).
	order, err := st.svc.SubmitOrder(ctx, buyOrder("BTCUSDT", "0.0005"))
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if order.Status != domain.OrderStatusRejected {
		t.Fatalf("expected Rejected, got %s", order.Status)
	}
	if order.Metadata["reject_reason"] == "" {
		t.Fatal("reject_reason metadata not set")
	}
	if order.ClosedAt == nil {
		t.Fatal("rejected order must carry a closed timestamp")
	}
	if place, _, _ := st.broker.counts(); place != 0 {
		t.Fatalf("risk-rejected order must not reach the broker, got %d calls", place)
	}

	stored, _ := st.repo.GetByID(ctx, order.ID)
	if stored.Status != domain.OrderStatusRejected {
		t.Fatalf("rejection not persisted, stored status %s", stored.Status)
	}
}

func TestSubmitOrder_BrokerRefusalRejects(t *testing.T) {
	st := newTestStack(testSettings(), testConfig())
	st.broker.placeErr = errors.New("insufficient margin")
	ctx := context.Background()

	order, err := st.svc.SubmitOrder(ctx, buyOrder("BTCUSDT", "0.02"))
	var berr *domain.BrokerError
	if !errors.As(err, &berr) {
		t.Fatalf("expected BrokerError, got %v", err)
	}
	if berr.Accepted {
		t.Fatal("a refusal before acceptance must not be flagged as accepted")
	}
	if order.Status != domain.OrderStatusRejected {
		t.Fatalf("expected Rejected, got %s", order.Status)
	}
}

func TestSubmitOrder_MarketFillOpensAndClosesPosition(t *testing.T) {
	st := newTestStack(testSettings(), testConfig())
	st.broker.fillOnPlace = true
	ctx := context.Background()

	buy, err := st.svc.SubmitOrder(ctx, buyOrder("BTCUSDT", "0.02"))
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if buy.Status != domain.OrderStatusFilled {
		t.Fatalf("expected Filled after market buy, got %s", buy.Status)
	}

	pos := st.tracker.Get("mock", "BTCUSDT")
	if pos == nil {
		t.Fatal("buy fill did not open a position")
	}
	if !pos.Quantity.Equal(decimal.RequireFromString("0.02")) {
		t.Fatalf("position quantity %s, want 0.02", pos.Quantity)
	}
	if !pos.EntryPrice.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("position entry %s, want 50000", pos.EntryPrice)
	}

	sell := buyOrder("BTCUSDT", "0.02")
	sell.ClientOrderID = "client-2"
	sell.Side = domain.SideSell
	sold, err := st.svc.SubmitOrder(ctx, sell)
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	if sold.Status != domain.OrderStatusFilled {
		t.Fatalf("expected Filled after market sell, got %s", sold.Status)
	}
	if st.tracker.Get("mock", "BTCUSDT") != nil {
		t.Fatal("sell fill did not close the position")
	}
}

func TestSubmitOrder_UnknownOutcomeResolvedBySweep(t *testing.T) {
	cfg := testConfig()
	cfg.BrokerTimeout = 30 * time.Millisecond
	st := newTestStack(testSettings(), cfg)
	st.broker.blockPlace = true
	ctx := context.Background()

	order, err := st.svc.SubmitOrder(ctx, buyOrder("BTCUSDT", "0.02"))
	var berr *domain.BrokerError
	if !errors.As(err, &berr) {
		t.Fatalf("expected BrokerError, got %v", err)
	}
	if !berr.Accepted {
		t.Fatal("a timed-out submission may have been accepted and must say so")
	}
	if order.Status.IsTerminal() {
		t.Fatalf("unknown outcome must stay non-terminal, got %s", order.Status)
	}
	if order.Metadata["submit_outcome"] != "unknown" {
		t.Fatal("unknown outcome not recorded in metadata")
	}

	// The exchange did accept it after all; the sweep discovers this via
	// the client order id.
	avg := decimal.NewFromInt(50000)
	st.broker.blockPlace = false
	st.broker.setRemote(order.ClientOrderID, &domain.BrokerOrder{
		ExchangeOrderID: "ex-resolved",
		Symbol:          "BTCUSDT",
		Status:          domain.OrderStatusFilled,
		FilledQuantity:  order.Quantity,
		AvgFillPrice:    &avg,
	})
	st.rec.Sweep(ctx)

	resolved, _ := st.repo.GetByID(ctx, order.ID)
	if resolved.Status != domain.OrderStatusFilled {
		t.Fatalf("sweep did not resolve the order, status %s", resolved.Status)
	}
	if resolved.ExchangeOrderID != "ex-resolved" {
		t.Fatalf("exchange id not adopted, got %q", resolved.ExchangeOrderID)
	}
	if st.tracker.Get("mock", "BTCUSDT") == nil {
		t.Fatal("resolved fill did not open a position")
	}
}

func TestCancelOrder(t *testing.T) {
	st := newTestStack(testSettings(), testConfig())
	ctx := context.Background()

	limit := decimal.NewFromInt(48000)
	order := buyOrder("BTCUSDT", "0.02")
	order.Type = domain.OrderTypeLimit
	order.LimitPrice = &limit

	submitted, err := st.svc.SubmitOrder(ctx, order)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if submitted.Status != domain.OrderStatusOpen {
		t.Fatalf("expected Open, got %s", submitted.Status)
	}

	cancelled, err := st.svc.CancelOrder(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected Cancelled, got %s", cancelled.Status)
	}
	if cancelled.ClosedAt == nil {
		t.Fatal("cancelled order must carry a closed timestamp")
	}

	// Terminal cancel is a no-op.
	again, err := st.svc.CancelOrder(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("repeat cancel failed: %v", err)
	}
	if again.Status != domain.OrderStatusCancelled {
		t.Fatalf("repeat cancel changed status to %s", again.Status)
	}
	if _, _, cancels := st.broker.counts(); cancels != 1 {
		t.Fatalf("expected exactly 1 broker cancel, got %d", cancels)
	}
}

func TestCancelOrder_UnknownID(t *testing.T) {
	st := newTestStack(testSettings(), testConfig())

	_, err := st.svc.CancelOrder(context.Background(), "no-such-order")
	var nf *domain.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

// submitStuck drives a submission into the unknown-outcome state: the broker
// hangs past the timeout, so the order stays Pending with no exchange id.
func submitStuck(t *testing.T, st *testStack) *domain.Order {
	t.Helper()
	st.broker.blockPlace = true
	order, err := st.svc.SubmitOrder(context.Background(), buyOrder("BTCUSDT", "0.02"))
	var berr *domain.BrokerError
	if !errors.As(err, &berr) || !berr.Accepted {
		t.Fatalf("expected accepted BrokerError, got %v", err)
	}
	st.broker.blockPlace = false
	return order
}

func TestCancelOrder_UnknownOutcomeCancelsLiveExchangeOrder(t *testing.T) {
	cfg := testConfig()
	cfg.BrokerTimeout = 30 * time.Millisecond
	st := newTestStack(testSettings(), cfg)
	ctx := context.Background()

	order := submitStuck(t, st)

	// The exchange accepted the submission after all and the order rests
	// there under the client order id.
	live := &domain.BrokerOrder{
		ExchangeOrderID: "ex-live",
		Symbol:          "BTCUSDT",
		Status:          domain.OrderStatusOpen,
		FilledQuantity:  decimal.Zero,
	}
	st.broker.setRemote(order.ClientOrderID, live)
	st.broker.setRemote("ex-live", live)

	cancelled, err := st.svc.CancelOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected Cancelled, got %s", cancelled.Status)
	}
	if cancelled.ExchangeOrderID != "ex-live" {
		t.Fatalf("exchange id not adopted before cancelling, got %q", cancelled.ExchangeOrderID)
	}
	if _, _, cancels := st.broker.counts(); cancels != 1 {
		t.Fatalf("expected exactly 1 broker cancel, got %d", cancels)
	}
}

func TestCancelOrder_UnknownOutcomeAlreadyFilled(t *testing.T) {
	cfg := testConfig()
	cfg.BrokerTimeout = 30 * time.Millisecond
	st := newTestStack(testSettings(), cfg)
	ctx := context.Background()

	order := submitStuck(t, st)

	avg := decimal.NewFromInt(50000)
	st.broker.setRemote(order.ClientOrderID, &domain.BrokerOrder{
		ExchangeOrderID: "ex-filled",
		Symbol:          "BTCUSDT",
		Status:          domain.OrderStatusFilled,
		FilledQuantity:  order.Quantity,
		AvgFillPrice:    &avg,
	})

	got, err := st.svc.CancelOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if got.Status != domain.OrderStatusFilled {
		t.Fatalf("a fill discovered during cancel must win, got %s", got.Status)
	}
	if _, _, cancels := st.broker.counts(); cancels != 0 {
		t.Fatalf("a filled order must not be cancelled on the exchange, got %d calls", cancels)
	}
	if st.tracker.Get("mock", "BTCUSDT") == nil {
		t.Fatal("fill discovered during cancel did not open a position")
	}
}

func TestCancelOrder_UnknownOutcomeNeverReachedExchange(t *testing.T) {
	cfg := testConfig()
	cfg.BrokerTimeout = 30 * time.Millisecond
	st := newTestStack(testSettings(), cfg)
	ctx := context.Background()

	order := submitStuck(t, st)

	got, err := st.svc.CancelOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if got.Status != domain.OrderStatusRejected {
		t.Fatalf("expected Rejected for a submission the exchange never saw, got %s", got.Status)
	}
	if _, _, cancels := st.broker.counts(); cancels != 0 {
		t.Fatalf("nothing to cancel on the exchange, got %d calls", cancels)
	}
}

func TestGetOrderStatus_TerminalServedFromStore(t *testing.T) {
	st := newTestStack(testSettings(), testConfig())
	st.broker.fillOnPlace = true
	ctx := context.Background()

	order, err := st.svc.SubmitOrder(ctx, buyOrder("BTCUSDT", "0.02"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	_, statusBefore, _ := st.broker.counts()

	got, err := st.svc.GetOrderStatus(ctx, order.ID)
	if err != nil {
		t.Fatalf("status lookup failed: %v", err)
	}
	if got.Status != domain.OrderStatusFilled {
		t.Fatalf("expected Filled, got %s", got.Status)
	}
	if _, statusAfter, _ := st.broker.counts(); statusAfter != statusBefore {
		t.Fatal("terminal order lookup must not call the broker")
	}
}

func TestGetOrderStatus_NonTerminalReconciles(t *testing.T) {
	st := newTestStack(testSettings(), testConfig())
	ctx := context.Background()

	limit := decimal.NewFromInt(48000)
	order := buyOrder("BTCUSDT", "0.02")
	order.Type = domain.OrderTypeLimit
	order.LimitPrice = &limit

	submitted, err := st.svc.SubmitOrder(ctx, order)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if submitted.Status != domain.OrderStatusOpen {
		t.Fatalf("expected Open, got %s", submitted.Status)
	}

	// The resting order partially fills on the exchange.
	st.broker.setRemote(submitted.ExchangeOrderID, &domain.BrokerOrder{
		ExchangeOrderID: submitted.ExchangeOrderID,
		Symbol:          "BTCUSDT",
		Status:          domain.OrderStatusPartiallyFilled,
		FilledQuantity:  decimal.RequireFromString("0.01"),
	})

	got, err := st.svc.GetOrderStatus(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("status lookup failed: %v", err)
	}
	if got.Status != domain.OrderStatusPartiallyFilled {
		t.Fatalf("status lookup did not reconcile, got %s", got.Status)
	}
	if !got.FilledQuantity.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("filled quantity %s, want 0.01", got.FilledQuantity)
	}

	stored, _ := st.repo.GetByID(ctx, submitted.ID)
	if stored.Status != domain.OrderStatusPartiallyFilled {
		t.Fatalf("reconciled status not persisted, stored %s", stored.Status)
	}
}

func TestValidateOrder_NoPersistence(t *testing.T) {
	st := newTestStack(testSettings(), testConfig())
	ctx := context.Background()

	if err := st.svc.ValidateOrder(ctx, buyOrder("BTCUSDT", "0.02")); err != nil {
		t.Fatalf("expected valid order, got %v", err)
	}
	if place, _, _ := st.broker.counts(); place != 0 {
		t.Fatal("validation must not place an order")
	}
	active, _ := st.repo.GetActiveOrders(ctx)
	if len(active) != 0 {
		t.Fatalf("validation persisted %d orders", len(active))
	}
}
