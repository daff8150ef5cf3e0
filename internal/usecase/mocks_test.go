package usecase

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradecore/order_engine/internal/domain"
)

// memRepo is an in-memory OrderRepository for tests.
type memRepo struct {
	mu    sync.Mutex
	byID  map[string]*domain.Order
	byCID map[string]*domain.Order
}

func newMemRepo() *memRepo {
	return &memRepo{
		byID:  make(map[string]*domain.Order),
		byCID: make(map[string]*domain.Order),
	}
}

func (m *memRepo) Create(ctx context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := order.Clone()
	m.byID[cp.ID] = cp
	m.byCID[cp.ClientOrderID] = cp
	return nil
}

func (m *memRepo) Update(ctx context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[order.ID]; !ok {
		return errors.New("order not found: " + order.ID)
	}
	cp := order.Clone()
	m.byID[cp.ID] = cp
	m.byCID[cp.ClientOrderID] = cp
	return nil
}

func (m *memRepo) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.byID[id]; ok {
		return o.Clone(), nil
	}
	return nil, nil
}

func (m *memRepo) GetByClientOrderID(ctx context.Context, clientOrderID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.byCID[clientOrderID]; ok {
		return o.Clone(), nil
	}
	return nil, nil
}

func (m *memRepo) GetActiveOrders(ctx context.Context) ([]*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Order
	for _, o := range m.byID {
		if !o.Status.IsTerminal() {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

// mockBroker is a configurable in-memory Broker.
type mockBroker struct {
	mu      sync.Mutex
	balance decimal.Decimal
	price   decimal.Decimal
	remote  map[string]*domain.BrokerOrder

	placeCalls  int
	statusCalls int
	cancelCalls int

	placeErr  error
	cancelErr error
	// fillOnPlace makes every placed order immediately Filled at the
	// current price, like a market order on a liquid book.
	fillOnPlace bool
	// blockPlace makes PlaceOrder hang until the context expires.
	blockPlace bool
}

func newMockBroker() *mockBroker {
	return &mockBroker{
		balance: decimal.NewFromInt(100000),
		price:   decimal.NewFromInt(50000),
		remote:  make(map[string]*domain.BrokerOrder),
	}
}

func (m *mockBroker) Name() string { return "mock" }

func (m *mockBroker) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (*domain.BrokerOrder, error) {
	m.mu.Lock()
	m.placeCalls++
	block := m.blockPlace
	placeErr := m.placeErr
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if placeErr != nil {
		return nil, placeErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	order := &domain.BrokerOrder{
		ExchangeOrderID: "ex-" + req.ClientOrderID,
		Symbol:          req.Symbol,
		Status:          domain.OrderStatusOpen,
		FilledQuantity:  decimal.Zero,
	}
	if m.fillOnPlace {
		avg := m.price
		order.Status = domain.OrderStatusFilled
		order.FilledQuantity = req.Quantity
		order.AvgFillPrice = &avg
	}
	m.remote[order.ExchangeOrderID] = order
	m.remote[req.ClientOrderID] = order
	return order, nil
}

func (m *mockBroker) CancelOrder(ctx context.Context, exchangeOrderID, symbol string) (*domain.BrokerOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelCalls++
	if m.cancelErr != nil {
		return nil, m.cancelErr
	}
	if o, ok := m.remote[exchangeOrderID]; ok {
		o.Status = domain.OrderStatusCancelled
		return o, nil
	}
	return nil, &domain.NotFoundError{OrderID: exchangeOrderID}
}

func (m *mockBroker) GetOrderStatus(ctx context.Context, exchangeOrderID, symbol string) (*domain.BrokerOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCalls++
	if o, ok := m.remote[exchangeOrderID]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, &domain.NotFoundError{OrderID: exchangeOrderID}
}

func (m *mockBroker) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.price, nil
}

func (m *mockBroker) GetBalance(ctx context.Context, currency string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance, nil
}

func (m *mockBroker) setRemote(id string, order *domain.BrokerOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remote[id] = order
}

func (m *mockBroker) counts() (place, status, cancel int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.placeCalls, m.statusCalls, m.cancelCalls
}

// testStack wires the full order path against in-memory fakes.
type testStack struct {
	repo     *memRepo
	broker   *mockBroker
	notifier *Notifier
	tracker  *PositionTracker
	rec      *Reconciler
	svc      *OrderService
}

func newTestStack(settings domain.RiskSettings, cfg OrderServiceConfig) *testStack {
	log := zap.NewNop()
	repo := newMemRepo()
	broker := newMockBroker()
	keys := newKeyMutex()
	notifier := NewNotifier(log)
	tracker := NewPositionTracker(broker, settings, notifier, log)
	rec := NewReconciler(repo, broker, notifier, tracker, keys, log)
	risk := NewRiskEvaluator(settings)
	svc := NewOrderService(repo, broker, risk, tracker, notifier, rec, keys, log, cfg)
	return &testStack{
		repo:     repo,
		broker:   broker,
		notifier: notifier,
		tracker:  tracker,
		rec:      rec,
		svc:      svc,
	}
}

func testSettings() domain.RiskSettings {
	s := domain.DefaultRiskSettings()
	s.MinOrderSize = decimal.NewFromInt(10)
	return s
}

// testConfig skips the post-submit market fill pause.
func testConfig() OrderServiceConfig {
	cfg := DefaultOrderServiceConfig()
	cfg.MarketFillWait = 0
	return cfg
}
