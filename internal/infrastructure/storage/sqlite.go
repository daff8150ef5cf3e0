package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/tradecore/order_engine/internal/domain"
)

// SQLiteStore implements domain.OrderRepository and
// domain.PositionHistoryRepository. Decimal columns are stored as TEXT so
// no precision is lost on the round trip.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			client_order_id TEXT NOT NULL UNIQUE,
			exchange_order_id TEXT NOT NULL DEFAULT '',
			exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			quantity TEXT NOT NULL,
			filled_quantity TEXT NOT NULL,
			limit_price TEXT,
			stop_price TEXT,
			avg_fill_price TEXT,
			strategy_id TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			submitted_at DATETIME,
			closed_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_exchange_symbol ON orders(exchange, symbol);`,
		`CREATE TABLE IF NOT EXISTS position_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity TEXT NOT NULL,
			entry_price TEXT NOT NULL,
			exit_price TEXT NOT NULL,
			realized_pnl TEXT NOT NULL,
			strategy_id TEXT NOT NULL DEFAULT '',
			closed_at DATETIME NOT NULL
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	return nil
}

const orderColumns = `id, client_order_id, exchange_order_id, exchange, symbol, side, type, status,
	quantity, filled_quantity, limit_price, stop_price, avg_fill_price,
	strategy_id, metadata, created_at, updated_at, submitted_at, closed_at`

// OrderRepository implementation

func (s *SQLiteStore) Create(ctx context.Context, order *domain.Order) error {
	metadata, err := json.Marshal(orderMetadata(order))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	query := `INSERT INTO orders (` + orderColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		order.ID, order.ClientOrderID, order.ExchangeOrderID, order.Exchange, order.Symbol,
		string(order.Side), string(order.Type), string(order.Status),
		order.Quantity.String(), order.FilledQuantity.String(),
		nullDecimal(order.LimitPrice), nullDecimal(order.StopPrice), nullDecimal(order.AvgFillPrice),
		order.StrategyID, string(metadata),
		order.CreatedAt, order.UpdatedAt, nullTime(order.SubmittedAt), nullTime(order.ClosedAt))
	return err
}

func (s *SQLiteStore) Update(ctx context.Context, order *domain.Order) error {
	metadata, err := json.Marshal(orderMetadata(order))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	query := `UPDATE orders SET
			  exchange_order_id = ?, status = ?, filled_quantity = ?,
			  limit_price = ?, stop_price = ?, avg_fill_price = ?,
			  metadata = ?, updated_at = ?, submitted_at = ?, closed_at = ?
			  WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query,
		order.ExchangeOrderID, string(order.Status), order.FilledQuantity.String(),
		nullDecimal(order.LimitPrice), nullDecimal(order.StopPrice), nullDecimal(order.AvgFillPrice),
		string(metadata), order.UpdatedAt, nullTime(order.SubmittedAt), nullTime(order.ClosedAt),
		order.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("order %s not found", order.ID)
	}
	return nil
}

func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	return scanOrder(row)
}

func (s *SQLiteStore) GetByClientOrderID(ctx context.Context, clientOrderID string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE client_order_id = ?`, clientOrderID)
	return scanOrder(row)
}

func (s *SQLiteStore) GetActiveOrders(ctx context.Context) ([]*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
			  WHERE status NOT IN ('Filled', 'Cancelled', 'Rejected', 'Expired')
			  ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		order, err := scanOrderRow(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// PositionHistoryRepository implementation

func (s *SQLiteStore) SavePositionHistory(ctx context.Context, h *domain.PositionHistory) error {
	query := `INSERT INTO position_history (exchange, symbol, side, quantity, entry_price, exit_price, realized_pnl, strategy_id, closed_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		h.Exchange, h.Symbol, string(h.Side),
		h.Quantity.String(), h.EntryPrice.String(), h.ExitPrice.String(), h.RealizedPnL.String(),
		h.StrategyID, h.ClosedAt)
	return err
}

func (s *SQLiteStore) ListPositionHistory(ctx context.Context, limit int) ([]*domain.PositionHistory, error) {
	query := `SELECT id, exchange, symbol, side, quantity, entry_price, exit_price, realized_pnl, strategy_id, closed_at
			  FROM position_history ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.PositionHistory
	for rows.Next() {
		var h domain.PositionHistory
		var side, quantity, entry, exit, pnl string
		if err := rows.Scan(&h.ID, &h.Exchange, &h.Symbol, &side, &quantity, &entry, &exit, &pnl, &h.StrategyID, &h.ClosedAt); err != nil {
			return nil, err
		}
		h.Side = domain.Side(side)
		var derr error
		if h.Quantity, derr = decimal.NewFromString(quantity); derr != nil {
			return nil, derr
		}
		if h.EntryPrice, derr = decimal.NewFromString(entry); derr != nil {
			return nil, derr
		}
		if h.ExitPrice, derr = decimal.NewFromString(exit); derr != nil {
			return nil, derr
		}
		if h.RealizedPnL, derr = decimal.NewFromString(pnl); derr != nil {
			return nil, derr
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

// scanning helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row *sql.Row) (*domain.Order, error) {
	order, err := scanOrderRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return order, err
}

func scanOrderRow(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var side, orderType, status, quantity, filled, metadata string
	var limitPrice, stopPrice, avgFillPrice sql.NullString
	var submittedAt, closedAt sql.NullTime

	err := row.Scan(&o.ID, &o.ClientOrderID, &o.ExchangeOrderID, &o.Exchange, &o.Symbol,
		&side, &orderType, &status, &quantity, &filled,
		&limitPrice, &stopPrice, &avgFillPrice,
		&o.StrategyID, &metadata, &o.CreatedAt, &o.UpdatedAt, &submittedAt, &closedAt)
	if err != nil {
		return nil, err
	}

	o.Side = domain.Side(side)
	o.Type = domain.OrderType(orderType)
	o.Status = domain.OrderStatus(status)
	if o.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, fmt.Errorf("decode quantity: %w", err)
	}
	if o.FilledQuantity, err = decimal.NewFromString(filled); err != nil {
		return nil, fmt.Errorf("decode filled quantity: %w", err)
	}
	if o.LimitPrice, err = decodeNullDecimal(limitPrice); err != nil {
		return nil, err
	}
	if o.StopPrice, err = decodeNullDecimal(stopPrice); err != nil {
		return nil, err
	}
	if o.AvgFillPrice, err = decodeNullDecimal(avgFillPrice); err != nil {
		return nil, err
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &o.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if submittedAt.Valid {
		t := submittedAt.Time
		o.SubmittedAt = &t
	}
	if closedAt.Valid {
		t := closedAt.Time
		o.ClosedAt = &t
	}
	return &o, nil
}

func orderMetadata(order *domain.Order) map[string]string {
	if order.Metadata == nil {
		return map[string]string{}
	}
	return order.Metadata
}

func nullDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func decodeNullDecimal(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, fmt.Errorf("decode decimal column: %w", err)
	}
	return &d, nil
}
