package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Order statuses.
const (
	OrderStatusPending   = "pending"
	OrderStatusFilled    = "filled"
	OrderStatusCancelled = "cancelled"
	OrderStatusRejected  = "rejected"
)

// Order is one persisted exchange order leg (entry, sl, tp1, tp2, ...).
type Order struct {
	ID        string     `json:"id"`
	SignalID  string     `json:"signal_id"`
	HLOrderID string     `json:"hl_order_id,omitempty"`
	Coin      string     `json:"coin"`
	Side      string     `json:"side"`
	Size      float64    `json:"size"`
	Price     *float64   `json:"price,omitempty"`
	OrderType string     `json:"order_type"`
	Tag       string     `json:"tag"`
	Status    string     `json:"status"`
	Mode      string     `json:"mode"`
	FilledAt  *time.Time `json:"filled_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// InsertOrder persists one order leg.
func (s *Store) InsertOrder(ctx context.Context, o *Order) error {
	var price sql.NullFloat64
	if o.Price != nil {
		price = sql.NullFloat64{Float64: *o.Price, Valid: true}
	}
	var hlID sql.NullString
	if o.HLOrderID != "" {
		hlID = sql.NullString{String: o.HLOrderID, Valid: true}
	}
	var filledAt sql.NullInt64
	if o.FilledAt != nil {
		filledAt = sql.NullInt64{Int64: o.FilledAt.UnixMilli(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, signal_id, hl_order_id, coin, side, size, price,
			order_type, tag, status, mode, filled_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.SignalID, hlID, o.Coin, o.Side, o.Size, price,
		o.OrderType, o.Tag, o.Status, o.Mode, filledAt, o.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateOrderStatus transitions an order identified by its exchange ID.
func (s *Store) UpdateOrderStatus(ctx context.Context, hlOrderID, status string, filledAt *time.Time) error {
	var filled sql.NullInt64
	if filledAt != nil {
		filled = sql.NullInt64{Int64: filledAt.UnixMilli(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, filled_at = COALESCE(?, filled_at) WHERE hl_order_id = ?`,
		status, filled, hlOrderID)
	if err != nil {
		return fmt.Errorf("update order %s: %w", hlOrderID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %s not found", hlOrderID)
	}
	return nil
}

// GetOrderByExchangeID returns the order with the given exchange order ID.
func (s *Store) GetOrderByExchangeID(ctx context.Context, hlOrderID string) (*Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, signal_id, hl_order_id, coin, side, size, price,
			order_type, tag, status, mode, filled_at, created_at
		FROM orders WHERE hl_order_id = ?
	`, hlOrderID)
	return scanOrder(row)
}

// ListOrders returns the most recent orders, newest first.
func (s *Store) ListOrders(ctx context.Context, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, signal_id, hl_order_id, coin, side, size, price,
			order_type, tag, status, mode, filled_at, created_at
		FROM orders ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	var hlID sql.NullString
	var price sql.NullFloat64
	var filledAt sql.NullInt64
	var createdAt int64
	err := row.Scan(&o.ID, &o.SignalID, &hlID, &o.Coin, &o.Side, &o.Size, &price,
		&o.OrderType, &o.Tag, &o.Status, &o.Mode, &filledAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.HLOrderID = hlID.String
	if price.Valid {
		v := price.Float64
		o.Price = &v
	}
	if filledAt.Valid {
		t := time.UnixMilli(filledAt.Int64).UTC()
		o.FilledAt = &t
	}
	o.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &o, nil
}
