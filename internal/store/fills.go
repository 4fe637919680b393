package store

import (
	"context"
	"fmt"
	"time"
)

// Fill is one execution report for an exchange order. The
// (hl_order_id, fill_id) pair is the dedup key: snapshot replays on
// resubscribe insert nothing new.
type Fill struct {
	HLOrderID string    `json:"hl_order_id"`
	FillID    string    `json:"fill_id"`
	Coin      string    `json:"coin"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Fee       float64   `json:"fee"`
	FilledAt  time.Time `json:"filled_at"`
}

// InsertFill records a fill. Returns inserted=false for a replayed fill.
func (s *Store) InsertFill(ctx context.Context, f *Fill) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO fills (hl_order_id, fill_id, coin, price, size, fee, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.HLOrderID, f.FillID, f.Coin, f.Price, f.Size, f.Fee, f.FilledAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("insert fill %s/%s: %w", f.HLOrderID, f.FillID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fill rows affected: %w", err)
	}
	return n > 0, nil
}

// ListFills returns fills for an order, oldest first.
func (s *Store) ListFills(ctx context.Context, hlOrderID string) ([]Fill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hl_order_id, fill_id, coin, price, size, fee, filled_at
		FROM fills WHERE hl_order_id = ? ORDER BY filled_at ASC
	`, hlOrderID)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Fill
	for rows.Next() {
		var f Fill
		var filledAt int64
		if err := rows.Scan(&f.HLOrderID, &f.FillID, &f.Coin, &f.Price, &f.Size, &f.Fee, &filledAt); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.FilledAt = time.UnixMilli(filledAt).UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}
