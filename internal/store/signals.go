package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// StoredSignal is the persisted audit record for every signal decision,
// admitted or rejected. AlertID is the idempotency key.
type StoredSignal struct {
	ID              string    `json:"id"`
	AlertID         string    `json:"alert_id"`
	Source          string    `json:"source"`
	Coin            string    `json:"coin"`
	Side            string    `json:"side"`
	EntryPrice      *float64  `json:"entry_price,omitempty"`
	StopLoss        float64   `json:"stop_loss"`
	TakeProfitsJSON string    `json:"take_profits"`
	RiskCheckPassed bool      `json:"risk_check_passed"`
	RiskCheckReason string    `json:"risk_check_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// InsertSignal writes one signal decision. A duplicate alert_id violates the
// UNIQUE constraint and is surfaced to the caller.
func (s *Store) InsertSignal(ctx context.Context, sig *StoredSignal) error {
	var entry sql.NullFloat64
	if sig.EntryPrice != nil {
		entry = sql.NullFloat64{Float64: *sig.EntryPrice, Valid: true}
	}
	var reason sql.NullString
	if sig.RiskCheckReason != "" {
		reason = sql.NullString{String: sig.RiskCheckReason, Valid: true}
	}
	passed := 0
	if sig.RiskCheckPassed {
		passed = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (id, alert_id, source, coin, side, entry_price,
			stop_loss, take_profits, risk_check_passed, risk_check_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sig.ID, sig.AlertID, sig.Source, sig.Coin, sig.Side, entry,
		sig.StopLoss, sig.TakeProfitsJSON, passed, reason, sig.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert signal %s: %w", sig.AlertID, err)
	}
	return nil
}

// HasSignal reports whether a signal with the alert ID is already stored.
func (s *Store) HasSignal(ctx context.Context, alertID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM signals WHERE alert_id = ?`, alertID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query signal %s: %w", alertID, err)
	}
	return n > 0, nil
}

// ListSignals returns the most recent signal decisions, newest first.
func (s *Store) ListSignals(ctx context.Context, limit int) ([]StoredSignal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alert_id, source, coin, side, entry_price, stop_loss,
			take_profits, risk_check_passed, risk_check_reason, created_at
		FROM signals ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StoredSignal
	for rows.Next() {
		var sig StoredSignal
		var entry sql.NullFloat64
		var reason sql.NullString
		var passed int
		var createdAt int64
		if err := rows.Scan(&sig.ID, &sig.AlertID, &sig.Source, &sig.Coin, &sig.Side,
			&entry, &sig.StopLoss, &sig.TakeProfitsJSON, &passed, &reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		if entry.Valid {
			v := entry.Float64
			sig.EntryPrice = &v
		}
		sig.RiskCheckPassed = passed != 0
		sig.RiskCheckReason = reason.String
		sig.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, sig)
	}
	return out, rows.Err()
}

// CountTradesSince counts admitted signals for a coin since the cutoff.
// Used by the risk gate's daily trade cap.
func (s *Store) CountTradesSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM signals WHERE risk_check_passed = 1 AND created_at >= ?`,
		since.UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count trades: %w", err)
	}
	return n, nil
}
