package store

import (
	"context"
	"fmt"
	"time"
)

// EquitySnapshot is a periodic account-equity observation.
type EquitySnapshot struct {
	TakenAt time.Time `json:"taken_at"`
	Equity  float64   `json:"equity"`
	Balance float64   `json:"balance"`
}

// InsertEquitySnapshot appends one snapshot.
func (s *Store) InsertEquitySnapshot(ctx context.Context, snap *EquitySnapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO equity_snapshots (taken_at, equity, balance) VALUES (?, ?, ?)`,
		snap.TakenAt.UnixMilli(), snap.Equity, snap.Balance)
	if err != nil {
		return fmt.Errorf("insert equity snapshot: %w", err)
	}
	return nil
}

// ListEquitySnapshots returns snapshots since the cutoff, oldest first.
func (s *Store) ListEquitySnapshots(ctx context.Context, since time.Time) ([]EquitySnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT taken_at, equity, balance FROM equity_snapshots WHERE taken_at >= ? ORDER BY taken_at ASC`,
		since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query equity snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []EquitySnapshot
	for rows.Next() {
		var snap EquitySnapshot
		var takenAt int64
		if err := rows.Scan(&takenAt, &snap.Equity, &snap.Balance); err != nil {
			return nil, fmt.Errorf("scan equity snapshot: %w", err)
		}
		snap.TakenAt = time.UnixMilli(takenAt).UTC()
		out = append(out, snap)
	}
	return out, rows.Err()
}
