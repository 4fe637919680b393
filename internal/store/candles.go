package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/quantloop/quantloop/internal/candles"
	"github.com/rs/zerolog/log"
)

// InsertCandles upserts candles by timestamp and advances sync_meta.last_ts
// to max(existing, max(t)) in the same transaction.
func (s *Store) InsertCandles(ctx context.Context, coin, interval, source string, rows []candles.Candle) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin candle insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (source, coin, interval, t, o, h, l, c, v, n)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source, coin, interval, t)
		DO UPDATE SET o=excluded.o, h=excluded.h, l=excluded.l,
			c=excluded.c, v=excluded.v, n=excluded.n
	`)
	if err != nil {
		return fmt.Errorf("prepare candle upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	var maxTs int64
	for _, c := range rows {
		if _, err := stmt.ExecContext(ctx, source, coin, interval, c.T, c.O, c.H, c.L, c.C, c.V, c.N); err != nil {
			return fmt.Errorf("upsert candle t=%d: %w", c.T, err)
		}
		if c.T > maxTs {
			maxTs = c.T
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_meta (source, coin, interval, last_ts)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (source, coin, interval)
		DO UPDATE SET last_ts = MAX(last_ts, excluded.last_ts)
	`, source, coin, interval, maxTs); err != nil {
		return fmt.Errorf("update sync_meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit candle insert: %w", err)
	}

	log.Debug().
		Str("coin", coin).
		Str("interval", interval).
		Str("source", source).
		Int("count", len(rows)).
		Int64("max_ts", maxTs).
		Msg("Candles upserted")
	return nil
}

// GetCandles returns candles in [startMs, endMs] sorted ascending by t.
func (s *Store) GetCandles(ctx context.Context, coin, interval string, startMs, endMs int64, source string) ([]candles.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t, o, h, l, c, v, n FROM candles
		WHERE source = ? AND coin = ? AND interval = ? AND t >= ? AND t <= ?
		ORDER BY t ASC
	`, source, coin, interval, startMs, endMs)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []candles.Candle
	for rows.Next() {
		var c candles.Candle
		if err := rows.Scan(&c.T, &c.O, &c.H, &c.L, &c.C, &c.V, &c.N); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candles: %w", err)
	}
	return out, nil
}

// GetFirstTimestamp returns the earliest stored timestamp for the key.
// ok is false when the series is empty.
func (s *Store) GetFirstTimestamp(ctx context.Context, coin, interval, source string) (int64, bool, error) {
	return s.timestampQuery(ctx, `SELECT MIN(t) FROM candles WHERE source = ? AND coin = ? AND interval = ?`, coin, interval, source)
}

// GetLastTimestamp returns the latest stored timestamp for the key.
func (s *Store) GetLastTimestamp(ctx context.Context, coin, interval, source string) (int64, bool, error) {
	return s.timestampQuery(ctx, `SELECT MAX(t) FROM candles WHERE source = ? AND coin = ? AND interval = ?`, coin, interval, source)
}

func (s *Store) timestampQuery(ctx context.Context, query, coin, interval, source string) (int64, bool, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, source, coin, interval).Scan(&ts)
	if err == sql.ErrNoRows || (err == nil && !ts.Valid) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("timestamp query: %w", err)
	}
	return ts.Int64, true, nil
}

// GetCandleCount returns the number of stored candles for the key.
func (s *Store) GetCandleCount(ctx context.Context, coin, interval, source string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM candles WHERE source = ? AND coin = ? AND interval = ?`,
		source, coin, interval).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count candles: %w", err)
	}
	return n, nil
}

// GetSyncedTimestamp returns sync_meta.last_ts for the key.
func (s *Store) GetSyncedTimestamp(ctx context.Context, coin, interval, source string) (int64, bool, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_ts FROM sync_meta WHERE source = ? AND coin = ? AND interval = ?`,
		source, coin, interval).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query sync_meta: %w", err)
	}
	return ts, true, nil
}
