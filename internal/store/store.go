// Package store provides the SQLite-backed persistence layer shared by the
// optimizer and the live runner: candle cache, signal audit log, orders,
// fills and equity snapshots.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/glebarez/go-sqlite" // registers the "sqlite" driver
	"github.com/rs/zerolog/log"
)

// Store wraps the SQLite database handle.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// A single writer with WAL keeps reader queries from blocking on the
	// sync/reconcile write paths.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", path).Msg("Store opened")
	return s, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			source   TEXT NOT NULL,
			coin     TEXT NOT NULL,
			interval TEXT NOT NULL,
			t        INTEGER NOT NULL,
			o REAL NOT NULL, h REAL NOT NULL, l REAL NOT NULL,
			c REAL NOT NULL, v REAL NOT NULL,
			n INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (source, coin, interval, t)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_meta (
			source   TEXT NOT NULL,
			coin     TEXT NOT NULL,
			interval TEXT NOT NULL,
			last_ts  INTEGER NOT NULL,
			PRIMARY KEY (source, coin, interval)
		)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id                TEXT PRIMARY KEY,
			alert_id          TEXT NOT NULL UNIQUE,
			source            TEXT NOT NULL,
			coin              TEXT NOT NULL,
			side              TEXT NOT NULL,
			entry_price       REAL,
			stop_loss         REAL NOT NULL,
			take_profits      TEXT NOT NULL,
			risk_check_passed INTEGER NOT NULL,
			risk_check_reason TEXT,
			created_at        INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id          TEXT PRIMARY KEY,
			signal_id   TEXT NOT NULL,
			hl_order_id TEXT,
			coin        TEXT NOT NULL,
			side        TEXT NOT NULL,
			size        REAL NOT NULL,
			price       REAL,
			order_type  TEXT NOT NULL,
			tag         TEXT NOT NULL,
			status      TEXT NOT NULL,
			mode        TEXT NOT NULL,
			filled_at   INTEGER,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_hl ON orders(hl_order_id)`,
		`CREATE TABLE IF NOT EXISTS fills (
			hl_order_id TEXT NOT NULL,
			fill_id     TEXT NOT NULL,
			coin        TEXT NOT NULL,
			price       REAL NOT NULL,
			size        REAL NOT NULL,
			fee         REAL NOT NULL,
			filled_at   INTEGER NOT NULL,
			PRIMARY KEY (hl_order_id, fill_id)
		)`,
		`CREATE TABLE IF NOT EXISTS equity_snapshots (
			taken_at INTEGER NOT NULL,
			equity   REAL NOT NULL,
			balance  REAL NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	return nil
}
