package candles

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// CandleStore is the slice of the persistence layer the syncer needs.
type CandleStore interface {
	InsertCandles(ctx context.Context, coin, interval, source string, rows []Candle) error
	GetCandles(ctx context.Context, coin, interval string, startMs, endMs int64, source string) ([]Candle, error)
	GetFirstTimestamp(ctx context.Context, coin, interval, source string) (int64, bool, error)
	GetLastTimestamp(ctx context.Context, coin, interval, source string) (int64, bool, error)
	GetCandleCount(ctx context.Context, coin, interval, source string) (int, error)
}

// SyncResult reports how a sync was satisfied.
type SyncResult struct {
	Fetched int `json:"fetched"`
	Cached  int `json:"cached"`
}

// Syncer keeps the local candle cache consistent with upstream.
// Syncs on the same key are serialized: a concurrent second sync waits and
// then reads the freshly filled cache instead of re-fetching.
type Syncer struct {
	client *Client
	store  CandleStore

	mu    sync.Mutex
	locks map[Key]*sync.Mutex
}

// NewSyncer creates a syncer over a client and a store.
func NewSyncer(client *Client, store CandleStore) *Syncer {
	return &Syncer{
		client: client,
		store:  store,
		locks:  make(map[Key]*sync.Mutex),
	}
}

func (s *Syncer) keyLock(key Key) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Sync ensures the cache covers [startMs, endMs] for the key. The last
// cached bar is always re-fetched so an in-progress candle is overwritten
// with its finalized OHLCV once the window has elapsed.
func (s *Syncer) Sync(ctx context.Context, coin, interval string, startMs, endMs int64, opts FetchOptions) (SyncResult, error) {
	key := Key{Coin: coin, Interval: interval, Source: opts.Source}
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	firstTs, hasFirst, err := s.store.GetFirstTimestamp(ctx, coin, interval, opts.Source)
	if err != nil {
		return SyncResult{}, err
	}
	lastTs, hasLast, err := s.store.GetLastTimestamp(ctx, coin, interval, opts.Source)
	if err != nil {
		return SyncResult{}, err
	}

	if hasFirst && hasLast && firstTs <= startMs && lastTs >= endMs {
		cached, err := s.countInRange(ctx, key, startMs, endMs)
		if err != nil {
			return SyncResult{}, err
		}
		log.Debug().Stringer("key", key).Msg("Sync satisfied from cache")
		return SyncResult{Fetched: 0, Cached: cached}, nil
	}

	// Fetch from the range start unless the prefix is already cached, in
	// which case only the tail from the last bar onward is missing.
	fetchStart := startMs
	if hasFirst && firstTs <= startMs && hasLast && lastTs >= startMs {
		fetchStart = lastTs
	}

	fetched, err := s.client.FetchCandles(ctx, coin, interval, fetchStart, endMs, opts)
	if err != nil {
		return SyncResult{}, err
	}

	valid := fetched[:0:0]
	for _, c := range fetched {
		if c.Valid() {
			valid = append(valid, c)
		}
	}
	if err := s.store.InsertCandles(ctx, coin, interval, opts.Source, valid); err != nil {
		return SyncResult{}, err
	}

	cached, err := s.countInRange(ctx, key, startMs, endMs)
	if err != nil {
		return SyncResult{}, err
	}

	log.Info().
		Stringer("key", key).
		Int("fetched", len(valid)).
		Int("cached", cached).
		Msg("Sync complete")
	return SyncResult{Fetched: len(valid), Cached: cached}, nil
}

func (s *Syncer) countInRange(ctx context.Context, key Key, startMs, endMs int64) (int, error) {
	rows, err := s.store.GetCandles(ctx, key.Coin, key.Interval, startMs, endMs, key.Source)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// SyncRecent syncs the most recent bars ending now.
func (s *Syncer) SyncRecent(ctx context.Context, coin, interval string, bars int, nowMs int64, opts FetchOptions) (SyncResult, error) {
	intervalMs, err := IntervalMillis(interval)
	if err != nil {
		return SyncResult{}, err
	}
	startMs := nowMs - int64(bars)*intervalMs
	if startMs < 0 {
		startMs = 0
	}
	return s.Sync(ctx, coin, interval, startMs, nowMs, opts)
}

// Store exposes the underlying store for read paths.
func (s *Syncer) Store() CandleStore { return s.store }
