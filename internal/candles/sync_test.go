package candles

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory CandleStore for syncer tests.
type memStore struct {
	mu   sync.Mutex
	rows map[int64]Candle
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[int64]Candle)}
}

func (m *memStore) InsertCandles(_ context.Context, _, _, _ string, rows []Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range rows {
		m.rows[c.T] = c
	}
	return nil
}

func (m *memStore) GetCandles(_ context.Context, _, _ string, startMs, endMs int64, _ string) ([]Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Candle
	for _, c := range m.rows {
		if c.T >= startMs && c.T <= endMs {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].T < out[j].T })
	return out, nil
}

func (m *memStore) GetFirstTimestamp(_ context.Context, _, _, _ string) (int64, bool, error) {
	return m.boundary(func(ts, best int64) bool { return ts < best })
}

func (m *memStore) GetLastTimestamp(_ context.Context, _, _, _ string) (int64, bool, error) {
	return m.boundary(func(ts, best int64) bool { return ts > best })
}

func (m *memStore) boundary(better func(ts, best int64) bool) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.rows) == 0 {
		return 0, false, nil
	}
	var best int64
	first := true
	for ts := range m.rows {
		if first || better(ts, best) {
			best = ts
			first = false
		}
	}
	return best, true, nil
}

func (m *memStore) GetCandleCount(_ context.Context, _, _, _ string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows), nil
}

func newTestSyncer(fetcher PageFetcher, store CandleStore) *Syncer {
	return NewSyncer(newTestClient(fetcher), store)
}

func TestSyncServedFromCache(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.InsertCandles(context.Background(), "BTC", "1m", SourceHyperliquid,
		[]Candle{bar(0, 1), bar(60_000, 2), bar(120_000, 3)}))

	fetcher := &scriptedFetcher{}
	syncer := newTestSyncer(fetcher, store)

	res, err := syncer.Sync(context.Background(), "BTC", "1m", 0, 120_000, FetchOptions{Source: SourceHyperliquid})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Fetched)
	assert.Equal(t, 3, res.Cached)
	assert.Empty(t, fetcher.cursor)
}

func TestSyncBackfillsMissingPrefix(t *testing.T) {
	// Cache holds only the newest bar; a request for an earlier range must
	// fetch from the range start, not from the cached tail.
	store := newMemStore()
	require.NoError(t, store.InsertCandles(context.Background(), "BTC", "1m", SourceHyperliquid,
		[]Candle{bar(5000, 5)}))

	fetcher := &scriptedFetcher{pages: [][]Candle{
		{bar(1000, 1), bar(2000, 2)},
	}}
	syncer := newTestSyncer(fetcher, store)

	res, err := syncer.Sync(context.Background(), "BTC", "1m", 0, 5000, FetchOptions{Source: SourceHyperliquid})
	require.NoError(t, err)

	require.Len(t, fetcher.cursor, 1)
	assert.Equal(t, int64(0), fetcher.cursor[0])
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 3, res.Cached)
}

func TestSyncRefetchesLastBarForTail(t *testing.T) {
	// The newest cached bar may have been stored while still in progress;
	// extending the range re-fetches it so the finalized OHLCV wins.
	store := newMemStore()
	inProgress := Candle{T: 120_000, O: 10, H: 10, L: 10, C: 10, V: 1, N: 1}
	require.NoError(t, store.InsertCandles(context.Background(), "BTC", "1m", SourceHyperliquid,
		[]Candle{bar(0, 1), bar(60_000, 2), inProgress}))

	finalized := Candle{T: 120_000, O: 10, H: 14, L: 9, C: 13, V: 7, N: 9}
	fetcher := &scriptedFetcher{pages: [][]Candle{
		{finalized, bar(180_000, 4)},
	}}
	syncer := newTestSyncer(fetcher, store)

	res, err := syncer.Sync(context.Background(), "BTC", "1m", 0, 180_000, FetchOptions{Source: SourceHyperliquid})
	require.NoError(t, err)

	require.Len(t, fetcher.cursor, 1)
	assert.Equal(t, int64(120_000), fetcher.cursor[0])
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 4, res.Cached)

	rows, err := store.GetCandles(context.Background(), "BTC", "1m", 120_000, 120_000, SourceHyperliquid)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, finalized, rows[0])
}

func TestSyncFiltersInvalidRows(t *testing.T) {
	store := newMemStore()
	fetcher := &scriptedFetcher{pages: [][]Candle{
		{bar(1000, 1), {T: 2000, O: 5, H: 4, L: 6, C: 5, V: 1}},
	}}
	syncer := newTestSyncer(fetcher, store)

	res, err := syncer.Sync(context.Background(), "BTC", "1m", 0, 5000, FetchOptions{Source: SourceHyperliquid})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, 1, res.Cached)
}

func TestSyncRecentClampsStart(t *testing.T) {
	store := newMemStore()
	fetcher := &scriptedFetcher{pages: [][]Candle{{bar(0, 1)}}}
	syncer := newTestSyncer(fetcher, store)

	_, err := syncer.SyncRecent(context.Background(), "BTC", "1d", 100, 86_400_000, FetchOptions{Source: SourceHyperliquid})
	require.NoError(t, err)
	require.Len(t, fetcher.cursor, 1)
	assert.Equal(t, int64(0), fetcher.cursor[0])
}
