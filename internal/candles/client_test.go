package candles

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedFetcher returns canned pages in order and records cursors.
type scriptedFetcher struct {
	pages  [][]Candle
	cursor []int64
}

func (f *scriptedFetcher) FetchPage(_ context.Context, _, _ string, sinceMs, _ int64, _ int) ([]Candle, error) {
	f.cursor = append(f.cursor, sinceMs)
	if len(f.pages) == 0 {
		return nil, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func newTestClient(f PageFetcher) *Client {
	c := NewClientForSource(SourceHyperliquid, f)
	c.sleep = func(context.Context, time.Duration) {}
	return c
}

func bar(ts int64, close float64) Candle {
	return Candle{T: ts, O: close, H: close, L: close, C: close, V: 1, N: 1}
}

func TestFetchCandlesDeduplicatesSinglePage(t *testing.T) {
	fetcher := &scriptedFetcher{pages: [][]Candle{
		{bar(1000, 1), bar(1000, 9), bar(2000, 2)},
	}}
	client := newTestClient(fetcher)

	out, err := client.FetchCandles(context.Background(), "BTC", "1m", 0, 10_000, FetchOptions{Source: SourceHyperliquid})
	require.NoError(t, err)

	// Short page terminates pagination after one request.
	require.Len(t, fetcher.cursor, 1)
	require.Len(t, out, 2)
	assert.Equal(t, int64(1000), out[0].T)
	assert.Equal(t, 1.0, out[0].C) // first occurrence wins
	assert.Equal(t, int64(2000), out[1].T)
}

func TestFetchCandlesPaginatesPastCursor(t *testing.T) {
	fetcher := &scriptedFetcher{pages: [][]Candle{
		{bar(0, 1)},
		{bar(60_000, 2)},
	}}
	client := newTestClient(fetcher)

	out, err := client.FetchCandles(context.Background(), "BTC", "1m", 0, 120_000, FetchOptions{
		Source:            SourceHyperliquid,
		CandlesPerRequest: 1,
	})
	require.NoError(t, err)

	require.Len(t, out, 2)
	// Cursor advances one interval past the last returned timestamp.
	assert.Equal(t, []int64{0, 60_000}, fetcher.cursor)
}

func TestFetchCandlesStopsOnStalePage(t *testing.T) {
	// Second page falls behind the cursor; the loop must stop after it
	// while keeping both candles.
	fetcher := &scriptedFetcher{pages: [][]Candle{
		{bar(1000, 1)},
		{bar(500, 2)},
	}}
	client := newTestClient(fetcher)

	out, err := client.FetchCandles(context.Background(), "BTC", "1m", 0, 600_000, FetchOptions{
		Source:            SourceHyperliquid,
		CandlesPerRequest: 1,
	})
	require.NoError(t, err)

	require.Len(t, fetcher.cursor, 2)
	require.Len(t, out, 2)
	assert.Equal(t, int64(500), out[0].T)
	assert.Equal(t, int64(1000), out[1].T)
}

func TestFetchCandlesStopsWhenCursorDoesNotAdvance(t *testing.T) {
	// Upstream keeps replaying data at or before the cursor; without the
	// stale-timestamp guard this would loop forever.
	stale := []Candle{bar(1000, 1), bar(2000, 2)}
	fetcher := &scriptedFetcher{pages: [][]Candle{stale, stale, stale}}
	client := newTestClient(fetcher)

	out, err := client.FetchCandles(context.Background(), "BTC", "1m", 2000, 600_000, FetchOptions{
		Source:            SourceHyperliquid,
		CandlesPerRequest: 2,
	})
	require.NoError(t, err)
	require.Len(t, fetcher.cursor, 1)
	assert.Len(t, out, 2)
}

func TestFetchCandlesDropsRowsPastEnd(t *testing.T) {
	fetcher := &scriptedFetcher{pages: [][]Candle{
		{bar(1000, 1), bar(2000, 2), bar(99_000, 3)},
	}}
	client := newTestClient(fetcher)

	out, err := client.FetchCandles(context.Background(), "BTC", "1m", 0, 5000, FetchOptions{Source: SourceHyperliquid})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, int64(2000), out[1].T)
}

func TestFetchCandlesUnsupportedSource(t *testing.T) {
	client := newTestClient(&scriptedFetcher{})
	_, err := client.FetchCandles(context.Background(), "BTC", "1m", 0, 1000, FetchOptions{Source: "kraken"})
	assert.ErrorIs(t, err, ErrUnsupportedSource)
}

func TestSymbolResolution(t *testing.T) {
	sym, err := Symbol("BTC", SourceBinance, "")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", sym)

	sym, err = Symbol("WIF", SourceBinance, "")
	require.NoError(t, err)
	assert.Equal(t, "WIFUSDT", sym)

	sym, err = Symbol("BTC", SourceHyperliquid, "")
	require.NoError(t, err)
	assert.Equal(t, "BTC", sym)

	sym, err = Symbol("BTC", SourceBinance, "BTCUSDC")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDC", sym)

	_, err = Symbol("BTC", "kraken", "")
	assert.ErrorIs(t, err, ErrUnsupportedSource)
}
