package candles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrUnsupportedSource is returned for a source outside the recognized set.
var ErrUnsupportedSource = errors.New("unsupported candle source")

// Recognized sources and their per-page defaults.
const (
	SourceBinance     = "binance"
	SourceHyperliquid = "hyperliquid"

	defaultPageBinance     = 1500
	defaultPageHyperliquid = 500
	defaultRequestDelay    = 200 * time.Millisecond
)

// binanceSymbols maps coins to Binance spot symbols. Coins outside the table
// fall back to <COIN>USDT.
var binanceSymbols = map[string]string{
	"BTC":  "BTCUSDT",
	"ETH":  "ETHUSDT",
	"SOL":  "SOLUSDT",
	"AVAX": "AVAXUSDT",
	"DOGE": "DOGEUSDT",
	"LINK": "LINKUSDT",
}

// FetchOptions configures a paginated fetch.
type FetchOptions struct {
	Source            string
	CandlesPerRequest int
	RequestDelay      time.Duration
	SymbolOverride    string
}

// PageFetcher fetches one page of candles from an upstream venue.
// Implementations perform no retries; errors propagate to the caller.
type PageFetcher interface {
	FetchPage(ctx context.Context, symbol, interval string, sinceMs, endMs int64, limit int) ([]Candle, error)
}

// Client is a paginated OHLCV fetcher over one or more venue sources.
type Client struct {
	fetchers map[string]PageFetcher
	sleep    func(context.Context, time.Duration)
}

// NewClient creates a client with the standard Binance and Hyperliquid
// sources. Either fetcher may be nil to disable that source.
func NewClient(binance PageFetcher, hyperliquid PageFetcher) *Client {
	fetchers := make(map[string]PageFetcher)
	if binance != nil {
		fetchers[SourceBinance] = binance
	}
	if hyperliquid != nil {
		fetchers[SourceHyperliquid] = hyperliquid
	}
	return &Client{fetchers: fetchers, sleep: sleepCtx}
}

// NewClientForSource creates a client with a single injected fetcher.
// Used by tests and by callers that only ever touch one venue.
func NewClientForSource(source string, f PageFetcher) *Client {
	return &Client{
		fetchers: map[string]PageFetcher{source: f},
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Symbol resolves the venue symbol for a (coin, source) pair.
func Symbol(coin, source, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	switch source {
	case SourceBinance:
		if sym, ok := binanceSymbols[coin]; ok {
			return sym, nil
		}
		return coin + "USDT", nil
	case SourceHyperliquid:
		return coin, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedSource, source)
	}
}

func pageLimit(source string, requested int) int {
	if requested > 0 {
		return requested
	}
	if source == SourceBinance {
		return defaultPageBinance
	}
	return defaultPageHyperliquid
}

// FetchCandles fetches [startMs, endMs] page by page, deduplicates by
// timestamp (first occurrence wins) and returns candles sorted ascending.
//
// Pagination stops on an empty page, on a page whose last timestamp did not
// advance past the cursor (stale upstream data would otherwise loop
// forever), or on a page shorter than the requested limit.
func (c *Client) FetchCandles(ctx context.Context, coin, interval string, startMs, endMs int64, opts FetchOptions) ([]Candle, error) {
	fetcher, ok := c.fetchers[opts.Source]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, opts.Source)
	}
	symbol, err := Symbol(coin, opts.Source, opts.SymbolOverride)
	if err != nil {
		return nil, err
	}
	intervalMs, err := IntervalMillis(interval)
	if err != nil {
		return nil, err
	}

	limit := pageLimit(opts.Source, opts.CandlesPerRequest)
	delay := opts.RequestDelay
	if delay == 0 {
		delay = defaultRequestDelay
	}

	var all []Candle
	requests := 0
	since := startMs
	for since < endMs {
		page, err := fetcher.FetchPage(ctx, symbol, interval, since, endMs, limit)
		if err != nil {
			return nil, err
		}
		requests++

		if len(page) == 0 {
			break
		}
		for _, candle := range page {
			if candle.T <= endMs {
				all = append(all, candle)
			}
		}
		lastTs := page[len(page)-1].T
		if lastTs <= since {
			break
		}
		if len(page) < limit {
			break
		}
		since = lastTs + intervalMs
		c.sleep(ctx, delay)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	out := DedupSort(all)
	log.Debug().
		Str("coin", coin).
		Str("interval", interval).
		Str("source", opts.Source).
		Int("requests", requests).
		Int("candles", len(out)).
		Msg("Fetched candles")
	return out, nil
}
