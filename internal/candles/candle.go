// Package candles implements the candle data plane: a paginated OHLCV
// client, a persistent cache with gap-filling sync, and a unified
// warmup + live websocket streamer.
package candles

import (
	"fmt"
	"sort"
)

// Candle represents OHLCV data for one interval window starting at T (ms).
type Candle struct {
	T int64   `json:"t"`
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
	V float64 `json:"v"`
	N int     `json:"n"`
}

// Valid reports whether the candle satisfies the shape invariants.
// Invalid candles are discarded at ingestion boundaries, never stored.
func (c Candle) Valid() bool {
	if c.T < 0 || c.C <= 0 || c.V < 0 {
		return false
	}
	hi := c.O
	if c.C > hi {
		hi = c.C
	}
	lo := c.O
	if c.C < lo {
		lo = c.C
	}
	return c.H >= hi && c.L <= lo
}

// Key identifies a single time series.
type Key struct {
	Coin     string `json:"coin"`
	Interval string `json:"interval"`
	Source   string `json:"source"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Source, k.Coin, k.Interval)
}

// intervalMillis is the closed set of supported intervals. 1M has no fixed
// millisecond width; IntervalMillis returns a 30-day approximation for it.
var intervalMillis = map[string]int64{
	"1m":  60_000,
	"3m":  180_000,
	"5m":  300_000,
	"15m": 900_000,
	"30m": 1_800_000,
	"1h":  3_600_000,
	"2h":  7_200_000,
	"4h":  14_400_000,
	"8h":  28_800_000,
	"12h": 43_200_000,
	"1d":  86_400_000,
	"3d":  259_200_000,
	"1w":  604_800_000,
	"1M":  2_592_000_000,
}

// IntervalMillis returns the interval width in milliseconds.
func IntervalMillis(interval string) (int64, error) {
	ms, ok := intervalMillis[interval]
	if !ok {
		return 0, fmt.Errorf("unsupported interval: %s", interval)
	}
	return ms, nil
}

// ValidInterval reports whether interval is in the supported set.
func ValidInterval(interval string) bool {
	_, ok := intervalMillis[interval]
	return ok
}

// DedupSort deduplicates candles by T (first occurrence wins) and returns
// them sorted ascending. The input slice is not modified.
func DedupSort(in []Candle) []Candle {
	seen := make(map[int64]struct{}, len(in))
	out := make([]Candle, 0, len(in))
	for _, c := range in {
		if _, dup := seen[c.T]; dup {
			continue
		}
		seen[c.T] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].T < out[j].T })
	return out
}

// Aggregate rolls primary-interval candles up into buckets of the given
// higher interval, using OHLC aggregation rules: o=first, h=max, l=min,
// c=last, v and n summed. Bucket start is T floored to the higher interval.
func Aggregate(primary []Candle, higherMs int64) []Candle {
	if higherMs <= 0 || len(primary) == 0 {
		return nil
	}
	var out []Candle
	for _, c := range primary {
		bucket := c.T - (c.T % higherMs)
		if n := len(out); n > 0 && out[n-1].T == bucket {
			agg := &out[n-1]
			if c.H > agg.H {
				agg.H = c.H
			}
			if c.L < agg.L {
				agg.L = c.L
			}
			agg.C = c.C
			agg.V += c.V
			agg.N += c.N
			continue
		}
		out = append(out, Candle{T: bucket, O: c.O, H: c.H, L: c.L, C: c.C, V: c.V, N: c.N})
	}
	return out
}
