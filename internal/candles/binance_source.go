package candles

import (
	"context"
	"fmt"
	"strconv"

	binance "github.com/adshao/go-binance/v2"
)

// BinanceSource fetches kline pages from Binance spot.
type BinanceSource struct {
	client *binance.Client
}

// NewBinanceSource wraps a go-binance client as a PageFetcher.
func NewBinanceSource(client *binance.Client) *BinanceSource {
	return &BinanceSource{client: client}
}

// FetchPage requests one kline page. No retries; upstream errors propagate.
func (b *BinanceSource) FetchPage(ctx context.Context, symbol, interval string, sinceMs, endMs int64, limit int) ([]Candle, error) {
	klines, err := b.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		StartTime(sinceMs).
		EndTime(endMs).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines %s/%s: %w", symbol, interval, err)
	}

	out := make([]Candle, 0, len(klines))
	for _, k := range klines {
		c, err := klineToCandle(k)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func klineToCandle(k *binance.Kline) (Candle, error) {
	o, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("parse kline open %q: %w", k.Open, err)
	}
	h, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("parse kline high %q: %w", k.High, err)
	}
	l, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("parse kline low %q: %w", k.Low, err)
	}
	c, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("parse kline close %q: %w", k.Close, err)
	}
	v, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("parse kline volume %q: %w", k.Volume, err)
	}
	return Candle{T: k.OpenTime, O: o, H: h, L: l, C: c, V: v, N: int(k.TradeNum)}, nil
}
