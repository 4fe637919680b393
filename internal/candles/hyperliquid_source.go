package candles

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// HyperliquidSource fetches candle snapshots from the Hyperliquid public
// info endpoint.
type HyperliquidSource struct {
	baseURL    string
	httpClient *http.Client
}

// NewHyperliquidSource creates a Hyperliquid candle source.
func NewHyperliquidSource(baseURL string) *HyperliquidSource {
	return &HyperliquidSource{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type hlCandleReq struct {
	Coin      string `json:"coin"`
	Interval  string `json:"interval"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
}

type hlInfoReq struct {
	Type string      `json:"type"`
	Req  hlCandleReq `json:"req"`
}

type hlCandle struct {
	T int64  `json:"t"`
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
	V string `json:"v"`
	N int    `json:"n"`
}

// FetchPage requests one candleSnapshot page. The venue caps snapshot size
// server-side; the limit argument only trims an oversized response.
func (h *HyperliquidSource) FetchPage(ctx context.Context, symbol, interval string, sinceMs, endMs int64, limit int) ([]Candle, error) {
	body, err := json.Marshal(hlInfoReq{
		Type: "candleSnapshot",
		Req:  hlCandleReq{Coin: symbol, Interval: interval, StartTime: sinceMs, EndTime: endMs},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal candleSnapshot request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/info", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hyperliquid candleSnapshot %s/%s: %w", symbol, interval, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read candleSnapshot response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hyperliquid candleSnapshot status %d: %s", resp.StatusCode, string(raw))
	}

	var rows []hlCandle
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("parse candleSnapshot response: %w", err)
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	out := make([]Candle, 0, len(rows))
	for _, r := range rows {
		c, err := r.toCandle()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (r hlCandle) toCandle() (Candle, error) {
	o, err := strconv.ParseFloat(r.O, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("parse candle open %q: %w", r.O, err)
	}
	h, err := strconv.ParseFloat(r.H, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("parse candle high %q: %w", r.H, err)
	}
	l, err := strconv.ParseFloat(r.L, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("parse candle low %q: %w", r.L, err)
	}
	c, err := strconv.ParseFloat(r.C, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("parse candle close %q: %w", r.C, err)
	}
	v, err := strconv.ParseFloat(r.V, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("parse candle volume %q: %w", r.V, err)
	}
	return Candle{T: r.T, O: o, H: h, L: l, C: c, V: v, N: r.N}, nil
}
