package candles

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
)

// Default websocket endpoints.
const (
	HyperliquidWSURL = "wss://api.hyperliquid.xyz/ws"
	BinanceWSURL     = "wss://stream.binance.com:9443/ws"
)

// ==================== HYPERLIQUID ====================

// HyperliquidWS subscribes to Hyperliquid's candle channel. Hyperliquid
// does not flag bar completion, so ticks carry Closed=false and the
// streamer's roll-over detection closes bars.
type HyperliquidWS struct {
	URL      string
	Coin     string
	Interval string
}

// NewHyperliquidWS creates a transport for one (coin, interval) feed.
func NewHyperliquidWS(coin, interval string) *HyperliquidWS {
	return &HyperliquidWS{URL: HyperliquidWSURL, Coin: coin, Interval: interval}
}

type hlWSCandle struct {
	T int64  `json:"t"`
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
	V string `json:"v"`
	N int    `json:"n"`
}

type hlWSMessage struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Connect dials the feed and sends the candle subscription.
func (h *HyperliquidWS) Connect(ctx context.Context) (TickStream, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, h.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial hyperliquid ws: %w", err)
	}

	sub := map[string]any{
		"method": "subscribe",
		"subscription": map[string]any{
			"type":     "candle",
			"coin":     h.Coin,
			"interval": h.Interval,
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe hyperliquid candles: %w", err)
	}
	return &hlTickStream{conn: conn}, nil
}

type hlTickStream struct {
	conn *websocket.Conn
}

func (s *hlTickStream) Next(ctx context.Context) (Tick, error) {
	for {
		if deadline, ok := ctx.Deadline(); ok {
			_ = s.conn.SetReadDeadline(deadline)
		}
		var msg hlWSMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return Tick{}, fmt.Errorf("read hyperliquid ws: %w", err)
		}
		if msg.Channel != "candle" {
			continue
		}
		var raw hlWSCandle
		if err := json.Unmarshal(msg.Data, &raw); err != nil {
			return Tick{}, fmt.Errorf("decode hyperliquid candle: %w", err)
		}
		c, err := hlWSToCandle(raw)
		if err != nil {
			return Tick{}, err
		}
		return Tick{Candle: c}, nil
	}
}

func (s *hlTickStream) Close() error { return s.conn.Close() }

func hlWSToCandle(raw hlWSCandle) (Candle, error) {
	parse := func(field, v string) (float64, error) {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("parse candle %s %q: %w", field, v, err)
		}
		return f, nil
	}
	var c Candle
	var err error
	c.T = raw.T
	c.N = raw.N
	if c.O, err = parse("open", raw.O); err != nil {
		return Candle{}, err
	}
	if c.H, err = parse("high", raw.H); err != nil {
		return Candle{}, err
	}
	if c.L, err = parse("low", raw.L); err != nil {
		return Candle{}, err
	}
	if c.C, err = parse("close", raw.C); err != nil {
		return Candle{}, err
	}
	if c.V, err = parse("volume", raw.V); err != nil {
		return Candle{}, err
	}
	return c, nil
}

// ==================== BINANCE ====================

// BinanceWS subscribes to a Binance kline stream. Binance flags completed
// bars explicitly, so ticks carry the venue's Closed flag.
type BinanceWS struct {
	URL      string
	Symbol   string
	Interval string
}

// NewBinanceWS creates a transport for one (symbol, interval) kline stream.
func NewBinanceWS(symbol, interval string) *BinanceWS {
	return &BinanceWS{URL: BinanceWSURL, Symbol: symbol, Interval: interval}
}

type binanceKlineEvent struct {
	Kline struct {
		Start  int64  `json:"t"`
		Open   string `json:"o"`
		High   string `json:"h"`
		Low    string `json:"l"`
		Close  string `json:"c"`
		Volume string `json:"v"`
		Trades int    `json:"n"`
		Final  bool   `json:"x"`
	} `json:"k"`
}

// Connect dials the combined-stream endpoint for the kline channel.
func (b *BinanceWS) Connect(ctx context.Context) (TickStream, error) {
	url := fmt.Sprintf("%s/%s@kline_%s", b.URL, strings.ToLower(b.Symbol), b.Interval)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial binance ws: %w", err)
	}
	return &binanceTickStream{conn: conn}, nil
}

type binanceTickStream struct {
	conn *websocket.Conn
}

func (s *binanceTickStream) Next(ctx context.Context) (Tick, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(deadline)
	}
	var ev binanceKlineEvent
	if err := s.conn.ReadJSON(&ev); err != nil {
		return Tick{}, fmt.Errorf("read binance ws: %w", err)
	}
	k := ev.Kline
	parse := func(field, v string) (float64, error) {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("parse kline %s %q: %w", field, v, err)
		}
		return f, nil
	}
	var c Candle
	var err error
	c.T = k.Start
	c.N = k.Trades
	if c.O, err = parse("open", k.Open); err != nil {
		return Tick{}, err
	}
	if c.H, err = parse("high", k.High); err != nil {
		return Tick{}, err
	}
	if c.L, err = parse("low", k.Low); err != nil {
		return Tick{}, err
	}
	if c.C, err = parse("close", k.Close); err != nil {
		return Tick{}, err
	}
	if c.V, err = parse("volume", k.Volume); err != nil {
		return Tick{}, err
	}
	return Tick{Candle: c, Closed: k.Final}, nil
}

func (s *binanceTickStream) Close() error { return s.conn.Close() }
