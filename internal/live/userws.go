package live

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// UserEventStream delivers fill batches from one live connection until it
// errors.
type UserEventStream interface {
	Next(ctx context.Context) ([]FillEvent, error)
	Close() error
}

// UserTransport dials the venue's user event feed.
type UserTransport interface {
	Connect(ctx context.Context) (UserEventStream, error)
}

// HyperliquidUserWS subscribes to Hyperliquid's userFills channel for one
// wallet. Snapshot replays on resubscribe are passed through; the fill
// table dedup makes them no-ops.
type HyperliquidUserWS struct {
	URL  string
	User string
}

// NewHyperliquidUserWS creates the transport for a wallet address.
func NewHyperliquidUserWS(url, user string) *HyperliquidUserWS {
	return &HyperliquidUserWS{URL: url, User: user}
}

type hlUserMessage struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type hlUserFill struct {
	Coin string `json:"coin"`
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Oid  int64  `json:"oid"`
	Tid  int64  `json:"tid"`
	Fee  string `json:"fee"`
	Time int64  `json:"time"`
}

type hlUserFills struct {
	IsSnapshot bool         `json:"isSnapshot"`
	Fills      []hlUserFill `json:"fills"`
}

// Connect dials the feed and sends the userFills subscription.
func (h *HyperliquidUserWS) Connect(ctx context.Context) (UserEventStream, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, h.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial hyperliquid user ws: %w", err)
	}
	sub := map[string]any{
		"method": "subscribe",
		"subscription": map[string]any{
			"type": "userFills",
			"user": h.User,
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe user fills: %w", err)
	}
	return &hlUserStream{conn: conn}, nil
}

type hlUserStream struct {
	conn *websocket.Conn
}

func (s *hlUserStream) Next(ctx context.Context) ([]FillEvent, error) {
	for {
		if deadline, ok := ctx.Deadline(); ok {
			_ = s.conn.SetReadDeadline(deadline)
		}
		var msg hlUserMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return nil, fmt.Errorf("read hyperliquid user ws: %w", err)
		}
		if msg.Channel != "userFills" {
			continue
		}
		var data hlUserFills
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, fmt.Errorf("decode user fills: %w", err)
		}
		out := make([]FillEvent, 0, len(data.Fills))
		for _, f := range data.Fills {
			ev, err := f.toFillEvent()
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
		}
		return out, nil
	}
}

func (s *hlUserStream) Close() error { return s.conn.Close() }

func (f hlUserFill) toFillEvent() (FillEvent, error) {
	px, err := strconv.ParseFloat(f.Px, 64)
	if err != nil {
		return FillEvent{}, fmt.Errorf("parse fill px %q: %w", f.Px, err)
	}
	sz, err := strconv.ParseFloat(f.Sz, 64)
	if err != nil {
		return FillEvent{}, fmt.Errorf("parse fill sz %q: %w", f.Sz, err)
	}
	fee, err := strconv.ParseFloat(f.Fee, 64)
	if err != nil {
		return FillEvent{}, fmt.Errorf("parse fill fee %q: %w", f.Fee, err)
	}
	return FillEvent{
		OrderID: strconv.FormatInt(f.Oid, 10),
		FillID:  strconv.FormatInt(f.Tid, 10),
		Coin:    f.Coin,
		Price:   px,
		Size:    sz,
		Fee:     fee,
		Time:    time.UnixMilli(f.Time).UTC(),
	}, nil
}
