package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockMarketOrderFillsAtMid(t *testing.T) {
	m := NewMockExchange(10000)
	m.SetMidPrice("BTC", 50000)
	ctx := context.Background()

	res, err := m.PlaceOrder(ctx, OrderRequest{Coin: "BTC", Side: SideBuy, Size: 0.5, Tag: TagEntry})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, res.Status)
	assert.InDelta(t, 0.5, res.FilledSize, 1e-9)
	assert.InDelta(t, 50000, res.AvgPrice, 1e-9)
}

func TestMockRestingOrdersAndCancel(t *testing.T) {
	m := NewMockExchange(10000)
	m.SetMidPrice("BTC", 50000)
	ctx := context.Background()

	trigger := 48000.0
	res, err := m.PlaceOrder(ctx, OrderRequest{
		Coin: "BTC", Side: SideSell, Size: 0.5, TriggerPrice: &trigger, ReduceOnly: true, Tag: TagSL,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusResting, res.Status)

	open, err := m.OpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].IsTrigger)
	assert.InDelta(t, 48000, open[0].TriggerPrice, 1e-9)

	require.NoError(t, m.CancelOrder(ctx, "BTC", res.OrderID))
	open, err = m.OpenOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	assert.Error(t, m.CancelOrder(ctx, "BTC", "missing"))
}

func TestMockFailTag(t *testing.T) {
	m := NewMockExchange(10000)
	m.SetMidPrice("BTC", 50000)
	m.FailTag(TagSL, true)
	ctx := context.Background()

	trigger := 48000.0
	_, err := m.PlaceOrder(ctx, OrderRequest{
		Coin: "BTC", Side: SideSell, Size: 0.5, TriggerPrice: &trigger, Tag: TagSL,
	})
	assert.Error(t, err)

	_, err = m.PlaceOrder(ctx, OrderRequest{Coin: "BTC", Side: SideBuy, Size: 0.5, Tag: TagEntry})
	assert.NoError(t, err)
}

func TestHyperliquidMetaAndMid(t *testing.T) {
	infoCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/info", r.URL.Path)
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		infoCalls++
		switch payload["type"] {
		case "meta":
			_, _ = w.Write([]byte(`{"universe":[
				{"name":"BTC","szDecimals":5,"maxLeverage":50},
				{"name":"ETH","szDecimals":4,"maxLeverage":50}]}`))
		case "allMids":
			_, _ = w.Write([]byte(`{"BTC":"50000.5","ETH":"3000"}`))
		default:
			t.Fatalf("unexpected info type %v", payload["type"])
		}
	}))
	defer srv.Close()

	h := NewHyperliquidExchange(srv.URL, nil, zerolog.Nop())
	ctx := context.Background()

	meta, err := h.Meta(ctx, "ETH")
	require.NoError(t, err)
	assert.Equal(t, 4, meta.SzDecimals)

	// Meta responses are cached.
	_, err = h.Meta(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, 1, infoCalls)

	mid, err := h.MidPrice(ctx, "BTC")
	require.NoError(t, err)
	assert.InDelta(t, 50000.5, mid, 1e-9)

	_, err = h.MidPrice(ctx, "DOGE")
	assert.Error(t, err)
}

func TestHyperliquidRequiresSignerForActions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"universe":[{"name":"BTC","szDecimals":5,"maxLeverage":50}]}`))
	}))
	defer srv.Close()

	h := NewHyperliquidExchange(srv.URL, nil, zerolog.Nop())
	err := h.SetLeverage(context.Background(), "BTC", 3, false)
	assert.ErrorContains(t, err, "signer")
}
