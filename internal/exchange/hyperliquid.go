package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Circuit breaker thresholds for venue calls.
const (
	venueMinRequests  = 5
	venueFailureRatio = 0.6
	venueOpenTimeout  = 30 * time.Second
	venueCountWindow  = 10 * time.Second
)

// Signer produces the wallet signature for one exchange action. Signing is
// a seam so the EIP-712 implementation (or an external signing service) can
// be swapped without touching the adapter.
type Signer interface {
	SignAction(action json.RawMessage, nonce int64) (json.RawMessage, error)
	Address() string
}

// HyperliquidExchange is the REST adapter for the Hyperliquid perp venue.
// Info queries are unauthenticated POSTs; exchange actions are signed via
// the configured Signer. All calls run through a circuit breaker.
type HyperliquidExchange struct {
	baseURL    string
	httpClient *http.Client
	signer     Signer
	breaker    *gobreaker.CircuitBreaker
	logger     zerolog.Logger

	metaMu    sync.Mutex
	metaCache map[string]AssetMeta
	assetIdx  map[string]int
}

// NewHyperliquidExchange creates the adapter. signer may be nil for
// read-only use (info endpoints only).
func NewHyperliquidExchange(baseURL string, signer Signer, logger zerolog.Logger) *HyperliquidExchange {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "hyperliquid",
		Interval: venueCountWindow,
		Timeout:  venueOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= venueMinRequests && ratio >= venueFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Exchange circuit breaker state change")
		},
	})
	return &HyperliquidExchange{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		signer:     signer,
		breaker:    breaker,
		logger:     logger,
		metaCache:  make(map[string]AssetMeta),
		assetIdx:   make(map[string]int),
	}
}

// ==================== INFO ENDPOINTS ====================

type hlUniverseAsset struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	MaxLeverage int    `json:"maxLeverage"`
}

type hlMeta struct {
	Universe []hlUniverseAsset `json:"universe"`
}

func (h *HyperliquidExchange) Meta(ctx context.Context, coin string) (*AssetMeta, error) {
	h.metaMu.Lock()
	if meta, ok := h.metaCache[coin]; ok {
		h.metaMu.Unlock()
		return &meta, nil
	}
	h.metaMu.Unlock()

	raw, err := h.info(ctx, map[string]any{"type": "meta"})
	if err != nil {
		return nil, err
	}
	var meta hlMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("parse meta response: %w", err)
	}

	h.metaMu.Lock()
	defer h.metaMu.Unlock()
	for i, asset := range meta.Universe {
		h.metaCache[asset.Name] = AssetMeta{
			Coin:        asset.Name,
			SzDecimals:  asset.SzDecimals,
			MaxLeverage: asset.MaxLeverage,
		}
		h.assetIdx[asset.Name] = i
	}
	if m, ok := h.metaCache[coin]; ok {
		return &m, nil
	}
	return nil, fmt.Errorf("coin %s not in venue universe", coin)
}

func (h *HyperliquidExchange) MidPrice(ctx context.Context, coin string) (float64, error) {
	raw, err := h.info(ctx, map[string]any{"type": "allMids"})
	if err != nil {
		return 0, err
	}
	var mids map[string]string
	if err := json.Unmarshal(raw, &mids); err != nil {
		return 0, fmt.Errorf("parse allMids response: %w", err)
	}
	s, ok := mids[coin]
	if !ok {
		return 0, fmt.Errorf("no mid price for %s", coin)
	}
	mid, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse mid %q: %w", s, err)
	}
	return mid, nil
}

type hlOpenOrder struct {
	Coin      string `json:"coin"`
	Oid       int64  `json:"oid"`
	Side      string `json:"side"` // "B" or "A"
	Sz        string `json:"sz"`
	LimitPx   string `json:"limitPx"`
	IsTrigger bool   `json:"isTrigger"`
	TriggerPx string `json:"triggerPx"`
}

func (h *HyperliquidExchange) OpenOrders(ctx context.Context) ([]OpenOrder, error) {
	if h.signer == nil {
		return nil, fmt.Errorf("open orders require a configured wallet")
	}
	raw, err := h.info(ctx, map[string]any{"type": "frontendOpenOrders", "user": h.signer.Address()})
	if err != nil {
		return nil, err
	}
	var rows []hlOpenOrder
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("parse openOrders response: %w", err)
	}
	out := make([]OpenOrder, 0, len(rows))
	for _, r := range rows {
		o := OpenOrder{
			OrderID:   strconv.FormatInt(r.Oid, 10),
			Coin:      r.Coin,
			Side:      SideSell,
			IsTrigger: r.IsTrigger,
		}
		if r.Side == "B" {
			o.Side = SideBuy
		}
		o.Size, _ = strconv.ParseFloat(r.Sz, 64)
		o.Price, _ = strconv.ParseFloat(r.LimitPx, 64)
		if r.IsTrigger {
			o.TriggerPrice, _ = strconv.ParseFloat(r.TriggerPx, 64)
		}
		out = append(out, o)
	}
	return out, nil
}

type hlClearinghouse struct {
	MarginSummary struct {
		AccountValue    string `json:"accountValue"`
		TotalMarginUsed string `json:"totalMarginUsed"`
	} `json:"marginSummary"`
	Withdrawable string `json:"withdrawable"`
}

func (h *HyperliquidExchange) Account(ctx context.Context) (*AccountState, error) {
	if h.signer == nil {
		return nil, fmt.Errorf("account state requires a configured wallet")
	}
	raw, err := h.info(ctx, map[string]any{"type": "clearinghouseState", "user": h.signer.Address()})
	if err != nil {
		return nil, err
	}
	var st hlClearinghouse
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("parse clearinghouseState: %w", err)
	}
	var acct AccountState
	acct.Equity, _ = strconv.ParseFloat(st.MarginSummary.AccountValue, 64)
	acct.MarginUsed, _ = strconv.ParseFloat(st.MarginSummary.TotalMarginUsed, 64)
	acct.Withdrawable, _ = strconv.ParseFloat(st.Withdrawable, 64)
	return &acct, nil
}

// ==================== EXCHANGE ACTIONS ====================

func (h *HyperliquidExchange) SetLeverage(ctx context.Context, coin string, leverage int, cross bool) error {
	idx, err := h.assetIndex(ctx, coin)
	if err != nil {
		return err
	}
	action, err := json.Marshal(map[string]any{
		"type":     "updateLeverage",
		"asset":    idx,
		"isCross":  cross,
		"leverage": leverage,
	})
	if err != nil {
		return err
	}
	_, err = h.exchange(ctx, action)
	return err
}

type hlOrderStatus struct {
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting,omitempty"`
	Filled *struct {
		Oid     int64  `json:"oid"`
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
	} `json:"filled,omitempty"`
	Error string `json:"error,omitempty"`
}

type hlOrderResponse struct {
	Status   string `json:"status"`
	Response struct {
		Data struct {
			Statuses []hlOrderStatus `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
}

func (h *HyperliquidExchange) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	idx, err := h.assetIndex(ctx, req.Coin)
	if err != nil {
		return nil, err
	}
	meta, err := h.Meta(ctx, req.Coin)
	if err != nil {
		return nil, err
	}

	order := map[string]any{
		"a": idx,
		"b": req.Side == SideBuy,
		"s": strconv.FormatFloat(req.Size, 'f', meta.SzDecimals, 64),
		"r": req.ReduceOnly,
	}
	switch {
	case req.TriggerPrice != nil:
		order["p"] = formatPx(*req.TriggerPrice)
		order["t"] = map[string]any{"trigger": map[string]any{
			"isMarket":  true,
			"triggerPx": formatPx(*req.TriggerPrice),
			"tpsl":      "sl",
		}}
	case req.Price != nil:
		order["p"] = formatPx(*req.Price)
		order["t"] = map[string]any{"limit": map[string]any{"tif": "Gtc"}}
	default:
		// Market orders are IoC limit orders at an aggressive price.
		mid, err := h.MidPrice(ctx, req.Coin)
		if err != nil {
			return nil, err
		}
		px := mid * 1.05
		if req.Side == SideSell {
			px = mid * 0.95
		}
		order["p"] = formatPx(px)
		order["t"] = map[string]any{"limit": map[string]any{"tif": "Ioc"}}
	}

	action, err := json.Marshal(map[string]any{
		"type":     "order",
		"orders":   []any{order},
		"grouping": "na",
	})
	if err != nil {
		return nil, err
	}
	raw, err := h.exchange(ctx, action)
	if err != nil {
		return nil, err
	}

	var resp hlOrderResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse order response: %w", err)
	}
	if len(resp.Response.Data.Statuses) == 0 {
		return nil, fmt.Errorf("order response carried no status: %s", string(raw))
	}
	st := resp.Response.Data.Statuses[0]
	switch {
	case st.Error != "":
		return &OrderResult{Status: StatusRejected}, fmt.Errorf("order rejected: %s", st.Error)
	case st.Filled != nil:
		res := &OrderResult{
			OrderID: strconv.FormatInt(st.Filled.Oid, 10),
			Status:  StatusFilled,
		}
		res.FilledSize, _ = strconv.ParseFloat(st.Filled.TotalSz, 64)
		res.AvgPrice, _ = strconv.ParseFloat(st.Filled.AvgPx, 64)
		return res, nil
	case st.Resting != nil:
		return &OrderResult{OrderID: strconv.FormatInt(st.Resting.Oid, 10), Status: StatusResting}, nil
	default:
		return nil, fmt.Errorf("order response missing status body: %s", string(raw))
	}
}

func (h *HyperliquidExchange) CancelOrder(ctx context.Context, coin, orderID string) error {
	idx, err := h.assetIndex(ctx, coin)
	if err != nil {
		return err
	}
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("parse order id %q: %w", orderID, err)
	}
	action, err := json.Marshal(map[string]any{
		"type":    "cancel",
		"cancels": []any{map[string]any{"a": idx, "o": oid}},
	})
	if err != nil {
		return err
	}
	_, err = h.exchange(ctx, action)
	return err
}

// ==================== TRANSPORT ====================

func (h *HyperliquidExchange) assetIndex(ctx context.Context, coin string) (int, error) {
	h.metaMu.Lock()
	idx, ok := h.assetIdx[coin]
	h.metaMu.Unlock()
	if ok {
		return idx, nil
	}
	if _, err := h.Meta(ctx, coin); err != nil {
		return 0, err
	}
	h.metaMu.Lock()
	defer h.metaMu.Unlock()
	return h.assetIdx[coin], nil
}

func (h *HyperliquidExchange) info(ctx context.Context, payload map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return h.post(ctx, "/info", body)
}

func (h *HyperliquidExchange) exchange(ctx context.Context, action json.RawMessage) (json.RawMessage, error) {
	if h.signer == nil {
		return nil, fmt.Errorf("exchange actions require a configured signer")
	}
	nonce := time.Now().UnixMilli()
	sig, err := h.signer.SignAction(action, nonce)
	if err != nil {
		return nil, fmt.Errorf("sign action: %w", err)
	}
	body, err := json.Marshal(map[string]any{
		"action":    action,
		"nonce":     nonce,
		"signature": sig,
	})
	if err != nil {
		return nil, err
	}
	return h.post(ctx, "/exchange", body)
}

func (h *HyperliquidExchange) post(ctx context.Context, path string, body []byte) (json.RawMessage, error) {
	out, err := h.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := h.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("hyperliquid %s: %w", path, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read %s response: %w", path, err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("hyperliquid %s status %d: %s", path, resp.StatusCode, string(raw))
		}
		return json.RawMessage(raw), nil
	})
	if err != nil {
		return nil, err
	}
	return out.(json.RawMessage), nil
}

func formatPx(px float64) string {
	return strconv.FormatFloat(px, 'f', -1, 64)
}
