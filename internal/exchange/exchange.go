// Package exchange defines the venue interface for live trading and its two
// implementations: the Hyperliquid REST adapter and a mock used for paper
// trading and tests.
package exchange

import "context"

// Order sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order result statuses.
const (
	StatusFilled   = "filled"
	StatusResting  = "resting"
	StatusRejected = "rejected"
)

// Leg tags identify what an order is for.
const (
	TagEntry = "entry"
	TagSL    = "sl"
	TagTP    = "tp" // tp1, tp2, ... are derived from this prefix
)

// AssetMeta is the per-coin contract specification.
type AssetMeta struct {
	Coin        string `json:"coin"`
	SzDecimals  int    `json:"sz_decimals"`
	MaxLeverage int    `json:"max_leverage"`
}

// AccountState is the wallet's margin summary.
type AccountState struct {
	Equity       float64 `json:"equity"`
	MarginUsed   float64 `json:"margin_used"`
	Withdrawable float64 `json:"withdrawable"`
}

// OrderRequest describes one order leg. A nil Price means market; a non-nil
// TriggerPrice makes it a stop-market trigger order.
type OrderRequest struct {
	Coin         string   `json:"coin"`
	Side         string   `json:"side"`
	Size         float64  `json:"size"`
	Price        *float64 `json:"price,omitempty"`
	TriggerPrice *float64 `json:"trigger_price,omitempty"`
	ReduceOnly   bool     `json:"reduce_only"`
	Tag          string   `json:"tag"`
}

// OrderResult is the venue's response to a placement.
type OrderResult struct {
	OrderID    string  `json:"order_id"`
	Status     string  `json:"status"`
	FilledSize float64 `json:"filled_size"`
	AvgPrice   float64 `json:"avg_price"`
}

// OpenOrder is one resting order on the venue.
type OpenOrder struct {
	OrderID      string  `json:"order_id"`
	Coin         string  `json:"coin"`
	Side         string  `json:"side"`
	Size         float64 `json:"size"`
	Price        float64 `json:"price"`
	IsTrigger    bool    `json:"is_trigger"`
	TriggerPrice float64 `json:"trigger_price,omitempty"`
	Tag          string  `json:"tag,omitempty"`
}

// Exchange is the venue surface the live trading layer depends on. Both
// HyperliquidExchange and MockExchange implement it.
type Exchange interface {
	// Meta returns the asset's contract spec (size decimals, max leverage).
	Meta(ctx context.Context, coin string) (*AssetMeta, error)

	// MidPrice returns the current mid price for the coin.
	MidPrice(ctx context.Context, coin string) (float64, error)

	// SetLeverage configures leverage for the coin. Idempotent.
	SetLeverage(ctx context.Context, coin string, leverage int, cross bool) error

	// PlaceOrder submits one order leg.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// CancelOrder cancels a resting order.
	CancelOrder(ctx context.Context, coin, orderID string) error

	// OpenOrders lists the wallet's resting orders.
	OpenOrders(ctx context.Context) ([]OpenOrder, error)

	// Account returns the wallet's margin summary.
	Account(ctx context.Context) (*AccountState, error)
}
