package exchange

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
)

// MockExchange is an in-memory venue for paper trading and tests. Market
// orders fill instantly at the configured mid price; limit and trigger
// orders rest until cancelled.
type MockExchange struct {
	mu        sync.Mutex
	mids      map[string]float64
	meta      map[string]AssetMeta
	orders    map[string]OpenOrder
	leverage  map[string]int
	equity    float64
	failTags  map[string]bool
	placedLog []OrderRequest
}

// NewMockExchange creates a mock with the given starting equity.
func NewMockExchange(equity float64) *MockExchange {
	return &MockExchange{
		mids:     make(map[string]float64),
		meta:     make(map[string]AssetMeta),
		orders:   make(map[string]OpenOrder),
		leverage: make(map[string]int),
		equity:   equity,
		failTags: make(map[string]bool),
	}
}

// SetMidPrice sets the mid price for a coin.
func (m *MockExchange) SetMidPrice(coin string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mids[coin] = price
}

// SetMeta sets the contract spec for a coin.
func (m *MockExchange) SetMeta(coin string, szDecimals, maxLeverage int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[coin] = AssetMeta{Coin: coin, SzDecimals: szDecimals, MaxLeverage: maxLeverage}
}

// FailTag makes placements with the given tag fail. Used to exercise the
// SL-placement-failure path.
func (m *MockExchange) FailTag(tag string, fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failTags[tag] = fail
}

// Placed returns every order request seen, in order.
func (m *MockExchange) Placed() []OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OrderRequest, len(m.placedLog))
	copy(out, m.placedLog)
	return out
}

// Leverage returns the last leverage set for a coin.
func (m *MockExchange) Leverage(coin string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leverage[coin]
}

func (m *MockExchange) Meta(_ context.Context, coin string) (*AssetMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if meta, ok := m.meta[coin]; ok {
		return &meta, nil
	}
	// Reasonable default for unconfigured coins.
	return &AssetMeta{Coin: coin, SzDecimals: 4, MaxLeverage: 50}, nil
}

func (m *MockExchange) MidPrice(_ context.Context, coin string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mid, ok := m.mids[coin]
	if !ok {
		return 0, fmt.Errorf("no mid price for %s", coin)
	}
	return mid, nil
}

func (m *MockExchange) SetLeverage(_ context.Context, coin string, leverage int, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leverage[coin] = leverage
	return nil
}

func (m *MockExchange) PlaceOrder(_ context.Context, req OrderRequest) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.Size <= 0 || math.IsNaN(req.Size) {
		return nil, fmt.Errorf("invalid order size %v", req.Size)
	}
	if m.failTags[req.Tag] {
		return nil, fmt.Errorf("order rejected by venue (tag %s)", req.Tag)
	}
	m.placedLog = append(m.placedLog, req)

	id := uuid.NewString()
	// Market orders fill at mid immediately.
	if req.Price == nil && req.TriggerPrice == nil {
		mid, ok := m.mids[req.Coin]
		if !ok {
			return nil, fmt.Errorf("no mid price for %s", req.Coin)
		}
		return &OrderResult{OrderID: id, Status: StatusFilled, FilledSize: req.Size, AvgPrice: mid}, nil
	}

	order := OpenOrder{
		OrderID: id,
		Coin:    req.Coin,
		Side:    req.Side,
		Size:    req.Size,
		Tag:     req.Tag,
	}
	if req.Price != nil {
		order.Price = *req.Price
	}
	if req.TriggerPrice != nil {
		order.IsTrigger = true
		order.TriggerPrice = *req.TriggerPrice
	}
	m.orders[id] = order
	return &OrderResult{OrderID: id, Status: StatusResting}, nil
}

func (m *MockExchange) CancelOrder(_ context.Context, _, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[orderID]; !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	delete(m.orders, orderID)
	return nil
}

func (m *MockExchange) OpenOrders(_ context.Context) ([]OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OpenOrder, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	return out, nil
}

func (m *MockExchange) Account(_ context.Context) (*AccountState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &AccountState{Equity: m.equity, Withdrawable: m.equity}, nil
}
