package live

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantloop/quantloop/internal/alerts"
	"github.com/quantloop/quantloop/internal/config"
	"github.com/quantloop/quantloop/internal/events"
	"github.com/quantloop/quantloop/internal/exchange"
	"github.com/quantloop/quantloop/internal/risk"
	"github.com/quantloop/quantloop/internal/store"
	"github.com/quantloop/quantloop/internal/strategy"
)

// memOrders is an in-memory OrderStore.
type memOrders struct {
	mu    sync.Mutex
	rows  map[string]*store.Order
	fills map[string]bool
}

func newMemOrders() *memOrders {
	return &memOrders{rows: make(map[string]*store.Order), fills: make(map[string]bool)}
}

func (m *memOrders) InsertOrder(_ context.Context, o *store.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	if cp.HLOrderID != "" {
		m.rows[cp.HLOrderID] = &cp
	}
	return nil
}

func (m *memOrders) UpdateOrderStatus(_ context.Context, hlOrderID, status string, filledAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.rows[hlOrderID]
	if !ok {
		return fmt.Errorf("order %s not found", hlOrderID)
	}
	o.Status = status
	if filledAt != nil {
		o.FilledAt = filledAt
	}
	return nil
}

func (m *memOrders) GetOrderByExchangeID(_ context.Context, hlOrderID string) (*store.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.rows[hlOrderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", hlOrderID)
	}
	cp := *o
	return &cp, nil
}

func (m *memOrders) InsertFill(_ context.Context, f *store.Fill) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := f.HLOrderID + "/" + f.FillID
	if m.fills[key] {
		return false, nil
	}
	m.fills[key] = true
	return true, nil
}

func (m *memOrders) byTag(tag string) *store.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.rows {
		if o.Tag == tag {
			cp := *o
			return &cp
		}
	}
	return nil
}

// captureAlerter records delivered alerts.
type captureAlerter struct {
	mu   sync.Mutex
	sent []alerts.Alert
}

func (c *captureAlerter) Send(_ context.Context, alert alerts.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, alert)
	return nil
}

func (c *captureAlerter) bySeverity(sev alerts.Severity) []alerts.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []alerts.Alert
	for _, a := range c.sent {
		if a.Severity == sev {
			out = append(out, a)
		}
	}
	return out
}

// capturePublisher records published events.
type capturePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (c *capturePublisher) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func (c *capturePublisher) eventsOf(subject string) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for i, s := range c.subjects {
		if s != subject {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal(c.payloads[i], &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

type liveFixture struct {
	venue    *exchange.MockExchange
	book     *PositionBook
	orders   *memOrders
	alerts   *captureAlerter
	pub      *capturePublisher
	handler  *Handler
	consumer *Consumer
}

func newLiveFixture(t *testing.T) *liveFixture {
	t.Helper()
	venue := exchange.NewMockExchange(10000)
	venue.SetMidPrice("BTC", 50000)
	venue.SetMeta("BTC", 4, 50)

	book := NewPositionBook(zerolog.Nop())
	orders := newMemOrders()
	cap := &captureAlerter{}
	pub := &capturePublisher{}

	evlog, err := events.Open(filepath.Join(t.TempDir(), "events.jsonl"), pub, "", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = evlog.Close() })

	cfg := config.TradingConfig{
		Coins:           []string{"BTC"},
		Interval:        "1h",
		Leverage:        5,
		EntrySlippageBP: 10,
	}
	handler := NewHandler(venue, book, orders, alerts.NewManager(cap), evlog, cfg, "paper", zerolog.Nop())
	consumer := NewConsumer(venue, book, orders, handler, evlog, zerolog.Nop())

	return &liveFixture{
		venue:    venue,
		book:     book,
		orders:   orders,
		alerts:   cap,
		pub:      pub,
		handler:  handler,
		consumer: consumer,
	}
}

func longSignal() (*risk.Signal, *risk.Decision) {
	sig := &risk.Signal{
		Coin:      "BTC",
		Direction: "long",
		StopLoss:  49000,
		TakeProfits: []strategy.TakeProfit{
			{Price: 51000, PctOfPosition: 0.5},
			{Price: 52000, PctOfPosition: 0.5},
		},
	}
	dec := &risk.Decision{
		Allowed:  true,
		SignalID: "sig-1",
		Size:     0.1,
		RefPrice: 50000,
	}
	return sig, dec
}

func TestHandlerMarketEntryPlacesProtectiveLegs(t *testing.T) {
	f := newLiveFixture(t)
	sig, dec := longSignal()

	require.NoError(t, f.handler.Execute(context.Background(), sig, dec, "donchian_adx"))

	assert.Equal(t, 5, f.venue.Leverage("BTC"))

	placed := f.venue.Placed()
	require.Len(t, placed, 4)
	assert.Equal(t, exchange.TagEntry, placed[0].Tag)
	assert.Equal(t, exchange.SideBuy, placed[0].Side)
	assert.Nil(t, placed[0].Price)

	assert.Equal(t, exchange.TagSL, placed[1].Tag)
	assert.Equal(t, exchange.SideSell, placed[1].Side)
	assert.True(t, placed[1].ReduceOnly)
	require.NotNil(t, placed[1].TriggerPrice)
	assert.InDelta(t, 49000, *placed[1].TriggerPrice, 1e-9)
	assert.InDelta(t, 0.1, placed[1].Size, 1e-9)

	assert.Equal(t, "tp1", placed[2].Tag)
	assert.InDelta(t, 0.05, placed[2].Size, 1e-9)
	require.NotNil(t, placed[2].Price)
	assert.InDelta(t, 51000, *placed[2].Price, 1e-9)
	assert.Equal(t, "tp2", placed[3].Tag)

	pos := f.book.Get("BTC")
	require.NotNil(t, pos)
	assert.Equal(t, "long", pos.Direction)
	assert.InDelta(t, 0.1, pos.Size, 1e-9)
	assert.InDelta(t, 50000, pos.EntryPrice, 1e-9)
	assert.NotEmpty(t, pos.StopOrderID)
	assert.Len(t, pos.TakeProfits, 2)
	assert.InDelta(t, 100, pos.RiskAmount, 1e-6)

	entry := f.orders.byTag(exchange.TagEntry)
	require.NotNil(t, entry)
	assert.Equal(t, store.OrderStatusFilled, entry.Status)
	assert.Equal(t, "paper", entry.Mode)
	require.NotNil(t, f.orders.byTag(exchange.TagSL))
	require.NotNil(t, f.orders.byTag("tp1"))
	require.NotNil(t, f.orders.byTag("tp2"))

	infos := f.alerts.bySeverity(alerts.SeverityInfo)
	require.Len(t, infos, 1)
	assert.Contains(t, infos[0].Message, "LONG BTC")
}

func TestHandlerStopFailureClosesPositionAtMarket(t *testing.T) {
	f := newLiveFixture(t)
	f.venue.FailTag(exchange.TagSL, true)
	sig, dec := longSignal()

	err := f.handler.Execute(context.Background(), sig, dec, "donchian_adx")
	require.Error(t, err)

	assert.Nil(t, f.book.Get("BTC"))

	criticals := f.alerts.bySeverity(alerts.SeverityCritical)
	require.NotEmpty(t, criticals)
	assert.Contains(t, criticals[0].Title, "Stop order failed")

	placed := f.venue.Placed()
	last := placed[len(placed)-1]
	assert.Equal(t, exchange.SideSell, last.Side)
	assert.True(t, last.ReduceOnly)
	assert.Nil(t, last.Price)
	assert.Nil(t, last.TriggerPrice)

	assert.Empty(t, f.alerts.bySeverity(alerts.SeverityInfo), "no trade notification for a failed trade")
}

func TestHandlerTPFailureKeepsPosition(t *testing.T) {
	f := newLiveFixture(t)
	f.venue.FailTag("tp1", true)
	sig, dec := longSignal()

	require.NoError(t, f.handler.Execute(context.Background(), sig, dec, "donchian_adx"))

	pos := f.book.Get("BTC")
	require.NotNil(t, pos)
	assert.Len(t, pos.TakeProfits, 1, "only the surviving leg is attached")

	warnings := f.alerts.bySeverity(alerts.SeverityWarning)
	require.NotEmpty(t, warnings)
	assert.Contains(t, warnings[0].Title, "TP order failed")
}

func TestHandlerLimitEntryRestsThenFillOpens(t *testing.T) {
	f := newLiveFixture(t)
	sig, dec := longSignal()
	entry := 49500.0
	sig.EntryPrice = &entry

	require.NoError(t, f.handler.Execute(context.Background(), sig, dec, "donchian_adx"))
	assert.Nil(t, f.book.Get("BTC"), "position opens on fill, not on placement")

	placed := f.venue.Placed()
	require.Len(t, placed, 1)
	require.NotNil(t, placed[0].Price)
	assert.InDelta(t, 49500*1.001, *placed[0].Price, 1e-6, "limit shifted by slippage allowance")

	entryRow := f.orders.byTag(exchange.TagEntry)
	require.NotNil(t, entryRow)
	assert.Equal(t, store.OrderStatusPending, entryRow.Status)

	f.consumer.HandleFills(context.Background(), []FillEvent{{
		OrderID: entryRow.HLOrderID,
		FillID:  "t1",
		Coin:    "BTC",
		Price:   49500,
		Size:    0.1,
		Time:    time.Now(),
	}})

	pos := f.book.Get("BTC")
	require.NotNil(t, pos)
	assert.InDelta(t, 49500, pos.EntryPrice, 1e-9)
	assert.NotEmpty(t, pos.StopOrderID)
	assert.Len(t, pos.TakeProfits, 2)

	entryRow = f.orders.byTag(exchange.TagEntry)
	assert.Equal(t, store.OrderStatusFilled, entryRow.Status)
}

func TestConsumerStopFillClosesAndCancelsTPs(t *testing.T) {
	f := newLiveFixture(t)
	sig, dec := longSignal()
	require.NoError(t, f.handler.Execute(context.Background(), sig, dec, "donchian_adx"))

	pos := f.book.Get("BTC")
	require.NotNil(t, pos)
	slID := pos.StopOrderID
	tpID := pos.TakeProfits[0].OrderID

	// The venue consumes the trigger when it executes.
	require.NoError(t, f.venue.CancelOrder(context.Background(), "BTC", slID))

	// The stop fill is applied before the TP fill even when the batch
	// arrives in the opposite order.
	f.consumer.HandleFills(context.Background(), []FillEvent{
		{OrderID: tpID, FillID: "t2", Coin: "BTC", Price: 51000, Size: 0.05, Time: time.Now()},
		{OrderID: slID, FillID: "t1", Coin: "BTC", Price: 49000, Size: 0.1, Fee: 1, Time: time.Now()},
	})

	assert.Nil(t, f.book.Get("BTC"))

	closedEvs := f.pub.eventsOf("quantloop.events.position.closed")
	require.Len(t, closedEvs, 1)
	assert.Equal(t, "stop_loss", closedEvs[0].Payload["reason"])
	assert.InDelta(t, -101, closedEvs[0].Payload["realized_pnl"].(float64), 1e-6)

	open, err := f.venue.OpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open, "TP legs cancelled after the stop fill")
}

func TestConsumerTPFillsReduceThenClose(t *testing.T) {
	f := newLiveFixture(t)
	sig, dec := longSignal()
	require.NoError(t, f.handler.Execute(context.Background(), sig, dec, "donchian_adx"))

	pos := f.book.Get("BTC")
	require.NotNil(t, pos)
	tp1 := pos.TakeProfits[0].OrderID
	tp2 := pos.TakeProfits[1].OrderID

	require.NoError(t, f.venue.CancelOrder(context.Background(), "BTC", tp1))
	f.consumer.HandleFills(context.Background(), []FillEvent{
		{OrderID: tp1, FillID: "t1", Coin: "BTC", Price: 51000, Size: 0.05, Time: time.Now()},
	})
	pos = f.book.Get("BTC")
	require.NotNil(t, pos)
	assert.InDelta(t, 0.05, pos.Size, 1e-9)
	assert.Len(t, pos.TakeProfits, 1)
	assert.InDelta(t, 50, pos.RealizedPnl, 1e-6)

	require.NoError(t, f.venue.CancelOrder(context.Background(), "BTC", tp2))
	f.consumer.HandleFills(context.Background(), []FillEvent{
		{OrderID: tp2, FillID: "t2", Coin: "BTC", Price: 52000, Size: 0.05, Time: time.Now()},
	})
	assert.Nil(t, f.book.Get("BTC"))

	closedEvs := f.pub.eventsOf("quantloop.events.position.closed")
	require.Len(t, closedEvs, 1)
	assert.Equal(t, "take_profit", closedEvs[0].Payload["reason"])
	assert.InDelta(t, 150, closedEvs[0].Payload["realized_pnl"].(float64), 1e-6)

	open, err := f.venue.OpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open, "stop cancelled after the final TP fill")
}

func TestConsumerDeduplicatesReplayedFills(t *testing.T) {
	f := newLiveFixture(t)
	sig, dec := longSignal()
	require.NoError(t, f.handler.Execute(context.Background(), sig, dec, "donchian_adx"))

	pos := f.book.Get("BTC")
	require.NotNil(t, pos)
	tp1 := pos.TakeProfits[0].OrderID

	fill := FillEvent{OrderID: tp1, FillID: "t1", Coin: "BTC", Price: 51000, Size: 0.05, Time: time.Now()}
	f.consumer.HandleFills(context.Background(), []FillEvent{fill})
	f.consumer.HandleFills(context.Background(), []FillEvent{fill})

	pos = f.book.Get("BTC")
	require.NotNil(t, pos)
	assert.InDelta(t, 0.05, pos.Size, 1e-9, "replayed fill applied once")
	assert.InDelta(t, 50, pos.RealizedPnl, 1e-6)
}

func TestHandlerClosePositionCancelsLegs(t *testing.T) {
	f := newLiveFixture(t)
	sig, dec := longSignal()
	require.NoError(t, f.handler.Execute(context.Background(), sig, dec, "donchian_adx"))

	closed, err := f.handler.ClosePosition(context.Background(), "BTC")
	require.NoError(t, err)
	require.NotNil(t, closed)
	assert.Nil(t, f.book.Get("BTC"))

	open, err := f.venue.OpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)

	closedEvs := f.pub.eventsOf("quantloop.events.position.closed")
	require.Len(t, closedEvs, 1)
	assert.Equal(t, "manual", closedEvs[0].Payload["reason"])

	_, err = f.handler.ClosePosition(context.Background(), "BTC")
	assert.Error(t, err, "closing a flat coin fails")
}

func TestBookTrailingOnlyMovesBeyondEpsilon(t *testing.T) {
	f := newLiveFixture(t)
	sig, dec := longSignal()
	require.NoError(t, f.handler.Execute(context.Background(), sig, dec, "donchian_adx"))

	unlock := f.book.Lock("BTC")
	defer unlock()

	moved, err := f.book.MaybeTrail(context.Background(), f.venue, "BTC", 49000.1)
	require.NoError(t, err)
	assert.False(t, moved, "sub-epsilon improvement skipped")

	moved, err = f.book.MaybeTrail(context.Background(), f.venue, "BTC", 49500)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.InDelta(t, 49500, f.book.Get("BTC").StopLoss, 1e-9)

	moved, err = f.book.MaybeTrail(context.Background(), f.venue, "BTC", 49200)
	require.NoError(t, err)
	assert.False(t, moved, "stop never loosens")
}

func TestBookReconcileRegeneratesMissingLegs(t *testing.T) {
	f := newLiveFixture(t)
	sig, dec := longSignal()
	require.NoError(t, f.handler.Execute(context.Background(), sig, dec, "donchian_adx"))

	pos := f.book.Get("BTC")
	require.NotNil(t, pos)
	require.NoError(t, f.venue.CancelOrder(context.Background(), "BTC", pos.StopOrderID))
	require.NoError(t, f.venue.CancelOrder(context.Background(), "BTC", pos.TakeProfits[0].OrderID))

	require.NoError(t, f.book.Reconcile(context.Background(), f.venue))

	open, err := f.venue.OpenOrders(context.Background())
	require.NoError(t, err)
	assert.Len(t, open, 3, "stop and both TP legs resting again")

	refreshed := f.book.Get("BTC")
	assert.NotEqual(t, pos.StopOrderID, refreshed.StopOrderID)
	assert.NotEqual(t, pos.TakeProfits[0].OrderID, refreshed.TakeProfits[0].OrderID)
	assert.Equal(t, pos.TakeProfits[1].OrderID, refreshed.TakeProfits[1].OrderID, "surviving leg untouched")
}

func TestBookBarsSinceExit(t *testing.T) {
	book := NewPositionBook(zerolog.Nop())
	assert.Greater(t, book.BarsSinceExit("BTC"), 1000000, "never traded means no cooldown")

	book.Open(&Position{Coin: "BTC", Direction: "long", Size: 0.1})
	book.Close("BTC")
	assert.Equal(t, 0, book.BarsSinceExit("BTC"))

	book.BarClosed("BTC")
	book.BarClosed("BTC")
	assert.Equal(t, 2, book.BarsSinceExit("BTC"))

	book.BarClosed("ETH")
	assert.Greater(t, book.BarsSinceExit("ETH"), 1000000)
}
