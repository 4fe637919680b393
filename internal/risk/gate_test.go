package risk

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantloop/quantloop/internal/config"
	"github.com/quantloop/quantloop/internal/dedup"
	"github.com/quantloop/quantloop/internal/exchange"
	"github.com/quantloop/quantloop/internal/store"
	"github.com/quantloop/quantloop/internal/strategy"
)

// fakePositions is a scripted position-book view.
type fakePositions struct {
	count     int
	open      map[string]bool
	barsSince map[string]int
}

func (f *fakePositions) Count() int { return f.count }

func (f *fakePositions) Has(coin string) bool { return f.open[coin] }

func (f *fakePositions) BarsSinceExit(coin string) int {
	if n, ok := f.barsSince[coin]; ok {
		return n
	}
	return 1 << 30
}

// memSignals is an in-memory SignalStore.
type memSignals struct {
	rows []store.StoredSignal
}

func (m *memSignals) HasSignal(_ context.Context, alertID string) (bool, error) {
	for _, r := range m.rows {
		if r.AlertID == alertID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memSignals) InsertSignal(_ context.Context, sig *store.StoredSignal) error {
	m.rows = append(m.rows, *sig)
	return nil
}

func (m *memSignals) CountTradesSince(_ context.Context, since time.Time) (int, error) {
	n := 0
	for _, r := range m.rows {
		if r.RiskCheckPassed && !r.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

type gateFixture struct {
	gate      *Gate
	venue     *exchange.MockExchange
	positions *fakePositions
	signals   *memSignals
	pnl       float64
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		SizingMode:       "risk",
		RiskPerTradeUSD:  100,
		CashPerTrade:     500,
		MaxTradesPerDay:  6,
		MaxDailyLossUSD:  150,
		MaxOpenPositions: 3,
		MaxNotionalUSD:   100000,
		MaxLeverage:      10,
		CooldownBars:     2,
	}
}

func newGateFixture(t *testing.T, cfg config.RiskConfig) *gateFixture {
	t.Helper()
	f := &gateFixture{
		venue:     exchange.NewMockExchange(10000),
		positions: &fakePositions{open: map[string]bool{}, barsSince: map[string]int{}},
		signals:   &memSignals{},
	}
	f.venue.SetMidPrice("BTC", 50000)
	f.venue.SetMeta("BTC", 4, 50)

	params := map[string]*strategy.Param{
		"fast_period": {Value: 20, Min: 5, Max: 60, Step: 1, Optimizable: true},
	}
	f.gate = NewGate(cfg, f.venue, f.positions, f.signals,
		dedup.NewGuard(nil, 64, zerolog.Nop()),
		func(context.Context) (float64, error) { return f.pnl, nil },
		params, zerolog.Nop())
	return f
}

func longSignal(alertID string) *Signal {
	return &Signal{
		Coin:      "BTC",
		Direction: "long",
		StopLoss:  49000,
		AlertID:   alertID,
		Source:    "test",
	}
}

func TestGateAdmitsValidSignal(t *testing.T) {
	f := newGateFixture(t, testRiskConfig())

	dec, err := f.gate.Evaluate(context.Background(), longSignal("a1"), "donchian_adx")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Empty(t, dec.Reason)
	assert.InDelta(t, 0.1, dec.Size, 1e-9) // 100 risk / 1000 stop distance
	assert.InDelta(t, 50000, dec.RefPrice, 1e-9)

	require.Len(t, f.signals.rows, 1)
	assert.True(t, f.signals.rows[0].RiskCheckPassed)
}

func TestGateRejectsDuplicateAlertID(t *testing.T) {
	f := newGateFixture(t, testRiskConfig())
	ctx := context.Background()

	dec, err := f.gate.Evaluate(ctx, longSignal("dup-1"), "donchian_adx")
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = f.gate.Evaluate(ctx, longSignal("dup-1"), "donchian_adx")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, "Duplicate", dec.Reason)

	// Both decisions are in the audit log.
	assert.Len(t, f.signals.rows, 2)
	assert.False(t, f.signals.rows[1].RiskCheckPassed)
}

func TestGateRejectsWithoutMarketPrice(t *testing.T) {
	f := newGateFixture(t, testRiskConfig())

	sig := longSignal("np-1")
	sig.Coin = "ETH" // no mid configured
	sig.StopLoss = 2900
	dec, err := f.gate.Evaluate(context.Background(), sig, "donchian_adx")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, "No market price", dec.Reason)
}

func TestGateRejectsInvalidSignRelations(t *testing.T) {
	f := newGateFixture(t, testRiskConfig())

	sig := longSignal("inv-1")
	sig.StopLoss = 51000 // stop above market for a long
	dec, err := f.gate.Evaluate(context.Background(), sig, "donchian_adx")
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidSignal, dec.Reason)
}

func TestGateAutoTradingFlag(t *testing.T) {
	f := newGateFixture(t, testRiskConfig())
	ctx := context.Background()

	f.gate.SetAutoTrading("BTC", "donchian_adx", false)
	dec, err := f.gate.Evaluate(ctx, longSignal("at-1"), "donchian_adx")
	require.NoError(t, err)
	assert.Equal(t, ReasonAutoTradingOff, dec.Reason)

	f.gate.SetAutoTrading("BTC", "donchian_adx", true)
	dec, err = f.gate.Evaluate(ctx, longSignal("at-2"), "donchian_adx")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)

	// Coin-wide kill switch overrides per-strategy flags.
	f.gate.SetAutoTrading("BTC", "", false)
	assert.False(t, f.gate.AutoTradingEnabled("BTC", "donchian_adx"))
}

func TestGateDailyTradeLimit(t *testing.T) {
	cfg := testRiskConfig()
	cfg.MaxTradesPerDay = 2
	f := newGateFixture(t, cfg)
	ctx := context.Background()

	for i, id := range []string{"d1", "d2"} {
		dec, err := f.gate.Evaluate(ctx, longSignal(id), "donchian_adx")
		require.NoError(t, err)
		require.True(t, dec.Allowed, "trade %d", i)
	}

	dec, err := f.gate.Evaluate(ctx, longSignal("d3"), "donchian_adx")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, "global_daily_limit", dec.Reason)
}

func TestGateDailyLossLimit(t *testing.T) {
	f := newGateFixture(t, testRiskConfig())
	f.pnl = -200

	dec, err := f.gate.Evaluate(context.Background(), longSignal("l1"), "donchian_adx")
	require.NoError(t, err)
	assert.Equal(t, ReasonDailyLossLimit, dec.Reason)
}

func TestGatePositionCaps(t *testing.T) {
	f := newGateFixture(t, testRiskConfig())
	ctx := context.Background()

	f.positions.count = 3
	dec, err := f.gate.Evaluate(ctx, longSignal("p1"), "donchian_adx")
	require.NoError(t, err)
	assert.Equal(t, ReasonMaxOpenPositions, dec.Reason)

	f.positions.count = 1
	f.positions.open["BTC"] = true
	dec, err = f.gate.Evaluate(ctx, longSignal("p2"), "donchian_adx")
	require.NoError(t, err)
	assert.Equal(t, ReasonPositionExists, dec.Reason)
}

func TestGateSizingModes(t *testing.T) {
	cfg := testRiskConfig()
	cfg.SizingMode = "cash"
	f := newGateFixture(t, cfg)

	dec, err := f.gate.Evaluate(context.Background(), longSignal("s1"), "donchian_adx")
	require.NoError(t, err)
	require.True(t, dec.Allowed)
	assert.InDelta(t, 0.01, dec.Size, 1e-9) // 500 cash / 50000 mid

	// szDecimals floor can round the size to zero.
	f2 := newGateFixture(t, testRiskConfig())
	f2.venue.SetMeta("BTC", 0, 50)
	dec, err = f2.gate.Evaluate(context.Background(), longSignal("s2"), "donchian_adx")
	require.NoError(t, err)
	assert.Equal(t, ReasonZeroSize, dec.Reason)
}

func TestGateNotionalAndLeverageCaps(t *testing.T) {
	cfg := testRiskConfig()
	cfg.MaxNotionalUSD = 4000
	f := newGateFixture(t, cfg)
	ctx := context.Background()

	dec, err := f.gate.Evaluate(ctx, longSignal("n1"), "donchian_adx")
	require.NoError(t, err)
	assert.Equal(t, ReasonMaxNotional, dec.Reason) // 0.1 * 50000 = 5000 > 4000

	sig := longSignal("n2")
	sig.Leverage = 20
	f2 := newGateFixture(t, testRiskConfig())
	dec, err = f2.gate.Evaluate(ctx, sig, "donchian_adx")
	require.NoError(t, err)
	assert.Equal(t, ReasonMaxLeverage, dec.Reason)
}

func TestGateCooldown(t *testing.T) {
	f := newGateFixture(t, testRiskConfig())
	f.positions.barsSince["BTC"] = 1

	dec, err := f.gate.Evaluate(context.Background(), longSignal("c1"), "donchian_adx")
	require.NoError(t, err)
	assert.Equal(t, ReasonCooldown, dec.Reason)
}

func TestGateGuardrailOverrides(t *testing.T) {
	f := newGateFixture(t, testRiskConfig())
	ctx := context.Background()

	sig := longSignal("g1")
	sig.Overrides = map[string]float64{"commission": 0}
	dec, err := f.gate.Evaluate(ctx, sig, "donchian_adx")
	require.NoError(t, err)
	assert.Equal(t, ReasonProtectedField, dec.Reason)

	sig = longSignal("g2")
	sig.Overrides = map[string]float64{"fast_period": 500}
	dec, err = f.gate.Evaluate(ctx, sig, "donchian_adx")
	require.NoError(t, err)
	assert.Equal(t, ReasonParamBounds, dec.Reason)

	sig = longSignal("g3")
	sig.Overrides = map[string]float64{"fast_period": 30}
	dec, err = f.gate.Evaluate(ctx, sig, "donchian_adx")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}
