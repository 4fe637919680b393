package backtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionFor(t *testing.T) {
	assert.Equal(t, SessionAsia, SessionFor(23))
	assert.Equal(t, SessionAsia, SessionFor(0))
	assert.Equal(t, SessionAsia, SessionFor(7))
	assert.Equal(t, SessionLondon, SessionFor(8))
	assert.Equal(t, SessionLondon, SessionFor(12))
	assert.Equal(t, SessionNewYork, SessionFor(13))
	assert.Equal(t, SessionNewYork, SessionFor(19))
	assert.Equal(t, SessionOffPeak, SessionFor(20))
	assert.Equal(t, SessionOffPeak, SessionFor(22))
}

func tradeAt(hour int, direction string, pnl float64) CompletedTrade {
	entry := time.Date(2026, 3, 2, hour, 0, 0, 0, time.UTC) // a Monday
	return CompletedTrade{
		EntryTs:    entry.UnixMilli(),
		ExitTs:     entry.Add(time.Hour).UnixMilli(),
		Direction:  direction,
		Pnl:        pnl,
		ExitReason: "sl",
	}
}

func TestAnalyzeBuckets(t *testing.T) {
	trades := []CompletedTrade{
		tradeAt(9, "long", 100),
		tradeAt(9, "long", -40),
		tradeAt(14, "short", 60),
		tradeAt(2, "long", -80),
	}
	a := Analyze(trades)

	long := a.ByDirection["long"]
	assert.Equal(t, 3, long.Trades)
	assert.Equal(t, 1, long.Wins)
	assert.InDelta(t, -20, long.Pnl, 1e-9)
	assert.InDelta(t, 100.0/3, long.WinRate, 1e-6)

	assert.Equal(t, 1, a.ByDirection["short"].Trades)
	assert.Equal(t, 2, a.ByHour[9].Trades)
	assert.Equal(t, 4, a.ByWeekday["Monday"].Trades)
	assert.Equal(t, 2, a.BySession[SessionLondon].Trades)
	assert.Equal(t, 1, a.BySession[SessionNewYork].Trades)
	assert.Equal(t, 1, a.BySession[SessionAsia].Trades)

	require.Len(t, a.Best, 3)
	assert.InDelta(t, 100, a.Best[0].Pnl, 1e-9)
	require.Len(t, a.Worst, 3)
	assert.InDelta(t, -80, a.Worst[0].Pnl, 1e-9)

	// Fewer than 10 trades: no walk-forward split.
	assert.Nil(t, a.WalkForward)
}

func TestAnalyzeFilterSims(t *testing.T) {
	trades := []CompletedTrade{
		tradeAt(9, "long", 100),
		tradeAt(2, "long", -80),
		tradeAt(14, "short", 50),
	}
	a := Analyze(trades)

	byName := map[string]FilterSim{}
	for _, sim := range a.FilterSims {
		byName[sim.Name] = sim
	}

	require.Contains(t, byName, "long_only")
	assert.Equal(t, 2, byName["long_only"].Trades)
	assert.InDelta(t, 20, byName["long_only"].Pnl, 1e-9)

	require.Contains(t, byName, "short_only")
	assert.Equal(t, 1, byName["short_only"].Trades)

	// Worst hour is 02: dropping it keeps the two profitable trades.
	require.Contains(t, byName, "drop_worst_hour")
	assert.Equal(t, 2, byName["drop_worst_hour"].Trades)
	assert.InDelta(t, 150, byName["drop_worst_hour"].Pnl, 1e-9)
}

func TestAnalyzeWalkForward(t *testing.T) {
	var trades []CompletedTrade
	for i := 0; i < 10; i++ {
		pnl := 50.0
		if i%3 == 0 {
			pnl = -30
		}
		trades = append(trades, tradeAt(9, "long", pnl))
	}
	a := Analyze(trades)

	require.NotNil(t, a.WalkForward)
	assert.Equal(t, 7, a.WalkForward.TrainTrades)
	assert.Equal(t, 3, a.WalkForward.TestTrades)
	assert.Greater(t, a.WalkForward.TrainPF, 0.0)
	assert.Greater(t, a.WalkForward.PFRatio, 0.0)
	// Hour 9 is profitable in both halves.
	assert.InDelta(t, 1.0, a.WalkForward.HourConsistency, 1e-9)
}

func TestAnalyzeEmpty(t *testing.T) {
	a := Analyze(nil)
	assert.Empty(t, a.ByDirection)
	assert.Empty(t, a.Best)
	assert.Nil(t, a.WalkForward)
}

func TestProfitFactorEdges(t *testing.T) {
	assert.InDelta(t, 2.0, profitFactor(200, 100), 1e-9)
	assert.InDelta(t, 99, profitFactor(100, 0), 1e-9)
	assert.InDelta(t, 0, profitFactor(0, 0), 1e-9)
}
