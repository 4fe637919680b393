package strategy

import (
	"fmt"
	"math"

	"github.com/quantloop/quantloop/internal/candles"
	"github.com/quantloop/quantloop/internal/indicators"
)

func init() {
	Register("donchian_adx", func() Strategy { return NewDonchianADX() })
}

// DonchianADX trades channel breakouts out of low-ADX consolidation, with
// the daily EMA as a regime filter, an ATR initial stop and an ATR trailing
// stop. Exits on opposite slow-channel touch or timeout.
type DonchianADX struct {
	params map[string]*Param

	fast     indicators.Channel
	slow     indicators.Channel
	adx      indicators.ADXResult
	atr      []float64
	dailyEMA []float64
}

// NewDonchianADX creates the strategy with its default parameters.
func NewDonchianADX() *DonchianADX {
	return &DonchianADX{
		params: map[string]*Param{
			"fast_period":    {Value: 20, Min: 10, Max: 60, Step: 5, Optimizable: true, Description: "entry channel lookback"},
			"slow_period":    {Value: 55, Min: 30, Max: 120, Step: 5, Optimizable: true, Description: "exit channel lookback"},
			"adx_period":     {Value: 14, Min: 7, Max: 28, Step: 1, Optimizable: true, Description: "ADX lookback"},
			"adx_max":        {Value: 25, Min: 15, Max: 40, Step: 1, Optimizable: true, Description: "max ADX before breakout (consolidation gate)"},
			"atr_period":     {Value: 14, Min: 7, Max: 28, Step: 1, Optimizable: true, Description: "ATR lookback"},
			"atr_mult_sl":    {Value: 2.0, Min: 1.0, Max: 4.0, Step: 0.25, Optimizable: true, Description: "initial stop distance in ATRs"},
			"atr_mult_trail": {Value: 2.5, Min: 1.0, Max: 5.0, Step: 0.25, Optimizable: true, Description: "trailing stop distance in ATRs"},
			"ema_regime":     {Value: 50, Min: 20, Max: 100, Step: 5, Optimizable: false, Description: "daily EMA regime filter"},
			"timeout_bars":   {Value: 48, Min: 12, Max: 120, Step: 4, Optimizable: true, Description: "max bars in trade"},
		},
	}
}

func (s *DonchianADX) Name() string                 { return "donchian_adx" }
func (s *DonchianADX) Params() map[string]*Param    { return s.params }
func (s *DonchianADX) RequiredTimeframes() []string { return []string{"1d"} }

func (s *DonchianADX) p(name string) float64 { return s.params[name].Value }

func (s *DonchianADX) Init(primary []candles.Candle, higher map[string][]candles.Candle) {
	high := highs(primary)
	low := lows(primary)
	close := closes(primary)

	s.fast = indicators.Donchian(high, low, int(s.p("fast_period")))
	s.slow = indicators.Donchian(high, low, int(s.p("slow_period")))
	s.adx = indicators.ADX(high, low, close, int(s.p("adx_period")))
	s.atr = indicators.ATR(high, low, close, int(s.p("atr_period")))
	s.dailyEMA = indicators.EMA(closes(higher["1d"]), int(s.p("ema_regime")))
}

func (s *DonchianADX) OnCandle(ctx *Context) *Signal {
	i := ctx.Index
	// Entry channel is the previous bar's: the breakout must pierce a level
	// that existed before this bar formed.
	if !defined(s.fast.Upper, i-1) || !defined(s.adx.ADX, i) || !defined(s.atr, i) {
		return nil
	}

	regime, ok := ctx.CompletedHigherValue("1d", s.dailyEMA)
	if !ok {
		return nil
	}

	// Breakouts out of consolidation only.
	if s.adx.ADX[i] > s.p("adx_max") {
		return nil
	}

	c := ctx.Current
	stopDist := s.p("atr_mult_sl") * s.atr[i]
	if stopDist <= 0 {
		return nil
	}

	if c.C > s.fast.Upper[i-1] && c.C > regime {
		return &Signal{
			Direction: DirectionLong,
			StopLoss:  c.C - stopDist,
			Comment:   fmt.Sprintf("donchian breakout up, adx %.1f", s.adx.ADX[i]),
		}
	}
	if c.C < s.fast.Lower[i-1] && c.C < regime {
		return &Signal{
			Direction: DirectionShort,
			StopLoss:  c.C + stopDist,
			Comment:   fmt.Sprintf("donchian breakout down, adx %.1f", s.adx.ADX[i]),
		}
	}
	return nil
}

func (s *DonchianADX) ShouldExit(ctx *Context) *ExitDecision {
	i := ctx.Index
	if i-ctx.PositionEntryBar >= int(s.p("timeout_bars")) {
		return &ExitDecision{Exit: true, Comment: "timeout"}
	}
	if !defined(s.slow.Lower, i-1) {
		return nil
	}
	c := ctx.Current
	if ctx.PositionDirection == DirectionLong && c.C < s.slow.Lower[i-1] {
		return &ExitDecision{Exit: true, Comment: "slow channel break"}
	}
	if ctx.PositionDirection == DirectionShort && c.C > s.slow.Upper[i-1] {
		return &ExitDecision{Exit: true, Comment: "slow channel break"}
	}
	return nil
}

// GetExitLevel implements the trailing stop: current close minus (long) or
// plus (short) the trailing ATR distance.
func (s *DonchianADX) GetExitLevel(ctx *Context) (float64, bool) {
	i := ctx.Index
	if !defined(s.atr, i) {
		return 0, false
	}
	dist := s.p("atr_mult_trail") * s.atr[i]
	if dist <= 0 || math.IsNaN(dist) {
		return 0, false
	}
	if ctx.PositionDirection == DirectionShort {
		return ctx.Current.C + dist, true
	}
	return ctx.Current.C - dist, true
}
