package strategy

import (
	"github.com/quantloop/quantloop/internal/candles"
	"github.com/quantloop/quantloop/internal/indicators"
)

func init() {
	Register("ema_pullback", func() Strategy { return NewEMAPullback() })
}

// EMAPullback joins an established 4h trend after a pullback through the
// primary EMA recovers. ATR initial stop, trend-loss or timeout exit.
type EMAPullback struct {
	params map[string]*Param

	ema      []float64
	atr      []float64
	regime   []float64
	closeArr []float64
}

// NewEMAPullback creates the strategy with its default parameters.
func NewEMAPullback() *EMAPullback {
	return &EMAPullback{
		params: map[string]*Param{
			"ema_fast":     {Value: 20, Min: 10, Max: 50, Step: 2, Optimizable: true, Description: "primary pullback EMA"},
			"ema_regime":   {Value: 50, Min: 20, Max: 100, Step: 5, Optimizable: false, Description: "4h regime EMA"},
			"atr_period":   {Value: 14, Min: 7, Max: 28, Step: 1, Optimizable: true, Description: "ATR lookback"},
			"atr_mult_sl":  {Value: 2.0, Min: 1.0, Max: 4.0, Step: 0.25, Optimizable: true, Description: "stop distance in ATRs"},
			"timeout_bars": {Value: 36, Min: 8, Max: 96, Step: 4, Optimizable: true, Description: "max bars in trade"},
		},
	}
}

func (s *EMAPullback) Name() string                 { return "ema_pullback" }
func (s *EMAPullback) Params() map[string]*Param    { return s.params }
func (s *EMAPullback) RequiredTimeframes() []string { return []string{"4h"} }

func (s *EMAPullback) p(name string) float64 { return s.params[name].Value }

func (s *EMAPullback) Init(primary []candles.Candle, higher map[string][]candles.Candle) {
	high := highs(primary)
	low := lows(primary)
	s.closeArr = closes(primary)

	s.ema = indicators.EMA(s.closeArr, int(s.p("ema_fast")))
	s.atr = indicators.ATR(high, low, s.closeArr, int(s.p("atr_period")))
	s.regime = indicators.EMA(closes(higher["4h"]), int(s.p("ema_regime")))
}

func (s *EMAPullback) OnCandle(ctx *Context) *Signal {
	i := ctx.Index
	if !defined(s.ema, i) || !defined(s.ema, i-1) || !defined(s.atr, i) {
		return nil
	}
	regime, ok := ctx.CompletedHigherValue("4h", s.regime)
	if !ok {
		return nil
	}

	c := ctx.Current
	stopDist := s.p("atr_mult_sl") * s.atr[i]
	if stopDist <= 0 {
		return nil
	}

	// Pullback + recovery: previous bar closed on the wrong side of the
	// fast EMA, this bar closes back with the trend.
	prevClose := s.closeArr[i-1]
	if c.C > regime && prevClose < s.ema[i-1] && c.C > s.ema[i] {
		return &Signal{
			Direction: DirectionLong,
			StopLoss:  c.C - stopDist,
			Comment:   "pullback recovery long",
		}
	}
	if c.C < regime && prevClose > s.ema[i-1] && c.C < s.ema[i] {
		return &Signal{
			Direction: DirectionShort,
			StopLoss:  c.C + stopDist,
			Comment:   "pullback recovery short",
		}
	}
	return nil
}

func (s *EMAPullback) ShouldExit(ctx *Context) *ExitDecision {
	i := ctx.Index
	if i-ctx.PositionEntryBar >= int(s.p("timeout_bars")) {
		return &ExitDecision{Exit: true, Comment: "timeout"}
	}
	if !defined(s.ema, i) {
		return nil
	}
	if ctx.PositionDirection == DirectionLong && ctx.Current.C < s.ema[i] {
		return &ExitDecision{Exit: true, Comment: "trend lost"}
	}
	if ctx.PositionDirection == DirectionShort && ctx.Current.C > s.ema[i] {
		return &ExitDecision{Exit: true, Comment: "trend lost"}
	}
	return nil
}
