package strategy

import (
	"fmt"

	"github.com/quantloop/quantloop/internal/candles"
	"github.com/quantloop/quantloop/internal/indicators"
)

func init() {
	Register("keltner_rsi2", func() Strategy { return NewKeltnerRSI2() })
}

// KeltnerRSI2 fades pokes outside the Keltner channel when the 2-period RSI
// is at an extreme, targeting the channel midline. Shorts additionally
// require elevated volume. ATR initial stop, timeout exit.
type KeltnerRSI2 struct {
	params map[string]*Param

	kc     indicators.Channel
	rsi    []float64
	atr    []float64
	volSMA []float64
	vols   []float64
}

// NewKeltnerRSI2 creates the strategy with its default parameters.
func NewKeltnerRSI2() *KeltnerRSI2 {
	return &KeltnerRSI2{
		params: map[string]*Param{
			"ema_period":     {Value: 20, Min: 10, Max: 50, Step: 2, Optimizable: true, Description: "Keltner midline EMA"},
			"atr_period":     {Value: 10, Min: 5, Max: 28, Step: 1, Optimizable: true, Description: "Keltner/stop ATR lookback"},
			"kc_mult":        {Value: 2.0, Min: 1.0, Max: 3.5, Step: 0.25, Optimizable: true, Description: "channel width in ATRs"},
			"rsi_period":     {Value: 2, Min: 2, Max: 5, Step: 1, Optimizable: false, Description: "RSI lookback"},
			"rsi_oversold":   {Value: 10, Min: 2, Max: 25, Step: 1, Optimizable: true, Description: "long trigger level"},
			"rsi_overbought": {Value: 90, Min: 75, Max: 98, Step: 1, Optimizable: true, Description: "short trigger level"},
			"vol_sma_period": {Value: 20, Min: 10, Max: 50, Step: 5, Optimizable: false, Description: "volume baseline lookback"},
			"vol_mult":       {Value: 1.5, Min: 1.0, Max: 3.0, Step: 0.25, Optimizable: true, Description: "short volume filter multiple"},
			"atr_mult_sl":    {Value: 1.5, Min: 0.5, Max: 3.0, Step: 0.25, Optimizable: true, Description: "stop distance in ATRs"},
			"rsi_exit":       {Value: 50, Min: 40, Max: 70, Step: 5, Optimizable: true, Description: "RSI recovery exit level"},
			"timeout_bars":   {Value: 16, Min: 4, Max: 48, Step: 2, Optimizable: true, Description: "max bars in trade"},
		},
	}
}

func (s *KeltnerRSI2) Name() string                 { return "keltner_rsi2" }
func (s *KeltnerRSI2) Params() map[string]*Param    { return s.params }
func (s *KeltnerRSI2) RequiredTimeframes() []string { return nil }

func (s *KeltnerRSI2) p(name string) float64 { return s.params[name].Value }

func (s *KeltnerRSI2) Init(primary []candles.Candle, _ map[string][]candles.Candle) {
	high := highs(primary)
	low := lows(primary)
	close := closes(primary)

	s.kc = indicators.Keltner(high, low, close, int(s.p("ema_period")), int(s.p("atr_period")), s.p("kc_mult"))
	s.rsi = indicators.RSI(close, int(s.p("rsi_period")))
	s.atr = indicators.ATR(high, low, close, int(s.p("atr_period")))
	s.vols = volumes(primary)
	s.volSMA = indicators.SMA(s.vols, int(s.p("vol_sma_period")))
}

func (s *KeltnerRSI2) OnCandle(ctx *Context) *Signal {
	i := ctx.Index
	if !defined(s.kc.Upper, i) || !defined(s.rsi, i) || !defined(s.atr, i) || !defined(s.volSMA, i) {
		return nil
	}

	c := ctx.Current
	stopDist := s.p("atr_mult_sl") * s.atr[i]
	if stopDist <= 0 {
		return nil
	}
	mid := s.kc.Middle[i]

	if c.C < s.kc.Lower[i] && s.rsi[i] < s.p("rsi_oversold") {
		return &Signal{
			Direction:   DirectionLong,
			StopLoss:    c.C - stopDist,
			TakeProfits: []TakeProfit{{Price: mid, PctOfPosition: 1}},
			Comment:     fmt.Sprintf("kc lower fade, rsi %.1f", s.rsi[i]),
		}
	}

	// Shorting strength needs confirmation: only fade an upper poke on
	// above-baseline volume.
	if c.C > s.kc.Upper[i] && s.rsi[i] > s.p("rsi_overbought") && s.vols[i] > s.p("vol_mult")*s.volSMA[i] {
		return &Signal{
			Direction:   DirectionShort,
			StopLoss:    c.C + stopDist,
			TakeProfits: []TakeProfit{{Price: mid, PctOfPosition: 1}},
			Comment:     fmt.Sprintf("kc upper fade, rsi %.1f", s.rsi[i]),
		}
	}
	return nil
}

func (s *KeltnerRSI2) ShouldExit(ctx *Context) *ExitDecision {
	i := ctx.Index
	if i-ctx.PositionEntryBar >= int(s.p("timeout_bars")) {
		return &ExitDecision{Exit: true, Comment: "timeout"}
	}
	if !defined(s.rsi, i) {
		return nil
	}
	exit := s.p("rsi_exit")
	if ctx.PositionDirection == DirectionLong && s.rsi[i] >= exit {
		return &ExitDecision{Exit: true, Comment: "rsi recovered"}
	}
	if ctx.PositionDirection == DirectionShort && s.rsi[i] <= 100-exit {
		return &ExitDecision{Exit: true, Comment: "rsi recovered"}
	}
	return nil
}
