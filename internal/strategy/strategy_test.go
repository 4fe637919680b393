package strategy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantloop/quantloop/internal/candles"
)

func TestParamValidate(t *testing.T) {
	tests := []struct {
		name  string
		param Param
		ok    bool
	}{
		{"valid", Param{Value: 5, Min: 1, Max: 10, Step: 1}, true},
		{"at bounds", Param{Value: 10, Min: 10, Max: 10, Step: 0.5}, true},
		{"below min", Param{Value: 0, Min: 1, Max: 10, Step: 1}, false},
		{"above max", Param{Value: 11, Min: 1, Max: 10, Step: 1}, false},
		{"zero step", Param{Value: 5, Min: 1, Max: 10, Step: 0}, false},
		{"inverted bounds", Param{Value: 5, Min: 10, Max: 1, Step: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.param.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestApplyOverrides(t *testing.T) {
	params := map[string]*Param{
		"a": {Value: 5, Min: 1, Max: 10, Step: 1},
		"b": {Value: 2, Min: 1, Max: 3, Step: 1},
	}

	require.NoError(t, ApplyOverrides(params, map[string]float64{"a": 7, "b": 1}))
	assert.Equal(t, 7.0, params["a"].Value)
	assert.Equal(t, 1.0, params["b"].Value)

	assert.Error(t, ApplyOverrides(params, map[string]float64{"missing": 1}))

	// Atomicity: one bad override leaves everything untouched.
	err := ApplyOverrides(params, map[string]float64{"a": 9, "b": 99})
	require.Error(t, err)
	assert.Equal(t, 7.0, params["a"].Value)
	assert.Equal(t, 1.0, params["b"].Value)
}

func TestSignalValidate(t *testing.T) {
	limit := 100.0
	tests := []struct {
		name   string
		signal Signal
		price  float64
		ok     bool
	}{
		{"valid long", Signal{Direction: DirectionLong, StopLoss: 95}, 100, true},
		{"valid short", Signal{Direction: DirectionShort, StopLoss: 105}, 100, true},
		{"long stop above price", Signal{Direction: DirectionLong, StopLoss: 105}, 100, false},
		{"short stop below price", Signal{Direction: DirectionShort, StopLoss: 95}, 100, false},
		{"limit entry governs stop relation", Signal{Direction: DirectionLong, EntryPrice: &limit, StopLoss: 98}, 90, true},
		{"bad direction", Signal{Direction: "sideways", StopLoss: 95}, 100, false},
		{"zero stop", Signal{Direction: DirectionLong, StopLoss: 0}, 100, false},
		{"tp pct over one", Signal{Direction: DirectionLong, StopLoss: 95,
			TakeProfits: []TakeProfit{{Price: 110, PctOfPosition: 0.7}, {Price: 120, PctOfPosition: 0.5}}}, 100, false},
		{"tp pct partial ok", Signal{Direction: DirectionLong, StopLoss: 95,
			TakeProfits: []TakeProfit{{Price: 110, PctOfPosition: 0.5}}}, 100, true},
		{"negative tp price", Signal{Direction: DirectionLong, StopLoss: 95,
			TakeProfits: []TakeProfit{{Price: -1, PctOfPosition: 0.5}}}, 100, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.signal.Validate(tt.price)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestCompletedHigherValueUsesClosedBarOnly(t *testing.T) {
	hour := int64(3_600_000)
	higher := []candles.Candle{
		{T: 0, O: 1, H: 1, L: 1, C: 1},
		{T: hour, O: 1, H: 1, L: 1, C: 1},
	}
	values := []float64{10, 20}

	ctx := &Context{
		Current: candles.Candle{T: hour + 400_000}, // second hourly bar still open
		Higher:  map[string][]candles.Candle{"1h": higher},
	}

	// The naive "last value" would be 20; the completed-bar rule must pick
	// the first hour's value.
	v, ok := ctx.CompletedHigherValue("1h", values)
	require.True(t, ok)
	assert.Equal(t, 10.0, v)

	// Once the second bar's window has elapsed, its value becomes usable.
	ctx.Current.T = 2 * hour
	v, ok = ctx.CompletedHigherValue("1h", values)
	require.True(t, ok)
	assert.Equal(t, 20.0, v)
}

func TestCompletedHigherValueSkipsNaN(t *testing.T) {
	hour := int64(3_600_000)
	higher := []candles.Candle{
		{T: 0},
		{T: hour},
	}
	ctx := &Context{
		Current: candles.Candle{T: 3 * hour},
		Higher:  map[string][]candles.Candle{"1h": higher},
	}

	v, ok := ctx.CompletedHigherValue("1h", []float64{10, math.NaN()})
	require.True(t, ok)
	assert.Equal(t, 10.0, v)

	_, ok = ctx.CompletedHigherValue("1h", []float64{math.NaN(), math.NaN()})
	assert.False(t, ok)

	_, ok = ctx.CompletedHigherValue("7x", []float64{10, 20})
	assert.False(t, ok)
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"donchian_adx", "ema_pullback", "keltner_rsi2"}, Names())

	s, err := New("keltner_rsi2")
	require.NoError(t, err)
	assert.Equal(t, "keltner_rsi2", s.Name())

	_, err = New("nope")
	assert.Error(t, err)
}

func flatBars(n int, price float64) []candles.Candle {
	out := make([]candles.Candle, n)
	for i := range out {
		out[i] = candles.Candle{
			T: int64(i) * 3_600_000,
			O: price, H: price + 0.5, L: price - 0.5, C: price, V: 10, N: 1,
		}
	}
	return out
}

func TestWarmupGuard(t *testing.T) {
	// Below the indicator warmup every strategy must stay silent.
	primary := flatBars(5, 100)
	higher := map[string][]candles.Candle{
		"1d": nil,
		"4h": nil,
	}
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			s, err := New(name)
			require.NoError(t, err)
			s.Init(primary, higher)
			for i := range primary {
				ctx := &Context{Candles: primary, Index: i, Current: primary[i], Higher: higher}
				assert.Nil(t, s.OnCandle(ctx), "bar %d", i)
			}
		})
	}
}

func TestKeltnerRSI2LongOnLowerBandPoke(t *testing.T) {
	primary := flatBars(41, 100)
	crash := candles.Candle{T: 41 * 3_600_000, O: 100, H: 100, L: 89.5, C: 90, V: 10, N: 1}
	primary = append(primary, crash)

	s := NewKeltnerRSI2()
	s.Init(primary, nil)

	idx := len(primary) - 1
	ctx := &Context{Candles: primary, Index: idx, Current: primary[idx]}
	sig := s.OnCandle(ctx)
	require.NotNil(t, sig)
	assert.Equal(t, DirectionLong, sig.Direction)
	assert.Less(t, sig.StopLoss, 90.0)
	require.Len(t, sig.TakeProfits, 1)
	assert.Greater(t, sig.TakeProfits[0].Price, 90.0)
	assert.Equal(t, 1.0, sig.TakeProfits[0].PctOfPosition)
}

func TestKeltnerRSI2TimeoutExit(t *testing.T) {
	primary := flatBars(60, 100)
	s := NewKeltnerRSI2()
	s.Init(primary, nil)

	ctx := &Context{
		Candles:            primary,
		Index:              59,
		Current:            primary[59],
		PositionDirection:  DirectionLong,
		PositionEntryPrice: 100,
		PositionEntryBar:   10,
	}
	dec := s.ShouldExit(ctx)
	require.NotNil(t, dec)
	assert.True(t, dec.Exit)
	assert.Equal(t, "timeout", dec.Comment)
}

func TestDonchianADXTrailingLevel(t *testing.T) {
	primary := flatBars(80, 100)
	s := NewDonchianADX()
	s.Init(primary, map[string][]candles.Candle{"1d": nil})

	ctx := &Context{
		Candles:           primary,
		Index:             79,
		Current:           primary[79],
		PositionDirection: DirectionLong,
	}
	level, ok := s.GetExitLevel(ctx)
	require.True(t, ok)
	assert.Less(t, level, 100.0)

	ctx.PositionDirection = DirectionShort
	level, ok = s.GetExitLevel(ctx)
	require.True(t, ok)
	assert.Greater(t, level, 100.0)
}
