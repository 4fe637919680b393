package indicators

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nanPrefix(values []float64) int {
	for i, v := range values {
		if !math.IsNaN(v) {
			return i
		}
	}
	return len(values)
}

func TestSMA(t *testing.T) {
	out := SMA([]float64{1, 2, 3, 4, 5}, 3)
	require.Len(t, out, 5)
	assert.Equal(t, 2, nanPrefix(out))
	assert.InDelta(t, 2, out[2], 1e-9)
	assert.InDelta(t, 3, out[3], 1e-9)
	assert.InDelta(t, 4, out[4], 1e-9)
}

func TestSMAShortInput(t *testing.T) {
	out := SMA([]float64{1, 2}, 5)
	require.Len(t, out, 2)
	assert.Equal(t, 2, nanPrefix(out))
}

func TestEMAConstantSeries(t *testing.T) {
	in := make([]float64, 20)
	for i := range in {
		in[i] = 42
	}
	out := EMA(in, 5)
	require.Len(t, out, 20)
	assert.Equal(t, 4, nanPrefix(out))
	for i := 4; i < 20; i++ {
		assert.InDelta(t, 42, out[i], 1e-9)
	}
}

func TestRSIExtremes(t *testing.T) {
	up := make([]float64, 30)
	down := make([]float64, 30)
	for i := range up {
		up[i] = float64(i)
		down[i] = float64(100 - i)
	}

	rsiUp := RSI(up, 14)
	require.Len(t, rsiUp, 30)
	assert.Equal(t, 14, nanPrefix(rsiUp))
	assert.InDelta(t, 100, rsiUp[29], 1e-9)

	rsiDown := RSI(down, 14)
	assert.InDelta(t, 0, rsiDown[29], 1e-9)
}

func TestRSIFlatSeries(t *testing.T) {
	flat := make([]float64, 20)
	for i := range flat {
		flat[i] = 10
	}
	out := RSI(flat, 14)
	assert.InDelta(t, 50, out[19], 1e-9)
}

func TestATRConstantRange(t *testing.T) {
	n := 20
	high := make([]float64, n)
	low := make([]float64, n)
	close := make([]float64, n)
	for i := range high {
		high[i] = 12
		low[i] = 10
		close[i] = 11
	}
	out := ATR(high, low, close, 14)
	require.Len(t, out, n)
	assert.Equal(t, 13, nanPrefix(out))
	assert.InDelta(t, 2, out[13], 1e-9)
	assert.InDelta(t, 2, out[19], 1e-9)
}

func TestADXStrongUptrend(t *testing.T) {
	n := 60
	high := make([]float64, n)
	low := make([]float64, n)
	close := make([]float64, n)
	for i := range high {
		high[i] = float64(i) + 1
		low[i] = float64(i)
		close[i] = float64(i) + 0.5
	}
	res := ADX(high, low, close, 14)
	require.Len(t, res.ADX, n)
	assert.Equal(t, 14, nanPrefix(res.PlusDI))
	assert.Equal(t, 27, nanPrefix(res.ADX))

	last := n - 1
	assert.InDelta(t, 0, res.MinusDI[last], 1e-9)
	assert.Greater(t, res.PlusDI[last], 50.0)
	assert.InDelta(t, 100, res.ADX[last], 1e-6)
}

func TestADXShortInput(t *testing.T) {
	res := ADX(make([]float64, 10), make([]float64, 10), make([]float64, 10), 14)
	assert.Equal(t, 10, nanPrefix(res.ADX))
	assert.Equal(t, 10, nanPrefix(res.PlusDI))
}

func TestDonchian(t *testing.T) {
	high := []float64{5, 7, 6, 9, 4}
	low := []float64{1, 3, 2, 5, 3}
	ch := Donchian(high, low, 3)
	require.Len(t, ch.Upper, 5)
	assert.Equal(t, 2, nanPrefix(ch.Upper))

	assert.InDelta(t, 7, ch.Upper[2], 1e-9)
	assert.InDelta(t, 1, ch.Lower[2], 1e-9)
	assert.InDelta(t, 4, ch.Middle[2], 1e-9)

	assert.InDelta(t, 9, ch.Upper[4], 1e-9)
	assert.InDelta(t, 2, ch.Lower[4], 1e-9)
}

func TestKeltnerConstantSeries(t *testing.T) {
	n := 30
	high := make([]float64, n)
	low := make([]float64, n)
	close := make([]float64, n)
	for i := range high {
		high[i] = 101
		low[i] = 99
		close[i] = 100
	}
	ch := Keltner(high, low, close, 20, 10, 1.5)
	require.Len(t, ch.Upper, n)

	last := n - 1
	assert.InDelta(t, 100, ch.Middle[last], 1e-9)
	assert.InDelta(t, 103, ch.Upper[last], 1e-9)
	assert.InDelta(t, 97, ch.Lower[last], 1e-9)
}

func TestCrossOverAndUnder(t *testing.T) {
	a := []float64{1, 3}
	b := []float64{2, 2}
	assert.True(t, CrossOver(a, b, 1))
	assert.False(t, CrossUnder(a, b, 1))
	assert.True(t, CrossUnder(b, a, 1))

	// NaN on either side suppresses the signal.
	c := []float64{math.NaN(), 3}
	assert.False(t, CrossOver(c, b, 1))
	assert.False(t, CrossOver(a, b, 0))
}
