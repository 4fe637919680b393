// Package indicators provides total indicator functions over candle series.
// Every function returns a slice the same length as its input, with NaN in
// the warmup prefix where the indicator is undefined. Callers index the
// output with the same bar index as the input and check math.IsNaN instead
// of tracking offsets.
package indicators

import (
	"math"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/trend"
)

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// SMA is the simple moving average. NaN for the first period-1 bars.
func SMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA is the exponential moving average. NaN for the first period-1 bars.
func EMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	ema := trend.NewEmaWithPeriod[float64](period)
	computed := helper.ChanToSlice(ema.Compute(helper.SliceToChan(values)))
	offset := len(values) - len(computed)
	for i, v := range computed {
		out[offset+i] = v
	}
	return out
}

// RSI is Wilder's relative strength index. NaN for the first period bars.
// A window with no losses yields 100, no gains yields 0.
func RSI(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) <= period {
		return out
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		diff := values[i] - values[i-1]
		if diff > 0 {
			avgGain += diff
		} else {
			avgLoss -= diff
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(values); i++ {
		diff := values[i] - values[i-1]
		var gain, loss float64
		if diff > 0 {
			gain = diff
		} else {
			loss = -diff
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// TrueRange returns the per-bar true range. The first bar has no previous
// close, so its range is high-low.
func TrueRange(high, low, close []float64) []float64 {
	out := make([]float64, len(high))
	for i := range high {
		tr := high[i] - low[i]
		if i > 0 {
			if d := math.Abs(high[i] - close[i-1]); d > tr {
				tr = d
			}
			if d := math.Abs(low[i] - close[i-1]); d > tr {
				tr = d
			}
		}
		out[i] = tr
	}
	return out
}

// ATR is Wilder's average true range. NaN for the first period-1 bars; the
// value at period-1 is the simple mean of the first period true ranges.
func ATR(high, low, close []float64, period int) []float64 {
	out := nanSlice(len(high))
	if period <= 0 || len(high) < period {
		return out
	}
	tr := TrueRange(high, low, close)

	var sum float64
	for i := 0; i < period; i++ {
		sum += tr[i]
	}
	atr := sum / float64(period)
	out[period-1] = atr
	for i := period; i < len(tr); i++ {
		atr = (atr*float64(period-1) + tr[i]) / float64(period)
		out[i] = atr
	}
	return out
}

// ADXResult carries the directional movement family for one series.
type ADXResult struct {
	ADX     []float64
	PlusDI  []float64
	MinusDI []float64
}

// ADX computes Wilder's directional movement index. PlusDI and MinusDI are
// defined from bar period onward, ADX from bar 2*period-1 onward.
func ADX(high, low, close []float64, period int) ADXResult {
	n := len(high)
	res := ADXResult{ADX: nanSlice(n), PlusDI: nanSlice(n), MinusDI: nanSlice(n)}
	if period <= 0 || n < 2*period {
		return res
	}

	tr := TrueRange(high, low, close)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		up := high[i] - high[i-1]
		down := low[i-1] - low[i]
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	// Wilder smoothing seeded with the sum of the first period values.
	var sTR, sPlus, sMinus float64
	for i := 1; i <= period; i++ {
		sTR += tr[i]
		sPlus += plusDM[i]
		sMinus += minusDM[i]
	}

	dx := nanSlice(n)
	writeDI := func(i int) {
		if sTR == 0 {
			res.PlusDI[i] = 0
			res.MinusDI[i] = 0
			dx[i] = 0
			return
		}
		res.PlusDI[i] = 100 * sPlus / sTR
		res.MinusDI[i] = 100 * sMinus / sTR
		if sum := res.PlusDI[i] + res.MinusDI[i]; sum > 0 {
			dx[i] = 100 * math.Abs(res.PlusDI[i]-res.MinusDI[i]) / sum
		} else {
			dx[i] = 0
		}
	}
	writeDI(period)

	for i := period + 1; i < n; i++ {
		sTR = sTR - sTR/float64(period) + tr[i]
		sPlus = sPlus - sPlus/float64(period) + plusDM[i]
		sMinus = sMinus - sMinus/float64(period) + minusDM[i]
		writeDI(i)
	}

	var adxSum float64
	for i := period; i < 2*period; i++ {
		adxSum += dx[i]
	}
	adx := adxSum / float64(period)
	res.ADX[2*period-1] = adx
	for i := 2 * period; i < n; i++ {
		adx = (adx*float64(period-1) + dx[i]) / float64(period)
		res.ADX[i] = adx
	}
	return res
}

// Channel is a three-band envelope (Donchian, Keltner).
type Channel struct {
	Upper  []float64
	Middle []float64
	Lower  []float64
}

// Donchian returns the highest-high / lowest-low channel over the trailing
// period. NaN for the first period-1 bars.
func Donchian(high, low []float64, period int) Channel {
	n := len(high)
	ch := Channel{Upper: nanSlice(n), Middle: nanSlice(n), Lower: nanSlice(n)}
	if period <= 0 || n < period {
		return ch
	}
	for i := period - 1; i < n; i++ {
		hi := high[i]
		lo := low[i]
		for j := i - period + 1; j < i; j++ {
			if high[j] > hi {
				hi = high[j]
			}
			if low[j] < lo {
				lo = low[j]
			}
		}
		ch.Upper[i] = hi
		ch.Lower[i] = lo
		ch.Middle[i] = (hi + lo) / 2
	}
	return ch
}

// Keltner returns an EMA midline with ATR bands at mult distance. Bands are
// NaN until both the EMA and the ATR are defined.
func Keltner(high, low, close []float64, emaPeriod, atrPeriod int, mult float64) Channel {
	n := len(close)
	ch := Channel{Upper: nanSlice(n), Middle: EMA(close, emaPeriod), Lower: nanSlice(n)}
	atr := ATR(high, low, close, atrPeriod)
	for i := 0; i < n; i++ {
		if math.IsNaN(ch.Middle[i]) || math.IsNaN(atr[i]) {
			continue
		}
		ch.Upper[i] = ch.Middle[i] + mult*atr[i]
		ch.Lower[i] = ch.Middle[i] - mult*atr[i]
	}
	return ch
}

// CrossOver reports whether a crossed above b at bar i.
func CrossOver(a, b []float64, i int) bool {
	if i < 1 || i >= len(a) || i >= len(b) {
		return false
	}
	if math.IsNaN(a[i]) || math.IsNaN(b[i]) || math.IsNaN(a[i-1]) || math.IsNaN(b[i-1]) {
		return false
	}
	return a[i-1] <= b[i-1] && a[i] > b[i]
}

// CrossUnder reports whether a crossed below b at bar i.
func CrossUnder(a, b []float64, i int) bool {
	if i < 1 || i >= len(a) || i >= len(b) {
		return false
	}
	if math.IsNaN(a[i]) || math.IsNaN(b[i]) || math.IsNaN(a[i-1]) || math.IsNaN(b[i-1]) {
		return false
	}
	return a[i-1] >= b[i-1] && a[i] < b[i]
}
