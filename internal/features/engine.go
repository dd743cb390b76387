// Package features implements the quant feature engine from spec.md §4.6:
// a pure, vectorised derivation of returns, volatility, structure and
// regime columns over an ordered OHLCV window. No I/O, no suspension
// points (spec.md §5).
package features

import (
	"math"
	"sort"

	"github.com/sawpanic/marketwarehouse/internal/types"
)

const annualizationFactor = 15.874507866387544 // sqrt(252)

// Compute annotates an ascending-time-ordered series of candles for a
// single (symbol, timeframe) with the derived feature columns. The input
// slice is not mutated; a new slice is returned. Rows that cannot yet be
// computed (not enough history) are emitted with nil feature columns.
func Compute(candles []types.Candle) []types.Candle {
	out := make([]types.Candle, len(candles))
	copy(out, candles)
	n := len(out)
	if n == 0 {
		return out
	}

	closes := make([]float64, n)
	opens := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, c := range out {
		closes[i], opens[i], highs[i], lows[i], volumes[i] = c.Close, c.Open, c.High, c.Low, c.Volume
	}

	logReturn := make([]*float64, n)
	return1d := make([]*float64, n)
	return1h := make([]*float64, n)
	for i := 0; i < n; i++ {
		logReturn[i] = safeLog(closes[i], opens[i])
		if i > 0 {
			r := safeLog(closes[i], closes[i-1])
			return1d[i] = r
			return1h[i] = r // period-proxy over the prior bar, see DESIGN.md
		}
	}

	dailyReturns := make([]float64, n)
	haveReturn := make([]bool, n)
	for i := 1; i < n; i++ {
		if return1d[i] != nil {
			dailyReturns[i] = *return1d[i]
			haveReturn[i] = true
		}
	}

	volatility20 := rollingAnnualizedStdev(dailyReturns, haveReturn, 20)
	volatility50 := rollingAnnualizedStdev(dailyReturns, haveReturn, 50)

	atr := rollingATR(highs, lows, closes, 14)

	rollingVol20 := rollingMean(volumes, 20)
	volumeRatio := make([]*float64, n)
	for i := 0; i < n; i++ {
		if rollingVol20[i] != nil && *rollingVol20[i] != 0 {
			v := volumes[i] / *rollingVol20[i]
			volumeRatio[i] = &v
		}
	}

	hh, hl, lh, ll, trendDir, structureLabel := marketStructure(highs, lows, closes)

	trendRegime := trendRegimeFromEMA(closes)
	volatilityRegime := volatilityRegimeFromTertiles(volatility50)
	compressionRegime := compressionRegimeFromBollinger(closes)

	for i := 0; i < n; i++ {
		out[i].LogReturn = logReturn[i]
		out[i].Return1D = return1d[i]
		out[i].Return1H = return1h[i]
		out[i].Volatility20 = volatility20[i]
		out[i].Volatility50 = volatility50[i]
		out[i].ATR = atr[i]
		out[i].RollingVolume20 = rollingVol20[i]
		out[i].VolumeRatio = volumeRatio[i]
		out[i].HH = hh[i]
		out[i].HL = hl[i]
		out[i].LH = lh[i]
		out[i].LL = ll[i]
		out[i].TrendDirection = trendDir[i]
		out[i].StructureLabel = structureLabel[i]
		out[i].TrendRegime = trendRegime[i]
		out[i].VolatilityRegime = volatilityRegime[i]
		out[i].CompressionRegime = compressionRegime[i]
	}
	return out
}

func safeLog(numerator, denominator float64) *float64 {
	if denominator == 0 || numerator <= 0 || denominator < 0 {
		return nil
	}
	v := math.Log(numerator / denominator)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func rollingMean(values []float64, window int) []*float64 {
	n := len(values)
	out := make([]*float64, n)
	var sum float64
	for i := 0; i < n; i++ {
		sum += values[i]
		if i >= window {
			sum -= values[i-window]
		}
		if i >= window-1 {
			m := sum / float64(window)
			out[i] = &m
		}
	}
	return out
}

func rollingAnnualizedStdev(returns []float64, have []bool, window int) []*float64 {
	n := len(returns)
	out := make([]*float64, n)
	for i := 0; i < n; i++ {
		if i < window {
			continue
		}
		var sum, sumSq float64
		count := 0
		ok := true
		for j := i - window + 1; j <= i; j++ {
			if !have[j] {
				ok = false
				break
			}
			sum += returns[j]
			count++
		}
		if !ok || count == 0 {
			continue
		}
		mean := sum / float64(count)
		for j := i - window + 1; j <= i; j++ {
			d := returns[j] - mean
			sumSq += d * d
		}
		variance := sumSq / float64(count)
		stdev := math.Sqrt(variance) * annualizationFactor
		out[i] = &stdev
	}
	return out
}

func rollingATR(highs, lows, closes []float64, period int) []*float64 {
	n := len(highs)
	out := make([]*float64, n)
	if n == 0 {
		return out
	}
	trueRange := make([]float64, n)
	for i := 0; i < n; i++ {
		hl := highs[i] - lows[i]
		if i == 0 {
			trueRange[i] = hl
			continue
		}
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		trueRange[i] = math.Max(hl, math.Max(hc, lc))
	}

	alpha := 2.0 / (float64(period) + 1.0)
	var ema float64
	seeded := false
	for i := 0; i < n; i++ {
		if !seeded {
			ema = trueRange[i]
			seeded = true
		} else {
			ema = alpha*trueRange[i] + (1-alpha)*ema
		}
		if i >= period-1 {
			v := ema
			out[i] = &v
		}
	}
	return out
}

func emaSeries(values []float64, period int) []float64 {
	n := len(values)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	alpha := 2.0 / (float64(period) + 1.0)
	out[0] = values[0]
	for i := 1; i < n; i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

func marketStructure(highs, lows, closes []float64) (hh, hl, lh, ll []*bool, trendDir, structureLabel []*string) {
	n := len(highs)
	hh, hl, lh, ll = make([]*bool, n), make([]*bool, n), make([]*bool, n), make([]*bool, n)
	trendDir, structureLabel = make([]*string, n), make([]*string, n)
	lookback := 5

	for i := 0; i < n; i++ {
		if i < lookback {
			continue
		}
		priorHighMax := highs[i-lookback]
		priorHighMin := highs[i-lookback]
		priorLowMax := lows[i-lookback]
		priorLowMin := lows[i-lookback]
		for j := i - lookback + 1; j < i; j++ {
			priorHighMax = math.Max(priorHighMax, highs[j])
			priorHighMin = math.Min(priorHighMin, highs[j])
			priorLowMax = math.Max(priorLowMax, lows[j])
			priorLowMin = math.Min(priorLowMin, lows[j])
		}

		isHH := highs[i] > priorHighMax
		isLL := lows[i] < priorLowMin
		isHL := lows[i] > priorLowMin
		isLH := highs[i] < priorHighMax

		hh[i], ll[i], hl[i], lh[i] = &isHH, &isLL, &isHL, &isLH

		fiveBarReturn := 0.0
		if closes[i-lookback] != 0 {
			fiveBarReturn = (closes[i] - closes[i-lookback]) / closes[i-lookback]
		}
		var dir string
		switch {
		case fiveBarReturn > 0:
			dir = "up"
		case fiveBarReturn < 0:
			dir = "down"
		default:
			dir = "neutral"
		}
		trendDir[i] = &dir

		var label string
		switch {
		case isHH && isHL:
			label = "bullish"
		case isLH && isLL:
			label = "bearish"
		default:
			label = "range"
		}
		structureLabel[i] = &label
	}
	return
}

func trendRegimeFromEMA(closes []float64) []*string {
	n := len(closes)
	out := make([]*string, n)
	if n == 0 {
		return out
	}
	ema20 := emaSeries(closes, 20)
	ema50 := emaSeries(closes, 50)
	for i := 0; i < n; i++ {
		if i < 49 {
			continue
		}
		diff := ema20[i] - ema50[i]
		deadzone := closes[i] * 0.001
		var regime string
		switch {
		case diff > deadzone:
			regime = "uptrend"
		case diff < -deadzone:
			regime = "downtrend"
		default:
			regime = "ranging"
		}
		out[i] = &regime
	}
	return out
}

func volatilityRegimeFromTertiles(volatility50 []*float64) []*string {
	n := len(volatility50)
	out := make([]*string, n)

	var known []float64
	var indices []int
	for i, v := range volatility50 {
		if v != nil {
			known = append(known, *v)
			indices = append(indices, i)
		}
	}
	if len(known) == 0 {
		return out
	}
	sorted := append([]float64(nil), known...)
	sort.Float64s(sorted)

	for idx, i := range indices {
		rank := percentileRank(sorted, known[idx])
		var regime string
		switch {
		case rank < 1.0/3.0:
			regime = "low"
		case rank < 2.0/3.0:
			regime = "medium"
		default:
			regime = "high"
		}
		out[i] = &regime
	}
	return out
}

func compressionRegimeFromBollinger(closes []float64) []*string {
	n := len(closes)
	out := make([]*string, n)
	widths := make([]*float64, n)

	for i := 0; i < n; i++ {
		if i < 19 {
			continue
		}
		var sum float64
		for j := i - 19; j <= i; j++ {
			sum += closes[j]
		}
		mean := sum / 20
		var sumSq float64
		for j := i - 19; j <= i; j++ {
			d := closes[j] - mean
			sumSq += d * d
		}
		stdev := math.Sqrt(sumSq / 20)
		upper := mean + 2*stdev
		lower := mean - 2*stdev
		if mean == 0 {
			continue
		}
		width := (upper - lower) / mean
		widths[i] = &width
	}

	for i := 0; i < n; i++ {
		if widths[i] == nil {
			continue
		}
		lo := i - 49
		if lo < 0 {
			lo = 0
		}
		var history []float64
		for j := lo; j <= i; j++ {
			if widths[j] != nil {
				history = append(history, *widths[j])
			}
		}
		if len(history) == 0 {
			continue
		}
		sorted := append([]float64(nil), history...)
		sort.Float64s(sorted)
		rank := percentileRank(sorted, *widths[i])
		var regime string
		if rank < 0.60 {
			regime = "compressed"
		} else {
			regime = "expanded"
		}
		out[i] = &regime
	}
	return out
}

// percentileRank returns the fraction of sorted values <= v.
func percentileRank(sorted []float64, v float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := sort.SearchFloat64s(sorted, v)
	count := idx
	for count < len(sorted) && sorted[count] <= v {
		count++
	}
	return float64(count) / float64(len(sorted))
}
