// Package indicators computes the technical-analysis primitives the feature
// builder assembles into a snapshot: moving averages, ATR, RSI, MACD, VWAP,
// OBV, and the structural swing/breakout helpers.
//
// The value-producing functions here are pure functions over a candle slice
// and return (value, ok) rather than a zero value when the lookback window is
// too short — callers must not mistake "not enough history" for "zero".
// OBVDirection is the exception: it reports 0 for insufficient history.
package indicators

import (
	"math"

	"kraken-bot/pkg/types"
)

// SMA computes the simple moving average of the last `period` closes.
func SMA(candles []types.Candle, period int) (float64, bool) {
	if len(candles) < period || period <= 0 {
		return 0, false
	}
	window := candles[len(candles)-period:]
	sum := 0.0
	for _, c := range window {
		sum += c.Close
	}
	return sum / float64(period), true
}

// EMA computes the exponential moving average over the full series using a
// standard 2/(period+1) smoothing constant, seeded with an SMA of the first
// `period` closes.
func EMA(candles []types.Candle, period int) (float64, bool) {
	if len(candles) < period || period <= 0 {
		return 0, false
	}
	seed, ok := SMA(candles[:period], period)
	if !ok {
		return 0, false
	}
	k := 2.0 / float64(period+1)
	ema := seed
	for _, c := range candles[period:] {
		ema = c.Close*k + ema*(1-k)
	}
	return ema, true
}

// emaSeries returns the EMA value at every index from `period-1` onward, used
// internally by MACD, which needs a trailing series rather than a single
// terminal value.
func emaSeries(values []float64, period int) ([]float64, bool) {
	if len(values) < period || period <= 0 {
		return nil, false
	}
	sum := 0.0
	for _, v := range values[:period] {
		sum += v
	}
	seed := sum / float64(period)
	k := 2.0 / float64(period+1)
	out := make([]float64, 0, len(values)-period+1)
	out = append(out, seed)
	ema := seed
	for _, v := range values[period:] {
		ema = v*k + ema*(1-k)
		out = append(out, ema)
	}
	return out, true
}

// StdDev returns the population standard deviation of the last `period`
// closes, alongside their mean.
func StdDev(candles []types.Candle, period int) (mean, stddev float64, ok bool) {
	if len(candles) < period || period <= 0 {
		return 0, 0, false
	}
	window := candles[len(candles)-period:]
	sum := 0.0
	for _, c := range window {
		sum += c.Close
	}
	mean = sum / float64(period)
	variance := 0.0
	for _, c := range window {
		d := c.Close - mean
		variance += d * d
	}
	variance /= float64(period)
	return mean, math.Sqrt(variance), true
}

// ZScore returns (lastClose - mean) / stddev over the last `period` closes.
// Returns !ok when stddev is zero (flat window) to avoid dividing by zero.
func ZScore(candles []types.Candle, period int) (float64, bool) {
	mean, stddev, ok := StdDev(candles, period)
	if !ok || stddev == 0 {
		return 0, false
	}
	last := candles[len(candles)-1].Close
	return (last - mean) / stddev, true
}

// VWAP computes the volume-weighted average price over the last `period`
// candles using typical price (H+L+C)/3.
func VWAP(candles []types.Candle, period int) (float64, bool) {
	if len(candles) < period || period <= 0 {
		return 0, false
	}
	window := candles[len(candles)-period:]
	var pvSum, volSum float64
	for _, c := range window {
		typical := (c.High + c.Low + c.Close) / 3
		pvSum += typical * c.Volume
		volSum += c.Volume
	}
	if volSum == 0 {
		return 0, false
	}
	return pvSum / volSum, true
}

// trueRanges returns the per-bar true range series, one shorter than candles
// because the first bar has no previous close.
func trueRanges(candles []types.Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}
	out := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		c := candles[i]
		prevClose := candles[i-1].Close
		tr := math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
		out = append(out, tr)
	}
	return out
}

// TrueRanges exposes the per-bar true range series for callers that need
// the raw per-bar values directly, such as the current/previous-bar
// breakout and liquidity-sweep comparisons.
func TrueRanges(candles []types.Candle) []float64 {
	return trueRanges(candles)
}

// wilderSmooth applies Wilder's smoothing (RMA) to a value series, seeded
// with a simple average of the first `period` values.
func wilderSmooth(values []float64, period int) ([]float64, bool) {
	if len(values) < period || period <= 0 {
		return nil, false
	}
	sum := 0.0
	for _, v := range values[:period] {
		sum += v
	}
	seed := sum / float64(period)
	out := make([]float64, 0, len(values)-period+1)
	out = append(out, seed)
	prev := seed
	for _, v := range values[period:] {
		cur := (prev*float64(period-1) + v) / float64(period)
		out = append(out, cur)
		prev = cur
	}
	return out, true
}

// ATR computes the `period`-bar Wilder average true range.
func ATR(candles []types.Candle, period int) (float64, bool) {
	trs := trueRanges(candles)
	series, ok := wilderSmooth(trs, period)
	if !ok || len(series) == 0 {
		return 0, false
	}
	return series[len(series)-1], true
}

// ATRSeries returns the full trailing Wilder ATR series, used to compute an
// ATR percentile rank.
func ATRSeries(candles []types.Candle, period int) ([]float64, bool) {
	trs := trueRanges(candles)
	return wilderSmooth(trs, period)
}

// ATRPercentile returns the percentile rank (0-100) of the latest ATR value
// within its own trailing `lookback` history.
func ATRPercentile(candles []types.Candle, period, lookback int) (float64, bool) {
	series, ok := ATRSeries(candles, period)
	if !ok || len(series) < lookback {
		return 0, false
	}
	window := series[len(series)-lookback:]
	latest := window[len(window)-1]
	below := 0
	for _, v := range window {
		if v <= latest {
			below++
		}
	}
	return float64(below) / float64(len(window)) * 100, true
}

// RSI computes the Wilder relative strength index over `period` bars.
func RSI(candles []types.Candle, period int) (float64, bool) {
	series, ok := RSISeries(candles, period)
	if !ok || len(series) == 0 {
		return 0, false
	}
	return series[len(series)-1], true
}

// RSISeries returns the trailing Wilder RSI series.
func RSISeries(candles []types.Candle, period int) ([]float64, bool) {
	if len(candles) < period+1 {
		return nil, false
	}
	gains := make([]float64, 0, len(candles)-1)
	losses := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		delta := candles[i].Close - candles[i-1].Close
		if delta > 0 {
			gains = append(gains, delta)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, -delta)
		}
	}
	avgGains, ok1 := wilderSmooth(gains, period)
	avgLosses, ok2 := wilderSmooth(losses, period)
	if !ok1 || !ok2 {
		return nil, false
	}
	n := len(avgGains)
	if len(avgLosses) < n {
		n = len(avgLosses)
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		if avgLosses[i] == 0 {
			out[i] = 100
			continue
		}
		rs := avgGains[i] / avgLosses[i]
		out[i] = 100 - 100/(1+rs)
	}
	return out, true
}

// RSISlope returns the change in RSI between the last two values of the
// trailing RSI series.
func RSISlope(candles []types.Candle, period int) (float64, bool) {
	series, ok := RSISeries(candles, period)
	if !ok || len(series) < 2 {
		return 0, false
	}
	return series[len(series)-1] - series[len(series)-2], true
}

// MACDResult holds the MACD line, signal line, and histogram for one bar.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD computes the standard 12/26/9 MACD, returning the full trailing
// series so the caller can also derive a histogram slope.
func MACD(candles []types.Candle, fast, slow, signalPeriod int) ([]MACDResult, bool) {
	if len(candles) < slow+signalPeriod {
		return nil, false
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	fastEMA, ok1 := emaSeries(closes, fast)
	slowEMA, ok2 := emaSeries(closes, slow)
	if !ok1 || !ok2 {
		return nil, false
	}
	// fastEMA is longer than slowEMA by (slow-fast) entries; align on the
	// tail so both series share the same last index.
	offset := len(fastEMA) - len(slowEMA)
	macdLine := make([]float64, len(slowEMA))
	for i := range slowEMA {
		macdLine[i] = fastEMA[i+offset] - slowEMA[i]
	}
	signalLine, ok3 := emaSeries(macdLine, signalPeriod)
	if !ok3 {
		return nil, false
	}
	sigOffset := len(macdLine) - len(signalLine)
	out := make([]MACDResult, len(signalLine))
	for i := range signalLine {
		m := macdLine[i+sigOffset]
		out[i] = MACDResult{MACD: m, Signal: signalLine[i], Histogram: m - signalLine[i]}
	}
	return out, true
}

// MACDSlope returns the change in MACD histogram between the last two bars.
func MACDSlope(series []MACDResult) (float64, bool) {
	if len(series) < 2 {
		return 0, false
	}
	return series[len(series)-1].Histogram - series[len(series)-2].Histogram, true
}

// OBVDirection returns the sign of the on-balance-volume trend over the last
// `lookback` bars: +1 rising, -1 falling, 0 flat or insufficient history.
func OBVDirection(candles []types.Candle, lookback int) int {
	if len(candles) < lookback+1 {
		return 0
	}
	window := candles[len(candles)-lookback-1:]
	obv := 0.0
	series := make([]float64, 0, lookback+1)
	series = append(series, obv)
	for i := 1; i < len(window); i++ {
		switch {
		case window[i].Close > window[i-1].Close:
			obv += window[i].Volume
		case window[i].Close < window[i-1].Close:
			obv -= window[i].Volume
		}
		series = append(series, obv)
	}
	first, last := series[0], series[len(series)-1]
	switch {
	case last > first:
		return 1
	case last < first:
		return -1
	default:
		return 0
	}
}

// RangeRatio returns the ratio of the current bar's high-low range to its
// ATR, a measure of whether the latest bar is unusually wide or narrow.
func RangeRatio(candles []types.Candle, atrPeriod int) (float64, bool) {
	atr, ok := ATR(candles, atrPeriod)
	if !ok || atr == 0 || len(candles) == 0 {
		return 0, false
	}
	last := candles[len(candles)-1]
	return (last.High - last.Low) / atr, true
}

// SwingHighLow finds the most recent swing high/low within `lookback` bars,
// excluding the current (still-forming) bar, and returns their ATR-normalised
// distance from the last close.
func SwingHighLow(candles []types.Candle, lookback, atrPeriod int) (toHighATR, toLowATR float64, ok bool) {
	if len(candles) < lookback+1 {
		return 0, 0, false
	}
	atr, atrOK := ATR(candles, atrPeriod)
	if !atrOK || atr == 0 {
		return 0, 0, false
	}
	window := candles[len(candles)-lookback-1 : len(candles)-1]
	high, low := window[0].High, window[0].Low
	for _, c := range window[1:] {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	last := candles[len(candles)-1].Close
	return (high - last) / atr, (last - low) / atr, true
}

// WickPercentages returns the upper/lower wick length as a percentage of the
// bar's full range for the most recent candle.
func WickPercentages(candles []types.Candle) (upperPct, lowerPct float64, ok bool) {
	if len(candles) == 0 {
		return 0, 0, false
	}
	c := candles[len(candles)-1]
	rng := c.High - c.Low
	if rng <= 0 {
		return 0, 0, false
	}
	bodyTop, bodyBottom := c.Open, c.Close
	if c.Close > c.Open {
		bodyTop, bodyBottom = c.Close, c.Open
	}
	upper := (c.High - bodyTop) / rng * 100
	lower := (bodyBottom - c.Low) / rng * 100
	return upper, lower, true
}

// LiquiditySweep reports whether the latest bar pierced the prior swing
// extreme and closed back inside it — a classic stop-hunt signature.
func LiquiditySweep(candles []types.Candle, lookback int) (sweptLow, sweptHigh bool, ok bool) {
	if len(candles) < lookback+1 {
		return false, false, false
	}
	window := candles[len(candles)-lookback-1 : len(candles)-1]
	high, low := window[0].High, window[0].Low
	for _, c := range window[1:] {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	last := candles[len(candles)-1]
	sweptLow = last.Low < low && last.Close > low
	sweptHigh = last.High > high && last.Close < high
	return sweptLow, sweptHigh, true
}

// Breakout reports whether the latest close cleared the prior swing high or
// low and held beyond it (break-and-hold, not a wick-only sweep).
func Breakout(candles []types.Candle, lookback int) (brokeHigh, brokeLow bool, ok bool) {
	if len(candles) < lookback+1 {
		return false, false, false
	}
	window := candles[len(candles)-lookback-1 : len(candles)-1]
	high, low := window[0].High, window[0].Low
	for _, c := range window[1:] {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	last := candles[len(candles)-1]
	return last.Close > high, last.Close < low, true
}

// MAStackFrom classifies the ordering of three SMAs into bull/bear/neutral.
// When SMA200 is unavailable (short history), it falls back to comparing
// just SMA20/SMA50; when even those are unavailable, it reports neutral.
func MAStackFrom(sma20, sma50, sma200 *float64) types.MAStack {
	if sma20 != nil && sma50 != nil && sma200 != nil {
		switch {
		case *sma20 > *sma50 && *sma50 > *sma200:
			return types.MAStackBull
		case *sma20 < *sma50 && *sma50 < *sma200:
			return types.MAStackBear
		default:
			return types.MAStackNeutral
		}
	}
	if sma20 != nil && sma50 != nil {
		switch {
		case *sma20 > *sma50:
			return types.MAStackBull
		case *sma20 < *sma50:
			return types.MAStackBear
		default:
			return types.MAStackNeutral
		}
	}
	return types.MAStackNeutral
}
