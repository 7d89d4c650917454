// Package feature assembles a FeatureSnapshot for one pair: per-timeframe
// indicator sets, higher-timeframe anchors, live order-book features, a
// confluence score, a regime classification, and liquidity flags.
//
// Per-timeframe candle fetches run concurrently, one goroutine per
// timeframe gathered with a sync.WaitGroup — a timeframe that fails to
// fetch is logged and simply omitted from the snapshot rather than failing
// the whole build. A timeframe with too little history is kept, with the
// indicators it cannot compute left nil.
package feature

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"

	"kraken-bot/internal/indicators"
	"kraken-bot/pkg/types"
)

// Gateway is the subset of the exchange client the builder needs.
type Gateway interface {
	GetOHLC(ctx context.Context, restPair string, intervalMinutes int) ([]types.Candle, error)
}

// TimeframeSpec names one configured timeframe: its Kraken interval in
// minutes and how many trailing candles to retain.
type TimeframeSpec struct {
	Name            string
	IntervalMinutes int
	Lookback        int
}

// DefaultTimeframeSpecs returns the six timeframes spec.md §4.2 names, with
// their documented lookback depths.
func DefaultTimeframeSpecs() []TimeframeSpec {
	return []TimeframeSpec{
		{Name: "1m", IntervalMinutes: 1, Lookback: 300},
		{Name: "5m", IntervalMinutes: 5, Lookback: 300},
		{Name: "15m", IntervalMinutes: 15, Lookback: 300},
		{Name: "1h", IntervalMinutes: 60, Lookback: 360},
		{Name: "4h", IntervalMinutes: 240, Lookback: 360},
		{Name: "1d", IntervalMinutes: 1440, Lookback: 120},
	}
}

const (
	htfDailyIntervalMinutes  = 1440
	htfWeeklyIntervalMinutes = 10080
	// htfDailyLookback/htfWeeklyLookback fetch more than the 5 prior daily and
	// weekly candles the anchors themselves need, to seed a 14-period daily ATR.
	htfDailyLookback  = 30
	htfWeeklyLookback = 10

	defaultSlippageNotional = 500 // default target notional for slippage estimation, quote units
)

// BuildContext carries opaque position/risk state through to the snapshot;
// the builder does not interpret it beyond copying it into the result.
type BuildContext struct {
	Position types.Position
	Risk     types.RiskLedger
}

// Builder produces FeatureSnapshots for a single pair.
type Builder struct {
	gateway          Gateway
	restPair         string
	pair             string
	timeframes       []TimeframeSpec
	slippageNotional float64
	logger           *slog.Logger
}

// NewBuilder creates a Builder for one pair. restPair is the Kraken REST
// pair code (e.g. "XDGUSD"); pair is the canonical display form used in
// the resulting snapshot (e.g. "DOGE/USD").
func NewBuilder(gateway Gateway, restPair, pair string, timeframes []TimeframeSpec, logger *slog.Logger) *Builder {
	if timeframes == nil {
		timeframes = DefaultTimeframeSpecs()
	}
	return &Builder{
		gateway:          gateway,
		restPair:         restPair,
		pair:             pair,
		timeframes:       timeframes,
		slippageNotional: defaultSlippageNotional,
		logger:           logger,
	}
}

// tfResult is the outcome of one timeframe's concurrent fetch.
type tfResult struct {
	name    string
	candles []types.Candle
	err     error
}

// Build fetches every configured timeframe concurrently, computes the full
// indicator set per timeframe, and assembles HTF anchors, order-book
// features, confluence, regime, and liquidity flags into one snapshot.
func (b *Builder) Build(ctx context.Context, bctx BuildContext, book *types.BookState, nowUnixMs int64) (*types.FeatureSnapshot, error) {
	candlesByTF := b.fetchAllTimeframes(ctx)

	timeframes := make(map[string]types.TimeframeFeatures, len(candlesByTF))
	for name, candles := range candlesByTF {
		timeframes[name] = computeTimeframeFeatures(candles)
	}

	anchors, dailyATR := b.buildHTFAnchors(ctx, timeframes["15m"])

	snapshot := &types.FeatureSnapshot{
		Pair:       b.pair,
		TsUnixMs:   nowUnixMs,
		Timeframes: timeframes,
		HTFAnchors: anchors,
		Orderbook:  buildOrderbookFeatures(book, b.slippageNotional),
		Position:   bctx.Position,
		Risk:       bctx.Risk,
	}
	snapshot.Confluence = computeConfluence(timeframes)
	snapshot.Regime = computeRegime(timeframes)
	snapshot.Liquidity = computeLiquidity(timeframes["15m"], anchors, dailyATR)

	return snapshot, nil
}

func (b *Builder) fetchAllTimeframes(ctx context.Context) map[string][]types.Candle {
	results := make(chan tfResult, len(b.timeframes))
	var wg sync.WaitGroup
	for _, spec := range b.timeframes {
		wg.Add(1)
		go func(spec TimeframeSpec) {
			defer wg.Done()
			candles, err := b.gateway.GetOHLC(ctx, b.restPair, spec.IntervalMinutes)
			if err == nil && len(candles) > spec.Lookback {
				candles = candles[len(candles)-spec.Lookback:]
			}
			results <- tfResult{name: spec.Name, candles: candles, err: err}
		}(spec)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	out := make(map[string][]types.Candle, len(b.timeframes))
	for r := range results {
		if r.err != nil {
			b.logger.Warn("timeframe fetch failed, omitting from snapshot", "timeframe", r.name, "error", r.err)
			continue
		}
		out[r.name] = r.candles
	}
	return out
}

func computeTimeframeFeatures(candles []types.Candle) types.TimeframeFeatures {
	var tf types.TimeframeFeatures
	if len(candles) == 0 {
		return tf
	}
	last := candles[len(candles)-1]
	tf.Close, tf.Open, tf.High, tf.Low, tf.Volume = last.Close, last.Open, last.High, last.Low, last.Volume

	sma20, ok20 := indicators.SMA(candles, 20)
	sma50, ok50 := indicators.SMA(candles, 50)
	sma200, ok200 := indicators.SMA(candles, 200)
	tf.SMA20 = floatOrNil(sma20, ok20)
	tf.SMA50 = floatOrNil(sma50, ok50)
	tf.SMA200 = floatOrNil(sma200, ok200)
	tf.MAStack = indicators.MAStackFrom(tf.SMA20, tf.SMA50, tf.SMA200)

	priceZ, okZ := indicators.ZScore(candles, 20)
	if !okZ {
		priceZ = 0
		okZ = len(candles) >= 20
	}
	tf.PriceZ20 = floatOrNil(priceZ, okZ)

	vwap20, okVWAP := indicators.VWAP(candles, 20)
	tf.VWAP20 = floatOrNil(vwap20, okVWAP)
	tf.VWAPZ = vwapZScore(candles, 20)

	atr14, okATR := indicators.ATR(candles, 14)
	tf.ATR14 = floatOrNil(atr14, okATR)
	if okATR && tf.Close != 0 {
		atrPct := atr14 / tf.Close
		tf.ATRPct = &atrPct
	}
	atrPctile, okPctile := indicators.ATRPercentile(candles, 14, 90)
	tf.ATRPercentile = floatOrNil(atrPctile, okPctile)
	rangeRatio, okRR := indicators.RangeRatio(candles, 14)
	tf.RangeRatio = floatOrNil(rangeRatio, okRR)

	rsi14, okRSI := indicators.RSI(candles, 14)
	tf.RSI14 = floatOrNil(rsi14, okRSI)
	rsiSlope, okSlope := indicators.RSISlope(candles, 14)
	tf.RSISlope = floatOrNil(rsiSlope, okSlope)

	macdSeries, okMACD := indicators.MACD(candles, 12, 26, 9)
	if okMACD && len(macdSeries) > 0 {
		latest := macdSeries[len(macdSeries)-1]
		tf.MACD = &latest.MACD
		tf.MACDSignal = &latest.Signal
		tf.MACDHist = &latest.Histogram
		slope, okSlope := indicators.MACDSlope(macdSeries)
		tf.MACDSlope = floatOrNil(slope, okSlope)
	}

	volumeZ, okVolZ := volumeZScore(candles, 20)
	tf.VolumeZ20 = floatOrNil(volumeZ, okVolZ)
	tf.OBVDirection = indicators.OBVDirection(candles, 5)

	toHigh, toLow, okSwing := indicators.SwingHighLow(candles, 50, 14)
	upperWick, lowerWick, okWick := indicators.WickPercentages(candles)
	if okSwing {
		tf.Swing.ToLastHighATR = toHigh
		tf.Swing.ToLastLowATR = toLow
	}
	if okWick {
		tf.Swing.UpperWickPct = upperWick
		tf.Swing.LowerWickPct = lowerWick
	}

	tf.Flags = computeFlagFeatures(candles, atr14, okATR)

	tail := candles
	if len(tail) > 3 {
		tail = tail[len(tail)-3:]
	}
	tf.Last3Bars = append([]types.Candle(nil), tail...)

	return tf
}

// computeFlagFeatures implements spec.md §4.2's single-bar breakout and
// liquidity-sweep formulas, each comparing the current and previous bar's
// true range and high/low against the current ATR.
func computeFlagFeatures(candles []types.Candle, atr float64, atrOK bool) types.FlagFeatures {
	var flags types.FlagFeatures
	if !atrOK || atr == 0 {
		return flags
	}
	trs := indicators.TrueRanges(candles)
	if len(trs) < 2 || len(candles) < 2 {
		return flags
	}
	currentTR := trs[len(trs)-1]
	previousTR := trs[len(trs)-2]
	flags.Breakout = currentTR > 0.6*atr && previousTR < 0.4*atr

	last := candles[len(candles)-1]
	prev := candles[len(candles)-2]
	sweptHigh := last.High > prev.High+0.5*atr && last.Close < prev.High
	sweptLow := last.Low < prev.Low-0.5*atr && last.Close > prev.Low
	flags.LiquiditySweep = sweptHigh || sweptLow

	return flags
}

func vwapZScore(candles []types.Candle, period int) *float64 {
	if len(candles) < period || period <= 0 {
		return nil
	}
	window := candles[len(candles)-period:]
	var sum float64
	typicals := make([]float64, len(window))
	for i, c := range window {
		typicals[i] = (c.High + c.Low + c.Close) / 3
		sum += typicals[i]
	}
	mean := sum / float64(len(typicals))
	var variance float64
	for _, v := range typicals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(typicals))
	stddev := math.Sqrt(variance)
	if stddev == 0 {
		return nil
	}
	z := (candles[len(candles)-1].Close - mean) / stddev
	return &z
}

func volumeZScore(candles []types.Candle, period int) (float64, bool) {
	if len(candles) < period || period <= 0 {
		return 0, false
	}
	window := candles[len(candles)-period:]
	var sum float64
	for _, c := range window {
		sum += c.Volume
	}
	mean := sum / float64(len(window))
	var variance float64
	for _, c := range window {
		d := c.Volume - mean
		variance += d * d
	}
	variance /= float64(len(window))
	stddev := math.Sqrt(variance)
	if stddev == 0 {
		return 0, false
	}
	return (window[len(window)-1].Volume - mean) / stddev, true
}

func floatOrNil(v float64, ok bool) *float64 {
	if !ok {
		return nil
	}
	return &v
}

// buildHTFAnchors fetches daily and weekly candles (keeping the last
// htfDailyLookback and htfWeeklyLookback of them) and computes the
// previous day/week high/low and daily-ATR-normalised distances from the
// current 15m close.
func (b *Builder) buildHTFAnchors(ctx context.Context, m15 types.TimeframeFeatures) (types.HTFAnchors, float64) {
	var anchors types.HTFAnchors

	daily, err := b.gateway.GetOHLC(ctx, b.restPair, htfDailyIntervalMinutes)
	if err != nil {
		b.logger.Warn("daily HTF fetch failed", "error", err)
		return anchors, 0
	}
	if len(daily) > htfDailyLookback {
		daily = daily[len(daily)-htfDailyLookback:]
	}

	weekly, err := b.gateway.GetOHLC(ctx, b.restPair, htfWeeklyIntervalMinutes)
	if err != nil {
		b.logger.Warn("weekly HTF fetch failed", "error", err)
	}
	if len(weekly) > htfWeeklyLookback {
		weekly = weekly[len(weekly)-htfWeeklyLookback:]
	}

	if len(daily) >= 2 {
		prevDay := daily[len(daily)-2]
		anchors.PrevDayHigh = prevDay.High
		anchors.PrevDayLow = prevDay.Low
		anchors.DailyOpen = daily[len(daily)-1].Open
	} else if len(daily) == 1 {
		anchors.PrevDayHigh = daily[0].High
		anchors.PrevDayLow = daily[0].Low
		anchors.DailyOpen = daily[0].Open
	}

	if len(weekly) >= 2 {
		prevWeek := weekly[len(weekly)-2]
		anchors.PrevWeekHigh = prevWeek.High
		anchors.PrevWeekLow = prevWeek.Low
	} else if len(weekly) == 1 {
		anchors.PrevWeekHigh = weekly[0].High
		anchors.PrevWeekLow = weekly[0].Low
	}

	dailyATR, okATR := indicators.ATR(daily, 14)
	if !okATR || dailyATR == 0 || m15.Close == 0 {
		return anchors, dailyATR
	}

	dist := func(level float64) *float64 {
		d := (m15.Close - level) / dailyATR
		return &d
	}
	anchors.DistPrevDayHigh = dist(anchors.PrevDayHigh)
	anchors.DistPrevDayLow = dist(anchors.PrevDayLow)
	if len(weekly) >= 1 {
		anchors.DistPrevWeekHigh = dist(anchors.PrevWeekHigh)
		anchors.DistPrevWeekLow = dist(anchors.PrevWeekLow)
	}

	return anchors, dailyATR
}

// buildOrderbookFeatures computes imbalance, spread, and slippage-for-size
// from the live book mirror. Returns a zero-value (all nil) feature set
// when the book has no levels on one or both sides.
func buildOrderbookFeatures(book *types.BookState, targetNotional float64) types.OrderbookFeatures {
	var out types.OrderbookFeatures
	if book == nil {
		return out
	}
	bestBid, okBid := book.BestBid()
	bestAsk, okAsk := book.BestAsk()
	if !okBid || !okAsk {
		return out
	}
	mid := (bestBid.Price + bestAsk.Price) / 2
	if mid <= 0 {
		return out
	}

	out.TopBid = &bestBid.Price
	out.TopAsk = &bestAsk.Price
	spreadBps := (bestAsk.Price - bestBid.Price) / mid * 10000
	out.SpreadBps = &spreadBps

	var bidQty, askQty float64
	for _, lvl := range book.Bids {
		bidQty += lvl.Qty
	}
	for _, lvl := range book.Asks {
		askQty += lvl.Qty
	}
	if total := bidQty + askQty; total > 0 {
		imbalance := (bidQty - askQty) / total
		out.Imbalance = &imbalance
	}

	bidLevels := sortedLevels(book.Bids, true)
	askLevels := sortedLevels(book.Asks, false)
	bidBps, okBidSlip := slippageBpsForSide(bidLevels, mid, targetNotional, true)
	askBps, okAskSlip := slippageBpsForSide(askLevels, mid, targetNotional, false)
	if okBidSlip && okAskSlip {
		avg := (math.Abs(bidBps) + math.Abs(askBps)) / 2
		out.SlippageBpsForSize = &avg
	}

	return out
}

func sortedLevels(levels map[string]types.BookLevel, descending bool) []types.BookLevel {
	out := make([]types.BookLevel, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}

// slippageBpsForSide walks levels from best price outward, consuming
// targetNotional quote units, and returns the bps deviation of the
// volume-weighted average fill price from mid.
func slippageBpsForSide(levels []types.BookLevel, mid, targetNotional float64, isBid bool) (float64, bool) {
	if len(levels) == 0 || mid <= 0 {
		return 0, false
	}
	var filledNotional, filledQty float64
	for _, lvl := range levels {
		levelNotional := lvl.Price * lvl.Qty
		remaining := targetNotional - filledNotional
		if levelNotional >= remaining {
			qty := remaining / lvl.Price
			filledQty += qty
			filledNotional += qty * lvl.Price
			break
		}
		filledQty += lvl.Qty
		filledNotional += levelNotional
	}
	if filledQty == 0 {
		return 0, false
	}
	avgPrice := filledNotional / filledQty
	bps := (avgPrice - mid) / mid * 10000
	if isBid {
		bps = -bps
	}
	return bps, true
}

// computeConfluence implements spec.md §4.2's signed integer aggregation.
func computeConfluence(tfs map[string]types.TimeframeFeatures) types.Confluence {
	var c types.Confluence

	if tf, ok := tfs["15m"]; ok {
		switch tf.MAStack {
		case types.MAStackBull:
			c.Score += 2
			c.Components = append(c.Components, "MAStack15mBull")
		case types.MAStackBear:
			c.Score -= 2
			c.Components = append(c.Components, "MAStack15mBear")
		}
		if tf.MACDHist != nil {
			if *tf.MACDHist > 0 {
				c.Score++
				c.Components = append(c.Components, "MACD15mPositive")
			} else if *tf.MACDHist < 0 {
				c.Score--
				c.Components = append(c.Components, "MACD15mNegative")
			}
		}
		if tf.RSI14 != nil {
			if *tf.RSI14 > 55 {
				c.Score++
				c.Components = append(c.Components, "RSI15mOverbought")
			} else if *tf.RSI14 < 45 {
				c.Score--
				c.Components = append(c.Components, "RSI15mOversold")
			}
		}
	}

	if tf, ok := tfs["5m"]; ok {
		if tf.PriceZ20 != nil {
			if *tf.PriceZ20 > 1.2 {
				c.Score++
				c.Components = append(c.Components, "PriceZ5mHigh")
			} else if *tf.PriceZ20 < -1.2 {
				c.Score--
				c.Components = append(c.Components, "PriceZ5mLow")
			}
		}
		if tf.VolumeZ20 != nil && *tf.VolumeZ20 > 1.5 {
			c.Score++
			c.Components = append(c.Components, "VolumeZ5mHigh")
		}
	}

	if tf, ok := tfs["1h"]; ok {
		switch tf.MAStack {
		case types.MAStackBull:
			c.Score++
			c.Components = append(c.Components, "MAStack1hBull")
		case types.MAStackBear:
			c.Score--
			c.Components = append(c.Components, "MAStack1hBear")
		}
	}

	return c
}

// computeRegime implements spec.md §4.2's trend/volatility/momentum
// classification from the 15m/1h/5m timeframes.
func computeRegime(tfs map[string]types.TimeframeFeatures) types.Regime {
	var r types.Regime

	tf15, ok15 := tfs["15m"]
	tf1h, ok1h := tfs["1h"]
	switch {
	case ok15 && ok1h:
		switch {
		case tf15.MAStack == types.MAStackBear || tf1h.MAStack == types.MAStackBear:
			r.Trend = "bear"
		case tf15.MAStack == types.MAStackBull || tf1h.MAStack == types.MAStackBull:
			r.Trend = "bull"
		default:
			r.Trend = "neutral"
		}
	default:
		r.Trend = "neutral"
	}

	if ok15 && tf15.ATRPercentile != nil {
		switch {
		case *tf15.ATRPercentile > 70:
			r.Volatility = "high"
		case *tf15.ATRPercentile < 30:
			r.Volatility = "low"
		default:
			r.Volatility = "normal"
		}
	} else {
		r.Volatility = "unknown"
	}

	tf5, ok5 := tfs["5m"]
	switch {
	case ok5 && ok15 && tf5.MACDHist != nil && tf15.MACDHist != nil:
		h5, h15 := *tf5.MACDHist, *tf15.MACDHist
		switch {
		case h5 > 0 && h15 > 0:
			r.Momentum = "positive"
		case (h5 > 0) != (h15 > 0):
			r.Momentum = "mixed"
		default:
			r.Momentum = "neutral"
		}
	default:
		r.Momentum = "neutral"
	}

	return r
}

// computeLiquidity implements spec.md §4.2's sweep/break-and-hold flags
// from the 15m candle against the daily anchors.
func computeLiquidity(tf15 types.TimeframeFeatures, anchors types.HTFAnchors, dailyATR float64) types.Liquidity {
	var l types.Liquidity
	if dailyATR == 0 || tf15.Close == 0 {
		return l
	}
	l.SweepLow = tf15.Low < anchors.PrevDayLow-0.6*dailyATR && tf15.Close > anchors.PrevDayLow
	l.SweepHigh = tf15.High > anchors.PrevDayHigh+0.6*dailyATR && tf15.Close < anchors.PrevDayHigh
	l.BreakAndHoldHigh = tf15.Close > anchors.PrevDayHigh+0.3*dailyATR
	l.BreakAndHoldLow = tf15.Close < anchors.PrevDayLow-0.3*dailyATR
	return l
}
