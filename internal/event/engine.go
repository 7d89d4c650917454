// Package event implements the debounced event engine: it decides when a
// feature snapshot is worth handing to the decision adapter, and records
// why.
package event

import (
	"fmt"
	"math"
	"sync"
	"time"

	"kraken-bot/pkg/types"
)

const (
	DefaultDebounceSeconds  = 60
	DefaultDrawdownGuardPct = 2
	DefaultTimeStopBars     = 36
	reverseMomentumReason   = "MomentumSpike(PriceFeed)"
)

// PriceData carries the latest closed-bar timestamp (unix seconds) per
// tracked timeframe, fed by the orchestrator from the OHLC feed — this is
// intentionally lighter-weight than a full FeatureSnapshot, since
// ShouldEvaluate must be cheap enough to call on every tick.
type PriceData struct {
	BarCloseUnixSec map[string]int64 // keys: "5m", "15m", "60m"
}

// Meta carries the gateway's out-of-band signals: a rolling price-change
// detector's threshold trigger, passed through to both ShouldEvaluate and
// Detect.
type Meta struct {
	ThresholdTriggered bool
	ThresholdReason    string
}

var bucketIntervalsSec = map[string]int64{
	"5m":  5 * 60,
	"15m": 15 * 60,
	"60m": 60 * 60,
}

// Engine tracks state across evaluation cycles: last bucket index per
// timeframe, last regime labels, last confluence score, rising-edge
// liquidity flags, and a pending-reasons set gated by a debounce window.
type Engine struct {
	mu sync.Mutex

	debounce         time.Duration
	drawdownGuardPct float64
	timeStopBars     int

	lastBucketIdx map[string]int64

	lastTrend      string
	lastVolatility string
	lastConfluence int

	sweepLowActive   bool
	sweepHighActive  bool
	breakHighActive  bool
	breakLowActive   bool
	drawdownBreached bool

	pendingReasons []string
	lastEmission   time.Time
}

// NewEngine creates an Engine with the given debounce window and
// guardrail thresholds. Zero values fall back to spec defaults.
func NewEngine(debounceSeconds int, drawdownGuardPct float64, timeStopBars int) *Engine {
	if debounceSeconds <= 0 {
		debounceSeconds = DefaultDebounceSeconds
	}
	if drawdownGuardPct <= 0 {
		drawdownGuardPct = DefaultDrawdownGuardPct
	}
	if timeStopBars <= 0 {
		timeStopBars = DefaultTimeStopBars
	}
	return &Engine{
		debounce:         time.Duration(debounceSeconds) * time.Second,
		drawdownGuardPct: drawdownGuardPct,
		timeStopBars:     timeStopBars,
		lastBucketIdx:    make(map[string]int64),
	}
}

// ShouldEvaluate reports whether the orchestrator should enter a full
// evaluation cycle: a bar just closed on 5m/15m/60m, the gateway's
// threshold detector fired, or pending reasons have waited out the
// debounce window.
func (e *Engine) ShouldEvaluate(now time.Time, pd PriceData, meta Meta) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	barClosed := false
	for tf, sec := range bucketIntervalsSec {
		ts, ok := pd.BarCloseUnixSec[tf]
		if !ok {
			continue
		}
		idx := ts / sec
		if prev, seen := e.lastBucketIdx[tf]; !seen || idx != prev {
			barClosed = true
		}
		e.lastBucketIdx[tf] = idx
	}
	if barClosed {
		return true
	}
	if meta.ThresholdTriggered {
		return true
	}
	if len(e.pendingReasons) > 0 {
		if e.lastEmission.IsZero() {
			e.lastEmission = now
		}
		if now.Sub(e.lastEmission) >= e.debounce {
			return true
		}
	}
	return false
}

// Detect evaluates the snapshot against remembered state, accumulates new
// reasons, merges them with anything still pending from a prior
// non-emitting tick, and clears the pending set. The returned slice is
// deduplicated but otherwise unordered beyond detection sequence.
func (e *Engine) Detect(now time.Time, snapshot *types.FeatureSnapshot, meta Meta) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var fresh []string
	add := func(r string) { fresh = append(fresh, r) }

	if _, ok := snapshot.Timeframes["15m"]; ok {
		trend := snapshot.Regime.Trend
		if trend != e.lastTrend {
			add(fmt.Sprintf("TrendFlip-%s(15m)", trendFlipLabel(trend)))
			e.lastTrend = trend
		}
		vol := snapshot.Regime.Volatility
		if vol != e.lastVolatility {
			if reason := volatilityReason(vol); reason != "" {
				add(reason)
			}
			e.lastVolatility = vol
		}
	}

	delta := snapshot.Confluence.Score - e.lastConfluence
	if abs(delta) >= 2 {
		add(fmt.Sprintf("ConfluenceDelta(%d→%d)", e.lastConfluence, snapshot.Confluence.Score))
	}
	e.lastConfluence = snapshot.Confluence.Score

	e.detectLiquidityEdge(snapshot.Liquidity.SweepLow, &e.sweepLowActive, "LiquiditySweep(Low)", add)
	e.detectLiquidityEdge(snapshot.Liquidity.SweepHigh, &e.sweepHighActive, "LiquiditySweep(High)", add)
	e.detectLiquidityEdge(snapshot.Liquidity.BreakAndHoldHigh, &e.breakHighActive, "BreakAndHold(High)", add)
	e.detectLiquidityEdge(snapshot.Liquidity.BreakAndHoldLow, &e.breakLowActive, "BreakAndHold(Low)", add)

	if snapshot.Risk.DailyPnLPct <= -e.drawdownGuardPct {
		if !e.drawdownBreached {
			add(fmt.Sprintf("DrawdownGuardrail(%.2f)", snapshot.Risk.DailyPnLPct))
			e.drawdownBreached = true
		}
	} else {
		e.drawdownBreached = false
	}

	if snapshot.Position.BarsOpen5m >= e.timeStopBars && math.Abs(snapshot.Position.UnrealizedR) < 0.5 {
		add(fmt.Sprintf("TimeStop(%dbars)", snapshot.Position.BarsOpen5m))
	}

	if meta.ThresholdTriggered {
		reason := meta.ThresholdReason
		if reason == "" {
			reason = reverseMomentumReason
		}
		add(reason)
	}

	merged := dedupe(append(append([]string{}, e.pendingReasons...), fresh...))
	e.pendingReasons = nil
	e.lastEmission = now
	return merged
}

// AddReason lets the orchestrator inject its own reasons (Startup,
// Periodic, Manual) directly into the pending set ahead of the next
// Detect call.
func (e *Engine) AddReason(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingReasons = append(e.pendingReasons, reason)
}

// Requeue puts reasons a caller couldn't act on (an evaluation cycle was
// already in flight) back on the pending set, merged with anything
// Detect has accumulated since, so they're not lost: they'll be included
// in the next successful Detect call instead.
func (e *Engine) Requeue(reasons []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingReasons = dedupe(append(append([]string{}, e.pendingReasons...), reasons...))
}

// Reset clears all remembered state, per the orchestrator's stop sequence.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastBucketIdx = make(map[string]int64)
	e.lastTrend = ""
	e.lastVolatility = ""
	e.lastConfluence = 0
	e.sweepLowActive = false
	e.sweepHighActive = false
	e.breakHighActive = false
	e.breakLowActive = false
	e.drawdownBreached = false
	e.pendingReasons = nil
	e.lastEmission = time.Time{}
}

func (e *Engine) detectLiquidityEdge(active bool, state *bool, reason string, add func(string)) {
	if active && !*state {
		add(reason)
	}
	*state = active
}

func trendFlipLabel(trend string) string {
	switch trend {
	case "bull":
		return "Up"
	case "bear":
		return "Down"
	default:
		return "Neutral"
	}
}

func volatilityReason(vol string) string {
	switch vol {
	case "high":
		return "VolatilityRegimeHigh(15m)"
	case "low":
		return "VolatilityRegimeLow(15m)"
	case "normal":
		return "VolatilityRegimeNormal(15m)"
	default:
		return ""
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func dedupe(reasons []string) []string {
	seen := make(map[string]bool, len(reasons))
	out := make([]string, 0, len(reasons))
	for _, r := range reasons {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}
