package event

import (
	"testing"
	"time"

	"kraken-bot/pkg/types"
)

func TestShouldEvaluateTrueOnFirstBarObservation(t *testing.T) {
	e := NewEngine(60, 2, 36)
	now := time.Unix(1000, 0)
	if !e.ShouldEvaluate(now, PriceData{BarCloseUnixSec: map[string]int64{"5m": 300}}, Meta{}) {
		t.Fatal("expected true on first-ever bar observation")
	}
}

func TestShouldEvaluateFalseWhenBucketUnchanged(t *testing.T) {
	e := NewEngine(60, 2, 36)
	now := time.Unix(1000, 0)
	e.ShouldEvaluate(now, PriceData{BarCloseUnixSec: map[string]int64{"5m": 300}}, Meta{})
	if e.ShouldEvaluate(now, PriceData{BarCloseUnixSec: map[string]int64{"5m": 300}}, Meta{}) {
		t.Fatal("expected false when the bucket index has not advanced")
	}
}

func TestShouldEvaluateTrueOnBucketAdvance(t *testing.T) {
	e := NewEngine(60, 2, 36)
	now := time.Unix(1000, 0)
	e.ShouldEvaluate(now, PriceData{BarCloseUnixSec: map[string]int64{"5m": 300}}, Meta{})
	if !e.ShouldEvaluate(now, PriceData{BarCloseUnixSec: map[string]int64{"5m": 600}}, Meta{}) {
		t.Fatal("expected true once the 5m bucket index advances")
	}
}

func TestShouldEvaluateTrueOnThresholdTriggered(t *testing.T) {
	e := NewEngine(60, 2, 36)
	now := time.Unix(1000, 0)
	if !e.ShouldEvaluate(now, PriceData{}, Meta{ThresholdTriggered: true}) {
		t.Fatal("expected true when threshold triggered")
	}
}

func TestShouldEvaluateRespectsDebounceForPendingReasons(t *testing.T) {
	e := NewEngine(60, 2, 36)
	now := time.Unix(1000, 0)
	e.AddReason("Manual")
	if e.ShouldEvaluate(now, PriceData{}, Meta{}) {
		t.Fatal("expected false immediately after adding a pending reason, before debounce elapses")
	}
	later := now.Add(61 * time.Second)
	if !e.ShouldEvaluate(later, PriceData{}, Meta{}) {
		t.Fatal("expected true once the debounce window elapses with pending reasons")
	}
}

func snapshotWith(trend, volatility string, confluence int, liquidity types.Liquidity, risk types.RiskLedger, pos types.Position) *types.FeatureSnapshot {
	return &types.FeatureSnapshot{
		Timeframes: map[string]types.TimeframeFeatures{"15m": {}},
		Regime:     types.Regime{Trend: trend, Volatility: volatility},
		Confluence: types.Confluence{Score: confluence},
		Liquidity:  liquidity,
		Risk:       risk,
		Position:   pos,
	}
}

func TestDetectEmitsTrendFlip(t *testing.T) {
	e := NewEngine(60, 2, 36)
	now := time.Unix(1000, 0)
	snap := snapshotWith("bull", "normal", 0, types.Liquidity{}, types.RiskLedger{}, types.Position{})
	reasons := e.Detect(now, snap, Meta{})
	if !containsReason(reasons, "TrendFlip-Up(15m)") {
		t.Fatalf("expected TrendFlip-Up(15m) in %v", reasons)
	}
}

func TestDetectConfluenceDeltaThreshold(t *testing.T) {
	e := NewEngine(60, 2, 36)
	now := time.Unix(1000, 0)
	e.Detect(now, snapshotWith("neutral", "normal", 1, types.Liquidity{}, types.RiskLedger{}, types.Position{}), Meta{})

	reasons := e.Detect(now, snapshotWith("neutral", "normal", 4, types.Liquidity{}, types.RiskLedger{}, types.Position{}), Meta{})
	if !containsReason(reasons, "ConfluenceDelta(1→4)") {
		t.Fatalf("expected ConfluenceDelta(1→4) in %v", reasons)
	}
}

func TestDetectConfluenceDeltaBelowThresholdSuppressed(t *testing.T) {
	e := NewEngine(60, 2, 36)
	now := time.Unix(1000, 0)
	e.Detect(now, snapshotWith("neutral", "normal", 1, types.Liquidity{}, types.RiskLedger{}, types.Position{}), Meta{})
	reasons := e.Detect(now, snapshotWith("neutral", "normal", 2, types.Liquidity{}, types.RiskLedger{}, types.Position{}), Meta{})
	if containsReason(reasons, "ConfluenceDelta(1→2)") {
		t.Fatal("expected confluence delta of 1 to be suppressed")
	}
}

func TestDetectLiquiditySweepOnlyOnRisingEdge(t *testing.T) {
	e := NewEngine(60, 2, 36)
	now := time.Unix(1000, 0)
	withSweep := types.Liquidity{SweepLow: true}
	first := e.Detect(now, snapshotWith("neutral", "normal", 0, withSweep, types.RiskLedger{}, types.Position{}), Meta{})
	if !containsReason(first, "LiquiditySweep(Low)") {
		t.Fatalf("expected rising-edge sweep reason in %v", first)
	}
	second := e.Detect(now, snapshotWith("neutral", "normal", 0, withSweep, types.RiskLedger{}, types.Position{}), Meta{})
	if containsReason(second, "LiquiditySweep(Low)") {
		t.Fatal("expected no duplicate sweep reason while flag stays true")
	}
	cleared := e.Detect(now, snapshotWith("neutral", "normal", 0, types.Liquidity{}, types.RiskLedger{}, types.Position{}), Meta{})
	if containsReason(cleared, "LiquiditySweep(Low)") {
		t.Fatal("expected no reason when flag clears")
	}
	reSweep := e.Detect(now, snapshotWith("neutral", "normal", 0, withSweep, types.RiskLedger{}, types.Position{}), Meta{})
	if !containsReason(reSweep, "LiquiditySweep(Low)") {
		t.Fatal("expected sweep reason to re-fire on a new rising edge")
	}
}

func TestDetectDrawdownGuardrailSuppressesDuplicates(t *testing.T) {
	e := NewEngine(60, 2, 36)
	now := time.Unix(1000, 0)
	breached := types.RiskLedger{DailyPnLPct: -3}
	first := e.Detect(now, snapshotWith("neutral", "normal", 0, types.Liquidity{}, breached, types.Position{}), Meta{})
	if !containsReason(first, "DrawdownGuardrail(-3.00)") {
		t.Fatalf("expected drawdown guardrail reason in %v", first)
	}
	second := e.Detect(now, snapshotWith("neutral", "normal", 0, types.Liquidity{}, breached, types.Position{}), Meta{})
	if containsReason(second, "DrawdownGuardrail(-3.00)") {
		t.Fatal("expected duplicate drawdown reason suppressed while still breached")
	}
}

func TestDetectTimeStop(t *testing.T) {
	e := NewEngine(60, 2, 36)
	now := time.Unix(1000, 0)
	pos := types.Position{BarsOpen5m: 40, UnrealizedR: 0.1}
	reasons := e.Detect(now, snapshotWith("neutral", "normal", 0, types.Liquidity{}, types.RiskLedger{}, pos), Meta{})
	if !containsReason(reasons, "TimeStop(40bars)") {
		t.Fatalf("expected TimeStop(40bars) in %v", reasons)
	}
}

func TestDetectMomentumSpikePassthrough(t *testing.T) {
	e := NewEngine(60, 2, 36)
	now := time.Unix(1000, 0)
	reasons := e.Detect(now, snapshotWith("neutral", "normal", 0, types.Liquidity{}, types.RiskLedger{}, types.Position{}), Meta{ThresholdTriggered: true})
	if !containsReason(reasons, "MomentumSpike(PriceFeed)") {
		t.Fatalf("expected default momentum spike reason in %v", reasons)
	}
}

func TestDetectMergesPendingReasonsAndClearsThem(t *testing.T) {
	e := NewEngine(60, 2, 36)
	now := time.Unix(1000, 0)
	e.AddReason("Startup")
	reasons := e.Detect(now, snapshotWith("neutral", "normal", 0, types.Liquidity{}, types.RiskLedger{}, types.Position{}), Meta{})
	if !containsReason(reasons, "Startup") {
		t.Fatalf("expected pending Startup reason merged in %v", reasons)
	}
	again := e.Detect(now, snapshotWith("neutral", "normal", 0, types.Liquidity{}, types.RiskLedger{}, types.Position{}), Meta{})
	if containsReason(again, "Startup") {
		t.Fatal("expected pending reasons cleared after being emitted once")
	}
}

func TestRequeueCarriesReasonsIntoNextDetect(t *testing.T) {
	e := NewEngine(60, 2, 36)
	now := time.Unix(1000, 0)
	dropped := e.Detect(now, snapshotWith("bull", "normal", 0, types.Liquidity{}, types.RiskLedger{}, types.Position{}), Meta{})
	if !containsReason(dropped, "TrendFlip-Up(15m)") {
		t.Fatalf("expected a TrendFlip reason out of the dropped cycle, got %v", dropped)
	}
	e.Requeue(dropped)

	again := e.Detect(now, snapshotWith("bull", "normal", 0, types.Liquidity{}, types.RiskLedger{}, types.Position{}), Meta{})
	if !containsReason(again, "TrendFlip-Up(15m)") {
		t.Fatalf("expected requeued reason to surface on the next Detect call, got %v", again)
	}
}

func TestResetClearsState(t *testing.T) {
	e := NewEngine(60, 2, 36)
	now := time.Unix(1000, 0)
	e.Detect(now, snapshotWith("bull", "high", 5, types.Liquidity{SweepLow: true}, types.RiskLedger{DailyPnLPct: -3}, types.Position{}), Meta{})
	e.Reset()

	reasons := e.Detect(now, snapshotWith("bull", "high", 5, types.Liquidity{SweepLow: true}, types.RiskLedger{DailyPnLPct: -3}, types.Position{}), Meta{})
	if !containsReason(reasons, "TrendFlip-Up(15m)") {
		t.Fatalf("expected reset to forget prior trend state, got %v", reasons)
	}
	if !containsReason(reasons, "LiquiditySweep(Low)") {
		t.Fatalf("expected reset to forget prior liquidity edge state, got %v", reasons)
	}
}

func containsReason(reasons []string, want string) bool {
	for _, r := range reasons {
		if r == want {
			return true
		}
	}
	return false
}
