package decision

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"kraken-bot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDecideHoldsWithoutCallingOutWhenReasonsEmpty(t *testing.T) {
	called := false
	mock := func(ctx context.Context, req Request) (types.Decision, error) {
		called = true
		return types.Decision{}, nil
	}
	c := New("http://example.invalid", "key", "model", 0, mock, testLogger())
	d := c.Decide(context.Background(), Request{})
	if called {
		t.Fatal("expected mock not to be called when reasons are empty")
	}
	if d.Action != types.ActionHold || d.Comment != "No triggers" {
		t.Fatalf("expected no-trigger hold decision, got %+v", d)
	}
}

func TestDecidePassesThroughMockDecision(t *testing.T) {
	sizePct := 10.0
	mock := func(ctx context.Context, req Request) (types.Decision, error) {
		return types.Decision{Action: types.ActionOpenLong, SizePct: &sizePct}, nil
	}
	c := New("http://example.invalid", "key", "model", 0, mock, testLogger())
	d := c.Decide(context.Background(), Request{Reasons: []string{"TrendFlip-Up(15m)"}})
	if d.Action != types.ActionOpenLong {
		t.Fatalf("expected OPEN_LONG passthrough, got %v", d.Action)
	}
	if d.SizePct == nil || *d.SizePct != 10.0 {
		t.Fatalf("expected size_pct passthrough, got %v", d.SizePct)
	}
}

func TestDecideHoldsWhenMockFails(t *testing.T) {
	mock := func(ctx context.Context, req Request) (types.Decision, error) {
		return types.Decision{}, errors.New("timeout")
	}
	c := New("http://example.invalid", "key", "model", 0, mock, testLogger())
	d := c.Decide(context.Background(), Request{Reasons: []string{"Manual"}})
	if d.Action != types.ActionHold {
		t.Fatalf("expected hold on mock failure, got %v", d.Action)
	}
}

func TestNewAppliesTimeoutWithFallback(t *testing.T) {
	withTimeout := New("http://example.invalid", "key", "model", 5*time.Second, nil, testLogger())
	if got := withTimeout.http.GetClient().Timeout; got != 5*time.Second {
		t.Fatalf("expected configured timeout applied, got %v", got)
	}

	fallback := New("http://example.invalid", "key", "model", 0, nil, testLogger())
	if got := fallback.http.GetClient().Timeout; got != defaultTimeout {
		t.Fatalf("expected defaultTimeout on a non-positive value, got %v", got)
	}
}

func TestNormalizeDecisionStripsCodeFences(t *testing.T) {
	raw := "```json\n{\"action\": \"HOLD\", \"comment\": \"nothing to do\"}\n```"
	d := normalizeDecision(raw)
	if d.Action != types.ActionHold || d.Comment != "nothing to do" {
		t.Fatalf("expected fenced JSON parsed, got %+v", d)
	}
}

func TestNormalizeDecisionHoldsOnMalformedJSON(t *testing.T) {
	d := normalizeDecision("not json at all")
	if d.Action != types.ActionHold {
		t.Fatalf("expected hold on unparseable JSON, got %v", d.Action)
	}
}

func TestNormalizeDecisionHoldsOnUnknownAction(t *testing.T) {
	d := normalizeDecision(`{"action": "SELL_EVERYTHING"}`)
	if d.Action != types.ActionHold {
		t.Fatalf("expected hold on unknown action, got %v", d.Action)
	}
}

func TestNormalizeDecisionPreservesFiniteSizePct(t *testing.T) {
	d := normalizeDecision(`{"action": "OPEN_LONG", "size_pct": 25}`)
	if d.Action != types.ActionOpenLong || d.SizePct == nil || *d.SizePct != 25 {
		t.Fatalf("expected valid size_pct preserved, got %+v", d)
	}
}

func TestFiniteOrNilRejectsInfinite(t *testing.T) {
	inf := math.Inf(1)
	if finiteOrNil(&inf) != nil {
		t.Fatal("expected infinite value coerced to nil")
	}
	if finiteOrNil(nil) != nil {
		t.Fatal("expected nil input to stay nil")
	}
}

func TestNormalizeDecisionValidatesEntryType(t *testing.T) {
	d := normalizeDecision(`{"action": "OPEN_LONG", "entry": {"type": "market"}}`)
	if d.Entry == nil || d.Entry.Type != types.EntryMarket {
		t.Fatalf("expected market entry preserved, got %+v", d.Entry)
	}

	d2 := normalizeDecision(`{"action": "OPEN_LONG", "entry": {"type": "stop"}}`)
	if d2.Entry != nil {
		t.Fatalf("expected invalid entry type dropped, got %+v", d2.Entry)
	}
}

func TestNormalizeDecisionDefaultsFollowupsToEmptySlice(t *testing.T) {
	d := normalizeDecision(`{"action": "HOLD"}`)
	if d.Followups == nil {
		t.Fatal("expected followups defaulted to empty slice, got nil")
	}
	if len(d.Followups) != 0 {
		t.Fatalf("expected empty followups, got %v", d.Followups)
	}
}

func TestStripCodeFencesHandlesPlainJSON(t *testing.T) {
	out := stripCodeFences(`{"action": "HOLD"}`)
	if out != `{"action": "HOLD"}` {
		t.Fatalf("expected unfenced JSON unchanged, got %q", out)
	}
}
