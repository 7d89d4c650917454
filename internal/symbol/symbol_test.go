package symbol

import "testing"

func TestCanonicalizeEquivalentForms(t *testing.T) {
	t.Parallel()

	inputs := []string{"DOGEUSD", "DOGE/USD", "doge-usd", "doge:usd", "DOGE USD"}
	var want Pair
	for i, in := range inputs {
		got, ok := Canonicalize(in)
		if !ok {
			t.Fatalf("Canonicalize(%q) failed", in)
		}
		if i == 0 {
			want = got
			continue
		}
		if got != want {
			t.Errorf("Canonicalize(%q) = %+v, want %+v", in, got, want)
		}
	}
}

func TestCanonicalizeRoundTripIdempotent(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"DOGEUSD", "DOGE/USD", "xbtusd", "ethusdt"} {
		first, ok := Canonicalize(in)
		if !ok {
			t.Fatalf("Canonicalize(%q) failed", in)
		}
		second, ok := Canonicalize(first.WSPair())
		if !ok {
			t.Fatalf("Canonicalize(%q) failed on round trip", first.WSPair())
		}
		if first != second {
			t.Errorf("round trip mismatch: %+v != %+v", first, second)
		}
	}
}

func TestCanonicalizeWirePairs(t *testing.T) {
	t.Parallel()

	p, ok := Canonicalize("DOGE/USD")
	if !ok {
		t.Fatal("expected ok")
	}
	if p.WSPair() != "DOGE/USD" {
		t.Errorf("WSPair = %q, want DOGE/USD", p.WSPair())
	}
	if p.RESTPair() != "DOGEUSD" {
		t.Errorf("RESTPair = %q, want DOGEUSD", p.RESTPair())
	}
}

func TestCanonicalizeUnknownSuffixFails(t *testing.T) {
	t.Parallel()
	if _, ok := Canonicalize("NOTAREALPAIR123"); ok {
		t.Error("expected failure for an unrecognised flat pair")
	}
}
