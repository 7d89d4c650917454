// Package symbol canonicalises user-supplied pair names into the two forms
// the rest of the bot needs: a slashed WebSocket pair ("DOGE/USD") and a
// flat REST pair ("DOGEUSD").
package symbol

import (
	"strings"
)

// quoteSuffixes is ordered longest-first so greedy matching picks the
// longest known quote currency when no separator is present.
var quoteSuffixes = []string{
	"USDT", "USDC", "XBT",
	"DAI", "EUR", "USD", "GBP", "CAD", "CHF", "JPY", "AUD", "NZD",
	"BTC", "ETH", "SOL", "DOT", "ADA", "TRY", "MXN",
	"ZUSD", "ZEUR", "ZGBP", "ZCAD", "ZJPY", "ZAUD",
}

func init() {
	// sort longest-first so e.g. "ZUSD" is tried before "USD"
	for i := 0; i < len(quoteSuffixes); i++ {
		for j := i + 1; j < len(quoteSuffixes); j++ {
			if len(quoteSuffixes[j]) > len(quoteSuffixes[i]) {
				quoteSuffixes[i], quoteSuffixes[j] = quoteSuffixes[j], quoteSuffixes[i]
			}
		}
	}
}

// Pair is a canonicalised trading pair exposing both wire forms.
type Pair struct {
	Base  string
	Quote string
}

// WSPair returns the slashed form Kraken's v2 WebSocket API expects, e.g.
// "DOGE/USD".
func (p Pair) WSPair() string {
	return p.Base + "/" + p.Quote
}

// RESTPair returns the flat form Kraken's REST API expects, e.g. "DOGEUSD".
func (p Pair) RESTPair() string {
	return p.Base + p.Quote
}

// Canonicalize accepts any of "DOGEUSD", "DOGE/USD", "doge-usd" and returns
// the canonical Pair. It uppercases, normalises ":", "-", " " to "/",
// collapses repeated separators, and — when no separator is present —
// splits at the longest known quote suffix.
//
// Canonicalize(Canonicalize(x).WSPair()) == Canonicalize(x) for all valid
// inputs (round-trip idempotence).
func Canonicalize(input string) (Pair, bool) {
	s := strings.ToUpper(strings.TrimSpace(input))
	s = strings.NewReplacer(":", "/", "-", "/", " ", "/").Replace(s)
	for strings.Contains(s, "//") {
		s = strings.ReplaceAll(s, "//", "/")
	}
	s = strings.Trim(s, "/")

	if strings.Contains(s, "/") {
		parts := strings.SplitN(s, "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Pair{}, false
		}
		return Pair{Base: parts[0], Quote: parts[1]}, true
	}

	for _, q := range quoteSuffixes {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			base := strings.TrimSuffix(s, q)
			return Pair{Base: base, Quote: q}, true
		}
	}
	return Pair{}, false
}
