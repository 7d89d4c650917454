package decisionlog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"kraken-bot/pkg/types"
)

func TestOpenWritesHeaderOnceForNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.csv")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected exactly the header row, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "timestamp,pair,action") {
		t.Fatalf("unexpected header: %q", lines[0])
	}
}

func TestAppendWritesRowWithSerializedFollowupsAndReasons(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.csv")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	sizePct := 25.0
	entry := &types.Entry{Type: types.EntryLimit}
	err = s.Append(Entry{
		Timestamp: time.Unix(1700000000, 0),
		Pair:      "DOGE/USD",
		Decision: types.Decision{
			Action:    types.ActionOpenLong,
			SizePct:   &sizePct,
			Entry:     entry,
			Followups: []string{"watch volume", "tighten stop"},
			Comment:   `has a "quote" and, a comma`,
		},
		Price:    0.1234,
		Snapshot: &types.FeatureSnapshot{Confluence: types.Confluence{Score: 3}, Regime: types.Regime{Trend: "bull"}},
		Reasons:  []string{"TrendFlip-Up(15m)", "ConfluenceDelta(1→4)"},
		DryRun:   true,
	})
	if err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expected header + one row, got %d records", len(records))
	}
	row := records[1]
	if row[2] != "OPEN_LONG" {
		t.Fatalf("expected action OPEN_LONG, got %q", row[2])
	}
	if row[8] != "watch volume;tighten stop" {
		t.Fatalf("expected semicolon-joined followups, got %q", row[8])
	}
	if row[15] != "TrendFlip-Up(15m);ConfluenceDelta(1→4)" {
		t.Fatalf("expected semicolon-joined reasons, got %q", row[15])
	}
	if row[16] != "true" {
		t.Fatalf("expected dry_run true, got %q", row[16])
	}
}

func TestAppendIsSerializedAcrossConcurrentCallers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.csv")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func(n int) {
			s.Append(Entry{Timestamp: time.Unix(int64(n), 0), Pair: "DOGE/USD", Decision: types.Decision{Action: types.ActionHold}})
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 20; i++ {
		<-done
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 21 {
		t.Fatalf("expected header + 20 rows, got %d", len(records))
	}
}
