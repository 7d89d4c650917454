// Package decisionlog appends one row per evaluation cycle to a CSV sink,
// recording what the decision adapter returned and why it was asked.
package decisionlog

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"kraken-bot/pkg/types"
)

var header = []string{
	"timestamp", "pair", "action", "size_pct", "entry_type", "entry_offset_bps",
	"stop_atr", "tp_atr", "followups", "comment", "price", "confluence_score",
	"volatility_regime", "trend_regime", "momentum_regime", "reasons", "dry_run",
}

// Entry is one row's worth of evaluation-cycle metadata.
type Entry struct {
	Timestamp time.Time
	Pair      string
	Decision  types.Decision
	Price     float64
	Snapshot  *types.FeatureSnapshot
	Reasons   []string
	DryRun    bool
}

// Sink is an append-only CSV writer. Writes are serialised through a mutex
// so concurrent callers never interleave rows.
type Sink struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
}

// Open creates (or appends to) the CSV file at path, writing the header
// row only if the file is new/empty.
func Open(path string) (*Sink, error) {
	info, statErr := os.Stat(path)
	needsHeader := statErr != nil || info.Size() == 0

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("decisionlog: open %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	s := &Sink{file: f, w: w}

	if needsHeader {
		if err := w.Write(header); err != nil {
			f.Close()
			return nil, fmt.Errorf("decisionlog: write header: %w", err)
		}
		w.Flush()
	}
	return s, nil
}

// Append writes one row and flushes immediately, so a crash never loses a
// buffered row.
func (s *Sink) Append(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := []string{
		e.Timestamp.UTC().Format(time.RFC3339),
		e.Pair,
		string(e.Decision.Action),
		floatField(e.Decision.SizePct),
		entryTypeField(e.Decision.Entry),
		entryOffsetField(e.Decision.Entry),
		floatField(e.Decision.StopATR),
		floatField(e.Decision.TPATR),
		strings.Join(e.Decision.Followups, ";"),
		e.Decision.Comment,
		fmt.Sprintf("%g", e.Price),
		confluenceField(e.Snapshot),
		regimeField(e.Snapshot, "volatility"),
		regimeField(e.Snapshot, "trend"),
		regimeField(e.Snapshot, "momentum"),
		strings.Join(e.Reasons, ";"),
		fmt.Sprintf("%t", e.DryRun),
	}
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("decisionlog: write row: %w", err)
	}
	s.w.Flush()
	return s.w.Error()
}

// Close flushes and closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	return s.file.Close()
}

func floatField(v *float64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%g", *v)
}

func entryTypeField(e *types.Entry) string {
	if e == nil {
		return ""
	}
	return string(e.Type)
}

func entryOffsetField(e *types.Entry) string {
	if e == nil {
		return ""
	}
	return floatField(e.OffsetBps)
}

func confluenceField(snap *types.FeatureSnapshot) string {
	if snap == nil {
		return ""
	}
	return fmt.Sprintf("%d", snap.Confluence.Score)
}

func regimeField(snap *types.FeatureSnapshot, which string) string {
	if snap == nil {
		return ""
	}
	switch which {
	case "volatility":
		return snap.Regime.Volatility
	case "trend":
		return snap.Regime.Trend
	case "momentum":
		return snap.Regime.Momentum
	default:
		return ""
	}
}
