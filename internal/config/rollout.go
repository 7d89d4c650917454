package config

import (
	"fmt"
	"strings"
)

// ApplyRolloutPhase applies a staged rollout preset to the config.
// Supported phases:
//   - paper:      dry-run only, uses configured risk limits unchanged
//   - shadow:     same as paper; alias kept for operator familiarity
//   - live-small: live trading with conservative size/risk caps
//   - live:       live trading using configured values
func ApplyRolloutPhase(cfg *Config, phase string) error {
	p := strings.ToLower(strings.TrimSpace(phase))
	if p == "" {
		return nil
	}

	switch p {
	case "paper", "shadow":
		cfg.DryRun = true
	case "live-small", "small":
		cfg.DryRun = false
		clampMaxFloat(&cfg.Risk.MaxTradeRiskPct, 0.25)
		clampMaxFloat(&cfg.Risk.MaxTotalRiskPct, 0.5)
		clampMaxFloat(&cfg.Risk.DefaultSizePct, 5)
		if cfg.Risk.MinNotional < 20 {
			cfg.Risk.MinNotional = 20
		}
	case "live":
		cfg.DryRun = false
	default:
		return fmt.Errorf("unknown rollout phase %q (supported: paper|shadow|live-small|live)", phase)
	}

	return nil
}

func clampMaxFloat(v *float64, max float64) {
	if max <= 0 {
		return
	}
	if *v <= 0 || *v > max {
		*v = max
	}
}
