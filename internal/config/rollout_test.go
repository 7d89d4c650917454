package config

import "testing"

func TestApplyRolloutPhaseEmptyIsNoop(t *testing.T) {
	cfg := validConfig()
	cfg.DryRun = false
	if err := ApplyRolloutPhase(cfg, ""); err != nil {
		t.Fatal(err)
	}
	if cfg.DryRun {
		t.Fatal("expected empty phase to leave dry_run unchanged")
	}
}

func TestApplyRolloutPhasePaperForcesDryRun(t *testing.T) {
	cfg := validConfig()
	cfg.DryRun = false
	if err := ApplyRolloutPhase(cfg, "paper"); err != nil {
		t.Fatal(err)
	}
	if !cfg.DryRun {
		t.Fatal("expected paper phase to force dry_run=true")
	}
}

func TestApplyRolloutPhaseLiveSmallClampsRisk(t *testing.T) {
	cfg := validConfig()
	if err := ApplyRolloutPhase(cfg, "live-small"); err != nil {
		t.Fatal(err)
	}
	if cfg.DryRun {
		t.Fatal("expected live-small to disable dry_run")
	}
	if cfg.Risk.MaxTradeRiskPct > 0.25 {
		t.Fatalf("expected max_trade_risk_pct clamped to 0.25, got %v", cfg.Risk.MaxTradeRiskPct)
	}
	if cfg.Risk.DefaultSizePct > 5 {
		t.Fatalf("expected default_size_pct clamped to 5, got %v", cfg.Risk.DefaultSizePct)
	}
}

func TestApplyRolloutPhaseUnknownReturnsError(t *testing.T) {
	cfg := validConfig()
	if err := ApplyRolloutPhase(cfg, "bogus"); err == nil {
		t.Fatal("expected error for unknown phase")
	}
}

func TestApplyRolloutPhaseLiveLeavesRiskUntouched(t *testing.T) {
	cfg := validConfig()
	before := cfg.Risk
	if err := ApplyRolloutPhase(cfg, "live"); err != nil {
		t.Fatal(err)
	}
	if cfg.Risk != before {
		t.Fatalf("expected live phase to leave risk config untouched, got %+v vs %+v", cfg.Risk, before)
	}
}
