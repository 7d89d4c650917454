package config

import (
	"os"
	"testing"
)

func writeTempYAML(t *testing.T, contents string) string {
	t.Helper()
	f, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte(contents)); err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

const baseYAML = `
pair: DOGE/USD
exchange:
  rest_base_url: https://api.kraken.com
  ws_public_url: wss://ws.kraken.com/v2
  ws_private_url: wss://ws-auth.kraken.com/v2
  book_depth: 5
  primary_timeframe_minutes: 1
decision:
  base_url: https://api.openai.com/v1/chat/completions
  model: gpt-4
risk:
  max_trade_risk_pct: 0.75
  max_total_risk_pct: 1.5
  default_size_pct: 25
  min_notional: 20
  pause_after_losses: 2
  pause_minutes: 30
`

func TestLoadFromYAMLFillsDefaultTimeframes(t *testing.T) {
	path := writeTempYAML(t, baseYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Pair != "DOGE/USD" {
		t.Fatalf("expected pair DOGE/USD, got %q", cfg.Pair)
	}
	if cfg.Timeframes != DefaultTimeframes() {
		t.Fatalf("expected default timeframes filled in, got %+v", cfg.Timeframes)
	}
}

func TestLoadAppliesEnvSecretOverrides(t *testing.T) {
	path := writeTempYAML(t, baseYAML)

	t.Setenv("KRAKEN_API_KEY", "env-key")
	t.Setenv("KRAKEN_API_SECRET", "env-secret")
	t.Setenv("OPENAI_API_KEY", "env-openai")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Exchange.APIKey != "env-key" || cfg.Exchange.APISecret != "env-secret" {
		t.Fatalf("expected exchange credentials from env, got %+v", cfg.Exchange)
	}
	if cfg.Decision.APIKey != "env-openai" {
		t.Fatalf("expected decision api key from env, got %q", cfg.Decision.APIKey)
	}
}

func TestLoadInvalidPath(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("expected error for invalid path")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeTempYAML(t, "{{not valid yaml")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func validConfig() *Config {
	return &Config{
		Pair: "DOGE/USD",
		Exchange: ExchangeConfig{
			APIKey:       "k",
			APISecret:    "s",
			RESTBaseURL:  "https://api.kraken.com",
			WSPublicURL:  "wss://ws.kraken.com/v2",
			WSPrivateURL: "wss://ws-auth.kraken.com/v2",
		},
		Decision: DecisionConfig{BaseURL: "https://example.com"},
		Risk:     DefaultRisk(),
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsMissingPair(t *testing.T) {
	cfg := validConfig()
	cfg.Pair = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing pair")
	}
}

func TestValidateRejectsMissingCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.Exchange.APIKey = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing credentials")
	}
}

func TestValidateRejectsOutOfRangeRisk(t *testing.T) {
	cfg := validConfig()
	cfg.Risk.MaxTradeRiskPct = 150
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range max_trade_risk_pct")
	}
}

func TestValidateRejectsZeroMinNotional(t *testing.T) {
	cfg := validConfig()
	cfg.Risk.MinNotional = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero min_notional")
	}
}

func TestDefaultRiskMatchesSpecDefaults(t *testing.T) {
	r := DefaultRisk()
	if r.MaxTradeRiskPct != 0.75 || r.MaxTotalRiskPct != 1.5 || r.DefaultSizePct != 25 ||
		r.MinNotional != 20 || r.PauseAfterLosses != 2 || r.PauseMinutes != 30 {
		t.Fatalf("unexpected risk defaults: %+v", r)
	}
}
