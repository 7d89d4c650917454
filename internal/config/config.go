// Package config defines all configuration for the Kraken trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via KRAKEN_* / OPENAI_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun      bool               `mapstructure:"dry_run"`
	Pair        string             `mapstructure:"pair"`
	Exchange    ExchangeConfig     `mapstructure:"exchange"`
	Decision    DecisionConfig     `mapstructure:"decision"`
	Risk        RiskConfig         `mapstructure:"risk"`
	Event       EventConfig        `mapstructure:"event"`
	Timeframes  TimeframesConfig   `mapstructure:"timeframes"`
	DecisionLog DecisionLogConfig  `mapstructure:"decision_log"`
	Logging     LoggingConfig      `mapstructure:"logging"`
}

// ExchangeConfig holds Kraken API credentials and endpoints.
// APIKey/APISecret are normally left empty in YAML and supplied via the
// KRAKEN_API_KEY/KRAKEN_API_SECRET environment variables.
type ExchangeConfig struct {
	APIKey        string `mapstructure:"api_key"`
	APISecret     string `mapstructure:"api_secret"`
	RESTBaseURL   string `mapstructure:"rest_base_url"`
	WSPublicURL   string `mapstructure:"ws_public_url"`
	WSPrivateURL  string `mapstructure:"ws_private_url"`
	BookDepth     int    `mapstructure:"book_depth"`
	PrimaryTFMins int    `mapstructure:"primary_timeframe_minutes"`
}

// DecisionConfig points at the LLM decision adapter's HTTP endpoint.
type DecisionConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RiskConfig sets the execution engine's hard constraints.
//
//   - MaxTradeRiskPct: max % of quote balance risked on a single trade.
//   - MaxTotalRiskPct: max % of quote balance risked across all open exposure.
//   - DefaultSizePct: default position size as % of quote balance.
//   - MinNotional: minimum order notional in quote currency.
//   - PauseAfterLosses: consecutive losses that trigger a cooldown.
//   - PauseMinutes: cooldown duration once triggered.
//   - DrawdownGuardPct: daily PnL drawdown that triggers the guardrail event reason.
type RiskConfig struct {
	MaxTradeRiskPct  float64 `mapstructure:"max_trade_risk_pct"`
	MaxTotalRiskPct  float64 `mapstructure:"max_total_risk_pct"`
	DefaultSizePct   float64 `mapstructure:"default_size_pct"`
	MinNotional      float64 `mapstructure:"min_notional"`
	PauseAfterLosses int     `mapstructure:"pause_after_losses"`
	PauseMinutes     int     `mapstructure:"pause_minutes"`
	DrawdownGuardPct float64 `mapstructure:"drawdown_guard_pct"`
	LossWindowSize   int     `mapstructure:"loss_window_size"`
}

// EventConfig tunes the debounced event engine.
type EventConfig struct {
	DebounceSeconds int `mapstructure:"debounce_seconds"`
}

// TimeframesConfig lists the candle lookback depth per timeframe used by
// the feature builder.
type TimeframesConfig struct {
	Lookback1m  int `mapstructure:"lookback_1m"`
	Lookback5m  int `mapstructure:"lookback_5m"`
	Lookback15m int `mapstructure:"lookback_15m"`
	Lookback1h  int `mapstructure:"lookback_1h"`
	Lookback4h  int `mapstructure:"lookback_4h"`
	Lookback1d  int `mapstructure:"lookback_1d"`
}

// DecisionLogConfig controls the CSV decision-audit sink.
type DecisionLogConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultTimeframes returns the lookback depths spec.md §4.2 names:
// 300/300/300/360/360/120 candles for 1m/5m/15m/1h/4h/1d.
func DefaultTimeframes() TimeframesConfig {
	return TimeframesConfig{
		Lookback1m:  300,
		Lookback5m:  300,
		Lookback15m: 300,
		Lookback1h:  360,
		Lookback4h:  360,
		Lookback1d:  120,
	}
}

// Load reads config from a YAML file with env var overrides.
// Secrets use dedicated env vars: KRAKEN_API_KEY, KRAKEN_API_SECRET,
// OPENAI_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KRAKEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Timeframes == (TimeframesConfig{}) {
		cfg.Timeframes = DefaultTimeframes()
	}

	if key := os.Getenv("KRAKEN_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("KRAKEN_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.Decision.APIKey = key
	}
	if os.Getenv("KRAKEN_DRY_RUN") == "true" || os.Getenv("KRAKEN_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges, matching spec.md
// §7's "fatal startup failures ... exit non-zero with a descriptive log."
func (c *Config) Validate() error {
	if c.Pair == "" {
		return fmt.Errorf("pair is required (e.g. --pair DOGE/USD)")
	}
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		return fmt.Errorf("exchange credentials are required (set KRAKEN_API_KEY and KRAKEN_API_SECRET)")
	}
	if c.Exchange.RESTBaseURL == "" {
		return fmt.Errorf("exchange.rest_base_url is required")
	}
	if c.Exchange.WSPublicURL == "" || c.Exchange.WSPrivateURL == "" {
		return fmt.Errorf("exchange.ws_public_url and exchange.ws_private_url are required")
	}
	if c.Risk.MaxTradeRiskPct <= 0 || c.Risk.MaxTradeRiskPct > 100 {
		return fmt.Errorf("risk.max_trade_risk_pct must be in (0, 100]")
	}
	if c.Risk.MaxTotalRiskPct <= 0 || c.Risk.MaxTotalRiskPct > 100 {
		return fmt.Errorf("risk.max_total_risk_pct must be in (0, 100]")
	}
	if c.Risk.DefaultSizePct <= 0 || c.Risk.DefaultSizePct > 100 {
		return fmt.Errorf("risk.default_size_pct must be in (0, 100]")
	}
	if c.Risk.MinNotional <= 0 {
		return fmt.Errorf("risk.min_notional must be > 0")
	}
	if c.Risk.PauseAfterLosses <= 0 {
		return fmt.Errorf("risk.pause_after_losses must be > 0")
	}
	if c.Risk.PauseMinutes <= 0 {
		return fmt.Errorf("risk.pause_minutes must be > 0")
	}
	if c.Decision.BaseURL == "" {
		return fmt.Errorf("decision.base_url is required")
	}
	return nil
}

// DefaultRisk returns the hard-constraint defaults spec.md §4.5 names.
func DefaultRisk() RiskConfig {
	return RiskConfig{
		MaxTradeRiskPct:  0.75,
		MaxTotalRiskPct:  1.5,
		DefaultSizePct:   25,
		MinNotional:      20,
		PauseAfterLosses: 2,
		PauseMinutes:     30,
		DrawdownGuardPct: 2,
		LossWindowSize:   5,
	}
}
