// Command kraken-bot is an event-driven, LLM-assisted spot trading bot for
// Kraken.
//
// Architecture:
//
//	main.go                    — entry point: loads config, starts the orchestrator, waits for SIGINT/SIGTERM
//	internal/orchestrator      — wires gateway → feature builder → event engine → decision adapter → execution engine
//	internal/feature/builder.go — computes the per-timeframe indicator/regime/confluence snapshot
//	internal/event/engine.go   — debounced trigger detection (trend flips, sweeps, guardrails, time-stop)
//	internal/decision/client.go — posts triggers to the LLM endpoint, normalises its JSON decision
//	internal/execution/engine.go — enforces hard risk constraints, submits orders, tracks the risk ledger
//	internal/exchange          — REST client + WebSocket v2 manager for Kraken
//	internal/decisionlog       — append-only CSV audit trail of every decision
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kraken-bot/internal/config"
	"kraken-bot/internal/decision"
	"kraken-bot/internal/decisionlog"
	"kraken-bot/internal/event"
	"kraken-bot/internal/exchange"
	"kraken-bot/internal/execution"
	"kraken-bot/internal/feature"
	"kraken-bot/internal/orchestrator"
	"kraken-bot/internal/symbol"
	"kraken-bot/pkg/types"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration file")
	pairFlag := flag.String("pair", "", "trading pair to run, e.g. DOGE/USD (overrides config)")
	riskFlag := flag.Float64("risk", 0, "default_size_pct override, 1-100 (overrides config)")
	dryRunFlag := flag.Bool("dry-run", false, "force dry-run mode regardless of config/phase")
	phaseFlag := flag.String("phase", "", "rollout phase: paper, shadow, live-small, live")
	flag.Parse()

	if p := os.Getenv("KRAKEN_CONFIG"); p != "" {
		*cfgPath = p
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}

	if *pairFlag != "" {
		cfg.Pair = *pairFlag
	}
	if *riskFlag > 0 {
		cfg.Risk.DefaultSizePct = *riskFlag
	}
	if *phaseFlag != "" {
		if err := config.ApplyRolloutPhase(cfg, *phaseFlag); err != nil {
			slog.Error("invalid rollout phase", "error", err, "phase", *phaseFlag)
			os.Exit(1)
		}
	}
	if *dryRunFlag {
		cfg.DryRun = true
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	pair, ok := symbol.Canonicalize(cfg.Pair)
	if !ok {
		logger.Error("could not canonicalize pair", "pair", cfg.Pair)
		os.Exit(1)
	}

	client := exchange.NewClient(cfg.Exchange.RESTBaseURL, types.Credentials{
		APIKey: cfg.Exchange.APIKey,
		Secret: cfg.Exchange.APISecret,
	}, cfg.DryRun, logger.With("component", "exchange"))

	timeframes := []feature.TimeframeSpec{
		{Name: "1m", IntervalMinutes: 1, Lookback: cfg.Timeframes.Lookback1m},
		{Name: "5m", IntervalMinutes: 5, Lookback: cfg.Timeframes.Lookback5m},
		{Name: "15m", IntervalMinutes: 15, Lookback: cfg.Timeframes.Lookback15m},
		{Name: "1h", IntervalMinutes: 60, Lookback: cfg.Timeframes.Lookback1h},
		{Name: "4h", IntervalMinutes: 240, Lookback: cfg.Timeframes.Lookback4h},
		{Name: "1d", IntervalMinutes: 1440, Lookback: cfg.Timeframes.Lookback1d},
	}
	builder := feature.NewBuilder(client, pair.RESTPair(), pair.WSPair(), timeframes, logger.With("component", "feature"))

	events := event.NewEngine(cfg.Event.DebounceSeconds, cfg.Risk.DrawdownGuardPct, event.DefaultTimeStopBars)

	decider := decision.New(cfg.Decision.BaseURL, cfg.Decision.APIKey, cfg.Decision.Model, cfg.Decision.Timeout, nil, logger.With("component", "decision"))

	executor := execution.New(client, execution.Constraints{
		MaxTradeRiskPct:  cfg.Risk.MaxTradeRiskPct,
		MaxTotalRiskPct:  cfg.Risk.MaxTotalRiskPct,
		DefaultSizePct:   cfg.Risk.DefaultSizePct,
		MinNotional:      cfg.Risk.MinNotional,
		PauseAfterLosses: cfg.Risk.PauseAfterLosses,
		PauseMinutes:     cfg.Risk.PauseMinutes,
		LossWindowSize:   cfg.Risk.LossWindowSize,
	}, cfg.DryRun, logger.With("component", "execution"))

	logPath := cfg.DecisionLog.Path
	if logPath == "" {
		logPath = "decisions.csv"
	}
	logSink, err := decisionlog.Open(logPath)
	if err != nil {
		logger.Error("failed to open decision log", "error", err, "path", logPath)
		os.Exit(1)
	}

	orch := orchestrator.New(orchestrator.Config{
		Pair:             pair,
		Client:           client,
		WSPublicURL:      cfg.Exchange.WSPublicURL,
		WSPrivateURL:     cfg.Exchange.WSPrivateURL,
		BookDepth:        cfg.Exchange.BookDepth,
		PrimaryTFMinutes: cfg.Exchange.PrimaryTFMins,
		Builder:          builder,
		Events:           events,
		Decider:          decider,
		Executor:         executor,
		LogSink:          logSink,
		RiskConstraints: decision.Constraints{
			MaxTradeRiskPct:  cfg.Risk.MaxTradeRiskPct,
			MaxTotalRiskPct:  cfg.Risk.MaxTotalRiskPct,
			DefaultSizePct:   cfg.Risk.DefaultSizePct,
			MinNotional:      cfg.Risk.MinNotional,
			PauseAfterLosses: cfg.Risk.PauseAfterLosses,
			PauseMinutes:     cfg.Risk.PauseMinutes,
		},
		DryRun:   cfg.DryRun,
		Reporter: heartbeatLogger{logger: logger},
		Logger:   logger.With("component", "orchestrator"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("kraken-bot started", "pair", pair.WSPair(), "dry_run", cfg.DryRun)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	orch.Stop()
}

type heartbeatLogger struct {
	logger *slog.Logger
}

func (h heartbeatLogger) Heartbeat(now time.Time, pos types.Position, ledger types.RiskLedger) {
	h.logger.Info("heartbeat",
		"time", now.Format(time.RFC3339),
		"position_side", pos.Side,
		"position_size", fmt.Sprintf("%.6f", pos.Size),
		"daily_pnl_pct", fmt.Sprintf("%.2f", ledger.DailyPnLPct),
	)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
