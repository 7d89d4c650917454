// Package execution turns a normalised decision into a Kraken order (or a
// dry-run synthetic fill), enforcing the hard risk constraints the decision
// adapter is only ever advised of, never trusted with.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kraken-bot/internal/exchange"
	"kraken-bot/pkg/types"
)

// Constraints are the configurable hard limits the engine enforces
// regardless of what the decision adapter asked for.
type Constraints struct {
	MaxTradeRiskPct  float64
	MaxTotalRiskPct  float64
	DefaultSizePct   float64
	MinNotional      float64
	PauseAfterLosses int
	PauseMinutes     int
	LossWindowSize   int
}

// Gateway is the subset of the exchange client the execution engine needs.
type Gateway interface {
	AddOrder(ctx context.Context, req exchange.AddOrderRequest) (*exchange.AddOrderResult, error)
	GetBalance(ctx context.Context) (map[string]float64, error)
}

// MarketContext carries the per-cycle state the orchestrator refreshes
// ahead of calling Execute: reference prices and pair precision.
type MarketContext struct {
	Pair        types.PairMetadata
	RESTPair    string
	Close5m     float64
	TickerPrice float64
	NowUnixMs   int64
}

// Engine owns the risk ledger and position, and is the only component
// allowed to mutate them. mu guards all four fields below it: Execute runs
// on the orchestrator's serialized evaluation-cycle goroutine, but
// Position/RiskLedger are also read from the independent heartbeat ticker.
type Engine struct {
	gateway     Gateway
	constraints Constraints
	dryRun      bool
	logger      *slog.Logger

	mu sync.RWMutex

	balanceCacheAt time.Time
	balanceCache   map[string]float64

	ledger   types.RiskLedger
	position types.Position
}

// New creates an execution Engine.
func New(gateway Gateway, constraints Constraints, dryRun bool, logger *slog.Logger) *Engine {
	if constraints.LossWindowSize <= 0 {
		constraints.LossWindowSize = 5
	}
	return &Engine{
		gateway:     gateway,
		constraints: constraints,
		dryRun:      dryRun,
		logger:      logger,
	}
}

// Position returns the current held position, as maintained by fill
// handling.
func (e *Engine) Position() types.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.position
}

// RiskLedger returns the current risk ledger snapshot.
func (e *Engine) RiskLedger() types.RiskLedger {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger
}

// RefreshBalance fetches and caches the quote balance, honouring a 30s TTL
// unless force is set. It captures the daily starting balance on first
// snapshot and logs deltas beyond a small epsilon.
func (e *Engine) RefreshBalance(ctx context.Context, quoteAsset string, force bool) (float64, error) {
	e.mu.Lock()
	if !force && !e.balanceCacheAt.IsZero() && time.Since(e.balanceCacheAt) < 30*time.Second {
		defer e.mu.Unlock()
		return e.balanceCache[quoteAsset], nil
	}
	e.mu.Unlock()

	balances, err := e.gateway.GetBalance(ctx)
	if err != nil {
		return 0, fmt.Errorf("execution: balance refresh failed: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	prev, hadPrev := e.balanceCache[quoteAsset]
	next := balances[quoteAsset]
	if hadPrev && math.Abs(next-prev) > 1e-6 {
		e.logger.Info("balance changed", "asset", quoteAsset, "from", prev, "to", next)
	}

	e.balanceCache = balances
	e.balanceCacheAt = time.Now()

	if e.ledger.DailyStartingBalance == 0 {
		e.ledger.DailyStartingBalance = next
	}
	return next, nil
}

// UpdateMarketContext refreshes position-age bookkeeping the event engine
// and decision prompt rely on (bars-open, unrealized R). barsOpen5m is the
// caller-counted number of closed 5m bars since OpenedAtMs.
func (e *Engine) UpdateMarketContext(currentPrice float64, stopDistance float64, barsOpen5m int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.position.IsFlat() {
		return
	}
	e.position.BarsOpen5m = barsOpen5m
	if stopDistance > 0 {
		e.position.UnrealizedR = (currentPrice - e.position.AvgPrice) / stopDistance
	}
}

// Execute applies a decision against the current risk/position state and
// returns the resulting ExecutionResult. It never returns an error for a
// rejected or paused decision: those are expressed as ExecutionResult
// statuses, per the no-throw contract the rest of the evaluation cycle
// relies on.
func (e *Engine) Execute(ctx context.Context, decision types.Decision, mctx MarketContext) types.ExecutionResult {
	now := mctx.NowUnixMs

	if decision.Action == types.ActionHold {
		return types.ExecutionResult{Status: types.StatusNoop, DryRun: e.dryRun}
	}

	e.mu.RLock()
	paused := e.ledger.Paused(now)
	pauseUntil := e.ledger.PauseUntilMs
	e.mu.RUnlock()
	if paused && decision.Action != types.ActionPause {
		return types.ExecutionResult{
			Status:       types.StatusPaused,
			Reason:       "risk ledger paused",
			DryRun:       e.dryRun,
			PauseUntilMs: pauseUntil,
		}
	}

	switch decision.Action {
	case types.ActionOpenLong, types.ActionAdd:
		return e.executeOpenOrAdd(ctx, decision, mctx)
	case types.ActionTrim, types.ActionClosePartial:
		return e.executeTrim(ctx, decision, mctx)
	case types.ActionCloseAll:
		return e.executeCloseAll(ctx, mctx)
	case types.ActionMoveStop, types.ActionSetTP:
		e.logger.Info("deferred instruction logged, no live order wired", "action", decision.Action)
		return types.ExecutionResult{Status: types.StatusSuccess, Reason: string(decision.Action), DryRun: e.dryRun}
	case types.ActionPause:
		e.mu.Lock()
		e.ledger.PauseUntilMs = now + int64(e.constraints.PauseMinutes)*60_000
		until := e.ledger.PauseUntilMs
		e.mu.Unlock()
		return types.ExecutionResult{Status: types.StatusSuccess, PauseUntilMs: until, DryRun: e.dryRun}
	default:
		return types.ExecutionResult{Status: types.StatusRejected, Reason: "unrecognised action", DryRun: e.dryRun}
	}
}

func (e *Engine) referencePrice(mctx MarketContext) float64 {
	if mctx.Close5m > 0 {
		return mctx.Close5m
	}
	return mctx.TickerPrice
}

func (e *Engine) executeOpenOrAdd(ctx context.Context, decision types.Decision, mctx MarketContext) types.ExecutionResult {
	ref := e.referencePrice(mctx)
	if ref <= 0 {
		return types.ExecutionResult{Status: types.StatusRejected, Reason: "no reference price available", DryRun: e.dryRun}
	}

	orderType := "market"
	price := ref
	if decision.Entry != nil && decision.Entry.Type == types.EntryLimit {
		orderType = "limit"
		offsetBps := 0.0
		if decision.Entry.OffsetBps != nil {
			offsetBps = *decision.Entry.OffsetBps
		}
		price = ref * (1 + offsetBps/10_000)
	}
	price = roundToDecimals(price, mctx.Pair.PriceDecimals)

	quoteBalance, err := e.RefreshBalance(ctx, mctx.Pair.Quote, false)
	if err != nil {
		return types.ExecutionResult{Status: types.StatusError, Reason: err.Error(), DryRun: e.dryRun}
	}
	sizePct := e.constraints.DefaultSizePct
	if decision.SizePct != nil {
		sizePct = *decision.SizePct
	}

	maxTradeNotional := quoteBalance * e.constraints.MaxTradeRiskPct / 100
	requestedNotional := quoteBalance * sizePct / 100
	notional := requestedNotional
	if maxTradeNotional < notional {
		notional = maxTradeNotional
	}

	existingNotional := e.Position().Size * ref
	maxTotalNotional := quoteBalance * e.constraints.MaxTotalRiskPct / 100
	room := maxTotalNotional - existingNotional
	if room <= 0 {
		return types.ExecutionResult{Status: types.StatusRejected, Reason: "position already at max_total_risk_pct", DryRun: e.dryRun}
	}
	if notional > room {
		notional = room
	}

	if notional < e.constraints.MinNotional {
		return types.ExecutionResult{Status: types.StatusRejected, Reason: "notional below min_notional", DryRun: e.dryRun}
	}
	if mctx.Pair.MinOrderCost > 0 && notional < mctx.Pair.MinOrderCost {
		return types.ExecutionResult{Status: types.StatusRejected, Reason: "notional below exchange min_order_cost", DryRun: e.dryRun}
	}

	volume := roundToDecimals(notional/price, mctx.Pair.VolumeDecimals)
	if volume < mctx.Pair.MinOrderVolume {
		return types.ExecutionResult{Status: types.StatusRejected, Reason: "volume below min_order_volume", DryRun: e.dryRun}
	}

	req := exchange.AddOrderRequest{
		Pair:      mctx.RESTPair,
		Type:      "buy",
		OrderType: orderType,
		Price:     formatDecimals(price, mctx.Pair.PriceDecimals),
		Volume:    formatDecimals(volume, mctx.Pair.VolumeDecimals),
	}

	if e.dryRun {
		e.handleFill(price, volume, true, mctx.NowUnixMs)
		return types.ExecutionResult{
			Status: types.StatusSuccess,
			DryRun: true,
			Payload: map[string]any{
				"pair": req.Pair, "type": req.Type, "order_type": req.OrderType,
				"price": req.Price, "volume": req.Volume,
			},
		}
	}

	result, err := e.gateway.AddOrder(ctx, req)
	if err != nil {
		return types.ExecutionResult{Status: types.StatusError, Reason: err.Error(), DryRun: false}
	}
	e.handleFill(price, volume, true, mctx.NowUnixMs)
	return types.ExecutionResult{
		Status:  types.StatusSuccess,
		DryRun:  false,
		Payload: map[string]any{"txid": result.TxID, "descr": result.Descr.Order},
	}
}

func (e *Engine) executeTrim(ctx context.Context, decision types.Decision, mctx MarketContext) types.ExecutionResult {
	position := e.Position()
	if position.IsFlat() {
		return types.ExecutionResult{Status: types.StatusRejected, Reason: "no open position to trim", DryRun: e.dryRun}
	}
	sizePct := e.constraints.DefaultSizePct
	if decision.SizePct != nil {
		sizePct = *decision.SizePct
	}
	volume := roundToDecimals(position.Size*sizePct/100, mctx.Pair.VolumeDecimals)
	if volume <= 0 {
		return types.ExecutionResult{Status: types.StatusRejected, Reason: "computed trim volume is zero", DryRun: e.dryRun}
	}
	return e.sell(ctx, volume, mctx)
}

func (e *Engine) executeCloseAll(ctx context.Context, mctx MarketContext) types.ExecutionResult {
	position := e.Position()
	if position.IsFlat() {
		return types.ExecutionResult{Status: types.StatusRejected, Reason: "no open position to close", DryRun: e.dryRun}
	}
	return e.sell(ctx, position.Size, mctx)
}

func (e *Engine) sell(ctx context.Context, volume float64, mctx MarketContext) types.ExecutionResult {
	ref := e.referencePrice(mctx)
	if ref <= 0 {
		return types.ExecutionResult{Status: types.StatusRejected, Reason: "no reference price available", DryRun: e.dryRun}
	}
	volume = roundToDecimals(volume, mctx.Pair.VolumeDecimals)

	req := exchange.AddOrderRequest{
		Pair:      mctx.RESTPair,
		Type:      "sell",
		OrderType: "market",
		Volume:    formatDecimals(volume, mctx.Pair.VolumeDecimals),
	}

	if e.dryRun {
		e.handleFill(ref, volume, false, mctx.NowUnixMs)
		return types.ExecutionResult{
			Status:  types.StatusSuccess,
			DryRun:  true,
			Payload: map[string]any{"pair": req.Pair, "type": req.Type, "volume": req.Volume},
		}
	}

	result, err := e.gateway.AddOrder(ctx, req)
	if err != nil {
		return types.ExecutionResult{Status: types.StatusError, Reason: err.Error(), DryRun: false}
	}
	e.handleFill(ref, volume, false, mctx.NowUnixMs)
	return types.ExecutionResult{
		Status:  types.StatusSuccess,
		DryRun:  false,
		Payload: map[string]any{"txid": result.TxID},
	}
}

// handleFill applies a (possibly synthetic, dry-run) fill to the position
// and risk ledger: on buy, updates the volume-weighted average price; on
// sell, realises PnL and records the outcome in the loss window, entering
// a pause if the trailing loss count reaches pause_after_losses.
func (e *Engine) handleFill(execPrice, execQty float64, isBuy bool, nowMs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if isBuy {
		if e.position.IsFlat() {
			e.position.Side = types.Long
			e.position.Size = execQty
			e.position.AvgPrice = execPrice
			e.position.OpenedAtMs = nowMs
			return
		}
		totalCost := e.position.AvgPrice*e.position.Size + execPrice*execQty
		e.position.Size += execQty
		e.position.AvgPrice = totalCost / e.position.Size
		return
	}

	fillQty := execQty
	if fillQty > e.position.Size {
		fillQty = e.position.Size
	}
	realized := (execPrice - e.position.AvgPrice) * fillQty
	e.ledger.RealizedPnLQuote += realized
	e.ledger.RecomputeDailyPnLPct()
	e.ledger.RecordOutcome(types.TradeOutcome{Loss: realized < 0, RealizedPnL: realized}, e.constraints.LossWindowSize)

	e.position.Size -= fillQty
	if e.position.Size <= 1e-12 {
		e.position = types.Position{Side: types.Flat}
	}

	if e.ledger.ConsecutiveLosses() >= e.constraints.PauseAfterLosses {
		e.ledger.PauseUntilMs = nowMs + int64(e.constraints.PauseMinutes)*60_000
		e.logger.Warn("consecutive loss threshold reached, entering cooldown",
			"losses", e.ledger.ConsecutiveLosses(), "pause_until_ms", e.ledger.PauseUntilMs)
	}
}

func roundToDecimals(v float64, decimals int) float64 {
	d := decimal.NewFromFloat(v).Round(int32(decimals))
	f, _ := d.Float64()
	return f
}

func formatDecimals(v float64, decimals int) string {
	return decimal.NewFromFloat(v).Round(int32(decimals)).String()
}
