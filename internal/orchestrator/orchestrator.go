// Package orchestrator owns the process lifecycle: it wires the exchange
// gateway, feature builder, event engine, decision adapter, execution
// engine, and decision log into one evaluation cycle and drives it from
// the OHLC/book/execution feeds plus a periodic timer.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"kraken-bot/internal/decision"
	"kraken-bot/internal/decisionlog"
	"kraken-bot/internal/event"
	"kraken-bot/internal/exchange"
	"kraken-bot/internal/execution"
	"kraken-bot/internal/feature"
	"kraken-bot/internal/symbol"
	"kraken-bot/pkg/types"
)

const (
	periodicInterval  = 5 * time.Minute
	heartbeatInterval = 30 * time.Second

	// defaultBookDepth/defaultPrimaryTFMinutes back the orchestrator's
	// book/OHLC subscriptions when Config leaves BookDepth/PrimaryTFMinutes
	// at zero.
	defaultBookDepth        = 5
	defaultPrimaryTFMinutes = 1

	// momentumWindow/momentumThresholdPct drive the gateway's rolling
	// price-change detector: a move of at least momentumThresholdPct
	// within momentumWindow trips meta.ThresholdTriggered between bar
	// closes, surfacing MomentumSpike(PriceFeed) to the event engine.
	momentumWindow       = 5 * time.Minute
	momentumThresholdPct = 1.0
)

// priceSample is one timestamped mid/last-trade price observation used by
// the rolling momentum detector.
type priceSample struct {
	at    time.Time
	price float64
}

// StatusReporter receives the periodic heartbeat (position and risk ledger).
// A nil reporter is valid; the heartbeat is then skipped.
type StatusReporter interface {
	Heartbeat(now time.Time, pos types.Position, ledger types.RiskLedger)
}

// Strategy supplies the risk constraints passed into each decision request.
// New always installs defaultStrategy, built from Config.RiskConstraints;
// Config has no field for another implementation, and Strategy has no
// lifecycle hooks.
type Strategy interface {
	Constraints() decision.Constraints
}

type defaultStrategy struct {
	constraints decision.Constraints
}

func (s defaultStrategy) Constraints() decision.Constraints { return s.constraints }

// Orchestrator is the process-lifecycle owner.
type Orchestrator struct {
	pair             symbol.Pair
	client           *exchange.Client
	wsPublicURL      string
	wsPrivateURL     string
	bookDepth        int
	primaryTFMinutes int
	wsMgr            *exchange.WSManager
	builder          *feature.Builder
	events           *event.Engine
	decider          *decision.Client
	executor         *execution.Engine
	logSink          *decisionlog.Sink
	strategy         Strategy
	reporter         StatusReporter
	logger           *slog.Logger

	dryRun bool

	pairMeta  types.PairMetadata
	book      *types.BookState
	bookMu    sync.Mutex
	lastClose map[string]float64
	closeMu   sync.Mutex

	momentumMu      sync.Mutex
	momentumSamples []priceSample
	momentumActive  bool

	processing atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config bundles what the orchestrator needs beyond its already-constructed
// collaborators.
type Config struct {
	Pair             symbol.Pair
	Client           *exchange.Client
	WSPublicURL      string
	WSPrivateURL     string
	BookDepth        int
	PrimaryTFMinutes int
	Builder          *feature.Builder
	Events           *event.Engine
	Decider          *decision.Client
	Executor         *execution.Engine
	LogSink          *decisionlog.Sink
	RiskConstraints  decision.Constraints
	DryRun           bool
	Reporter         StatusReporter
	Logger           *slog.Logger
}

// New wires an Orchestrator from its collaborators.
func New(cfg Config) *Orchestrator {
	bookDepth := cfg.BookDepth
	if bookDepth <= 0 {
		bookDepth = defaultBookDepth
	}
	primaryTFMinutes := cfg.PrimaryTFMinutes
	if primaryTFMinutes <= 0 {
		primaryTFMinutes = defaultPrimaryTFMinutes
	}
	return &Orchestrator{
		pair:             cfg.Pair,
		client:           cfg.Client,
		wsPublicURL:      cfg.WSPublicURL,
		wsPrivateURL:     cfg.WSPrivateURL,
		bookDepth:        bookDepth,
		primaryTFMinutes: primaryTFMinutes,
		builder:          cfg.Builder,
		events:           cfg.Events,
		decider:          cfg.Decider,
		executor:         cfg.Executor,
		logSink:          cfg.LogSink,
		strategy:         defaultStrategy{constraints: cfg.RiskConstraints},
		reporter:         cfg.Reporter,
		logger:           cfg.Logger,
		dryRun:           cfg.DryRun,
		lastClose:        make(map[string]float64),
		book:             types.NewBookState(cfg.Pair.WSPair()),
	}
}

// Start resolves pair metadata, subscribes to OHLC/book/executions, runs a
// startup evaluation, and starts the periodic timer and feed dispatchers.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)

	meta, err := o.client.GetPairMetadata(o.ctx, o.pair.RESTPair())
	if err != nil {
		return err
	}
	o.pairMeta = *meta

	o.wsMgr = exchange.NewWSManager(o.wsPublicURL, o.wsPrivateURL, o.client.GetWebSocketsToken, o.logger.With("component", "ws"))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.wsMgr.Run(o.ctx); err != nil && o.ctx.Err() == nil {
			o.logger.Error("ws manager exited", "error", err)
		}
	}()

	if err := o.wsMgr.Public.SubscribeOHLC(o.pair.WSPair(), o.primaryTFMinutes); err != nil {
		o.logger.Warn("failed to subscribe ohlc", "error", err)
	}
	if err := o.wsMgr.Public.SubscribeBook(o.pair.WSPair(), o.bookDepth); err != nil {
		o.logger.Warn("failed to subscribe book", "error", err)
	}
	if err := o.wsMgr.Private.SubscribeExecutions(o.ctx); err != nil {
		o.logger.Warn("failed to subscribe executions", "error", err)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.dispatchFeeds()
	}()

	o.events.AddReason("Startup")
	o.runEvaluationCycle(o.ctx, event.Meta{})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runTimers()
	}()

	return nil
}

// Stop cancels the context (ending the timers and feed dispatchers), closes
// owned WS connections, resets the event engine, waits for its goroutines
// and closes the decision log. It sends no unsubscribe messages.
func (o *Orchestrator) Stop() {
	o.logger.Info("orchestrator stopping")
	if o.cancel != nil {
		o.cancel()
	}
	if o.wsMgr != nil {
		o.wsMgr.Stop()
	}
	o.events.Reset()
	o.wg.Wait()
	if o.logSink != nil {
		if err := o.logSink.Close(); err != nil {
			o.logger.Warn("failed to close decision log", "error", err)
		}
	}
	o.logger.Info("orchestrator stopped")
}

func (o *Orchestrator) dispatchFeeds() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case frame, ok := <-o.wsMgr.Public.OHLCEvents():
			if !ok {
				return
			}
			o.handleOHLC(frame)
		case frame, ok := <-o.wsMgr.Public.BookEvents():
			if !ok {
				return
			}
			o.handleBook(frame)
		case item, ok := <-o.wsMgr.Private.ExecutionEvents():
			if !ok {
				return
			}
			o.handleExecution(item)
		}
	}
}

// handleOHLC runs on every frame of the primary-timeframe OHLC subscription,
// provisional updates of the in-progress bar included. The event
// engine derives its own 5m/15m/60m bucket indices from this single
// timestamp, since a bucket only advances when the larger interval
// actually rolls over.
func (o *Orchestrator) handleOHLC(frame exchange.OHLCFrame) {
	o.closeMu.Lock()
	o.lastClose["1m"] = frame.Item.Close
	o.closeMu.Unlock()

	now := time.Now()
	o.recordPriceSample(frame.Item.Close, now)
	meta := o.checkMomentumThreshold(now)

	sec := parseUnixSecOrZero(frame.Item.Timestamp)
	pd := event.PriceData{BarCloseUnixSec: map[string]int64{
		"5m": sec, "15m": sec, "60m": sec,
	}}
	if o.events.ShouldEvaluate(now, pd, meta) {
		if !o.runEvaluationCycle(o.ctx, meta) && meta.ThresholdTriggered {
			o.unlatchMomentum()
		}
	}
}

func (o *Orchestrator) handleBook(frame exchange.BookFrame) {
	o.bookMu.Lock()
	if frame.Type == "snapshot" {
		exchange.ApplyBookSnapshot(o.book, frame.Item)
	} else {
		exchange.ApplyBookUpdate(o.book, frame.Item)
	}
	mid := bookMidPrice(o.book)
	o.bookMu.Unlock()

	now := time.Now()
	o.recordPriceSample(mid, now)
	if meta := o.checkMomentumThreshold(now); meta.ThresholdTriggered {
		if !o.runEvaluationCycle(o.ctx, meta) {
			o.unlatchMomentum()
		}
	}
}

// bookMidPrice returns the midpoint of the best bid and best ask, or 0 if
// either side is empty. Caller must hold bookMu.
func bookMidPrice(book *types.BookState) float64 {
	bid, ok := book.BestBid()
	if !ok || bid.Price <= 0 {
		return 0
	}
	ask, ok := book.BestAsk()
	if !ok || ask.Price <= 0 {
		return 0
	}
	return (bid.Price + ask.Price) / 2
}

// recordPriceSample appends a price observation and prunes anything older
// than momentumWindow. Non-positive prices (no trade seen yet) are ignored.
func (o *Orchestrator) recordPriceSample(price float64, now time.Time) {
	if price <= 0 {
		return
	}
	o.momentumMu.Lock()
	defer o.momentumMu.Unlock()
	o.momentumSamples = append(o.momentumSamples, priceSample{at: now, price: price})
	cutoff := now.Add(-momentumWindow)
	i := 0
	for i < len(o.momentumSamples) && o.momentumSamples[i].at.Before(cutoff) {
		i++
	}
	o.momentumSamples = o.momentumSamples[i:]
}

// checkMomentumThreshold compares the oldest and newest samples still in
// the window and reports a rising-edge trigger once per breach, clearing
// once the move falls back under the threshold.
func (o *Orchestrator) checkMomentumThreshold(now time.Time) event.Meta {
	o.momentumMu.Lock()
	defer o.momentumMu.Unlock()
	if len(o.momentumSamples) < 2 {
		return event.Meta{}
	}
	oldest := o.momentumSamples[0].price
	latest := o.momentumSamples[len(o.momentumSamples)-1].price
	if oldest <= 0 {
		return event.Meta{}
	}
	pctMove := (latest - oldest) / oldest * 100
	breached := math.Abs(pctMove) >= momentumThresholdPct
	if !breached {
		o.momentumActive = false
		return event.Meta{}
	}
	if o.momentumActive {
		return event.Meta{}
	}
	o.momentumActive = true
	return event.Meta{
		ThresholdTriggered: true,
		ThresholdReason:    fmt.Sprintf("MomentumSpike(PriceFeed:%.2f%%)", pctMove),
	}
}

// unlatchMomentum clears the rising-edge latch after a momentum-triggered
// cycle was dropped (another cycle already in flight) or failed before
// reaching Detect, so the next price tick can retry rather than waiting for
// the move to fall back under threshold first.
func (o *Orchestrator) unlatchMomentum() {
	o.momentumMu.Lock()
	o.momentumActive = false
	o.momentumMu.Unlock()
}

func (o *Orchestrator) handleExecution(item types.ExecutionWireItem) {
	o.logger.Info("execution received", "exec_type", item.ExecType, "order_id", item.OrderID)
}

func (o *Orchestrator) runTimers() {
	periodic := time.NewTicker(periodicInterval)
	heartbeat := time.NewTicker(heartbeatInterval)
	defer periodic.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-periodic.C:
			o.events.AddReason("Periodic")
			o.runEvaluationCycle(o.ctx, event.Meta{})
		case <-heartbeat.C:
			if o.reporter != nil {
				o.reporter.Heartbeat(time.Now(), o.executor.Position(), o.executor.RiskLedger())
			}
		}
	}
}

// runEvaluationCycle runs the 9-step cycle. Feature build and event
// detection always run so trend/confluence/liquidity state stays current;
// only the decision call and execution are guarded by a processing flag so
// at most one is in flight at a time. Reports false if the feature build
// failed, or a decision/execute pass was already running and this cycle's
// reasons were requeued instead of acted on.
func (o *Orchestrator) runEvaluationCycle(ctx context.Context, meta event.Meta) bool {
	bctx := feature.BuildContext{Position: o.executor.Position(), Risk: o.executor.RiskLedger()}

	o.bookMu.Lock()
	bookCopy := copyBook(o.book)
	o.bookMu.Unlock()

	snapshot, err := o.builder.Build(ctx, bctx, bookCopy, time.Now().UnixMilli())
	if err != nil {
		o.logger.Error("feature build failed", "error", err)
		return false
	}

	tf15 := snapshot.Timeframes["15m"]
	var atr14 float64
	if tf15.ATR14 != nil {
		atr14 = *tf15.ATR14
	}
	barsOpen5m := 0
	if pos := snapshot.Position; !pos.IsFlat() && pos.OpenedAtMs > 0 {
		barsOpen5m = int((time.Now().UnixMilli() - pos.OpenedAtMs) / (5 * 60_000))
	}
	o.executor.UpdateMarketContext(tf15.Close, atr14, barsOpen5m)

	reasons := o.events.Detect(time.Now(), snapshot, meta)
	if len(reasons) == 0 {
		return true
	}

	// Detect() always runs above so trend/confluence/liquidity state stays
	// current even when a decision call is already in flight; only the
	// LLM round-trip and execution need to be serialized against
	// concurrent evaluation cycles.
	if !o.processing.CompareAndSwap(false, true) {
		o.events.Requeue(reasons)
		return false
	}
	defer o.processing.Store(false)

	if _, err := o.executor.RefreshBalance(ctx, o.pairMeta.Quote, false); err != nil {
		o.logger.Warn("balance refresh failed", "error", err)
	}

	req := decision.Request{
		Features:    *snapshot,
		Reasons:     reasons,
		Constraints: o.strategy.Constraints(),
	}
	d := o.decider.Decide(ctx, req)

	if o.logSink != nil {
		if err := o.logSink.Append(decisionlog.Entry{
			Timestamp: time.Now(),
			Pair:      o.pair.WSPair(),
			Decision:  d,
			Price:     tf15.Close,
			Snapshot:  snapshot,
			Reasons:   reasons,
			DryRun:    o.dryRun,
		}); err != nil {
			o.logger.Warn("failed to append decision log row", "error", err)
		}
	}

	close5m := snapshot.Timeframes["5m"].Close
	tickerPrice := tf15.Close
	if close5m <= 0 {
		if live, err := o.client.GetTicker(ctx, o.pair.RESTPair()); err != nil {
			o.logger.Warn("ticker fallback failed", "error", err)
		} else {
			tickerPrice = live
		}
	}

	result := o.executor.Execute(ctx, d, execution.MarketContext{
		Pair:        o.pairMeta,
		RESTPair:    o.pair.RESTPair(),
		Close5m:     close5m,
		TickerPrice: tickerPrice,
		NowUnixMs:   time.Now().UnixMilli(),
	})
	if result.Status == types.StatusError {
		o.logger.Error("execution failed", "reason", result.Reason)
	}
	return true
}

func copyBook(book *types.BookState) *types.BookState {
	if book == nil {
		return nil
	}
	out := types.NewBookState(book.Symbol)
	for k, v := range book.Bids {
		out.Bids[k] = v
	}
	for k, v := range book.Asks {
		out.Asks[k] = v
	}
	out.LastTradePrice = book.LastTradePrice
	return out
}

func parseUnixSecOrZero(ts string) int64 {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return 0
	}
	return t.Unix()
}
