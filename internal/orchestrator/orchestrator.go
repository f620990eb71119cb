// Package orchestrator wires the signal, execution, and risk engines to the
// Binance exchange adapter and drives the single main loop described in
// §4.5: forward market and user-data events, tick the state machines on a
// ~50ms timer, and run reconnect recalibration before resuming submits.
//
// The goroutine/dispatch shape — one task per feed, a central select loop,
// a WaitGroup-tracked Run/Shutdown lifecycle — is grounded on the teacher's
// internal/engine/engine.go wholesale; the event routing itself is new,
// since the teacher routes to per-market strategy goroutines and this
// system instead drives one shared set of per-(symbol,side) state machines.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"executor/internal/config"
	"executor/internal/exchange"
	"executor/internal/execution"
	"executor/internal/metrics"
	"executor/internal/ratelimit"
	"executor/internal/risk"
	"executor/internal/signal"
	"executor/pkg/types"
)

const tickInterval = 50 * time.Millisecond

// Orchestrator owns every subsystem and the goroutines that feed them.
type Orchestrator struct {
	cfg    config.Config
	runID  string
	logger *slog.Logger

	client     *exchange.Client
	marketFeed *exchange.MarketFeed
	userFeed   *exchange.UserFeed

	signalEng *signal.Engine
	execEng   *execution.Engine
	riskMgr   *risk.Manager
	limiter   *ratelimit.Limiter

	metricsSrv *http.Server

	mu        sync.RWMutex
	rules     map[string]types.InstrumentRules
	positions map[types.SideKey]types.Position

	noSubmit      bool
	nextStopSync  map[types.SideKey]time.Time
	listenKey     string
	ownOrderPrefix string
	ownStopPrefix  string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an orchestrator and performs the initial synchronous
// reconciliation pass (instrument rules, positions, leverage, listen key)
// before any event loop starts.
func New(cfg config.Config, logger *slog.Logger) (*Orchestrator, error) {
	runID := uuid.NewString()

	client := exchange.NewClient(cfg.Exchange.RESTBaseURL, cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.RecvWindowMs, cfg.DryRun, logger)

	execCfg, err := buildExecutionConfig(cfg.Execution)
	if err != nil {
		return nil, fmt.Errorf("build execution config: %w", err)
	}
	execEng := execution.New(execCfg, runID, logger)

	riskCfg, err := buildRiskConfig(cfg.Risk, cfg.Execution.OrderTTLMillis)
	if err != nil {
		return nil, fmt.Errorf("build risk config: %w", err)
	}
	riskMgr := risk.New(riskCfg, execEng, logger)

	signalCfg, err := buildSignalConfig(cfg.Signal)
	if err != nil {
		return nil, fmt.Errorf("build signal config: %w", err)
	}
	signalEng := signal.New(signalCfg)

	limiter := ratelimit.New(cfg.RateLimit.MaxSubmitsPerSec, cfg.RateLimit.MaxCancelsPerSec)

	o := &Orchestrator{
		cfg:            cfg,
		runID:          runID,
		logger:         logger.With("component", "orchestrator"),
		client:         client,
		signalEng:      signalEng,
		execEng:        execEng,
		riskMgr:        riskMgr,
		limiter:        limiter,
		rules:          make(map[string]types.InstrumentRules),
		positions:      make(map[types.SideKey]types.Position),
		nextStopSync:   make(map[types.SideKey]time.Time),
		ownOrderPrefix: cfg.Execution.ClientIDPrefix + "-" + runID + "-",
		ownStopPrefix:  cfg.Risk.ProtectiveStopClientIDPrefix,
	}

	ctx := context.Background()
	if err := o.recalibrate(ctx); err != nil {
		return nil, fmt.Errorf("initial recalibration: %w", err)
	}

	listenKey, err := client.StartUserDataStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("start user data stream: %w", err)
	}
	o.listenKey = listenKey

	o.marketFeed = exchange.NewMarketFeed(cfg.Exchange.WSMarketURL, logger)
	o.marketFeed.Subscribe(cfg.Exchange.Symbols)
	o.userFeed = exchange.NewUserFeed(strings.TrimRight(cfg.Exchange.WSUserURL, "/")+"/"+listenKey, logger)

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		o.metricsSrv = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: mux}
	}

	return o, nil
}

func buildExecutionConfig(c config.ExecutionConfig) (execution.Config, error) {
	baseLotMult, err := decimal.NewFromString(c.BaseLotMult)
	if err != nil {
		return execution.Config{}, fmt.Errorf("base_lot_mult: %w", err)
	}
	maxMult, err := decimal.NewFromString(c.MaxMult)
	if err != nil {
		return execution.Config{}, fmt.Errorf("max_mult: %w", err)
	}
	maxNotional, err := decimal.NewFromString(c.MaxOrderNotional)
	if err != nil {
		return execution.Config{}, fmt.Errorf("max_order_notional: %w", err)
	}
	return execution.Config{
		BaseLotMult:                 baseLotMult,
		MaxMult:                     maxMult,
		MaxOrderNotional:            maxNotional,
		OrderTTLMillis:              c.OrderTTLMillis,
		CancelTimeoutMillis:         c.CancelTimeoutMillis,
		RepostCooldownMillis:        c.RepostCooldownMillis,
		MakerSafetyTicks:            c.MakerSafetyTicks,
		PricingStyle:                execution.PricingStyle(c.PricingStyle),
		CustomTicks:                 c.CustomTicks,
		BaseMakerTimeoutsToEscalate: c.BaseMakerTimeoutsToEscalate,
		AggrFillsToDeescalate:       c.AggrFillsToDeescalate,
		AggrTimeoutsToDeescalate:    c.AggrTimeoutsToDeescalate,
		ClientIDPrefix:              c.ClientIDPrefix,
	}, nil
}

func buildRiskConfig(c config.RiskConfig, orderTTLMillis int64) (risk.Config, error) {
	liqThresh, err := decimal.NewFromString(c.LiqDistanceThreshold)
	if err != nil {
		return risk.Config{}, fmt.Errorf("liq_distance_threshold: %w", err)
	}
	hysteresis, err := decimal.NewFromString(c.Hysteresis)
	if err != nil {
		return risk.Config{}, fmt.Errorf("hysteresis: %w", err)
	}
	distToLiq, err := decimal.NewFromString(c.ProtectiveStopDistToLiq)
	if err != nil {
		return risk.Config{}, fmt.Errorf("protective_stop_dist_to_liq: %w", err)
	}
	tol, err := decimal.NewFromString(c.ExternalConflictTolerance)
	if err != nil {
		return risk.Config{}, fmt.Errorf("external_conflict_tolerance: %w", err)
	}

	tiers := make([]risk.PanicTier, 0, len(c.PanicCloseTiers))
	for i, t := range c.PanicCloseTiers {
		dist, err := decimal.NewFromString(t.Distance)
		if err != nil {
			return risk.Config{}, fmt.Errorf("panic_close_tiers[%d].distance: %w", i, err)
		}
		slice, err := decimal.NewFromString(t.SliceRatio)
		if err != nil {
			return risk.Config{}, fmt.Errorf("panic_close_tiers[%d].slice_ratio: %w", i, err)
		}
		ttlPct, err := decimal.NewFromString(t.TTLPercent)
		if err != nil {
			return risk.Config{}, fmt.Errorf("panic_close_tiers[%d].ttl_percent: %w", i, err)
		}
		tiers = append(tiers, risk.PanicTier{
			Distance:                dist,
			SliceRatio:              slice,
			TTLPercent:              ttlPct,
			MakerTimeoutsToEscalate: t.MakerTimeoutsToEscalate,
		})
	}

	return risk.Config{
		LiqDistanceThreshold:         liqThresh,
		Hysteresis:                   hysteresis,
		PanicTiers:                   tiers,
		ProtectiveStopDistToLiq:      distToLiq,
		ProtectiveStopClientIDPrefix: c.ProtectiveStopClientIDPrefix,
		ExternalConflictTolerance:    tol,
		OrderTTLMillis:               orderTTLMillis,
	}, nil
}

func buildSignalConfig(c config.SignalConfig) (signal.Config, error) {
	accelTiers := make([]signal.AccelTier, 0, len(c.AccelTiers))
	for i, t := range c.AccelTiers {
		ret, err := decimal.NewFromString(t.Ret)
		if err != nil {
			return signal.Config{}, fmt.Errorf("accel_tiers[%d].ret: %w", i, err)
		}
		mult, err := decimal.NewFromString(t.Mult)
		if err != nil {
			return signal.Config{}, fmt.Errorf("accel_tiers[%d].mult: %w", i, err)
		}
		accelTiers = append(accelTiers, signal.AccelTier{Ret: ret, Mult: mult})
	}
	roiTiers := make([]signal.ROITier, 0, len(c.ROITiers))
	for i, t := range c.ROITiers {
		roi, err := decimal.NewFromString(t.ROI)
		if err != nil {
			return signal.Config{}, fmt.Errorf("roi_tiers[%d].roi: %w", i, err)
		}
		mult, err := decimal.NewFromString(t.Mult)
		if err != nil {
			return signal.Config{}, fmt.Errorf("roi_tiers[%d].mult: %w", i, err)
		}
		roiTiers = append(roiTiers, signal.ROITier{ROI: roi, Mult: mult})
	}
	return signal.Config{
		StaleDataMillis:     c.StaleDataMillis,
		MinSignalIntervalMs: c.MinSignalIntervalMs,
		AccelWindowMillis:   c.AccelWindowMillis,
		AccelTiers:          accelTiers,
		ROITiers:            roiTiers,
	}, nil
}

// recalibrate fetches instrument rules, positions, and leverage for every
// configured symbol, replacing the orchestrator's cached copies wholesale.
// Called at startup and after every stream reconnect.
func (o *Orchestrator) recalibrate(ctx context.Context) error {
	rules := make(map[string]types.InstrumentRules, len(o.cfg.Exchange.Symbols))
	for _, symbol := range o.cfg.Exchange.Symbols {
		r, err := o.client.FetchInstrumentRules(ctx, symbol)
		if err != nil {
			return fmt.Errorf("fetch instrument rules for %s: %w", symbol, err)
		}
		rules[symbol] = r
	}

	leverage, err := o.client.FetchLeverageMap(ctx)
	if err != nil {
		return fmt.Errorf("fetch leverage map: %w", err)
	}
	for symbol, lev := range leverage {
		if r, ok := rules[symbol]; ok {
			r.Leverage = lev
			rules[symbol] = r
		}
	}

	positions, err := o.client.FetchPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}

	o.mu.Lock()
	o.rules = rules
	o.positions = positions
	o.mu.Unlock()

	for _, symbol := range o.cfg.Exchange.Symbols {
		if err := o.reconcileExternalAlgosFor(ctx, symbol); err != nil {
			o.logger.Error("reconcile external algo orders failed", "symbol", symbol, "error", err)
		}
	}

	return nil
}

// reconcileExternalAlgosFor performs the REST-verified pass §4.4 requires
// before a takeover latch may be released: list every resting algo order
// for the symbol and, for each side, release the latch if none remain that
// aren't our own.
func (o *Orchestrator) reconcileExternalAlgosFor(ctx context.Context, symbol string) error {
	algos, err := o.client.FetchOpenAlgoOrders(ctx, symbol)
	if err != nil {
		return err
	}
	externalPresent := map[types.PositionSide]bool{}
	for _, a := range algos {
		if !strings.HasPrefix(a.ClientID, o.ownStopPrefix) {
			externalPresent[a.Side] = true
		}
	}
	for _, side := range []types.PositionSide{types.PositionLong, types.PositionShort} {
		o.riskMgr.ReleaseTakeoverLatch(symbol, side, externalPresent[side])
	}
	return nil
}

// Run starts all background goroutines and blocks on the main loop until ctx
// is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)

	if o.metricsSrv != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				o.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.marketFeed.Run(o.ctx); err != nil && o.ctx.Err() == nil {
			o.logger.Error("market feed error", "error", err)
		}
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.userFeed.Run(o.ctx); err != nil && o.ctx.Err() == nil {
			o.logger.Error("user feed error", "error", err)
		}
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runListenKeyKeepAlive()
	}()

	o.mainLoop()
	return nil
}

func (o *Orchestrator) runListenKeyKeepAlive() {
	mins := o.cfg.Exchange.ListenKeyMins
	if mins <= 0 {
		mins = 30
	}
	ticker := time.NewTicker(time.Duration(mins) * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			timeout := config.DefaultTimeout(o.cfg.Exchange.ListenKeyTimeoutMs, 5*time.Second)
			ctx, cancel := context.WithTimeout(o.ctx, timeout)
			if err := o.client.KeepAliveUserDataStream(ctx); err != nil {
				o.logger.Error("listen key keepalive failed", "error", err)
			}
			cancel()
		}
	}
}

// mainLoop is the single task described in §4.5: it forwards every inbound
// event to the signal/execution/risk engines and ticks the state machines.
func (o *Orchestrator) mainLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return

		case evt := <-o.marketFeed.BookTickerEvents():
			o.signalEng.OnQuote(evt.Symbol, evt.BestBid, evt.BestAsk, evt.At)

		case evt := <-o.marketFeed.AggTradeEvents():
			o.signalEng.OnTrade(evt.Symbol, evt.Price, evt.At)

		case evt := <-o.marketFeed.MarkPriceEvents():
			o.signalEng.OnMark(evt.Symbol, evt.MarkPrice, evt.At)
			o.onMarkPrice(evt.Symbol, evt.MarkPrice)

		case evt := <-o.userFeed.OrderTradeEvents():
			o.onOrderTrade(evt)

		case evt := <-o.userFeed.AccountUpdateEvents():
			o.onAccountUpdate(evt)

		case <-o.marketFeed.ReconnectEvents():
			o.onReconnect("market")

		case <-o.userFeed.ReconnectEvents():
			o.onReconnect("user")

		case now := <-ticker.C:
			o.tick(now)
		}
	}
}

// onReconnect enters the no-submit window, recalibrates, then resumes
// submits and schedules an immediate protective-stop sync per §4.5.
func (o *Orchestrator) onReconnect(stream string) {
	o.logger.Warn("stream reconnected, entering no-submit window", "stream", stream)
	o.mu.Lock()
	o.noSubmit = true
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(o.ctx, 10*time.Second)
	defer cancel()
	if err := o.recalibrate(ctx); err != nil {
		o.logger.Error("recalibration after reconnect failed", "error", err)
	}

	o.mu.Lock()
	o.noSubmit = false
	now := time.Now()
	for _, symbol := range o.cfg.Exchange.Symbols {
		o.nextStopSync[types.SideKey{Symbol: symbol, Side: types.PositionLong}] = now
		o.nextStopSync[types.SideKey{Symbol: symbol, Side: types.PositionShort}] = now
	}
	o.mu.Unlock()
	o.logger.Info("exited no-submit window", "stream", stream)
}

func (o *Orchestrator) onMarkPrice(symbol string, mark decimal.Decimal) {
	for _, side := range []types.PositionSide{types.PositionLong, types.PositionShort} {
		o.mu.Lock()
		pos, ok := o.positions[types.SideKey{Symbol: symbol, Side: side}]
		o.mu.Unlock()
		if !ok {
			continue
		}
		pos.MarkPrice = mark
		o.riskMgr.OnMark(symbol, side, pos)
		if d, ok := o.riskMgr.Distance(symbol, side); ok {
			f, _ := d.Float64()
			metrics.DistanceToLiquidation.WithLabelValues(symbol, string(side)).Set(f)
		}
	}
}

func (o *Orchestrator) onOrderTrade(evt exchange.OrderTradeEvent) {
	isAlgo := evt.OrderType == types.OrderTypeStopMarket || evt.ClosePosition

	if isAlgo {
		if strings.HasPrefix(evt.ClientID, o.ownStopPrefix) {
			if evt.Status == types.StatusFilled || evt.Status == types.StatusCanceled || evt.Status == types.StatusExpired {
				return
			}
			o.riskMgr.RecordOwnStop(evt.Symbol, evt.Side, evt.OrderID, evt.ClientID, evt.StopPrice)
			return
		}
		if evt.Status == types.StatusNew || evt.Status == types.StatusPartiallyFilled {
			o.mu.RLock()
			pos, ok := o.positions[types.SideKey{Symbol: evt.Symbol, Side: evt.Side}]
			o.mu.RUnlock()
			if ok && o.riskMgr.IsExternalStopValid(evt.Side, evt.StopPrice, pos.LiquidationPrice) {
				cancelID, shouldCancel := o.riskMgr.OnExternalAlgo(evt.Symbol, evt.Side, pos.LiquidationPrice)
				if shouldCancel {
					o.cancelOwnStop(evt.Symbol, cancelID)
				}
			} else {
				ctx, cancel := context.WithTimeout(o.ctx, 3*time.Second)
				if err := o.client.CancelAny(ctx, evt.Symbol, evt.OrderID, evt.ClientID); err != nil {
					o.logger.Error("cancel invalid external stop failed", "symbol", evt.Symbol, "error", err)
				}
				cancel()
			}
		}
		return
	}

	update := types.OrderUpdate{
		Symbol:        evt.Symbol,
		Side:          evt.Side,
		OrderID:       evt.OrderID,
		ClientID:      evt.ClientID,
		Status:        evt.Status,
		OrderType:     evt.OrderType,
		ReduceOnly:    evt.ReduceOnly,
		ClosePosition: evt.ClosePosition,
		IsMaker:       evt.IsMaker,
		FilledQty:     evt.FilledQty,
		AvgPrice:      evt.AvgPrice,
		RealizedPnL:   evt.RealizedPnL,
		Fee:           evt.Fee,
		At:            evt.At,
	}
	o.execEng.OnOrderUpdate(evt.At, update)

	if evt.Status == types.StatusRejected {
		metrics.OrdersRejected.WithLabelValues(evt.Symbol, string(evt.Side), "venue_rejected").Inc()
	}
}

func (o *Orchestrator) cancelOwnStop(symbol string, orderID int64) {
	ctx, cancel := context.WithTimeout(o.ctx, 3*time.Second)
	defer cancel()
	if _, err := o.client.Cancel(ctx, symbol, orderID, ""); err != nil {
		o.logger.Error("cancel own stop failed", "symbol", symbol, "order_id", orderID, "error", err)
	}
}

func (o *Orchestrator) onAccountUpdate(evt exchange.AccountUpdateEvent) {
	o.mu.Lock()
	for _, pos := range evt.Positions {
		key := types.SideKey{Symbol: pos.Symbol, Side: pos.Side}
		if pos.IsZero() {
			delete(o.positions, key)
			continue
		}
		// ACCOUNT_UPDATE carries amt/entry/pnl but never liquidation price
		// or leverage; preserve those from the last REST fetch instead of
		// wiping them to zero, or distanceToLiquidation goes blind until
		// the next recalibration.
		if existing, ok := o.positions[key]; ok {
			pos.LiquidationPrice = existing.LiquidationPrice
			pos.Leverage = existing.Leverage
		}
		o.positions[key] = pos
	}
	o.mu.Unlock()

	for _, pos := range evt.Positions {
		if pos.IsZero() {
			o.execEng.ResetSide(pos.Symbol, pos.Side)
		}
		o.scheduleStopSync(pos.Symbol, pos.Side, risk.TriggerPosition)
	}
}

func (o *Orchestrator) scheduleStopSync(symbol string, side types.PositionSide, trigger risk.SyncTrigger) {
	debounce := risk.SyncDebounce(trigger)
	at := time.Now().Add(debounce)
	key := types.SideKey{Symbol: symbol, Side: side}

	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.nextStopSync[key]; !ok || at.Before(existing) {
		o.nextStopSync[key] = at
	}
}

// tick drives the signal/execution engines for every tracked side and
// carries out any due protective-stop reconciliation.
func (o *Orchestrator) tick(now time.Time) {
	o.mu.RLock()
	noSubmit := o.noSubmit
	positions := make(map[types.SideKey]types.Position, len(o.positions))
	for k, v := range o.positions {
		positions[k] = v
	}
	rules := o.rules
	var drainedSync []types.SideKey
	for key := range o.nextStopSync {
		if _, hasPosition := o.positions[key]; !hasPosition {
			drainedSync = append(drainedSync, key)
		}
	}
	o.mu.RUnlock()

	for key, pos := range positions {
		rule, ok := rules[key.Symbol]
		if !ok {
			continue
		}
		if !noSubmit {
			o.evaluateSide(now, key.Symbol, key.Side, pos, rule)
		}
		o.maybeSyncStop(now, key.Symbol, key.Side, pos, rule)
	}

	// A side whose position just drained to zero is dropped from the cache
	// by onAccountUpdate, but it may still have an own protective stop
	// resting on the venue. Drive its due sync with a zero position so
	// ReconcileProtectiveStop's cleanup branch can cancel it (§4.4).
	for _, key := range drainedSync {
		rule, ok := rules[key.Symbol]
		if !ok {
			continue
		}
		o.maybeSyncStop(now, key.Symbol, key.Side, types.Position{Symbol: key.Symbol, Side: key.Side}, rule)
	}

	for _, action := range o.execEng.Tick(now) {
		if action.Kind == execution.ActionCancel {
			o.cancelOrder(action.Symbol, action.Side, action.OrderID, action.ClientID)
		}
	}
}

func (o *Orchestrator) evaluateSide(now time.Time, symbol string, side types.PositionSide, pos types.Position, rules types.InstrumentRules) {
	snap, ok := o.signalEng.Snapshot(symbol)
	if !ok || !snap.Ready() || o.signalEng.IsStale(symbol, now) {
		return
	}

	if intent, ok := o.riskMgr.EvaluatePanic(symbol, side, pos, snap, rules); ok {
		o.submit(intent)
		return
	}

	sig, ok := o.signalEng.Evaluate(symbol, side, pos, now)
	if !ok {
		return
	}

	intent, ok := o.execEng.Evaluate(symbol, side, snap, pos, rules, sig)
	if !ok {
		return
	}
	o.submit(intent)
}

func (o *Orchestrator) submit(intent types.OrderIntent) {
	if !o.limiter.TryAdmit(ratelimit.KindSubmit, intent.IsRisk) {
		// Denied locally: return the side to IDLE so a later tick can retry.
		o.execEng.MarkSubmitted(time.Now(), intent, types.OrderResult{ClientID: intent.ClientID})
		return
	}

	timeout := config.DefaultTimeout(o.cfg.Exchange.SubmitTimeoutMs, 3*time.Second)
	ctx, cancel := context.WithTimeout(o.ctx, timeout)
	result, err := o.client.Submit(ctx, intent)
	cancel()
	if err != nil {
		o.logger.Warn("submit failed", "symbol", intent.Symbol, "side", intent.Side, "error", err)
	}

	o.execEng.MarkSubmitted(time.Now(), intent, result)

	if result.Success {
		mode := "MAKER_ONLY"
		if intent.TimeInForce == types.TIFGTC {
			mode = "AGGRESSIVE_LIMIT"
		}
		metrics.OrdersSubmitted.WithLabelValues(intent.Symbol, string(intent.Side), mode).Inc()
	} else {
		metrics.OrdersRejected.WithLabelValues(intent.Symbol, string(intent.Side), string(result.ErrorKind)).Inc()
	}
}

func (o *Orchestrator) cancelOrder(symbol string, side types.PositionSide, orderID int64, clientID string) {
	timeout := config.DefaultTimeout(o.cfg.Exchange.CancelTimeoutMs, 3*time.Second)
	ctx, cancel := context.WithTimeout(o.ctx, timeout)
	defer cancel()

	now := time.Now()
	if _, err := o.client.Cancel(ctx, symbol, orderID, clientID); err != nil {
		o.logger.Warn("cancel failed", "symbol", symbol, "order_id", orderID, "error", err)
	}
	o.execEng.OnOrderUpdate(now, types.OrderUpdate{Symbol: symbol, Side: side, OrderID: orderID, ClientID: clientID, Status: types.StatusCanceled, At: now})
}

func (o *Orchestrator) maybeSyncStop(now time.Time, symbol string, side types.PositionSide, pos types.Position, rules types.InstrumentRules) {
	key := types.SideKey{Symbol: symbol, Side: side}
	o.mu.Lock()
	due, scheduled := o.nextStopSync[key]
	if !scheduled || now.Before(due) {
		o.mu.Unlock()
		return
	}
	delete(o.nextStopSync, key)
	o.mu.Unlock()

	decision := o.riskMgr.ReconcileProtectiveStop(symbol, side, pos, rules)
	switch decision.Action {
	case risk.StopActionCancel:
		ctx, cancel := context.WithTimeout(o.ctx, 3*time.Second)
		if err := o.client.CancelAny(ctx, symbol, decision.CancelID, decision.ClientID); err != nil {
			o.logger.Error("cancel protective stop failed", "symbol", symbol, "error", err)
		}
		cancel()

	case risk.StopActionPlace:
		ctx, cancel := context.WithTimeout(o.ctx, 3*time.Second)
		result, err := o.client.Submit(ctx, decision.Intent)
		cancel()
		if err != nil || !result.Success {
			o.logger.Error("place protective stop failed", "symbol", symbol, "error", err)
			return
		}
		o.riskMgr.RecordOwnStop(symbol, side, result.OrderID, decision.Intent.ClientID, decision.Intent.StopPrice)
		metrics.ProtectiveStopReplacements.WithLabelValues(symbol, string(side)).Inc()
	}
}

// Shutdown implements §5's shutdown sequence: stop the main loop, cancel own
// open orders with a collective timeout, close both streams, stop the
// metrics server, and wait for the background goroutines. The REST client
// is not closed.
func (o *Orchestrator) Shutdown() {
	o.logger.Info("shutting down")
	o.cancel()

	cancelCtx, cancelCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCancel()
	o.cancelOwnOpenOrders(cancelCtx)

	o.marketFeed.Close()
	o.userFeed.Close()

	if o.metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		o.metricsSrv.Shutdown(shutdownCtx)
	}

	o.wg.Wait()
	o.logger.Info("shutdown complete")
}

func (o *Orchestrator) cancelOwnOpenOrders(ctx context.Context) {
	var wg sync.WaitGroup
	for _, symbol := range o.cfg.Exchange.Symbols {
		orders, err := o.client.FetchOpenOrders(ctx, symbol)
		if err != nil {
			o.logger.Error("fetch open orders on shutdown failed", "symbol", symbol, "error", err)
			continue
		}
		for _, order := range orders {
			if !strings.HasPrefix(order.ClientID, o.ownOrderPrefix) {
				continue
			}
			wg.Add(1)
			go func(symbol string, orderID int64) {
				defer wg.Done()
				if _, err := o.client.Cancel(ctx, symbol, orderID, ""); err != nil {
					o.logger.Error("cancel own order on shutdown failed", "symbol", symbol, "order_id", orderID, "error", err)
				}
			}(symbol, order.OrderID)
		}
	}
	wg.Wait()
}
