package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantfold/backtester/internal/alerting"
	"github.com/quantfold/backtester/internal/audit"
	"github.com/quantfold/backtester/internal/execution"
	"github.com/quantfold/backtester/internal/metrics"
	"github.com/quantfold/backtester/internal/observer"
	"github.com/quantfold/backtester/internal/position"
	"github.com/quantfold/backtester/internal/risk"
	"github.com/quantfold/backtester/internal/strategy"
	"github.com/quantfold/backtester/internal/types"
)

// Config holds per-run engine settings.
type Config struct {
	RunID               string
	Symbol              string
	InitialEquity       decimal.Decimal
	RiskPerTradePct     decimal.Decimal // fraction of equity risked per trade
	MaxExposurePct      decimal.Decimal // sizing cap, separate from the risk check
	TakeProfitFractions []decimal.Decimal
	HistorySize         int // candles of history handed to the generator
	EmitInterval        int // snapshot every N candles; 0 disables periodic snapshots
	RetryThreshold      int // candle errors tolerated before the run fails
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		InitialEquity:   decimal.RequireFromString("10000"),
		RiskPerTradePct: decimal.RequireFromString("0.01"),
		MaxExposurePct:  decimal.RequireFromString("1.0"),
		TakeProfitFractions: []decimal.Decimal{
			decimal.RequireFromString("0.5"),
			decimal.RequireFromString("0.5"),
		},
		HistorySize:  100,
		EmitInterval: 100,
	}
}

// Deps are the collaborators one engine instance owns for the duration of a
// run. Nothing here is shared across engines.
type Deps struct {
	Source     observer.Source
	Generator  strategy.Generator
	Risk       *risk.Manager
	Sizer      *risk.PositionSizer
	Tracker    *position.Tracker
	Simulator  *execution.Simulator
	Aggregator *Aggregator
	Alerter    alerting.Alerter
	Recorder   *metrics.Recorder
	Audit      audit.Sink
	OnSnapshot SnapshotFunc
	Logger     *slog.Logger
}

type command int

const (
	cmdPause command = iota
	cmdResume
	cmdStop
)

// pendingExits remembers an approved order's protective levels until its
// entry fill arrives.
type pendingExits struct {
	stopLoss    decimal.Decimal
	takeProfits []decimal.Decimal
	signalID    string
}

// Engine replays candles through the risk, execution, and position
// components. The replay itself is single threaded; Pause, Resume, and Stop
// may be called from other goroutines and take effect at the top of the
// next candle.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu    sync.Mutex
	state RunState

	control chan command

	// Replay-goroutine state, untouched by other goroutines.
	candleIndex int
	lastTS      time.Time
	history     []types.Candle
	exitsByID   map[string]pendingExits
	pendingSym  map[string]int
	errCount    int
}

// NewEngine creates an engine in the IDLE state.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Source == nil || deps.Generator == nil || deps.Risk == nil ||
		deps.Sizer == nil || deps.Tracker == nil || deps.Simulator == nil {
		return nil, fmt.Errorf("%w: missing engine dependency", types.ErrInvalidConfig)
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewLogSink(deps.Logger)
	}

	return &Engine{
		cfg:        cfg,
		deps:       deps,
		logger:     deps.Logger.With("run_id", cfg.RunID),
		state:      StateIdle,
		control:    make(chan command, 8),
		exitsByID:  make(map[string]pendingExits),
		pendingSym: make(map[string]int),
	}, nil
}

// State returns the current run state.
func (e *Engine) State() RunState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Pause requests a pause; the engine pauses before processing the next
// candle.
func (e *Engine) Pause() error {
	if s := e.State(); s != StateRunning {
		return transitionError(s, StatePaused)
	}
	e.control <- cmdPause
	return nil
}

// Resume requests that a paused run continue.
func (e *Engine) Resume() error {
	if s := e.State(); s != StatePaused && s != StateRunning {
		return transitionError(s, StateRunning)
	}
	e.control <- cmdResume
	return nil
}

// Stop requests a graceful stop; open positions are marked to the last known
// price and finalized.
func (e *Engine) Stop() error {
	if s := e.State(); s.Terminal() || s == StateIdle {
		return transitionError(s, StateStopped)
	}
	e.control <- cmdStop
	return nil
}

// Run replays the source to completion. It blocks until the run reaches a
// terminal state and returns a non-nil error only for FAILED.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.setState(StateRunning); err != nil {
		return err
	}

	e.logger.Info("run starting",
		"symbol", e.cfg.Symbol,
		"generator", e.deps.Generator.Name(),
		"initial_equity", e.cfg.InitialEquity,
	)

	candles, err := e.deps.Source.Subscribe(ctx, e.cfg.Symbol)
	if err != nil {
		e.fail(fmt.Errorf("subscribe source: %w", err))
		return err
	}

	for {
		if stop := e.checkControl(ctx); stop {
			e.stopRun()
			return nil
		}

		select {
		case <-ctx.Done():
			e.stopRun()
			return nil
		case candle, ok := <-candles:
			if !ok {
				e.complete()
				return nil
			}
			if err := e.processCandle(ctx, candle); err != nil {
				e.errCount++
				e.logger.Error("candle processing failed",
					"candle_index", e.candleIndex,
					"timestamp", candle.Timestamp,
					"error_count", e.errCount,
					"err", err,
				)
				e.record(func(r *metrics.Recorder) { r.RecordError("candle") })
				if e.errCount > e.cfg.RetryThreshold {
					e.fail(err)
					return err
				}
			}
		}
	}
}

// checkControl drains pending commands. When paused it blocks until resume,
// stop, or context cancellation. Returns true if the run must stop.
func (e *Engine) checkControl(ctx context.Context) bool {
	for {
		select {
		case cmd := <-e.control:
			switch cmd {
			case cmdPause:
				if e.State() == StateRunning {
					_ = e.setState(StatePaused)
					e.emitSnapshot()
					if e.waitResume(ctx) {
						return true
					}
				}
			case cmdStop:
				return true
			case cmdResume:
				// Already running.
			}
		case <-ctx.Done():
			return true
		default:
			return false
		}
	}
}

// waitResume blocks in the PAUSED state. Returns true if the run must stop.
func (e *Engine) waitResume(ctx context.Context) bool {
	for {
		select {
		case cmd := <-e.control:
			switch cmd {
			case cmdResume:
				_ = e.setState(StateRunning)
				return false
			case cmdStop:
				return true
			case cmdPause:
				// Already paused.
			}
		case <-ctx.Done():
			return true
		}
	}
}

// processCandle runs the per-candle pipeline. Recorded fills and trades are
// never rolled back, even when a later step errors.
func (e *Engine) processCandle(ctx context.Context, candle types.Candle) error {
	if !e.lastTS.IsZero() && !candle.Timestamp.After(e.lastTS) {
		return fmt.Errorf("%w: candle %s not after %s",
			types.ErrInvalidCandle, candle.Timestamp, e.lastTS)
	}
	e.candleIndex++
	e.lastTS = candle.Timestamp
	e.deps.Risk.AdvanceClock(candle.Timestamp)
	e.record(func(r *metrics.Recorder) { r.RecordCandle(candle.Symbol) })

	// Pending orders fill against this candle before anything else sees it.
	e.resolvePending(ctx, candle)
	e.resolveExits(ctx, candle)
	e.deps.Tracker.UpdatePrice(candle.Symbol, candle.Close)

	signal, err := e.deps.Generator.OnCandle(ctx, candle, e.history)
	e.pushHistory(candle)
	if err != nil {
		return fmt.Errorf("generator: %w", err)
	}
	if signal != nil {
		e.handleSignal(ctx, *signal, candle)
	}

	e.updateEquity(candle.Timestamp)

	if e.cfg.EmitInterval > 0 && e.candleIndex%e.cfg.EmitInterval == 0 {
		e.emitSnapshot()
	}
	return nil
}

// resolvePending fills or cancels orders resting in the simulator.
func (e *Engine) resolvePending(ctx context.Context, candle types.Candle) {
	fills, cancelled := e.deps.Simulator.FillPending(candle)

	for _, c := range cancelled {
		e.pendingDone(c.Order.Symbol)
		delete(e.exitsByID, c.Order.ID)
		e.deps.Risk.RecordExecutionError()
		e.record(func(r *metrics.Recorder) { r.RecordOrder(c.Order.Symbol, "cancelled") })
		e.appendAudit(ctx, audit.Event{
			ID:        uuid.New().String(),
			RunID:     e.cfg.RunID,
			Timestamp: candle.Timestamp,
			Type:      audit.EventOrderCancelled,
			Symbol:    c.Order.Symbol,
			OrderID:   c.Order.ID,
			Reason:    c.Err.Error(),
		})
	}

	for _, fill := range fills {
		e.pendingDone(fill.Symbol)
		e.applyFill(ctx, fill)

		// Attach the approved order's protective levels to the fresh position.
		if exits, ok := e.exitsByID[fill.OrderID]; ok {
			delete(e.exitsByID, fill.OrderID)
			levels := e.buildLadder(exits.takeProfits)
			e.deps.Tracker.ConfigureExits(fill.Symbol, exits.stopLoss, levels, exits.signalID)
		}
	}
}

// resolveExits checks stops and take profits on open positions.
func (e *Engine) resolveExits(ctx context.Context, candle types.Candle) {
	result := e.deps.Simulator.ResolveExits(candle, e.deps.Tracker.All())

	for _, fill := range result.Fills {
		e.applyFill(ctx, fill)
	}
	for _, tp := range result.FilledTPs {
		e.deps.Tracker.MarkTakeProfitFilled(tp.Symbol, tp.Level)
	}
	for _, move := range result.StopMoves {
		e.deps.Tracker.SetStopLoss(move.Symbol, move.NewStop)
		e.logger.Info("stop moved to breakeven", "symbol", move.Symbol, "stop", move.NewStop)
	}
}

// applyFill routes one fill through the tracker and finalizes any resulting
// trade.
func (e *Engine) applyFill(ctx context.Context, fill types.Fill) {
	_, trade, err := e.deps.Tracker.UpdateFromFill(fill)
	if err != nil {
		e.deps.Risk.RecordExecutionError()
		e.logger.Error("fill rejected by tracker", "fill_id", fill.ID, "err", err)
		return
	}

	e.record(func(r *metrics.Recorder) { r.RecordFill(fill.Symbol, string(fill.Reason)) })
	e.appendAudit(ctx, audit.Event{
		ID:        uuid.New().String(),
		RunID:     e.cfg.RunID,
		Timestamp: fill.Timestamp,
		Type:      audit.EventFill,
		Symbol:    fill.Symbol,
		OrderID:   fill.OrderID,
		Reason:    string(fill.Reason),
		Details: map[string]any{
			"side":     fill.Side.String(),
			"quantity": fill.Quantity.String(),
			"price":    fill.Price.String(),
			"fee":      fill.Fee.String(),
		},
	})

	if trade != nil {
		e.finalizeTrade(ctx, *trade)
	}
}

func (e *Engine) finalizeTrade(ctx context.Context, trade types.Trade) {
	e.deps.Risk.RecordTradeOutcome(trade.NetPnL)

	if agg := e.aggregator(); agg != nil {
		agg.OnTrade(trade)
	}
	e.record(func(r *metrics.Recorder) {
		r.RecordTrade(trade.Symbol, trade.NetPnL.IsPositive())
	})
	e.appendAudit(ctx, audit.Event{
		ID:        uuid.New().String(),
		RunID:     e.cfg.RunID,
		Timestamp: trade.ExitTime,
		Type:      audit.EventTradeClosed,
		Symbol:    trade.Symbol,
		Reason:    trade.Status.String(),
		Details: map[string]any{
			"side":    trade.Side.String(),
			"net_pnl": trade.NetPnL.String(),
			"fees":    trade.Fees.String(),
		},
	})

	e.logger.Info("trade closed",
		"symbol", trade.Symbol,
		"side", trade.Side,
		"net_pnl", trade.NetPnL,
		"r_multiple", trade.RMultiple,
	)
}

// handleSignal sizes, checks, and submits an order for a signal. One
// position and at most one working order per symbol.
func (e *Engine) handleSignal(ctx context.Context, signal types.Signal, candle types.Candle) {
	e.record(func(r *metrics.Recorder) {
		r.RecordSignal(signal.Source, signal.Direction.String())
	})

	if signal.Direction == types.SideFlat {
		return
	}
	if _, open := e.deps.Tracker.Get(signal.Symbol); open {
		return
	}
	if e.pendingSym[signal.Symbol] > 0 {
		return
	}

	equity := e.equity()
	sized := e.deps.Sizer.SizeOrder(equity, e.cfg.RiskPerTradePct, e.cfg.MaxExposurePct, normalizeEntry(signal, candle))
	if !sized.Valid {
		e.logger.Debug("signal not sized", "signal_id", signal.ID, "reason", sized.RejectReason)
		return
	}

	order := types.Order{
		ID:            uuid.New().String(),
		ClientOrderID: fmt.Sprintf("%s-%d", e.cfg.RunID, e.candleIndex),
		CreatedAt:     candle.Timestamp,
		Symbol:        signal.Symbol,
		Side:          signal.Direction,
		Type:          types.OrderTypeMarket,
		Quantity:      sized.Quantity,
		StopLoss:      signal.StopLoss,
		TakeProfits:   signal.TakeProfits,
		SignalID:      signal.ID,
	}

	decision := e.deps.Risk.CheckOrder(order, e.deps.Tracker.All(), candle.Close)
	if !decision.Approved {
		e.record(func(r *metrics.Recorder) { r.RecordOrder(order.Symbol, "rejected") })
		if decision.Severity == risk.SeverityCritical {
			e.alert(ctx, alerting.SeverityWarning, "Order rejected",
				"symbol", order.Symbol,
				"reason", decision.Reason,
			)
		}
		return
	}

	if err := e.deps.Simulator.Submit(order, candle.Timestamp); err != nil {
		e.deps.Risk.RecordExecutionError()
		e.logger.Error("order submission failed", "order_id", order.ID, "err", err)
		return
	}

	e.pendingSym[order.Symbol]++
	e.exitsByID[order.ID] = pendingExits{
		stopLoss:    signal.StopLoss,
		takeProfits: signal.TakeProfits,
		signalID:    signal.ID,
	}
	e.record(func(r *metrics.Recorder) { r.RecordOrder(order.Symbol, "submitted") })
	e.logger.Info("order submitted",
		"order_id", order.ID,
		"symbol", order.Symbol,
		"side", order.Side,
		"quantity", order.Quantity,
		"stop", order.StopLoss,
	)
}

// buildLadder pairs take-profit prices with the configured fractions. When
// fractions are missing the levels split evenly.
func (e *Engine) buildLadder(prices []decimal.Decimal) []types.TakeProfitLevel {
	if len(prices) == 0 {
		return nil
	}
	fractions := e.cfg.TakeProfitFractions
	if len(fractions) != len(prices) {
		even := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(len(prices))))
		fractions = make([]decimal.Decimal, len(prices))
		for i := range fractions {
			fractions[i] = even
		}
	}
	levels := make([]types.TakeProfitLevel, len(prices))
	for i, price := range prices {
		levels[i] = types.TakeProfitLevel{Price: price, Fraction: fractions[i]}
	}
	return levels
}

func (e *Engine) equity() decimal.Decimal {
	return e.cfg.InitialEquity.
		Add(e.deps.Tracker.TotalRealizedPnL()).
		Add(e.deps.Tracker.TotalUnrealizedPnL())
}

func (e *Engine) updateEquity(at time.Time) {
	equity := e.equity()
	unrealized := e.deps.Tracker.TotalUnrealizedPnL()

	e.deps.Risk.UpdateEquity(equity)
	e.deps.Risk.UpdateUnrealized(unrealized)
	if agg := e.aggregator(); agg != nil {
		agg.OnEquity(at, equity)
	}
	e.record(func(r *metrics.Recorder) {
		dd := decimal.Zero
		if agg := e.aggregator(); agg != nil {
			dd = agg.MaxDrawdown()
		}
		r.RecordEquity(equity, dd)
	})
}

func (e *Engine) pushHistory(candle types.Candle) {
	e.history = append(e.history, candle)
	if len(e.history) > e.cfg.HistorySize {
		e.history = e.history[1:]
	}
}

func (e *Engine) pendingDone(symbol string) {
	if e.pendingSym[symbol] > 0 {
		e.pendingSym[symbol]--
	}
}

func normalizeEntry(signal types.Signal, candle types.Candle) types.Signal {
	if signal.Entry.IsZero() {
		signal.Entry = candle.Close
	}
	return signal
}

// complete finishes a run that consumed every candle.
func (e *Engine) complete() {
	_ = e.setState(StateCompleted)
	e.emitSnapshot()
	e.logger.Info("run completed", "candles", e.candleIndex)
	e.alert(context.Background(), alerting.SeverityInfo, "Run completed",
		"candles", e.candleIndex,
		"trades", len(e.deps.Tracker.Trades()),
	)
}

// stopRun finalizes a stop request: open positions close at the last known
// price and the terminal snapshot is emitted.
func (e *Engine) stopRun() {
	trades := e.deps.Tracker.FinalizeStopped(e.lastTS)
	for _, trade := range trades {
		if agg := e.aggregator(); agg != nil {
			agg.OnTrade(trade)
		}
		e.appendAudit(context.Background(), audit.Event{
			ID:        uuid.New().String(),
			RunID:     e.cfg.RunID,
			Timestamp: trade.ExitTime,
			Type:      audit.EventTradeClosed,
			Symbol:    trade.Symbol,
			Reason:    trade.Status.String(),
		})
	}
	if !e.lastTS.IsZero() {
		e.updateEquity(e.lastTS)
	}

	_ = e.setState(StateStopped)
	e.emitSnapshot()
	e.logger.Info("run stopped", "candles", e.candleIndex, "forced_closes", len(trades))
	e.alert(context.Background(), alerting.SeverityWarning, "Run stopped",
		"candles", e.candleIndex,
		"forced_closes", len(trades),
	)
}

// fail puts the run into FAILED after the error budget is spent.
func (e *Engine) fail(err error) {
	_ = e.setState(StateFailed)
	e.emitSnapshot()
	e.logger.Error("run failed", "candles", e.candleIndex, "err", err)
	e.alert(context.Background(), alerting.SeverityCritical, "Run failed",
		"candles", e.candleIndex,
		"err", err.Error(),
	)
}

func (e *Engine) setState(to RunState) error {
	e.mu.Lock()
	from := e.state
	if !validTransition(from, to) {
		e.mu.Unlock()
		return transitionError(from, to)
	}
	e.state = to
	e.mu.Unlock()

	e.logger.Info("state transition", "from", from.String(), "to", to.String())
	e.record(func(r *metrics.Recorder) { r.RecordRunState(to.String()) })
	e.appendAudit(context.Background(), audit.Event{
		ID:        uuid.New().String(),
		RunID:     e.cfg.RunID,
		Timestamp: e.lastTS,
		Type:      audit.EventRunState,
		Reason:    fmt.Sprintf("%s -> %s", from, to),
	})
	return nil
}

// emitSnapshot hands a copy of current progress to the snapshot callback.
func (e *Engine) emitSnapshot() {
	if e.deps.OnSnapshot == nil {
		return
	}
	snapshot := Snapshot{
		RunID:         e.cfg.RunID,
		State:         e.State(),
		CandleIndex:   e.candleIndex,
		LastTimestamp: e.lastTS,
		Equity:        e.equity(),
		RealizedPnL:   e.deps.Tracker.TotalRealizedPnL(),
		UnrealizedPnL: e.deps.Tracker.TotalUnrealizedPnL(),
		OpenPositions: e.deps.Tracker.All(),
		ClosedTrades:  len(e.deps.Tracker.Trades()),
	}
	if agg := e.aggregator(); agg != nil {
		snapshot.Summary = agg.Summary()
	}
	e.deps.OnSnapshot(snapshot)
}

func (e *Engine) aggregator() *Aggregator {
	return e.deps.Aggregator
}

func (e *Engine) record(fn func(*metrics.Recorder)) {
	if e.deps.Recorder != nil {
		fn(e.deps.Recorder)
	}
}

func (e *Engine) alert(ctx context.Context, severity alerting.Severity, message string, fields ...any) {
	if e.deps.Alerter == nil {
		return
	}
	if err := e.deps.Alerter.Alert(ctx, severity, message, fields...); err != nil {
		e.logger.Warn("alert failed", "err", err)
	}
}

func (e *Engine) appendAudit(ctx context.Context, event audit.Event) {
	if err := e.deps.Audit.Append(ctx, event); err != nil {
		e.logger.Error("audit sink write failed", "event_type", event.Type, "err", err)
	}
}
