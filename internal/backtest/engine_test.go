package backtest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/backtester/internal/audit"
	"github.com/quantfold/backtester/internal/execution"
	"github.com/quantfold/backtester/internal/observer"
	"github.com/quantfold/backtester/internal/position"
	"github.com/quantfold/backtester/internal/risk"
	"github.com/quantfold/backtester/internal/types"
)

var runStart = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func testCandle(i int, open, high, low, close string) types.Candle {
	return types.Candle{
		Symbol:    "BTCUSDT",
		Timeframe: "5m",
		Timestamp: runStart.Add(time.Duration(i) * 5 * time.Minute),
		Open:      d(open),
		High:      d(high),
		Low:       d(low),
		Close:     d(close),
		Volume:    1000,
	}
}

// scriptedGenerator emits a fixed signal on selected candle numbers.
type scriptedGenerator struct {
	calls   int
	signals map[int]types.Signal
}

func (g *scriptedGenerator) OnCandle(_ context.Context, _ types.Candle, _ []types.Candle) (*types.Signal, error) {
	g.calls++
	if sig, ok := g.signals[g.calls]; ok {
		return &sig, nil
	}
	return nil, nil
}

func (g *scriptedGenerator) Name() string { return "scripted" }
func (g *scriptedGenerator) Reset()       { g.calls = 0 }

type testEngine struct {
	engine  *Engine
	agg     *Aggregator
	tracker *position.Tracker
	sink    *audit.MemorySink
}

func newTestEngine(t *testing.T, candles []types.Candle, signals map[int]types.Signal, mutate func(*Config)) testEngine {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	instruments := []types.Instrument{{Symbol: "BTCUSDT", TickSize: d("0.01")}}

	cfg := DefaultConfig()
	cfg.RunID = "test-run"
	cfg.Symbol = "BTCUSDT"
	cfg.EmitInterval = 0
	if mutate != nil {
		mutate(&cfg)
	}

	sink := audit.NewMemorySink()
	agg := NewAggregator(cfg.InitialEquity)
	tracker := position.NewTracker(instruments, logger)

	// All risk limits off: these tests exercise the replay loop, not the
	// checks.
	riskMgr := risk.NewManager(risk.Config{}, cfg.RunID, cfg.InitialEquity, sink, logger)

	engine, err := NewEngine(cfg, Deps{
		Source:     observer.NewMemorySource(candles),
		Generator:  &scriptedGenerator{signals: signals},
		Risk:       riskMgr,
		Sizer:      risk.NewPositionSizer(d("0.001")),
		Tracker:    tracker,
		Simulator:  execution.NewSimulator(execution.Config{}, instruments, logger),
		Aggregator: agg,
		Audit:      sink,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return testEngine{engine: engine, agg: agg, tracker: tracker, sink: sink}
}

func longSignal() types.Signal {
	return types.Signal{
		ID:          "sig-1",
		Symbol:      "BTCUSDT",
		Direction:   types.SideLong,
		StopLoss:    d("95"),
		TakeProfits: []decimal.Decimal{d("105"), d("110")},
		Source:      "scripted",
	}
}

func TestEngine_CompletesFullTrade(t *testing.T) {
	candles := []types.Candle{
		testCandle(0, "100", "101", "99", "100"),
		testCandle(1, "100", "101", "99", "100"),
		testCandle(2, "100", "101", "99", "100"), // signal here
		testCandle(3, "100", "101", "99", "100"), // entry fills at open
		testCandle(4, "101", "106", "100", "105"), // TP1 at 105
		testCandle(5, "105", "111", "104", "110"), // TP2 closes the rest
		testCandle(6, "108", "109", "107", "108"),
	}
	te := newTestEngine(t, candles, map[int]types.Signal{3: longSignal()}, nil)

	if err := te.engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if te.engine.State() != StateCompleted {
		t.Fatalf("State = %s, want COMPLETED", te.engine.State())
	}

	// 1% of 10000 risked over a 5-point stop distance: 20 units. Half out
	// at 105 (+50), half at 110 (+100), no fees.
	s := te.agg.Summary()
	if s.TradeCount != 1 || s.WinCount != 1 {
		t.Fatalf("trades = %d wins = %d, want 1/1", s.TradeCount, s.WinCount)
	}
	if !s.FinalEquity.Equal(d("10150")) {
		t.Errorf("FinalEquity = %s, want 10150", s.FinalEquity)
	}
	if te.tracker.OpenCount() != 0 {
		t.Error("no position should remain open")
	}
	if got := te.sink.ByType(audit.EventTradeClosed); len(got) != 1 {
		t.Errorf("trade-closed audit events = %d, want 1", len(got))
	}
}

func TestEngine_StopLossRoundTrip(t *testing.T) {
	candles := []types.Candle{
		testCandle(0, "100", "101", "99", "100"), // signal here
		testCandle(1, "100", "101", "99", "100"), // entry fills at open
		testCandle(2, "98", "99", "94", "95"),    // stop at 95 fires
		testCandle(3, "95", "96", "94", "95"),
	}
	te := newTestEngine(t, candles, map[int]types.Signal{1: longSignal()}, nil)

	if err := te.engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// 20 units, entry 100, stopped out at 95: -100.
	s := te.agg.Summary()
	if s.TradeCount != 1 || s.LossCount != 1 {
		t.Fatalf("trades = %d losses = %d, want 1/1", s.TradeCount, s.LossCount)
	}
	if !s.FinalEquity.Equal(d("9900")) {
		t.Errorf("FinalEquity = %s, want 9900", s.FinalEquity)
	}
}

func TestEngine_NoSignalsCompletesFlat(t *testing.T) {
	candles := []types.Candle{
		testCandle(0, "100", "101", "99", "100"),
		testCandle(1, "100", "102", "99", "101"),
		testCandle(2, "101", "103", "100", "102"),
	}
	te := newTestEngine(t, candles, nil, nil)

	if err := te.engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if te.engine.State() != StateCompleted {
		t.Errorf("State = %s, want COMPLETED", te.engine.State())
	}

	s := te.agg.Summary()
	if s.TradeCount != 0 {
		t.Errorf("TradeCount = %d, want 0", s.TradeCount)
	}
	if !s.FinalEquity.Equal(d("10000")) {
		t.Errorf("FinalEquity = %s, want untouched 10000", s.FinalEquity)
	}
}

func TestEngine_FailsWhenErrorBudgetSpent(t *testing.T) {
	// Second candle repeats the first timestamp; with a zero retry threshold
	// the first bad candle fails the run.
	candles := []types.Candle{
		testCandle(0, "100", "101", "99", "100"),
		testCandle(0, "100", "101", "99", "100"),
	}
	te := newTestEngine(t, candles, nil, nil)

	err := te.engine.Run(context.Background())
	if !errors.Is(err, types.ErrInvalidCandle) {
		t.Fatalf("Run = %v, want ErrInvalidCandle", err)
	}
	if te.engine.State() != StateFailed {
		t.Errorf("State = %s, want FAILED", te.engine.State())
	}
}

func TestEngine_RetryThresholdToleratesErrors(t *testing.T) {
	candles := []types.Candle{
		testCandle(0, "100", "101", "99", "100"),
		testCandle(0, "100", "101", "99", "100"), // duplicate, tolerated
		testCandle(1, "100", "101", "99", "100"),
	}
	te := newTestEngine(t, candles, nil, func(c *Config) { c.RetryThreshold = 1 })

	if err := te.engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if te.engine.State() != StateCompleted {
		t.Errorf("State = %s, want COMPLETED despite one bad candle", te.engine.State())
	}
}

func TestEngine_SnapshotEmission(t *testing.T) {
	candles := []types.Candle{
		testCandle(0, "100", "101", "99", "100"),
		testCandle(1, "100", "101", "99", "100"),
		testCandle(2, "100", "101", "99", "100"),
		testCandle(3, "100", "101", "99", "100"),
	}
	te := newTestEngine(t, candles, nil, func(c *Config) { c.EmitInterval = 2 })

	var snapshots []Snapshot
	te.engine.deps.OnSnapshot = func(s Snapshot) { snapshots = append(snapshots, s) }

	if err := te.engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Candles 2 and 4, plus the terminal snapshot.
	if len(snapshots) != 3 {
		t.Fatalf("snapshots = %d, want 3", len(snapshots))
	}
	last := snapshots[len(snapshots)-1]
	if last.State != StateCompleted {
		t.Errorf("terminal snapshot state = %s, want COMPLETED", last.State)
	}
	if last.CandleIndex != 4 {
		t.Errorf("terminal snapshot candle index = %d, want 4", last.CandleIndex)
	}
	if last.RunID != "test-run" {
		t.Errorf("RunID = %s, want test-run", last.RunID)
	}
}

func TestEngine_DeterministicReplay(t *testing.T) {
	candles := []types.Candle{
		testCandle(0, "100", "101", "99", "100"),
		testCandle(1, "100", "101", "99", "100"),
		testCandle(2, "100", "101", "99", "100"),
		testCandle(3, "101", "106", "100", "105"),
		testCandle(4, "105", "111", "104", "110"),
		testCandle(5, "108", "109", "107", "108"),
	}
	signals := map[int]types.Signal{2: longSignal()}

	run := func() Summary {
		te := newTestEngine(t, candles, signals, nil)
		if err := te.engine.Run(context.Background()); err != nil {
			t.Fatalf("Run: %v", err)
		}
		return te.agg.Summary()
	}

	first := run()
	second := run()
	if !first.FinalEquity.Equal(second.FinalEquity) {
		t.Errorf("replays diverged: %s vs %s", first.FinalEquity, second.FinalEquity)
	}
	if first.TradeCount != second.TradeCount {
		t.Errorf("trade counts diverged: %d vs %d", first.TradeCount, second.TradeCount)
	}
}

func TestEngine_ControlBeforeStart(t *testing.T) {
	te := newTestEngine(t, nil, nil, nil)

	if err := te.engine.Pause(); !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("Pause on idle = %v, want ErrInvalidTransition", err)
	}
	if err := te.engine.Stop(); !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("Stop on idle = %v, want ErrInvalidTransition", err)
	}
}

func TestEngine_CannotRunTwice(t *testing.T) {
	candles := []types.Candle{testCandle(0, "100", "101", "99", "100")}
	te := newTestEngine(t, candles, nil, nil)

	if err := te.engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := te.engine.Run(context.Background()); !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("second Run = %v, want ErrInvalidTransition", err)
	}
}

func TestEngine_StopFinalizesOpenPositions(t *testing.T) {
	// Buffered so no send can block once the engine has consumed the stop.
	ch := make(chan types.Candle, 4)
	te := newTestEngine(t, nil, map[int]types.Signal{1: longSignal()}, nil)
	te.engine.deps.Source = &chanSource{ch: ch}

	done := make(chan error, 1)
	go func() { done <- te.engine.Run(context.Background()) }()

	ch <- testCandle(0, "100", "101", "99", "100") // signal
	ch <- testCandle(1, "100", "101", "99", "100") // entry fills, position open
	ch <- testCandle(2, "102", "103", "101", "102")

	// Stop only after candle 2 has marked the open position, so the forced
	// close always prices at 102.
	waitFor(t, "position marked to 102", func() bool {
		return te.tracker.TotalUnrealizedPnL().Equal(d("40"))
	})
	if err := te.engine.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// The stop takes effect at the top of the next iteration; a nudge candle
	// with the same close lets the loop come around without moving the mark.
	ch <- testCandle(3, "102", "103", "101", "102")

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if te.engine.State() != StateStopped {
		t.Fatalf("State = %s, want STOPPED", te.engine.State())
	}
	if te.tracker.OpenCount() != 0 {
		t.Error("open positions should be finalized on stop")
	}

	trades := te.agg.Trades()
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1 forced close", len(trades))
	}
	if trades[0].Status.Kind != types.TradeStopped {
		t.Errorf("Status = %v, want stopped", trades[0].Status.Kind)
	}
	// Marked to the last close: 20 units from 100 to 102.
	if !trades[0].NetPnL.Equal(d("40")) {
		t.Errorf("NetPnL = %s, want 40", trades[0].NetPnL)
	}
}

func TestRunState_Transitions(t *testing.T) {
	tests := []struct {
		from, to RunState
		want     bool
	}{
		{StateIdle, StateRunning, true},
		{StateIdle, StatePaused, false},
		{StateRunning, StatePaused, true},
		{StateRunning, StateCompleted, true},
		{StateRunning, StateStopped, true},
		{StateRunning, StateFailed, true},
		{StatePaused, StateRunning, true},
		{StatePaused, StateStopped, true},
		{StatePaused, StateCompleted, false},
		{StateCompleted, StateRunning, false},
		{StateStopped, StateRunning, false},
		{StateFailed, StateRunning, false},
	}
	for _, tt := range tests {
		if got := validTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("validTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}

	for _, s := range []RunState{StateCompleted, StateStopped, StateFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []RunState{StateIdle, StateRunning, StatePaused} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

// chanSource feeds candles from a caller-controlled channel.
type chanSource struct {
	ch chan types.Candle
}

func (c *chanSource) Subscribe(_ context.Context, _ string) (<-chan types.Candle, error) {
	return c.ch, nil
}
func (c *chanSource) Close() error { return nil }
func (c *chanSource) Name() string { return "chan" }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
