package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/quantfold/backtester/internal/audit"
	"github.com/quantfold/backtester/internal/types"
)

// Config holds the immutable risk limits for one session. Zero values
// disable the corresponding check.
type Config struct {
	MaxOrderValue        decimal.Decimal // absolute notional cap per order
	MaxOrderPctEquity    decimal.Decimal // e.g. 0.10 for 10% of equity
	MaxOpenPositions     int
	DailyLossLimit       decimal.Decimal // positive; rejected once daily P&L <= -limit
	MaxTotalExposurePct  decimal.Decimal // e.g. 1.0 for 100% of equity
	MaxPriceDeviationPct decimal.Decimal // e.g. 0.05: order price within 5% of market
	MaxOrdersPerWindow   int
	RateWindow           time.Duration
	MaxConsecutiveLosses int
	MaxExecutionErrors   int
	ErrorLookback        time.Duration
	BreakerReset         ResetMode
}

// DefaultConfig returns conservative limits.
func DefaultConfig() Config {
	return Config{
		MaxOrderPctEquity:    decimal.RequireFromString("0.10"),
		MaxOpenPositions:     5,
		DailyLossLimit:       decimal.RequireFromString("500"),
		MaxTotalExposurePct:  decimal.RequireFromString("1.0"),
		MaxPriceDeviationPct: decimal.RequireFromString("0.05"),
		MaxOrdersPerWindow:   10,
		RateWindow:           time.Minute,
		MaxConsecutiveLosses: 5,
		MaxExecutionErrors:   3,
		ErrorLookback:        time.Hour,
		BreakerReset:         ResetDailyOrManual,
	}
}

// Severity grades a risk decision.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "WARNING"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "INFO"
	}
}

// Decision is the outcome of a pre-trade check. A rejection never partially
// approves: the whole order is blocked.
type Decision struct {
	Approved bool
	Reason   string
	Severity Severity
	Err      error // sentinel identifying the failed check
}

func approved() Decision {
	return Decision{Approved: true, Reason: "approved"}
}

func rejected(err error, severity Severity, format string, args ...any) Decision {
	return Decision{
		Approved: false,
		Reason:   fmt.Sprintf(format, args...),
		Severity: severity,
		Err:      err,
	}
}

// Manager validates orders against the configured limits and maintains the
// session risk state. One Manager belongs to exactly one engine instance;
// the mutex only guards against snapshot readers.
type Manager struct {
	mu sync.Mutex

	cfg     Config
	runID   string
	equity  decimal.Decimal
	state   TradingState
	breaker *CircuitBreaker
	limiter *rate.Limiter
	clock   time.Time // candle clock; drives day rollover deterministically

	sink   audit.Sink
	logger *slog.Logger
}

// NewManager creates a manager with the given limits and starting equity.
func NewManager(cfg Config, runID string, initialEquity decimal.Decimal, sink audit.Sink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.NewLogSink(logger)
	}

	var limiter *rate.Limiter
	if cfg.MaxOrdersPerWindow > 0 && cfg.RateWindow > 0 {
		limiter = rate.NewLimiter(
			rate.Every(cfg.RateWindow/time.Duration(cfg.MaxOrdersPerWindow)),
			cfg.MaxOrdersPerWindow,
		)
	}

	return &Manager{
		cfg:     cfg,
		runID:   runID,
		equity:  initialEquity,
		breaker: NewCircuitBreaker(cfg.MaxConsecutiveLosses, cfg.MaxExecutionErrors, cfg.ErrorLookback, cfg.BreakerReset),
		limiter: limiter,
		sink:    sink,
		logger:  logger,
	}
}

// AdvanceClock moves the manager's trading clock to the candle timestamp.
// Crossing a UTC day boundary resets the daily P&L, the daily-loss latch,
// and (per reset mode) the circuit breaker.
func (m *Manager) AdvanceClock(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	day := tradingDay(t)
	if m.state.Day.IsZero() {
		m.state.Day = day
	} else if day.After(m.state.Day) {
		m.state.Day = day
		m.state.DailyRealizedPnL = decimal.Zero
		m.state.DailyLossLatched = false
		m.breaker.OnNewDay()
		m.logger.Info("trading day rollover", "day", day.Format("2006-01-02"))
	}
	m.clock = t
}

// CheckOrder runs the fail-fast pre-trade checks in order and returns the
// decision. Every decision, approved or not, is written to the audit sink;
// a sink failure is logged and never surfaces to the caller.
func (m *Manager) CheckOrder(order types.Order, open []types.Position, lastPrice decimal.Decimal) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.check(order, open, lastPrice)
	m.audit(order, d)

	if !d.Approved {
		m.logger.Info("order rejected",
			"order_id", order.ID,
			"symbol", order.Symbol,
			"reason", d.Reason,
			"severity", d.Severity,
		)
	}
	return d
}

func (m *Manager) check(order types.Order, open []types.Position, lastPrice decimal.Decimal) Decision {
	refPrice := order.ReferencePrice(lastPrice)
	notional := order.Notional(refPrice)

	// 1. Order size: absolute, then percent of equity.
	if !m.cfg.MaxOrderValue.IsZero() && notional.GreaterThan(m.cfg.MaxOrderValue) {
		return rejected(types.ErrOrderTooLarge, SeverityWarning,
			"order notional %s exceeds absolute limit %s", notional, m.cfg.MaxOrderValue)
	}
	if !m.cfg.MaxOrderPctEquity.IsZero() {
		limit := m.equity.Mul(m.cfg.MaxOrderPctEquity)
		if notional.GreaterThan(limit) {
			return rejected(types.ErrOrderTooLarge, SeverityWarning,
				"order notional %s exceeds %s%% of equity (%s)",
				notional, m.cfg.MaxOrderPctEquity.Mul(decimal.NewFromInt(100)), limit)
		}
	}

	// 2. Max open positions.
	if m.cfg.MaxOpenPositions > 0 && len(open) >= m.cfg.MaxOpenPositions {
		return rejected(types.ErrTooManyPositions, SeverityWarning,
			"%d positions open, limit %d", len(open), m.cfg.MaxOpenPositions)
	}

	// 3. Daily loss: realized + unrealized against the limit. Once breached
	// the latch holds until the trading-day boundary.
	if !m.cfg.DailyLossLimit.IsZero() {
		if m.state.DailyLossLatched {
			return rejected(types.ErrDailyLossLimit, SeverityCritical,
				"daily loss limit latched until next trading day")
		}
		if m.state.DailyTotalPnL().LessThanOrEqual(m.cfg.DailyLossLimit.Neg()) {
			m.state.DailyLossLatched = true
			return rejected(types.ErrDailyLossLimit, SeverityCritical,
				"daily P&L %s breaches limit -%s", m.state.DailyTotalPnL(), m.cfg.DailyLossLimit)
		}
	}

	// 4. Total exposure including this order.
	if !m.cfg.MaxTotalExposurePct.IsZero() {
		exposure := notional
		for _, pos := range open {
			exposure = exposure.Add(pos.Notional(lastPrice))
		}
		limit := m.equity.Mul(m.cfg.MaxTotalExposurePct)
		if exposure.GreaterThan(limit) {
			return rejected(types.ErrExposureLimitExceeded, SeverityWarning,
				"total exposure %s exceeds limit %s", exposure, limit)
		}
	}

	// 5. Price sanity against the last known market price.
	if !m.cfg.MaxPriceDeviationPct.IsZero() && !lastPrice.IsZero() {
		deviation := refPrice.Sub(lastPrice).Abs().Div(lastPrice)
		if deviation.GreaterThan(m.cfg.MaxPriceDeviationPct) {
			return rejected(types.ErrPriceOutOfRange, SeverityCritical,
				"price %s deviates %s%% from market %s",
				refPrice, deviation.Mul(decimal.NewFromInt(100)).StringFixed(2), lastPrice)
		}
	}

	// 6. Order rate limit, driven by the candle clock so replays stay
	// deterministic.
	if m.limiter != nil && !m.limiter.AllowN(m.clock, 1) {
		return rejected(types.ErrRateLimitExceeded, SeverityWarning,
			"more than %d orders within %s", m.cfg.MaxOrdersPerWindow, m.cfg.RateWindow)
	}

	// 7. Circuit breaker.
	if m.breaker.Tripped() {
		return rejected(types.ErrCircuitBreakerOpen, SeverityCritical,
			"circuit breaker open: %s", m.breaker.Reason())
	}

	return approved()
}

// RecordTradeOutcome feeds a realized trade P&L into the daily counters and
// the circuit breaker.
func (m *Manager) RecordTradeOutcome(pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.DailyRealizedPnL = m.state.DailyRealizedPnL.Add(pnl)

	losing := pnl.IsNegative()
	wasTripped := m.breaker.Tripped()
	m.breaker.RecordOutcome(losing, m.clock)
	m.state.ConsecutiveLosses = m.breaker.ConsecutiveLosses()

	if m.breaker.Tripped() && !wasTripped {
		m.onBreakerTrip()
	}
}

// RecordExecutionError feeds an execution failure into the circuit breaker.
func (m *Manager) RecordExecutionError() {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasTripped := m.breaker.Tripped()
	m.breaker.RecordExecutionError(m.clock)
	if m.breaker.Tripped() && !wasTripped {
		m.onBreakerTrip()
	}
}

// UpdateEquity sets the current session equity used by percent-based limits.
func (m *Manager) UpdateEquity(equity decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = equity
}

// UpdateUnrealized sets the open unrealized P&L counted against the daily
// loss limit.
func (m *Manager) UpdateUnrealized(pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.UnrealizedPnL = pnl
}

// ResetBreaker manually closes the circuit breaker. Returns false when the
// configured reset mode forbids manual resets.
func (m *Manager) ResetBreaker() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ok := m.breaker.ManualReset()
	if ok {
		m.logger.Warn("circuit breaker manually reset")
	}
	return ok
}

// BreakerTripped reports the breaker state.
func (m *Manager) BreakerTripped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breaker.Tripped()
}

// State returns a copy of the mutable session counters.
func (m *Manager) State() TradingState {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state
	s.BreakerTripped = m.breaker.Tripped()
	return s
}

func (m *Manager) onBreakerTrip() {
	m.logger.Error("circuit breaker tripped",
		"reason", m.breaker.Reason(),
		"consecutive_losses", m.breaker.ConsecutiveLosses(),
	)
	m.appendAudit(audit.Event{
		ID:        uuid.New().String(),
		RunID:     m.runID,
		Timestamp: m.clock,
		Type:      audit.EventBreakerTripped,
		Reason:    m.breaker.Reason(),
	})
}

func (m *Manager) audit(order types.Order, d Decision) {
	eventType := audit.EventOrderApproved
	if !d.Approved {
		eventType = audit.EventOrderRejected
	}
	m.appendAudit(audit.Event{
		ID:        uuid.New().String(),
		RunID:     m.runID,
		Timestamp: m.clock,
		Type:      eventType,
		Symbol:    order.Symbol,
		OrderID:   order.ID,
		Reason:    d.Reason,
		Details: map[string]any{
			"side":     order.Side.String(),
			"type":     order.Type.String(),
			"quantity": order.Quantity.String(),
			"severity": d.Severity.String(),
		},
	})
}

// appendAudit writes to the sink; a failed write is itself logged and never
// thrown past the engine.
func (m *Manager) appendAudit(event audit.Event) {
	if err := m.sink.Append(context.Background(), event); err != nil {
		m.logger.Error("audit sink write failed",
			"event_type", event.Type,
			"order_id", event.OrderID,
			"err", err,
		)
	}
}
