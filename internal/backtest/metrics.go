package backtest

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/backtester/internal/types"
)

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	Timestamp time.Time
	Equity    decimal.Decimal
}

// Summary is the aggregate result of a run. Every ratio is zero when its
// denominator is zero.
type Summary struct {
	InitialEquity  decimal.Decimal
	FinalEquity    decimal.Decimal
	NetPnL         decimal.Decimal
	TotalFees      decimal.Decimal
	TradeCount     int
	WinCount       int
	LossCount      int
	WinRate        decimal.Decimal
	ProfitFactor   decimal.Decimal
	Expectancy     decimal.Decimal
	AverageWin     decimal.Decimal
	AverageLoss    decimal.Decimal
	MaxDrawdown    decimal.Decimal // absolute, from the running peak
	MaxDrawdownPct decimal.Decimal
	SharpeRatio    decimal.Decimal
	SortinoRatio   decimal.Decimal
}

// Aggregator accumulates the equity curve and closed-trade statistics as a
// run progresses. The curve is append-only; nothing is ever revised.
type Aggregator struct {
	mu sync.Mutex

	initialEquity decimal.Decimal
	curve         []EquityPoint
	peak          decimal.Decimal
	maxDD         decimal.Decimal
	maxDDPct      decimal.Decimal

	trades      []types.Trade
	winCount    int
	lossCount   int
	grossProfit decimal.Decimal
	grossLoss   decimal.Decimal
	totalFees   decimal.Decimal
}

// NewAggregator creates an aggregator seeded with the starting equity.
func NewAggregator(initialEquity decimal.Decimal) *Aggregator {
	return &Aggregator{
		initialEquity: initialEquity,
		peak:          initialEquity,
	}
}

// OnEquity appends one equity sample and advances the running peak and
// maximum drawdown.
func (a *Aggregator) OnEquity(timestamp time.Time, equity decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.curve = append(a.curve, EquityPoint{Timestamp: timestamp, Equity: equity})

	if equity.GreaterThan(a.peak) {
		a.peak = equity
	}
	dd := a.peak.Sub(equity)
	if dd.GreaterThan(a.maxDD) {
		a.maxDD = dd
		if a.peak.IsPositive() {
			a.maxDDPct = dd.Div(a.peak)
		}
	}
}

// OnTrade records one closed trade.
func (a *Aggregator) OnTrade(trade types.Trade) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.trades = append(a.trades, trade)
	a.totalFees = a.totalFees.Add(trade.Fees)

	switch {
	case trade.NetPnL.IsPositive():
		a.winCount++
		a.grossProfit = a.grossProfit.Add(trade.NetPnL)
	case trade.NetPnL.IsNegative():
		a.lossCount++
		a.grossLoss = a.grossLoss.Add(trade.NetPnL.Abs())
	default:
		// Break-even trades count toward the total only.
	}
}

// EquityCurve returns a copy of the curve recorded so far.
func (a *Aggregator) EquityCurve() []EquityPoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]EquityPoint, len(a.curve))
	copy(out, a.curve)
	return out
}

// Trades returns a copy of the recorded trades.
func (a *Aggregator) Trades() []types.Trade {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.Trade, len(a.trades))
	copy(out, a.trades)
	return out
}

// MaxDrawdown returns the largest peak-to-trough equity decline in absolute
// terms.
func (a *Aggregator) MaxDrawdown() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxDD
}

// Summary computes the full aggregate over everything recorded so far.
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Summary{
		InitialEquity:  a.initialEquity,
		FinalEquity:    a.initialEquity,
		TotalFees:      a.totalFees,
		TradeCount:     len(a.trades),
		WinCount:       a.winCount,
		LossCount:      a.lossCount,
		MaxDrawdown:    a.maxDD,
		MaxDrawdownPct: a.maxDDPct,
	}
	if len(a.curve) > 0 {
		s.FinalEquity = a.curve[len(a.curve)-1].Equity
	}
	s.NetPnL = s.FinalEquity.Sub(s.InitialEquity)

	if s.TradeCount > 0 {
		s.WinRate = decimal.NewFromInt(int64(a.winCount)).Div(decimal.NewFromInt(int64(s.TradeCount)))
	}
	if !a.grossLoss.IsZero() {
		s.ProfitFactor = a.grossProfit.Div(a.grossLoss)
	}
	if a.winCount > 0 {
		s.AverageWin = a.grossProfit.Div(decimal.NewFromInt(int64(a.winCount)))
	}
	if a.lossCount > 0 {
		s.AverageLoss = a.grossLoss.Neg().Div(decimal.NewFromInt(int64(a.lossCount)))
	}

	// Expectancy = win_rate * avg_win + (1 - win_rate) * avg_loss
	one := decimal.NewFromInt(1)
	s.Expectancy = s.WinRate.Mul(s.AverageWin).Add(one.Sub(s.WinRate).Mul(s.AverageLoss))

	returns := curveReturns(a.curve)
	s.SharpeRatio = sharpe(returns)
	s.SortinoRatio = sortino(returns)

	return s
}

var sqrt252 = decimal.NewFromFloat(math.Sqrt(252))

// sharpe annualizes mean excess return over return volatility, assuming a
// zero risk-free rate and 252 periods per year.
func sharpe(returns []decimal.Decimal) decimal.Decimal {
	if len(returns) < 2 {
		return decimal.Zero
	}
	stdDev := standardDeviation(returns)
	if stdDev.IsZero() {
		return decimal.Zero
	}
	return mean(returns).Div(stdDev).Mul(sqrt252)
}

// sortino is sharpe with downside deviation in the denominator.
func sortino(returns []decimal.Decimal) decimal.Decimal {
	if len(returns) < 2 {
		return decimal.Zero
	}
	downside := downsideDeviation(returns)
	if downside.IsZero() {
		return decimal.Zero
	}
	return mean(returns).Div(downside).Mul(sqrt252)
}

func curveReturns(curve []EquityPoint) []decimal.Decimal {
	if len(curve) < 2 {
		return nil
	}
	returns := make([]decimal.Decimal, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev.IsZero() {
			continue
		}
		returns = append(returns, curve[i].Equity.Sub(prev).Div(prev))
	}
	return returns
}

func mean(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(values))))
}

func standardDeviation(values []decimal.Decimal) decimal.Decimal {
	if len(values) < 2 {
		return decimal.Zero
	}
	m := mean(values)
	sumSquares := decimal.Zero
	for _, v := range values {
		diff := v.Sub(m)
		sumSquares = sumSquares.Add(diff.Mul(diff))
	}
	variance := sumSquares.Div(decimal.NewFromInt(int64(len(values) - 1)))
	f := variance.InexactFloat64()
	if f <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(math.Sqrt(f))
}

func downsideDeviation(returns []decimal.Decimal) decimal.Decimal {
	var negative []decimal.Decimal
	for _, r := range returns {
		if r.IsNegative() {
			negative = append(negative, r)
		}
	}
	if len(negative) < 2 {
		return decimal.Zero
	}
	return standardDeviation(negative)
}
