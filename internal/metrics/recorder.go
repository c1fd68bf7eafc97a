package metrics

import "github.com/shopspring/decimal"

// Recorder provides methods for recording run metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordCandle records one processed candle.
func (r *Recorder) RecordCandle(symbol string) {
	CandlesTotal.WithLabelValues(symbol).Inc()
}

// RecordSignal records a generated signal.
func (r *Recorder) RecordSignal(source, direction string) {
	SignalsTotal.WithLabelValues(source, direction).Inc()
}

// RecordOrder records an order outcome.
func (r *Recorder) RecordOrder(symbol, status string) {
	OrdersTotal.WithLabelValues(symbol, status).Inc()
}

// RecordFill records a simulated fill.
func (r *Recorder) RecordFill(symbol, reason string) {
	FillsTotal.WithLabelValues(symbol, reason).Inc()
}

// RecordTrade records a closed trade.
func (r *Recorder) RecordTrade(symbol string, winning bool) {
	outcome := "loss"
	if winning {
		outcome = "win"
	}
	TradesTotal.WithLabelValues(symbol, outcome).Inc()
}

// RecordEquity records equity and drawdown gauges.
func (r *Recorder) RecordEquity(equity, maxDrawdown decimal.Decimal) {
	EquityCurrent.Set(equity.InexactFloat64())
	DrawdownMax.Set(maxDrawdown.InexactFloat64())
}

// RecordRunState marks the given state active and clears the others.
func (r *Recorder) RecordRunState(state string) {
	for _, s := range runStates {
		if s == state {
			RunState.WithLabelValues(s).Set(1)
		} else {
			RunState.WithLabelValues(s).Set(0)
		}
	}
}

// RecordError records an error by type.
func (r *Recorder) RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}
