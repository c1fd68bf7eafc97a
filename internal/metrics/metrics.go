// Package metrics exposes Prometheus metrics for backtest runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CandlesTotal counts candles processed.
	CandlesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backtester",
		Name:      "candles_processed_total",
		Help:      "Total number of candles processed",
	}, []string{"symbol"})

	// SignalsTotal counts signals by generator and direction.
	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backtester",
		Name:      "signals_total",
		Help:      "Total number of signals generated",
	}, []string{"source", "direction"})

	// OrdersTotal counts orders by symbol and outcome.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backtester",
		Name:      "orders_total",
		Help:      "Total number of orders by status",
	}, []string{"symbol", "status"})

	// FillsTotal counts fills by symbol and reason.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backtester",
		Name:      "fills_total",
		Help:      "Total number of simulated fills",
	}, []string{"symbol", "reason"})

	// TradesTotal counts closed trades by outcome.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backtester",
		Name:      "trades_total",
		Help:      "Total number of closed trades",
	}, []string{"symbol", "outcome"})

	// EquityCurrent is the current session equity.
	EquityCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "backtester",
		Name:      "equity_current",
		Help:      "Current equity of the run",
	})

	// DrawdownMax is the largest drawdown observed so far.
	DrawdownMax = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "backtester",
		Name:      "drawdown_max",
		Help:      "Maximum absolute drawdown observed",
	})

	// RunState is 1 for the current run state, 0 for the rest.
	RunState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "backtester",
		Name:      "run_state",
		Help:      "Current run state (1 = active state)",
	}, []string{"state"})

	// ErrorsTotal counts errors by type.
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backtester",
		Name:      "errors_total",
		Help:      "Total number of errors",
	}, []string{"type"})
)

var runStates = []string{"IDLE", "RUNNING", "PAUSED", "COMPLETED", "STOPPED", "FAILED"}
