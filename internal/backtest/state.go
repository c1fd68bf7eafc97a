// Package backtest replays historical candles through the risk, execution,
// and position components and aggregates the results.
package backtest

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/backtester/internal/types"
)

// RunState is the lifecycle state of one backtest run.
type RunState int

const (
	StateIdle RunState = iota
	StateRunning
	StatePaused
	StateCompleted
	StateStopped
	StateFailed
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateCompleted:
		return "COMPLETED"
	case StateStopped:
		return "STOPPED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s RunState) Terminal() bool {
	switch s {
	case StateCompleted, StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

// validTransition enumerates the allowed state machine edges.
func validTransition(from, to RunState) bool {
	switch from {
	case StateIdle:
		return to == StateRunning
	case StateRunning:
		return to == StatePaused || to == StateCompleted || to == StateStopped || to == StateFailed
	case StatePaused:
		return to == StateRunning || to == StateStopped || to == StateFailed
	default:
		return false
	}
}

func transitionError(from, to RunState) error {
	return fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, from, to)
}

// Snapshot is a point-in-time view of a run, handed to the configured
// SnapshotFunc. All slices are copies; the receiver may retain them.
type Snapshot struct {
	RunID         string
	State         RunState
	CandleIndex   int
	LastTimestamp time.Time
	Equity        decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	OpenPositions []types.Position
	ClosedTrades  int
	Summary       Summary
}

// SnapshotFunc receives progress snapshots. It runs on the replay goroutine
// and must return promptly.
type SnapshotFunc func(Snapshot)
