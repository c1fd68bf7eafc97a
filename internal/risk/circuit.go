// Package risk implements pre-trade order validation and the session risk
// state: daily P&L, consecutive losses, and the circuit breaker.
package risk

import (
	"fmt"
	"time"
)

// ResetMode controls when a tripped circuit breaker may close again.
type ResetMode int

const (
	// ResetDailyOrManual allows both the trading-day boundary and an
	// explicit reset call to close the breaker. Default.
	ResetDailyOrManual ResetMode = iota
	// ResetDaily closes the breaker only at the start of a new trading day.
	ResetDaily
	// ResetManual closes the breaker only on an explicit reset call.
	ResetManual
)

func (m ResetMode) String() string {
	switch m {
	case ResetDaily:
		return "daily"
	case ResetManual:
		return "manual"
	default:
		return "daily_or_manual"
	}
}

// ParseResetMode maps a config string to a ResetMode. The empty string
// means the daily-or-manual default.
func ParseResetMode(s string) (ResetMode, error) {
	switch s {
	case "daily":
		return ResetDaily, nil
	case "manual":
		return ResetManual, nil
	case "daily_or_manual", "":
		return ResetDailyOrManual, nil
	default:
		return ResetDailyOrManual, fmt.Errorf("unknown reset mode %q", s)
	}
}

// CircuitBreaker halts new orders after a run of losing trades or a burst of
// execution errors. Once tripped it rejects everything until reset per its
// ResetMode. Not safe for concurrent use; the owning Manager serializes
// access.
type CircuitBreaker struct {
	maxConsecutiveLosses int
	maxExecErrors        int
	errorLookback        time.Duration
	resetMode            ResetMode

	consecutiveLosses int
	execErrors        []time.Time
	tripped           bool
	trippedAt         time.Time
	reason            string
}

// NewCircuitBreaker creates a breaker. Zero thresholds disable the
// corresponding trigger.
func NewCircuitBreaker(maxConsecutiveLosses, maxExecErrors int, errorLookback time.Duration, mode ResetMode) *CircuitBreaker {
	if errorLookback <= 0 {
		errorLookback = time.Hour
	}
	return &CircuitBreaker{
		maxConsecutiveLosses: maxConsecutiveLosses,
		maxExecErrors:        maxExecErrors,
		errorLookback:        errorLookback,
		resetMode:            mode,
	}
}

// RecordOutcome updates the consecutive-loss counter with a trade result and
// trips the breaker when the threshold is reached.
func (cb *CircuitBreaker) RecordOutcome(losing bool, at time.Time) {
	if !losing {
		cb.consecutiveLosses = 0
		return
	}
	cb.consecutiveLosses++
	if cb.maxConsecutiveLosses > 0 && cb.consecutiveLosses >= cb.maxConsecutiveLosses {
		cb.trip("consecutive losses", at)
	}
}

// RecordExecutionError registers an execution failure and trips the breaker
// when enough errors land inside the lookback window.
func (cb *CircuitBreaker) RecordExecutionError(at time.Time) {
	cutoff := at.Add(-cb.errorLookback)
	kept := cb.execErrors[:0]
	for _, ts := range cb.execErrors {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	cb.execErrors = append(kept, at)

	if cb.maxExecErrors > 0 && len(cb.execErrors) >= cb.maxExecErrors {
		cb.trip("execution errors", at)
	}
}

// Tripped reports whether the breaker is open.
func (cb *CircuitBreaker) Tripped() bool {
	return cb.tripped
}

// Reason returns why the breaker tripped, empty when closed.
func (cb *CircuitBreaker) Reason() string {
	if !cb.tripped {
		return ""
	}
	return cb.reason
}

// ConsecutiveLosses returns the current losing streak length.
func (cb *CircuitBreaker) ConsecutiveLosses() int {
	return cb.consecutiveLosses
}

// OnNewDay closes the breaker at a trading-day boundary when the reset mode
// allows it. The loss streak and error window always restart with the day.
func (cb *CircuitBreaker) OnNewDay() {
	cb.consecutiveLosses = 0
	cb.execErrors = cb.execErrors[:0]

	switch cb.resetMode {
	case ResetDaily, ResetDailyOrManual:
		cb.tripped = false
		cb.reason = ""
	case ResetManual:
	}
}

// ManualReset closes the breaker on operator request. Returns false when the
// reset mode forbids manual resets.
func (cb *CircuitBreaker) ManualReset() bool {
	switch cb.resetMode {
	case ResetManual, ResetDailyOrManual:
		cb.tripped = false
		cb.reason = ""
		cb.consecutiveLosses = 0
		cb.execErrors = cb.execErrors[:0]
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) trip(reason string, at time.Time) {
	if cb.tripped {
		return
	}
	cb.tripped = true
	cb.trippedAt = at
	cb.reason = reason
}
