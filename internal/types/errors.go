package types

import "errors"

// Sentinel errors for the backtester, grouped by the failure taxonomy:
// validation errors are rejected at the boundary, risk rejections are
// recorded and replay continues, execution errors cancel the affected order,
// engine failures terminate the run.
var (
	// Validation errors (non-fatal, rejected at the boundary)
	ErrInvalidCandle = errors.New("invalid candle")
	ErrInvalidOrder  = errors.New("invalid order")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrInvalidSymbol = errors.New("invalid symbol")

	// Risk rejections (recorded, replay continues)
	ErrCircuitBreakerOpen    = errors.New("circuit breaker open")
	ErrDailyLossLimit        = errors.New("daily loss limit reached")
	ErrExposureLimitExceeded = errors.New("exposure limit exceeded")
	ErrOrderTooLarge         = errors.New("order size exceeds limit")
	ErrTooManyPositions      = errors.New("max open positions reached")
	ErrPriceOutOfRange       = errors.New("order price deviates from market")
	ErrRateLimitExceeded     = errors.New("order rate limit exceeded")

	// Execution errors (order cancelled and logged)
	ErrDegenerateCandle = errors.New("degenerate candle, cannot resolve fill")
	ErrDuplicateOrder   = errors.New("duplicate order id")
	ErrOrderNotFound    = errors.New("order not found")

	// Engine failures (fatal)
	ErrInvalidTransition = errors.New("invalid run state transition")
	ErrNotRunning        = errors.New("engine is not running")
)
