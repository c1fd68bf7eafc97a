// Package strategy defines the signal generation boundary. Generators see
// candles and emit signals; sizing and risk belong elsewhere.
package strategy

import (
	"context"

	"github.com/quantfold/backtester/internal/types"
)

// Generator produces at most one signal per candle. The engine calls
// OnCandle exactly once per candle, in timestamp order, with a rolling
// window of prior candles (oldest first, not including the current one).
type Generator interface {
	// OnCandle inspects the candle and returns a signal or nil.
	OnCandle(ctx context.Context, candle types.Candle, history []types.Candle) (*types.Signal, error)

	// Name returns the generator identifier.
	Name() string

	// Reset clears all internal state.
	Reset()
}
