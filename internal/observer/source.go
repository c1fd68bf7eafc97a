// Package observer supplies candle streams to the replay engine.
package observer

import (
	"context"

	"github.com/quantfold/backtester/internal/types"
)

// Source produces candles for one symbol in timestamp order.
type Source interface {
	// Subscribe starts streaming candles. The channel closes when the data
	// is exhausted or the context is cancelled.
	Subscribe(ctx context.Context, symbol string) (<-chan types.Candle, error)

	// Close releases resources.
	Close() error

	// Name returns the source identifier.
	Name() string
}
