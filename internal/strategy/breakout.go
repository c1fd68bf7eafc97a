package strategy

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantfold/backtester/internal/types"
	"github.com/quantfold/backtester/pkg/indicator"
)

// BreakoutConfig holds parameters for the breakout generator.
type BreakoutConfig struct {
	LookbackBars  int               // bars defining the range
	ATRPeriod     int               // ATR window for stop placement
	ATRMultiplier decimal.Decimal   // stop distance in ATRs
	TargetRs      []decimal.Decimal // TP ladder in R multiples, nearest first
}

// DefaultBreakoutConfig returns the defaults used by the CLI.
func DefaultBreakoutConfig() BreakoutConfig {
	return BreakoutConfig{
		LookbackBars:  20,
		ATRPeriod:     14,
		ATRMultiplier: decimal.RequireFromString("2"),
		TargetRs: []decimal.Decimal{
			decimal.RequireFromString("1"),
			decimal.RequireFromString("2"),
		},
	}
}

// Breakout signals long when the close exceeds the highest high of the
// lookback range and short when it breaks the lowest low. At most one
// signal per range in each direction.
type Breakout struct {
	cfg BreakoutConfig
	atr *indicator.ATR

	signalledLong  bool
	signalledShort bool
	lastRangeHigh  decimal.Decimal
	lastRangeLow   decimal.Decimal
}

// NewBreakout creates a breakout generator.
func NewBreakout(cfg BreakoutConfig) *Breakout {
	if cfg.LookbackBars < 2 {
		cfg.LookbackBars = 2
	}
	return &Breakout{
		cfg: cfg,
		atr: indicator.NewATR(cfg.ATRPeriod),
	}
}

// OnCandle evaluates one candle against the prior range.
func (b *Breakout) OnCandle(_ context.Context, candle types.Candle, history []types.Candle) (*types.Signal, error) {
	atr := b.atr.Update(candle.High, candle.Low, candle.Close)

	if len(history) < b.cfg.LookbackBars || !b.atr.Ready() {
		return nil, nil
	}

	window := history[len(history)-b.cfg.LookbackBars:]
	rangeHigh := window[0].High
	rangeLow := window[0].Low
	for _, c := range window[1:] {
		if c.High.GreaterThan(rangeHigh) {
			rangeHigh = c.High
		}
		if c.Low.LessThan(rangeLow) {
			rangeLow = c.Low
		}
	}

	// A new range re-arms both directions.
	if !rangeHigh.Equal(b.lastRangeHigh) || !rangeLow.Equal(b.lastRangeLow) {
		b.signalledLong = false
		b.signalledShort = false
		b.lastRangeHigh = rangeHigh
		b.lastRangeLow = rangeLow
	}

	stopDistance := atr.Mul(b.cfg.ATRMultiplier)
	if !stopDistance.IsPositive() {
		return nil, nil
	}

	if candle.Close.GreaterThan(rangeHigh) && !b.signalledLong {
		b.signalledLong = true
		return b.signal(candle, types.SideLong, stopDistance,
			fmt.Sprintf("close %s above range high %s", candle.Close, rangeHigh)), nil
	}
	if candle.Close.LessThan(rangeLow) && !b.signalledShort {
		b.signalledShort = true
		return b.signal(candle, types.SideShort, stopDistance,
			fmt.Sprintf("close %s below range low %s", candle.Close, rangeLow)), nil
	}

	return nil, nil
}

func (b *Breakout) signal(candle types.Candle, side types.Side, stopDistance decimal.Decimal, reason string) *types.Signal {
	entry := candle.Close
	var stop decimal.Decimal
	if side == types.SideLong {
		stop = entry.Sub(stopDistance)
	} else {
		stop = entry.Add(stopDistance)
	}

	targets := make([]decimal.Decimal, 0, len(b.cfg.TargetRs))
	for _, r := range b.cfg.TargetRs {
		offset := stopDistance.Mul(r)
		if side == types.SideLong {
			targets = append(targets, entry.Add(offset))
		} else {
			targets = append(targets, entry.Sub(offset))
		}
	}

	return &types.Signal{
		ID:          uuid.New().String(),
		Timestamp:   candle.Timestamp,
		Symbol:      candle.Symbol,
		Direction:   side,
		StopLoss:    stop,
		TakeProfits: targets,
		Confidence:  decimal.RequireFromString("0.5"),
		Reason:      reason,
		Source:      b.Name(),
	}
}

// Name returns the generator identifier.
func (b *Breakout) Name() string {
	return "breakout"
}

// Reset clears all state.
func (b *Breakout) Reset() {
	b.atr.Reset()
	b.signalledLong = false
	b.signalledShort = false
	b.lastRangeHigh = decimal.Zero
	b.lastRangeLow = decimal.Zero
}
