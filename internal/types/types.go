// Package types defines shared types used across the backtester.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of an order or position.
type Side int

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "LONG"
	case SideShort:
		return "SHORT"
	default:
		return "FLAT"
	}
}

// Opposite returns the opposite side.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideFlat
	}
}

// Sign returns +1 for long, -1 for short, 0 for flat.
func (s Side) Sign() int {
	switch s {
	case SideLong:
		return 1
	case SideShort:
		return -1
	default:
		return 0
	}
}

// SideOfQuantity derives the side from a signed quantity.
func SideOfQuantity(qty decimal.Decimal) Side {
	switch {
	case qty.IsPositive():
		return SideLong
	case qty.IsNegative():
		return SideShort
	default:
		return SideFlat
	}
}

// Candle is a single OHLCV bar. Immutable once produced.
type Candle struct {
	Symbol    string
	Timeframe string
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    int64
}

// Validate checks the candle for structural problems.
func (c Candle) Validate() error {
	if c.Timestamp.IsZero() {
		return fmt.Errorf("%w: zero timestamp", ErrInvalidCandle)
	}
	if c.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidCandle)
	}
	if !c.Open.IsPositive() || !c.High.IsPositive() || !c.Low.IsPositive() || !c.Close.IsPositive() {
		return fmt.Errorf("%w: non-positive price", ErrInvalidCandle)
	}
	if c.High.LessThan(c.Low) {
		return fmt.Errorf("%w: high %s below low %s", ErrInvalidCandle, c.High, c.Low)
	}
	if c.Open.GreaterThan(c.High) || c.Open.LessThan(c.Low) ||
		c.Close.GreaterThan(c.High) || c.Close.LessThan(c.Low) {
		return fmt.Errorf("%w: open/close outside [low,high]", ErrInvalidCandle)
	}
	return nil
}

// Contains reports whether price falls inside the candle's [low,high] range.
func (c Candle) Contains(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(c.Low) && price.LessThanOrEqual(c.High)
}

// Signal is an externally produced trading signal. Read-only input to the
// engine; the engine never mutates it.
type Signal struct {
	ID          string
	Timestamp   time.Time
	Symbol      string
	Direction   Side
	Entry       decimal.Decimal // suggested entry level; zero means "at market"
	StopLoss    decimal.Decimal
	TakeProfits []decimal.Decimal // ordered ladder, nearest level first
	Confidence  decimal.Decimal   // 0-1
	Reason      string
	Source      string
}

// Fill records a single execution against an order. Immutable, append-only;
// fills are the sole source of truth for position state.
type Fill struct {
	ID        string
	OrderID   string
	Symbol    string
	Side      Side
	Quantity  decimal.Decimal // always positive
	Price     decimal.Decimal
	Fee       decimal.Decimal
	Timestamp time.Time
	Reason    FillReason
}

// SignedQuantity returns the fill quantity signed by side.
func (f Fill) SignedQuantity() decimal.Decimal {
	if f.Side == SideShort {
		return f.Quantity.Neg()
	}
	return f.Quantity
}

// FillReason identifies what produced a fill.
type FillReason string

const (
	FillReasonEntry      FillReason = "entry"
	FillReasonStopLoss   FillReason = "stop_loss"
	FillReasonTakeProfit FillReason = "take_profit"
	FillReasonStopRun    FillReason = "run_stopped"
)

// TakeProfitLevel is one rung of a position's take-profit ladder. Fraction
// applies to the position's original size, and each level fires at most once.
type TakeProfitLevel struct {
	Price    decimal.Decimal
	Fraction decimal.Decimal
	Filled   bool
}

// Position is the live state derived from fills since the symbol was last
// flat. Quantity is signed: positive long, negative short.
type Position struct {
	ID               string
	Symbol           string
	Quantity         decimal.Decimal
	AvgEntryPrice    decimal.Decimal
	OriginalQuantity decimal.Decimal // absolute size at maximum extent
	StopLoss         decimal.Decimal
	TakeProfits      []TakeProfitLevel
	RealizedPnL      decimal.Decimal // realized by partial exits, net of fees
	UnrealizedPnL    decimal.Decimal
	Fees             decimal.Decimal
	MAE              decimal.Decimal // most negative unrealized P&L observed
	MFE              decimal.Decimal // most positive unrealized P&L observed
	OpenedAt         time.Time
	EntryOrderID     string
	SignalID         string
}

// Side derives the position direction from the signed quantity.
func (p Position) Side() Side {
	return SideOfQuantity(p.Quantity)
}

// Notional returns |quantity| * price.
func (p Position) Notional(price decimal.Decimal) decimal.Decimal {
	return p.Quantity.Abs().Mul(price)
}

// ClosedFraction returns how much of the original size has been exited.
func (p Position) ClosedFraction() decimal.Decimal {
	if p.OriginalQuantity.IsZero() {
		return decimal.Zero
	}
	closed := p.OriginalQuantity.Sub(p.Quantity.Abs())
	return closed.Div(p.OriginalQuantity)
}

// Trade aggregates one position's full lifecycle into a reportable record.
type Trade struct {
	ID         string
	PositionID string
	Symbol     string
	Side       Side
	Quantity   decimal.Decimal // original absolute size
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal // volume-weighted across exits
	EntryTime  time.Time
	ExitTime   time.Time
	GrossPnL   decimal.Decimal
	Fees       decimal.Decimal
	NetPnL     decimal.Decimal
	RMultiple  decimal.Decimal
	MAE        decimal.Decimal
	MFE        decimal.Decimal
	Status     TradeStatus
	SignalID   string
}

// Instrument holds per-symbol market conventions.
type Instrument struct {
	Symbol   string
	TickSize decimal.Decimal
}

// RoundToTick rounds a price to the nearest tick.
func (i Instrument) RoundToTick(price decimal.Decimal) decimal.Decimal {
	if i.TickSize.IsZero() {
		return price
	}
	return price.Div(i.TickSize).Round(0).Mul(i.TickSize)
}
