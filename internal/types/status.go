package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// TradeStatusKind enumerates the closed set of trade states.
type TradeStatusKind int

const (
	TradeOpen TradeStatusKind = iota
	TradePartiallyClosed
	TradeClosed
	TradeStopped
)

// TradeStatus is a tagged variant: the Kind selects which payload fields are
// meaningful. PartiallyClosed carries the filled fraction, Closed carries the
// exit reason.
type TradeStatus struct {
	Kind           TradeStatusKind
	FilledFraction decimal.Decimal
	ExitReason     FillReason
}

// StatusOpen returns an Open status.
func StatusOpen() TradeStatus {
	return TradeStatus{Kind: TradeOpen}
}

// StatusPartiallyClosed returns a PartiallyClosed status with the exited
// fraction of the original size.
func StatusPartiallyClosed(fraction decimal.Decimal) TradeStatus {
	return TradeStatus{Kind: TradePartiallyClosed, FilledFraction: fraction}
}

// StatusClosed returns a Closed status with the reason the position exited.
func StatusClosed(reason FillReason) TradeStatus {
	return TradeStatus{Kind: TradeClosed, ExitReason: reason}
}

// StatusStopped returns a Stopped status (run terminated with the position
// still open).
func StatusStopped() TradeStatus {
	return TradeStatus{Kind: TradeStopped}
}

// IsFinal reports whether the status is terminal for the trade.
func (s TradeStatus) IsFinal() bool {
	switch s.Kind {
	case TradeClosed, TradeStopped:
		return true
	case TradeOpen, TradePartiallyClosed:
		return false
	default:
		return false
	}
}

// PositionStatus derives the in-flight trade status for an open position:
// Open until an exit has realized part of the original size, then
// PartiallyClosed with the exited fraction.
func PositionStatus(p Position) TradeStatus {
	fraction := p.ClosedFraction()
	if fraction.IsPositive() {
		return StatusPartiallyClosed(fraction)
	}
	return StatusOpen()
}

func (s TradeStatus) String() string {
	switch s.Kind {
	case TradeOpen:
		return "OPEN"
	case TradePartiallyClosed:
		return fmt.Sprintf("PARTIALLY_CLOSED(%s)", s.FilledFraction.StringFixed(4))
	case TradeClosed:
		return fmt.Sprintf("CLOSED(%s)", s.ExitReason)
	case TradeStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}
