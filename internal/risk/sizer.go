package risk

import (
	"github.com/shopspring/decimal"

	"github.com/quantfold/backtester/internal/types"
)

// PositionSizer converts a risk budget into an order quantity.
type PositionSizer struct {
	quantityStep decimal.Decimal // smallest tradable increment, e.g. 0.001
}

// NewPositionSizer creates a sizer that rounds quantities down to the given
// step. A zero step means no rounding.
func NewPositionSizer(quantityStep decimal.Decimal) *PositionSizer {
	return &PositionSizer{quantityStep: quantityStep}
}

// SizeResult carries the outcome of a sizing calculation.
type SizeResult struct {
	Quantity     decimal.Decimal // unsigned quantity to order
	RiskAmount   decimal.Decimal // equity actually at risk if the stop fires
	Valid        bool
	RejectReason string
}

// Calculate sizes a position so a stop-out loses at most riskPerTradePct of
// equity.
//
// Formula:
//
//	capital_at_risk = equity * riskPerTradePct
//	quantity = capital_at_risk / |entry - stop|
//
// The quantity is rounded down to the sizer's step; a result below one step
// is rejected.
func (p *PositionSizer) Calculate(
	equity decimal.Decimal,
	riskPerTradePct decimal.Decimal,
	entry decimal.Decimal,
	stop decimal.Decimal,
) SizeResult {
	result := SizeResult{}

	if equity.LessThanOrEqual(decimal.Zero) {
		result.RejectReason = "equity must be positive"
		return result
	}
	if riskPerTradePct.LessThanOrEqual(decimal.Zero) {
		result.RejectReason = "risk per trade must be positive"
		return result
	}
	if riskPerTradePct.GreaterThan(decimal.RequireFromString("0.1")) {
		result.RejectReason = "risk per trade exceeds 10% maximum"
		return result
	}

	stopDistance := entry.Sub(stop).Abs()
	if stopDistance.IsZero() {
		result.RejectReason = "stop distance must be non-zero"
		return result
	}

	capitalAtRisk := equity.Mul(riskPerTradePct)
	quantity := capitalAtRisk.Div(stopDistance)
	quantity = p.roundDown(quantity)

	if quantity.LessThanOrEqual(decimal.Zero) {
		result.RejectReason = "calculated quantity rounds to zero"
		return result
	}

	result.Quantity = quantity
	result.RiskAmount = quantity.Mul(stopDistance)
	result.Valid = true
	return result
}

// MaxQuantity caps a quantity so the order's notional stays within
// maxExposurePct of equity at the given price.
func (p *PositionSizer) MaxQuantity(
	equity decimal.Decimal,
	maxExposurePct decimal.Decimal,
	price decimal.Decimal,
) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	maxNotional := equity.Mul(maxExposurePct)
	return p.roundDown(maxNotional.Div(price))
}

// SizeOrder runs Calculate and applies the exposure cap in one step, keyed
// to the signal's entry and stop.
func (p *PositionSizer) SizeOrder(
	equity decimal.Decimal,
	riskPerTradePct decimal.Decimal,
	maxExposurePct decimal.Decimal,
	signal types.Signal,
) SizeResult {
	result := p.Calculate(equity, riskPerTradePct, signal.Entry, signal.StopLoss)
	if !result.Valid {
		return result
	}

	if !maxExposurePct.IsZero() {
		cap := p.MaxQuantity(equity, maxExposurePct, signal.Entry)
		if result.Quantity.GreaterThan(cap) {
			result.Quantity = cap
			result.RiskAmount = cap.Mul(signal.Entry.Sub(signal.StopLoss).Abs())
		}
	}

	if result.Quantity.LessThanOrEqual(decimal.Zero) {
		return SizeResult{RejectReason: "exposure cap reduces quantity to zero"}
	}
	return result
}

func (p *PositionSizer) roundDown(q decimal.Decimal) decimal.Decimal {
	if p.quantityStep.IsZero() {
		return q
	}
	return q.Div(p.quantityStep).Floor().Mul(p.quantityStep)
}
