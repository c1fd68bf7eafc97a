package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderType represents how an order is priced.
type OrderType int

const (
	OrderTypeMarket OrderType = iota
	OrderTypeLimit
	OrderTypeStop
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "MARKET"
	case OrderTypeLimit:
		return "LIMIT"
	case OrderTypeStop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// Order is created once by the engine and never mutated after risk approval.
type Order struct {
	ID            string
	ClientOrderID string
	CreatedAt     time.Time
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal // always positive
	LimitPrice    decimal.Decimal // limit orders only
	StopPrice     decimal.Decimal // stop orders only
	StopLoss      decimal.Decimal
	TakeProfits   []decimal.Decimal
	SignalID      string
}

// Validate checks the order for structural problems before risk review.
func (o Order) Validate() error {
	if o.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidOrder)
	}
	if o.Side == SideFlat {
		return fmt.Errorf("%w: flat side", ErrInvalidOrder)
	}
	if !o.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity %s must be positive", ErrInvalidOrder, o.Quantity)
	}
	switch o.Type {
	case OrderTypeLimit:
		if !o.LimitPrice.IsPositive() {
			return fmt.Errorf("%w: limit order without limit price", ErrInvalidOrder)
		}
	case OrderTypeStop:
		if !o.StopPrice.IsPositive() {
			return fmt.Errorf("%w: stop order without stop price", ErrInvalidOrder)
		}
	case OrderTypeMarket:
	default:
		return fmt.Errorf("%w: unknown order type %d", ErrInvalidOrder, o.Type)
	}
	return nil
}

// Notional returns quantity * price.
func (o Order) Notional(price decimal.Decimal) decimal.Decimal {
	return o.Quantity.Mul(price)
}

// ReferencePrice returns the price to value the order at before it fills:
// the limit or stop price when set, otherwise the supplied market price.
func (o Order) ReferencePrice(market decimal.Decimal) decimal.Decimal {
	switch o.Type {
	case OrderTypeLimit:
		return o.LimitPrice
	case OrderTypeStop:
		return o.StopPrice
	default:
		return market
	}
}
