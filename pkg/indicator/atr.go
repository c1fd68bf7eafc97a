package indicator

import "github.com/shopspring/decimal"

// ATR is a streaming average true range.
// True range = max(high-low, |high-prevClose|, |low-prevClose|).
type ATR struct {
	sma       *SMA
	prevClose decimal.Decimal
	seen      bool
}

// NewATR creates an ATR over the given period.
func NewATR(period int) *ATR {
	return &ATR{sma: NewSMA(period)}
}

// Update consumes one bar and returns the current ATR. Returns zero until
// the window is full.
func (a *ATR) Update(high, low, close decimal.Decimal) decimal.Decimal {
	tr := high.Sub(low)
	if a.seen {
		if hpc := high.Sub(a.prevClose).Abs(); hpc.GreaterThan(tr) {
			tr = hpc
		}
		if lpc := low.Sub(a.prevClose).Abs(); lpc.GreaterThan(tr) {
			tr = lpc
		}
	}
	a.prevClose = close
	a.seen = true
	return a.sma.Update(tr)
}

// Current returns the ATR without consuming new data.
func (a *ATR) Current() decimal.Decimal {
	return a.sma.Current()
}

// Ready reports whether the window has filled.
func (a *ATR) Ready() bool {
	return a.sma.Ready()
}

// Period returns the window size.
func (a *ATR) Period() int {
	return a.sma.Period()
}

// Reset clears all state.
func (a *ATR) Reset() {
	a.sma.Reset()
	a.prevClose = decimal.Decimal{}
	a.seen = false
}
