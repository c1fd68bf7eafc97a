// Package indicator provides streaming technical indicator calculations.
package indicator

import "github.com/shopspring/decimal"

// SMA is a streaming simple moving average over a fixed window.
type SMA struct {
	period int
	window []decimal.Decimal
	head   int
	filled bool
	sum    decimal.Decimal
}

// NewSMA creates an SMA over the given period. Periods below 1 are clamped
// to 1.
func NewSMA(period int) *SMA {
	if period < 1 {
		period = 1
	}
	return &SMA{
		period: period,
		window: make([]decimal.Decimal, period),
	}
}

// Update pushes a value into the window and returns the current average.
// Returns zero until the window is full.
func (s *SMA) Update(value decimal.Decimal) decimal.Decimal {
	s.sum = s.sum.Sub(s.window[s.head]).Add(value)
	s.window[s.head] = value
	s.head++
	if s.head == s.period {
		s.head = 0
		s.filled = true
	}
	return s.Current()
}

// Current returns the average without consuming new data. Zero until the
// window is full.
func (s *SMA) Current() decimal.Decimal {
	if !s.filled {
		return decimal.Zero
	}
	return s.sum.Div(decimal.NewFromInt(int64(s.period)))
}

// Ready reports whether the window has filled.
func (s *SMA) Ready() bool {
	return s.filled
}

// Period returns the window size.
func (s *SMA) Period() int {
	return s.period
}

// Reset clears the window.
func (s *SMA) Reset() {
	for i := range s.window {
		s.window[i] = decimal.Decimal{}
	}
	s.head = 0
	s.filled = false
	s.sum = decimal.Zero
}
