package indicator

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSMA_Update(t *testing.T) {
	sma := NewSMA(3)

	if !sma.Update(d("10")).IsZero() {
		t.Error("SMA should be zero before the window fills")
	}
	if sma.Ready() {
		t.Error("Ready = true with a partial window")
	}
	sma.Update(d("20"))

	got := sma.Update(d("30"))
	if !got.Equal(d("20")) {
		t.Errorf("SMA = %s, want (10+20+30)/3 = 20", got)
	}
	if !sma.Ready() {
		t.Error("Ready = false with a full window")
	}

	// Sliding: 10 drops out, 40 enters.
	got = sma.Update(d("40"))
	if !got.Equal(d("30")) {
		t.Errorf("SMA = %s, want (20+30+40)/3 = 30", got)
	}
	if !sma.Current().Equal(d("30")) {
		t.Errorf("Current = %s, want 30", sma.Current())
	}
}

func TestSMA_PeriodClamp(t *testing.T) {
	sma := NewSMA(0)
	if sma.Period() != 1 {
		t.Errorf("Period = %d, want clamp to 1", sma.Period())
	}
	if !sma.Update(d("7")).Equal(d("7")) {
		t.Error("period-1 SMA should equal its input")
	}
}

func TestSMA_Reset(t *testing.T) {
	sma := NewSMA(2)
	sma.Update(d("10"))
	sma.Update(d("20"))
	sma.Reset()

	if sma.Ready() {
		t.Error("Reset should empty the window")
	}
	if !sma.Current().IsZero() {
		t.Errorf("Current = %s after Reset, want 0", sma.Current())
	}
	sma.Update(d("4"))
	if !sma.Update(d("6")).Equal(d("5")) {
		t.Error("SMA should work normally after Reset")
	}
}
