package risk

import (
	"testing"
	"time"
)

var breakerTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCircuitBreaker_ConsecutiveLosses(t *testing.T) {
	cb := NewCircuitBreaker(3, 0, time.Hour, ResetDailyOrManual)

	cb.RecordOutcome(true, breakerTime)
	cb.RecordOutcome(true, breakerTime)
	if cb.Tripped() {
		t.Fatal("breaker tripped below the threshold")
	}

	// A win resets the streak.
	cb.RecordOutcome(false, breakerTime)
	cb.RecordOutcome(true, breakerTime)
	cb.RecordOutcome(true, breakerTime)
	if cb.Tripped() {
		t.Fatal("win should have reset the streak")
	}

	cb.RecordOutcome(true, breakerTime)
	if !cb.Tripped() {
		t.Fatal("breaker should trip on the third consecutive loss")
	}
	if cb.Reason() != "consecutive losses" {
		t.Errorf("Reason = %q, want consecutive losses", cb.Reason())
	}
}

func TestCircuitBreaker_ExecutionErrorWindow(t *testing.T) {
	cb := NewCircuitBreaker(0, 3, time.Hour, ResetDailyOrManual)

	cb.RecordExecutionError(breakerTime)
	cb.RecordExecutionError(breakerTime.Add(10 * time.Minute))
	if cb.Tripped() {
		t.Fatal("two errors should not trip a threshold of three")
	}

	// Two hours later the first errors have aged out of the lookback.
	cb.RecordExecutionError(breakerTime.Add(2 * time.Hour))
	if cb.Tripped() {
		t.Fatal("aged-out errors should not count toward the threshold")
	}

	cb.RecordExecutionError(breakerTime.Add(2*time.Hour + time.Minute))
	cb.RecordExecutionError(breakerTime.Add(2*time.Hour + 2*time.Minute))
	if !cb.Tripped() {
		t.Fatal("three errors inside the lookback should trip the breaker")
	}
	if cb.Reason() != "execution errors" {
		t.Errorf("Reason = %q, want execution errors", cb.Reason())
	}
}

func TestCircuitBreaker_ResetModes(t *testing.T) {
	tests := []struct {
		mode       ResetMode
		wantDaily  bool
		wantManual bool
	}{
		{ResetDaily, true, false},
		{ResetManual, false, true},
		{ResetDailyOrManual, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			cb := NewCircuitBreaker(1, 0, time.Hour, tt.mode)
			cb.RecordOutcome(true, breakerTime)
			if !cb.Tripped() {
				t.Fatal("breaker should trip on one loss")
			}

			cb.OnNewDay()
			if cb.Tripped() == tt.wantDaily {
				t.Errorf("after OnNewDay tripped = %v, want %v", cb.Tripped(), !tt.wantDaily)
			}
			if cb.ConsecutiveLosses() != 0 {
				t.Error("loss streak should always reset with the day")
			}

			cb = NewCircuitBreaker(1, 0, time.Hour, tt.mode)
			cb.RecordOutcome(true, breakerTime)
			if got := cb.ManualReset(); got != tt.wantManual {
				t.Errorf("ManualReset = %v, want %v", got, tt.wantManual)
			}
			if cb.Tripped() == tt.wantManual {
				t.Errorf("after ManualReset tripped = %v, want %v", cb.Tripped(), !tt.wantManual)
			}
		})
	}
}

func TestParseResetMode(t *testing.T) {
	tests := []struct {
		in      string
		want    ResetMode
		wantErr bool
	}{
		{"daily", ResetDaily, false},
		{"manual", ResetManual, false},
		{"daily_or_manual", ResetDailyOrManual, false},
		{"", ResetDailyOrManual, false},
		{"weekly", ResetDailyOrManual, true},
	}
	for _, tt := range tests {
		got, err := ParseResetMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseResetMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseResetMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
