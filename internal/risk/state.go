package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradingState holds the mutable per-session counters the Manager maintains
// alongside its immutable Config.
type TradingState struct {
	Day               time.Time // current trading day (UTC midnight)
	DailyRealizedPnL  decimal.Decimal
	UnrealizedPnL     decimal.Decimal
	ConsecutiveLosses int
	DailyLossLatched  bool // once the daily limit is hit, stays set until the next day
	BreakerTripped    bool
}

// tradingDay truncates a timestamp to its UTC trading day.
func tradingDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// DailyTotalPnL is realized plus unrealized P&L for the current day.
func (s TradingState) DailyTotalPnL() decimal.Decimal {
	return s.DailyRealizedPnL.Add(s.UnrealizedPnL)
}
