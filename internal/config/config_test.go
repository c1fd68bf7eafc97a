package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/backtester/internal/risk"
	"github.com/quantfold/backtester/internal/types"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

const validYAML = `
account:
  initial_equity: 10000
  risk_per_trade_pct: 0.02

data:
  csv_path: data/candles.csv
  symbol: BTCUSDT
  timeframe: 5m
  tick_size: 0.1
  quantity_step: 0.001

risk:
  max_order_pct_equity: 0.5
  max_open_positions: 3
  daily_loss_limit: 500
  max_total_exposure_pct: 1.0
  max_price_deviation_pct: 0.05
  max_orders_per_window: 10
  rate_window_sec: 3600
  max_consecutive_losses: 5
  max_execution_errors: 3
  error_lookback_min: 60
  breaker_reset: daily

execution:
  slippage_bps: 2
  commission_bps: 6
  breakeven_after_tp1: true

strategy:
  name: breakout
  lookback_bars: 20
  atr_period: 14
  atr_multiplier: 2.0
  target_rs: [1.0, 2.0]

engine:
  emit_interval: 500
  history_size: 100
  take_profit_fractions: [0.5, 0.5]

audit:
  enabled: true
  path: audit.db
`

func TestLoadFromBytes(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(validYAML))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}

	if cfg.Data.Symbol != "BTCUSDT" {
		t.Errorf("Symbol = %s, want BTCUSDT", cfg.Data.Symbol)
	}
	if cfg.Account.InitialEquity != 10000 {
		t.Errorf("InitialEquity = %f, want 10000", cfg.Account.InitialEquity)
	}
	if !cfg.Execution.BreakevenAfterTP1 {
		t.Error("BreakevenAfterTP1 should be true")
	}
	if cfg.Risk.BreakerReset != "daily" {
		t.Errorf("BreakerReset = %s, want daily", cfg.Risk.BreakerReset)
	}
}

func TestLoadFromBytes_ExpandsEnv(t *testing.T) {
	t.Setenv("TEST_DATA_DIR", "/tmp/candles")

	yaml := strings.Replace(validYAML,
		"csv_path: data/candles.csv",
		"csv_path: ${TEST_DATA_DIR}/BTCUSDT.csv", 1)

	cfg, err := LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	if cfg.Data.CSVPath != "/tmp/candles/BTCUSDT.csv" {
		t.Errorf("CSVPath = %s, want expanded env var", cfg.Data.CSVPath)
	}
}

func TestLoadFromBytes_BadYAML(t *testing.T) {
	if _, err := LoadFromBytes([]byte("account: [not a map")); err == nil {
		t.Fatal("malformed YAML should fail")
	}
}

func TestValidate_AccumulatesErrors(t *testing.T) {
	cfg := &Config{}
	cfg.Account.InitialEquity = -1
	cfg.Account.RiskPerTradePct = 0.5 // above the 10% cap
	cfg.Risk.BreakerReset = "weekly"

	err := cfg.Validate()
	if !errors.Is(err, types.ErrInvalidConfig) {
		t.Fatalf("Validate = %v, want ErrInvalidConfig", err)
	}

	// Every problem is reported, not just the first.
	msg := err.Error()
	for _, want := range []string{
		"initial_equity",
		"risk_per_trade_pct",
		"data.symbol",
		"breaker_reset",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}

func TestValidate_Cases(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"fraction above one", func(c *Config) {
			c.Engine.TakeProfitFractions = []float64{0.5, 1.5}
		}, true},
		{"fractions sum above one", func(c *Config) {
			c.Engine.TakeProfitFractions = []float64{0.6, 0.6}
		}, true},
		{"negative slippage", func(c *Config) {
			c.Execution.SlippageBps = -1
		}, true},
		{"audit enabled without path", func(c *Config) {
			c.Audit.Enabled = true
			c.Audit.Path = ""
		}, true},
		{"negative retry threshold", func(c *Config) {
			c.Engine.RetryThreshold = -1
		}, true},
		{"exposure above two", func(c *Config) {
			c.Risk.MaxTotalExposurePct = 2.5
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadFromBytes([]byte(validYAML))
			if err != nil {
				t.Fatalf("fixture invalid: %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Converters(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(validYAML))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}

	rc := cfg.ToRiskConfig()
	if rc.BreakerReset != risk.ResetDaily {
		t.Errorf("BreakerReset = %v, want daily", rc.BreakerReset)
	}
	if rc.RateWindow != time.Hour {
		t.Errorf("RateWindow = %s, want 1h", rc.RateWindow)
	}
	if rc.ErrorLookback != time.Hour {
		t.Errorf("ErrorLookback = %s, want 1h", rc.ErrorLookback)
	}
	if !rc.DailyLossLimit.Equal(d("500")) {
		t.Errorf("DailyLossLimit = %s, want 500", rc.DailyLossLimit)
	}

	sc := cfg.ToSimulatorConfig()
	if !sc.SlippageBps.Equal(d("2")) || !sc.CommissionBps.Equal(d("6")) {
		t.Errorf("simulator config = %s/%s bps, want 2/6", sc.SlippageBps, sc.CommissionBps)
	}
	if !sc.BreakevenAfterTP1 {
		t.Error("BreakevenAfterTP1 should carry over")
	}

	ec := cfg.ToEngineConfig()
	if ec.Symbol != "BTCUSDT" {
		t.Errorf("Symbol = %s, want BTCUSDT", ec.Symbol)
	}
	if !ec.InitialEquity.Equal(d("10000")) {
		t.Errorf("InitialEquity = %s, want 10000", ec.InitialEquity)
	}
	if len(ec.TakeProfitFractions) != 2 || !ec.TakeProfitFractions[0].Equal(d("0.5")) {
		t.Errorf("TakeProfitFractions = %v", ec.TakeProfitFractions)
	}

	bc := cfg.ToBreakoutConfig()
	if bc.LookbackBars != 20 || bc.ATRPeriod != 14 {
		t.Errorf("breakout config = %d/%d, want 20/14", bc.LookbackBars, bc.ATRPeriod)
	}
	if !bc.ATRMultiplier.Equal(d("2")) {
		t.Errorf("ATRMultiplier = %s, want 2", bc.ATRMultiplier)
	}

	inst := cfg.Instrument()
	if inst.Symbol != "BTCUSDT" || !inst.TickSize.Equal(d("0.1")) {
		t.Errorf("Instrument = %+v", inst)
	}
	if !cfg.QuantityStep().Equal(d("0.001")) {
		t.Errorf("QuantityStep = %s, want 0.001", cfg.QuantityStep())
	}
}

func TestToBreakoutConfig_Defaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(validYAML))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	cfg.Strategy = StrategyConfig{Name: "breakout"}

	bc := cfg.ToBreakoutConfig()
	if bc.LookbackBars != 20 || bc.ATRPeriod != 14 {
		t.Errorf("zero strategy fields should fall back to defaults, got %d/%d",
			bc.LookbackBars, bc.ATRPeriod)
	}
	if len(bc.TargetRs) != 2 {
		t.Errorf("TargetRs = %d levels, want default 2", len(bc.TargetRs))
	}
}
