// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/quantfold/backtester/internal/backtest"
	"github.com/quantfold/backtester/internal/execution"
	"github.com/quantfold/backtester/internal/risk"
	"github.com/quantfold/backtester/internal/strategy"
	"github.com/quantfold/backtester/internal/types"
)

// Config represents the full application configuration.
type Config struct {
	Account   AccountConfig   `yaml:"account"`
	Data      DataConfig      `yaml:"data"`
	Risk      RiskConfig      `yaml:"risk"`
	Execution ExecutionConfig `yaml:"execution"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Engine    EngineConfig    `yaml:"engine"`
	Audit     AuditConfig     `yaml:"audit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Alerting  AlertingConfig  `yaml:"alerting"`
}

// AccountConfig holds account-level settings.
type AccountConfig struct {
	InitialEquity   float64 `yaml:"initial_equity"`
	RiskPerTradePct float64 `yaml:"risk_per_trade_pct"`
}

// DataConfig describes the candle source.
type DataConfig struct {
	CSVPath      string  `yaml:"csv_path"`
	Symbol       string  `yaml:"symbol"`
	Timeframe    string  `yaml:"timeframe"`
	TickSize     float64 `yaml:"tick_size"`
	QuantityStep float64 `yaml:"quantity_step"`
}

// RiskConfig holds pre-trade check limits and circuit breaker settings.
type RiskConfig struct {
	MaxOrderValue        float64 `yaml:"max_order_value"`
	MaxOrderPctEquity    float64 `yaml:"max_order_pct_equity"`
	MaxOpenPositions     int     `yaml:"max_open_positions"`
	DailyLossLimit       float64 `yaml:"daily_loss_limit"`
	MaxTotalExposurePct  float64 `yaml:"max_total_exposure_pct"`
	MaxPriceDeviationPct float64 `yaml:"max_price_deviation_pct"`
	MaxOrdersPerWindow   int     `yaml:"max_orders_per_window"`
	RateWindowSec        int     `yaml:"rate_window_sec"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
	MaxExecutionErrors   int     `yaml:"max_execution_errors"`
	ErrorLookbackMin     int     `yaml:"error_lookback_min"`
	BreakerReset         string  `yaml:"breaker_reset"` // daily | manual | daily_or_manual
}

// ExecutionConfig holds fill-model settings.
type ExecutionConfig struct {
	SlippageBps       float64 `yaml:"slippage_bps"`
	CommissionBps     float64 `yaml:"commission_bps"`
	BreakevenAfterTP1 bool    `yaml:"breakeven_after_tp1"`
}

// StrategyConfig holds signal generator settings.
type StrategyConfig struct {
	Name          string    `yaml:"name"`
	LookbackBars  int       `yaml:"lookback_bars"`
	ATRPeriod     int       `yaml:"atr_period"`
	ATRMultiplier float64   `yaml:"atr_multiplier"`
	TargetRs      []float64 `yaml:"target_rs"`
}

// EngineConfig holds replay settings.
type EngineConfig struct {
	EmitInterval        int       `yaml:"emit_interval"`
	RetryThreshold      int       `yaml:"retry_threshold"`
	HistorySize         int       `yaml:"history_size"`
	TakeProfitFractions []float64 `yaml:"take_profit_fractions"`
}

// AuditConfig holds audit trail settings.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // SQLite database path
}

// MetricsConfig holds metrics server settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load loads configuration from a YAML file. Environment variables in the
// file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration, accumulating every problem found.
func (c *Config) Validate() error {
	var errs []string

	if c.Account.InitialEquity <= 0 {
		errs = append(errs, "account.initial_equity must be positive")
	}
	if c.Account.RiskPerTradePct <= 0 || c.Account.RiskPerTradePct > 0.1 {
		errs = append(errs, "account.risk_per_trade_pct must be between 0 and 0.1 (10%)")
	}

	if c.Data.Symbol == "" {
		errs = append(errs, "data.symbol is required")
	}
	if c.Data.TickSize < 0 {
		errs = append(errs, "data.tick_size must not be negative")
	}

	if c.Risk.MaxOrderPctEquity < 0 || c.Risk.MaxOrderPctEquity > 1 {
		errs = append(errs, "risk.max_order_pct_equity must be between 0 and 1")
	}
	if c.Risk.MaxTotalExposurePct < 0 || c.Risk.MaxTotalExposurePct > 2 {
		errs = append(errs, "risk.max_total_exposure_pct must be between 0 and 2")
	}
	if c.Risk.MaxOpenPositions < 0 {
		errs = append(errs, "risk.max_open_positions must not be negative")
	}
	if c.Risk.BreakerReset != "" {
		if _, err := risk.ParseResetMode(c.Risk.BreakerReset); err != nil {
			errs = append(errs, fmt.Sprintf("risk.breaker_reset: %v", err))
		}
	}

	if c.Execution.SlippageBps < 0 {
		errs = append(errs, "execution.slippage_bps must not be negative")
	}
	if c.Execution.CommissionBps < 0 {
		errs = append(errs, "execution.commission_bps must not be negative")
	}

	var fractionSum float64
	for _, f := range c.Engine.TakeProfitFractions {
		if f <= 0 || f > 1 {
			errs = append(errs, "engine.take_profit_fractions entries must be in (0, 1]")
			break
		}
		fractionSum += f
	}
	if fractionSum > 1.000001 {
		errs = append(errs, "engine.take_profit_fractions must not sum above 1")
	}
	if c.Engine.RetryThreshold < 0 {
		errs = append(errs, "engine.retry_threshold must not be negative")
	}

	if c.Audit.Enabled && c.Audit.Path == "" {
		errs = append(errs, "audit.path is required when audit is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// ToRiskConfig converts to risk.Config.
func (c *Config) ToRiskConfig() risk.Config {
	mode := risk.ResetDailyOrManual
	if c.Risk.BreakerReset != "" {
		mode, _ = risk.ParseResetMode(c.Risk.BreakerReset)
	}
	return risk.Config{
		MaxOrderValue:        decimal.NewFromFloat(c.Risk.MaxOrderValue),
		MaxOrderPctEquity:    decimal.NewFromFloat(c.Risk.MaxOrderPctEquity),
		MaxOpenPositions:     c.Risk.MaxOpenPositions,
		DailyLossLimit:       decimal.NewFromFloat(c.Risk.DailyLossLimit),
		MaxTotalExposurePct:  decimal.NewFromFloat(c.Risk.MaxTotalExposurePct),
		MaxPriceDeviationPct: decimal.NewFromFloat(c.Risk.MaxPriceDeviationPct),
		MaxOrdersPerWindow:   c.Risk.MaxOrdersPerWindow,
		RateWindow:           time.Duration(c.Risk.RateWindowSec) * time.Second,
		MaxConsecutiveLosses: c.Risk.MaxConsecutiveLosses,
		MaxExecutionErrors:   c.Risk.MaxExecutionErrors,
		ErrorLookback:        time.Duration(c.Risk.ErrorLookbackMin) * time.Minute,
		BreakerReset:         mode,
	}
}

// ToSimulatorConfig converts to execution.Config.
func (c *Config) ToSimulatorConfig() execution.Config {
	return execution.Config{
		SlippageBps:       decimal.NewFromFloat(c.Execution.SlippageBps),
		CommissionBps:     decimal.NewFromFloat(c.Execution.CommissionBps),
		BreakevenAfterTP1: c.Execution.BreakevenAfterTP1,
	}
}

// ToEngineConfig converts to backtest.Config. The run ID is assigned by the
// engine when left empty.
func (c *Config) ToEngineConfig() backtest.Config {
	fractions := make([]decimal.Decimal, 0, len(c.Engine.TakeProfitFractions))
	for _, f := range c.Engine.TakeProfitFractions {
		fractions = append(fractions, decimal.NewFromFloat(f))
	}
	return backtest.Config{
		Symbol:              c.Data.Symbol,
		InitialEquity:       decimal.NewFromFloat(c.Account.InitialEquity),
		RiskPerTradePct:     decimal.NewFromFloat(c.Account.RiskPerTradePct),
		MaxExposurePct:      decimal.NewFromFloat(c.Risk.MaxTotalExposurePct),
		TakeProfitFractions: fractions,
		HistorySize:         c.Engine.HistorySize,
		EmitInterval:        c.Engine.EmitInterval,
		RetryThreshold:      c.Engine.RetryThreshold,
	}
}

// ToBreakoutConfig converts to strategy.BreakoutConfig.
func (c *Config) ToBreakoutConfig() strategy.BreakoutConfig {
	cfg := strategy.DefaultBreakoutConfig()
	if c.Strategy.LookbackBars > 0 {
		cfg.LookbackBars = c.Strategy.LookbackBars
	}
	if c.Strategy.ATRPeriod > 0 {
		cfg.ATRPeriod = c.Strategy.ATRPeriod
	}
	if c.Strategy.ATRMultiplier > 0 {
		cfg.ATRMultiplier = decimal.NewFromFloat(c.Strategy.ATRMultiplier)
	}
	if len(c.Strategy.TargetRs) > 0 {
		cfg.TargetRs = make([]decimal.Decimal, 0, len(c.Strategy.TargetRs))
		for _, r := range c.Strategy.TargetRs {
			cfg.TargetRs = append(cfg.TargetRs, decimal.NewFromFloat(r))
		}
	}
	return cfg
}

// Instrument returns the configured instrument.
func (c *Config) Instrument() types.Instrument {
	return types.Instrument{
		Symbol:   c.Data.Symbol,
		TickSize: decimal.NewFromFloat(c.Data.TickSize),
	}
}

// QuantityStep returns the sizing step as a decimal.
func (c *Config) QuantityStep() decimal.Decimal {
	return decimal.NewFromFloat(c.Data.QuantityStep)
}

// InitialEquityDecimal returns starting equity as a decimal.
func (c *Config) InitialEquityDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.Account.InitialEquity)
}
