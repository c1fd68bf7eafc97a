// Package main is the entry point for the backtest runner.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/quantfold/backtester/internal/alerting"
	"github.com/quantfold/backtester/internal/audit"
	"github.com/quantfold/backtester/internal/backtest"
	"github.com/quantfold/backtester/internal/config"
	"github.com/quantfold/backtester/internal/execution"
	"github.com/quantfold/backtester/internal/metrics"
	"github.com/quantfold/backtester/internal/observer"
	"github.com/quantfold/backtester/internal/position"
	"github.com/quantfold/backtester/internal/risk"
	"github.com/quantfold/backtester/internal/strategy"
	"github.com/quantfold/backtester/internal/types"
)

// Version information (set by build flags).
var (
	Version   = "0.2.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "run":
		cmdRun(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Backtester - Deterministic strategy replay over historical candles

Usage:
  backtester <command> [options]

Commands:
  run        Run a backtest
  validate   Validate configuration file
  version    Show version information
  help       Show this help message

Examples:
  backtester run --config config.yaml --data data/BTCUSDT_5m.csv
  backtester validate --config config.yaml

Use "backtester <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("backtester version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Symbol:          %s\n", cfg.Data.Symbol)
	fmt.Printf("  Initial equity:  $%.2f\n", cfg.Account.InitialEquity)
	fmt.Printf("  Risk per trade:  %.2f%%\n", cfg.Account.RiskPerTradePct*100)
	fmt.Printf("  Daily loss stop: $%.2f\n", cfg.Risk.DailyLossLimit)
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	dataPath := fs.String("data", "", "Path to CSV candle file (overrides config)")
	verbose := fs.Bool("verbose", false, "Verbose output")
	_ = fs.Parse(args)

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	csvPath := cfg.Data.CSVPath
	if *dataPath != "" {
		csvPath = *dataPath
	}
	if csvPath == "" {
		fmt.Fprintln(os.Stderr, "Error: no data file; set data.csv_path or pass --data")
		os.Exit(1)
	}

	instruments := []types.Instrument{cfg.Instrument()}

	var sink audit.Sink
	if cfg.Audit.Enabled {
		sqlSink, err := audit.NewSQLiteSink(cfg.Audit.Path)
		if err != nil {
			slog.Error("failed to open audit database", "path", cfg.Audit.Path, "err", err)
			os.Exit(1)
		}
		defer func() { _ = sqlSink.Close() }()
		sink = sqlSink
	} else {
		sink = audit.NewLogSink(logger)
	}

	var recorder *metrics.Recorder
	if cfg.Metrics.Enabled {
		recorder = metrics.NewRecorder()
		serverCfg := metrics.DefaultServerConfig()
		if cfg.Metrics.Port > 0 {
			serverCfg.Port = cfg.Metrics.Port
		}
		if cfg.Metrics.Path != "" {
			serverCfg.MetricsPath = cfg.Metrics.Path
		}
		server := metrics.NewServer(serverCfg, logger)
		_ = server.Start()
		defer func() { _ = server.Shutdown(context.Background()) }()
	}

	var alerter alerting.Alerter
	if cfg.Alerting.Enabled {
		alerter = alerting.NewConsoleAlerter(logger)
	}

	engineCfg := cfg.ToEngineConfig()
	riskMgr := risk.NewManager(cfg.ToRiskConfig(), engineCfg.RunID, cfg.InitialEquityDecimal(), sink, logger)
	tracker := position.NewTracker(instruments, logger)
	simulator := execution.NewSimulator(cfg.ToSimulatorConfig(), instruments, logger)
	sizer := risk.NewPositionSizer(cfg.QuantityStep())
	aggregator := backtest.NewAggregator(cfg.InitialEquityDecimal())
	source := observer.NewCSVSource(csvPath, cfg.Data.Symbol, cfg.Data.Timeframe)
	generator := strategy.NewBreakout(cfg.ToBreakoutConfig())

	engine, err := backtest.NewEngine(engineCfg, backtest.Deps{
		Source:     source,
		Generator:  generator,
		Risk:       riskMgr,
		Sizer:      sizer,
		Tracker:    tracker,
		Simulator:  simulator,
		Aggregator: aggregator,
		Alerter:    alerter,
		Recorder:   recorder,
		Audit:      sink,
		OnSnapshot: func(s backtest.Snapshot) {
			logger.Info("progress",
				"state", s.State.String(),
				"candles", s.CandleIndex,
				"equity", s.Equity.StringFixed(2),
				"trades", s.ClosedTrades,
			)
		},
		Logger: logger,
	})
	if err != nil {
		slog.Error("failed to build engine", "err", err)
		os.Exit(1)
	}

	// SIGINT stops the run gracefully; open positions close at the last
	// known price.
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting backtest",
		"data", csvPath,
		"symbol", cfg.Data.Symbol,
		"generator", generator.Name(),
		"equity", cfg.Account.InitialEquity,
	)

	if err := engine.Run(ctx); err != nil {
		slog.Error("backtest failed", "err", err)
		printResults(engine.State(), aggregator.Summary())
		os.Exit(1)
	}

	printResults(engine.State(), aggregator.Summary())
}

func printResults(state backtest.RunState, s backtest.Summary) {
	pct := decimal.NewFromInt(100)

	fmt.Println("\n=== BACKTEST RESULTS ===")
	fmt.Printf("Final State:      %s\n", state)
	fmt.Printf("Initial Equity:   $%.2f\n", s.InitialEquity.InexactFloat64())
	fmt.Printf("Final Equity:     $%.2f\n", s.FinalEquity.InexactFloat64())
	fmt.Printf("Net P&L:          $%.2f\n", s.NetPnL.InexactFloat64())
	fmt.Printf("Total Fees:       $%.2f\n", s.TotalFees.InexactFloat64())
	fmt.Printf("Max Drawdown:     $%.2f (%.2f%%)\n",
		s.MaxDrawdown.InexactFloat64(),
		s.MaxDrawdownPct.Mul(pct).InexactFloat64())
	fmt.Println()
	fmt.Printf("Total Trades:     %d\n", s.TradeCount)
	fmt.Printf("Winning Trades:   %d\n", s.WinCount)
	fmt.Printf("Losing Trades:    %d\n", s.LossCount)
	fmt.Printf("Win Rate:         %.2f%%\n", s.WinRate.Mul(pct).InexactFloat64())
	fmt.Printf("Profit Factor:    %.2f\n", s.ProfitFactor.InexactFloat64())
	fmt.Printf("Expectancy:       $%.2f\n", s.Expectancy.InexactFloat64())
	fmt.Printf("Avg Win:          $%.2f\n", s.AverageWin.InexactFloat64())
	fmt.Printf("Avg Loss:         $%.2f\n", s.AverageLoss.InexactFloat64())
	fmt.Printf("Sharpe Ratio:     %.2f\n", s.SharpeRatio.InexactFloat64())
	fmt.Printf("Sortino Ratio:    %.2f\n", s.SortinoRatio.InexactFloat64())
}
