// Backtest Runner CLI
// Replays a strategy over cached historical candles and reports metrics.
// With -json the full result is written to stdout as one JSON document,
// which is also how the optimizer consumes it as a child process.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantloop/quantloop/internal/candles"
	"github.com/quantloop/quantloop/internal/config"
	"github.com/quantloop/quantloop/internal/store"
	"github.com/quantloop/quantloop/internal/strategy"
	"github.com/quantloop/quantloop/pkg/backtest"
)

// ============================================================================
// CLI FLAGS
// ============================================================================

var (
	configPath = flag.String("config", "", "Path to config file (optional)")

	coin         = flag.String("coin", "", "Coin to backtest (BTC, ETH, ...)")
	strategyName = flag.String("strategy", "", "Strategy name")
	interval     = flag.String("interval", "", "Candle interval (defaults to trading.interval)")
	days         = flag.Int("days", 0, "Lookback window in days (defaults to optimize.backtest_start_days)")

	overridesJSON = flag.String("overrides", "", "Parameter overrides as a JSON object, e.g. '{\"fast_period\": 30}'")
	noSync        = flag.Bool("no-sync", false, "Skip the candle cache sync and use cached rows only")

	jsonOutput = flag.Bool("json", false, "Write the full result as JSON to stdout")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
)

// ============================================================================
// MAIN
// ============================================================================

func main() {
	flag.Parse()

	// Logs go to stderr so -json output stays parseable.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if *coin == "" {
		fmt.Fprintln(os.Stderr, "Error: -coin flag is required")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	name := *strategyName
	if name == "" {
		name = cfg.Trading.Strategy
	}
	barInterval := *interval
	if barInterval == "" {
		barInterval = cfg.Trading.Interval
	}
	lookbackDays := *days
	if lookbackDays <= 0 {
		lookbackDays = cfg.Optimize.BacktestStartDays
	}

	ctx := context.Background()
	if err := run(ctx, cfg, name, barInterval, lookbackDays); err != nil {
		log.Fatal().Err(err).Msg("Backtest failed")
	}
}

func run(ctx context.Context, cfg *config.Config, name, interval string, days int) error {
	strat, err := strategy.New(name)
	if err != nil {
		return err
	}
	if *overridesJSON != "" {
		overrides := make(map[string]float64)
		if err := json.Unmarshal([]byte(*overridesJSON), &overrides); err != nil {
			return fmt.Errorf("parse overrides: %w", err)
		}
		if err := strategy.ApplyOverrides(strat.Params(), overrides); err != nil {
			return err
		}
	}

	st, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	rows, err := loadCandles(ctx, cfg, st, interval, days)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("no candles cached for %s/%s, run without -no-sync first", *coin, interval)
	}

	log.Info().
		Str("coin", *coin).
		Str("strategy", name).
		Str("interval", interval).
		Int("candles", len(rows)).
		Msg("Starting backtest")

	btCfg := backtest.DefaultConfig()
	btCfg.RiskPerTradeUsd = cfg.Optimize.RiskPerTradeUSD
	btCfg.SizingMode = cfg.Risk.SizingMode
	btCfg.CashPerTrade = cfg.Risk.CashPerTrade
	btCfg.MaxTradesPerDay = cfg.Optimize.MaxTradesPerDay
	btCfg.CooldownBars = cfg.Optimize.CooldownBars

	engine := backtest.New(btCfg, strat, config.NewLogger("backtest"))
	result, err := engine.Run(rows)
	if err != nil {
		return err
	}

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		return enc.Encode(result)
	}

	printSummary(result)
	return nil
}

// loadCandles syncs the lookback window into the cache and reads it back.
func loadCandles(ctx context.Context, cfg *config.Config, st *store.Store, interval string, days int) ([]candles.Candle, error) {
	intervalMs, err := candles.IntervalMillis(interval)
	if err != nil {
		return nil, err
	}
	nowMs := time.Now().UnixMilli()
	startMs := nowMs - int64(days)*24*int64(time.Hour/time.Millisecond)

	opts := candles.FetchOptions{
		Source:            cfg.Candles.Source,
		CandlesPerRequest: cfg.Candles.CandlesPerRequest,
		RequestDelay:      time.Duration(cfg.Candles.RequestDelayMS) * time.Millisecond,
	}

	if !*noSync {
		syncer := candles.NewSyncer(newClient(cfg), st)
		bars := int((nowMs - startMs) / intervalMs)
		if _, err := syncer.SyncRecent(ctx, *coin, interval, bars, nowMs, opts); err != nil {
			return nil, err
		}
	}

	return st.GetCandles(ctx, *coin, interval, startMs, nowMs, opts.Source)
}

func newClient(cfg *config.Config) *candles.Client {
	switch cfg.Candles.Source {
	case candles.SourceBinance:
		return candles.NewClientForSource(candles.SourceBinance,
			candles.NewBinanceSource(binance.NewClient("", "")))
	default:
		return candles.NewClientForSource(candles.SourceHyperliquid,
			candles.NewHyperliquidSource(cfg.Exchange.BaseURL))
	}
}

func printSummary(result *backtest.Result) {
	m := result.Metrics
	fmt.Printf("\n=== Backtest Results ===\n")
	fmt.Printf("Trades:        %d (%d W / %d L)\n", m.NumTrades, m.WinningTrades, m.LosingTrades)
	fmt.Printf("Win rate:      %.1f%%\n", m.WinRate*100)
	fmt.Printf("Profit factor: %.2f\n", m.ProfitFactor)
	fmt.Printf("Avg R:         %.2f\n", m.AvgR)
	fmt.Printf("Total PnL:     $%.2f\n", m.TotalPnl)
	fmt.Printf("Max drawdown:  %.1f%%\n", m.MaxDrawdownPct)
	fmt.Printf("Final equity:  $%.2f\n", m.FinalEquity)
}
