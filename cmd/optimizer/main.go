// Optimizer CLI
// Drives the refine/research/restructure loop for one (coin, strategy)
// pair. Exits 0 when the session meets the success criteria, 1 otherwise.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantloop/quantloop/internal/candles"
	"github.com/quantloop/quantloop/internal/config"
	"github.com/quantloop/quantloop/internal/optimize"
	"github.com/quantloop/quantloop/internal/store"
	"github.com/quantloop/quantloop/internal/strategy"
	"github.com/quantloop/quantloop/pkg/backtest"
)

// ============================================================================
// CLI FLAGS
// ============================================================================

var (
	configPath = flag.String("config", "", "Path to config file (optional)")

	coin         = flag.String("coin", "", "Coin to optimize for (BTC, ETH, ...)")
	strategyName = flag.String("strategy", "", "Strategy name (defaults to trading.strategy)")
	sourcePath   = flag.String("source", "", "Working strategy source file the modifier edits")

	maxRetries = flag.Int("max-retries", 2, "Backtest retries before an iteration is abandoned")
	hypoAge    = flag.Int("hypothesis-age", 10, "Iterations before an untested hypothesis expires")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
)

// ============================================================================
// MAIN
// ============================================================================

func main() {
	flag.Parse()

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
	if *sourcePath == "" {
		fmt.Fprintln(os.Stderr, "Error: -source flag is required")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if cfg.Optimize.ModifierCommand == "" {
		log.Fatal().Msg("optimize.modifier_command is not configured")
	}

	name := *strategyName
	if name == "" {
		name = cfg.Trading.Strategy
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	criteriaMet, err := run(ctx, cfg, name)
	if err != nil {
		log.Error().Err(err).Msg("Optimization session failed")
		os.Exit(1)
	}
	if !criteriaMet {
		log.Info().Msg("Session finished without meeting the success criteria")
		os.Exit(1)
	}
	log.Info().Msg("Session finished, success criteria met")
}

func run(ctx context.Context, cfg *config.Config, name string) (bool, error) {
	logger := config.NewLogger("optimizer")

	// One session per asset; a stale lockfile from a crashed run must be
	// removed by hand.
	lock, err := optimize.AcquireAssetLock(cfg.Optimize.WorkDir, *coin)
	if err != nil {
		return false, err
	}
	defer func() { _ = lock.Release() }()

	history, err := optimize.LoadHistory(cfg.Optimize.HistoryPath)
	if err != nil {
		return false, err
	}

	strat, err := strategy.New(name)
	if err != nil {
		return false, err
	}

	st, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		return false, err
	}
	defer func() { _ = st.Close() }()

	rows, err := loadCandles(ctx, cfg, st)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, fmt.Errorf("no candles for %s/%s", *coin, cfg.Trading.Interval)
	}
	logger.Info().
		Str("coin", *coin).
		Str("strategy", name).
		Int("candles", len(rows)).
		Msg("Backtest window loaded")

	btCfg := backtest.DefaultConfig()
	btCfg.RiskPerTradeUsd = cfg.Optimize.RiskPerTradeUSD
	btCfg.SizingMode = cfg.Risk.SizingMode
	btCfg.CashPerTrade = cfg.Risk.CashPerTrade
	btCfg.MaxTradesPerDay = cfg.Optimize.MaxTradesPerDay
	btCfg.CooldownBars = cfg.Optimize.CooldownBars

	// In-process runner: fresh strategy instance per run so overrides never
	// leak between iterations.
	runInProcess := func(ctx context.Context, overrides map[string]float64) (*backtest.Result, error) {
		s, err := strategy.New(name)
		if err != nil {
			return nil, err
		}
		if err := strategy.ApplyOverrides(s.Params(), overrides); err != nil {
			return nil, err
		}
		return backtest.New(btCfg, s, config.NewLogger("backtest")).Run(rows)
	}

	childBinary := filepath.Join(cfg.Optimize.WorkDir, "backtest-child")

	// Isolated runner: freshly modified source runs in a child process so a
	// panic or OOM cannot take the session down.
	runIsolated := func(ctx context.Context, overrides map[string]float64) (*backtest.Result, error) {
		return runChild(ctx, childBinary, cfg, name, overrides)
	}

	build := func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, "go", "build", "-o", childBinary, "./cmd/backtest")
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("build backtest child: %w: %s", err, strings.TrimSpace(string(out)))
		}
		return nil
	}

	modifier := optimize.NewModifier(strings.Fields(cfg.Optimize.ModifierCommand), cfg.Optimize.WorkDir, logger)

	orch := optimize.NewOrchestrator(optimize.OrchestratorConfig{
		Coin:           *coin,
		StrategyName:   name,
		MaxIter:        cfg.Optimize.MaxIterations,
		MaxCycles:      cfg.Optimize.MaxCycles,
		MinTrades:      cfg.Optimize.MinTrades,
		TargetScore:    cfg.Optimize.TargetScore,
		MaxFixAttempts: cfg.Optimize.MaxFixAttempts,
		MaxRetries:     *maxRetries,
		HypothesisAge:  *hypoAge,
		Weights:        optimize.DefaultWeights(),
		SourcePath:     *sourcePath,
		WorkDir:        cfg.Optimize.WorkDir,
	}, history, modifier, strat.Params(), runInProcess, runIsolated, build, logger)

	return orch.Run(ctx)
}

// runChild executes the backtest binary and decodes its -json output.
func runChild(ctx context.Context, binary string, cfg *config.Config, name string, overrides map[string]float64) (*backtest.Result, error) {
	args := []string{
		"-coin", *coin,
		"-strategy", name,
		"-days", fmt.Sprintf("%d", cfg.Optimize.BacktestStartDays),
		"-no-sync",
		"-json",
	}
	if *configPath != "" {
		args = append(args, "-config", *configPath)
	}
	if len(overrides) > 0 {
		blob, err := json.Marshal(overrides)
		if err != nil {
			return nil, fmt.Errorf("marshal overrides: %w", err)
		}
		args = append(args, "-overrides", string(blob))
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stderr = os.Stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("isolated backtest: %w", err)
	}

	var result backtest.Result
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("decode isolated backtest output: %w", err)
	}
	return &result, nil
}

// loadCandles syncs and reads the session's fixed backtest window.
func loadCandles(ctx context.Context, cfg *config.Config, st *store.Store) ([]candles.Candle, error) {
	interval := cfg.Trading.Interval
	intervalMs, err := candles.IntervalMillis(interval)
	if err != nil {
		return nil, err
	}
	nowMs := time.Now().UnixMilli()
	startMs := nowMs - int64(cfg.Optimize.BacktestStartDays)*24*int64(time.Hour/time.Millisecond)

	opts := candles.FetchOptions{
		Source:            cfg.Candles.Source,
		CandlesPerRequest: cfg.Candles.CandlesPerRequest,
		RequestDelay:      time.Duration(cfg.Candles.RequestDelayMS) * time.Millisecond,
	}

	syncer := candles.NewSyncer(newClient(cfg), st)
	bars := int((nowMs - startMs) / intervalMs)
	if _, err := syncer.SyncRecent(ctx, *coin, interval, bars, nowMs, opts); err != nil {
		return nil, err
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
