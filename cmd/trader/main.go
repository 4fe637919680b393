// Trader daemon
// Wires the full live stack: candle streamers, strategy runners, the risk
// gate, the execution handler, the fill consumer and the control API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quantloop/quantloop/internal/alerts"
	"github.com/quantloop/quantloop/internal/api"
	"github.com/quantloop/quantloop/internal/candles"
	"github.com/quantloop/quantloop/internal/config"
	"github.com/quantloop/quantloop/internal/dedup"
	"github.com/quantloop/quantloop/internal/events"
	"github.com/quantloop/quantloop/internal/exchange"
	"github.com/quantloop/quantloop/internal/live"
	"github.com/quantloop/quantloop/internal/risk"
	"github.com/quantloop/quantloop/internal/store"
	"github.com/quantloop/quantloop/internal/strategy"
)

// ============================================================================
// CLI FLAGS
// ============================================================================

var (
	configPath = flag.String("config", "", "Path to config file (optional)")
	noRedis    = flag.Bool("no-redis", false, "Run dedup on the in-process cache only")
)

const equitySnapshotEvery = 5 * time.Minute

// ============================================================================
// MAIN
// ============================================================================

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	log.Info().
		Str("environment", cfg.App.Environment).
		Strs("coins", cfg.Trading.Coins).
		Str("strategy", cfg.Trading.Strategy).
		Str("venue", cfg.Exchange.Venue).
		Msg("Starting trader")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Trader exited with error")
	}
	log.Info().Msg("Trader stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	st, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	// Dedup: Redis shared store with in-process fallback. The guard keeps
	// working through Redis outages and reports them on /health.
	var remote dedup.Store
	if !*noRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetRedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		remote = dedup.NewRedisStore(client, "quantloop:dedup:")
	}
	guard := dedup.NewGuard(remote, 4096, config.NewLogger("dedup"))
	defer func() { _ = guard.Close() }()

	// Event log, optionally fanned out to NATS.
	var publisher events.Publisher
	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer nc.Close()
		publisher = nc
	}
	eventsPath := filepath.Join(filepath.Dir(cfg.Store.Path), "events.jsonl")
	evlog, err := events.Open(eventsPath, publisher, "quantloop.events", config.NewLogger("events"))
	if err != nil {
		return err
	}
	defer func() { _ = evlog.Close() }()

	venue, mode, err := newVenue(cfg)
	if err != nil {
		return err
	}

	alertMgr, err := newAlerts(cfg)
	if err != nil {
		return err
	}

	// Degradation transitions raise an event and an alert.
	guard.OnDegraded(func(degraded bool) {
		_ = evlog.Emit(events.Event{Type: events.TypeDedupDegraded, Payload: map[string]interface{}{
			"degraded": degraded,
		}})
		alarmCtx := context.Background()
		if degraded {
			alertMgr.SendWarning(alarmCtx, "Dedup degraded",
				"Redis unreachable, duplicate suppression running on the in-process cache only", nil)
		} else {
			alertMgr.SendInfo(alarmCtx, "Dedup recovered", "Redis connection restored", nil)
		}
	})

	streamers, err := newStreamers(ctx, cfg, st, venue)
	if err != nil {
		return err
	}
	defer func() {
		for _, s := range streamers {
			s.Stop()
		}
	}()

	strategies := make(map[string]strategy.Strategy, len(cfg.Trading.Coins))
	for _, coin := range cfg.Trading.Coins {
		strat, err := strategy.New(cfg.Trading.Strategy)
		if err != nil {
			return err
		}
		strategies[coin] = strat
	}

	// The gate validates signal-borne overrides against a canonical
	// parameter set of the configured strategy.
	canonical, err := strategy.New(cfg.Trading.Strategy)
	if err != nil {
		return err
	}

	book := live.NewPositionBook(config.NewLogger("book"))
	handler := live.NewHandler(venue, book, st, alertMgr, evlog, cfg.Trading, mode, config.NewLogger("handler"))
	consumer := live.NewConsumer(venue, book, st, handler, evlog, config.NewLogger("consumer"))

	gate := risk.NewGate(cfg.Risk, venue, book, st, guard,
		dailyPnlFn(st), canonical.Params(), config.NewLogger("gate"))

	var userTransport live.UserTransport
	if mode == "live" && cfg.Exchange.Wallet != "" {
		userTransport = live.NewHyperliquidUserWS(cfg.Exchange.WSEndpoint, cfg.Exchange.Wallet)
	}

	runner := live.NewRunner(cfg.Trading, streamers, strategies, gate, handler,
		consumer, book, venue, userTransport, evlog, config.NewLogger("live"))

	server := api.NewServer(api.Deps{
		Cfg:       cfg,
		Store:     st,
		Gate:      gate,
		Handler:   handler,
		Book:      book,
		Venue:     venue,
		Streamers: streamers,
		Dedup:     guard,
	})

	errCh := make(chan error, 2)
	go func() { errCh <- runner.Run(ctx) }()
	go func() { errCh <- server.Start() }()
	go snapshotEquity(ctx, venue, st)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}

// newVenue builds the exchange adapter. The mock venue trades paper and
// tracks candle mid prices; Hyperliquid trades live.
func newVenue(cfg *config.Config) (exchange.Exchange, string, error) {
	switch cfg.Exchange.Venue {
	case "mock":
		mock := exchange.NewMockExchange(10_000)
		for _, coin := range cfg.Trading.Coins {
			mock.SetMeta(coin, 4, cfg.Risk.MaxLeverage)
		}
		return mock, "paper", nil
	default:
		// Exchange actions require a signer; none is wired yet.
		if cfg.Exchange.PrivateKey != "" {
			return nil, "", fmt.Errorf("exchange.private_key is set but no signer is available; remove the key or run venue=mock")
		}
		log.Warn().Msg("Hyperliquid venue is read-only without a signer, order placement will fail")
		hl := exchange.NewHyperliquidExchange(cfg.Exchange.BaseURL, nil, config.NewLogger("exchange"))
		return hl, "live", nil
	}
}

func newAlerts(cfg *config.Config) (*alerts.Manager, error) {
	if cfg.Telegram.BotToken == "" {
		return alerts.NewManager(), nil
	}
	tg, err := alerts.NewTelegramAlerter(cfg.Telegram.BotToken, cfg.Telegram.ChatIDs)
	if err != nil {
		return nil, err
	}
	return alerts.NewManager(tg), nil
}

// newStreamers warms up one streamer per coin. For the mock venue a feed
// goroutine mirrors candle closes into the venue's mid prices so the gate
// and the paper fills see live marks.
func newStreamers(ctx context.Context, cfg *config.Config, st *store.Store, venue exchange.Exchange) (map[string]*candles.Streamer, error) {
	opts := candles.FetchOptions{
		Source:            cfg.Candles.Source,
		CandlesPerRequest: cfg.Candles.CandlesPerRequest,
		RequestDelay:      time.Duration(cfg.Candles.RequestDelayMS) * time.Millisecond,
	}
	syncer := candles.NewSyncer(newClient(cfg), st)
	mock, _ := venue.(*exchange.MockExchange)

	streamers := make(map[string]*candles.Streamer, len(cfg.Trading.Coins))
	for _, coin := range cfg.Trading.Coins {
		transport, err := newTransport(cfg, coin)
		if err != nil {
			return nil, err
		}
		s := candles.NewStreamer(coin, cfg.Trading.Interval, opts, syncer, transport,
			config.NewRunnerLogger(coin, cfg.Trading.Strategy))
		if _, err := s.Warmup(ctx, cfg.Candles.WarmupBars); err != nil {
			return nil, err
		}
		if mock != nil {
			if last, ok := s.Latest(); ok {
				mock.SetMidPrice(coin, last.C)
			}
			go mirrorTicks(s, mock, coin)
		}
		streamers[coin] = s
	}
	return streamers, nil
}

func newTransport(cfg *config.Config, coin string) (candles.Transport, error) {
	switch cfg.Candles.Source {
	case candles.SourceBinance:
		symbol, err := candles.Symbol(coin, candles.SourceBinance, "")
		if err != nil {
			return nil, err
		}
		return candles.NewBinanceWS(symbol, cfg.Trading.Interval), nil
	default:
		return candles.NewHyperliquidWS(coin, cfg.Trading.Interval), nil
	}
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

// mirrorTicks forwards candle closes into the mock venue's mid price.
func mirrorTicks(s *candles.Streamer, mock *exchange.MockExchange, coin string) {
	sub := s.Subscribe()
	for ev := range sub.Events {
		if ev.Type == candles.EventTick || ev.Type == candles.EventClose {
			mock.SetMidPrice(coin, ev.Candle.C)
		}
	}
}

// dailyPnlFn measures today's realized PnL as the equity change across the
// snapshots taken since midnight UTC.
func dailyPnlFn(st *store.Store) risk.PnlFn {
	return func(ctx context.Context) (float64, error) {
		midnight := time.Now().UTC().Truncate(24 * time.Hour)
		snaps, err := st.ListEquitySnapshots(ctx, midnight)
		if err != nil {
			return 0, err
		}
		if len(snaps) < 2 {
			return 0, nil
		}
		return snaps[len(snaps)-1].Equity - snaps[0].Equity, nil
	}
}

// snapshotEquity records the account equity on a fixed cadence.
func snapshotEquity(ctx context.Context, venue exchange.Exchange, st *store.Store) {
	ticker := time.NewTicker(equitySnapshotEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		acct, err := venue.Account(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Equity snapshot failed")
			continue
		}
		snap := &store.EquitySnapshot{
			TakenAt: time.Now().UTC(),
			Equity:  acct.Equity,
			Balance: acct.Withdrawable,
		}
		if err := st.InsertEquitySnapshot(ctx, snap); err != nil {
			log.Warn().Err(err).Msg("Equity snapshot persist failed")
		}
	}
}
