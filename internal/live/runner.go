package live

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quantloop/quantloop/internal/candles"
	"github.com/quantloop/quantloop/internal/config"
	"github.com/quantloop/quantloop/internal/events"
	"github.com/quantloop/quantloop/internal/exchange"
	"github.com/quantloop/quantloop/internal/metrics"
	"github.com/quantloop/quantloop/internal/risk"
	"github.com/quantloop/quantloop/internal/strategy"
)

// Runner supervises the live loops: one candle subscription per coin
// driving the strategy, plus the user fill stream feeding the consumer.
type Runner struct {
	cfg           config.TradingConfig
	streamers     map[string]*candles.Streamer
	strategies    map[string]strategy.Strategy
	gate          *risk.Gate
	handler       *Handler
	consumer      *Consumer
	book          *PositionBook
	venue         exchange.Exchange
	userTransport UserTransport
	events        *events.Log
	logger        zerolog.Logger
}

// NewRunner wires the supervisor. userTransport may be nil (paper mode,
// where the mock venue fills synchronously).
func NewRunner(cfg config.TradingConfig, streamers map[string]*candles.Streamer,
	strategies map[string]strategy.Strategy, gate *risk.Gate, handler *Handler,
	consumer *Consumer, book *PositionBook, venue exchange.Exchange,
	userTransport UserTransport, eventLog *events.Log, logger zerolog.Logger) *Runner {
	return &Runner{
		cfg:           cfg,
		streamers:     streamers,
		strategies:    strategies,
		gate:          gate,
		handler:       handler,
		consumer:      consumer,
		book:          book,
		venue:         venue,
		userTransport: userTransport,
		events:        eventLog,
		logger:        logger,
	}
}

// Run starts every loop and blocks until the context is cancelled or one
// loop fails.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for coin, streamer := range r.streamers {
		streamer.Start(ctx)
		coin, streamer := coin, streamer
		g.Go(func() error {
			return r.coinLoop(ctx, coin, streamer)
		})
	}
	if r.userTransport != nil {
		g.Go(func() error {
			return r.userLoop(ctx)
		})
	}
	return g.Wait()
}

func (r *Runner) coinLoop(ctx context.Context, coin string, streamer *candles.Streamer) error {
	sub := streamer.Subscribe()
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case candles.EventClose:
				metrics.StreamerStale.WithLabelValues(coin, r.cfg.Interval).Set(0)
				r.onBarClose(ctx, coin, streamer, ev.Candle)
			case candles.EventStale:
				metrics.StreamerStale.WithLabelValues(coin, r.cfg.Interval).Set(1)
				r.emit(events.Event{Type: events.TypeStale, Coin: coin, Payload: map[string]interface{}{
					"silent_for":     ev.SilentFor.String(),
					"last_candle_at": ev.LastCandleAt,
				}})
			}
		}
	}
}

// onBarClose runs the strategy over the closed bar: trailing and exit
// management when a position is open, entry evaluation when flat.
func (r *Runner) onBarClose(ctx context.Context, coin string, streamer *candles.Streamer, closed candles.Candle) {
	r.book.BarClosed(coin)

	s, ok := r.strategies[coin]
	if !ok {
		return
	}
	primary := streamer.Candles()
	idx := -1
	for i := len(primary) - 1; i >= 0; i-- {
		if primary[i].T == closed.T {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	higher := make(map[string][]candles.Candle)
	for _, tf := range s.RequiredTimeframes() {
		if tf == r.cfg.Interval {
			continue
		}
		tfMs, err := candles.IntervalMillis(tf)
		if err != nil {
			continue
		}
		higher[tf] = candles.Aggregate(primary, tfMs)
	}
	s.Init(primary, higher)

	sctx := &strategy.Context{
		Candles:       primary,
		Index:         idx,
		Current:       primary[idx],
		Higher:        higher,
		BarsSinceExit: r.book.BarsSinceExit(coin),
	}

	if pos := r.book.Get(coin); pos != nil {
		sctx.PositionDirection = pos.Direction
		sctx.PositionEntryPrice = pos.EntryPrice
		r.managePosition(ctx, coin, s, sctx)
		return
	}

	sig := s.OnCandle(sctx)
	if sig == nil {
		return
	}
	rsig := &risk.Signal{
		Coin:        coin,
		Direction:   sig.Direction,
		EntryPrice:  sig.EntryPrice,
		StopLoss:    sig.StopLoss,
		TakeProfits: sig.TakeProfits,
		Source:      "strategy",
	}
	dec, err := r.gate.Evaluate(ctx, rsig, s.Name())
	if err != nil {
		r.logger.Error().Err(err).Str("coin", coin).Msg("Gate evaluation failed")
		return
	}
	outcome := "allowed"
	if !dec.Allowed {
		outcome = "rejected"
	}
	metrics.SignalsTotal.WithLabelValues(coin, outcome).Inc()
	if !dec.Allowed {
		return
	}
	if err := r.handler.Execute(ctx, rsig, dec, s.Name()); err != nil {
		r.logger.Error().Err(err).Str("coin", coin).Msg("Signal execution failed")
	}
}

func (r *Runner) managePosition(ctx context.Context, coin string, s strategy.Strategy, sctx *strategy.Context) {
	if level, ok := exitLevel(s, sctx); ok {
		unlock := r.book.Lock(coin)
		_, err := r.book.MaybeTrail(ctx, r.venue, coin, level)
		unlock()
		if err != nil {
			r.logger.Error().Err(err).Str("coin", coin).Msg("Trailing stop update failed")
		}
	}

	if dec := s.ShouldExit(sctx); dec != nil && dec.Exit {
		r.logger.Info().Str("coin", coin).Str("comment", dec.Comment).Msg("Strategy exit")
		if _, err := r.handler.ClosePosition(ctx, coin); err != nil {
			r.logger.Error().Err(err).Str("coin", coin).Msg("Strategy exit close failed")
		}
	}
}

// userLoop keeps the fill stream alive with exponential backoff and runs a
// protective-order reconciliation after every reconnect.
func (r *Runner) userLoop(ctx context.Context) error {
	const (
		initialBackoff = time.Second
		maxBackoff     = 60 * time.Second
	)
	backoff := initialBackoff

	for ctx.Err() == nil {
		stream, err := r.userTransport.Connect(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Dur("backoff", backoff).Msg("User stream connect failed")
			sleepCtx(ctx, backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = initialBackoff
		r.logger.Info().Msg("User stream connected")

		if err := r.book.Reconcile(ctx, r.venue); err != nil {
			r.logger.Error().Err(err).Msg("Order reconciliation failed")
		}

		for ctx.Err() == nil {
			fills, err := stream.Next(ctx)
			if err != nil {
				r.logger.Warn().Err(err).Msg("User stream read failed, reconnecting")
				break
			}
			r.consumer.HandleFills(ctx, fills)
		}
		_ = stream.Close()
	}
	return ctx.Err()
}

func (r *Runner) emit(ev events.Event) {
	if r.events == nil {
		return
	}
	if err := r.events.Emit(ev); err != nil {
		r.logger.Warn().Err(err).Str("type", ev.Type).Msg("Event emit failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
