package candles

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType classifies streamer events.
type EventType string

const (
	EventTick  EventType = "tick"
	EventClose EventType = "close"
	EventStale EventType = "stale"
)

// Event is delivered to streamer subscribers. For stale events Candle is the
// last accepted candle and SilentFor the observed silence.
type Event struct {
	Type         EventType     `json:"type"`
	Candle       Candle        `json:"candle"`
	LastCandleAt int64         `json:"last_candle_at,omitempty"`
	SilentFor    time.Duration `json:"silent_for,omitempty"`
}

// Tick is one websocket candle update from a venue transport. Closed marks
// venues that flag bar completion explicitly (Binance kline x flag);
// venues without the flag rely on the streamer's roll-over detection.
type Tick struct {
	Candle Candle
	Closed bool
}

// TickStream is one live connection delivering ticks until it errors.
type TickStream interface {
	Next(ctx context.Context) (Tick, error)
	Close() error
}

// Transport dials the venue's candle feed.
type Transport interface {
	Connect(ctx context.Context) (TickStream, error)
}

// Subscription is a registered listener. Cancel unregisters it; the events
// channel is closed afterwards.
type Subscription struct {
	Events <-chan Event
	Cancel func()
}

const subscriberBuffer = 64

// subscriber owns its channel lifecycle. deliver and close serialize on mu
// so a Cancel racing a broadcast never sends on a closed channel.
type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// deliver sends without blocking. Ticks are droppable when the buffer is
// full; close and stale events evict the oldest buffered event instead so
// they are always delivered. Cancelled subscribers drop everything.
func (sub *subscriber) deliver(ev Event, mustDeliver bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- ev:
		return
	default:
	}
	if !mustDeliver {
		return
	}
	for {
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
			return
		default:
		}
	}
}

// close closes the events channel exactly once.
func (sub *subscriber) close() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
}

// Streamer unifies REST warmup and a live websocket subscription for one
// (coin, interval, source) series.
type Streamer struct {
	coin      string
	interval  string
	opts      FetchOptions
	syncer    *Syncer
	transport Transport
	logger    zerolog.Logger
	now       func() time.Time

	// watchdogTick overrides the stale-check cadence; zero means
	// threshold/6.
	watchdogTick time.Duration

	mu         sync.Mutex
	candles    []Candle
	subs       map[int]*subscriber
	nextSubID  int
	running    bool
	stopped    bool
	cancel     context.CancelFunc
	lastTickAt time.Time

	wg sync.WaitGroup
}

// NewStreamer creates a streamer. transport may be nil for warmup-only use.
func NewStreamer(coin, interval string, opts FetchOptions, syncer *Syncer, transport Transport, logger zerolog.Logger) *Streamer {
	return &Streamer{
		coin:      coin,
		interval:  interval,
		opts:      opts,
		syncer:    syncer,
		transport: transport,
		logger:    logger,
		now:       time.Now,
		subs:      make(map[int]*subscriber),
	}
}

// Warmup fills the in-memory view with the most recent bars via cache sync.
// Rows violating the candle invariants are discarded.
func (s *Streamer) Warmup(ctx context.Context, bars int) ([]Candle, error) {
	intervalMs, err := IntervalMillis(s.interval)
	if err != nil {
		return nil, err
	}
	nowMs := s.now().UnixMilli()
	if _, err := s.syncer.SyncRecent(ctx, s.coin, s.interval, bars, nowMs, s.opts); err != nil {
		return nil, err
	}
	rows, err := s.syncer.Store().GetCandles(ctx, s.coin, s.interval, nowMs-int64(bars)*intervalMs, nowMs, s.opts.Source)
	if err != nil {
		return nil, err
	}

	valid := make([]Candle, 0, len(rows))
	for _, c := range rows {
		if c.Valid() {
			valid = append(valid, c)
		}
	}

	s.mu.Lock()
	s.candles = valid
	s.mu.Unlock()

	s.logger.Info().Int("bars", len(valid)).Msg("Streamer warmed up")
	return append([]Candle(nil), valid...), nil
}

// FetchHistorical fetches bars ending at endMs directly, bypassing cache.
func (s *Streamer) FetchHistorical(ctx context.Context, endMs int64, bars int) ([]Candle, error) {
	intervalMs, err := IntervalMillis(s.interval)
	if err != nil {
		return nil, err
	}
	return s.syncer.client.FetchCandles(ctx, s.coin, s.interval, endMs-int64(bars)*intervalMs, endMs, s.opts)
}

// Candles returns a copy of the current in-memory view.
func (s *Streamer) Candles() []Candle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Candle(nil), s.candles...)
}

// Latest returns the newest candle in the view.
func (s *Streamer) Latest() (Candle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.candles) == 0 {
		return Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

// LastTickAt returns when the last tick was accepted.
func (s *Streamer) LastTickAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTickAt
}

// Subscribe registers a listener. After Stop the returned channel is
// already closed and delivers nothing.
func (s *Streamer) Subscribe() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if s.stopped {
		close(ch)
		return &Subscription{Events: ch, Cancel: func() {}}
	}

	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = &subscriber{ch: ch}

	return &Subscription{
		Events: ch,
		Cancel: func() {
			s.mu.Lock()
			sub, ok := s.subs[id]
			if ok {
				delete(s.subs, id)
			}
			s.mu.Unlock()
			if ok {
				sub.close()
			}
		},
	}
}

// Start launches the live subscription loop. Idempotent.
func (s *Streamer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running || s.stopped || s.transport == nil {
		s.mu.Unlock()
		return
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.lastTickAt = s.now()
	s.mu.Unlock()

	s.wg.Add(2)
	go s.streamLoop(runCtx)
	go s.watchdogLoop(runCtx)
}

// Stop terminates the live loops and closes all subscriber channels.
// Idempotent; in-flight events are drained before channels close.
func (s *Streamer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for id, sub := range s.subs {
		delete(s.subs, id)
		subs = append(subs, sub)
	}
	s.running = false
	s.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	s.logger.Info().Msg("Streamer stopped")
}

// streamLoop reconnects with exponential backoff: 1s, 2s, 4s, ... cap 60s,
// reset on each successful connect.
func (s *Streamer) streamLoop(ctx context.Context) {
	defer s.wg.Done()

	const (
		initialBackoff = time.Second
		maxBackoff     = 60 * time.Second
	)
	backoff := initialBackoff

	for ctx.Err() == nil {
		stream, err := s.transport.Connect(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Dur("backoff", backoff).Msg("Candle stream connect failed")
			sleepCtx(ctx, backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = initialBackoff
		s.logger.Info().Msg("Candle stream connected")

		for ctx.Err() == nil {
			tick, err := stream.Next(ctx)
			if err != nil {
				s.logger.Warn().Err(err).Msg("Candle stream read failed, reconnecting")
				break
			}
			s.handleTick(tick)
		}
		_ = stream.Close()
	}
}

// watchdogLoop emits a stale event after 3x interval of tick silence.
func (s *Streamer) watchdogLoop(ctx context.Context) {
	defer s.wg.Done()

	intervalMs, err := IntervalMillis(s.interval)
	if err != nil {
		return
	}
	threshold := 3 * time.Duration(intervalMs) * time.Millisecond

	tick := s.watchdogTick
	if tick <= 0 {
		tick = threshold / 6
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		silent := s.now().Sub(s.lastTickAt)
		var last Candle
		var lastAt int64
		if n := len(s.candles); n > 0 {
			last = s.candles[n-1]
			lastAt = last.T
		}
		s.mu.Unlock()

		if silent >= threshold {
			s.logger.Warn().Dur("silent", silent).Msg("Candle stream stale")
			s.broadcast(Event{Type: EventStale, Candle: last, LastCandleAt: lastAt, SilentFor: silent}, true)

			// Re-arm so one stall produces one event per threshold window.
			s.mu.Lock()
			s.lastTickAt = s.now()
			s.mu.Unlock()
		}
	}
}

// handleTick applies the upsert rule and emits tick/close events. A tick
// with the same timestamp as the newest stored candle replaces it; a newer
// timestamp closes the previous bar and appends. Out-of-order and invalid
// ticks are discarded.
func (s *Streamer) handleTick(tick Tick) {
	c := tick.Candle
	if !c.Valid() {
		return
	}

	var closedPrev *Candle
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	n := len(s.candles)
	switch {
	case n == 0 || c.T > s.candles[n-1].T:
		if n > 0 {
			prev := s.candles[n-1]
			closedPrev = &prev
		}
		s.candles = append(s.candles, c)
	case c.T == s.candles[n-1].T:
		s.candles[n-1] = c
	default:
		// Older than the newest stored bar: violates tick ordering, drop.
		s.mu.Unlock()
		return
	}
	s.lastTickAt = s.now()
	s.mu.Unlock()

	if closedPrev != nil {
		s.broadcast(Event{Type: EventClose, Candle: *closedPrev}, true)
	}
	s.broadcast(Event{Type: EventTick, Candle: c}, false)
	if tick.Closed {
		s.broadcast(Event{Type: EventClose, Candle: c}, true)
	}
}

// broadcast fans an event out to all subscribers.
func (s *Streamer) broadcast(ev Event, mustDeliver bool) {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(ev, mustDeliver)
	}
}
