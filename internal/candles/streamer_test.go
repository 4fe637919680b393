package candles

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStreamer(transport Transport) *Streamer {
	return NewStreamer("BTC", "1m", FetchOptions{Source: SourceHyperliquid}, nil, transport, zerolog.Nop())
}

func drainEvents(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestStreamerTickReplacesSameTimestamp(t *testing.T) {
	s := newTestStreamer(nil)
	sub := s.Subscribe()

	s.handleTick(Tick{Candle: bar(1000, 10)})
	s.handleTick(Tick{Candle: bar(1000, 11)})

	view := s.Candles()
	require.Len(t, view, 1)
	assert.Equal(t, 11.0, view[0].C)

	events := drainEvents(sub.Events)
	require.Len(t, events, 2)
	assert.Equal(t, EventTick, events[0].Type)
	assert.Equal(t, EventTick, events[1].Type)
	assert.Equal(t, 11.0, events[1].Candle.C)
}

func TestStreamerRollOverClosesPreviousBar(t *testing.T) {
	s := newTestStreamer(nil)
	sub := s.Subscribe()

	s.handleTick(Tick{Candle: bar(1000, 10)})
	s.handleTick(Tick{Candle: bar(2000, 20)})

	events := drainEvents(sub.Events)
	require.Len(t, events, 3)
	assert.Equal(t, EventTick, events[0].Type)
	assert.Equal(t, EventClose, events[1].Type)
	assert.Equal(t, int64(1000), events[1].Candle.T)
	assert.Equal(t, EventTick, events[2].Type)
	assert.Equal(t, int64(2000), events[2].Candle.T)
}

func TestStreamerVenueClosedFlag(t *testing.T) {
	s := newTestStreamer(nil)
	sub := s.Subscribe()

	s.handleTick(Tick{Candle: bar(1000, 10), Closed: true})

	events := drainEvents(sub.Events)
	require.Len(t, events, 2)
	assert.Equal(t, EventTick, events[0].Type)
	assert.Equal(t, EventClose, events[1].Type)
	assert.Equal(t, int64(1000), events[1].Candle.T)
}

func TestStreamerDropsOutOfOrderAndInvalidTicks(t *testing.T) {
	s := newTestStreamer(nil)

	s.handleTick(Tick{Candle: bar(2000, 20)})
	s.handleTick(Tick{Candle: bar(1000, 10)})
	s.handleTick(Tick{Candle: Candle{T: 3000, O: 5, H: 4, L: 6, C: 5, V: 1}})

	view := s.Candles()
	require.Len(t, view, 1)
	assert.Equal(t, int64(2000), view[0].T)
}

func TestStreamerCloseSurvivesFullBuffer(t *testing.T) {
	s := newTestStreamer(nil)
	sub := s.Subscribe()

	// Fill the subscriber buffer with ticks nobody reads.
	for i := 0; i < subscriberBuffer+10; i++ {
		s.handleTick(Tick{Candle: bar(int64(1000+i*1000), 1)})
	}
	s.handleTick(Tick{Candle: bar(999_000, 1), Closed: true})

	events := drainEvents(sub.Events)
	require.NotEmpty(t, events)
	var sawClose bool
	for _, ev := range events {
		if ev.Type == EventClose && ev.Candle.T == 999_000 {
			sawClose = true
		}
	}
	assert.True(t, sawClose, "close event must not be dropped under backpressure")
}

func TestStreamerSubscribeAfterStop(t *testing.T) {
	s := newTestStreamer(nil)
	s.Stop()
	s.Stop() // idempotent

	sub := s.Subscribe()
	_, open := <-sub.Events
	assert.False(t, open)
}

func TestStreamerSubscriptionCancel(t *testing.T) {
	s := newTestStreamer(nil)
	sub := s.Subscribe()
	sub.Cancel()
	sub.Cancel() // idempotent

	s.handleTick(Tick{Candle: bar(1000, 10)})
	_, open := <-sub.Events
	assert.False(t, open)
}

func TestStreamerCancelDuringBroadcast(t *testing.T) {
	s := newTestStreamer(nil)

	// Subscribers churn while ticks broadcast. A Cancel landing between
	// the broadcast snapshot and the send must not hit a closed channel.
	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				sub := s.Subscribe()
				time.Sleep(200 * time.Microsecond)
				sub.Cancel()
			}
		}()
	}

	ts := int64(1000)
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		s.handleTick(Tick{Candle: bar(ts, 10), Closed: true})
		ts += 1000
	}
	close(done)
	wg.Wait()

	assert.NotEmpty(t, s.Candles())
}

// blockingTransport never yields a stream until the context ends.
type blockingTransport struct {
	connects atomic.Int32
}

func (b *blockingTransport) Connect(ctx context.Context) (TickStream, error) {
	b.connects.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStreamerStaleWatchdog(t *testing.T) {
	s := newTestStreamer(&blockingTransport{})
	s.watchdogTick = time.Millisecond

	base := time.Now()
	var offset atomic.Int64
	s.now = func() time.Time { return base.Add(time.Duration(offset.Load())) }

	s.handleTick(Tick{Candle: bar(1000, 10)})
	sub := s.Subscribe()
	s.Start(context.Background())
	defer s.Stop()

	// Jump past 3x interval of silence.
	offset.Store(int64(10 * time.Minute))

	select {
	case ev := <-sub.Events:
		assert.Equal(t, EventStale, ev.Type)
		assert.Equal(t, int64(1000), ev.LastCandleAt)
		assert.GreaterOrEqual(t, ev.SilentFor, 3*time.Minute)
	case <-time.After(2 * time.Second):
		t.Fatal("expected stale event")
	}
}

func TestStreamerWarmupFiltersInvalidRows(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.InsertCandles(context.Background(), "BTC", "1m", SourceHyperliquid, []Candle{
		bar(0, 1),
		bar(60_000, 2),
	}))
	// Bypass insert validation to plant a corrupt row directly.
	store.rows[120_000] = Candle{T: 120_000, O: 5, H: 4, L: 6, C: 5, V: 1}

	syncer := newTestSyncer(&scriptedFetcher{}, store)
	s := NewStreamer("BTC", "1m", FetchOptions{Source: SourceHyperliquid}, syncer, nil, zerolog.Nop())
	s.now = func() time.Time { return time.UnixMilli(120_000) }

	view, err := s.Warmup(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, view, 2)
	assert.Equal(t, int64(0), view[0].T)
	assert.Equal(t, int64(60_000), view[1].T)
}
