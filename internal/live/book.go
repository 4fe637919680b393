// Package live wires the live trading loop: the position book, the signal
// handler that turns admitted signals into exchange order legs, the
// exchange event consumer and the per-coin runner supervision.
package live

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantloop/quantloop/internal/exchange"
	"github.com/quantloop/quantloop/internal/metrics"
	"github.com/quantloop/quantloop/internal/strategy"
)

// trailEpsilon is the minimum stop improvement worth a cancel/replace
// round trip, as a fraction of price.
const trailEpsilon = 1e-4

// TPLeg is one resting take-profit order attached to a position.
type TPLeg struct {
	Price   float64 `json:"price"`
	Size    float64 `json:"size"`
	OrderID string  `json:"order_id"`
}

// Position is one open live position.
type Position struct {
	Coin        string    `json:"coin"`
	Direction   string    `json:"direction"`
	Size        float64   `json:"size"`
	InitialSize float64   `json:"initial_size"`
	EntryPrice  float64   `json:"entry_price"`
	StopLoss    float64   `json:"stop_loss"`
	StopOrderID string    `json:"stop_order_id,omitempty"`
	TakeProfits []TPLeg   `json:"take_profits,omitempty"`
	SignalID    string    `json:"signal_id"`
	Strategy    string    `json:"strategy"`
	RiskAmount  float64   `json:"risk_amount"`
	RealizedPnl float64   `json:"realized_pnl"`
	OpenedAt    time.Time `json:"opened_at"`
}

// PositionBook is the in-memory position state, keyed by coin. It owns the
// per-coin lock that serializes the bar-close path against the exchange
// event path.
type PositionBook struct {
	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	positions map[string]*Position
	// barsSinceExit drives the risk gate's cooldown check. It counts
	// closed primary bars since the last exit per coin.
	barsSinceExit map[string]int
	logger        zerolog.Logger
}

// NewPositionBook creates an empty book.
func NewPositionBook(logger zerolog.Logger) *PositionBook {
	return &PositionBook{
		locks:         make(map[string]*sync.Mutex),
		positions:     make(map[string]*Position),
		barsSinceExit: make(map[string]int),
		logger:        logger,
	}
}

// Lock takes the coin's lock and returns the unlock. Both the signal path
// and the event path hold it across their whole critical section.
func (b *PositionBook) Lock(coin string) func() {
	b.mu.Lock()
	l, ok := b.locks[coin]
	if !ok {
		l = &sync.Mutex{}
		b.locks[coin] = l
	}
	b.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Open registers a new position. The caller holds the coin lock.
func (b *PositionBook) Open(pos *Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[pos.Coin] = pos
	metrics.OpenPositions.Set(float64(len(b.positions)))
	b.logger.Info().
		Str("coin", pos.Coin).
		Str("direction", pos.Direction).
		Float64("size", pos.Size).
		Float64("entry", pos.EntryPrice).
		Msg("Position opened")
}

// Close removes the position and starts the cooldown counter. Returns the
// removed position, or nil when the coin was flat.
func (b *PositionBook) Close(coin string) *Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[coin]
	if !ok {
		return nil
	}
	delete(b.positions, coin)
	b.barsSinceExit[coin] = 0
	metrics.OpenPositions.Set(float64(len(b.positions)))
	metrics.RealizedPnl.WithLabelValues(coin).Add(pos.RealizedPnl)
	b.logger.Info().
		Str("coin", coin).
		Float64("realized_pnl", pos.RealizedPnl).
		Msg("Position closed")
	return pos
}

// Get returns the position for a coin, or nil.
func (b *PositionBook) Get(coin string) *Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positions[coin]
}

// GetAll returns a snapshot of every open position.
func (b *PositionBook) GetAll() []*Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Position, 0, len(b.positions))
	for _, p := range b.positions {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// Count returns the number of open positions.
func (b *PositionBook) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.positions)
}

// Has reports whether the coin has an open position.
func (b *PositionBook) Has(coin string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.positions[coin]
	return ok
}

// BarsSinceExit returns the closed bars since the coin's last exit, or a
// large value when the coin never traded.
func (b *PositionBook) BarsSinceExit(coin string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n, ok := b.barsSinceExit[coin]; ok {
		return n
	}
	return math.MaxInt32
}

// BarClosed advances the cooldown counter on every closed primary bar.
func (b *PositionBook) BarClosed(coin string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n, ok := b.barsSinceExit[coin]; ok {
		b.barsSinceExit[coin] = n + 1
	}
}

// ReduceSize shrinks the position after a partial (sl/tp) fill and books
// the leg's realized PnL. Returns the remaining size. The caller holds the
// coin lock.
func (b *PositionBook) ReduceSize(coin string, filledSize, fillPrice, fee float64) (remaining float64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, exists := b.positions[coin]
	if !exists {
		return 0, false
	}
	pnl := (fillPrice - pos.EntryPrice) * filledSize
	if pos.Direction == "short" {
		pnl = -pnl
	}
	pos.RealizedPnl += pnl - fee
	pos.Size -= filledSize
	return pos.Size, true
}

// UpdateTrailingStop records the new stop level and order ID after a
// cancel/replace. The caller holds the coin lock.
func (b *PositionBook) UpdateTrailingStop(coin string, level float64, orderID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[coin]
	if !ok {
		return false
	}
	pos.StopLoss = level
	pos.StopOrderID = orderID
	return true
}

// RemoveTPLeg drops the TP leg matching the filled order. The caller holds
// the coin lock.
func (b *PositionBook) RemoveTPLeg(coin, orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[coin]
	if !ok {
		return
	}
	for i, leg := range pos.TakeProfits {
		if leg.OrderID == orderID {
			pos.TakeProfits = append(pos.TakeProfits[:i], pos.TakeProfits[i+1:]...)
			return
		}
	}
}

// MaybeTrail moves the stop to level when it improves on the current stop
// by more than the epsilon, cancelling and replacing the exchange order.
// The caller holds the coin lock.
func (b *PositionBook) MaybeTrail(ctx context.Context, venue exchange.Exchange, coin string, level float64) (bool, error) {
	pos := b.Get(coin)
	if pos == nil {
		return false, nil
	}
	improved := level > pos.StopLoss*(1+trailEpsilon)
	if pos.Direction == "short" {
		improved = level < pos.StopLoss*(1-trailEpsilon)
	}
	if !improved {
		return false, nil
	}

	if pos.StopOrderID != "" {
		if err := venue.CancelOrder(ctx, coin, pos.StopOrderID); err != nil {
			return false, fmt.Errorf("cancel stop for %s: %w", coin, err)
		}
	}
	res, err := venue.PlaceOrder(ctx, exchange.OrderRequest{
		Coin:         coin,
		Side:         closeSide(pos.Direction),
		Size:         pos.Size,
		TriggerPrice: &level,
		ReduceOnly:   true,
		Tag:          exchange.TagSL,
	})
	if err != nil {
		return false, fmt.Errorf("replace stop for %s: %w", coin, err)
	}
	b.UpdateTrailingStop(coin, level, res.OrderID)
	b.logger.Info().
		Str("coin", coin).
		Float64("stop", level).
		Msg("Trailing stop moved")
	return true, nil
}

// Reconcile regenerates missing stop and TP orders after a reconnect: any
// book position whose protective orders are absent from the venue's open
// order set gets them re-placed.
func (b *PositionBook) Reconcile(ctx context.Context, venue exchange.Exchange) error {
	open, err := venue.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	existing := make(map[string]bool, len(open))
	for _, o := range open {
		existing[o.OrderID] = true
	}

	for _, pos := range b.GetAll() {
		unlock := b.Lock(pos.Coin)
		if pos.StopOrderID == "" || !existing[pos.StopOrderID] {
			level := pos.StopLoss
			res, err := venue.PlaceOrder(ctx, exchange.OrderRequest{
				Coin:         pos.Coin,
				Side:         closeSide(pos.Direction),
				Size:         pos.Size,
				TriggerPrice: &level,
				ReduceOnly:   true,
				Tag:          exchange.TagSL,
			})
			if err != nil {
				unlock()
				return fmt.Errorf("reconcile stop for %s: %w", pos.Coin, err)
			}
			b.UpdateTrailingStop(pos.Coin, pos.StopLoss, res.OrderID)
			b.logger.Warn().Str("coin", pos.Coin).Msg("Regenerated missing stop order")
		}
		for i, leg := range pos.TakeProfits {
			if leg.OrderID != "" && existing[leg.OrderID] {
				continue
			}
			price := leg.Price
			res, err := venue.PlaceOrder(ctx, exchange.OrderRequest{
				Coin:       pos.Coin,
				Side:       closeSide(pos.Direction),
				Size:       leg.Size,
				Price:      &price,
				ReduceOnly: true,
				Tag:        fmt.Sprintf("%s%d", exchange.TagTP, i+1),
			})
			if err != nil {
				unlock()
				return fmt.Errorf("reconcile tp for %s: %w", pos.Coin, err)
			}
			b.setTPOrderID(pos.Coin, i, res.OrderID)
			b.logger.Warn().Str("coin", pos.Coin).Int("tp", i+1).Msg("Regenerated missing TP order")
		}
		unlock()
	}
	return nil
}

// appendTPLeg attaches a freshly placed TP order to the position. The
// caller holds the coin lock.
func (b *PositionBook) appendTPLeg(coin string, leg TPLeg) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[coin]
	if !ok {
		return
	}
	pos.TakeProfits = append(pos.TakeProfits, leg)
}

func (b *PositionBook) setTPOrderID(coin string, idx int, orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[coin]
	if !ok || idx >= len(pos.TakeProfits) {
		return
	}
	pos.TakeProfits[idx].OrderID = orderID
}

func closeSide(direction string) string {
	if direction == "long" {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

// exitLevel asks the strategy for the trailing level, if it provides one.
func exitLevel(s strategy.Strategy, ctx *strategy.Context) (float64, bool) {
	leveler, ok := s.(strategy.ExitLeveler)
	if !ok {
		return 0, false
	}
	return leveler.GetExitLevel(ctx)
}
