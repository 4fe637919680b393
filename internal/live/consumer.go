package live

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantloop/quantloop/internal/events"
	"github.com/quantloop/quantloop/internal/exchange"
	"github.com/quantloop/quantloop/internal/store"
)

// remainderEpsilon treats float dust left after the final reducing fill as
// a flat position.
const remainderEpsilon = 1e-9

// FillEvent is one execution report from the venue's user event stream.
type FillEvent struct {
	OrderID string
	FillID  string
	Coin    string
	Price   float64
	Size    float64
	Fee     float64
	Time    time.Time
}

// OrderUpdate is a status transition for a resting order.
type OrderUpdate struct {
	OrderID  string
	Status   string
	FilledAt time.Time
}

// Consumer applies exchange events to the position book and the order
// tables. Every fill is deduplicated on (order ID, fill ID), so snapshot
// replays after a resubscribe are no-ops.
type Consumer struct {
	venue   exchange.Exchange
	book    *PositionBook
	orders  OrderStore
	handler *Handler
	events  *events.Log
	logger  zerolog.Logger
}

// NewConsumer wires the event consumer.
func NewConsumer(venue exchange.Exchange, book *PositionBook, orders OrderStore,
	handler *Handler, eventLog *events.Log, logger zerolog.Logger) *Consumer {
	return &Consumer{
		venue:   venue,
		book:    book,
		orders:  orders,
		handler: handler,
		events:  eventLog,
		logger:  logger,
	}
}

// resolvedFill is a fill joined with its persisted order leg.
type resolvedFill struct {
	fill  FillEvent
	order *store.Order
}

// HandleFills processes one batch of fills. Within a batch, stop fills are
// applied before take-profit fills so that a bar sweeping both levels
// resolves in the conservative order. Per-fill errors are logged and never
// abort the batch.
func (c *Consumer) HandleFills(ctx context.Context, fills []FillEvent) {
	resolved := make([]resolvedFill, 0, len(fills))
	for _, f := range fills {
		order, err := c.orders.GetOrderByExchangeID(ctx, f.OrderID)
		if err != nil {
			c.logger.Warn().
				Str("order_id", f.OrderID).
				Str("fill_id", f.FillID).
				Msg("Fill for unknown order, skipping")
			continue
		}
		resolved = append(resolved, resolvedFill{fill: f, order: order})
	}

	sort.SliceStable(resolved, func(i, j int) bool {
		return legRank(resolved[i].order.Tag) < legRank(resolved[j].order.Tag)
	})

	for _, rf := range resolved {
		if err := c.applyFill(ctx, rf); err != nil {
			c.logger.Error().
				Err(err).
				Str("coin", rf.fill.Coin).
				Str("order_id", rf.fill.OrderID).
				Msg("Fill processing failed")
		}
	}
}

// legRank orders entry fills first, then stops, then take-profits.
func legRank(tag string) int {
	switch {
	case tag == exchange.TagEntry:
		return 0
	case tag == exchange.TagSL:
		return 1
	case strings.HasPrefix(tag, exchange.TagTP):
		return 2
	}
	return 3
}

func (c *Consumer) applyFill(ctx context.Context, rf resolvedFill) error {
	f := rf.fill
	inserted, err := c.orders.InsertFill(ctx, &store.Fill{
		HLOrderID: f.OrderID,
		FillID:    f.FillID,
		Coin:      f.Coin,
		Price:     f.Price,
		Size:      f.Size,
		Fee:       f.Fee,
		FilledAt:  f.Time,
	})
	if err != nil {
		return err
	}
	if !inserted {
		c.logger.Debug().
			Str("order_id", f.OrderID).
			Str("fill_id", f.FillID).
			Msg("Replayed fill, skipping")
		return nil
	}

	unlock := c.book.Lock(f.Coin)
	defer unlock()

	filledAt := f.Time
	if err := c.orders.UpdateOrderStatus(ctx, f.OrderID, store.OrderStatusFilled, &filledAt); err != nil {
		c.logger.Warn().Err(err).Str("order_id", f.OrderID).Msg("Order status update failed")
	}

	switch {
	case rf.order.Tag == exchange.TagEntry:
		if c.book.Has(f.Coin) {
			return nil
		}
		return c.handler.HandleEntryFill(ctx, f.OrderID, f.Price, f.Size)

	case rf.order.Tag == exchange.TagSL:
		remaining, ok := c.book.ReduceSize(f.Coin, f.Size, f.Price, f.Fee)
		if !ok {
			return nil
		}
		if remaining <= remainderEpsilon {
			c.closePosition(ctx, f.Coin, "stop_loss")
		}
		return nil

	case strings.HasPrefix(rf.order.Tag, exchange.TagTP):
		remaining, ok := c.book.ReduceSize(f.Coin, f.Size, f.Price, f.Fee)
		if !ok {
			return nil
		}
		c.book.RemoveTPLeg(f.Coin, f.OrderID)
		if remaining <= remainderEpsilon {
			c.closePosition(ctx, f.Coin, "take_profit")
		}
		return nil
	}
	return nil
}

// closePosition cancels leftover protective orders, removes the book entry
// and emits the terminal event with the realized PnL. Caller holds the
// coin lock.
func (c *Consumer) closePosition(ctx context.Context, coin, reason string) {
	pos := c.book.Get(coin)
	if pos == nil {
		return
	}
	if reason == "stop_loss" {
		for _, leg := range pos.TakeProfits {
			if leg.OrderID == "" {
				continue
			}
			if err := c.venue.CancelOrder(ctx, coin, leg.OrderID); err != nil {
				c.logger.Warn().Err(err).Str("coin", coin).Msg("Cancel TP after stop fill failed")
			}
		}
	} else if pos.StopOrderID != "" {
		if err := c.venue.CancelOrder(ctx, coin, pos.StopOrderID); err != nil {
			c.logger.Warn().Err(err).Str("coin", coin).Msg("Cancel stop after final TP fill failed")
		}
	}

	closed := c.book.Close(coin)
	if closed == nil {
		return
	}
	if c.events != nil {
		err := c.events.Emit(events.Event{Type: events.TypePositionClosed, Coin: coin, Payload: map[string]interface{}{
			"signal_id":    closed.SignalID,
			"realized_pnl": closed.RealizedPnl,
			"reason":       reason,
		}})
		if err != nil {
			c.logger.Warn().Err(err).Str("coin", coin).Msg("Event emit failed")
		}
	}
}

// HandleOrderUpdate applies a cancel/reject transition for a resting order.
func (c *Consumer) HandleOrderUpdate(ctx context.Context, upd OrderUpdate) {
	status := store.OrderStatusCancelled
	if upd.Status == exchange.StatusRejected {
		status = store.OrderStatusRejected
	}
	if err := c.orders.UpdateOrderStatus(ctx, upd.OrderID, status, nil); err != nil {
		c.logger.Warn().Err(err).Str("order_id", upd.OrderID).Msg("Order update failed")
	}
}
