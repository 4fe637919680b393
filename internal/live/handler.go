package live

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantloop/quantloop/internal/alerts"
	"github.com/quantloop/quantloop/internal/config"
	"github.com/quantloop/quantloop/internal/events"
	"github.com/quantloop/quantloop/internal/exchange"
	"github.com/quantloop/quantloop/internal/metrics"
	"github.com/quantloop/quantloop/internal/risk"
	"github.com/quantloop/quantloop/internal/store"
)

// OrderStore is the slice of the SQLite store the live layer persists
// order legs and fills through.
type OrderStore interface {
	InsertOrder(ctx context.Context, o *store.Order) error
	UpdateOrderStatus(ctx context.Context, hlOrderID, status string, filledAt *time.Time) error
	GetOrderByExchangeID(ctx context.Context, hlOrderID string) (*store.Order, error)
	InsertFill(ctx context.Context, f *store.Fill) (bool, error)
}

// pendingEntry carries the admitted signal for a resting limit entry until
// its fill arrives on the event stream.
type pendingEntry struct {
	sig          *risk.Signal
	dec          *risk.Decision
	strategyName string
}

// Handler turns admitted signals into exchange order legs: leverage, entry,
// then the protective stop and take-profit orders.
type Handler struct {
	venue  exchange.Exchange
	book   *PositionBook
	orders OrderStore
	alerts *alerts.Manager
	events *events.Log
	cfg    config.TradingConfig
	mode   string
	logger zerolog.Logger

	pendingMu sync.Mutex
	pending   map[string]pendingEntry
}

// NewHandler wires the execution handler. mode tags persisted orders
// ("live" or "paper").
func NewHandler(venue exchange.Exchange, book *PositionBook, orders OrderStore,
	alertMgr *alerts.Manager, eventLog *events.Log, cfg config.TradingConfig,
	mode string, logger zerolog.Logger) *Handler {
	return &Handler{
		venue:   venue,
		book:    book,
		orders:  orders,
		alerts:  alertMgr,
		events:  eventLog,
		cfg:     cfg,
		mode:    mode,
		logger:  logger,
		pending: make(map[string]pendingEntry),
	}
}

// Execute places the entry for an admitted signal. A market entry that
// fills immediately also gets its protective legs here; a resting limit
// entry gets them when the fill arrives on the event stream.
func (h *Handler) Execute(ctx context.Context, sig *risk.Signal, dec *risk.Decision, strategyName string) error {
	unlock := h.book.Lock(sig.Coin)
	defer unlock()

	leverage := sig.Leverage
	if leverage <= 0 {
		leverage = h.cfg.Leverage
	}
	if leverage > 0 {
		if err := h.venue.SetLeverage(ctx, sig.Coin, leverage, h.cfg.CrossMargin); err != nil {
			return fmt.Errorf("set leverage for %s: %w", sig.Coin, err)
		}
	}

	req := exchange.OrderRequest{
		Coin: sig.Coin,
		Side: openSide(sig.Direction),
		Size: dec.Size,
		Tag:  exchange.TagEntry,
	}
	if sig.EntryPrice != nil {
		price := h.slippageAdjusted(*sig.EntryPrice, sig.Direction)
		req.Price = &price
	}

	res, err := h.venue.PlaceOrder(ctx, req)
	if err != nil {
		metrics.OrdersTotal.WithLabelValues(sig.Coin, exchange.TagEntry, "error").Inc()
		return fmt.Errorf("entry order for %s: %w", sig.Coin, err)
	}
	h.persistLeg(ctx, dec.SignalID, res, req, "")
	if res.Status == exchange.StatusRejected {
		return fmt.Errorf("entry order for %s rejected", sig.Coin)
	}

	if res.Status == exchange.StatusResting {
		h.pendingMu.Lock()
		h.pending[res.OrderID] = pendingEntry{sig: sig, dec: dec, strategyName: strategyName}
		h.pendingMu.Unlock()
		h.logger.Info().
			Str("coin", sig.Coin).
			Str("order_id", res.OrderID).
			Msg("Limit entry resting")
		return nil
	}

	size := res.FilledSize
	if size <= 0 {
		size = dec.Size
	}
	avg := res.AvgPrice
	if avg <= 0 {
		avg = dec.RefPrice
	}
	return h.protect(ctx, sig, dec, strategyName, size, avg)
}

// HandleEntryFill opens the position for a resting entry once its fill
// arrives. The caller holds the coin lock.
func (h *Handler) HandleEntryFill(ctx context.Context, hlOrderID string, fillPrice, fillSize float64) error {
	h.pendingMu.Lock()
	pe, ok := h.pending[hlOrderID]
	if ok {
		delete(h.pending, hlOrderID)
	}
	h.pendingMu.Unlock()
	if !ok {
		h.logger.Warn().Str("order_id", hlOrderID).Msg("Entry fill for unknown pending order")
		return nil
	}
	return h.protect(ctx, pe.sig, pe.dec, pe.strategyName, fillSize, fillPrice)
}

// protect opens the book position and places the stop and TP legs. A stop
// failure after a filled entry is the one unacceptable state: it raises a
// critical alarm, closes the position at market and clears the book.
func (h *Handler) protect(ctx context.Context, sig *risk.Signal, dec *risk.Decision, strategyName string, size, avgPrice float64) error {
	riskAmount := size * math.Abs(avgPrice-sig.StopLoss)
	pos := &Position{
		Coin:        sig.Coin,
		Direction:   sig.Direction,
		Size:        size,
		InitialSize: size,
		EntryPrice:  avgPrice,
		StopLoss:    sig.StopLoss,
		SignalID:    dec.SignalID,
		Strategy:    strategyName,
		RiskAmount:  riskAmount,
		OpenedAt:    time.Now().UTC(),
	}
	h.book.Open(pos)

	stopLevel := sig.StopLoss
	slReq := exchange.OrderRequest{
		Coin:         sig.Coin,
		Side:         closeSide(sig.Direction),
		Size:         size,
		TriggerPrice: &stopLevel,
		ReduceOnly:   true,
		Tag:          exchange.TagSL,
	}
	slRes, err := h.venue.PlaceOrder(ctx, slReq)
	if err == nil && slRes.Status == exchange.StatusRejected {
		err = fmt.Errorf("stop order rejected")
	}
	if err != nil {
		metrics.OrdersTotal.WithLabelValues(sig.Coin, exchange.TagSL, "error").Inc()
		h.bailOut(ctx, sig.Coin, sig.Direction, size, err)
		return fmt.Errorf("stop order for %s: %w", sig.Coin, err)
	}
	h.book.UpdateTrailingStop(sig.Coin, sig.StopLoss, slRes.OrderID)
	h.persistLeg(ctx, dec.SignalID, slRes, slReq, "")

	szDecimals := 4
	if meta, metaErr := h.venue.Meta(ctx, sig.Coin); metaErr == nil {
		szDecimals = meta.SzDecimals
	}
	for i, tp := range sig.TakeProfits {
		legSize := floorToDecimals(size*tp.PctOfPosition, szDecimals)
		if legSize <= 0 {
			continue
		}
		price := tp.Price
		tag := fmt.Sprintf("%s%d", exchange.TagTP, i+1)
		tpReq := exchange.OrderRequest{
			Coin:       sig.Coin,
			Side:       closeSide(sig.Direction),
			Size:       legSize,
			Price:      &price,
			ReduceOnly: true,
			Tag:        tag,
		}
		tpRes, tpErr := h.venue.PlaceOrder(ctx, tpReq)
		if tpErr == nil && tpRes.Status == exchange.StatusRejected {
			tpErr = fmt.Errorf("tp order rejected")
		}
		if tpErr != nil {
			metrics.OrdersTotal.WithLabelValues(sig.Coin, tag, "error").Inc()
			_ = h.alerts.SendWarning(ctx, fmt.Sprintf("TP order failed: %s", sig.Coin),
				fmt.Sprintf("TP%d at %.6g did not land; position remains stop-protected", i+1, tp.Price),
				map[string]interface{}{"coin": sig.Coin, "tp": i + 1})
			continue
		}
		h.book.appendTPLeg(sig.Coin, TPLeg{Price: tp.Price, Size: legSize, OrderID: tpRes.OrderID})
		h.persistLeg(ctx, dec.SignalID, tpRes, tpReq, tag)
	}

	h.emit(events.Event{Type: events.TypeOrder, Coin: sig.Coin, Payload: map[string]interface{}{
		"signal_id": dec.SignalID,
		"direction": sig.Direction,
		"size":      size,
		"entry":     avgPrice,
		"stop":      sig.StopLoss,
	}})
	_ = h.alerts.NotifyTrade(ctx, sig.Coin, sig.Direction, size, avgPrice, sig.StopLoss, sig.TakeProfits, riskAmount)
	return nil
}

// bailOut is the stop-failure safety path: critical alarm, market close,
// book cleared. An unprotected position must not stay open.
func (h *Handler) bailOut(ctx context.Context, coin, direction string, size float64, cause error) {
	_ = h.alerts.SendCritical(ctx, fmt.Sprintf("Stop order failed: %s", coin),
		fmt.Sprintf("stop did not land after entry fill, closing position at market: %v", cause),
		map[string]interface{}{"coin": coin})

	_, err := h.venue.PlaceOrder(ctx, exchange.OrderRequest{
		Coin:       coin,
		Side:       closeSide(direction),
		Size:       size,
		ReduceOnly: true,
		Tag:        exchange.TagEntry,
	})
	if err != nil {
		_ = h.alerts.SendCritical(ctx, fmt.Sprintf("Emergency close failed: %s", coin),
			fmt.Sprintf("market close after stop failure also failed, manual intervention required: %v", err),
			map[string]interface{}{"coin": coin})
	}
	h.book.Close(coin)
}

// ClosePosition cancels the protective orders and closes the position at
// market. Used by the control API.
func (h *Handler) ClosePosition(ctx context.Context, coin string) (*Position, error) {
	unlock := h.book.Lock(coin)
	defer unlock()

	pos := h.book.Get(coin)
	if pos == nil {
		return nil, fmt.Errorf("no open position for %s", coin)
	}

	if pos.StopOrderID != "" {
		if err := h.venue.CancelOrder(ctx, coin, pos.StopOrderID); err != nil {
			h.logger.Warn().Err(err).Str("coin", coin).Msg("Cancel stop failed during close")
		}
	}
	for _, leg := range pos.TakeProfits {
		if leg.OrderID == "" {
			continue
		}
		if err := h.venue.CancelOrder(ctx, coin, leg.OrderID); err != nil {
			h.logger.Warn().Err(err).Str("coin", coin).Msg("Cancel TP failed during close")
		}
	}

	res, err := h.venue.PlaceOrder(ctx, exchange.OrderRequest{
		Coin:       coin,
		Side:       closeSide(pos.Direction),
		Size:       pos.Size,
		ReduceOnly: true,
		Tag:        exchange.TagEntry,
	})
	if err != nil {
		return nil, fmt.Errorf("market close for %s: %w", coin, err)
	}
	if res.Status == exchange.StatusFilled {
		h.book.ReduceSize(coin, pos.Size, res.AvgPrice, 0)
	}
	closed := h.book.Close(coin)
	h.emit(events.Event{Type: events.TypePositionClosed, Coin: coin, Payload: map[string]interface{}{
		"signal_id":    closed.SignalID,
		"realized_pnl": closed.RealizedPnl,
		"reason":       "manual",
	}})
	return closed, nil
}

func (h *Handler) persistLeg(ctx context.Context, signalID string, res *exchange.OrderResult, req exchange.OrderRequest, tagOverride string) {
	tag := req.Tag
	if tagOverride != "" {
		tag = tagOverride
	}
	orderType := "market"
	switch {
	case req.TriggerPrice != nil:
		orderType = "trigger"
	case req.Price != nil:
		orderType = "limit"
	}
	status := store.OrderStatusPending
	var filledAt *time.Time
	switch res.Status {
	case exchange.StatusFilled:
		status = store.OrderStatusFilled
		now := time.Now().UTC()
		filledAt = &now
	case exchange.StatusRejected:
		status = store.OrderStatusRejected
	}

	rec := &store.Order{
		ID:        uuid.NewString(),
		SignalID:  signalID,
		HLOrderID: res.OrderID,
		Coin:      req.Coin,
		Side:      req.Side,
		Size:      req.Size,
		Price:     req.Price,
		OrderType: orderType,
		Tag:       tag,
		Status:    status,
		Mode:      h.mode,
		FilledAt:  filledAt,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.orders.InsertOrder(ctx, rec); err != nil {
		h.logger.Error().Err(err).Str("coin", req.Coin).Str("tag", tag).Msg("Persist order leg failed")
	}
	metrics.OrdersTotal.WithLabelValues(req.Coin, tag, status).Inc()
}

func (h *Handler) emit(ev events.Event) {
	if h.events == nil {
		return
	}
	if err := h.events.Emit(ev); err != nil {
		h.logger.Warn().Err(err).Str("type", ev.Type).Msg("Event emit failed")
	}
}

// slippageAdjusted shifts a limit price toward the fill direction by the
// configured slippage allowance.
func (h *Handler) slippageAdjusted(price float64, direction string) float64 {
	adj := price * h.cfg.EntrySlippageBP / 10000
	if direction == "long" {
		return price + adj
	}
	return price - adj
}

func openSide(direction string) string {
	if direction == "long" {
		return exchange.SideBuy
	}
	return exchange.SideSell
}

func floorToDecimals(v float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	return math.Floor(v*scale) / scale
}
