package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/quantloop/quantloop/internal/candles"
	"github.com/quantloop/quantloop/internal/risk"
	"github.com/quantloop/quantloop/internal/strategy"
)

// quickSignalStopPct is the default stop distance for operator-initiated
// quick signals, as a fraction of the mid price.
const quickSignalStopPct = 0.01

// ==================== SIGNAL INTAKE ====================

type takeProfitRequest struct {
	Price         float64 `json:"price"`
	PctOfPosition float64 `json:"pctOfPosition"`
}

type signalRequest struct {
	Coin        string              `json:"coin"`
	Direction   string              `json:"direction"`
	EntryPrice  *float64            `json:"entryPrice"`
	StopLoss    float64             `json:"stopLoss"`
	TakeProfits []takeProfitRequest `json:"takeProfits"`
	Comment     string              `json:"comment"`
	AlertID     string              `json:"alertId"`
}

func (s *Server) handleSignal(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.Coin == "" || (req.Direction != "long" && req.Direction != "short") || req.StopLoss <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	tps := make([]strategy.TakeProfit, 0, len(req.TakeProfits))
	for _, tp := range req.TakeProfits {
		tps = append(tps, strategy.TakeProfit{Price: tp.Price, PctOfPosition: tp.PctOfPosition})
	}
	sig := &risk.Signal{
		Coin:        req.Coin,
		Direction:   req.Direction,
		EntryPrice:  req.EntryPrice,
		StopLoss:    req.StopLoss,
		TakeProfits: tps,
		Comment:     req.Comment,
		AlertID:     req.AlertID,
		Source:      "api",
	}
	s.executeSignal(c, sig)
}

// executeSignal runs a decoded signal through the gate and, when admitted,
// the execution handler.
func (s *Server) executeSignal(c *gin.Context, sig *risk.Signal) {
	strategyName := s.deps.Cfg.Trading.Strategy
	dec, err := s.deps.Gate.Evaluate(c.Request.Context(), sig, strategyName)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !dec.Allowed {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"status": "rejected", "reason": dec.Reason})
		return
	}
	if err := s.deps.Handler.Execute(c.Request.Context(), sig, dec, strategyName); err != nil {
		log.Error().Err(err).Str("coin", sig.Coin).Msg("Signal execution failed")
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "signalId": dec.SignalID, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "executed", "signalId": dec.SignalID})
}

type quickSignalRequest struct {
	Coin      string `json:"coin"`
	Direction string `json:"direction"`
}

func (s *Server) handleQuickSignal(c *gin.Context) {
	var req quickSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Coin == "" ||
		(req.Direction != "long" && req.Direction != "short") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	mid, err := s.deps.Venue.MidPrice(c.Request.Context(), req.Coin)
	if err != nil || mid <= 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"status": "rejected", "reason": risk.ReasonNoMarketPrice})
		return
	}
	stop := mid * (1 - quickSignalStopPct)
	if req.Direction == "short" {
		stop = mid * (1 + quickSignalStopPct)
	}
	s.executeSignal(c, &risk.Signal{
		Coin:      req.Coin,
		Direction: req.Direction,
		StopLoss:  stop,
		Source:    "quick",
	})
}

// ==================== CONTROL ====================

type closePositionRequest struct {
	Coin string `json:"coin"`
}

func (s *Server) handleClosePosition(c *gin.Context) {
	var req closePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Coin == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	closed, err := s.deps.Handler.ClosePosition(c.Request.Context(), req.Coin)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed", "position": closed})
}

type autoTradingRequest struct {
	Coin     string `json:"coin"`
	Strategy string `json:"strategy"`
	Enabled  *bool  `json:"enabled"`
}

func (s *Server) handleAutoTrading(c *gin.Context) {
	var req autoTradingRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Coin == "" || req.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	s.deps.Gate.SetAutoTrading(req.Coin, req.Strategy, *req.Enabled)
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"coin":    req.Coin,
		"enabled": *req.Enabled,
	})
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	oid := c.Param("oid")
	open, err := s.deps.Venue.OpenOrders(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for _, o := range open {
		if o.OrderID != oid {
			continue
		}
		if err := s.deps.Venue.CancelOrder(c.Request.Context(), o.Coin, oid); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "cancelled", "orderId": oid})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
}

// ==================== QUERIES ====================

func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	intervalMs, err := candles.IntervalMillis(s.deps.Cfg.Trading.Interval)
	if err == nil {
		threshold := 3 * time.Duration(intervalMs) * time.Millisecond
		for _, streamer := range s.deps.Streamers {
			last := streamer.LastTickAt()
			if !last.IsZero() && s.now().Sub(last) >= threshold {
				status = "stale"
				break
			}
		}
	}
	degraded := false
	if s.deps.Dedup != nil {
		degraded = s.deps.Dedup.Degraded()
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "dedup_degraded": degraded})
}

func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.deps.Book.GetAll()})
}

func (s *Server) handleOrders(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	orders, err := s.deps.Store.ListOrders(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) handleSignals(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	signals, err := s.deps.Store.ListSignals(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals})
}

func (s *Server) handleEquity(c *gin.Context) {
	days := intQuery(c, "days", 7)
	since := s.now().AddDate(0, 0, -days)
	snaps, err := s.deps.Store.ListEquitySnapshots(c.Request.Context(), since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"equity": snaps})
}

func (s *Server) handleOpenOrders(c *gin.Context) {
	open, err := s.deps.Venue.OpenOrders(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": open})
}

func (s *Server) handleAccount(c *gin.Context) {
	acct, err := s.deps.Venue.Account(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (s *Server) handleCandles(c *gin.Context) {
	coin := c.Query("coin")
	interval := c.Query("interval")
	if coin == "" || !candles.ValidInterval(interval) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "coin and interval required"})
		return
	}
	limit := intQuery(c, "limit", 500)

	rows, err := s.deps.Store.GetCandles(c.Request.Context(), coin, interval,
		0, s.now().UnixMilli(), s.deps.Cfg.Candles.Source)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	c.JSON(http.StatusOK, gin.H{"coin": coin, "interval": interval, "candles": rows})
}

// strategySignal is one historical signal from a dry strategy replay.
type strategySignal struct {
	BarTime    int64    `json:"bar_time"`
	Direction  string   `json:"direction"`
	EntryPrice *float64 `json:"entry_price,omitempty"`
	StopLoss   float64  `json:"stop_loss"`
	Comment    string   `json:"comment,omitempty"`
}

func (s *Server) handleStrategySignals(c *gin.Context) {
	coin := c.Query("coin")
	if coin == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "coin required"})
		return
	}
	name := c.Query("strategy")
	if name == "" {
		name = s.deps.Cfg.Trading.Strategy
	}
	strat, err := strategy.New(name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	interval := s.deps.Cfg.Trading.Interval
	rows, err := s.deps.Store.GetCandles(c.Request.Context(), coin, interval,
		0, s.now().UnixMilli(), s.deps.Cfg.Candles.Source)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(rows) == 0 {
		c.JSON(http.StatusOK, gin.H{"coin": coin, "strategy": name, "signals": []strategySignal{}})
		return
	}

	higher := make(map[string][]candles.Candle)
	for _, tf := range strat.RequiredTimeframes() {
		if tf == interval {
			continue
		}
		tfMs, err := candles.IntervalMillis(tf)
		if err != nil {
			continue
		}
		higher[tf] = candles.Aggregate(rows, tfMs)
	}
	strat.Init(rows, higher)

	var out []strategySignal
	for i := range rows {
		sig := strat.OnCandle(&strategy.Context{
			Candles: rows,
			Index:   i,
			Current: rows[i],
			Higher:  higher,
		})
		if sig == nil {
			continue
		}
		out = append(out, strategySignal{
			BarTime:    rows[i].T,
			Direction:  sig.Direction,
			EntryPrice: sig.EntryPrice,
			StopLoss:   sig.StopLoss,
			Comment:    sig.Comment,
		})
	}
	const maxSignals = 50
	if len(out) > maxSignals {
		out = out[len(out)-maxSignals:]
	}
	c.JSON(http.StatusOK, gin.H{"coin": coin, "strategy": name, "signals": out})
}

// handleConfig returns the running configuration with secrets redacted.
func (s *Server) handleConfig(c *gin.Context) {
	cfg := s.deps.Cfg
	c.JSON(http.StatusOK, gin.H{
		"app":      cfg.App,
		"candles":  cfg.Candles,
		"trading":  cfg.Trading,
		"risk":     cfg.Risk,
		"exchange": gin.H{"venue": cfg.Exchange.Venue, "base_url": cfg.Exchange.BaseURL, "testnet": cfg.Exchange.Testnet},
	})
}

func intQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
