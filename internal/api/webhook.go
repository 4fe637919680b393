package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quantloop/quantloop/internal/risk"
	"github.com/quantloop/quantloop/internal/strategy"
)

// webhookRequest is the TradingView-style alert payload.
type webhookRequest struct {
	Secret    string   `json:"secret"`
	AlertID   string   `json:"alert_id"`
	EventType string   `json:"event_type"`
	Asset     string   `json:"asset"`
	Side      string   `json:"side"`
	Entry     float64  `json:"entry"`
	SL        float64  `json:"sl"`
	Qty       float64  `json:"qty"`
	TP1       *float64 `json:"tp1"`
	TP2       *float64 `json:"tp2"`
	TP1Pct    *float64 `json:"tp1_pct"`
	Leverage  int      `json:"leverage"`
	RiskUSD   float64  `json:"risk_usd"`
	SignalTS  int64    `json:"signal_ts"`
	BarTS     int64    `json:"bar_ts"`
}

// WebhookToken derives the URL token for the shared secret. Clients embed
// it as the path segment of POST /webhook/:token.
func WebhookToken(secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// authorizeWebhook accepts either the HMAC token in the URL path or the
// raw shared secret in the body, compared in constant time.
func (s *Server) authorizeWebhook(c *gin.Context, bodySecret string) bool {
	secret := s.deps.Cfg.Webhook.Secret
	if secret == "" {
		return false
	}
	if token := c.Param("token"); token != "" {
		return hmac.Equal([]byte(token), []byte(WebhookToken(secret)))
	}
	return hmac.Equal([]byte(bodySecret), []byte(secret))
}

func (s *Server) handleWebhook(c *gin.Context) {
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if !s.authorizeWebhook(c, req.Secret) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	if req.EventType != "" && req.EventType != "ENTRY" {
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "event_type": req.EventType})
		return
	}
	if req.Asset == "" || req.SL <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	direction := strings.ToLower(req.Side)
	if direction != "long" && direction != "short" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	// Signals older than the TTL are stale by the time they arrive.
	ttl := time.Duration(s.deps.Cfg.Webhook.TTLSeconds) * time.Second
	if req.SignalTS > 0 && ttl > 0 {
		age := s.now().Sub(time.UnixMilli(req.SignalTS))
		if age > ttl {
			c.JSON(http.StatusOK, gin.H{"status": "expired", "age_seconds": int(age.Seconds())})
			return
		}
	}

	sig := &risk.Signal{
		Coin:        req.Asset,
		Direction:   direction,
		StopLoss:    req.SL,
		TakeProfits: webhookTakeProfits(req),
		AlertID:     req.AlertID,
		Source:      "webhook",
		Leverage:    req.Leverage,
	}
	if req.Entry > 0 {
		entry := req.Entry
		sig.EntryPrice = &entry
	}
	s.executeSignal(c, sig)
}

// webhookTakeProfits builds the TP legs: tp1_pct defaults to 50% when a
// second target exists and 100% otherwise; tp2 takes the remainder.
func webhookTakeProfits(req webhookRequest) []strategy.TakeProfit {
	if req.TP1 == nil {
		return nil
	}
	tp1Pct := 1.0
	if req.TP2 != nil {
		tp1Pct = 0.5
	}
	if req.TP1Pct != nil && *req.TP1Pct > 0 && *req.TP1Pct <= 1 {
		tp1Pct = *req.TP1Pct
	}
	out := []strategy.TakeProfit{{Price: *req.TP1, PctOfPosition: tp1Pct}}
	if req.TP2 != nil && tp1Pct < 1 {
		out = append(out, strategy.TakeProfit{Price: *req.TP2, PctOfPosition: 1 - tp1Pct})
	}
	return out
}
