// Package risk implements the guardrail gate that admits or rejects every
// incoming signal before it reaches the exchange. Each decision is
// persisted; the signal table is the audit log.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantloop/quantloop/internal/config"
	"github.com/quantloop/quantloop/internal/exchange"
	"github.com/quantloop/quantloop/internal/optimize"
	"github.com/quantloop/quantloop/internal/store"
	"github.com/quantloop/quantloop/internal/strategy"
)

// Stable rejection reasons. API responses and tests match on these exactly.
const (
	ReasonDuplicate        = "Duplicate"
	ReasonInvalidSignal    = "Invalid signal"
	ReasonAutoTradingOff   = "Auto-trading disabled"
	ReasonDailyTradeLimit  = "global_daily_limit"
	ReasonDailyLossLimit   = "daily_loss_limit"
	ReasonMaxOpenPositions = "max_open_positions"
	ReasonPositionExists   = "position_exists"
	ReasonNoMarketPrice    = "No market price"
	ReasonZeroSize         = "zero_size"
	ReasonMaxNotional      = "max_notional"
	ReasonMaxLeverage      = "max_leverage"
	ReasonCooldown         = "cooldown"
	ReasonProtectedField   = "protected_field"
	ReasonParamBounds      = "param_bounds"
)

// dedupTTL bounds how long an alert ID is held in the fast dedup layer; the
// signals table remains the durable record.
const dedupTTL = 24 * time.Hour

// Signal is one incoming trade intent after schema decoding.
type Signal struct {
	Coin        string                `json:"coin"`
	Direction   string                `json:"direction"`
	EntryPrice  *float64              `json:"entry_price,omitempty"`
	StopLoss    float64               `json:"stop_loss"`
	TakeProfits []strategy.TakeProfit `json:"take_profits,omitempty"`
	Comment     string                `json:"comment,omitempty"`
	AlertID     string                `json:"alert_id,omitempty"`
	Source      string                `json:"source,omitempty"`
	Leverage    int                   `json:"leverage,omitempty"`
	// Overrides are optional parameter changes riding on the signal. They
	// are validated against protected fields and strategy bounds.
	Overrides map[string]float64 `json:"overrides,omitempty"`
}

// Decision is the gate's verdict for one signal.
type Decision struct {
	Allowed  bool    `json:"allowed"`
	Reason   string  `json:"reason,omitempty"`
	SignalID string  `json:"signal_id"`
	Size     float64 `json:"size,omitempty"`
	RefPrice float64 `json:"ref_price,omitempty"`
	Notional float64 `json:"notional,omitempty"`
}

// Venue is the slice of the exchange surface the gate needs.
type Venue interface {
	MidPrice(ctx context.Context, coin string) (float64, error)
	Meta(ctx context.Context, coin string) (*exchange.AssetMeta, error)
}

// Positions is the position-book view used for open-position and cooldown
// checks. BarsSinceExit returns a large value when the coin never traded.
type Positions interface {
	Count() int
	Has(coin string) bool
	BarsSinceExit(coin string) int
}

// SignalStore persists decisions and serves the daily trade count.
type SignalStore interface {
	HasSignal(ctx context.Context, alertID string) (bool, error)
	InsertSignal(ctx context.Context, sig *store.StoredSignal) error
	CountTradesSince(ctx context.Context, since time.Time) (int, error)
}

// Deduper is the fast alert-ID layer in front of the signals table.
type Deduper interface {
	Has(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key string, ttl time.Duration) error
}

// PnlFn returns today's realized PnL.
type PnlFn func(ctx context.Context) (float64, error)

// Gate runs the ten admission checks in order; the first failure wins.
type Gate struct {
	cfg       config.RiskConfig
	venue     Venue
	positions Positions
	signals   SignalStore
	dedup     Deduper
	dailyPnl  PnlFn
	params    map[string]*strategy.Param
	logger    zerolog.Logger

	autoMu  sync.Mutex
	autoOff map[string]bool
	now     func() time.Time
}

// NewGate wires the gate. params is the live strategy's parameter set,
// used for bounds validation of signal-borne overrides.
func NewGate(cfg config.RiskConfig, venue Venue, positions Positions, signals SignalStore,
	dedup Deduper, dailyPnl PnlFn, params map[string]*strategy.Param, logger zerolog.Logger) *Gate {
	return &Gate{
		cfg:       cfg,
		venue:     venue,
		positions: positions,
		signals:   signals,
		dedup:     dedup,
		dailyPnl:  dailyPnl,
		params:    params,
		logger:    logger,
		autoOff:   make(map[string]bool),
		now:       time.Now,
	}
}

// SetAutoTrading flips the auto-trading flag for a (coin, strategy) pair.
// An empty strategy applies to all strategies on the coin.
func (g *Gate) SetAutoTrading(coin, strategyName string, enabled bool) {
	g.autoMu.Lock()
	defer g.autoMu.Unlock()
	g.autoOff[autoKey(coin, strategyName)] = !enabled
}

// AutoTradingEnabled reports the flag for a (coin, strategy) pair.
func (g *Gate) AutoTradingEnabled(coin, strategyName string) bool {
	g.autoMu.Lock()
	defer g.autoMu.Unlock()
	if g.autoOff[autoKey(coin, "")] {
		return false
	}
	return !g.autoOff[autoKey(coin, strategyName)]
}

func autoKey(coin, strategyName string) string {
	return coin + "/" + strategyName
}

// Evaluate runs the checks and persists the decision. The returned error is
// for infrastructure failures only; rejections come back as a Decision.
func (g *Gate) Evaluate(ctx context.Context, sig *Signal, strategyName string) (*Decision, error) {
	dec := &Decision{SignalID: uuid.NewString()}
	reason, err := g.check(ctx, sig, strategyName, dec)
	if err != nil {
		return nil, err
	}
	dec.Allowed = reason == ""
	dec.Reason = reason

	if err := g.persist(ctx, sig, dec); err != nil {
		return nil, err
	}
	evt := g.logger.Info()
	if !dec.Allowed {
		evt = g.logger.Warn().Str("reason", dec.Reason)
	}
	evt.Str("coin", sig.Coin).
		Str("direction", sig.Direction).
		Str("alert_id", sig.AlertID).
		Bool("allowed", dec.Allowed).
		Msg("Signal decision")
	return dec, nil
}

// check returns the first failing reason, or "" when admitted.
func (g *Gate) check(ctx context.Context, sig *Signal, strategyName string, dec *Decision) (string, error) {
	// 1. Idempotency.
	if sig.AlertID != "" {
		if seen, _ := g.dedup.Has(ctx, sig.AlertID); seen {
			return ReasonDuplicate, nil
		}
		stored, err := g.signals.HasSignal(ctx, sig.AlertID)
		if err != nil {
			return "", err
		}
		if stored {
			return ReasonDuplicate, nil
		}
	}

	// 2. Schema and sign relations, against the reference price.
	if sig.Coin == "" || (sig.Direction != "long" && sig.Direction != "short") {
		return ReasonInvalidSignal, nil
	}
	ref, ok := g.refPrice(ctx, sig)
	if !ok {
		return ReasonNoMarketPrice, nil
	}
	dec.RefPrice = ref
	s := strategy.Signal{
		Direction:   sig.Direction,
		EntryPrice:  sig.EntryPrice,
		StopLoss:    sig.StopLoss,
		TakeProfits: sig.TakeProfits,
	}
	if err := s.Validate(ref); err != nil {
		return ReasonInvalidSignal, nil
	}

	// 3. Auto-trading flag.
	if !g.AutoTradingEnabled(sig.Coin, strategyName) {
		return ReasonAutoTradingOff, nil
	}

	// 4. Daily trade count.
	count, err := g.signals.CountTradesSince(ctx, g.midnightUTC())
	if err != nil {
		return "", err
	}
	if count >= g.cfg.MaxTradesPerDay {
		return ReasonDailyTradeLimit, nil
	}

	// 5. Daily loss limit.
	pnl, err := g.dailyPnl(ctx)
	if err != nil {
		return "", err
	}
	if pnl <= -g.cfg.MaxDailyLossUSD {
		return ReasonDailyLossLimit, nil
	}

	// 6. Open position caps.
	if g.positions.Count() >= g.cfg.MaxOpenPositions {
		return ReasonMaxOpenPositions, nil
	}
	if g.positions.Has(sig.Coin) {
		return ReasonPositionExists, nil
	}

	// 7. Position sizing.
	meta, err := g.venue.Meta(ctx, sig.Coin)
	if err != nil {
		return "", err
	}
	size := g.positionSize(sig, ref, meta.SzDecimals)
	if size <= 0 {
		return ReasonZeroSize, nil
	}
	dec.Size = size

	// 8. Notional and leverage caps.
	leverage := sig.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	if leverage > g.cfg.MaxLeverage {
		return ReasonMaxLeverage, nil
	}
	notional := size * ref * float64(leverage)
	if notional > g.cfg.MaxNotionalUSD {
		return ReasonMaxNotional, nil
	}
	dec.Notional = notional

	// 9. Cooldown.
	if g.positions.BarsSinceExit(sig.Coin) < g.cfg.CooldownBars {
		return ReasonCooldown, nil
	}

	// 10. Protected fields and parameter bounds.
	if len(sig.Overrides) > 0 {
		for name := range sig.Overrides {
			for _, protected := range optimize.ProtectedFields {
				if name == protected {
					return ReasonProtectedField, nil
				}
			}
		}
		if err := validateBounds(g.params, sig.Overrides); err != nil {
			return ReasonParamBounds, nil
		}
	}
	return "", nil
}

// refPrice resolves the price the signal is validated and sized against:
// the limit price when present, the venue mid otherwise.
func (g *Gate) refPrice(ctx context.Context, sig *Signal) (float64, bool) {
	if sig.EntryPrice != nil && *sig.EntryPrice > 0 {
		return *sig.EntryPrice, true
	}
	mid, err := g.venue.MidPrice(ctx, sig.Coin)
	if err != nil || mid <= 0 {
		return 0, false
	}
	return mid, true
}

func (g *Gate) positionSize(sig *Signal, ref float64, szDecimals int) float64 {
	var size float64
	switch g.cfg.SizingMode {
	case "cash":
		size = g.cfg.CashPerTrade / ref
	default: // risk
		dist := math.Abs(ref - sig.StopLoss)
		if dist <= 0 {
			return 0
		}
		size = g.cfg.RiskPerTradeUSD / dist
	}
	return floorToDecimals(size, szDecimals)
}

func floorToDecimals(v float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	return math.Floor(v*scale) / scale
}

// validateBounds dry-runs overrides against parameter bounds without
// mutating the live parameter set.
func validateBounds(params map[string]*strategy.Param, overrides map[string]float64) error {
	for name, value := range overrides {
		p, ok := params[name]
		if !ok {
			return fmt.Errorf("unknown parameter %q", name)
		}
		if value < p.Min || value > p.Max {
			return fmt.Errorf("parameter %q out of bounds", name)
		}
	}
	return nil
}

func (g *Gate) persist(ctx context.Context, sig *Signal, dec *Decision) error {
	tps, err := json.Marshal(sig.TakeProfits)
	if err != nil {
		return fmt.Errorf("marshal take profits: %w", err)
	}
	rec := &store.StoredSignal{
		ID:              dec.SignalID,
		AlertID:         sig.AlertID,
		Source:          sig.Source,
		Coin:            sig.Coin,
		Side:            sig.Direction,
		EntryPrice:      sig.EntryPrice,
		StopLoss:        sig.StopLoss,
		TakeProfitsJSON: string(tps),
		RiskCheckPassed: dec.Allowed,
		RiskCheckReason: dec.Reason,
		CreatedAt:       g.now().UTC(),
	}
	if rec.AlertID == "" {
		rec.AlertID = rec.ID
	}
	if err := g.signals.InsertSignal(ctx, rec); err != nil {
		return err
	}
	if sig.AlertID != "" {
		_ = g.dedup.Set(ctx, sig.AlertID, dedupTTL)
	}
	return nil
}

func (g *Gate) midnightUTC() time.Time {
	now := g.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
