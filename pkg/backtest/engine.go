// Package backtest drives a strategy bar by bar over historical candles and
// aggregates the resulting trades into metrics and trade analysis. The loop
// is pure computation: no I/O, deterministic for identical inputs.
package backtest

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantloop/quantloop/internal/candles"
	"github.com/quantloop/quantloop/internal/strategy"
)

// Sizing modes.
const (
	SizingRisk = "risk"
	SizingCash = "cash"
)

// Config holds the engine's account and risk settings.
type Config struct {
	InitialCapital  float64 `json:"initial_capital"`
	RiskPerTradeUsd float64 `json:"risk_per_trade_usd"`
	CashPerTrade    float64 `json:"cash_per_trade"`
	SizingMode      string  `json:"sizing_mode"`
	Commission      float64 `json:"commission"` // per-side rate on notional
	MaxTradesPerDay int     `json:"max_trades_per_day"`
	CooldownBars    int     `json:"cooldown_bars"`
}

// DefaultConfig returns the standard backtest account settings.
func DefaultConfig() Config {
	return Config{
		InitialCapital:  10_000,
		RiskPerTradeUsd: 100,
		SizingMode:      SizingRisk,
		Commission:      0.00045,
		MaxTradesPerDay: 6,
		CooldownBars:    2,
	}
}

// CompletedTrade is one round trip. ExitPx is size-weighted across partial
// take-profit fills.
type CompletedTrade struct {
	EntryTs    int64   `json:"entry_ts"`
	ExitTs     int64   `json:"exit_ts"`
	Direction  string  `json:"direction"`
	EntryPx    float64 `json:"entry_px"`
	ExitPx     float64 `json:"exit_px"`
	Size       float64 `json:"size"`
	Pnl        float64 `json:"pnl"`
	RMultiple  float64 `json:"r_multiple"`
	ExitReason string  `json:"exit_reason"`
}

// Metrics summarizes a run. ProfitFactor is capped at 99 when there are no
// losing trades so the value stays JSON-encodable.
type Metrics struct {
	TotalPnl       float64 `json:"total_pnl"`
	NumTrades      int     `json:"num_trades"`
	WinningTrades  int     `json:"winning_trades"`
	LosingTrades   int     `json:"losing_trades"`
	GrossProfit    float64 `json:"gross_profit"`
	GrossLoss      float64 `json:"gross_loss"`
	ProfitFactor   float64 `json:"profit_factor"`
	WinRate        float64 `json:"win_rate"`
	AvgR           float64 `json:"avg_r"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	FinalEquity    float64 `json:"final_equity"`
}

// Result is the full output of one run.
type Result struct {
	Trades      []CompletedTrade `json:"trades"`
	Metrics     Metrics          `json:"metrics"`
	EquityCurve []float64        `json:"equity_curve"`
	Analysis    TradeAnalysis    `json:"analysis"`
}

// openPosition is the engine's in-flight position state.
type openPosition struct {
	direction   string
	entryPx     float64
	entryTs     int64
	entryBar    int
	size        float64
	initialSize float64
	stopLoss    float64
	takeProfits []strategy.TakeProfit
	riskAmount  float64

	realizedPnl  float64
	exitNotional float64
	exitedSize   float64
}

// Engine runs one strategy over one primary candle series.
type Engine struct {
	cfg    Config
	strat  strategy.Strategy
	logger zerolog.Logger
}

// New creates an engine.
func New(cfg Config, strat strategy.Strategy, logger zerolog.Logger) *Engine {
	return &Engine{cfg: cfg, strat: strat, logger: logger}
}

// Run drives the strategy over the primary series. Higher-timeframe views
// are aggregated from the primary with OHLC rules; the completed-bar rule
// in strategy.Context keeps in-progress buckets invisible.
func (e *Engine) Run(primary []candles.Candle) (*Result, error) {
	if len(primary) == 0 {
		return nil, fmt.Errorf("no candles to backtest")
	}

	higher := make(map[string][]candles.Candle)
	for _, tf := range e.strat.RequiredTimeframes() {
		ms, err := candles.IntervalMillis(tf)
		if err != nil {
			return nil, fmt.Errorf("required timeframe: %w", err)
		}
		higher[tf] = candles.Aggregate(primary, ms)
	}
	e.strat.Init(primary, higher)

	var (
		trades       []CompletedTrade
		pos          *openPosition
		equity       = e.cfg.InitialCapital
		peak         = equity
		maxDD        float64
		equityCurve  = make([]float64, 0, len(primary))
		dailyPnl     float64
		tradesToday  int
		barsSince    = math.MaxInt32
		consecLosses int
		currentDay   = ""
	)

	closeLeg := func(p *openPosition, size, price float64, ts int64, reason string, final bool) {
		pnl := (price - p.entryPx) * size
		if p.direction == strategy.DirectionShort {
			pnl = -pnl
		}
		pnl -= e.cfg.Commission * (p.entryPx*size + price*size)
		p.realizedPnl += pnl
		p.exitNotional += price * size
		p.exitedSize += size
		p.size -= size

		if final || p.size <= 1e-12 {
			trade := CompletedTrade{
				EntryTs:    p.entryTs,
				ExitTs:     ts,
				Direction:  p.direction,
				EntryPx:    p.entryPx,
				ExitPx:     p.exitNotional / p.exitedSize,
				Size:       p.initialSize,
				Pnl:        p.realizedPnl,
				ExitReason: reason,
			}
			if p.riskAmount > 0 {
				trade.RMultiple = p.realizedPnl / p.riskAmount
			}
			trades = append(trades, trade)
			equity += p.realizedPnl
			dailyPnl += p.realizedPnl
			if p.realizedPnl < 0 {
				consecLosses++
			} else {
				consecLosses = 0
			}
			barsSince = 0
			pos = nil
		}
	}

	for i, bar := range primary {
		day := time.UnixMilli(bar.T).UTC().Format("2006-01-02")
		if day != currentDay {
			currentDay = day
			dailyPnl = 0
			tradesToday = 0
		}

		ctx := &strategy.Context{
			Candles:           primary,
			Index:             i,
			Current:           bar,
			Higher:            higher,
			DailyPnl:          dailyPnl,
			TradesToday:       tradesToday,
			BarsSinceExit:     barsSince,
			ConsecutiveLosses: consecLosses,
		}

		if pos != nil {
			ctx.PositionDirection = pos.direction
			ctx.PositionEntryPrice = pos.entryPx
			ctx.PositionEntryBar = pos.entryBar

			// Stop loss first (conservative intrabar ordering), then
			// partial take profits, then the strategy exit at bar close.
			if stopHit(pos, bar) {
				closeLeg(pos, pos.size, pos.stopLoss, bar.T, "sl", true)
			} else {
				for _, tp := range pos.takeProfits {
					if pos == nil || !tpHit(pos, bar, tp.Price) {
						continue
					}
					size := pos.initialSize * tp.PctOfPosition
					if size > pos.size {
						size = pos.size
					}
					if size > 0 {
						closeLeg(pos, size, tp.Price, bar.T, "tp", false)
					}
				}
				if pos != nil {
					pos.takeProfits = unhitTPs(pos, bar)
				}
				if pos != nil {
					if dec := e.strat.ShouldExit(ctx); dec != nil && dec.Exit {
						reason := dec.Comment
						if reason == "" {
							reason = "strategy"
						}
						closeLeg(pos, pos.size, bar.C, bar.T, reason, true)
					}
				}
			}

			// Trailing stop: only ever moves in the profit direction.
			if pos != nil {
				if leveler, ok := e.strat.(strategy.ExitLeveler); ok {
					if level, ok := leveler.GetExitLevel(ctx); ok {
						if pos.direction == strategy.DirectionLong && level > pos.stopLoss {
							pos.stopLoss = level
						}
						if pos.direction == strategy.DirectionShort && level < pos.stopLoss {
							pos.stopLoss = level
						}
					}
				}
			}
		} else if tradesToday < e.cfg.MaxTradesPerDay && barsSince >= e.cfg.CooldownBars {
			if sig := e.strat.OnCandle(ctx); sig != nil && sig.Validate(bar.C) == nil {
				entryPx, filled := entryFill(sig, bar)
				if filled {
					size := e.positionSize(entryPx, sig.StopLoss)
					if size > 0 {
						pos = &openPosition{
							direction:   sig.Direction,
							entryPx:     entryPx,
							entryTs:     bar.T,
							entryBar:    i,
							size:        size,
							initialSize: size,
							stopLoss:    sig.StopLoss,
							takeProfits: sig.TakeProfits,
							riskAmount:  size * math.Abs(entryPx-sig.StopLoss),
						}
						tradesToday++
					}
				}
			}
		}

		if pos == nil {
			if barsSince < math.MaxInt32 {
				barsSince++
			}
		}

		markEquity := equity
		if pos != nil {
			markEquity += unrealized(pos, bar.C)
		}
		equityCurve = append(equityCurve, markEquity)
		if markEquity > peak {
			peak = markEquity
		}
		if peak > 0 {
			if dd := (peak - markEquity) / peak * 100; dd > maxDD {
				maxDD = dd
			}
		}

		if (i+1)%1000 == 0 {
			e.logger.Debug().
				Int("bar", i+1).
				Int("trades", len(trades)).
				Float64("equity", markEquity).
				Msg("Backtest progress")
		}
	}

	// Close any position left open at the end of data.
	if pos != nil {
		last := primary[len(primary)-1]
		closeLeg(pos, pos.size, last.C, last.T, "end_of_data", true)
	}

	metrics := computeMetrics(trades, e.cfg.InitialCapital, equity, maxDD)
	return &Result{
		Trades:      trades,
		Metrics:     metrics,
		EquityCurve: equityCurve,
		Analysis:    Analyze(trades),
	}, nil
}

func (e *Engine) positionSize(entry, stop float64) float64 {
	if e.cfg.SizingMode == SizingCash {
		if entry <= 0 {
			return 0
		}
		return e.cfg.CashPerTrade / entry
	}
	dist := math.Abs(entry - stop)
	if dist <= 0 {
		return 0
	}
	return e.cfg.RiskPerTradeUsd / dist
}

// entryFill resolves the entry price for a signal on its trigger bar.
// Market entries fill at the bar close; limit entries fill at the limit
// price when the bar's range touched it, otherwise the signal is discarded.
func entryFill(sig *strategy.Signal, bar candles.Candle) (float64, bool) {
	if sig.EntryPrice == nil {
		return bar.C, true
	}
	px := *sig.EntryPrice
	if bar.L <= px && px <= bar.H {
		return px, true
	}
	return 0, false
}

func stopHit(p *openPosition, bar candles.Candle) bool {
	if p.direction == strategy.DirectionLong {
		return bar.L <= p.stopLoss
	}
	return bar.H >= p.stopLoss
}

func tpHit(p *openPosition, bar candles.Candle, price float64) bool {
	if p.direction == strategy.DirectionLong {
		return bar.H >= price
	}
	return bar.L <= price
}

func unhitTPs(p *openPosition, bar candles.Candle) []strategy.TakeProfit {
	out := p.takeProfits[:0:0]
	for _, tp := range p.takeProfits {
		if !tpHit(p, bar, tp.Price) {
			out = append(out, tp)
		}
	}
	return out
}

func unrealized(p *openPosition, price float64) float64 {
	pnl := (price - p.entryPx) * p.size
	if p.direction == strategy.DirectionShort {
		pnl = -pnl
	}
	return pnl
}

func computeMetrics(trades []CompletedTrade, initialCapital, equity, maxDD float64) Metrics {
	m := Metrics{
		NumTrades:      len(trades),
		MaxDrawdownPct: maxDD,
		FinalEquity:    equity,
	}
	var sumR float64
	for _, tr := range trades {
		m.TotalPnl += tr.Pnl
		sumR += tr.RMultiple
		if tr.Pnl > 0 {
			m.WinningTrades++
			m.GrossProfit += tr.Pnl
		} else {
			m.LosingTrades++
			m.GrossLoss += -tr.Pnl
		}
	}
	if m.NumTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.NumTrades) * 100
		m.AvgR = sumR / float64(m.NumTrades)
	}
	m.ProfitFactor = profitFactor(m.GrossProfit, m.GrossLoss)
	return m
}

func profitFactor(grossProfit, grossLoss float64) float64 {
	if grossLoss <= 0 {
		if grossProfit > 0 {
			return 99
		}
		return 0
	}
	return grossProfit / grossLoss
}
