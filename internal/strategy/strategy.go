// Package strategy defines the trading strategy contract and the reference
// implementations that ship with the platform. Strategies are pure over the
// candle views they are given: indicator arrays are precomputed in Init and
// read back per bar in OnCandle/ShouldExit.
package strategy

import (
	"fmt"
	"math"
	"sort"

	"github.com/quantloop/quantloop/internal/candles"
)

// Trade directions.
const (
	DirectionLong  = "long"
	DirectionShort = "short"
)

// Param is one tunable strategy parameter with its optimization bounds.
type Param struct {
	Value       float64 `json:"value"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Step        float64 `json:"step"`
	Optimizable bool    `json:"optimizable"`
	Description string  `json:"description,omitempty"`
}

// Validate checks the bounds invariants.
func (p *Param) Validate() error {
	if p.Step <= 0 {
		return fmt.Errorf("step must be positive, got %v", p.Step)
	}
	if p.Min > p.Max {
		return fmt.Errorf("min %v exceeds max %v", p.Min, p.Max)
	}
	if p.Value < p.Min || p.Value > p.Max {
		return fmt.Errorf("value %v outside [%v, %v]", p.Value, p.Min, p.Max)
	}
	return nil
}

// ApplyOverrides sets parameter values from an override map, enforcing that
// every named parameter exists and every new value stays within bounds.
// Either all overrides apply or none do.
func ApplyOverrides(params map[string]*Param, overrides map[string]float64) error {
	for name, value := range overrides {
		p, ok := params[name]
		if !ok {
			return fmt.Errorf("unknown parameter %q", name)
		}
		if value < p.Min || value > p.Max {
			return fmt.Errorf("parameter %q: value %v outside [%v, %v]", name, value, p.Min, p.Max)
		}
	}
	for name, value := range overrides {
		params[name].Value = value
	}
	return nil
}

// TakeProfit is one partial profit target.
type TakeProfit struct {
	Price         float64 `json:"price"`
	PctOfPosition float64 `json:"pct_of_position"`
}

// Signal is a directional trading intent for the current bar. A nil
// EntryPrice means market entry at the bar close.
type Signal struct {
	Direction   string       `json:"direction"`
	EntryPrice  *float64     `json:"entry_price,omitempty"`
	StopLoss    float64      `json:"stop_loss"`
	TakeProfits []TakeProfit `json:"take_profits,omitempty"`
	Comment     string       `json:"comment,omitempty"`
}

// Validate checks the signal shape against the current market price.
func (s *Signal) Validate(currentPrice float64) error {
	if s.Direction != DirectionLong && s.Direction != DirectionShort {
		return fmt.Errorf("invalid direction %q", s.Direction)
	}
	if s.StopLoss <= 0 {
		return fmt.Errorf("stop loss must be positive, got %v", s.StopLoss)
	}
	ref := currentPrice
	if s.EntryPrice != nil {
		ref = *s.EntryPrice
	}
	if s.Direction == DirectionLong && s.StopLoss >= ref {
		return fmt.Errorf("long stop loss %v not below entry %v", s.StopLoss, ref)
	}
	if s.Direction == DirectionShort && s.StopLoss <= ref {
		return fmt.Errorf("short stop loss %v not above entry %v", s.StopLoss, ref)
	}
	var pct float64
	for _, tp := range s.TakeProfits {
		if tp.Price <= 0 {
			return fmt.Errorf("take profit price must be positive, got %v", tp.Price)
		}
		if tp.PctOfPosition < 0 || tp.PctOfPosition > 1 {
			return fmt.Errorf("take profit pct %v outside [0, 1]", tp.PctOfPosition)
		}
		pct += tp.PctOfPosition
	}
	if pct > 1+1e-9 {
		return fmt.Errorf("take profit percentages sum to %v, exceeding 1", pct)
	}
	return nil
}

// ExitDecision is the answer to "should the open position be closed now".
type ExitDecision struct {
	Exit    bool   `json:"exit"`
	Comment string `json:"comment,omitempty"`
}

// Context is the per-bar view handed to a strategy. Position fields are
// zero-valued when flat.
type Context struct {
	Candles []candles.Candle
	Index   int
	Current candles.Candle

	PositionDirection  string
	PositionEntryPrice float64
	PositionEntryBar   int

	Higher map[string][]candles.Candle

	DailyPnl          float64
	TradesToday       int
	BarsSinceExit     int
	ConsecutiveLosses int
}

// InPosition reports whether a position is open.
func (c *Context) InPosition() bool { return c.PositionDirection != "" }

// CompletedHigherValue returns the newest higher-timeframe value whose bar
// closed at or before the current primary timestamp. It scans newest to
// oldest for the largest j with h[j].T + intervalMs <= current.T and a
// non-NaN value, which keeps lookahead out of higher-timeframe reads: an
// in-progress higher bar is never visible.
func (c *Context) CompletedHigherValue(interval string, values []float64) (float64, bool) {
	h := c.Higher[interval]
	intervalMs, err := candles.IntervalMillis(interval)
	if err != nil {
		return 0, false
	}
	n := len(h)
	if len(values) < n {
		n = len(values)
	}
	for j := n - 1; j >= 0; j-- {
		if h[j].T+intervalMs <= c.Current.T && !math.IsNaN(values[j]) {
			return values[j], true
		}
	}
	return 0, false
}

// Strategy is the contract every trading strategy implements.
type Strategy interface {
	Name() string
	Params() map[string]*Param
	RequiredTimeframes() []string
	Init(primary []candles.Candle, higher map[string][]candles.Candle)
	OnCandle(ctx *Context) *Signal
	ShouldExit(ctx *Context) *ExitDecision
}

// ExitLeveler is the optional trailing-stop capability. The position book
// queries it on each closed bar.
type ExitLeveler interface {
	GetExitLevel(ctx *Context) (float64, bool)
}

// ==================== REGISTRY ====================

var registry = map[string]func() Strategy{}

// Register adds a strategy constructor under its name. Called from the
// implementations' init functions.
func Register(name string, factory func() Strategy) {
	registry[name] = factory
}

// New constructs a fresh strategy instance by name.
func New(name string) (Strategy, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return factory(), nil
}

// Names returns the registered strategy names, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ==================== SHARED HELPERS ====================

func closes(cs []candles.Candle) []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.C
	}
	return out
}

func highs(cs []candles.Candle) []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.H
	}
	return out
}

func lows(cs []candles.Candle) []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.L
	}
	return out
}

func volumes(cs []candles.Candle) []float64 {
	out := make([]float64, len(cs))
	for i, c := range cs {
		out[i] = c.V
	}
	return out
}

func defined(values []float64, i int) bool {
	return i >= 0 && i < len(values) && !math.IsNaN(values[i])
}
