// Package optimize implements the strategy optimization loop: composite
// scoring, best-state checkpoints, the parameter-history ledger, the phase
// state machine and the orchestrator that drives an external modifier
// process over backtest iterations.
package optimize

import "math"

// Weights are the per-axis contributions to the composite score. They are
// expected to sum to 100 so the weighted score lands in [0, 100].
type Weights struct {
	PF         float64 `mapstructure:"pf" json:"pf"`
	AvgR       float64 `mapstructure:"avg_r" json:"avg_r"`
	WinRate    float64 `mapstructure:"win_rate" json:"win_rate"`
	Drawdown   float64 `mapstructure:"drawdown" json:"drawdown"`
	Complexity float64 `mapstructure:"complexity" json:"complexity"`
	Sample     float64 `mapstructure:"sample" json:"sample"`
}

// DefaultWeights returns the standard axis weighting.
func DefaultWeights() Weights {
	return Weights{PF: 30, AvgR: 20, WinRate: 10, Drawdown: 15, Complexity: 10, Sample: 15}
}

// ScoreInput is the metric slice the score is computed from. FilterCount
// counts active entry/exit filters; together with ParamCount it forms the
// complexity proxy.
type ScoreInput struct {
	ProfitFactor   float64
	AvgR           float64
	WinRate        float64
	MaxDrawdownPct float64
	Trades         int
	ParamCount     int
	FilterCount    int
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// ComponentScores returns the six axis scores, each in [0, 1].
func ComponentScores(in ScoreInput) (pf, avgR, wr, dd, complexity, sample float64) {
	pf = math.Min(in.ProfitFactor/2.0, 1)
	avgR = math.Min(in.AvgR/0.5, 1)
	wr = math.Min(in.WinRate/40, 1)
	dd = math.Max(0, 1-in.MaxDrawdownPct/15)
	filters := float64(in.ParamCount + in.FilterCount)
	complexity = clamp01(1 - (filters-5)/15)
	sample = math.Min(float64(in.Trades)/150, 1)
	return
}

// Score computes the weighted composite score.
func Score(in ScoreInput, w Weights) float64 {
	pf, avgR, wr, dd, complexity, sample := ComponentScores(in)
	return pf*w.PF + avgR*w.AvgR + wr*w.WinRate + dd*w.Drawdown +
		complexity*w.Complexity + sample*w.Sample
}

// Verdicts produced by comparing two scores.
const (
	VerdictAccept  = "accept"
	VerdictReject  = "reject"
	VerdictNeutral = "neutral"
)

// CompareScores classifies a new score against the incumbent. The accept
// band starts 2% above the old score and the reject band 15% below it;
// everything between is neutral. A non-positive incumbent accepts any
// positive score.
func CompareScores(newScore, oldScore float64) string {
	if oldScore <= 0 {
		if newScore > 0 {
			return VerdictAccept
		}
		return VerdictNeutral
	}
	switch {
	case newScore > oldScore*1.02:
		return VerdictAccept
	case newScore < oldScore*0.85:
		return VerdictReject
	default:
		return VerdictNeutral
	}
}
