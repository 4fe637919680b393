package optimize

import (
	"fmt"
	"sort"
	"strings"

	"github.com/quantloop/quantloop/internal/strategy"
	"github.com/quantloop/quantloop/pkg/backtest"
)

// PromptInput bundles everything the modifier prompt is assembled from.
type PromptInput struct {
	Coin         string
	StrategyName string
	Iter         int
	Phase        Phase
	Score        float64
	BestScore    float64
	Metrics      backtest.Metrics
	Analysis     backtest.TradeAnalysis
	Params       map[string]*strategy.Param
	History      *History
}

// BuildPrompt renders the per-iteration prompt for the external modifier:
// current metrics, parameter space with explored values, trade analysis,
// session history and the phase task.
func BuildPrompt(in PromptInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Optimization iteration %d — %s / %s (phase: %s)\n\n",
		in.Iter, in.Coin, in.StrategyName, in.Phase)

	fmt.Fprintf(&b, "## Current metrics\n")
	fmt.Fprintf(&b, "score: %.2f (best: %.2f)\n", in.Score, in.BestScore)
	fmt.Fprintf(&b, "pnl: %.2f | trades: %d | pf: %.2f | win rate: %.1f%% | avg R: %.2f | max dd: %.1f%%\n\n",
		in.Metrics.TotalPnl, in.Metrics.NumTrades, in.Metrics.ProfitFactor,
		in.Metrics.WinRate, in.Metrics.AvgR, in.Metrics.MaxDrawdownPct)

	writeParams(&b, in)
	writeAnalysis(&b, in.Analysis)
	writeHistory(&b, in.History)
	writePhaseTask(&b, in.Phase)

	return b.String()
}

func writeParams(b *strings.Builder, in PromptInput) {
	if len(in.Params) == 0 {
		return
	}
	fmt.Fprintf(b, "## Parameters\n")
	names := make([]string, 0, len(in.Params))
	for name := range in.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := in.Params[name]
		fmt.Fprintf(b, "- %s = %g  [%g..%g step %g]", name, p.Value, p.Min, p.Max, p.Step)
		if !p.Optimizable {
			fmt.Fprintf(b, " (fixed)")
		}
		if in.History != nil {
			if explored := in.History.ExploredRanges[name]; len(explored) > 0 {
				fmt.Fprintf(b, " explored: %v", explored)
			}
		}
		fmt.Fprintf(b, "\n")
	}
	fmt.Fprintf(b, "\n")
}

func writeAnalysis(b *strings.Builder, a backtest.TradeAnalysis) {
	if len(a.ByDirection) > 0 {
		fmt.Fprintf(b, "## Trade analysis\n")
		for _, dir := range []string{"long", "short"} {
			if s, ok := a.ByDirection[dir]; ok {
				fmt.Fprintf(b, "- %s: %d trades, pnl %.2f, wr %.1f%%\n", dir, s.Trades, s.Pnl, s.WinRate)
			}
		}
		sessions := make([]string, 0, len(a.BySession))
		for name := range a.BySession {
			sessions = append(sessions, name)
		}
		sort.Strings(sessions)
		for _, name := range sessions {
			s := a.BySession[name]
			fmt.Fprintf(b, "- session %s: %d trades, pnl %.2f\n", name, s.Trades, s.Pnl)
		}
		fmt.Fprintf(b, "\n")
	}

	if len(a.FilterSims) > 0 {
		fmt.Fprintf(b, "## Filter simulations\n")
		for _, sim := range a.FilterSims {
			fmt.Fprintf(b, "- %s: %d trades, pnl %.2f, pf %.2f\n", sim.Name, sim.Trades, sim.Pnl, sim.ProfitFactor)
		}
		fmt.Fprintf(b, "\n")
	}

	if a.WalkForward != nil {
		wf := a.WalkForward
		fmt.Fprintf(b, "## Walk-forward (70/30)\n")
		fmt.Fprintf(b, "train pf %.2f (%d trades) | test pf %.2f (%d trades) | ratio %.2f | hour consistency %.2f\n\n",
			wf.TrainPF, wf.TrainTrades, wf.TestPF, wf.TestTrades, wf.PFRatio, wf.HourConsistency)
	}
}

func writeHistory(b *strings.Builder, h *History) {
	if h == nil {
		return
	}
	if n := len(h.Iterations); n > 0 {
		fmt.Fprintf(b, "## Recent iterations\n")
		start := n - 5
		if start < 0 {
			start = 0
		}
		for _, rec := range h.Iterations[start:] {
			fmt.Fprintf(b, "- iter %d (%s): verdict %s, score %.2f", rec.Iter, rec.Phase, rec.Verdict, rec.Score)
			if rec.Change != nil {
				fmt.Fprintf(b, ", %s %g→%g", rec.Change.Param, rec.Change.From, rec.Change.To)
			}
			fmt.Fprintf(b, "\n")
		}
		fmt.Fprintf(b, "\n")
	}

	var pending []Hypothesis
	for _, hyp := range h.PendingHypotheses {
		if !hyp.Expired {
			pending = append(pending, hyp)
		}
	}
	if len(pending) > 0 {
		fmt.Fprintf(b, "## Pending hypotheses\n")
		for _, hyp := range pending {
			fmt.Fprintf(b, "- (iter %d, rank %d) %s\n", hyp.Iter, hyp.Rank, hyp.Hypothesis)
		}
		fmt.Fprintf(b, "\n")
	}

	if len(h.NeverWorked) > 0 {
		fmt.Fprintf(b, "## Never worked\n")
		for _, nw := range h.NeverWorked {
			fmt.Fprintf(b, "- %s=%g: %s\n", nw.Param, nw.Value, nw.Reason)
		}
		fmt.Fprintf(b, "\n")
	}

	if len(h.Approaches) > 0 {
		fmt.Fprintf(b, "## Approaches tried\n")
		for _, ap := range h.Approaches {
			fmt.Fprintf(b, "- %s (%s): best score %.2f, %s\n", ap.Name, strings.Join(ap.Indicators, "+"), ap.BestScore, ap.Verdict)
		}
		fmt.Fprintf(b, "\n")
	}
}

func writePhaseTask(b *strings.Builder, phase Phase) {
	fmt.Fprintf(b, "## Task\n")
	switch phase {
	case PhaseRefine:
		fmt.Fprintf(b, "Propose exactly one parameter change. Respond with a JSON object "+
			"{\"paramOverrides\": {\"name\": value}} and nothing else. Do not edit the strategy source. "+
			"Stay inside the parameter bounds and avoid already-explored values.\n")
	case PhaseResearch:
		fmt.Fprintf(b, "Research alternative approaches for this market and strategy family. "+
			"Produce a short written brief ranking up to three concrete hypotheses with entry/exit sketches.\n")
	case PhaseRestructure:
		fmt.Fprintf(b, "Restructure the strategy source to implement the most promising hypothesis. "+
			"Edit the source file in place; keep the parameter declarations valid. "+
			"Do not modify commission or initial capital settings.\n")
	default:
		fmt.Fprintf(b, "No task.\n")
	}
}
