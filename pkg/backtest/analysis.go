package backtest

import (
	"sort"
	"time"
)

// Trading sessions by UTC entry hour.
const (
	SessionAsia    = "asia"    // 23-8
	SessionLondon  = "london"  // 8-13
	SessionNewYork = "newyork" // 13-20
	SessionOffPeak = "offpeak" // 20-23
)

// SessionFor maps a UTC hour to its trading session.
func SessionFor(hour int) string {
	switch {
	case hour >= 23 || hour < 8:
		return SessionAsia
	case hour < 13:
		return SessionLondon
	case hour < 20:
		return SessionNewYork
	default:
		return SessionOffPeak
	}
}

// BucketStats aggregates trades sharing one attribute value.
type BucketStats struct {
	Trades  int     `json:"trades"`
	Wins    int     `json:"wins"`
	Pnl     float64 `json:"pnl"`
	WinRate float64 `json:"win_rate"`
}

// FilterSim is the outcome of re-running the trade list with a filter
// applied, used to suggest cheap improvements without a new backtest.
type FilterSim struct {
	Name         string  `json:"name"`
	Trades       int     `json:"trades"`
	Pnl          float64 `json:"pnl"`
	ProfitFactor float64 `json:"profit_factor"`
}

// WalkForward is a 70/30 chronological split of the trade list. A test/train
// profit-factor ratio well below 1 suggests overfitting to the early data.
type WalkForward struct {
	TrainTrades     int     `json:"train_trades"`
	TestTrades      int     `json:"test_trades"`
	TrainPF         float64 `json:"train_pf"`
	TestPF          float64 `json:"test_pf"`
	PFRatio         float64 `json:"pf_ratio"`
	HourConsistency float64 `json:"hour_consistency"`
}

// TradeAnalysis slices the trade list along the axes the optimizer prompts
// are built from.
type TradeAnalysis struct {
	ByDirection  map[string]BucketStats `json:"by_direction"`
	ByExitReason map[string]BucketStats `json:"by_exit_reason"`
	ByHour       map[int]BucketStats    `json:"by_hour"`
	ByWeekday    map[string]BucketStats `json:"by_weekday"`
	BySession    map[string]BucketStats `json:"by_session"`
	Best         []CompletedTrade       `json:"best"`
	Worst        []CompletedTrade       `json:"worst"`
	FilterSims   []FilterSim            `json:"filter_sims"`
	WalkForward  *WalkForward           `json:"walk_forward,omitempty"`
}

// Analyze computes the full trade analysis for a completed run.
func Analyze(trades []CompletedTrade) TradeAnalysis {
	a := TradeAnalysis{
		ByDirection:  make(map[string]BucketStats),
		ByExitReason: make(map[string]BucketStats),
		ByHour:       make(map[int]BucketStats),
		ByWeekday:    make(map[string]BucketStats),
		BySession:    make(map[string]BucketStats),
	}
	if len(trades) == 0 {
		return a
	}

	for _, tr := range trades {
		entry := time.UnixMilli(tr.EntryTs).UTC()
		bump(a.ByDirection, tr.Direction, tr)
		bump(a.ByExitReason, tr.ExitReason, tr)
		bumpInt(a.ByHour, entry.Hour(), tr)
		bump(a.ByWeekday, entry.Weekday().String(), tr)
		bump(a.BySession, SessionFor(entry.Hour()), tr)
	}
	finishRates(a.ByDirection)
	finishRates(a.ByExitReason)
	finishRatesInt(a.ByHour)
	finishRates(a.ByWeekday)
	finishRates(a.BySession)

	byPnl := append([]CompletedTrade(nil), trades...)
	sort.Slice(byPnl, func(i, j int) bool { return byPnl[i].Pnl > byPnl[j].Pnl })
	a.Best = topN(byPnl, 3)
	reverse(byPnl)
	a.Worst = topN(byPnl, 3)

	a.FilterSims = filterSims(trades, a.ByHour)
	a.WalkForward = walkForward(trades)
	return a
}

func bump(m map[string]BucketStats, key string, tr CompletedTrade) {
	s := m[key]
	s.Trades++
	s.Pnl += tr.Pnl
	if tr.Pnl > 0 {
		s.Wins++
	}
	m[key] = s
}

func bumpInt(m map[int]BucketStats, key int, tr CompletedTrade) {
	s := m[key]
	s.Trades++
	s.Pnl += tr.Pnl
	if tr.Pnl > 0 {
		s.Wins++
	}
	m[key] = s
}

func finishRates(m map[string]BucketStats) {
	for k, s := range m {
		if s.Trades > 0 {
			s.WinRate = float64(s.Wins) / float64(s.Trades) * 100
		}
		m[k] = s
	}
}

func finishRatesInt(m map[int]BucketStats) {
	for k, s := range m {
		if s.Trades > 0 {
			s.WinRate = float64(s.Wins) / float64(s.Trades) * 100
		}
		m[k] = s
	}
}

func topN(sorted []CompletedTrade, n int) []CompletedTrade {
	if len(sorted) < n {
		n = len(sorted)
	}
	return append([]CompletedTrade(nil), sorted[:n]...)
}

func reverse(trades []CompletedTrade) {
	for i, j := 0, len(trades)-1; i < j; i, j = i+1, j-1 {
		trades[i], trades[j] = trades[j], trades[i]
	}
}

// filterSims simulates cheap filters over the recorded trades: dropping the
// worst hour, long-only, short-only.
func filterSims(trades []CompletedTrade, byHour map[int]BucketStats) []FilterSim {
	worstHour, worstPnl := -1, 0.0
	for hour, s := range byHour {
		if s.Pnl < worstPnl {
			worstHour, worstPnl = hour, s.Pnl
		}
	}

	sims := []FilterSim{
		simulate("long_only", trades, func(tr CompletedTrade) bool { return tr.Direction == "long" }),
		simulate("short_only", trades, func(tr CompletedTrade) bool { return tr.Direction == "short" }),
	}
	if worstHour >= 0 {
		sims = append(sims, simulate("drop_worst_hour", trades, func(tr CompletedTrade) bool {
			return time.UnixMilli(tr.EntryTs).UTC().Hour() != worstHour
		}))
	}
	return sims
}

func simulate(name string, trades []CompletedTrade, keep func(CompletedTrade) bool) FilterSim {
	sim := FilterSim{Name: name}
	var grossProfit, grossLoss float64
	for _, tr := range trades {
		if !keep(tr) {
			continue
		}
		sim.Trades++
		sim.Pnl += tr.Pnl
		if tr.Pnl > 0 {
			grossProfit += tr.Pnl
		} else {
			grossLoss += -tr.Pnl
		}
	}
	sim.ProfitFactor = profitFactor(grossProfit, grossLoss)
	return sim
}

func walkForward(trades []CompletedTrade) *WalkForward {
	if len(trades) < 10 {
		return nil
	}
	split := len(trades) * 7 / 10
	train, test := trades[:split], trades[split:]

	wf := &WalkForward{
		TrainTrades: len(train),
		TestTrades:  len(test),
		TrainPF:     pfOf(train),
		TestPF:      pfOf(test),
	}
	if wf.TrainPF > 0 {
		wf.PFRatio = wf.TestPF / wf.TrainPF
	}
	wf.HourConsistency = hourConsistency(train, test)
	return wf
}

func pfOf(trades []CompletedTrade) float64 {
	var grossProfit, grossLoss float64
	for _, tr := range trades {
		if tr.Pnl > 0 {
			grossProfit += tr.Pnl
		} else {
			grossLoss += -tr.Pnl
		}
	}
	return profitFactor(grossProfit, grossLoss)
}

// hourConsistency is the share of UTC hours traded in both halves whose PnL
// carries the same sign in both.
func hourConsistency(train, test []CompletedTrade) float64 {
	sumByHour := func(trades []CompletedTrade) map[int]float64 {
		out := make(map[int]float64)
		for _, tr := range trades {
			out[time.UnixMilli(tr.EntryTs).UTC().Hour()] += tr.Pnl
		}
		return out
	}
	trainHours := sumByHour(train)
	testHours := sumByHour(test)

	var shared, consistent int
	for hour, trainPnl := range trainHours {
		testPnl, ok := testHours[hour]
		if !ok {
			continue
		}
		shared++
		if (trainPnl > 0) == (testPnl > 0) {
			consistent++
		}
	}
	if shared == 0 {
		return 0
	}
	return float64(consistent) / float64(shared)
}
