package optimize

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"regexp"
	"strings"

	"github.com/quantloop/quantloop/pkg/backtest"
)

// MetricsSummary is the compact before/after metric triple stored per
// iteration.
type MetricsSummary struct {
	Pnl    float64 `json:"pnl"`
	Trades int     `json:"trades"`
	PF     float64 `json:"pf"`
}

// ChangeRecord describes one parameter change made in an iteration.
type ChangeRecord struct {
	Param string  `json:"param"`
	From  float64 `json:"from"`
	To    float64 `json:"to"`
	Scale string  `json:"scale,omitempty"`
}

// IterationRecord is one ledger row.
type IterationRecord struct {
	Iter    int             `json:"iter"`
	Phase   string          `json:"phase"`
	Before  *MetricsSummary `json:"before,omitempty"`
	After   *MetricsSummary `json:"after,omitempty"`
	Change  *ChangeRecord   `json:"change,omitempty"`
	Verdict string          `json:"verdict"` // improved|degraded|neutral
	Note    string          `json:"note,omitempty"`
	Score   float64         `json:"score"`
}

// NeverWorked records a parameter value that consistently failed.
type NeverWorked struct {
	Param  string  `json:"param"`
	Value  float64 `json:"value"`
	Reason string  `json:"reason"`
	Iter   int     `json:"iter"`
	Note   string  `json:"note,omitempty"`
}

// Hypothesis is an untested idea queued by the modifier.
type Hypothesis struct {
	Iter       int    `json:"iter"`
	Rank       int    `json:"rank"`
	Hypothesis string `json:"hypothesis"`
	Condition  string `json:"condition,omitempty"`
	Expired    bool   `json:"expired"`
}

// ApproachRecord tracks one strategy family across iterations so exhausted
// ideas are not rediscovered.
type ApproachRecord struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Indicators  []string          `json:"indicators,omitempty"`
	StartIter   int               `json:"start_iter"`
	EndIter     int               `json:"end_iter,omitempty"`
	BestScore   float64           `json:"best_score"`
	BestMetrics *backtest.Metrics `json:"best_metrics,omitempty"`
	Verdict     string            `json:"verdict"` // active|promising|exhausted
	Reason      string            `json:"reason,omitempty"`
}

// History is the single JSON document recording the whole optimization
// session. Only the orchestrator writes it.
type History struct {
	Iterations        []IterationRecord    `json:"iterations"`
	ExploredRanges    map[string][]float64 `json:"explored_ranges"`
	NeverWorked       []NeverWorked        `json:"never_worked"`
	PendingHypotheses []Hypothesis         `json:"pending_hypotheses"`
	Approaches        []ApproachRecord     `json:"approaches"`
	CurrentPhase      string               `json:"current_phase"`
}

// HistoryStore persists a History document at one path.
type HistoryStore struct {
	path string
	doc  *History
}

// LoadHistory opens the store, reading an existing document or starting an
// empty one when the file is absent.
func LoadHistory(path string) (*HistoryStore, error) {
	s := &HistoryStore{
		path: path,
		doc:  &History{ExploredRanges: make(map[string][]float64)},
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	if err := json.Unmarshal(data, s.doc); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if s.doc.ExploredRanges == nil {
		s.doc.ExploredRanges = make(map[string][]float64)
	}
	return s, nil
}

// Doc exposes the current document for read paths (prompt assembly).
func (s *HistoryStore) Doc() *History { return s.doc }

// Save writes the document atomically.
func (s *HistoryStore) Save() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	return atomicWrite(s.path, data)
}

// AppendIteration appends a ledger row and records its phase.
func (s *HistoryStore) AppendIteration(rec IterationRecord) {
	s.doc.Iterations = append(s.doc.Iterations, rec)
	s.doc.CurrentPhase = rec.Phase
}

// BackfillLastIteration fills the after-metrics of the newest row once the
// following backtest has run.
func (s *HistoryStore) BackfillLastIteration(after MetricsSummary) {
	if n := len(s.doc.Iterations); n > 0 {
		s.doc.Iterations[n-1].After = &after
	}
}

// round4 is the explored-range equality precision.
func round4(v float64) float64 {
	return math.Round(v*10_000) / 10_000
}

// RecordExplored marks a parameter value as tested. Values are compared at
// 4-decimal precision.
func (s *HistoryStore) RecordExplored(param string, value float64) {
	v := round4(value)
	for _, seen := range s.doc.ExploredRanges[param] {
		if seen == v {
			return
		}
	}
	s.doc.ExploredRanges[param] = append(s.doc.ExploredRanges[param], v)
}

// Explored reports whether the value was already tested.
func (s *HistoryStore) Explored(param string, value float64) bool {
	v := round4(value)
	for _, seen := range s.doc.ExploredRanges[param] {
		if seen == v {
			return true
		}
	}
	return false
}

// AddNeverWorked appends to the never-worked list.
func (s *HistoryStore) AddNeverWorked(nw NeverWorked) {
	s.doc.NeverWorked = append(s.doc.NeverWorked, nw)
}

// AddHypotheses queues modifier hypotheses.
func (s *HistoryStore) AddHypotheses(hs []Hypothesis) {
	s.doc.PendingHypotheses = append(s.doc.PendingHypotheses, hs...)
}

// AgeHypotheses expires pending hypotheses older than maxAge iterations.
func (s *HistoryStore) AgeHypotheses(currentIter, maxAge int) {
	for i := range s.doc.PendingHypotheses {
		h := &s.doc.PendingHypotheses[i]
		if !h.Expired && currentIter-h.Iter >= maxAge {
			h.Expired = true
		}
	}
}

// ==================== MODIFIER METADATA ====================

// ModifierMetadata is the structured blob the external modifier writes per
// iteration (iter{N}-metadata.json). All history mutation flows through the
// orchestrator reading this; the modifier never touches the history file.
type ModifierMetadata struct {
	Change      *ChangeRecord   `json:"change,omitempty"`
	Note        string          `json:"note,omitempty"`
	Hypotheses  []Hypothesis    `json:"hypotheses,omitempty"`
	NeverWorked []NeverWorked   `json:"never_worked,omitempty"`
	Approach    *ApproachRecord `json:"approach,omitempty"`
}

var (
	fenceRe         = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
)

// ParseModifierMetadata reads the metadata blob with repair-tolerant JSON
// handling: code fences and trailing commas are stripped before decoding.
// A missing file is not an error; the caller gets a nil blob.
func ParseModifierMetadata(path string) (*ModifierMetadata, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read modifier metadata: %w", err)
	}
	return parseRepairedJSON(data)
}

func parseRepairedJSON(data []byte) (*ModifierMetadata, error) {
	text := strings.TrimSpace(string(data))
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	text = trailingCommaRe.ReplaceAllString(text, "$1")

	var meta ModifierMetadata
	if err := json.Unmarshal([]byte(text), &meta); err != nil {
		return nil, fmt.Errorf("decode modifier metadata: %w", err)
	}
	return &meta, nil
}
