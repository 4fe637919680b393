package optimize

import "github.com/rs/zerolog"

// Phase is one optimization phase.
type Phase string

// Phases.
const (
	PhaseRefine      Phase = "refine"
	PhaseResearch    Phase = "research"
	PhaseRestructure Phase = "restructure"
	PhaseDone        Phase = "done"
)

// EventType is a phase-machine event.
type EventType string

// Events.
const (
	EventIterStart      EventType = "ITER_START"
	EventBacktestOK     EventType = "BACKTEST_OK"
	EventCompileError   EventType = "COMPILE_ERROR"
	EventTransientError EventType = "TRANSIENT_ERROR"
	EventNoChange       EventType = "NO_CHANGE"
	EventChangeApplied  EventType = "CHANGE_APPLIED"
	EventVerdict        EventType = "VERDICT"
	EventCheckpointSave EventType = "CHECKPOINT_SAVED"
	EventCriteriaMet    EventType = "CRITERIA_MET"
	EventResearchDone   EventType = "RESEARCH_DONE"
)

// Verdict values carried on EventVerdict.
const (
	VerdictImproved = "improved"
	VerdictDegraded = "degraded"
	// neutral shares the string with CompareScores' VerdictNeutral.
)

// Event is one input to the machine.
type Event struct {
	Type          EventType
	Verdict       string // for EventVerdict
	IsRestructure bool   // for EventChangeApplied
	BriefPath     string // for EventResearchDone
}

// PhaseConfig bounds the machine.
type PhaseConfig struct {
	MaxIter   int
	MaxCycles int
	// MinIters clamps the per-phase allocation from below.
	MinIters map[Phase]int
}

// PhaseMachine tracks the optimization phase and its counters. Counters
// reset on every phase entry; done is terminal.
type PhaseMachine struct {
	cfg    PhaseConfig
	logger zerolog.Logger

	Phase        Phase
	NeedsRebuild bool
	BriefPath    string

	FixAttempts       int
	TransientFailures int
	NeutralStreak     int
	NoChangeCount     int
	PhaseIterCount    int
	PhaseCycles       int
}

// NewPhaseMachine starts the machine in the given phase (normally refine,
// or the phase persisted in parameter history).
func NewPhaseMachine(cfg PhaseConfig, initial Phase, logger zerolog.Logger) *PhaseMachine {
	if initial == "" {
		initial = PhaseRefine
	}
	return &PhaseMachine{cfg: cfg, logger: logger, Phase: initial}
}

// Allocation returns the iteration budget for a phase: refine 40%, research
// 20%, restructure 40% of maxIter, clamped by the configured minima.
func (m *PhaseMachine) Allocation(p Phase) int {
	var share float64
	switch p {
	case PhaseRefine, PhaseRestructure:
		share = 0.4
	case PhaseResearch:
		share = 0.2
	default:
		return 0
	}
	alloc := int(float64(m.cfg.MaxIter) * share)
	if min := m.cfg.MinIters[p]; alloc < min {
		alloc = min
	}
	return alloc
}

// Done reports whether the machine is terminal.
func (m *PhaseMachine) Done() bool { return m.Phase == PhaseDone }

// Apply feeds one event into the machine. Events after done are ignored.
func (m *PhaseMachine) Apply(ev Event) {
	if m.Done() {
		return
	}
	switch ev.Type {
	case EventIterStart:
		m.PhaseIterCount++
		m.evaluateEscalation()
		m.evaluateTimeout()
	case EventVerdict:
		switch ev.Verdict {
		case VerdictImproved, VerdictDegraded:
			m.NeutralStreak = 0
		default:
			m.NeutralStreak++
		}
	case EventNoChange:
		m.NoChangeCount++
	case EventChangeApplied:
		m.NoChangeCount = 0
		if ev.IsRestructure {
			m.NeedsRebuild = true
		}
	case EventCompileError:
		m.FixAttempts++
	case EventTransientError:
		m.TransientFailures++
	case EventResearchDone:
		m.BriefPath = ev.BriefPath
	case EventCriteriaMet:
		m.transition(PhaseDone)
	case EventBacktestOK, EventCheckpointSave:
		// No counter effect.
	}
}

func (m *PhaseMachine) evaluateEscalation() {
	switch m.Phase {
	case PhaseRefine:
		if m.NeutralStreak >= 3 || m.NoChangeCount >= 2 {
			m.transition(PhaseResearch)
		}
	case PhaseResearch:
		if m.BriefPath != "" || m.NoChangeCount >= 2 {
			m.transition(PhaseRestructure)
		}
	case PhaseRestructure:
		// Two no-op modifier runs end the phase early instead of burning
		// the remaining allocation.
		if m.NoChangeCount >= 2 {
			m.advanceFromRestructure()
		}
	}
}

func (m *PhaseMachine) evaluateTimeout() {
	if m.Done() || m.PhaseIterCount <= m.Allocation(m.Phase) {
		return
	}
	switch m.Phase {
	case PhaseRefine:
		m.transition(PhaseResearch)
	case PhaseResearch:
		m.transition(PhaseRestructure)
	case PhaseRestructure:
		m.advanceFromRestructure()
	}
}

// advanceFromRestructure ends the restructure phase: the next cycle starts
// at refine, or the machine finishes when the cycle budget is spent.
func (m *PhaseMachine) advanceFromRestructure() {
	m.PhaseCycles++
	if m.PhaseCycles >= m.cfg.MaxCycles {
		m.transition(PhaseDone)
	} else {
		m.transition(PhaseRefine)
	}
}

// transition enters a phase and resets the per-phase counters.
func (m *PhaseMachine) transition(to Phase) {
	m.logger.Info().
		Str("from", string(m.Phase)).
		Str("to", string(to)).
		Int("cycles", m.PhaseCycles).
		Msg("Phase transition")
	m.Phase = to
	m.FixAttempts = 0
	m.TransientFailures = 0
	m.NeutralStreak = 0
	m.NoChangeCount = 0
	m.PhaseIterCount = 0
	if to != PhaseRestructure {
		m.BriefPath = ""
	}
}
