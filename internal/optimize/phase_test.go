package optimize

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func newTestMachine(maxIter, maxCycles int) *PhaseMachine {
	return NewPhaseMachine(PhaseConfig{
		MaxIter:   maxIter,
		MaxCycles: maxCycles,
		MinIters:  map[Phase]int{PhaseRefine: 1, PhaseResearch: 1, PhaseRestructure: 1},
	}, PhaseRefine, zerolog.Nop())
}

func TestPhaseEscalationPath(t *testing.T) {
	m := newTestMachine(100, 2)

	// Three consecutive neutral verdicts escalate refine -> research.
	for i := 0; i < 3; i++ {
		m.Apply(Event{Type: EventVerdict, Verdict: VerdictNeutral})
	}
	assert.Equal(t, 3, m.NeutralStreak)
	m.Apply(Event{Type: EventIterStart})
	assert.Equal(t, PhaseResearch, m.Phase)
	assert.Equal(t, 0, m.NeutralStreak, "counters reset on phase entry")
	assert.Equal(t, 0, m.PhaseIterCount)

	// A research brief plus repeated no-change escalates to restructure.
	m.Apply(Event{Type: EventResearchDone, BriefPath: "/tmp/brief.md"})
	m.Apply(Event{Type: EventNoChange})
	m.Apply(Event{Type: EventNoChange})
	m.Apply(Event{Type: EventIterStart})
	assert.Equal(t, PhaseRestructure, m.Phase)
	assert.Equal(t, "/tmp/brief.md", m.BriefPath, "brief survives into restructure")
}

func TestPhaseRestructureTimeoutCycles(t *testing.T) {
	m := newTestMachine(10, 2) // restructure allocation = 4
	m.transition(PhaseRestructure)

	for i := 0; i < 5; i++ {
		m.Apply(Event{Type: EventIterStart})
	}
	// First timeout cycles back to refine.
	assert.Equal(t, PhaseRefine, m.Phase)
	assert.Equal(t, 1, m.PhaseCycles)

	// Second restructure timeout exhausts the cycle budget.
	m.transition(PhaseRestructure)
	for i := 0; i < 5; i++ {
		m.Apply(Event{Type: EventIterStart})
	}
	assert.Equal(t, PhaseDone, m.Phase)
	assert.True(t, m.Done())
}

func TestPhaseRestructureNoChangeEndsPhaseEarly(t *testing.T) {
	m := newTestMachine(100, 2) // restructure allocation = 40
	m.transition(PhaseRestructure)

	m.Apply(Event{Type: EventIterStart})
	m.Apply(Event{Type: EventNoChange})
	m.Apply(Event{Type: EventIterStart})
	m.Apply(Event{Type: EventNoChange})
	m.Apply(Event{Type: EventIterStart})

	assert.Equal(t, PhaseRefine, m.Phase, "two no-op runs cycle out of restructure early")
	assert.Equal(t, 1, m.PhaseCycles)

	// On the last cycle the early exit is terminal.
	m.transition(PhaseRestructure)
	m.Apply(Event{Type: EventNoChange})
	m.Apply(Event{Type: EventNoChange})
	m.Apply(Event{Type: EventIterStart})
	assert.True(t, m.Done())
}

func TestPhaseVerdictStreaks(t *testing.T) {
	m := newTestMachine(100, 2)

	m.Apply(Event{Type: EventVerdict, Verdict: VerdictNeutral})
	m.Apply(Event{Type: EventVerdict, Verdict: VerdictNeutral})
	assert.Equal(t, 2, m.NeutralStreak)

	m.Apply(Event{Type: EventVerdict, Verdict: VerdictImproved})
	assert.Equal(t, 0, m.NeutralStreak)

	m.Apply(Event{Type: EventVerdict, Verdict: VerdictNeutral})
	m.Apply(Event{Type: EventVerdict, Verdict: VerdictDegraded})
	assert.Equal(t, 0, m.NeutralStreak)
}

func TestPhaseRebuildFlag(t *testing.T) {
	m := newTestMachine(100, 2)
	m.Apply(Event{Type: EventChangeApplied})
	assert.False(t, m.NeedsRebuild)
	m.Apply(Event{Type: EventChangeApplied, IsRestructure: true})
	assert.True(t, m.NeedsRebuild)
	assert.Equal(t, 0, m.NoChangeCount)
}

func TestPhaseDoneIsTerminal(t *testing.T) {
	m := newTestMachine(100, 2)
	m.Apply(Event{Type: EventCriteriaMet})
	assert.True(t, m.Done())

	m.Apply(Event{Type: EventIterStart})
	m.Apply(Event{Type: EventVerdict, Verdict: VerdictNeutral})
	assert.Equal(t, PhaseDone, m.Phase)
	assert.Equal(t, 0, m.NeutralStreak)
}

func TestPhaseAllocation(t *testing.T) {
	m := newTestMachine(100, 2)
	assert.Equal(t, 40, m.Allocation(PhaseRefine))
	assert.Equal(t, 20, m.Allocation(PhaseResearch))
	assert.Equal(t, 40, m.Allocation(PhaseRestructure))
	assert.Equal(t, 0, m.Allocation(PhaseDone))

	// Minima clamp small budgets.
	small := NewPhaseMachine(PhaseConfig{
		MaxIter:   5,
		MaxCycles: 2,
		MinIters:  map[Phase]int{PhaseRefine: 3, PhaseResearch: 2},
	}, PhaseRefine, zerolog.Nop())
	assert.Equal(t, 3, small.Allocation(PhaseRefine))
	assert.Equal(t, 2, small.Allocation(PhaseResearch))
}
