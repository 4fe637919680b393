package optimize

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantloop/quantloop/internal/strategy"
	"github.com/quantloop/quantloop/pkg/backtest"
)

// Guardrail-protected config fields the modifier must never change.
var ProtectedFields = []string{"commission", "initial_capital"}

// OrchestratorConfig bounds one optimization session.
type OrchestratorConfig struct {
	Coin         string
	StrategyName string

	MaxIter        int
	MaxCycles      int
	MinTrades      int
	TargetScore    float64
	MaxFixAttempts int
	MaxRetries     int
	HypothesisAge  int

	Weights Weights

	// SourcePath is the working strategy source file the modifier edits.
	SourcePath string
	// WorkDir holds prompts, metadata blobs, the checkpoint dir, the
	// history document and the asset lockfile.
	WorkDir string
}

// BacktestRunner executes one backtest with the given parameter overrides
// applied. The orchestrator owns two: an in-process runner and an isolated
// child-process runner for freshly modified source.
type BacktestRunner func(ctx context.Context, overrides map[string]float64) (*backtest.Result, error)

// BuildFn typechecks/builds the working strategy source.
type BuildFn func(ctx context.Context) error

// Orchestrator drives the optimization loop for one (coin, strategy).
type Orchestrator struct {
	cfg      OrchestratorConfig
	machine  *PhaseMachine
	history  *HistoryStore
	ckpt     *CheckpointManager
	modifier *Modifier

	runInProcess BacktestRunner
	runIsolated  BacktestRunner
	build        BuildFn

	params    map[string]*strategy.Param
	overrides map[string]float64
	bestScore float64
	logger    zerolog.Logger
	sleep     func(time.Duration)
}

// NewOrchestrator wires a session. params is the live parameter set of the
// strategy under optimization; overrides applied during the session mutate
// it through strategy.ApplyOverrides.
func NewOrchestrator(
	cfg OrchestratorConfig,
	history *HistoryStore,
	modifier *Modifier,
	params map[string]*strategy.Param,
	runInProcess, runIsolated BacktestRunner,
	build BuildFn,
	logger zerolog.Logger,
) *Orchestrator {
	initial := PhaseRefine
	if history != nil && history.Doc().CurrentPhase != "" {
		initial = Phase(history.Doc().CurrentPhase)
	}
	machine := NewPhaseMachine(PhaseConfig{
		MaxIter:   cfg.MaxIter,
		MaxCycles: cfg.MaxCycles,
		MinIters:  map[Phase]int{PhaseRefine: 3, PhaseResearch: 1, PhaseRestructure: 2},
	}, initial, logger)

	return &Orchestrator{
		cfg:          cfg,
		machine:      machine,
		history:      history,
		ckpt:         NewCheckpointManager(filepath.Join(cfg.WorkDir, "checkpoint")),
		modifier:     modifier,
		runInProcess: runInProcess,
		runIsolated:  runIsolated,
		build:        build,
		params:       params,
		overrides:    make(map[string]float64),
		logger:       logger,
		sleep:        time.Sleep,
	}
}

// Machine exposes the phase machine for observability.
func (o *Orchestrator) Machine() *PhaseMachine { return o.machine }

// BestScore returns the best composite score seen this session.
func (o *Orchestrator) BestScore() float64 { return o.bestScore }

// Run executes the session. The returned bool is true iff the target
// criteria were met (process exit code 0).
func (o *Orchestrator) Run(ctx context.Context) (bool, error) {
	lock, err := AcquireAssetLock(o.cfg.WorkDir, o.cfg.Coin)
	if err != nil {
		return false, err
	}
	defer func() { _ = lock.Release() }()

	lastHash, err := o.sourceHash()
	if err != nil {
		return false, err
	}

	criteriaMet := false
	for iter := 1; iter <= o.cfg.MaxIter; iter++ {
		if ctx.Err() != nil {
			break
		}
		o.machine.Apply(Event{Type: EventIterStart})
		if o.machine.Done() {
			break
		}

		if o.machine.NeedsRebuild {
			if err := o.rebuildWithFixes(ctx, iter); err != nil {
				o.finishSession()
				return false, err
			}
			o.machine.NeedsRebuild = false
		}

		curHash, err := o.sourceHash()
		if err != nil {
			o.finishSession()
			return false, err
		}
		runner := o.runInProcess
		if o.machine.Phase != PhaseRefine && curHash != lastHash {
			// Freshly modified source runs isolated so a crash cannot
			// take the session down with it.
			runner = o.runIsolated
		}
		result, err := o.runWithRetries(ctx, runner)
		if err != nil {
			o.finishSession()
			return false, fmt.Errorf("backtest failed fatally: %w", err)
		}
		lastHash = curHash
		o.machine.Apply(Event{Type: EventBacktestOK})

		score := o.scoreResult(result)
		o.history.BackfillLastIteration(MetricsSummary{
			Pnl:    result.Metrics.TotalPnl,
			Trades: result.Metrics.NumTrades,
			PF:     result.Metrics.ProfitFactor,
		})

		verdict := CompareScores(score, o.bestScore)
		if score > o.bestScore && result.Metrics.NumTrades >= o.cfg.MinTrades {
			if err := o.saveCheckpoint(result.Metrics, iter); err != nil {
				o.logger.Error().Err(err).Msg("Checkpoint save failed")
			} else {
				o.bestScore = score
				o.machine.Apply(Event{Type: EventCheckpointSave})
			}
		} else if verdict == VerdictReject && o.ckpt.Exists() {
			if err := o.rollbackToBest(); err != nil {
				o.logger.Error().Err(err).Msg("Rollback failed")
			}
		}
		o.machine.Apply(Event{Type: EventVerdict, Verdict: historyVerdict(verdict)})

		if score >= o.cfg.TargetScore && result.Metrics.NumTrades >= o.cfg.MinTrades {
			o.machine.Apply(Event{Type: EventCriteriaMet})
			criteriaMet = true
			o.appendIteration(iter, result, score, VerdictImproved, nil, "criteria met")
			break
		}

		change, note := o.invokeModifier(ctx, iter, result, score)
		o.appendIteration(iter, result, score, historyVerdict(verdict), change, note)
		o.history.AgeHypotheses(iter, o.cfg.HypothesisAge)
		if err := o.history.Save(); err != nil {
			o.logger.Error().Err(err).Msg("History save failed")
		}
	}

	o.finishSession()
	return criteriaMet, nil
}

// rebuildWithFixes builds the working source, invoking the modifier to fix
// compile errors up to MaxFixAttempts times.
func (o *Orchestrator) rebuildWithFixes(ctx context.Context, iter int) error {
	for attempt := 0; ; attempt++ {
		err := o.build(ctx)
		if err == nil {
			return nil
		}
		o.machine.Apply(Event{Type: EventCompileError})
		if attempt >= o.cfg.MaxFixAttempts {
			return fmt.Errorf("build still failing after %d fix attempts: %w", attempt, err)
		}
		o.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Build failed, invoking modifier fix")

		promptPath := filepath.Join(o.cfg.WorkDir, fmt.Sprintf("iter%d-fixprompt.md", iter))
		prompt := fmt.Sprintf("# Fix compile error\n\nThe strategy source at %s fails to build:\n\n```\n%v\n```\n\nEdit the file so it builds. Change nothing else.\n",
			o.cfg.SourcePath, err)
		if werr := atomicWrite(promptPath, []byte(prompt)); werr != nil {
			return werr
		}
		if _, merr := o.modifier.Run(ctx, promptPath, RefineTimeout); merr != nil {
			return fmt.Errorf("modifier fix attempt failed: %w", merr)
		}
	}
}

// runWithRetries runs a backtest, retrying recoverable failures with
// bounded exponential backoff.
func (o *Orchestrator) runWithRetries(ctx context.Context, runner BacktestRunner) (*backtest.Result, error) {
	var lastErr error
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		result, err := runner(ctx, o.overrides)
		if err == nil {
			return result, nil
		}
		lastErr = err
		kind := Classify(err)
		if !Recoverable(kind) {
			return nil, err
		}
		if kind == KindTransient || kind == KindNetwork {
			o.machine.Apply(Event{Type: EventTransientError})
		}
		backoff := RetryBackoff(kind, attempt)
		o.logger.Warn().Err(err).Str("kind", string(kind)).Dur("backoff", backoff).Msg("Backtest attempt failed")
		if backoff > 0 {
			o.sleep(backoff)
		}
	}
	return nil, lastErr
}

func (o *Orchestrator) scoreResult(result *backtest.Result) float64 {
	return Score(ScoreInput{
		ProfitFactor:   result.Metrics.ProfitFactor,
		AvgR:           result.Metrics.AvgR,
		WinRate:        result.Metrics.WinRate,
		MaxDrawdownPct: result.Metrics.MaxDrawdownPct,
		Trades:         result.Metrics.NumTrades,
		ParamCount:     len(o.params),
	}, o.cfg.Weights)
}

func (o *Orchestrator) saveCheckpoint(metrics backtest.Metrics, iter int) error {
	source, err := os.ReadFile(o.cfg.SourcePath)
	if err != nil {
		return fmt.Errorf("read working source: %w", err)
	}
	return o.ckpt.Save(source, copyOverrides(o.overrides), metrics, iter)
}

func (o *Orchestrator) rollbackToBest() error {
	overrides, err := o.ckpt.Rollback(o.cfg.SourcePath)
	if err != nil {
		return err
	}
	o.overrides = copyOverrides(overrides)
	if err := strategy.ApplyOverrides(o.params, o.overrides); err != nil {
		return fmt.Errorf("re-apply checkpoint overrides: %w", err)
	}
	o.logger.Info().Msg("Rolled back to best checkpoint")
	return nil
}

// invokeModifier runs one modifier round for the current phase and applies
// its output under the phase contract. Returns the applied change (if any)
// and a note for the iteration record.
func (o *Orchestrator) invokeModifier(ctx context.Context, iter int, result *backtest.Result, score float64) (*ChangeRecord, string) {
	promptPath := filepath.Join(o.cfg.WorkDir, fmt.Sprintf("iter%d-prompt.md", iter))
	prompt := BuildPrompt(PromptInput{
		Coin:         o.cfg.Coin,
		StrategyName: o.cfg.StrategyName,
		Iter:         iter,
		Phase:        o.machine.Phase,
		Score:        score,
		BestScore:    o.bestScore,
		Metrics:      result.Metrics,
		Analysis:     result.Analysis,
		Params:       o.params,
		History:      o.history.Doc(),
	})
	if err := atomicWrite(promptPath, []byte(prompt)); err != nil {
		o.logger.Error().Err(err).Msg("Prompt write failed")
		return nil, "prompt write failed"
	}

	before, err := os.ReadFile(o.cfg.SourcePath)
	if err != nil {
		o.logger.Error().Err(err).Msg("Source read failed")
		return nil, "source read failed"
	}
	timeout := RefineTimeout
	if o.machine.Phase == PhaseRestructure {
		timeout = RestructureTimeout
	}

	res, err := o.modifier.Run(ctx, promptPath, timeout)
	if err != nil {
		o.machine.Apply(Event{Type: EventNoChange})
		return nil, fmt.Sprintf("modifier error: %v", err)
	}

	var change *ChangeRecord
	var note string
	switch o.machine.Phase {
	case PhaseRefine:
		change, note = o.applyRefine(res.Stdout, before)
	case PhaseResearch:
		note = o.applyResearch(iter, res.Stdout)
	case PhaseRestructure:
		change, note = o.applyRestructure(ctx, before)
	}

	o.consumeMetadata(iter)
	return change, note
}

// applyRefine enforces the refine contract: a paramOverrides JSON blob and
// an untouched source file.
func (o *Orchestrator) applyRefine(stdout string, before []byte) (*ChangeRecord, string) {
	// The source file must not change in refine; revert any edit.
	if after, err := os.ReadFile(o.cfg.SourcePath); err == nil && !bytes.Equal(after, before) {
		_ = atomicWrite(o.cfg.SourcePath, before)
		o.machine.Apply(Event{Type: EventNoChange})
		return nil, "source edit rejected in refine phase"
	}

	resp, err := ParseRefineResponse(stdout)
	if err != nil {
		o.machine.Apply(Event{Type: EventNoChange})
		return nil, fmt.Sprintf("invalid refine response: %v", err)
	}
	if len(resp.ParamOverrides) == 0 {
		o.machine.Apply(Event{Type: EventNoChange})
		return nil, "empty override set"
	}
	if err := strategy.ApplyOverrides(o.params, resp.ParamOverrides); err != nil {
		o.machine.Apply(Event{Type: EventNoChange})
		return nil, fmt.Sprintf("override rejected: %v", err)
	}

	var change *ChangeRecord
	for name, value := range resp.ParamOverrides {
		from := o.overrides[name]
		o.overrides[name] = value
		o.history.RecordExplored(name, value)
		change = &ChangeRecord{Param: name, From: from, To: value}
	}
	o.machine.Apply(Event{Type: EventChangeApplied})
	return change, ""
}

// applyResearch stores the research brief and signals the phase machine.
func (o *Orchestrator) applyResearch(iter int, stdout string) string {
	if stdout == "" {
		o.machine.Apply(Event{Type: EventNoChange})
		return "empty research output"
	}
	briefPath := filepath.Join(o.cfg.WorkDir, fmt.Sprintf("iter%d-brief.md", iter))
	if err := atomicWrite(briefPath, []byte(stdout)); err != nil {
		o.logger.Error().Err(err).Msg("Brief write failed")
		return "brief write failed"
	}
	o.machine.Apply(Event{Type: EventResearchDone, BriefPath: briefPath})
	return "research brief recorded"
}

// applyRestructure enforces the restructure contract: the source must
// change and must still build; a broken edit is reverted.
func (o *Orchestrator) applyRestructure(ctx context.Context, before []byte) (*ChangeRecord, string) {
	after, err := os.ReadFile(o.cfg.SourcePath)
	if err != nil {
		o.machine.Apply(Event{Type: EventNoChange})
		return nil, "source read failed after modifier"
	}
	if bytes.Equal(after, before) {
		o.machine.Apply(Event{Type: EventNoChange})
		return nil, "no source change"
	}
	if err := o.build(ctx); err != nil {
		_ = atomicWrite(o.cfg.SourcePath, before)
		o.machine.Apply(Event{Type: EventCompileError})
		return nil, fmt.Sprintf("restructure build failed, reverted: %v", err)
	}
	o.machine.Apply(Event{Type: EventChangeApplied, IsRestructure: true})
	return nil, "source restructured"
}

// consumeMetadata folds the modifier's iter metadata into history.
func (o *Orchestrator) consumeMetadata(iter int) {
	path := filepath.Join(o.cfg.WorkDir, fmt.Sprintf("iter%d-metadata.json", iter))
	meta, err := ParseModifierMetadata(path)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Modifier metadata unreadable, skipping")
		return
	}
	if meta == nil {
		return
	}
	if len(meta.Hypotheses) > 0 {
		o.history.AddHypotheses(meta.Hypotheses)
	}
	for _, nw := range meta.NeverWorked {
		o.history.AddNeverWorked(nw)
	}
	if meta.Approach != nil {
		o.history.Doc().Approaches = append(o.history.Doc().Approaches, *meta.Approach)
	}
}

func (o *Orchestrator) appendIteration(iter int, result *backtest.Result, score float64, verdict string, change *ChangeRecord, note string) {
	o.history.AppendIteration(IterationRecord{
		Iter:  iter,
		Phase: string(o.machine.Phase),
		Before: &MetricsSummary{
			Pnl:    result.Metrics.TotalPnl,
			Trades: result.Metrics.NumTrades,
			PF:     result.Metrics.ProfitFactor,
		},
		Change:  change,
		Verdict: verdict,
		Note:    note,
		Score:   score,
	})
}

// finishSession restores the best checkpoint to the working tree and logs a
// summary.
func (o *Orchestrator) finishSession() {
	if o.ckpt.Exists() {
		if err := o.rollbackToBest(); err != nil {
			o.logger.Error().Err(err).Msg("Final checkpoint restore failed")
		}
	}
	if err := o.history.Save(); err != nil {
		o.logger.Error().Err(err).Msg("Final history save failed")
	}
	o.logger.Info().
		Float64("best_score", o.bestScore).
		Str("phase", string(o.machine.Phase)).
		Int("iterations", len(o.history.Doc().Iterations)).
		Msg("Optimization session finished")
}

func (o *Orchestrator) sourceHash() (string, error) {
	data, err := os.ReadFile(o.cfg.SourcePath)
	if err != nil {
		return "", fmt.Errorf("hash source: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func historyVerdict(compare string) string {
	switch compare {
	case VerdictAccept:
		return VerdictImproved
	case VerdictReject:
		return VerdictDegraded
	default:
		return VerdictNeutral
	}
}

func copyOverrides(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
