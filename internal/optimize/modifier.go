package optimize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Modifier timeouts per phase.
const (
	RefineTimeout      = 900 * time.Second
	RestructureTimeout = 1800 * time.Second

	// killGrace is how long a timed-out child gets between SIGTERM and
	// SIGKILL.
	killGrace = 10 * time.Second
)

// ModifierResult carries the child's output. Stdout/Stderr are preserved
// even on timeout so partial output stays diagnosable.
type ModifierResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// RefineResponse is the wire contract for refine-phase modifier output: a
// JSON blob of parameter overrides, no source change.
type RefineResponse struct {
	ParamOverrides map[string]float64 `json:"paramOverrides"`
}

// ParseRefineResponse extracts the override blob from modifier stdout,
// tolerating surrounding prose and code fences.
func ParseRefineResponse(stdout string) (*RefineResponse, error) {
	text := stdout
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	start := bytes.IndexByte([]byte(text), '{')
	end := bytes.LastIndexByte([]byte(text), '}')
	if start < 0 || end <= start {
		return nil, errors.New("no JSON object in modifier output")
	}
	raw := trailingCommaRe.ReplaceAllString(text[start:end+1], "$1")

	var resp RefineResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("decode refine response: %w", err)
	}
	if resp.ParamOverrides == nil {
		return nil, errors.New("refine response missing paramOverrides")
	}
	return &resp, nil
}

// Modifier runs the external strategy-modifier process with a wall-clock
// timeout and term-then-kill escalation.
type Modifier struct {
	// Command is the argv prefix; the prompt path is appended.
	Command []string
	Dir     string
	logger  zerolog.Logger
}

// NewModifier creates a runner for the given command.
func NewModifier(command []string, dir string, logger zerolog.Logger) *Modifier {
	return &Modifier{Command: command, Dir: dir, logger: logger}
}

// Run invokes the modifier on a prompt file. The child is sent SIGTERM at
// the deadline and SIGKILL after the grace period; output streams are
// captured throughout.
func (m *Modifier) Run(ctx context.Context, promptPath string, timeout time.Duration) (*ModifierResult, error) {
	if len(m.Command) == 0 {
		return nil, errors.New("modifier command not configured")
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string(nil), m.Command[1:]...), promptPath)
	cmd := exec.CommandContext(runCtx, m.Command[0], args...)
	cmd.Dir = m.Dir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	res := &ModifierResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if res.TimedOut {
		m.logger.Warn().
			Dur("timeout", timeout).
			Int("stdout_bytes", stdout.Len()).
			Msg("Modifier timed out")
		return res, fmt.Errorf("modifier timed out after %s", timeout)
	}
	if err != nil {
		return res, fmt.Errorf("modifier failed: %w (stderr: %s)", err, truncate(res.Stderr, 500))
	}
	return res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
