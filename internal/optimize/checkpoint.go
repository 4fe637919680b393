package optimize

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/quantloop/quantloop/pkg/backtest"
)

// Checkpoint file names inside the checkpoint directory.
const (
	checkpointSourceFile  = "source.bytes"
	checkpointParamsFile  = "params.json"
	checkpointMetricsFile = "metrics.json"
)

// ErrNoCheckpoint is returned when no snapshot has been saved yet.
var ErrNoCheckpoint = errors.New("no checkpoint saved")

// checkpointParams is the persisted shape of params.json.
type checkpointParams struct {
	Iter      int                `json:"iter"`
	Overrides map[string]float64 `json:"overrides"`
}

// CheckpointManager persists the best-scoring (source, params, metrics)
// snapshot and can restore it.
type CheckpointManager struct {
	dir string
}

// NewCheckpointManager creates a manager over the given directory.
func NewCheckpointManager(dir string) *CheckpointManager {
	return &CheckpointManager{dir: dir}
}

// Exists reports whether a snapshot is present.
func (m *CheckpointManager) Exists() bool {
	_, err := os.Stat(filepath.Join(m.dir, checkpointSourceFile))
	return err == nil
}

// Save snapshots the strategy source, parameter overrides and metrics. Each
// file is written to a temp path and renamed so a crash mid-save never
// leaves a torn snapshot.
func (m *CheckpointManager) Save(source []byte, overrides map[string]float64, metrics backtest.Metrics, iter int) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	if err := atomicWrite(filepath.Join(m.dir, checkpointSourceFile), source); err != nil {
		return err
	}
	params, err := json.MarshalIndent(checkpointParams{Iter: iter, Overrides: overrides}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint params: %w", err)
	}
	if err := atomicWrite(filepath.Join(m.dir, checkpointParamsFile), params); err != nil {
		return err
	}
	metricsJSON, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint metrics: %w", err)
	}
	return atomicWrite(filepath.Join(m.dir, checkpointMetricsFile), metricsJSON)
}

// Source returns the stored strategy source bytes.
func (m *CheckpointManager) Source() ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, checkpointSourceFile))
	if os.IsNotExist(err) {
		return nil, ErrNoCheckpoint
	}
	return data, err
}

// Params returns the stored overrides and the iteration they were saved at.
func (m *CheckpointManager) Params() (map[string]float64, int, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, checkpointParamsFile))
	if os.IsNotExist(err) {
		return nil, 0, ErrNoCheckpoint
	}
	if err != nil {
		return nil, 0, err
	}
	var p checkpointParams
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, 0, fmt.Errorf("decode checkpoint params: %w", err)
	}
	return p.Overrides, p.Iter, nil
}

// Metrics returns the stored metrics.
func (m *CheckpointManager) Metrics() (backtest.Metrics, error) {
	var metrics backtest.Metrics
	data, err := os.ReadFile(filepath.Join(m.dir, checkpointMetricsFile))
	if os.IsNotExist(err) {
		return metrics, ErrNoCheckpoint
	}
	if err != nil {
		return metrics, err
	}
	if err := json.Unmarshal(data, &metrics); err != nil {
		return metrics, fmt.Errorf("decode checkpoint metrics: %w", err)
	}
	return metrics, nil
}

// Rollback restores the stored source bytes to workingPath and returns the
// stored overrides. After a successful rollback the working file is
// byte-identical to the snapshot.
func (m *CheckpointManager) Rollback(workingPath string) (map[string]float64, error) {
	source, err := m.Source()
	if err != nil {
		return nil, err
	}
	if err := atomicWrite(workingPath, source); err != nil {
		return nil, err
	}
	overrides, _, err := m.Params()
	if err != nil {
		return nil, err
	}
	return overrides, nil
}

// atomicWrite writes data to a sibling temp file and renames it over path.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
