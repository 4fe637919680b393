package optimize

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// ErrLocked means another orchestrator already owns the asset workspace.
var ErrLocked = errors.New("asset is locked by another orchestrator")

// AssetLock is a process-wide advisory lock, one per asset workspace.
type AssetLock struct {
	path string
}

// AcquireAssetLock takes the lock for an asset. The lockfile is created
// with O_EXCL so exactly one process wins; the owner pid is written for
// diagnostics.
func AcquireAssetLock(dir, asset string) (*AssetLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := filepath.Join(dir, asset+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("create lockfile: %w", err)
	}
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("close lockfile: %w", err)
	}
	return &AssetLock{path: path}, nil
}

// Release removes the lockfile. Safe to call once on every exit path.
func (l *AssetLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	path := l.path
	l.path = ""
	return os.Remove(path)
}
