package runlog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// StagingPath returns the hidden name a product is written under before it
// is renamed to path.
func StagingPath(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".part")
}

// CreateOnce materializes path through write unless it already exists.
// write fills the staging file, which is renamed to path only after write
// succeeds; on failure the staging file is removed and path stays absent.
// A staging file left by a killed run is overwritten. It reports whether
// path was created.
func CreateOnce(path string, write func(stage string) error) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create output folder: %w", err)
	}

	stage := StagingPath(path)
	if err := write(stage); err != nil {
		_ = os.Remove(stage)
		return false, err
	}
	if err := os.Rename(stage, path); err != nil {
		_ = os.Remove(stage)
		return false, fmt.Errorf("move %s into place: %w", filepath.Base(path), err)
	}
	return true, nil
}
