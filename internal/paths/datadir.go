package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultDataDir returns a per-user directory for persisted topology.
// It prefers os.UserConfigDir and falls back to the current directory.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "hopnet")
	}
	return ".hopnet"
}

// EnsureDir makes sure dir exists and returns the cleaned path.
func EnsureDir(dir string) (string, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// TopologyFile is where node id keeps its topology database under dataDir.
func TopologyFile(dataDir string, id uint8) string {
	return filepath.Join(dataDir, fmt.Sprintf("node-%d", id), "topology.db")
}
