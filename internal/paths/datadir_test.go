package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnsureDirAndTopologyFile(t *testing.T) {
	root := t.TempDir()
	dir, err := EnsureDir(filepath.Join(root, "a", "..", "b"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "b"), dir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	require.Equal(t, filepath.Join(dir, "node-7", "topology.db"), TopologyFile(dir, 7))
	require.NotEmpty(t, DefaultDataDir())
}
