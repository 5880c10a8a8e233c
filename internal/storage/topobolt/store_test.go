package topobolt

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"hopnet/internal/packet"
	"hopnet/internal/topology"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topo", "topology.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, _ := openTemp(t)

	mem := topology.NewStore()
	_, err := mem.RecordPath([]packet.Hop{
		{ID: 1, Type: packet.Client},
		{ID: 2, Type: packet.Drone},
		{ID: 5, Type: packet.Server},
	})
	require.NoError(t, err)
	mem.AddLink(1, 3)

	require.NoError(t, s.SaveTopology(mem.Snapshot()))

	got, err := s.LoadTopology()
	require.NoError(t, err)
	require.Equal(t, mem.Snapshot(), got)

	at, err := s.SavedAt()
	require.NoError(t, err)
	require.False(t, at.IsZero())
}

func TestSaveMergesAndPromotesUntyped(t *testing.T) {
	s, path := openTemp(t)

	require.NoError(t, s.SaveTopology(topology.Snapshot{
		Untyped: []packet.NodeID{3},
		Edges:   []topology.Edge{{A: 1, B: 3}},
	}))
	require.NoError(t, s.SaveTopology(topology.Snapshot{
		Nodes: []topology.NodeInfo{{ID: 3, Type: packet.Drone}},
		Edges: []topology.Edge{{A: 3, B: 4}},
	}))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.LoadTopology()
	require.NoError(t, err)
	require.Empty(t, got.Untyped)
	require.Equal(t, []topology.NodeInfo{{ID: 3, Type: packet.Drone}}, got.Nodes)
	require.Equal(t, []topology.Edge{{A: 1, B: 3}, {A: 3, B: 4}}, got.Edges)
}

func TestOpenEmptyPath(t *testing.T) {
	_, err := Open("")
	require.Error(t, err)
}
