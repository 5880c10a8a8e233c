package routing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"hopnet/internal/packet"
	"hopnet/internal/topology"
)

func graph(t *testing.T, paths ...[]packet.Hop) *topology.Store {
	t.Helper()
	s := topology.NewStore()
	for _, p := range paths {
		_, err := s.RecordPath(p)
		require.NoError(t, err)
	}
	return s
}

func c(id packet.NodeID) packet.Hop { return packet.Hop{ID: id, Type: packet.Client} }
func d(id packet.NodeID) packet.Hop { return packet.Hop{ID: id, Type: packet.Drone} }
func s(id packet.NodeID) packet.Hop { return packet.Hop{ID: id, Type: packet.Server} }

func TestComputeRouteSimple(t *testing.T) {
	g := graph(t, []packet.Hop{c(1), d(2), s(5)})

	route, err := ComputeRoute(g, 1, 5)
	require.NoError(t, err)
	require.Equal(t, []packet.NodeID{1, 2, 5}, route)

	_, err = ComputeRoute(g, 1, 9)
	require.ErrorIs(t, err, ErrNoRouteFound)
	_, err = ComputeRoute(g, 1, 1)
	require.ErrorIs(t, err, ErrNoRouteFound)
}

func TestComputeRouteShortestWins(t *testing.T) {
	g := graph(t,
		[]packet.Hop{c(1), d(2), d(3), d(4), s(9)},
		[]packet.Hop{c(1), d(7), s(9)},
	)
	route, err := ComputeRoute(g, 1, 9)
	require.NoError(t, err)
	require.Equal(t, []packet.NodeID{1, 7, 9}, route)
}

func TestComputeRouteLowestIDTieBreak(t *testing.T) {
	g := graph(t,
		[]packet.Hop{c(1), d(4), d(6), s(9)},
		[]packet.Hop{c(1), d(3), d(8), s(9)},
		[]packet.Hop{c(1), d(3), d(7), s(9)},
	)
	for i := 0; i < 20; i++ {
		route, err := ComputeRoute(g, 1, 9)
		require.NoError(t, err)
		require.Equal(t, []packet.NodeID{1, 3, 7, 9}, route)
	}
}

func TestComputeRouteOnlyDronesRelay(t *testing.T) {
	// The only path to 9 crosses server 5 and client 6.
	g := graph(t,
		[]packet.Hop{c(1), d(2), s(5), d(8), s(9)},
		[]packet.Hop{c(1), d(3), c(6), d(8)},
	)
	_, err := ComputeRoute(g, 1, 9)
	require.ErrorIs(t, err, ErrNoRouteFound)

	route, err := ComputeRoute(g, 1, 5)
	require.NoError(t, err)
	require.Equal(t, []packet.NodeID{1, 2, 5}, route, "endpoints may be destinations")
}

func TestComputeRouteUntypedNeighbors(t *testing.T) {
	g := topology.NewStore()
	_, err := g.AddNode(1, packet.Client)
	require.NoError(t, err)
	g.AddLink(1, 2)
	g.AddLink(2, 5)

	route, err := ComputeRoute(g, 1, 2)
	require.NoError(t, err)
	require.Equal(t, []packet.NodeID{1, 2}, route, "an untyped neighbor is reachable directly")

	_, err = ComputeRoute(g, 1, 5)
	require.ErrorIs(t, err, ErrNoRouteFound, "an untyped node never relays")
}

func TestComputeRouteWithoutLinks(t *testing.T) {
	g := graph(t,
		[]packet.Hop{c(1), d(2), s(5)},
		[]packet.Hop{c(1), d(3), d(4), s(5)},
	)
	route, err := ComputeRoute(g, 1, 5, WithoutLinks([2]packet.NodeID{5, 2}))
	require.NoError(t, err)
	require.Equal(t, []packet.NodeID{1, 3, 4, 5}, route, "the server stays a destination over its other link")

	route, err = ComputeRoute(g, 1, 2, WithoutLinks([2]packet.NodeID{2, 5}))
	require.NoError(t, err)
	require.Equal(t, []packet.NodeID{1, 2}, route, "a cut link leaves both ends reachable")

	_, err = ComputeRoute(g, 1, 5, WithoutLinks([2]packet.NodeID{2, 5}, [2]packet.NodeID{4, 5}))
	require.ErrorIs(t, err, ErrNoRouteFound)
}

func TestLinkKeyIsUndirected(t *testing.T) {
	require.Equal(t, LinkKey(2, 7), LinkKey(7, 2))
	require.Equal(t, [2]packet.NodeID{2, 7}, LinkKey(7, 2))
}
