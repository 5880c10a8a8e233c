package sim_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"hopnet/internal/delivery"
	"hopnet/internal/node"
	"hopnet/internal/packet"
	"hopnet/internal/sim"
	"hopnet/internal/topology"
)

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// client attaches node control to the endpoint port id.
func client(t *testing.T, nw *sim.Network, port *sim.Port) *node.Node {
	t.Helper()
	n, err := node.New(node.Config{
		ID:        port.ID(),
		Type:      packet.Client,
		Neighbors: nw.Neighbors(port.ID()),
		Transport: port,
		Logger:    quiet(),
	})
	require.NoError(t, err)
	return n
}

// settle feeds every queued inbound packet to n until none is left. Handling
// is synchronous inside the simulated network, so this reaches a fixed point.
func settle(n *node.Node, port *sim.Port) {
	for {
		select {
		case p, ok := <-port.Inbound():
			if !ok {
				return
			}
			_ = n.HandlePacket(p)
		default:
			return
		}
	}
}

// diamond is 1(client) with two routes to server 5: 1-2-6-5 and 1-3-4-5.
func diamond(t *testing.T, echo bool, dropRate float64) (*sim.Network, *sim.Port) {
	t.Helper()
	nw, ports, err := sim.Build(42, sim.Layout{
		Drones:    []sim.DroneSpec{{ID: 2, DropRate: dropRate}, {ID: 3}, {ID: 4}, {ID: 6}},
		Servers:   []sim.ServerSpec{{ID: 5, Echo: echo}},
		Endpoints: []packet.Hop{{ID: 1, Type: packet.Client}},
		Links:     [][2]packet.NodeID{{1, 2}, {2, 6}, {6, 5}, {1, 3}, {3, 4}, {4, 5}},
	}, sim.WithLogger(quiet()))
	require.NoError(t, err)
	return nw, ports[1]
}

func TestDiscoveryLearnsWholeNetwork(t *testing.T) {
	nw, port := diamond(t, false, 0)
	n := client(t, nw, port)

	_, err := n.Discover()
	require.NoError(t, err)
	settle(n, port)

	snap := n.Topology()
	require.Equal(t, []topology.NodeInfo{
		{ID: 1, Type: packet.Client},
		{ID: 2, Type: packet.Drone},
		{ID: 3, Type: packet.Drone},
		{ID: 4, Type: packet.Drone},
		{ID: 5, Type: packet.Server},
		{ID: 6, Type: packet.Drone},
	}, snap.Nodes)
	require.Equal(t, []topology.Edge{{A: 1, B: 2}, {A: 1, B: 3}, {A: 2, B: 6}, {A: 3, B: 4}, {A: 4, B: 5}, {A: 5, B: 6}}, snap.Edges)
	require.Empty(t, snap.Untyped)

	route, err := n.Route(5)
	require.NoError(t, err)
	require.Equal(t, []packet.NodeID{1, 2, 6, 5}, route, "equal length routes resolve to the lowest ids")
}

func TestPayloadDeliveredAndAcked(t *testing.T) {
	nw, port := diamond(t, false, 0)
	n := client(t, nw, port)
	_, err := n.Discover()
	require.NoError(t, err)
	settle(n, port)

	payload := bytes.Repeat([]byte{0xAB}, 1000)
	rcpt, err := n.SendPayload(5, payload)
	require.NoError(t, err)
	require.Equal(t, 8, rcpt.Fragments)
	settle(n, port)

	require.True(t, n.IsSessionComplete(rcpt.SessionID))
	got, err := nw.Received(5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, payload, got[0].Payload)
}

func TestEchoComesBack(t *testing.T) {
	nw, port := diamond(t, true, 0)
	n := client(t, nw, port)
	_, err := n.Discover()
	require.NoError(t, err)
	settle(n, port)

	_, err = n.SendPayload(5, []byte("marco"))
	require.NoError(t, err)
	settle(n, port)

	select {
	case m := <-n.Incoming():
		require.Equal(t, packet.NodeID(5), m.From)
		require.Equal(t, []byte("marco"), m.Payload)
	default:
		t.Fatal("no echo")
	}
}

func TestLossyDroneNacksEveryFragment(t *testing.T) {
	nw, port := diamond(t, false, 1)
	n := client(t, nw, port)
	_, err := n.Discover()
	require.NoError(t, err)
	settle(n, port)

	rcpt, err := n.SendPayload(5, make([]byte, 300))
	require.NoError(t, err)
	settle(n, port)

	for idx := uint64(0); idx < 3; idx++ {
		st, err := n.FragmentState(rcpt.SessionID, idx)
		require.NoError(t, err)
		require.Equal(t, delivery.NackedRetryable, st)
	}
	require.Equal(t, 3, nw.Stats().Dropped)
	require.False(t, n.IsSessionComplete(rcpt.SessionID))
}

func TestCrashedDroneIsRoutedAround(t *testing.T) {
	nw, port := diamond(t, false, 0)
	n := client(t, nw, port)
	_, err := n.Discover()
	require.NoError(t, err)
	settle(n, port)

	require.NoError(t, nw.Crash(6))
	rcpt, err := n.SendPayload(5, []byte("detour"))
	require.NoError(t, err)
	require.Equal(t, []packet.NodeID{1, 2, 6, 5}, rcpt.Route)
	settle(n, port)

	st, err := n.FragmentState(rcpt.SessionID, 0)
	require.NoError(t, err)
	require.Equal(t, delivery.NackedRetryable, st)

	sent, err := n.ResendPending()
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	settle(n, port)

	require.True(t, n.IsSessionComplete(rcpt.SessionID))
	status, ok := n.Session(rcpt.SessionID)
	require.True(t, ok)
	require.Equal(t, []packet.NodeID{1, 3, 4, 5}, status.Route)
}

func TestSameSeedSameRun(t *testing.T) {
	run := func() sim.Stats {
		nw, port := diamond(t, false, 0.5)
		n := client(t, nw, port)
		_, err := n.Discover()
		require.NoError(t, err)
		settle(n, port)
		for i := 0; i < 5; i++ {
			_, err := n.SendPayload(5, make([]byte, 700))
			require.NoError(t, err)
			settle(n, port)
			_, _ = n.ResendPending()
			settle(n, port)
		}
		return nw.Stats()
	}
	require.Equal(t, run(), run())
}
