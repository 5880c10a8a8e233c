package node

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"hopnet/internal/packet"
)

var errLinkDown = errors.New("link down")

// fakeTransport records outbound packets and lets tests inject inbound ones.
type fakeTransport struct {
	mu   sync.Mutex
	sent []packet.Packet
	down bool
	in   chan packet.Packet
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan packet.Packet, 64)}
}

func (f *fakeTransport) Send(p packet.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errLinkDown
	}
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeTransport) Inbound() <-chan packet.Packet { return f.in }

func (f *fakeTransport) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// take returns and clears everything sent so far.
func (f *fakeTransport) take() []packet.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

type nodeTestOpt func(*Config)

func WithNeighbors(ids ...packet.NodeID) nodeTestOpt {
	return func(cfg *Config) { cfg.Neighbors = ids }
}

func WithType(t packet.NodeType) nodeTestOpt {
	return func(cfg *Config) { cfg.Type = t }
}

func WithPersister(p TopologyPersister) nodeTestOpt {
	return func(cfg *Config) { cfg.Topology = p }
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// newTestNode builds node 1 (a Client with neighbors 2 and 3) over a fake transport.
func newTestNode(t *testing.T, opts ...nodeTestOpt) (*Node, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	cfg := Config{
		ID:        1,
		Type:      packet.Client,
		Neighbors: []packet.NodeID{2, 3},
		Transport: tr,
		Logger:    quietLogger(),
		Debug:     true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	n, err := New(cfg)
	require.NoError(t, err)
	return n, tr
}

// learn feeds a flood response for the latest flood, starting one if needed.
func learn(t *testing.T, n *Node, trace ...packet.Hop) {
	t.Helper()
	res, ok := n.engine.Latest()
	floodID := res.FloodID
	if !ok {
		var err error
		floodID, err = n.Discover()
		require.NoError(t, err)
	}
	require.NoError(t, n.HandlePacket(packet.Packet{
		Body:      packet.FloodResponse{FloodID: floodID, PathTrace: trace},
		Header:    packet.NewHeader(len(trace)-1, reversed(trace)...),
		SessionID: floodID,
	}))
}

func reversed(trace []packet.Hop) []packet.NodeID {
	out := make([]packet.NodeID, len(trace))
	for i, h := range trace {
		out[len(trace)-1-i] = h.ID
	}
	return out
}

func waitEvent(t *testing.T, n *Node, typ EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-n.Events():
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", typ)
		}
	}
}

func fragments(pkts []packet.Packet) []packet.Fragment {
	var out []packet.Fragment
	for _, p := range pkts {
		if f, ok := p.Body.(packet.Fragment); ok {
			out = append(out, f)
		}
	}
	return out
}

var (
	c1 = packet.Hop{ID: 1, Type: packet.Client}
	d2 = packet.Hop{ID: 2, Type: packet.Drone}
	d3 = packet.Hop{ID: 3, Type: packet.Drone}
	d4 = packet.Hop{ID: 4, Type: packet.Drone}
	s5 = packet.Hop{ID: 5, Type: packet.Server}
)
