// Package node composes the topology store, flood engine, router and delivery
// tracker into one endpoint that talks to the network through a Transport.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"hopnet/internal/delivery"
	"hopnet/internal/flood"
	"hopnet/internal/fragment"
	"hopnet/internal/packet"
	"hopnet/internal/routing"
	"hopnet/internal/topology"
)

var (
	ErrTransportUnavailable = errors.New("node: transport unavailable")
	ErrNoTransport          = errors.New("node: no transport configured")
	ErrNotEndpoint          = errors.New("node: drones cannot run node control")
)

// Transport moves packets to and from the directly connected neighbors.
// Send must not block indefinitely.
type Transport interface {
	Send(p packet.Packet) error
	Inbound() <-chan packet.Packet
}

// TopologyPersister stores topology snapshots across restarts.
type TopologyPersister interface {
	SaveTopology(snap topology.Snapshot) error
	LoadTopology() (topology.Snapshot, error)
}

type Config struct {
	ID        packet.NodeID      // fixed identity of this endpoint
	Type      packet.NodeType    // Client or Server
	Neighbors []packet.NodeID    // direct neighbors known before any flood
	Transport Transport          // packet link to the neighbors
	Logger    logrus.FieldLogger // system logger
	Debug     bool               // flag for showing per-packet logs
	Topology  TopologyPersister  // optional topology persistence
	InboxSize int                // buffer of Incoming and Events, default 128
}

// Message is a fully reassembled payload addressed to this node.
type Message struct {
	From       packet.NodeID
	Session    uint64
	Payload    []byte
	ReceivedAt time.Time
}

// Receipt identifies an outbound session so callers can poll its completion.
type Receipt struct {
	SessionID uint64
	Fragments int
	Route     []packet.NodeID
}

// Node is a single logical actor. Every mutation of its state happens while
// holding mu for the duration of one packet or one API call.
type Node struct {
	cfg   Config
	log   logrus.FieldLogger
	runID string

	mu      sync.Mutex
	topo    *topology.Store
	engine  *flood.Engine
	tracker *delivery.Tracker
	asm     *fragment.Assembler
	broken  map[[2]packet.NodeID]bool // links reported by ErrorInRouting

	incoming chan Message
	events   chan Event
	now      func() time.Time
}

func New(cfg Config) (*Node, error) {
	if cfg.Transport == nil {
		return nil, ErrNoTransport
	}
	if cfg.Type == packet.Drone {
		return nil, ErrNotEndpoint
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 128
	}

	runID := uuid.NewString()
	n := &Node{
		cfg:      cfg,
		runID:    runID,
		log:      cfg.Logger.WithFields(logrus.Fields{"node_id": cfg.ID, "run_id": runID}),
		topo:     topology.NewStore(),
		tracker:  delivery.NewTracker(),
		asm:      fragment.NewAssembler(),
		broken:   make(map[[2]packet.NodeID]bool),
		incoming: make(chan Message, cfg.InboxSize),
		events:   make(chan Event, cfg.InboxSize),
		now:      time.Now,
	}
	if _, err := n.topo.AddNode(cfg.ID, cfg.Type); err != nil {
		return nil, err
	}
	if cfg.Topology != nil {
		snap, err := cfg.Topology.LoadTopology()
		if err != nil {
			return nil, fmt.Errorf("node: load topology: %w", err)
		}
		if err := n.topo.Restore(snap); err != nil {
			n.log.WithError(err).Warn("stored topology contradicts this node")
		}
	}
	for _, nb := range cfg.Neighbors {
		n.topo.AddLink(cfg.ID, nb)
	}
	n.engine = flood.NewEngine(cfg.ID, cfg.Type, n.topo)
	return n, nil
}

func (n *Node) ID() packet.NodeID { return n.cfg.ID }

func (n *Node) Type() packet.NodeType { return n.cfg.Type }

// RunID identifies this process in logs.
func (n *Node) RunID() string { return n.runID }

// Incoming returns completed messages addressed to this node.
func (n *Node) Incoming() <-chan Message { return n.incoming }

// Events returns a channel of events for logging or UI.
func (n *Node) Events() <-chan Event { return n.events }

// Run handles inbound packets one at a time until ctx ends or the transport
// closes its inbound channel.
func (n *Node) Run(ctx context.Context) error {
	n.log.WithField("neighbors", n.cfg.Neighbors).Info("node running")
	in := n.cfg.Transport.Inbound()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-in:
			if !ok {
				n.log.Info("transport closed")
				return nil
			}
			if err := n.HandlePacket(p); err != nil {
				n.log.WithError(err).WithField("packet", p.String()).Warn("packet handling failed")
			}
		}
	}
}

func (n *Node) emit(e Event) {
	select {
	case n.events <- e:
	default:
		// drop to avoid blocking the handler
	}
}

func (n *Node) deliver(m Message) {
	select {
	case n.incoming <- m:
	default:
		n.log.WithField("session", m.Session).Warn("incoming queue full, message dropped")
	}
}

// send hands p to the transport. Failures are always wrapped in ErrTransportUnavailable.
func (n *Node) send(p packet.Packet) error {
	if err := n.cfg.Transport.Send(p); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}
	n.Logf("sent %s", p)
	return nil
}

func (n *Node) brokenLocked() [][2]packet.NodeID {
	out := make([][2]packet.NodeID, 0, len(n.broken))
	for l := range n.broken {
		out = append(out, l)
	}
	return out
}

// Route computes the current route to dst without sending anything.
func (n *Node) Route(dst packet.NodeID) ([]packet.NodeID, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return routing.ComputeRoute(n.topo, n.cfg.ID, dst, routing.WithoutLinks(n.brokenLocked()...))
}

// Topology returns a snapshot of everything learned so far.
func (n *Node) Topology() topology.Snapshot { return n.topo.Snapshot() }

func (n *Node) Session(id uint64) (delivery.SessionStatus, bool) { return n.tracker.Session(id) }

func (n *Node) FragmentState(session, index uint64) (delivery.State, error) {
	return n.tracker.State(session, index)
}

func (n *Node) IsSessionComplete(session uint64) bool {
	return n.tracker.IsSessionComplete(session)
}

func (n *Node) FloodResults() []flood.Result { return n.engine.Results() }
