// Package sim is an in-process deterministic network of drones, servers and
// endpoint ports. It exists to exercise node control end to end; it is not
// production networking.
package sim

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"hopnet/internal/packet"
)

var (
	ErrUnknownNode  = errors.New("sim: unknown node")
	ErrNodeExists   = errors.New("sim: node already exists")
	ErrNotNeighbor  = errors.New("sim: next hop is not a neighbor")
	ErrPortClosed   = errors.New("sim: port closed")
	ErrBadDropRate  = errors.New("sim: drop rate must be within 0..1")
	ErrNoRouteAhead = errors.New("sim: packet has no next hop")
)

// Stats counts what happened inside the network.
type Stats struct {
	Forwarded      int
	Dropped        int // fragments discarded by a drone's drop rate
	Lost           int // packets that could not be routed and were discarded
	Nacks          map[packet.NackKind]int
	FloodResponses int
	InboxOverflow  int
}

type element interface {
	handle(nw *Network, from packet.NodeID, p packet.Packet)
	nodeType() packet.NodeType
}

type transit struct {
	from, to packet.NodeID
	pkt      packet.Packet
}

// Network routes packets between its members one at a time, in FIFO order.
// Whichever caller injects a packet while the network is idle drives delivery
// until the queue drains, so a run is reproducible for a given seed.
type Network struct {
	mu      sync.Mutex
	nodes   map[packet.NodeID]element
	links   map[packet.NodeID]map[packet.NodeID]bool
	queue   []transit
	pumping bool
	rng     *rand.Rand
	stats   Stats
	log     logrus.FieldLogger
}

type Option func(*Network)

func WithLogger(l logrus.FieldLogger) Option {
	return func(nw *Network) { nw.log = l.WithField("component", "sim") }
}

func NewNetwork(seed int64, opts ...Option) *Network {
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	nw := &Network{
		nodes: make(map[packet.NodeID]element),
		links: make(map[packet.NodeID]map[packet.NodeID]bool),
		rng:   rand.New(rand.NewSource(seed)),
		stats: Stats{Nacks: make(map[packet.NackKind]int)},
		log:   quiet,
	}
	for _, opt := range opts {
		opt(nw)
	}
	return nw
}

func (nw *Network) addLocked(id packet.NodeID, e element) error {
	if _, ok := nw.nodes[id]; ok {
		return fmt.Errorf("%w: %d", ErrNodeExists, id)
	}
	nw.nodes[id] = e
	nw.links[id] = make(map[packet.NodeID]bool)
	return nil
}

// Connect links a and b in both directions.
func (nw *Network) Connect(a, b packet.NodeID) error {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	if a == b {
		return fmt.Errorf("sim: self link on %d", a)
	}
	for _, id := range []packet.NodeID{a, b} {
		if _, ok := nw.nodes[id]; !ok {
			return fmt.Errorf("%w: %d", ErrUnknownNode, id)
		}
	}
	nw.links[a][b] = true
	nw.links[b][a] = true
	return nil
}

// Crash removes id and all its links. Packets later addressed to it are lost
// or nacked by the drone that fails to reach it.
func (nw *Network) Crash(id packet.NodeID) error {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	e, ok := nw.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	if p, isPort := e.(*Port); isPort {
		p.closeLocked()
	}
	for nb := range nw.links[id] {
		delete(nw.links[nb], id)
	}
	delete(nw.links, id)
	delete(nw.nodes, id)
	nw.log.WithField("node", id).Info("node crashed")
	return nil
}

// Neighbors returns the ids linked to id in ascending order.
func (nw *Network) Neighbors(id packet.NodeID) []packet.NodeID {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	return nw.neighborsLocked(id)
}

func (nw *Network) neighborsLocked(id packet.NodeID) []packet.NodeID {
	out := make([]packet.NodeID, 0, len(nw.links[id]))
	for nb := range nw.links[id] {
		out = append(out, nb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Type returns the role of id.
func (nw *Network) Type(id packet.NodeID) (packet.NodeType, bool) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	e, ok := nw.nodes[id]
	if !ok {
		return 0, false
	}
	return e.nodeType(), true
}

func (nw *Network) Stats() Stats {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	s := nw.stats
	s.Nacks = make(map[packet.NackKind]int, len(nw.stats.Nacks))
	for k, v := range nw.stats.Nacks {
		s.Nacks[k] = v
	}
	return s
}

// inject queues p from -> to and drains the queue unless another caller is
// already doing so.
func (nw *Network) inject(from, to packet.NodeID, p packet.Packet) {
	nw.mu.Lock()
	nw.queue = append(nw.queue, transit{from: from, to: to, pkt: p})
	if nw.pumping {
		nw.mu.Unlock()
		return
	}
	nw.pumping = true
	nw.mu.Unlock()
	nw.pump()
}

func (nw *Network) pump() {
	for {
		nw.mu.Lock()
		if len(nw.queue) == 0 {
			nw.pumping = false
			nw.mu.Unlock()
			return
		}
		t := nw.queue[0]
		nw.queue = nw.queue[1:]
		nw.dispatchLocked(t)
		nw.mu.Unlock()
	}
}

func (nw *Network) dispatchLocked(t transit) {
	e, ok := nw.nodes[t.to]
	if !ok || !nw.links[t.from][t.to] {
		nw.stats.Lost++
		nw.log.WithFields(logrus.Fields{"from": t.from, "to": t.to, "packet": t.pkt.String()}).Debug("link gone, packet lost")
		return
	}
	e.handle(nw, t.from, t.pkt)
}

// pushLocked queues p from self to the hop under its cursor.
func (nw *Network) pushLocked(self packet.NodeID, p packet.Packet) {
	next, ok := p.Header.Current()
	if !ok || !nw.links[self][next] {
		nw.stats.Lost++
		nw.log.WithFields(logrus.Fields{"node": self, "packet": p.String()}).Debug("no link to next hop, packet lost")
		return
	}
	nw.queue = append(nw.queue, transit{from: self, to: next, pkt: p})
}
