package sim

import (
	"fmt"

	"hopnet/internal/packet"
)

const defaultInbox = 256

// Port attaches an endpoint (client or server) running node control to the
// network. It satisfies node.Transport.
type Port struct {
	nw     *Network
	id     packet.NodeID
	typ    packet.NodeType
	in     chan packet.Packet
	closed bool
}

// AddEndpoint registers an externally driven endpoint and returns its port.
func (nw *Network) AddEndpoint(id packet.NodeID, typ packet.NodeType) (*Port, error) {
	if typ == packet.Drone {
		return nil, fmt.Errorf("sim: node %d: drones are built with AddDrone", id)
	}
	nw.mu.Lock()
	defer nw.mu.Unlock()
	p := &Port{nw: nw, id: id, typ: typ, in: make(chan packet.Packet, defaultInbox)}
	if err := nw.addLocked(id, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Port) ID() packet.NodeID { return p.id }

func (p *Port) nodeType() packet.NodeType { return p.typ }

// Send hands pkt to the neighbor under its header cursor.
func (p *Port) Send(pkt packet.Packet) error {
	next, ok := pkt.Header.Current()
	if !ok {
		return ErrNoRouteAhead
	}
	p.nw.mu.Lock()
	if p.closed {
		p.nw.mu.Unlock()
		return ErrPortClosed
	}
	if !p.nw.links[p.id][next] {
		p.nw.mu.Unlock()
		return fmt.Errorf("%w: %d -> %d", ErrNotNeighbor, p.id, next)
	}
	p.nw.mu.Unlock()
	p.nw.inject(p.id, next, pkt.WithHeader(pkt.Header))
	return nil
}

func (p *Port) Inbound() <-chan packet.Packet { return p.in }

func (p *Port) handle(nw *Network, _ packet.NodeID, pkt packet.Packet) {
	if p.closed {
		return
	}
	select {
	case p.in <- pkt:
	default:
		nw.stats.InboxOverflow++
		nw.log.WithField("node", p.id).Warn("endpoint inbox full, packet dropped")
	}
}

func (p *Port) closeLocked() {
	if !p.closed {
		p.closed = true
		close(p.in)
	}
}
