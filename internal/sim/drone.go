package sim

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"hopnet/internal/packet"
	"hopnet/internal/relay"
)

// Drone relays packets by source routing and propagates floods.
type Drone struct {
	id      packet.NodeID
	pdr     float64
	flooder *relay.Flooder
}

// AddDrone adds a relay that discards fragments with probability pdr.
func (nw *Network) AddDrone(id packet.NodeID, pdr float64) error {
	if pdr < 0 || pdr > 1 {
		return fmt.Errorf("%w: %v", ErrBadDropRate, pdr)
	}
	nw.mu.Lock()
	defer nw.mu.Unlock()
	return nw.addLocked(id, &Drone{id: id, pdr: pdr, flooder: relay.NewFlooder(id)})
}

func (d *Drone) nodeType() packet.NodeType { return packet.Drone }

func (d *Drone) handle(nw *Network, from packet.NodeID, p packet.Packet) {
	if req, ok := p.Body.(packet.FloodRequest); ok {
		out, action := d.flooder.Handle(from, req, nw.neighborsLocked(d.id))
		if action == relay.Reply {
			nw.stats.FloodResponses++
		}
		for _, fp := range out {
			nw.pushLocked(d.id, fp)
		}
		return
	}

	linked := func(id packet.NodeID) bool { return nw.links[d.id][id] }
	drop := func() bool { return d.pdr > 0 && nw.rng.Float64() < d.pdr }
	out, action := relay.Route(d.id, p, linked, drop)
	switch action {
	case relay.Forward:
		nw.stats.Forwarded++
	case relay.Reply:
		nack := out.Body.(packet.Nack)
		nw.stats.Nacks[nack.Type.Kind]++
		if nack.Type.Kind == packet.NackDropped {
			nw.stats.Dropped++
			nw.log.WithFields(logrus.Fields{"drone": d.id, "session": p.SessionID, "fragment": nack.Index}).Debug("fragment dropped")
		}
	default:
		nw.stats.Lost++
		return
	}
	nw.pushLocked(d.id, out)
}
