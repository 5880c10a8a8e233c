// Package relay holds the forwarding rules of a drone, independent of how
// packets physically move.
package relay

import (
	"sort"

	"hopnet/internal/packet"
)

// Action is what a drone does with one packet.
type Action uint8

const (
	Forward Action = iota + 1
	Reply          // a nack or flood response goes back toward the source
	Discard        // control packet that cannot be routed
)

func (a Action) String() string {
	switch a {
	case Forward:
		return "forward"
	case Reply:
		return "reply"
	case Discard:
		return "discard"
	default:
		return "action(?)"
	}
}

// Links answers whether a direct link to id exists.
type Links func(id packet.NodeID) bool

// Nack builds the nack answering fragment packet p received by self. The nack
// leaves from self and retraces the route toward the fragment's source.
func Nack(self packet.NodeID, p packet.Packet, nt packet.NackType) (packet.Packet, bool) {
	f, ok := p.Body.(packet.Fragment)
	if !ok {
		return packet.Packet{}, false
	}
	back := p.Header.Reverse()
	if len(back.Hops) < 2 {
		return packet.Packet{}, false
	}
	back.Hops[0] = self
	return packet.Packet{
		Body:      packet.Nack{Index: f.Index, Type: nt},
		Header:    back,
		SessionID: p.SessionID,
	}, true
}

// Route applies the source-routing checks of a drone to a packet that is not a
// flood request. drop is consulted only for fragments that would otherwise be
// forwarded. Only fragments are ever answered with a nack.
func Route(self packet.NodeID, p packet.Packet, linked Links, drop func() bool) (packet.Packet, Action) {
	var nt packet.NackType
	switch cur, ok := p.Header.Current(); {
	case !ok || cur != self:
		nt = packet.UnexpectedRecipient(self)
	case p.Header.IsLast():
		nt = packet.DestinationIsDrone()
	case !linked(p.Header.Hops[p.Header.HopIndex+1]):
		nt = packet.ErrorInRouting(p.Header.Hops[p.Header.HopIndex+1])
	default:
		if _, isFrag := p.Body.(packet.Fragment); isFrag && drop != nil && drop() {
			nt = packet.Dropped()
			break
		}
		h, err := packet.AdvanceHeader(p.Header)
		if err != nil {
			return packet.Packet{}, Discard
		}
		return p.WithHeader(h), Forward
	}

	if nack, ok := Nack(self, p, nt); ok {
		return nack, Reply
	}
	return packet.Packet{}, Discard
}

// FloodResponse answers a flood with the trace it carried to this node.
func FloodResponse(floodID uint64, trace []packet.Hop) packet.Packet {
	hops := make([]packet.NodeID, len(trace))
	for i, h := range trace {
		hops[len(trace)-1-i] = h.ID
	}
	return packet.Packet{
		Body:      packet.FloodResponse{FloodID: floodID, PathTrace: packet.CloneTrace(trace)},
		Header:    packet.NewHeader(1, hops...),
		SessionID: floodID,
	}
}

type floodKey struct {
	initiator packet.NodeID
	floodID   uint64
}

// Flooder remembers which floods a drone has already propagated.
// It is not safe for concurrent use.
type Flooder struct {
	self packet.NodeID
	seen map[floodKey]struct{}
}

func NewFlooder(self packet.NodeID) *Flooder {
	return &Flooder{self: self, seen: make(map[floodKey]struct{})}
}

// Handle appends the drone to the trace of req, received from from. A flood
// seen before, or one with nowhere else to go, is answered with a response;
// otherwise one copy goes to every other neighbor in ascending id order.
func (fl *Flooder) Handle(from packet.NodeID, req packet.FloodRequest, neighbors []packet.NodeID) ([]packet.Packet, Action) {
	req = req.Visit(fl.self, packet.Drone)
	key := floodKey{initiator: req.InitiatorID, floodID: req.FloodID}

	targets := make([]packet.NodeID, 0, len(neighbors))
	for _, nb := range neighbors {
		if nb != from && nb != fl.self {
			targets = append(targets, nb)
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })

	if _, dup := fl.seen[key]; dup || len(targets) == 0 {
		return []packet.Packet{FloodResponse(req.FloodID, req.PathTrace)}, Reply
	}
	fl.seen[key] = struct{}{}

	out := make([]packet.Packet, 0, len(targets))
	for _, nb := range targets {
		out = append(out, packet.Packet{
			Body:      req,
			Header:    packet.NewHeader(1, fl.self, nb),
			SessionID: req.FloodID,
		})
	}
	return out, Forward
}

// Seen reports how many distinct floods passed through.
func (fl *Flooder) Seen() int { return len(fl.seen) }
