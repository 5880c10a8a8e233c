package sim

import (
	"github.com/sirupsen/logrus"

	"hopnet/internal/fragment"
	"hopnet/internal/packet"
	"hopnet/internal/relay"
)

// Received is one message a simulated server reassembled.
type Received struct {
	From    packet.NodeID
	Session uint64
	Payload []byte
}

// Server reassembles inbound sessions, acknowledges every fragment and
// answers floods. With echo set it sends each message back to its sender
// along the route it arrived on.
type Server struct {
	id       packet.NodeID
	echo     bool
	asm      *fragment.Assembler
	received []Received
	nextSess uint64
}

func (nw *Network) AddServer(id packet.NodeID, echo bool) error {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	return nw.addLocked(id, &Server{id: id, echo: echo, asm: fragment.NewAssembler()})
}

// Received returns the messages server id has completed so far.
func (nw *Network) Received(id packet.NodeID) ([]Received, error) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	s, ok := nw.nodes[id].(*Server)
	if !ok {
		return nil, ErrUnknownNode
	}
	return append([]Received(nil), s.received...), nil
}

func (s *Server) nodeType() packet.NodeType { return packet.Server }

func (s *Server) handle(nw *Network, from packet.NodeID, p packet.Packet) {
	switch b := p.Body.(type) {
	case packet.FloodRequest:
		// Endpoints never forward floods, they only report the path.
		nw.stats.FloodResponses++
		nw.pushLocked(s.id, relay.FloodResponse(b.FloodID, b.Visit(s.id, packet.Server).PathTrace))
	case packet.Fragment:
		s.fragment(nw, p, b)
	default:
		// Acks and nacks for echoed sessions carry nothing the server acts on.
	}
}

func (s *Server) fragment(nw *Network, p packet.Packet, f packet.Fragment) {
	if cur, ok := p.Header.Current(); !ok || cur != s.id || !p.Header.IsLast() {
		if nack, ok := relay.Nack(s.id, p, packet.UnexpectedRecipient(s.id)); ok {
			nw.stats.Nacks[packet.NackUnexpectedRecipient]++
			nw.pushLocked(s.id, nack)
		}
		return
	}
	src, _ := p.Header.Source()
	res, err := s.asm.Add(fragment.SessionKey{Source: src, Session: p.SessionID}, f)
	if err != nil {
		nw.log.WithError(err).WithField("server", s.id).Warn("bad fragment")
		return
	}
	back := p.Header.Reverse()
	nw.pushLocked(s.id, packet.Packet{Body: packet.Ack{Index: f.Index}, Header: back, SessionID: p.SessionID})

	if !res.Complete || res.Duplicate {
		return
	}
	s.received = append(s.received, Received{From: src, Session: p.SessionID, Payload: res.Payload})
	nw.log.WithFields(logrus.Fields{"server": s.id, "from": src, "bytes": len(res.Payload)}).Debug("message reassembled")
	if !s.echo {
		return
	}
	s.nextSess++
	for _, ef := range fragment.Split(res.Payload) {
		nw.pushLocked(s.id, packet.Packet{Body: ef, Header: back.Clone(), SessionID: s.nextSess})
	}
}
