package node

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"hopnet/internal/delivery"
	"hopnet/internal/fragment"
	"hopnet/internal/packet"
	"hopnet/internal/relay"
	"hopnet/internal/routing"
	"hopnet/internal/topology"
)

// HandlePacket processes one inbound packet to completion. Errors describe what
// went wrong with this packet only; no other session or fact is affected.
func (n *Node) HandlePacket(p packet.Packet) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.Logf("recv %s", p)
	switch b := p.Body.(type) {
	case packet.Fragment:
		return n.handleFragment(p, b)
	case packet.Ack:
		return n.handleAck(p.SessionID, b)
	case packet.Nack:
		return n.handleNack(p, b)
	case packet.FloodRequest:
		return n.handleFloodRequest(b)
	case packet.FloodResponse:
		return n.handleFloodResponse(b)
	default:
		return fmt.Errorf("node: unexpected packet body %T", p.Body)
	}
}

func (n *Node) handleAck(session uint64, a packet.Ack) error {
	wasComplete := n.tracker.IsSessionComplete(session)
	st, err := n.tracker.OnAck(session, a.Index)
	if err != nil {
		return err
	}
	if st == delivery.Acked {
		n.emit(Event{Type: EventFragmentAcked, Session: session, Fragment: a.Index})
	}
	if !wasComplete && n.tracker.IsSessionComplete(session) {
		n.log.WithField("session", session).Info("session delivered")
		n.emit(Event{Type: EventSessionComplete, Session: session})
	}
	return nil
}

func (n *Node) handleNack(p packet.Packet, nk packet.Nack) error {
	session := p.SessionID
	st, err := n.tracker.OnNack(session, nk.Index, nk.Type)
	if err != nil {
		return err
	}
	if nk.Type.Kind == packet.NackErrorInRouting && len(p.Header.Hops) > 0 {
		// The reporting drone heads the nack route. Only its link to the
		// missing neighbor is dropped, until the next discovery round.
		n.broken[routing.LinkKey(p.Header.Hops[0], nk.Type.Node)] = true
	}
	n.log.WithFields(logrus.Fields{
		"session":  session,
		"fragment": nk.Index,
		"nack":     nk.Type.String(),
		"state":    st.String(),
	}).Info("fragment nacked")
	n.emit(Event{Type: EventFragmentNacked, Session: session, Fragment: nk.Index, Node: nk.Type.Node, Nack: nk.Type})
	return nil
}

func (n *Node) handleFloodRequest(req packet.FloodRequest) error {
	reply, ok, err := n.engine.OnFloodRequest(req)
	if err != nil || !ok {
		return err
	}
	return n.send(reply)
}

func (n *Node) handleFloodResponse(resp packet.FloodResponse) error {
	out, err := n.engine.OnFloodResponse(resp)
	if errors.Is(err, topology.ErrTypeConflict) {
		n.emit(Event{Type: EventTopologyConflict, FloodID: resp.FloodID, Err: err.Error()})
	} else if err != nil {
		return err
	}
	if out.Duplicate {
		n.Logf("duplicate flood response %d", resp.FloodID)
		return nil
	}
	n.emit(Event{Type: EventFloodResponse, FloodID: resp.FloodID})
	if out.Changed && n.cfg.Topology != nil {
		if perr := n.cfg.Topology.SaveTopology(n.topo.Snapshot()); perr != nil {
			n.log.WithError(perr).Warn("persist topology")
		}
	}
	return err
}

func (n *Node) handleFragment(p packet.Packet, f packet.Fragment) error {
	cur, ok := p.Header.Current()
	if !ok || cur != n.cfg.ID || !p.Header.IsLast() {
		// Endpoints never relay; answer from our own position in the route.
		nack, ok := relay.Nack(n.cfg.ID, p, packet.UnexpectedRecipient(n.cfg.ID))
		if !ok {
			return errors.New("node: misrouted fragment with no way back")
		}
		return n.send(nack)
	}

	src, _ := p.Header.Source()
	key := fragment.SessionKey{Source: src, Session: p.SessionID}
	res, err := n.asm.Add(key, f)
	if err != nil {
		return fmt.Errorf("node: session %d from %d: %w", p.SessionID, src, err)
	}

	if err := n.send(packet.Packet{
		Body:      packet.Ack{Index: f.Index},
		Header:    p.Header.Reverse(),
		SessionID: p.SessionID,
	}); err != nil {
		return err
	}

	if res.Complete && !res.Duplicate {
		n.log.WithFields(logrus.Fields{"from": src, "session": p.SessionID, "bytes": len(res.Payload)}).Info("message received")
		n.deliver(Message{From: src, Session: p.SessionID, Payload: res.Payload, ReceivedAt: n.now()})
		n.emit(Event{Type: EventMessageReceived, Session: p.SessionID, Node: src})
	}
	return nil
}
