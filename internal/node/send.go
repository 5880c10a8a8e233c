package node

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"hopnet/internal/delivery"
	"hopnet/internal/fragment"
	"hopnet/internal/packet"
	"hopnet/internal/routing"
)

// SendPayload routes, fragments and transmits payload to dst as one session.
// When some fragments fail to leave, the receipt is still returned and those
// fragments are left NackedRetryable for ResendPending.
func (n *Node) SendPayload(dst packet.NodeID, payload []byte) (Receipt, error) {
	if c := fragment.Count(len(payload)); c > packet.MaxFragments {
		return Receipt{}, fmt.Errorf("%w: %d bytes need %d fragments", packet.ErrTooManyFragments, len(payload), c)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	route, err := routing.ComputeRoute(n.topo, n.cfg.ID, dst, routing.WithoutLinks(n.brokenLocked()...))
	if err != nil {
		return Receipt{}, err
	}
	frags := fragment.Split(payload)
	id := n.tracker.NextSessionID()
	if err := n.tracker.Register(id, dst, route, frags); err != nil {
		return Receipt{}, err
	}

	header := packet.NewHeader(1, route...)
	var errs []error
	for _, f := range frags {
		p := packet.Packet{Body: f, Header: header.Clone(), SessionID: id}
		if err := n.send(p); err != nil {
			errs = append(errs, err)
			_ = n.tracker.MarkRetryable(id, f.Index)
			n.emit(Event{Type: EventSendFailed, Session: id, Fragment: f.Index, Err: err.Error()})
		}
	}

	n.log.WithFields(logrus.Fields{
		"session":   id,
		"dst":       dst,
		"route":     route,
		"fragments": len(frags),
	}).Info("payload sent")
	return Receipt{SessionID: id, Fragments: len(frags), Route: route}, errors.Join(errs...)
}

// ResendPending retransmits every NackedRetryable fragment, plus every
// NackedTerminal fragment whose nack predates the latest discovery round.
// Routes are recomputed per destination. It returns how many fragments left.
func (n *Node) ResendPending() (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	epoch := n.tracker.Epoch()
	todo := n.tracker.Pending(delivery.NackedRetryable)
	for _, fs := range n.tracker.Pending(delivery.NackedTerminal) {
		if fs.Epoch < epoch {
			todo = append(todo, fs)
		}
	}
	if len(todo) == 0 {
		return 0, nil
	}

	broken := n.brokenLocked()
	routes := make(map[packet.NodeID][]packet.NodeID)
	failed := make(map[packet.NodeID]error)
	sent := 0
	var errs []error
	for _, fs := range todo {
		route, ok := routes[fs.Destination]
		if !ok {
			if _, known := failed[fs.Destination]; known {
				continue
			}
			r, err := routing.ComputeRoute(n.topo, n.cfg.ID, fs.Destination, routing.WithoutLinks(broken...))
			if err != nil {
				failed[fs.Destination] = err
				errs = append(errs, err)
				continue
			}
			routes[fs.Destination] = r
			route = r
		}

		f, err := n.tracker.Fragment(fs.Session, fs.Index)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := n.send(packet.Packet{Body: f, Header: packet.NewHeader(1, route...), SessionID: fs.Session}); err != nil {
			errs = append(errs, err)
			_ = n.tracker.MarkRetryable(fs.Session, fs.Index)
			continue
		}
		if err := n.tracker.MarkSent(fs.Session, fs.Index, route); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	if sent > 0 {
		n.log.WithField("fragments", sent).Info("resent pending fragments")
	}
	return sent, errors.Join(errs...)
}
