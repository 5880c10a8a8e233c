package node

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"hopnet/internal/packet"
)

// Discover floods every direct neighbor with a fresh flood id. Links cut by
// ErrorInRouting nacks become eligible again.
func (n *Node) Discover() (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.discoverLocked()
}

func (n *Node) discoverLocked() (uint64, error) {
	id := n.engine.NextFloodID()
	pkts, err := n.engine.StartFlood(id, n.cfg.Neighbors)
	if err != nil {
		return 0, err
	}
	n.broken = make(map[[2]packet.NodeID]bool)
	n.tracker.AdvanceEpoch()

	var errs []error
	for _, p := range pkts {
		if err := n.send(p); err != nil {
			errs = append(errs, err)
		}
	}
	n.log.WithFields(logrus.Fields{"flood_id": id, "neighbors": len(pkts)}).Info("flood started")
	n.emit(Event{Type: EventFloodStarted, FloodID: id})
	if len(errs) == len(pkts) {
		return id, errors.Join(errs...)
	}
	for _, err := range errs {
		n.log.WithError(err).Warn("flood request not sent")
	}
	return id, nil
}

// Policy is the cadence at which Maintain retries work. Zero durations disable
// the matching behavior, except Interval which defaults to one second.
type Policy struct {
	Interval          time.Duration // how often pending fragments are resent
	FloodTimeout      time.Duration // re-flood when the latest flood got no response for this long
	RefloodInterval   time.Duration // re-flood unconditionally this often
	ReassemblyTimeout time.Duration // drop partial inbound sessions idle for this long
}

// Maintain applies p until ctx ends. Every decision is taken at a tick; nothing
// inside waits on the network.
func (n *Node) Maintain(ctx context.Context, p Policy) error {
	if p.Interval <= 0 {
		p.Interval = time.Second
	}
	t := time.NewTicker(p.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			n.tick(p)
		}
	}
}

func (n *Node) tick(p Policy) {
	if _, err := n.ResendPending(); err != nil {
		n.log.WithError(err).Warn("resend pending")
	}
	if p.ReassemblyTimeout > 0 {
		for _, k := range n.asm.Expire(p.ReassemblyTimeout) {
			n.log.WithFields(logrus.Fields{"from": k.Source, "session": k.Session}).Warn("dropped incomplete inbound session")
		}
	}
	if n.shouldReflood(p) {
		if _, err := n.Discover(); err != nil {
			n.log.WithError(err).Warn("reflood")
		}
	}
}

func (n *Node) shouldReflood(p Policy) bool {
	last, ok := n.engine.Latest()
	if !ok {
		return p.FloodTimeout > 0 || p.RefloodInterval > 0
	}
	age := n.now().Sub(last.StartedAt)
	if p.RefloodInterval > 0 && age >= p.RefloodInterval {
		return true
	}
	return p.FloodTimeout > 0 && last.Responses == 0 && age >= p.FloodTimeout
}
