package netx

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"hopnet/internal/packet"
)

var ErrNoLink = errors.New("netx: no link to next hop")

// Mesh multiplexes the links of one node. Send picks the link by the hop under
// the header cursor; Inbound merges every link.
type Mesh struct {
	log logrus.FieldLogger

	mu     sync.RWMutex
	links  map[packet.NodeID]*Link
	closed bool

	in   chan packet.Packet
	quit chan struct{}
	wg   sync.WaitGroup
}

func NewMesh(log logrus.FieldLogger) *Mesh {
	return &Mesh{
		log:   log,
		links: make(map[packet.NodeID]*Link),
		in:    make(chan packet.Packet, 256),
		quit:  make(chan struct{}),
	}
}

// Attach adds l, replacing any previous link to the same neighbor.
func (m *Mesh) Attach(l *Link) error {
	id := l.Peer().ID
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = l.Close()
		return ErrLinkClosed
	}
	old := m.links[id]
	m.links[id] = l
	m.wg.Add(1)
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	m.log.WithFields(logrus.Fields{"peer": id, "type": l.Peer().Type}).Info("link up")
	go m.pump(l)
	return nil
}

func (m *Mesh) pump(l *Link) {
	defer m.wg.Done()
	for p := range l.Inbound() {
		select {
		case m.in <- p:
		case <-m.quit:
			_ = l.Close()
		}
	}
	id := l.Peer().ID
	m.mu.Lock()
	if m.links[id] == l {
		delete(m.links, id)
	}
	m.mu.Unlock()
	m.log.WithField("peer", id).WithError(l.Err()).Info("link down")
}

func (m *Mesh) Send(p packet.Packet) error {
	next, ok := p.Header.Current()
	if !ok {
		return fmt.Errorf("%w: empty route", ErrNoLink)
	}
	m.mu.RLock()
	l := m.links[next]
	m.mu.RUnlock()
	if l == nil {
		return fmt.Errorf("%w: %d", ErrNoLink, next)
	}
	return l.Send(p)
}

func (m *Mesh) Inbound() <-chan packet.Packet { return m.in }

// Has reports whether a link to id is up.
func (m *Mesh) Has(id packet.NodeID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.links[id]
	return ok
}

// Peers returns the neighbors with a live link, ascending.
func (m *Mesh) Peers() []packet.NodeID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]packet.NodeID, 0, len(m.links))
	for id := range m.links {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close stops every link and closes Inbound once they have drained.
func (m *Mesh) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.quit)
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	for _, l := range links {
		_ = l.Close()
	}
	go func() {
		m.wg.Wait()
		close(m.in)
	}()
	return nil
}
