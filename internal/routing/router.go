// Package routing picks source routes over the discovered topology.
package routing

import (
	"errors"
	"fmt"

	"hopnet/internal/packet"
)

var ErrNoRouteFound = errors.New("routing: no route found")

// Graph is the read side of the topology store.
type Graph interface {
	Has(id packet.NodeID) bool
	Type(id packet.NodeID) (packet.NodeType, bool)
	// Neighbors must return ids in ascending order.
	Neighbors(id packet.NodeID) []packet.NodeID
}

type options struct {
	cut map[[2]packet.NodeID]bool
}

type Option func(*options)

// WithoutLinks keeps the given links out of the route. Links are undirected;
// both endpoints stay usable over their other links.
func WithoutLinks(links ...[2]packet.NodeID) Option {
	return func(o *options) {
		for _, l := range links {
			o.cut[LinkKey(l[0], l[1])] = true
		}
	}
}

// LinkKey orders a and b so both directions of a link share one key.
func LinkKey(a, b packet.NodeID) [2]packet.NodeID {
	if a > b {
		a, b = b, a
	}
	return [2]packet.NodeID{a, b}
}

// ComputeRoute returns the shortest hop list from src to dst, both included.
// Every node strictly between them is a known Drone. Among equally short
// routes the lexicographically smallest id sequence wins, so the result is a
// pure function of the graph.
func ComputeRoute(g Graph, src, dst packet.NodeID, opts ...Option) ([]packet.NodeID, error) {
	o := options{cut: make(map[[2]packet.NodeID]bool)}
	for _, opt := range opts {
		opt(&o)
	}
	if src == dst || !g.Has(src) || !g.Has(dst) {
		return nil, fmt.Errorf("%w: %d -> %d", ErrNoRouteFound, src, dst)
	}

	// Visiting in FIFO order with ascending neighbors means the first parent
	// to reach a node lies on its lexicographically smallest shortest path.
	parent := map[packet.NodeID]packet.NodeID{src: src}
	queue := []packet.NodeID{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, nb := range g.Neighbors(cur) {
			if _, seen := parent[nb]; seen || o.cut[LinkKey(cur, nb)] {
				continue
			}
			parent[nb] = cur
			if nb == dst {
				return walk(parent, src, dst), nil
			}
			if relay(g, nb) {
				queue = append(queue, nb)
			}
		}
	}
	return nil, fmt.Errorf("%w: %d -> %d", ErrNoRouteFound, src, dst)
}

func relay(g Graph, id packet.NodeID) bool {
	t, ok := g.Type(id)
	return ok && t == packet.Drone
}

func walk(parent map[packet.NodeID]packet.NodeID, src, dst packet.NodeID) []packet.NodeID {
	var rev []packet.NodeID
	for n := dst; n != src; n = parent[n] {
		rev = append(rev, n)
	}
	rev = append(rev, src)
	out := make([]packet.NodeID, len(rev))
	for i, n := range rev {
		out[len(rev)-1-i] = n
	}
	return out
}
