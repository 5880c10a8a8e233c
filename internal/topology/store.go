// Package topology accumulates the network facts learned from flood responses.
package topology

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"hopnet/internal/packet"
)

// ErrTypeConflict matches every *TypeConflictError.
var ErrTypeConflict = errors.New("topology: node type conflict")

// TypeConflictError reports a fact that contradicts a stored NodeType.
// The stored type is kept.
type TypeConflictError struct {
	ID    packet.NodeID
	Known packet.NodeType
	Got   packet.NodeType
}

func (e *TypeConflictError) Error() string {
	return fmt.Sprintf("topology: node %d is %s, refusing %s", e.ID, e.Known, e.Got)
}

func (e *TypeConflictError) Is(target error) bool { return target == ErrTypeConflict }

// NodeInfo is one (id, type) fact.
type NodeInfo struct {
	ID   packet.NodeID   `json:"id"`
	Type packet.NodeType `json:"type"`
}

// Edge is an undirected adjacency with A < B.
type Edge struct {
	A packet.NodeID `json:"a"`
	B packet.NodeID `json:"b"`
}

func newEdge(a, b packet.NodeID) Edge {
	if a > b {
		a, b = b, a
	}
	return Edge{A: a, B: b}
}

// Snapshot is a detached copy of the store contents.
type Snapshot struct {
	Nodes []NodeInfo `json:"nodes"`
	// Untyped lists nodes known only through adjacency.
	Untyped []packet.NodeID `json:"untyped,omitempty"`
	Edges   []Edge          `json:"edges"`
}

// Store is an append-only graph of discovered nodes. Readers may run concurrently;
// writes are expected from a single owner.
type Store struct {
	mu    sync.RWMutex
	types map[packet.NodeID]packet.NodeType
	adj   map[packet.NodeID]map[packet.NodeID]struct{}
}

func NewStore() *Store {
	return &Store{
		types: make(map[packet.NodeID]packet.NodeType),
		adj:   make(map[packet.NodeID]map[packet.NodeID]struct{}),
	}
}

// AddNode records id as typ. A contradicting fact returns *TypeConflictError.
func (s *Store) AddNode(id packet.NodeID, typ packet.NodeType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(id, typ)
}

// AddLink records an adjacency without asserting either node's type.
func (s *Store) AddLink(a, b packet.NodeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linkLocked(a, b)
}

// RecordPath stores every node of trace and an edge between consecutive entries.
// Re-recording a known path changes nothing. Type conflicts are returned joined;
// the remaining facts of the trace are still recorded.
func (s *Store) RecordPath(trace []packet.Hop) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	var errs []error
	for i, h := range trace {
		added, err := s.upsertLocked(h.ID, h.Type)
		if err != nil {
			errs = append(errs, err)
		}
		changed = changed || added
		if i > 0 && s.linkLocked(trace[i-1].ID, h.ID) {
			changed = true
		}
	}
	return changed, errors.Join(errs...)
}

func (s *Store) upsertLocked(id packet.NodeID, typ packet.NodeType) (bool, error) {
	if known, ok := s.types[id]; ok {
		if known != typ {
			return false, &TypeConflictError{ID: id, Known: known, Got: typ}
		}
		return false, nil
	}
	s.types[id] = typ
	if _, ok := s.adj[id]; !ok {
		s.adj[id] = make(map[packet.NodeID]struct{})
	}
	return true, nil
}

func (s *Store) linkLocked(a, b packet.NodeID) bool {
	if a == b {
		return false
	}
	if _, ok := s.adj[a][b]; ok {
		return false
	}
	if s.adj[a] == nil {
		s.adj[a] = make(map[packet.NodeID]struct{})
	}
	if s.adj[b] == nil {
		s.adj[b] = make(map[packet.NodeID]struct{})
	}
	s.adj[a][b] = struct{}{}
	s.adj[b][a] = struct{}{}
	return true
}

// Has reports whether id appears in the store, typed or not.
func (s *Store) Has(id packet.NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.adj[id]
	return ok
}

// Type returns the recorded type of id.
func (s *Store) Type(id packet.NodeID) (packet.NodeType, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.types[id]
	return t, ok
}

// Neighbors returns the adjacent ids of id in ascending order.
func (s *Store) Neighbors(id packet.NodeID) []packet.NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]packet.NodeID, 0, len(s.adj[id]))
	for n := range s.adj[id] {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Nodes returns all typed nodes ordered by id.
func (s *Store) Nodes() []NodeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]NodeInfo, 0, len(s.types))
	for id, t := range s.types {
		out = append(out, NodeInfo{ID: id, Type: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Edges returns every adjacency once, ordered.
func (s *Store) Edges() []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.edgesLocked()
}

func (s *Store) edgesLocked() []Edge {
	var out []Edge
	for a, ns := range s.adj {
		for b := range ns {
			if a < b {
				out = append(out, Edge{A: a, B: b})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out
}

// Snapshot copies the current contents.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{Edges: s.edgesLocked()}
	for id := range s.adj {
		if t, ok := s.types[id]; ok {
			snap.Nodes = append(snap.Nodes, NodeInfo{ID: id, Type: t})
		} else {
			snap.Untyped = append(snap.Untyped, id)
		}
	}
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })
	sort.Slice(snap.Untyped, func(i, j int) bool { return snap.Untyped[i] < snap.Untyped[j] })
	return snap
}

// Restore merges snap into the store with the same conflict rules as RecordPath.
func (s *Store) Restore(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, n := range snap.Nodes {
		if _, err := s.upsertLocked(n.ID, n.Type); err != nil {
			errs = append(errs, err)
		}
	}
	for _, id := range snap.Untyped {
		if s.adj[id] == nil {
			s.adj[id] = make(map[packet.NodeID]struct{})
		}
	}
	for _, e := range snap.Edges {
		s.linkLocked(e.A, e.B)
	}
	return errors.Join(errs...)
}

// Contains reports whether e is a stored adjacency.
func (s *Store) Contains(e Edge) bool {
	e = newEdge(e.A, e.B)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.adj[e.A][e.B]
	return ok
}
