package topobolt

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"hopnet/internal/packet"
	"hopnet/internal/topology"
)

const (
	bNodes   = "nodes"
	bUntyped = "untyped"
	bEdges   = "edges"
	bMeta    = "meta"
	kSaved   = "saved_at"

	defaultTO = 2 * time.Second
)

// Store is a BoltDB-backed home for topology snapshots.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) a BoltDB database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: defaultTO})
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bNodes, bUntyped, bEdges, bMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveTopology merges snap into the database. Facts are only ever added,
// matching the in-memory store.
func (s *Store) SaveTopology(snap topology.Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		nodes := tx.Bucket([]byte(bNodes))
		untyped := tx.Bucket([]byte(bUntyped))
		edges := tx.Bucket([]byte(bEdges))

		for _, n := range snap.Nodes {
			if err := nodes.Put([]byte{byte(n.ID)}, []byte{byte(n.Type)}); err != nil {
				return err
			}
			if err := untyped.Delete([]byte{byte(n.ID)}); err != nil {
				return err
			}
		}
		for _, id := range snap.Untyped {
			if nodes.Get([]byte{byte(id)}) != nil {
				continue
			}
			if err := untyped.Put([]byte{byte(id)}, nil); err != nil {
				return err
			}
		}
		for _, e := range snap.Edges {
			if err := edges.Put(edgeKey(e), nil); err != nil {
				return err
			}
		}
		return tx.Bucket([]byte(bMeta)).Put([]byte(kSaved), []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
}

// LoadTopology returns everything saved so far, ordered by key.
func (s *Store) LoadTopology() (topology.Snapshot, error) {
	var snap topology.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(bNodes)).ForEach(func(k, v []byte) error {
			if len(k) != 1 || len(v) != 1 || packet.NodeType(v[0]) > packet.Server {
				// Corruption: skip the record, keep loading.
				return nil
			}
			snap.Nodes = append(snap.Nodes, topology.NodeInfo{ID: packet.NodeID(k[0]), Type: packet.NodeType(v[0])})
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(bUntyped)).ForEach(func(k, _ []byte) error {
			if len(k) == 1 {
				snap.Untyped = append(snap.Untyped, packet.NodeID(k[0]))
			}
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket([]byte(bEdges)).ForEach(func(k, _ []byte) error {
			if len(k) == 2 {
				snap.Edges = append(snap.Edges, topology.Edge{A: packet.NodeID(k[0]), B: packet.NodeID(k[1])})
			}
			return nil
		})
	})
	return snap, err
}

// SavedAt returns when SaveTopology last ran, or the zero time.
func (s *Store) SavedAt() (time.Time, error) {
	var out time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bMeta)).Get([]byte(kSaved))
		if raw == nil {
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, string(raw))
		if err != nil {
			return nil
		}
		out = t
		return nil
	})
	return out, err
}

func edgeKey(e topology.Edge) []byte {
	a, b := e.A, e.B
	if a > b {
		a, b = b, a
	}
	return []byte{byte(a), byte(b)}
}
