package flood

import (
	"encoding/binary"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"hopnet/internal/packet"
)

type digest [blake2b.Size256]byte

// responseDigest identifies one traversal: initiator, flood id and the exact path.
func responseDigest(initiator packet.NodeID, floodID uint64, trace []packet.Hop) digest {
	buf := make([]byte, 0, 1+8+2*len(trace))
	buf = append(buf, byte(initiator))
	buf = binary.BigEndian.AppendUint64(buf, floodID)
	for _, h := range trace {
		buf = append(buf, byte(h.ID), byte(h.Type))
	}
	return blake2b.Sum256(buf)
}

// seenSet remembers digests. A zero ttl keeps entries for the life of the set.
type seenSet struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[digest]time.Time
	now   func() time.Time
}

func newSeenSet(ttl time.Duration) *seenSet {
	return &seenSet{
		ttl:   ttl,
		items: make(map[digest]time.Time),
		now:   time.Now,
	}
}

// Seen returns true if d was recorded before. If not, it records it and returns false.
func (s *seenSet) Seen(d digest) bool {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ttl > 0 {
		// opportunistic GC
		for k, t := range s.items {
			if now.Sub(t) > s.ttl {
				delete(s.items, k)
			}
		}
	}

	if _, ok := s.items[d]; ok {
		return true
	}
	s.items[d] = now
	return false
}

func (s *seenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
