package fragment

import (
	"fmt"
	"sync"
	"time"

	"hopnet/internal/packet"
)

const defaultDoneMemory = 1024

// SessionKey names an inbound transfer. Session ids are only unique per sender.
type SessionKey struct {
	Source  packet.NodeID
	Session uint64
}

// Result describes what one Add call did.
type Result struct {
	// Payload is set once, on the call that completes the session.
	Payload   []byte
	Complete  bool
	Duplicate bool
}

type buffer struct {
	total   uint64
	frags   map[uint64]packet.Fragment
	touched time.Time
}

// Assembler collects inbound fragments per session until each session is whole.
type Assembler struct {
	mu      sync.Mutex
	pending map[SessionKey]*buffer

	// recently completed sessions, so late repeats are recognised instead of restarting
	done      map[SessionKey]struct{}
	doneOrder []SessionKey
	doneCap   int

	now func() time.Time
}

func NewAssembler() *Assembler {
	return &Assembler{
		pending: make(map[SessionKey]*buffer),
		done:    make(map[SessionKey]struct{}),
		doneCap: defaultDoneMemory,
		now:     time.Now,
	}
}

// Add stores f for key. Errors affect only that session.
func (a *Assembler) Add(key SessionKey, f packet.Fragment) (Result, error) {
	if f.Length > packet.FragmentSize {
		return Result{}, fmt.Errorf("%w: length %d", packet.ErrFragmentTooLarge, f.Length)
	}
	if f.Index >= f.Total {
		return Result{}, fmt.Errorf("%w: index %d total %d", packet.ErrFragmentIndex, f.Index, f.Total)
	}
	if f.Total > packet.MaxFragments {
		return Result{}, fmt.Errorf("%w: total %d", packet.ErrTooManyFragments, f.Total)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.done[key]; ok {
		return Result{Duplicate: true}, nil
	}

	b, ok := a.pending[key]
	if !ok {
		b = &buffer{total: f.Total, frags: make(map[uint64]packet.Fragment)}
		a.pending[key] = b
	}
	if b.total != f.Total {
		return Result{}, fmt.Errorf("%w: session %d from %d: %d vs %d", ErrTotalMismatch, key.Session, key.Source, f.Total, b.total)
	}
	b.touched = a.now()

	if prev, ok := b.frags[f.Index]; ok {
		if !sameContent(prev, f) {
			return Result{}, fmt.Errorf("%w: session %d index %d", ErrDuplicateFragment, key.Session, f.Index)
		}
		return Result{Duplicate: true}, nil
	}
	b.frags[f.Index] = f

	if uint64(len(b.frags)) < b.total {
		return Result{}, nil
	}

	frags := make([]packet.Fragment, 0, len(b.frags))
	for _, fr := range b.frags {
		frags = append(frags, fr)
	}
	payload, err := Reassemble(frags)
	if err != nil {
		return Result{}, err
	}
	delete(a.pending, key)
	a.markDone(key)
	return Result{Payload: payload, Complete: true}, nil
}

func (a *Assembler) markDone(key SessionKey) {
	a.done[key] = struct{}{}
	a.doneOrder = append(a.doneOrder, key)
	if len(a.doneOrder) > a.doneCap {
		old := a.doneOrder[0]
		a.doneOrder = a.doneOrder[1:]
		delete(a.done, old)
	}
}

// Pending returns how many sessions are partially received.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Received lists the fragment indices held for an unfinished session.
func (a *Assembler) Received(key SessionKey) []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.pending[key]
	if !ok {
		return nil
	}
	out := make([]uint64, 0, len(b.frags))
	for i := uint64(0); i < b.total; i++ {
		if _, ok := b.frags[i]; ok {
			out = append(out, i)
		}
	}
	return out
}

// Expire drops partial sessions untouched for longer than maxIdle and returns their keys.
func (a *Assembler) Expire(maxIdle time.Duration) []SessionKey {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := a.now().Add(-maxIdle)
	var out []SessionKey
	for k, b := range a.pending {
		if b.touched.Before(cutoff) {
			delete(a.pending, k)
			out = append(out, k)
		}
	}
	return out
}
