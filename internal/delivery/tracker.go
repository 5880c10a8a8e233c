// Package delivery tracks the per-fragment outcome of outbound sessions.
package delivery

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"hopnet/internal/packet"
)

var (
	ErrUnknownSession  = errors.New("delivery: unknown session")
	ErrUnknownFragment = errors.New("delivery: unknown fragment")
	ErrSessionExists   = errors.New("delivery: session already registered")
	ErrNoFragments     = errors.New("delivery: session has no fragments")
	ErrAlreadyAcked    = errors.New("delivery: fragment already acknowledged")
)

// State is the delivery state of one fragment.
type State uint8

const (
	Sent State = iota + 1
	Acked
	NackedRetryable
	NackedTerminal
)

func (s State) String() string {
	switch s {
	case Sent:
		return "sent"
	case Acked:
		return "acked"
	case NackedRetryable:
		return "nacked_retryable"
	case NackedTerminal:
		return "nacked_terminal"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether acks and nacks no longer move the state.
func (s State) Terminal() bool { return s == Acked || s == NackedTerminal }

// Classify maps a nack to the state it puts a fragment in.
// Dropped and ErrorInRouting can be retried on a fresh route; the others mean the
// route itself was wrong.
func Classify(t packet.NackType) State {
	switch t.Kind {
	case packet.NackDropped, packet.NackErrorInRouting:
		return NackedRetryable
	default:
		return NackedTerminal
	}
}

// FragmentStatus is a read-only view of one fragment.
type FragmentStatus struct {
	Session     uint64
	Index       uint64
	Destination packet.NodeID
	State       State
	Attempts    int
	LastNack    packet.NackType
	// Epoch is the tracker epoch of the last transition.
	Epoch     uint64
	UpdatedAt time.Time
}

// SessionStatus summarises one session.
type SessionStatus struct {
	ID          uint64
	Destination packet.NodeID
	Route       []packet.NodeID
	CreatedAt   time.Time
	Total       int
	Counts      map[State]int
	Complete    bool
	Fragments   []FragmentStatus
}

type fragState struct {
	state     State
	attempts  int
	lastNack  packet.NackType
	epoch     uint64
	updatedAt time.Time
}

type session struct {
	dst     packet.NodeID
	route   []packet.NodeID
	created time.Time
	frags   []packet.Fragment
	states  []fragState
}

// Tracker holds every registered session until it is forgotten.
type Tracker struct {
	mu       sync.Mutex
	lastID   uint64
	epoch    uint64
	sessions map[uint64]*session
	now      func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[uint64]*session), now: time.Now}
}

// NextSessionID returns an id not used by any registered session.
func (t *Tracker) NextSessionID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.lastID + 1
	for {
		if _, used := t.sessions[id]; !used {
			return id
		}
		id++
	}
}

// Epoch returns the current epoch. Node control advances it after each discovery round.
func (t *Tracker) Epoch() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epoch
}

func (t *Tracker) AdvanceEpoch() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.epoch++
	return t.epoch
}

// Register records frags as Sent toward dst along route.
func (t *Tracker) Register(id uint64, dst packet.NodeID, route []packet.NodeID, frags []packet.Fragment) error {
	if len(frags) == 0 {
		return ErrNoFragments
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[id]; ok {
		return fmt.Errorf("%w: %d", ErrSessionExists, id)
	}
	now := t.now()
	s := &session{
		dst:     dst,
		route:   append([]packet.NodeID(nil), route...),
		created: now,
		frags:   append([]packet.Fragment(nil), frags...),
		states:  make([]fragState, len(frags)),
	}
	for i := range s.states {
		s.states[i] = fragState{state: Sent, attempts: 1, epoch: t.epoch, updatedAt: now}
	}
	t.sessions[id] = s
	if id > t.lastID {
		t.lastID = id
	}
	return nil
}

func (t *Tracker) lookupLocked(id, idx uint64) (*session, *fragState, error) {
	s, ok := t.sessions[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	if idx >= uint64(len(s.states)) {
		return nil, nil, fmt.Errorf("%w: session %d index %d", ErrUnknownFragment, id, idx)
	}
	return s, &s.states[idx], nil
}

func (t *Tracker) setLocked(fs *fragState, st State) {
	fs.state = st
	fs.epoch = t.epoch
	fs.updatedAt = t.now()
}

// OnAck moves the fragment to Acked and returns the resulting state.
// Terminal fragments are left as they are.
func (t *Tracker) OnAck(id, idx uint64) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, fs, err := t.lookupLocked(id, idx)
	if err != nil {
		return 0, err
	}
	if !fs.state.Terminal() {
		t.setLocked(fs, Acked)
	}
	return fs.state, nil
}

// OnNack applies Classify(nt) and returns the resulting state.
// Terminal fragments are left as they are.
func (t *Tracker) OnNack(id, idx uint64, nt packet.NackType) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, fs, err := t.lookupLocked(id, idx)
	if err != nil {
		return 0, err
	}
	if !fs.state.Terminal() {
		fs.lastNack = nt
		t.setLocked(fs, Classify(nt))
	}
	return fs.state, nil
}

// MarkSent records a retransmission of a nacked fragment, optionally on a new route.
func (t *Tracker) MarkSent(id, idx uint64, route []packet.NodeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, fs, err := t.lookupLocked(id, idx)
	if err != nil {
		return err
	}
	if fs.state == Acked {
		return fmt.Errorf("%w: session %d index %d", ErrAlreadyAcked, id, idx)
	}
	if route != nil {
		s.route = append([]packet.NodeID(nil), route...)
	}
	fs.attempts++
	t.setLocked(fs, Sent)
	return nil
}

// MarkRetryable flags a fragment whose transmission failed locally.
func (t *Tracker) MarkRetryable(id, idx uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, fs, err := t.lookupLocked(id, idx)
	if err != nil {
		return err
	}
	if fs.state == Acked {
		return fmt.Errorf("%w: session %d index %d", ErrAlreadyAcked, id, idx)
	}
	t.setLocked(fs, NackedRetryable)
	return nil
}

func (t *Tracker) State(id, idx uint64) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, fs, err := t.lookupLocked(id, idx)
	if err != nil {
		return 0, err
	}
	return fs.state, nil
}

// IsSessionComplete is true iff every fragment of the session is Acked.
func (t *Tracker) IsSessionComplete(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return false
	}
	for _, fs := range s.states {
		if fs.state != Acked {
			return false
		}
	}
	return true
}

// Fragment returns the stored fragment for resending.
func (t *Tracker) Fragment(id, idx uint64) (packet.Fragment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, _, err := t.lookupLocked(id, idx)
	if err != nil {
		return packet.Fragment{}, err
	}
	return s.frags[idx], nil
}

func (t *Tracker) Session(id uint64) (SessionStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return SessionStatus{}, false
	}
	st := SessionStatus{
		ID:          id,
		Destination: s.dst,
		Route:       append([]packet.NodeID(nil), s.route...),
		CreatedAt:   s.created,
		Total:       len(s.states),
		Counts:      make(map[State]int),
		Complete:    true,
		Fragments:   make([]FragmentStatus, len(s.states)),
	}
	for i, fs := range s.states {
		st.Counts[fs.state]++
		if fs.state != Acked {
			st.Complete = false
		}
		st.Fragments[i] = status(id, uint64(i), s.dst, fs)
	}
	return st, true
}

func status(id, idx uint64, dst packet.NodeID, fs fragState) FragmentStatus {
	return FragmentStatus{
		Session:     id,
		Index:       idx,
		Destination: dst,
		State:       fs.state,
		Attempts:    fs.attempts,
		LastNack:    fs.lastNack,
		Epoch:       fs.epoch,
		UpdatedAt:   fs.updatedAt,
	}
}

// Pending lists fragments in any of the given states, ordered by session then index.
func (t *Tracker) Pending(states ...State) []FragmentStatus {
	want := make(map[State]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]uint64, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []FragmentStatus
	for _, id := range ids {
		s := t.sessions[id]
		for i, fs := range s.states {
			if want[fs.state] {
				out = append(out, status(id, uint64(i), s.dst, fs))
			}
		}
	}
	return out
}

// Sessions returns the registered session ids in ascending order.
func (t *Tracker) Sessions() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]uint64, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Forget drops a session. It reports whether the session existed.
func (t *Tracker) Forget(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[id]
	delete(t.sessions, id)
	return ok
}
