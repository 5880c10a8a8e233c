// Package flood drives flood-based topology discovery from an endpoint node.
package flood

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"hopnet/internal/packet"
)

var (
	ErrNoNeighbors  = errors.New("flood: no neighbors to flood")
	ErrFloodInUse   = errors.New("flood: flood id already initiated")
	ErrForeignFlood = errors.New("flood: response belongs to another initiator")
	ErrUnknownFlood = errors.New("flood: response for a flood never initiated")
	ErrEmptyTrace   = errors.New("flood: empty path trace")
)

// RetainedFloods is how many of the newest floods an engine remembers. Older
// floods lose their results and dedupe digests, and late responses to them are
// rejected with ErrUnknownFlood.
const RetainedFloods = 64

// PathRecorder receives every new path learned from a response.
type PathRecorder interface {
	RecordPath(trace []packet.Hop) (bool, error)
}

// Result summarises one flood this engine initiated.
type Result struct {
	FloodID      uint64
	StartedAt    time.Time
	Neighbors    []packet.NodeID
	Responses    int
	Duplicates   int
	LastResponse time.Time
	Paths        [][]packet.Hop
}

func (r *Result) clone() Result {
	out := *r
	out.Neighbors = append([]packet.NodeID(nil), r.Neighbors...)
	out.Paths = make([][]packet.Hop, len(r.Paths))
	for i, p := range r.Paths {
		out.Paths[i] = packet.CloneTrace(p)
	}
	return out
}

// Outcome describes how one response was absorbed.
type Outcome struct {
	FloodID   uint64
	Duplicate bool
	// Changed is true when the response added facts to the recorder.
	Changed bool
}

type Engine struct {
	self     packet.NodeID
	selfType packet.NodeType
	store    PathRecorder

	mu      sync.Mutex
	lastID  uint64
	floods  map[uint64]*Result
	seen    map[uint64]*seenSet // per flood, dropped with it
	retain  int
	dropped uint64 // highest id forgotten so far
	now     func() time.Time
}

func NewEngine(self packet.NodeID, selfType packet.NodeType, store PathRecorder) *Engine {
	return &Engine{
		self:     self,
		selfType: selfType,
		store:    store,
		floods:   make(map[uint64]*Result),
		seen:     make(map[uint64]*seenSet),
		retain:   RetainedFloods,
		now:      time.Now,
	}
}

// NextFloodID returns an id greater than every id initiated so far.
func (e *Engine) NextFloodID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := max(e.lastID, e.dropped) + 1
	for {
		if _, used := e.floods[id]; !used {
			return id
		}
		id++
	}
}

// StartFlood builds one FloodRequest per distinct neighbor, all sharing floodID.
// Each request is routed over the single hop self -> neighbor.
func (e *Engine) StartFlood(floodID uint64, neighbors []packet.NodeID) ([]packet.Packet, error) {
	targets := make([]packet.NodeID, 0, len(neighbors))
	dup := make(map[packet.NodeID]bool, len(neighbors))
	for _, n := range neighbors {
		if n == e.self || dup[n] {
			continue
		}
		dup[n] = true
		targets = append(targets, n)
	}
	if len(targets) == 0 {
		return nil, ErrNoNeighbors
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, used := e.floods[floodID]; used || floodID <= e.dropped {
		return nil, fmt.Errorf("%w: %d", ErrFloodInUse, floodID)
	}
	e.floods[floodID] = &Result{FloodID: floodID, StartedAt: e.now(), Neighbors: targets}
	e.seen[floodID] = newSeenSet(0)
	if floodID > e.lastID {
		e.lastID = floodID
	}
	e.pruneLocked(floodID)

	out := make([]packet.Packet, 0, len(targets))
	for _, n := range targets {
		out = append(out, packet.Packet{
			Body: packet.FloodRequest{
				FloodID:     floodID,
				InitiatorID: e.self,
				PathTrace:   []packet.Hop{{ID: e.self, Type: e.selfType}},
			},
			Header:    packet.NewHeader(1, e.self, n),
			SessionID: floodID,
		})
	}
	return out, nil
}

// pruneLocked forgets the oldest floods beyond the retention limit, never keep.
func (e *Engine) pruneLocked(keep uint64) {
	for len(e.floods) > e.retain {
		var oldest uint64
		found := false
		for id := range e.floods {
			if id != keep && (!found || id < oldest) {
				oldest, found = id, true
			}
		}
		if !found {
			return
		}
		delete(e.floods, oldest)
		delete(e.seen, oldest)
		if oldest > e.dropped {
			e.dropped = oldest
		}
	}
}

// OnFloodResponse records the path of a response to one of our floods.
// Repeated (initiator, flood id, path) triples are accepted and ignored.
func (e *Engine) OnFloodResponse(resp packet.FloodResponse) (Outcome, error) {
	out := Outcome{FloodID: resp.FloodID}
	if len(resp.PathTrace) == 0 {
		return out, ErrEmptyTrace
	}
	if initiator := resp.PathTrace[0].ID; initiator != e.self {
		return out, fmt.Errorf("%w: initiator %d", ErrForeignFlood, initiator)
	}

	e.mu.Lock()
	res, ok := e.floods[resp.FloodID]
	if !ok {
		e.mu.Unlock()
		return out, fmt.Errorf("%w: %d", ErrUnknownFlood, resp.FloodID)
	}
	if e.seen[resp.FloodID].Seen(responseDigest(e.self, resp.FloodID, resp.PathTrace)) {
		res.Duplicates++
		e.mu.Unlock()
		out.Duplicate = true
		return out, nil
	}
	res.Responses++
	res.LastResponse = e.now()
	res.Paths = append(res.Paths, packet.CloneTrace(resp.PathTrace))
	e.mu.Unlock()

	changed, err := e.store.RecordPath(resp.PathTrace)
	out.Changed = changed
	return out, err
}

// OnFloodRequest answers a flood that reached this endpoint. The response carries
// the request trace plus this node and travels the trace backwards. Floods started
// by this node, or that already passed through it, get no answer.
func (e *Engine) OnFloodRequest(req packet.FloodRequest) (packet.Packet, bool, error) {
	if len(req.PathTrace) == 0 {
		return packet.Packet{}, false, ErrEmptyTrace
	}
	if req.InitiatorID == e.self {
		return packet.Packet{}, false, nil
	}
	for _, h := range req.PathTrace {
		if h.ID == e.self {
			return packet.Packet{}, false, nil
		}
	}

	trace := req.Visit(e.self, e.selfType).PathTrace
	hops := make([]packet.NodeID, len(trace))
	for i, h := range trace {
		hops[len(trace)-1-i] = h.ID
	}
	return packet.Packet{
		Body:      packet.FloodResponse{FloodID: req.FloodID, PathTrace: trace},
		Header:    packet.NewHeader(1, hops...),
		SessionID: req.FloodID,
	}, true, nil
}

// Result returns the summary of one initiated flood.
func (e *Engine) Result(floodID uint64) (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.floods[floodID]
	if !ok {
		return Result{}, false
	}
	return r.clone(), true
}

// Results returns every initiated flood ordered by id.
func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Result, 0, len(e.floods))
	for _, r := range e.floods {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FloodID < out[j].FloodID })
	return out
}

// Latest returns the most recently started flood.
func (e *Engine) Latest() (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.floods[e.lastID]
	if !ok {
		return Result{}, false
	}
	return r.clone(), true
}
