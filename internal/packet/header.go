package packet

// SourceRoutingHeader is the full hop list chosen by the originator plus a cursor.
// Hops[HopIndex] is the next node expected to process the packet.
type SourceRoutingHeader struct {
	HopIndex int
	Hops     []NodeID
}

// NewHeader copies hops into a header with the cursor at hopIndex.
func NewHeader(hopIndex int, hops ...NodeID) SourceRoutingHeader {
	h := SourceRoutingHeader{HopIndex: hopIndex, Hops: make([]NodeID, len(hops))}
	copy(h.Hops, hops)
	return h
}

// Clone returns a header that shares no memory with h.
func (h SourceRoutingHeader) Clone() SourceRoutingHeader {
	return NewHeader(h.HopIndex, h.Hops...)
}

// Valid reports whether the cursor lies within 0..len(Hops).
func (h SourceRoutingHeader) Valid() bool {
	return h.HopIndex >= 0 && h.HopIndex <= len(h.Hops)
}

// Current returns the hop under the cursor.
func (h SourceRoutingHeader) Current() (NodeID, bool) {
	if h.HopIndex < 0 || h.HopIndex >= len(h.Hops) {
		return 0, false
	}
	return h.Hops[h.HopIndex], true
}

// Source returns the first hop.
func (h SourceRoutingHeader) Source() (NodeID, bool) {
	if len(h.Hops) == 0 {
		return 0, false
	}
	return h.Hops[0], true
}

// Destination returns the last hop.
func (h SourceRoutingHeader) Destination() (NodeID, bool) {
	if len(h.Hops) == 0 {
		return 0, false
	}
	return h.Hops[len(h.Hops)-1], true
}

// IsLast reports whether the cursor sits on the final hop.
func (h SourceRoutingHeader) IsLast() bool {
	return len(h.Hops) > 0 && h.HopIndex == len(h.Hops)-1
}

// Reverse builds the route from the hop under the cursor back to the source,
// with the cursor on the first node after the replying one.
func (h SourceRoutingHeader) Reverse() SourceRoutingHeader {
	end := h.HopIndex
	if end >= len(h.Hops) {
		end = len(h.Hops) - 1
	}
	if end < 0 {
		return SourceRoutingHeader{}
	}
	hops := make([]NodeID, 0, end+1)
	for i := end; i >= 0; i-- {
		hops = append(hops, h.Hops[i])
	}
	return SourceRoutingHeader{HopIndex: 1, Hops: hops}
}

// AdvanceHeader moves the cursor one hop forward without modifying h.
func AdvanceHeader(h SourceRoutingHeader) (SourceRoutingHeader, error) {
	if h.HopIndex < 0 || h.HopIndex >= len(h.Hops)-1 {
		return SourceRoutingHeader{}, ErrRouteExhausted
	}
	next := h.Clone()
	next.HopIndex++
	return next, nil
}
