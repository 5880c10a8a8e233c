package packet

import (
	"errors"
	"fmt"
	"strings"
)

// FragmentSize is the fixed payload capacity of a single fragment.
const FragmentSize = 128

// MaxFragments bounds Fragment.Total, so one session carries at most 8 MiB.
const MaxFragments = 1 << 16

var (
	ErrFragmentTooLarge = errors.New("packet: fragment payload exceeds 128 bytes")
	ErrFragmentIndex    = errors.New("packet: fragment index out of range")
	ErrRouteExhausted   = errors.New("packet: route exhausted")
	ErrTooManyFragments = errors.New("packet: fragment total exceeds limit")
)

// NodeID identifies a node in the simulated network.
type NodeID uint8

// NodeType is the role a node plays in the network.
type NodeType uint8

const (
	Client NodeType = iota
	Drone
	Server
)

func (t NodeType) String() string {
	switch t {
	case Client:
		return "client"
	case Drone:
		return "drone"
	case Server:
		return "server"
	default:
		return fmt.Sprintf("node_type(%d)", uint8(t))
	}
}

// ParseNodeType accepts the names produced by NodeType.String.
func ParseNodeType(s string) (NodeType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "client":
		return Client, nil
	case "drone":
		return Drone, nil
	case "server":
		return Server, nil
	}
	return 0, fmt.Errorf("unknown node type %q", s)
}

// Kind tags the body carried by a Packet.
type Kind uint8

const (
	KindFragment Kind = iota + 1
	KindAck
	KindNack
	KindFloodRequest
	KindFloodResponse
)

func (k Kind) String() string {
	switch k {
	case KindFragment:
		return "msg_fragment"
	case KindAck:
		return "ack"
	case KindNack:
		return "nack"
	case KindFloodRequest:
		return "flood_request"
	case KindFloodResponse:
		return "flood_response"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Body is the closed set of packet payloads. Only types in this package implement it.
type Body interface {
	Kind() Kind
	sealed()
}

// Packet is the envelope moved between adjacent nodes.
// SessionID names a fragment transfer, or the flood id for flood packets.
type Packet struct {
	Body      Body
	Header    SourceRoutingHeader
	SessionID uint64
}

// Kind returns the tag of the packet body, or 0 for an empty packet.
func (p Packet) Kind() Kind {
	if p.Body == nil {
		return 0
	}
	return p.Body.Kind()
}

// WithHeader returns a copy of p carrying h.
func (p Packet) WithHeader(h SourceRoutingHeader) Packet {
	p.Header = h.Clone()
	return p
}

func (p Packet) String() string {
	return fmt.Sprintf("%s session=%d route=%v@%d", p.Kind(), p.SessionID, p.Header.Hops, p.Header.HopIndex)
}

// Fragment is one fixed-size slice of an application payload.
// Bytes of Data beyond Length are padding.
type Fragment struct {
	Index  uint64
	Total  uint64
	Length uint8
	Data   [FragmentSize]byte
}

// BuildFragment copies payload into a new fragment.
func BuildFragment(index, total uint64, payload []byte) (Fragment, error) {
	if len(payload) > FragmentSize {
		return Fragment{}, fmt.Errorf("%w: got %d", ErrFragmentTooLarge, len(payload))
	}
	if index >= total {
		return Fragment{}, fmt.Errorf("%w: index %d total %d", ErrFragmentIndex, index, total)
	}
	if total > MaxFragments {
		return Fragment{}, fmt.Errorf("%w: total %d", ErrTooManyFragments, total)
	}
	f := Fragment{Index: index, Total: total, Length: uint8(len(payload))}
	copy(f.Data[:], payload)
	return f, nil
}

// Payload returns a copy of the meaningful bytes of the fragment.
func (f Fragment) Payload() []byte {
	n := int(f.Length)
	if n > FragmentSize {
		n = FragmentSize
	}
	out := make([]byte, n)
	copy(out, f.Data[:n])
	return out
}

// Ack acknowledges delivery of exactly one fragment.
type Ack struct {
	Index uint64
}

// NackKind enumerates why a fragment was not delivered.
type NackKind uint8

const (
	NackErrorInRouting NackKind = iota + 1
	NackDestinationIsDrone
	NackDropped
	NackUnexpectedRecipient
)

func (k NackKind) String() string {
	switch k {
	case NackErrorInRouting:
		return "error_in_routing"
	case NackDestinationIsDrone:
		return "destination_is_drone"
	case NackDropped:
		return "dropped"
	case NackUnexpectedRecipient:
		return "unexpected_recipient"
	default:
		return fmt.Sprintf("nack_kind(%d)", uint8(k))
	}
}

// NackType is a NackKind plus the node it refers to, when the kind carries one.
type NackType struct {
	Kind NackKind
	Node NodeID
}

func ErrorInRouting(id NodeID) NackType {
	return NackType{Kind: NackErrorInRouting, Node: id}
}

func DestinationIsDrone() NackType {
	return NackType{Kind: NackDestinationIsDrone}
}

func Dropped() NackType {
	return NackType{Kind: NackDropped}
}

func UnexpectedRecipient(id NodeID) NackType {
	return NackType{Kind: NackUnexpectedRecipient, Node: id}
}

// HasNode reports whether the kind carries a node id.
func (t NackType) HasNode() bool {
	return t.Kind == NackErrorInRouting || t.Kind == NackUnexpectedRecipient
}

func (t NackType) String() string {
	if t.HasNode() {
		return fmt.Sprintf("%s(%d)", t.Kind, t.Node)
	}
	return t.Kind.String()
}

// Nack reports that a fragment could not be delivered.
type Nack struct {
	Index uint64
	Type  NackType
}

// Hop is one (node, role) entry of a flood path trace.
type Hop struct {
	ID   NodeID
	Type NodeType
}

// FloodRequest explores the network. PathTrace grows by one hop per visited node.
type FloodRequest struct {
	FloodID     uint64
	InitiatorID NodeID
	PathTrace   []Hop
}

// Visit returns a copy of r with (id, typ) appended to the path trace.
func (r FloodRequest) Visit(id NodeID, typ NodeType) FloodRequest {
	trace := make([]Hop, len(r.PathTrace), len(r.PathTrace)+1)
	copy(trace, r.PathTrace)
	r.PathTrace = append(trace, Hop{ID: id, Type: typ})
	return r
}

// FloodResponse carries one discovered path back to the flood initiator.
type FloodResponse struct {
	FloodID   uint64
	PathTrace []Hop
}

func (Fragment) Kind() Kind      { return KindFragment }
func (Ack) Kind() Kind           { return KindAck }
func (Nack) Kind() Kind          { return KindNack }
func (FloodRequest) Kind() Kind  { return KindFloodRequest }
func (FloodResponse) Kind() Kind { return KindFloodResponse }

func (Fragment) sealed()      {}
func (Ack) sealed()           {}
func (Nack) sealed()          {}
func (FloodRequest) sealed()  {}
func (FloodResponse) sealed() {}

// CloneTrace copies a path trace so callers never share backing arrays.
func CloneTrace(trace []Hop) []Hop {
	if trace == nil {
		return nil
	}
	out := make([]Hop, len(trace))
	copy(out, trace)
	return out
}
