package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrMalformed wraps every decoding failure.
var ErrMalformed = errors.New("packet: malformed frame")

// MaxHops bounds the route and path-trace lengths accepted on the wire.
const MaxHops = 255

// Marshal encodes p in the big-endian link format:
//
//	kind u8 | session u64 | hop_index u16 | n u16 | hops [n]u8 | body
func Marshal(p Packet) ([]byte, error) {
	if p.Body == nil {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	if !p.Header.Valid() || len(p.Header.Hops) > MaxHops {
		return nil, fmt.Errorf("%w: bad routing header %v@%d", ErrMalformed, p.Header.Hops, p.Header.HopIndex)
	}

	buf := new(bytes.Buffer)
	buf.WriteByte(byte(p.Kind()))
	_ = binary.Write(buf, binary.BigEndian, p.SessionID)
	_ = binary.Write(buf, binary.BigEndian, uint16(p.Header.HopIndex))
	_ = binary.Write(buf, binary.BigEndian, uint16(len(p.Header.Hops)))
	for _, h := range p.Header.Hops {
		buf.WriteByte(byte(h))
	}

	switch b := p.Body.(type) {
	case Fragment:
		if b.Length > FragmentSize {
			return nil, fmt.Errorf("%w: fragment length %d", ErrFragmentTooLarge, b.Length)
		}
		if b.Total > MaxFragments {
			return nil, fmt.Errorf("%w: total %d", ErrTooManyFragments, b.Total)
		}
		_ = binary.Write(buf, binary.BigEndian, b.Index)
		_ = binary.Write(buf, binary.BigEndian, b.Total)
		buf.WriteByte(b.Length)
		buf.Write(b.Data[:])
	case Ack:
		_ = binary.Write(buf, binary.BigEndian, b.Index)
	case Nack:
		_ = binary.Write(buf, binary.BigEndian, b.Index)
		buf.WriteByte(byte(b.Type.Kind))
		buf.WriteByte(byte(b.Type.Node))
	case FloodRequest:
		_ = binary.Write(buf, binary.BigEndian, b.FloodID)
		buf.WriteByte(byte(b.InitiatorID))
		if err := writeTrace(buf, b.PathTrace); err != nil {
			return nil, err
		}
	case FloodResponse:
		_ = binary.Write(buf, binary.BigEndian, b.FloodID)
		if err := writeTrace(buf, b.PathTrace); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown body %T", ErrMalformed, p.Body)
	}
	return buf.Bytes(), nil
}

func writeTrace(buf *bytes.Buffer, trace []Hop) error {
	if len(trace) > MaxHops {
		return fmt.Errorf("%w: path trace of %d hops", ErrMalformed, len(trace))
	}
	_ = binary.Write(buf, binary.BigEndian, uint16(len(trace)))
	for _, h := range trace {
		buf.WriteByte(byte(h.ID))
		buf.WriteByte(byte(h.Type))
	}
	return nil
}

// Unmarshal decodes a frame produced by Marshal.
func Unmarshal(data []byte) (Packet, error) {
	r := bytes.NewReader(data)
	var p Packet

	kind, err := r.ReadByte()
	if err != nil {
		return Packet{}, fmt.Errorf("%w: read kind: %v", ErrMalformed, err)
	}
	if err := binary.Read(r, binary.BigEndian, &p.SessionID); err != nil {
		return Packet{}, fmt.Errorf("%w: read session: %v", ErrMalformed, err)
	}
	var hopIndex, hopCount uint16
	if err := binary.Read(r, binary.BigEndian, &hopIndex); err != nil {
		return Packet{}, fmt.Errorf("%w: read hop index: %v", ErrMalformed, err)
	}
	if err := binary.Read(r, binary.BigEndian, &hopCount); err != nil {
		return Packet{}, fmt.Errorf("%w: read hop count: %v", ErrMalformed, err)
	}
	if hopCount > MaxHops || hopIndex > hopCount {
		return Packet{}, fmt.Errorf("%w: hop index %d of %d", ErrMalformed, hopIndex, hopCount)
	}
	hops := make([]byte, hopCount)
	if _, err := io.ReadFull(r, hops); err != nil {
		return Packet{}, fmt.Errorf("%w: read hops: %v", ErrMalformed, err)
	}
	p.Header.HopIndex = int(hopIndex)
	p.Header.Hops = make([]NodeID, hopCount)
	for i, h := range hops {
		p.Header.Hops[i] = NodeID(h)
	}

	switch Kind(kind) {
	case KindFragment:
		var f Fragment
		if err := binary.Read(r, binary.BigEndian, &f.Index); err != nil {
			return Packet{}, fmt.Errorf("%w: read fragment index: %v", ErrMalformed, err)
		}
		if err := binary.Read(r, binary.BigEndian, &f.Total); err != nil {
			return Packet{}, fmt.Errorf("%w: read fragment total: %v", ErrMalformed, err)
		}
		if f.Length, err = r.ReadByte(); err != nil {
			return Packet{}, fmt.Errorf("%w: read fragment length: %v", ErrMalformed, err)
		}
		if _, err := io.ReadFull(r, f.Data[:]); err != nil {
			return Packet{}, fmt.Errorf("%w: read fragment data: %v", ErrMalformed, err)
		}
		if f.Length > FragmentSize || f.Index >= f.Total {
			return Packet{}, fmt.Errorf("%w: fragment %d/%d length %d", ErrMalformed, f.Index, f.Total, f.Length)
		}
		if f.Total > MaxFragments {
			return Packet{}, fmt.Errorf("%w: %w: total %d", ErrMalformed, ErrTooManyFragments, f.Total)
		}
		p.Body = f
	case KindAck:
		var a Ack
		if err := binary.Read(r, binary.BigEndian, &a.Index); err != nil {
			return Packet{}, fmt.Errorf("%w: read ack: %v", ErrMalformed, err)
		}
		p.Body = a
	case KindNack:
		var n Nack
		if err := binary.Read(r, binary.BigEndian, &n.Index); err != nil {
			return Packet{}, fmt.Errorf("%w: read nack: %v", ErrMalformed, err)
		}
		var raw [2]byte
		if _, err := io.ReadFull(r, raw[:]); err != nil {
			return Packet{}, fmt.Errorf("%w: read nack type: %v", ErrMalformed, err)
		}
		n.Type = NackType{Kind: NackKind(raw[0]), Node: NodeID(raw[1])}
		if n.Type.Kind < NackErrorInRouting || n.Type.Kind > NackUnexpectedRecipient {
			return Packet{}, fmt.Errorf("%w: nack kind %d", ErrMalformed, raw[0])
		}
		p.Body = n
	case KindFloodRequest:
		var fr FloodRequest
		if err := binary.Read(r, binary.BigEndian, &fr.FloodID); err != nil {
			return Packet{}, fmt.Errorf("%w: read flood id: %v", ErrMalformed, err)
		}
		initiator, err := r.ReadByte()
		if err != nil {
			return Packet{}, fmt.Errorf("%w: read initiator: %v", ErrMalformed, err)
		}
		fr.InitiatorID = NodeID(initiator)
		if fr.PathTrace, err = readTrace(r); err != nil {
			return Packet{}, err
		}
		p.Body = fr
	case KindFloodResponse:
		var fr FloodResponse
		if err := binary.Read(r, binary.BigEndian, &fr.FloodID); err != nil {
			return Packet{}, fmt.Errorf("%w: read flood id: %v", ErrMalformed, err)
		}
		if fr.PathTrace, err = readTrace(r); err != nil {
			return Packet{}, err
		}
		p.Body = fr
	default:
		return Packet{}, fmt.Errorf("%w: unknown kind %d", ErrMalformed, kind)
	}

	if r.Len() != 0 {
		return Packet{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, r.Len())
	}
	return p, nil
}

func readTrace(r *bytes.Reader) ([]Hop, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: read trace length: %v", ErrMalformed, err)
	}
	if n > MaxHops {
		return nil, fmt.Errorf("%w: path trace of %d hops", ErrMalformed, n)
	}
	trace := make([]Hop, n)
	for i := range trace {
		var raw [2]byte
		if _, err := io.ReadFull(r, raw[:]); err != nil {
			return nil, fmt.Errorf("%w: read trace hop: %v", ErrMalformed, err)
		}
		if NodeType(raw[1]) > Server {
			return nil, fmt.Errorf("%w: node type %d", ErrMalformed, raw[1])
		}
		trace[i] = Hop{ID: NodeID(raw[0]), Type: NodeType(raw[1])}
	}
	return trace, nil
}
