// Package fragment splits application payloads into fixed-size fragments and
// puts them back together.
package fragment

import (
	"errors"
	"fmt"

	"hopnet/internal/packet"
)

var (
	ErrIncompleteSession = errors.New("fragment: incomplete session")
	ErrDuplicateFragment = errors.New("fragment: duplicate fragment with different content")
	ErrTotalMismatch     = errors.New("fragment: fragments disagree on total count")
)

// Count returns how many fragments Split produces for a payload of n bytes.
func Count(n int) uint64 {
	if n <= 0 {
		return 1
	}
	return uint64((n + packet.FragmentSize - 1) / packet.FragmentSize)
}

// Split cuts payload into ordered fragments of at most packet.FragmentSize bytes.
// An empty payload yields a single zero-length fragment.
func Split(payload []byte) []packet.Fragment {
	total := Count(len(payload))
	out := make([]packet.Fragment, 0, total)
	for i := uint64(0); i < total; i++ {
		start := int(i) * packet.FragmentSize
		end := min(start+packet.FragmentSize, len(payload))
		f := packet.Fragment{Index: i, Total: total, Length: uint8(end - start)}
		copy(f.Data[:], payload[start:end])
		out = append(out, f)
	}
	return out
}

// Reassemble concatenates the payload bytes of one session's fragments in index order.
// Every index in 0..Total-1 must be present; repeats must be identical.
func Reassemble(frags []packet.Fragment) ([]byte, error) {
	if len(frags) == 0 {
		return nil, fmt.Errorf("%w: no fragments", ErrIncompleteSession)
	}
	total := frags[0].Total
	if total > packet.MaxFragments {
		return nil, fmt.Errorf("%w: total %d", packet.ErrTooManyFragments, total)
	}
	byIndex := make(map[uint64]packet.Fragment, len(frags))
	for _, f := range frags {
		if f.Total != total {
			return nil, fmt.Errorf("%w: %d vs %d", ErrTotalMismatch, f.Total, total)
		}
		if f.Length > packet.FragmentSize {
			return nil, fmt.Errorf("%w: index %d length %d", packet.ErrFragmentTooLarge, f.Index, f.Length)
		}
		if f.Index >= f.Total {
			return nil, fmt.Errorf("%w: index %d total %d", packet.ErrFragmentIndex, f.Index, f.Total)
		}
		if prev, ok := byIndex[f.Index]; ok {
			if !sameContent(prev, f) {
				return nil, fmt.Errorf("%w: index %d", ErrDuplicateFragment, f.Index)
			}
			continue
		}
		byIndex[f.Index] = f
	}
	if uint64(len(byIndex)) != total {
		return nil, fmt.Errorf("%w: have %d of %d (missing %v)", ErrIncompleteSession, len(byIndex), total, missing(byIndex, total))
	}

	out := make([]byte, 0, int(total)*packet.FragmentSize)
	for i := uint64(0); i < total; i++ {
		f := byIndex[i]
		out = append(out, f.Data[:f.Length]...)
	}
	return out, nil
}

// sameContent compares only the meaningful bytes; padding is ignored.
func sameContent(a, b packet.Fragment) bool {
	if a.Total != b.Total || a.Length != b.Length {
		return false
	}
	return string(a.Data[:a.Length]) == string(b.Data[:b.Length])
}

func missing(have map[uint64]packet.Fragment, total uint64) []uint64 {
	var out []uint64
	for i := uint64(0); i < total && len(out) < 16; i++ {
		if _, ok := have[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}
