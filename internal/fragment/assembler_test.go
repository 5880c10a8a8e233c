package fragment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hopnet/internal/packet"
)

func TestAssembler_CompletesOnce(t *testing.T) {
	a := NewAssembler()
	key := SessionKey{Source: 5, Session: 1}
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	frags := Split(payload)

	res, err := a.Add(key, frags[2])
	require.NoError(t, err)
	require.False(t, res.Complete)

	res, err = a.Add(key, frags[0])
	require.NoError(t, err)
	require.False(t, res.Complete)
	require.Equal(t, []uint64{0, 2}, a.Received(key))

	res, err = a.Add(key, frags[0])
	require.NoError(t, err)
	require.True(t, res.Duplicate)

	res, err = a.Add(key, frags[1])
	require.NoError(t, err)
	require.True(t, res.Complete)
	require.Equal(t, payload, res.Payload)
	require.Zero(t, a.Pending())

	// late repeat after completion is recognised, not re-delivered
	res, err = a.Add(key, frags[1])
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.Nil(t, res.Payload)
}

func TestAssembler_ErrorsAreIsolated(t *testing.T) {
	a := NewAssembler()
	bad := SessionKey{Source: 5, Session: 1}
	good := SessionKey{Source: 5, Session: 2}

	frags := Split(make([]byte, 200))
	_, err := a.Add(bad, frags[0])
	require.NoError(t, err)

	conflict := frags[0]
	conflict.Data[3] = 9
	_, err = a.Add(bad, conflict)
	require.ErrorIs(t, err, ErrDuplicateFragment)

	mismatch := frags[1]
	mismatch.Total = 5
	_, err = a.Add(bad, mismatch)
	require.ErrorIs(t, err, ErrTotalMismatch)

	for _, f := range frags {
		_, err := a.Add(good, f)
		require.NoError(t, err)
	}
	require.Equal(t, 1, a.Pending())
}

func TestAssembler_SameSessionDifferentSources(t *testing.T) {
	a := NewAssembler()
	one := Split([]byte("from five"))
	two := Split([]byte("from six"))

	r1, err := a.Add(SessionKey{Source: 5, Session: 1}, one[0])
	require.NoError(t, err)
	r2, err := a.Add(SessionKey{Source: 6, Session: 1}, two[0])
	require.NoError(t, err)

	require.Equal(t, []byte("from five"), r1.Payload)
	require.Equal(t, []byte("from six"), r2.Payload)
}

func TestAssembler_RejectsBadFragments(t *testing.T) {
	a := NewAssembler()
	_, err := a.Add(SessionKey{}, packet.Fragment{Index: 1, Total: 1})
	require.ErrorIs(t, err, packet.ErrFragmentIndex)

	_, err = a.Add(SessionKey{}, packet.Fragment{Total: 1, Length: 200})
	require.ErrorIs(t, err, packet.ErrFragmentTooLarge)

	_, err = a.Add(SessionKey{}, packet.Fragment{Index: 0, Total: 1 << 30, Length: 4})
	require.ErrorIs(t, err, packet.ErrTooManyFragments)
	require.Zero(t, a.Pending())
}

func TestAssembler_LargestSessionStaysSparse(t *testing.T) {
	a := NewAssembler()
	key := SessionKey{Source: 5, Session: 1}
	res, err := a.Add(key, packet.Fragment{Index: packet.MaxFragments - 1, Total: packet.MaxFragments, Length: 1})
	require.NoError(t, err)
	require.False(t, res.Complete)
	require.Equal(t, []uint64{packet.MaxFragments - 1}, a.Received(key))
}

func TestAssembler_Expire(t *testing.T) {
	a := NewAssembler()
	now := time.Unix(1000, 0)
	a.now = func() time.Time { return now }

	key := SessionKey{Source: 2, Session: 9}
	_, err := a.Add(key, Split(make([]byte, 300))[0])
	require.NoError(t, err)

	require.Empty(t, a.Expire(time.Minute))

	now = now.Add(2 * time.Minute)
	require.Equal(t, []SessionKey{key}, a.Expire(time.Minute))
	require.Zero(t, a.Pending())
}
