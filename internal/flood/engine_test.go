package flood

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hopnet/internal/packet"
	"hopnet/internal/topology"
)

func newTestEngine(t *testing.T) (*Engine, *topology.Store) {
	t.Helper()
	store := topology.NewStore()
	return NewEngine(1, packet.Client, store), store
}

func TestStartFlood(t *testing.T) {
	e, _ := newTestEngine(t)

	pkts, err := e.StartFlood(7, []packet.NodeID{2, 3})
	require.NoError(t, err)
	require.Len(t, pkts, 2)

	for i, nb := range []packet.NodeID{2, 3} {
		p := pkts[i]
		req, ok := p.Body.(packet.FloodRequest)
		require.True(t, ok)
		assert.Equal(t, uint64(7), req.FloodID)
		assert.Equal(t, packet.NodeID(1), req.InitiatorID)
		assert.Equal(t, []packet.Hop{{ID: 1, Type: packet.Client}}, req.PathTrace)
		assert.Equal(t, []packet.NodeID{1, nb}, p.Header.Hops)
		assert.Equal(t, 1, p.Header.HopIndex)
		assert.Equal(t, uint64(7), p.SessionID)
	}
}

func TestStartFloodValidation(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.StartFlood(1, nil)
	require.ErrorIs(t, err, ErrNoNeighbors)
	_, err = e.StartFlood(1, []packet.NodeID{1})
	require.ErrorIs(t, err, ErrNoNeighbors, "self is not a neighbor")

	pkts, err := e.StartFlood(1, []packet.NodeID{3, 2, 3})
	require.NoError(t, err)
	require.Len(t, pkts, 2, "repeated neighbors flood once")

	_, err = e.StartFlood(1, []packet.NodeID{2})
	require.ErrorIs(t, err, ErrFloodInUse)
}

func TestNextFloodIDIsMonotonic(t *testing.T) {
	e, _ := newTestEngine(t)
	require.Equal(t, uint64(1), e.NextFloodID())
	require.Equal(t, uint64(1), e.NextFloodID(), "unused ids are handed out again")

	_, err := e.StartFlood(e.NextFloodID(), []packet.NodeID{2})
	require.NoError(t, err)
	require.Equal(t, uint64(2), e.NextFloodID())

	_, err = e.StartFlood(40, []packet.NodeID{2})
	require.NoError(t, err)
	require.Equal(t, uint64(41), e.NextFloodID())
}

func TestOnFloodResponseRecordsPath(t *testing.T) {
	e, store := newTestEngine(t)
	_, err := e.StartFlood(7, []packet.NodeID{2, 3})
	require.NoError(t, err)

	resp := packet.FloodResponse{FloodID: 7, PathTrace: []packet.Hop{
		{ID: 1, Type: packet.Client},
		{ID: 2, Type: packet.Drone},
		{ID: 5, Type: packet.Server},
	}}
	out, err := e.OnFloodResponse(resp)
	require.NoError(t, err)
	require.True(t, out.Changed)
	require.False(t, out.Duplicate)

	require.Equal(t, []topology.NodeInfo{
		{ID: 1, Type: packet.Client},
		{ID: 2, Type: packet.Drone},
		{ID: 5, Type: packet.Server},
	}, store.Nodes())
	require.Equal(t, []topology.Edge{{A: 1, B: 2}, {A: 2, B: 5}}, store.Edges())

	out, err = e.OnFloodResponse(resp)
	require.NoError(t, err)
	require.True(t, out.Duplicate)
	require.False(t, out.Changed)

	res, ok := e.Result(7)
	require.True(t, ok)
	require.Equal(t, 1, res.Responses)
	require.Equal(t, 1, res.Duplicates)
	require.Len(t, res.Paths, 1)
	require.False(t, res.LastResponse.IsZero())
}

func TestOnFloodResponseRejects(t *testing.T) {
	e, store := newTestEngine(t)
	_, err := e.StartFlood(7, []packet.NodeID{2})
	require.NoError(t, err)

	_, err = e.OnFloodResponse(packet.FloodResponse{FloodID: 7})
	require.ErrorIs(t, err, ErrEmptyTrace)

	_, err = e.OnFloodResponse(packet.FloodResponse{FloodID: 7, PathTrace: []packet.Hop{
		{ID: 4, Type: packet.Client}, {ID: 2, Type: packet.Drone},
	}})
	require.ErrorIs(t, err, ErrForeignFlood)

	_, err = e.OnFloodResponse(packet.FloodResponse{FloodID: 8, PathTrace: []packet.Hop{
		{ID: 1, Type: packet.Client}, {ID: 2, Type: packet.Drone},
	}})
	require.ErrorIs(t, err, ErrUnknownFlood)

	require.Empty(t, store.Nodes())
}

func TestOnFloodResponseTypeConflict(t *testing.T) {
	e, store := newTestEngine(t)
	_, err := e.StartFlood(7, []packet.NodeID{2})
	require.NoError(t, err)

	_, err = e.OnFloodResponse(packet.FloodResponse{FloodID: 7, PathTrace: []packet.Hop{
		{ID: 1, Type: packet.Client}, {ID: 2, Type: packet.Drone},
	}})
	require.NoError(t, err)

	out, err := e.OnFloodResponse(packet.FloodResponse{FloodID: 7, PathTrace: []packet.Hop{
		{ID: 1, Type: packet.Client}, {ID: 2, Type: packet.Server}, {ID: 9, Type: packet.Server},
	}})
	require.ErrorIs(t, err, topology.ErrTypeConflict)
	var conflict *topology.TypeConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, packet.NodeID(2), conflict.ID)
	require.True(t, out.Changed, "the unrelated node 9 is still recorded")

	typ, ok := store.Type(2)
	require.True(t, ok)
	require.Equal(t, packet.Drone, typ)
	require.True(t, store.Has(9))
}

func TestOnFloodRequestAnswers(t *testing.T) {
	server := NewEngine(5, packet.Server, topology.NewStore())

	req := packet.FloodRequest{FloodID: 3, InitiatorID: 1, PathTrace: []packet.Hop{
		{ID: 1, Type: packet.Client}, {ID: 2, Type: packet.Drone},
	}}
	p, ok, err := server.OnFloodRequest(req)
	require.NoError(t, err)
	require.True(t, ok)

	resp, isResp := p.Body.(packet.FloodResponse)
	require.True(t, isResp)
	require.Equal(t, uint64(3), resp.FloodID)
	require.Equal(t, []packet.Hop{
		{ID: 1, Type: packet.Client}, {ID: 2, Type: packet.Drone}, {ID: 5, Type: packet.Server},
	}, resp.PathTrace)
	require.Equal(t, []packet.NodeID{5, 2, 1}, p.Header.Hops)
	require.Equal(t, 1, p.Header.HopIndex)
	require.Len(t, req.PathTrace, 2, "request trace is not modified")
}

func TestOnFloodRequestIgnoresOwnAndLooped(t *testing.T) {
	e, _ := newTestEngine(t)

	_, ok, err := e.OnFloodRequest(packet.FloodRequest{FloodID: 3, InitiatorID: 1, PathTrace: []packet.Hop{
		{ID: 1, Type: packet.Client}, {ID: 2, Type: packet.Drone},
	}})
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = e.OnFloodRequest(packet.FloodRequest{FloodID: 3, InitiatorID: 4, PathTrace: []packet.Hop{
		{ID: 4, Type: packet.Client}, {ID: 1, Type: packet.Client}, {ID: 2, Type: packet.Drone},
	}})
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = e.OnFloodRequest(packet.FloodRequest{FloodID: 3, InitiatorID: 4})
	require.ErrorIs(t, err, ErrEmptyTrace)
}

func TestResultsOrdered(t *testing.T) {
	e, _ := newTestEngine(t)
	for _, id := range []uint64{9, 2, 5} {
		_, err := e.StartFlood(id, []packet.NodeID{2})
		require.NoError(t, err)
	}
	var ids []uint64
	for _, r := range e.Results() {
		ids = append(ids, r.FloodID)
	}
	require.Equal(t, []uint64{2, 5, 9}, ids)

	latest, ok := e.Latest()
	require.True(t, ok)
	require.Equal(t, uint64(9), latest.FloodID)
}

func TestOldFloodsAreForgotten(t *testing.T) {
	e, _ := newTestEngine(t)
	e.retain = 3

	trace := []packet.Hop{{ID: 1, Type: packet.Client}, {ID: 2, Type: packet.Drone}}
	for id := uint64(1); id <= 5; id++ {
		_, err := e.StartFlood(id, []packet.NodeID{2})
		require.NoError(t, err)
		_, err = e.OnFloodResponse(packet.FloodResponse{FloodID: id, PathTrace: trace})
		require.NoError(t, err)
	}

	var ids []uint64
	for _, r := range e.Results() {
		ids = append(ids, r.FloodID)
	}
	require.Equal(t, []uint64{3, 4, 5}, ids)
	require.Len(t, e.seen, 3, "digests leave with their flood")

	_, err := e.OnFloodResponse(packet.FloodResponse{FloodID: 1, PathTrace: trace})
	require.ErrorIs(t, err, ErrUnknownFlood)

	_, err = e.StartFlood(2, []packet.NodeID{2})
	require.ErrorIs(t, err, ErrFloodInUse, "forgotten ids are not reused")
	require.Equal(t, uint64(6), e.NextFloodID())

	out, err := e.OnFloodResponse(packet.FloodResponse{FloodID: 5, PathTrace: trace})
	require.NoError(t, err)
	require.True(t, out.Duplicate)
}
