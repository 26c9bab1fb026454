package raftlog

import (
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/cfgmesh/cfgmesh/pkg/errs"
)

func TestAppendAndRead(t *testing.T) {
	l, err := Open(t.TempDir(), 0)
	require.NoError(t, err)

	require.NoError(t, l.Append([]*Record{
		{Index: 1, Term: 1, Data: []byte("a")},
		{Index: 2, Term: 1, Data: []byte("b")},
		{Index: 3, Term: 2, Data: []byte("c")},
	}))
	require.EqualValues(t, 3, l.LastIndex())
	require.EqualValues(t, 1, l.FirstIndex())

	recs, err := l.Read(1, 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, []byte("b"), recs[1].Data)
}

func TestAppendRejectsOutOfOrder(t *testing.T) {
	l, err := Open(t.TempDir(), 0)
	require.NoError(t, err)
	require.NoError(t, l.Append([]*Record{{Index: 1, Term: 1}}))
	require.Error(t, l.Append([]*Record{{Index: 3, Term: 1}}))
}

func TestTruncateSuffix(t *testing.T) {
	l, err := Open(t.TempDir(), 0)
	require.NoError(t, err)
	require.NoError(t, l.Append([]*Record{
		{Index: 1, Term: 1}, {Index: 2, Term: 1}, {Index: 3, Term: 1},
	}))
	require.NoError(t, l.TruncateSuffix(2))
	require.EqualValues(t, 1, l.LastIndex())

	// appending starting again at 2 must succeed post-truncation
	require.NoError(t, l.Append([]*Record{{Index: 2, Term: 2}}))
	require.EqualValues(t, 2, l.LastIndex())
}

func TestPurgePrefixReadReturnsLogGap(t *testing.T) {
	l, err := Open(t.TempDir(), 64) // tiny segment size forces rollover
	require.NoError(t, err)
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, l.Append([]*Record{{Index: i, Term: 1, Data: make([]byte, 32)}}))
	}
	require.NoError(t, l.PurgePrefix(4))
	_, err = l.Read(1, 5)
	require.ErrorIs(t, err, errs.LogGap)
}

func TestRaftLogStoreAdapter(t *testing.T) {
	l, err := Open(t.TempDir(), 0)
	require.NoError(t, err)
	store := NewStore(l)

	require.NoError(t, store.StoreLogs([]*raft.Log{
		{Index: 1, Term: 1, Type: raft.LogCommand, Data: []byte("x")},
		{Index: 2, Term: 1, Type: raft.LogCommand, Data: []byte("y")},
	}))

	var out raft.Log
	require.NoError(t, store.GetLog(2, &out))
	require.Equal(t, []byte("y"), out.Data)

	// Overwrite the conflicting suffix starting at index 2.
	require.NoError(t, store.StoreLogs([]*raft.Log{
		{Index: 2, Term: 2, Type: raft.LogCommand, Data: []byte("z")},
	}))
	require.NoError(t, store.GetLog(2, &out))
	require.Equal(t, []byte("z"), out.Data)
	require.EqualValues(t, 2, out.Term)
}
