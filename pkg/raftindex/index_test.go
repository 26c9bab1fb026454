package raftindex

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir)
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Set([]byte("LastVoteCand"), []byte("node-2")))
	v, err := idx.Get([]byte("LastVoteCand"))
	require.NoError(t, err)
	require.Equal(t, "node-2", string(v))

	require.NoError(t, idx.SetUint64([]byte("CurrentTerm"), 7))
	term, err := idx.GetUint64([]byte("CurrentTerm"))
	require.NoError(t, err)
	require.EqualValues(t, 7, term)

	require.NoError(t, idx.SetLastAppliedLog(42))
	require.EqualValues(t, 42, idx.LastAppliedLog())

	require.NoError(t, idx.SetNodeAddr(1, "10.0.0.1:7000"))
	require.Equal(t, "10.0.0.1:7000", idx.NodeAddrs()[1])

	cfg := raft.Configuration{Servers: []raft.Server{{ID: "1", Address: "10.0.0.1:7000", Suffrage: raft.Voter}}}
	require.NoError(t, idx.SetConfiguration(cfg))
	got, err := idx.Configuration()
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

func TestReopenPersistsState(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, idx.SetUint64([]byte("CurrentTerm"), 3))
	require.NoError(t, idx.SetLastAppliedLog(10))
	require.NoError(t, idx.SetNodeAddr(1, "10.0.0.1:7000"))
	require.NoError(t, idx.SetNodeAddr(2, "10.0.0.2:7000"))
	cfg := raft.Configuration{Servers: []raft.Server{
		{ID: "1", Address: "10.0.0.1:7000", Suffrage: raft.Voter},
		{ID: "2", Address: "10.0.0.2:7000", Suffrage: raft.Voter},
	}}
	require.NoError(t, idx.SetConfiguration(cfg))
	require.NoError(t, idx.Close())

	idx2, err := Open(dir)
	require.NoError(t, err)
	defer idx2.Close()
	term, err := idx2.GetUint64([]byte("CurrentTerm"))
	require.NoError(t, err)
	require.EqualValues(t, 3, term)
	require.EqualValues(t, 10, idx2.LastAppliedLog())

	if diff := cmp.Diff(map[uint64]string{1: "10.0.0.1:7000", 2: "10.0.0.2:7000"}, idx2.NodeAddrs()); diff != "" {
		t.Fatalf("node addrs mismatch after reopen (-want +got):\n%s", diff)
	}
	gotCfg, err := idx2.Configuration()
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, gotCfg); diff != "" {
		t.Fatalf("configuration mismatch after reopen (-want +got):\n%s", diff)
	}
}

func TestSecondOpenFailsWhileLocked(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir)
	require.NoError(t, err)
	defer idx.Close()

	_, err = Open(dir)
	require.Error(t, err)
}
