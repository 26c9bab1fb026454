package raftsnap

import (
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/cfgmesh/cfgmesh/pkg/errs"
)

func TestCreateListOpen(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	store.SetNodeAddrsProvider(func() map[uint64]string {
		return map[uint64]string{1: "10.0.0.1:7000"}
	})

	cfg := raft.Configuration{Servers: []raft.Server{
		{ID: "1", Address: "10.0.0.1:7000", Suffrage: raft.Voter},
	}}
	sink, err := store.Create(raft.SnapshotVersionMax, 100, 5, cfg, 99, nil)
	require.NoError(t, err)
	_, err = sink.Write([]byte("fsm-state-bytes"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	metas, err := store.List()
	require.NoError(t, err)
	require.Len(t, metas, 1)
	require.EqualValues(t, 100, metas[0].Index)
	require.EqualValues(t, 5, metas[0].Term)

	meta, rc, err := store.Open(metas[0].ID)
	require.NoError(t, err)
	defer rc.Close()
	require.EqualValues(t, 99, meta.ConfigurationIndex)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "fsm-state-bytes", string(body))

	addrs, err := store.NodeAddrs()
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:7000", addrs[1])
}

func TestCreateRejectsConcurrentBuild(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	sink, err := store.Create(raft.SnapshotVersionMax, 1, 1, raft.Configuration{}, 0, nil)
	require.NoError(t, err)

	_, err = store.Create(raft.SnapshotVersionMax, 2, 1, raft.Configuration{}, 0, nil)
	require.ErrorIs(t, err, errs.BuildInProgress)

	require.NoError(t, sink.Cancel())

	// after cancel, a new build may proceed
	sink2, err := store.Create(raft.SnapshotVersionMax, 2, 1, raft.Configuration{}, 0, nil)
	require.NoError(t, err)
	require.NoError(t, sink2.Cancel())
}
