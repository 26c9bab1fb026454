package route

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cfgmesh/cfgmesh/pkg/distro"
	"github.com/cfgmesh/cfgmesh/pkg/envelope"
	"github.com/cfgmesh/cfgmesh/pkg/namingstore"
	"github.com/cfgmesh/cfgmesh/pkg/types"
)

// Only the local-apply path is exercised here: when this node owns the
// target key under distro partitioning, ApplyNaming never touches Raft
// or the transport, so a Router can be built with those fields nil.

func newLocalRouter(t *testing.T, nodeID uint64) (*Router, *namingstore.Store) {
	t.Helper()
	store := namingstore.New()
	d := distro.New(nodeID, "cluster-1", func() []uint64 { return []uint64{nodeID} }, store, nil)
	return New(nodeID, nil, nil, d, store), store
}

func TestApplyNamingRegistersLocallyWhenOwner(t *testing.T) {
	r, store := newLocalRouter(t, 1)
	key := types.NewServiceKey("t1", "DEFAULT_GROUP", "svc-a")
	inst := &types.Instance{
		Key:     types.InstanceKey{Service: key, IP: "10.0.0.1", Port: 8080},
		Enabled: true,
	}

	err := r.ApplyNaming(&envelope.NamingRouteRequest{Op: "register", Key: key, Instance: inst})
	require.NoError(t, err)

	svc, err := store.Service(key)
	require.NoError(t, err)
	require.Contains(t, svc.Instances, inst.ShortKey())
}

func TestApplyNamingBeatLocallyWhenOwner(t *testing.T) {
	r, store := newLocalRouter(t, 1)
	key := types.NewServiceKey("t1", "DEFAULT_GROUP", "svc-a")
	inst := &types.Instance{
		Key:       types.InstanceKey{Service: key, IP: "10.0.0.1", Port: 8080},
		Enabled:   true,
		Ephemeral: true,
	}
	require.NoError(t, store.Register(inst))
	inst.Healthy = false

	err := r.ApplyNaming(&envelope.NamingRouteRequest{
		Op:         "beat",
		Key:        key,
		InstanceIP: "10.0.0.1",
		InstancePort: 8080,
		NowMillis:  1000,
	})
	require.NoError(t, err)

	svc, err := store.Service(key)
	require.NoError(t, err)
	// a beat re-arms the timeout wheels but never flips healthy back to
	// true; only a fresh register does that.
	require.False(t, svc.Instances[inst.ShortKey()].Healthy)
	require.Equal(t, int64(1000), svc.Instances[inst.ShortKey()].LastModifiedMillis)
}

func TestApplyNamingRejectsUnknownOp(t *testing.T) {
	r, _ := newLocalRouter(t, 1)
	key := types.NewServiceKey("t1", "DEFAULT_GROUP", "svc-a")

	err := r.ApplyNaming(&envelope.NamingRouteRequest{Op: "bogus", Key: key})
	require.Error(t, err)
}

func TestHandleNamingRejectsWhenNotOwner(t *testing.T) {
	store := namingstore.New()
	// node 1 is never in the member set, so it never owns anything.
	d := distro.New(1, "cluster-1", func() []uint64 { return []uint64{2, 3} }, store, nil)
	r := New(1, nil, nil, d, store)

	key := types.NewServiceKey("t1", "DEFAULT_GROUP", "svc-a")
	resp := r.handleNaming(&envelope.NamingRouteRequest{Op: "register", Key: key})
	naming, ok := resp.(*envelope.NamingRouteResponse)
	require.True(t, ok)
	require.False(t, naming.OK)
}
