package distro

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cfgmesh/cfgmesh/pkg/envelope"
	"github.com/cfgmesh/cfgmesh/pkg/namingstore"
	"github.com/cfgmesh/cfgmesh/pkg/types"
)

func TestOwnerIsDeterministicAcrossMemberOrder(t *testing.T) {
	key := types.NewServiceKey("t1", "DEFAULT_GROUP", "svc-a")
	a := Owner(key, []uint64{3, 1, 2})
	b := Owner(key, []uint64{1, 2, 3})
	c := Owner(key, []uint64{2, 3, 1})
	require.Equal(t, a, b)
	require.Equal(t, a, c)
}

func TestOwnerWithNoMembersReturnsZero(t *testing.T) {
	key := types.NewServiceKey("t1", "DEFAULT_GROUP", "svc-a")
	require.Equal(t, uint64(0), Owner(key, nil))
}

func TestIsOwnerMatchesOwnerComputation(t *testing.T) {
	store := namingstore.New()
	members := []uint64{1, 2, 3}
	key := types.NewServiceKey("t1", "DEFAULT_GROUP", "svc-a")
	want := Owner(key, members)

	d := New(want, "cluster-1", func() []uint64 { return members }, store, nil)
	require.True(t, d.IsOwner(key))

	other := want + 1
	if other > 3 {
		other = 1
	}
	if other == want {
		other = 2
	}
	d2 := New(other, "cluster-1", func() []uint64 { return members }, store, nil)
	require.False(t, d2.IsOwner(key))
}

func TestParseServiceKeyRoundTripsString(t *testing.T) {
	key := types.NewServiceKey("t1", "DEFAULT_GROUP", "svc-a")
	require.Equal(t, key, parseServiceKey(key.String()))
}

func TestApplyPullResponseTagsFromCluster(t *testing.T) {
	store := namingstore.New()
	d := New(1, "cluster-1", func() []uint64 { return []uint64{1, 2} }, store, nil)

	key := types.NewServiceKey("t1", "DEFAULT_GROUP", "svc-a")
	inst := &types.Instance{
		Key:       types.InstanceKey{Service: key, IP: "10.0.0.1", Port: 8080},
		Enabled:   true,
		Healthy:   true,
		Ephemeral: true,
	}
	resp := &envelope.DistroPullResponse{Services: map[string][]*types.Instance{
		key.String(): {inst},
	}}

	d.applyPullResponse(2, resp)

	svc, err := store.Service(key)
	require.NoError(t, err)
	got := svc.Instances[inst.ShortKey()]
	require.Equal(t, uint64(2), got.FromCluster)
	require.False(t, got.TimeoutEligible())
}

func TestDigestOnlyCoversOwnedServices(t *testing.T) {
	store := namingstore.New()
	key := types.NewServiceKey("t1", "DEFAULT_GROUP", "svc-a")
	require.NoError(t, store.Register(&types.Instance{
		Key:     types.InstanceKey{Service: key, IP: "10.0.0.1", Port: 8080},
		Enabled: true,
		Healthy: true,
	}))

	d := New(1, "cluster-1", func() []uint64 { return []uint64{1} }, store, nil)
	digest := d.digest()
	require.Contains(t, digest, key.String())
	require.NotZero(t, digest[key.String()])
}
