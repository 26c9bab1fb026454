package namingstore

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cfgmesh/cfgmesh/pkg/errs"
	"github.com/cfgmesh/cfgmesh/pkg/types"
	"github.com/cfgmesh/cfgmesh/pkg/usermeta"
)

func newTestInstance(svcKey types.ServiceKey, ip string, port int) *types.Instance {
	return &types.Instance{
		Key:                types.InstanceKey{Service: svcKey, IP: ip, Port: port},
		Weight:             1,
		Enabled:            true,
		Healthy:            true,
		Ephemeral:          true,
		ClusterName:        "DEFAULT",
		RegisterTimeMillis: 1000,
		LastModifiedMillis: 1000,
	}
}

func TestRegisterAndQuery(t *testing.T) {
	s := New()
	svcKey := types.NewServiceKey("public", "DEFAULT_GROUP", "order-service")
	require.NoError(t, s.Register(newTestInstance(svcKey, "10.0.0.1", 8080)))
	require.NoError(t, s.Register(newTestInstance(svcKey, "10.0.0.2", 8080)))

	res, err := s.Query(svcKey, nil, true)
	require.NoError(t, err)
	require.Len(t, res.Instances, 2)
	require.False(t, res.Degraded)
}

func TestBeatNeverRevivesUnhealthyInstance(t *testing.T) {
	s := New()
	s.SetTimeouts(10*time.Millisecond, time.Hour)
	s.Start()
	defer s.Stop()

	svcKey := types.NewServiceKey("public", "DEFAULT_GROUP", "order-service")
	inst := newTestInstance(svcKey, "10.0.0.1", 8080)
	require.NoError(t, s.Register(inst))

	require.Eventually(t, func() bool {
		s.sweep()
		svc, err := s.Service(svcKey)
		require.NoError(t, err)
		return !svc.Instances[inst.ShortKey()].Healthy
	}, time.Second, 5*time.Millisecond)

	// a beat only re-arms the timeout wheels; only a fresh register can
	// flip healthy back to true.
	require.NoError(t, s.Beat(inst.Key, time.Now().UnixMilli()))
	svc, err := s.Service(svcKey)
	require.NoError(t, err)
	require.False(t, svc.Instances[inst.ShortKey()].Healthy)

	require.NoError(t, s.Register(newTestInstance(svcKey, "10.0.0.1", 8080)))
	svc, err = s.Service(svcKey)
	require.NoError(t, err)
	require.True(t, svc.Instances[inst.ShortKey()].Healthy)
}

func TestDeleteTimeoutRemovesInstance(t *testing.T) {
	s := New()
	s.SetTimeouts(5*time.Millisecond, 5*time.Millisecond)
	s.Start()
	defer s.Stop()

	svcKey := types.NewServiceKey("public", "DEFAULT_GROUP", "order-service")
	inst := newTestInstance(svcKey, "10.0.0.1", 8080)
	require.NoError(t, s.Register(inst))

	require.Eventually(t, func() bool {
		s.sweep()
		svc, err := s.Service(svcKey)
		if errors.Is(err, errs.NotFound) {
			return true // the emptied service was pruned along with the instance
		}
		require.NoError(t, err)
		_, ok := svc.Instances[inst.ShortKey()]
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestProtectionThresholdDegradesQuery(t *testing.T) {
	s := New()
	svcKey := types.NewServiceKey("public", "DEFAULT_GROUP", "order-service")

	a := newTestInstance(svcKey, "10.0.0.1", 8080)
	b := newTestInstance(svcKey, "10.0.0.2", 8080)
	require.NoError(t, s.Register(a))
	require.NoError(t, s.Register(b))

	svc, err := s.Service(svcKey)
	require.NoError(t, err)
	svc.ProtectThreshold = 1.0 // require 100% healthy or degrade to all instances
	svc.Instances[b.ShortKey()].Healthy = false

	res, err := s.Query(svcKey, nil, true)
	require.NoError(t, err)
	require.True(t, res.Degraded)
	require.Len(t, res.Instances, 2)
}

func TestDeregisterRemovesInstance(t *testing.T) {
	s := New()
	svcKey := types.NewServiceKey("public", "DEFAULT_GROUP", "order-service")
	inst := newTestInstance(svcKey, "10.0.0.1", 8080)
	require.NoError(t, s.Register(inst))
	require.NoError(t, s.Deregister(inst.Key))

	res, err := s.Query(svcKey, nil, false)
	require.ErrorIs(t, err, errs.NotFound)
	require.Nil(t, res)
}

func TestDeregisterLastInstancePrunesService(t *testing.T) {
	s := New()
	svcKey := types.NewServiceKey("public", "DEFAULT_GROUP", "order-service")
	inst := newTestInstance(svcKey, "10.0.0.1", 8080)
	require.NoError(t, s.Register(inst))
	require.Contains(t, s.ListServices(), svcKey)

	require.NoError(t, s.Deregister(inst.Key))
	require.NotContains(t, s.ListServices(), svcKey)

	user := &usermeta.User{NamespacePrivileges: usermeta.NewPrivilegeGroup[string]()}
	user.NamespacePrivileges.AllowWhitelist("public")
	require.Empty(t, s.PageServices(user, "public", "", 0, 10))
}

func TestDeleteTimeoutPrunesService(t *testing.T) {
	s := New()
	s.SetTimeouts(5*time.Millisecond, 5*time.Millisecond)
	s.Start()
	defer s.Stop()

	svcKey := types.NewServiceKey("public", "DEFAULT_GROUP", "order-service")
	inst := newTestInstance(svcKey, "10.0.0.1", 8080)
	require.NoError(t, s.Register(inst))

	require.Eventually(t, func() bool {
		s.sweep()
		return !contains(s.ListServices(), svcKey)
	}, time.Second, 5*time.Millisecond)
}

func contains(keys []types.ServiceKey, key types.ServiceKey) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func TestSubscribeTracksReverseClientKeys(t *testing.T) {
	s := New()
	svcKey := types.NewServiceKey("public", "DEFAULT_GROUP", "order-service")
	otherKey := types.NewServiceKey("public", "DEFAULT_GROUP", "other-service")

	s.Subscribe(svcKey, "client-1")
	s.Subscribe(otherKey, "client-1")
	require.ElementsMatch(t, []string{"client-1"}, s.Subscribers(svcKey))
	require.ElementsMatch(t, []string{"client-1"}, s.Subscribers(otherKey))

	s.Unsubscribe(svcKey, "client-1")
	require.Empty(t, s.Subscribers(svcKey))
	require.ElementsMatch(t, []string{"client-1"}, s.Subscribers(otherKey))
}

func TestRemoveSubscribeClientCascades(t *testing.T) {
	s := New()
	svcKey := types.NewServiceKey("public", "DEFAULT_GROUP", "order-service")
	otherKey := types.NewServiceKey("public", "DEFAULT_GROUP", "other-service")

	s.Subscribe(svcKey, "client-1")
	s.Subscribe(otherKey, "client-1")
	s.RemoveSubscribeClient("client-1")

	require.Empty(t, s.Subscribers(svcKey))
	require.Empty(t, s.Subscribers(otherKey))
}

func TestPageServicesGuardsByNamespace(t *testing.T) {
	s := New()
	svcKey := types.NewServiceKey("public", "DEFAULT_GROUP", "order-service")
	require.NoError(t, s.Register(newTestInstance(svcKey, "10.0.0.1", 8080)))

	user := &usermeta.User{NamespacePrivileges: usermeta.NewPrivilegeGroup[string]()}
	user.NamespacePrivileges.AllowWhitelist("other-namespace")
	require.Empty(t, s.PageServices(user, "public", "", 0, 10))

	user.NamespacePrivileges.AllowWhitelist("public")
	require.Equal(t, []types.ServiceKey{svcKey}, s.PageServices(user, "public", "", 0, 10))
	require.Equal(t, []types.ServiceKey{svcKey}, s.PageServices(nil, "public", "", 0, 10))
}
