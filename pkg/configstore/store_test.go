package configstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cfgmesh/cfgmesh/pkg/types"
	"github.com/cfgmesh/cfgmesh/pkg/usermeta"
)

func TestApplySetIsIdempotentOnMatchingContent(t *testing.T) {
	s := New()
	key := types.NewConfigKey("t1", "DEFAULT_GROUP", "app.yaml")

	require.NoError(t, s.ApplySet(key, "a: 1", types.ConfigTypeYAML, "", "alice", 1000, 1))
	v, ok := s.Get(key)
	require.True(t, ok)
	md5 := v.MD5

	require.NoError(t, s.ApplySet(key, "a: 1", types.ConfigTypeYAML, "", "alice", 2000, 2))
	v2, _ := s.Get(key)
	require.Equal(t, md5, v2.MD5)
	require.Len(t, v2.Histories, 1)
}

func TestApplyDeleteRemovesFromIndex(t *testing.T) {
	s := New()
	key := types.NewConfigKey("t1", "DEFAULT_GROUP", "app.yaml")
	require.NoError(t, s.ApplySet(key, "a: 1", types.ConfigTypeYAML, "", "alice", 1000, 1))
	require.NoError(t, s.ApplyDelete(key))

	_, ok := s.Get(key)
	require.False(t, ok)
	require.Empty(t, s.List("t1", "DEFAULT_GROUP", "", 0, 10))
}

func TestListenWakesOnChange(t *testing.T) {
	s := New()
	key := types.NewConfigKey("t1", "DEFAULT_GROUP", "app.yaml")
	require.NoError(t, s.ApplySet(key, "a: 1", types.ConfigTypeYAML, "", "alice", 1000, 1))
	v, _ := s.Get(key)

	done := make(chan struct{})
	woken := make(chan bool, 1)
	go func() {
		woken <- s.Listen(done, key, v.MD5, 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.ApplySet(key, "a: 2", types.ConfigTypeYAML, "", "alice", 2000, 2))

	select {
	case changed := <-woken:
		require.True(t, changed)
	case <-time.After(time.Second):
		t.Fatal("listen did not wake on change")
	}
}

func TestListenReturnsImmediatelyOnStaleMD5(t *testing.T) {
	s := New()
	key := types.NewConfigKey("t1", "DEFAULT_GROUP", "app.yaml")
	require.NoError(t, s.ApplySet(key, "a: 1", types.ConfigTypeYAML, "", "alice", 1000, 1))

	done := make(chan struct{})
	changed := s.Listen(done, key, "not-the-real-md5", time.Second)
	require.True(t, changed)
}

func TestDumpLoadRoundTrip(t *testing.T) {
	s := New()
	key := types.NewConfigKey("t1", "DEFAULT_GROUP", "app.yaml")
	require.NoError(t, s.ApplySet(key, "a: 1", types.ConfigTypeYAML, "", "alice", 1000, 1))

	buf, err := s.Dump()
	require.NoError(t, err)

	s2 := New()
	require.NoError(t, s2.Load(buf))
	v, ok := s2.Get(key)
	require.True(t, ok)
	require.Equal(t, "a: 1", v.Content)
	require.Equal(t, []string{"app.yaml"}, s2.List("t1", "DEFAULT_GROUP", "", 0, 10))
}

func TestSubscribeReportsImmediateDiff(t *testing.T) {
	s := New()
	key := types.NewConfigKey("t1", "DEFAULT_GROUP", "app.yaml")
	require.NoError(t, s.ApplySet(key, "a: 1", types.ConfigTypeYAML, "", "alice", 1000, 1))

	changed := s.Subscribe([]types.ConfigKey{key}, map[types.ConfigKey]string{key: "stale-md5"}, "client-1")
	require.Equal(t, []types.ConfigKey{key}, changed)

	v, _ := s.Get(key)
	changed = s.Subscribe([]types.ConfigKey{key}, map[types.ConfigKey]string{key: v.MD5}, "client-2")
	require.Empty(t, changed)
}

func TestApplySetNotifiesSubscribers(t *testing.T) {
	s := New()
	key := types.NewConfigKey("t1", "DEFAULT_GROUP", "app.yaml")
	require.NoError(t, s.ApplySet(key, "a: 1", types.ConfigTypeYAML, "", "alice", 1000, 1))

	var notified []string
	s.SetNotifyHandler(func(k types.ConfigKey, clientIDs []string) {
		require.Equal(t, key, k)
		notified = clientIDs
	})
	s.Subscribe([]types.ConfigKey{key}, nil, "client-1")

	require.NoError(t, s.ApplySet(key, "a: 2", types.ConfigTypeYAML, "", "alice", 2000, 2))
	require.Equal(t, []string{"client-1"}, notified)
}

func TestUnsubscribeAndRemoveSubscribeClient(t *testing.T) {
	s := New()
	key := types.NewConfigKey("t1", "DEFAULT_GROUP", "app.yaml")
	require.NoError(t, s.ApplySet(key, "a: 1", types.ConfigTypeYAML, "", "alice", 1000, 1))

	s.Subscribe([]types.ConfigKey{key}, nil, "client-1")
	s.Unsubscribe([]types.ConfigKey{key}, "client-1")
	require.Empty(t, s.subscribersForLocked(key))

	s.Subscribe([]types.ConfigKey{key}, nil, "client-2")
	s.RemoveSubscribeClient("client-2")
	require.Empty(t, s.subscribersForLocked(key))
}

func TestNextHistoryIDMonotonic(t *testing.T) {
	s := New()
	first := s.NextHistoryID()
	second := s.NextHistoryID()
	require.Equal(t, first+1, second)
}

func TestListGuardedRejectsTenantOutsideWhitelist(t *testing.T) {
	s := New()
	key := types.NewConfigKey("t1", "DEFAULT_GROUP", "app.yaml")
	require.NoError(t, s.ApplySet(key, "a: 1", types.ConfigTypeYAML, "", "alice", 1000, 1))

	user := &usermeta.User{TenantPrivileges: usermeta.NewPrivilegeGroup[string]()}
	user.TenantPrivileges.AllowWhitelist("other-tenant")

	require.Empty(t, s.ListGuarded(user, "t1", "DEFAULT_GROUP", "", 0, 10))

	user.TenantPrivileges.AllowWhitelist("t1")
	require.Equal(t, []string{"app.yaml"}, s.ListGuarded(user, "t1", "DEFAULT_GROUP", "", 0, 10))
}
