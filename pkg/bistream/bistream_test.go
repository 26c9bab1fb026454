package bistream

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cfgmesh/cfgmesh/pkg/types"
)

func TestRegisterSubscribeNotifyPushes(t *testing.T) {
	var mu sync.Mutex
	var pushed []string
	m := New(func(connID string, key types.ServiceKey) bool {
		mu.Lock()
		pushed = append(pushed, connID)
		mu.Unlock()
		return true
	})

	key := types.NewServiceKey("t1", "DEFAULT_GROUP", "svc-a")
	m.Register("conn-1")
	m.Subscribe("conn-1", key)
	m.NotifyNaming(key)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"conn-1"}, pushed)
}

func TestNotifyNamingSkipsUnsubscribedConnections(t *testing.T) {
	pushed := false
	m := New(func(connID string, key types.ServiceKey) bool {
		pushed = true
		return true
	})

	key := types.NewServiceKey("t1", "DEFAULT_GROUP", "svc-a")
	m.Register("conn-1")
	m.NotifyNaming(key)

	require.False(t, pushed)
}

func TestUnsubscribeStopsFuturePushes(t *testing.T) {
	count := 0
	m := New(func(connID string, key types.ServiceKey) bool {
		count++
		return true
	})

	key := types.NewServiceKey("t1", "DEFAULT_GROUP", "svc-a")
	m.Register("conn-1")
	m.Subscribe("conn-1", key)
	m.NotifyNaming(key)
	m.Unsubscribe("conn-1", key)
	m.NotifyNaming(key)

	require.Equal(t, 1, count)
}

func TestUnregisterRemovesConnection(t *testing.T) {
	m := New(func(string, types.ServiceKey) bool { return true })
	m.Register("conn-1")
	require.Equal(t, 1, m.ConnectionCount())

	m.Unregister("conn-1")
	require.Equal(t, 0, m.ConnectionCount())
}

func TestSweepDropsConnectionPastActiveTimeout(t *testing.T) {
	m := New(func(string, types.ServiceKey) bool { return true })
	m.SetTimeouts(10*time.Millisecond, DefaultAckTimeout)
	m.Register("conn-1")

	require.Eventually(t, func() bool {
		m.sweep()
		return m.ConnectionCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestConfigSubscribeNotifyPushes(t *testing.T) {
	var mu sync.Mutex
	var pushed []string
	m := New(func(string, types.ServiceKey) bool { return true })
	m.SetConfigPush(func(connID string, key types.ConfigKey) bool {
		mu.Lock()
		pushed = append(pushed, connID)
		mu.Unlock()
		return true
	})

	key := types.NewConfigKey("t1", "DEFAULT_GROUP", "app.yaml")
	m.Register("conn-1")
	m.ConfigSubscribe("conn-1", key)
	m.NotifyConfig(key, []string{"conn-1"})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"conn-1"}, pushed)
}

func TestConfigUnsubscribeStopsDelivery(t *testing.T) {
	count := 0
	m := New(func(string, types.ServiceKey) bool { return true })
	m.SetConfigPush(func(string, types.ConfigKey) bool { count++; return true })

	key := types.NewConfigKey("t1", "DEFAULT_GROUP", "app.yaml")
	m.Register("conn-1")
	m.ConfigSubscribe("conn-1", key)
	m.ConfigUnsubscribe("conn-1", key)
	m.NotifyConfig(key, []string{"conn-1"})

	require.Equal(t, 0, count)
}

func TestUnregisterInvokesCloseHandler(t *testing.T) {
	m := New(func(string, types.ServiceKey) bool { return true })
	var closed string
	m.SetCloseHandler(func(connID string) { closed = connID })

	m.Register("conn-1")
	m.Unregister("conn-1")
	require.Equal(t, "conn-1", closed)
}

func TestSweepInvokesCloseHandler(t *testing.T) {
	m := New(func(string, types.ServiceKey) bool { return true })
	m.SetTimeouts(10*time.Millisecond, DefaultAckTimeout)
	var closed string
	m.SetCloseHandler(func(connID string) { closed = connID })
	m.Register("conn-1")

	require.Eventually(t, func() bool {
		m.sweep()
		return closed == "conn-1"
	}, time.Second, 5*time.Millisecond)
}

func TestHeartbeatKeepsConnectionAlive(t *testing.T) {
	m := New(func(string, types.ServiceKey) bool { return true })
	m.SetTimeouts(50*time.Millisecond, DefaultAckTimeout)
	m.Register("conn-1")

	time.Sleep(30 * time.Millisecond)
	m.Heartbeat("conn-1")
	m.sweep()

	require.Equal(t, 1, m.ConnectionCount())
}
