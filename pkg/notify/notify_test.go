package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cfgmesh/cfgmesh/pkg/types"
)

func TestNotifyCoalescesWithinWindow(t *testing.T) {
	var mu sync.Mutex
	var flushes [][]types.ServiceKey
	n := New(func(keys []types.ServiceKey) {
		mu.Lock()
		flushes = append(flushes, keys)
		mu.Unlock()
	})
	n.SetWindow(30 * time.Millisecond)

	key := types.NewServiceKey("t1", "DEFAULT_GROUP", "svc-a")
	n.Notify(key)
	n.Notify(key)
	n.Notify(key)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushes) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushes[0], 1)
	require.Equal(t, key, flushes[0][0])
}

func TestNotifyDedupesMultipleKeys(t *testing.T) {
	var mu sync.Mutex
	var flushed []types.ServiceKey
	n := New(func(keys []types.ServiceKey) {
		mu.Lock()
		flushed = keys
		mu.Unlock()
	})
	n.SetWindow(20 * time.Millisecond)

	a := types.NewServiceKey("t1", "DEFAULT_GROUP", "svc-a")
	b := types.NewServiceKey("t1", "DEFAULT_GROUP", "svc-b")
	n.Notify(a)
	n.Notify(b)
	n.Notify(a)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushed) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestFlushFiresImmediatelyAndDrainsPending(t *testing.T) {
	var mu sync.Mutex
	var calls int
	var lastKeys []types.ServiceKey
	n := New(func(keys []types.ServiceKey) {
		mu.Lock()
		calls++
		lastKeys = keys
		mu.Unlock()
	})
	n.SetWindow(time.Hour)

	key := types.NewServiceKey("t1", "DEFAULT_GROUP", "svc-a")
	n.Notify(key)
	n.Flush()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
	require.Equal(t, []types.ServiceKey{key}, lastKeys)
}

func TestFlushWithNoPendingIsNoop(t *testing.T) {
	called := false
	n := New(func([]types.ServiceKey) { called = true })
	n.Flush()
	require.False(t, called)
}
