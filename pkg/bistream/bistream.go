// Package bistream is the bi-stream manager: a registry of connected push
// clients (one per subscribing process, keyed by connection id), with an
// active-timeout wheel dropping clients that stop heartbeating and a
// response-timeout wheel tracking in-flight pushes awaiting
// acknowledgement. It is transport-agnostic: delivery happens through
// whatever PushFunc the caller wires (pkg/transport's NATS publish,
// in-process channels for tests). Modeled on a registry-of-subscriber-
// channels broker guarded by a single mutex, extended with per-connection
// timeouts an unbounded channel registry wouldn't need.
package bistream

import (
	"sync"
	"time"

	"github.com/cfgmesh/cfgmesh/pkg/timewheel"
	"github.com/cfgmesh/cfgmesh/pkg/types"
)

// DefaultActiveTimeout is how long a connection may go without a
// heartbeat before it is dropped.
const DefaultActiveTimeout = 20 * time.Second

// DefaultAckTimeout is how long a push may go unacknowledged before it is
// considered failed.
const DefaultAckTimeout = 5 * time.Second

// PushFunc delivers one naming-change push to a connection; the bool
// return reports whether delivery itself succeeded (not whether the
// remote acknowledged it).
type PushFunc func(connID string, key types.ServiceKey) bool

// ConfigPushFunc delivers one config-change push to a connection.
type ConfigPushFunc func(connID string, key types.ConfigKey) bool

// CloseHandler is invoked once a connection is dropped (idle timeout or
// explicit Unregister), so callers can cascade the removal into
// configstore/namingstore's subscriber registries.
type CloseHandler func(connID string)

// Manager tracks connected push clients and their subscriptions.
type Manager struct {
	mu            sync.Mutex
	conns         map[string]*connection
	activeTimeout time.Duration
	ackTimeout    time.Duration
	activeWheel   *timewheel.Set[string]
	ackWheel      *timewheel.Set[ackToken]
	nextAck       uint64
	push          PushFunc
	configPush    ConfigPushFunc
	onClose       CloseHandler
	stopCh        chan struct{}
}

type connection struct {
	id            string
	subscriptions map[types.ServiceKey]struct{}
	configSubs    map[types.ConfigKey]struct{}
}

type ackToken struct {
	connID string
	seq    uint64
}

// New returns a Manager delivering pushes via push.
func New(push PushFunc) *Manager {
	return &Manager{
		conns:         make(map[string]*connection),
		activeTimeout: DefaultActiveTimeout,
		ackTimeout:    DefaultAckTimeout,
		activeWheel:   timewheel.New[string](),
		ackWheel:      timewheel.New[ackToken](),
		push:          push,
		stopCh:        make(chan struct{}),
	}
}

// SetConfigPush registers the delivery function NotifyConfig uses.
func (m *Manager) SetConfigPush(push ConfigPushFunc) {
	m.mu.Lock()
	m.configPush = push
	m.mu.Unlock()
}

// SetCloseHandler registers the callback invoked whenever a connection is
// dropped.
func (m *Manager) SetCloseHandler(fn CloseHandler) {
	m.mu.Lock()
	m.onClose = fn
	m.mu.Unlock()
}

// SetTimeouts overrides the default active/ack timeouts.
func (m *Manager) SetTimeouts(active, ack time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeTimeout = active
	m.ackTimeout = ack
}

// Register opens a connection, or refreshes its active deadline if it
// already exists.
func (m *Manager) Register(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[connID]; !ok {
		m.conns[connID] = &connection{
			id:            connID,
			subscriptions: make(map[types.ServiceKey]struct{}),
			configSubs:    make(map[types.ConfigKey]struct{}),
		}
	}
	m.activeWheel.Add(time.Now().Add(m.activeTimeout).UnixMilli(), connID)
}

// Heartbeat refreshes connID's active deadline.
func (m *Manager) Heartbeat(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[connID]; !ok {
		return
	}
	m.activeWheel.Add(time.Now().Add(m.activeTimeout).UnixMilli(), connID)
}

// Unregister drops a connection and its subscriptions.
func (m *Manager) Unregister(connID string) {
	m.mu.Lock()
	_, existed := m.conns[connID]
	delete(m.conns, connID)
	m.activeWheel.Remove(connID)
	onClose := m.onClose
	m.mu.Unlock()
	if existed && onClose != nil {
		onClose(connID)
	}
}

// Subscribe records that connID wants pushes for key.
func (m *Manager) Subscribe(connID string, key types.ServiceKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[connID]
	if !ok {
		return
	}
	conn.subscriptions[key] = struct{}{}
}

// Unsubscribe removes connID's interest in key.
func (m *Manager) Unsubscribe(connID string, key types.ServiceKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[connID]
	if !ok {
		return
	}
	delete(conn.subscriptions, key)
}

// ConfigSubscribe records that connID wants pushes for config key.
func (m *Manager) ConfigSubscribe(connID string, key types.ConfigKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[connID]
	if !ok {
		return
	}
	conn.configSubs[key] = struct{}{}
}

// ConfigUnsubscribe removes connID's interest in config key.
func (m *Manager) ConfigUnsubscribe(connID string, key types.ConfigKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[connID]
	if !ok {
		return
	}
	delete(conn.configSubs, key)
}

// NotifyConfig pushes key's change to those of the given client ids (the
// subscriber set configstore already computed) whose connection is still
// registered and config-subscribed to key, tracking each push's ack
// deadline same as NotifyNaming.
func (m *Manager) NotifyConfig(key types.ConfigKey, clientIDs []string) {
	m.mu.Lock()
	ackTimeout := m.ackTimeout
	push := m.configPush
	var targets []string
	for _, id := range clientIDs {
		if conn, ok := m.conns[id]; ok {
			if _, sub := conn.configSubs[key]; sub {
				targets = append(targets, id)
			}
		}
	}
	m.mu.Unlock()

	if push == nil {
		return
	}
	for _, connID := range targets {
		seq := m.armAck(connID, ackTimeout)
		if !push(connID, key) {
			m.ackWheel.Remove(ackToken{connID: connID, seq: seq})
		}
	}
}

// NotifyNaming pushes key's change to every connection subscribed to it,
// tracking each push's ack deadline.
func (m *Manager) NotifyNaming(key types.ServiceKey) {
	m.mu.Lock()
	var targets []string
	for id, conn := range m.conns {
		if _, ok := conn.subscriptions[key]; ok {
			targets = append(targets, id)
		}
	}
	ackTimeout := m.ackTimeout
	push := m.push
	m.mu.Unlock()

	if push == nil {
		return
	}
	for _, connID := range targets {
		seq := m.armAck(connID, ackTimeout)
		if !push(connID, key) {
			m.ackWheel.Remove(ackToken{connID: connID, seq: seq})
		}
	}
}

func (m *Manager) armAck(connID string, timeout time.Duration) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAck++
	seq := m.nextAck
	m.ackWheel.Add(time.Now().Add(timeout).UnixMilli(), ackToken{connID: connID, seq: seq})
	return seq
}

// Start runs the background sweep that expires stale connections and
// unacknowledged pushes.
func (m *Manager) Start() { go m.run() }

// Stop halts the sweep goroutine.
func (m *Manager) Stop() { close(m.stopCh) }

func (m *Manager) run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now().UnixMilli()
	m.mu.Lock()
	dead := m.activeWheel.Timeout(now)
	for _, connID := range dead {
		delete(m.conns, connID)
	}
	// expired acks are simply dropped; the next NotifyNaming cycle will
	// re-push if the connection is still subscribed and alive.
	m.ackWheel.Timeout(now)
	onClose := m.onClose
	m.mu.Unlock()

	if onClose != nil {
		for _, connID := range dead {
			onClose(connID)
		}
	}
}

// ConnectionCount returns the number of currently registered connections,
// used by diagnostics.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}
