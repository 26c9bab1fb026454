// Package configstore is the Configuration Store: an MD5-fingerprinted
// key/value cache with bounded history, a tenant/group index for
// paginated listing, and long-poll listener parking for clients waiting
// on a change. The listener-timeout sweep follows a Start/Stop/run
// ticker-loop actor idiom; the apply path driven by the FSM follows a
// single-mutex-guarded store shape.
package configstore

import (
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/cfgmesh/cfgmesh/pkg/log"
	"github.com/cfgmesh/cfgmesh/pkg/timewheel"
	"github.com/cfgmesh/cfgmesh/pkg/types"
	"github.com/cfgmesh/cfgmesh/pkg/usermeta"
)

var storeLogger = log.WithComponent("configstore")

// listener is one parked long-poll request: notify is closed (at most
// once) when the key's content changes or the deadline is swept.
type listener struct {
	key      types.ConfigKey
	clientMD5 string
	notify   chan struct{}
	once     sync.Once
}

func (l *listener) fire() { l.once.Do(func() { close(l.notify) }) }

// NotifyFunc is invoked whenever a key's content changes, with the set of
// push-subscriber client ids currently bound to it, so the caller can fan
// out a ConfigChangeNotifyRequest via the bi-stream manager.
type NotifyFunc func(key types.ConfigKey, clientIDs []string)

// Store is the Configuration Store.
type Store struct {
	mu        sync.RWMutex
	cache     map[types.ConfigKey]*types.ConfigValue
	tenantIdx *types.GroupIndex // tenant -> group -> dataId
	nextToken uint64
	listeners map[uint64]*listener
	deadlines *timewheel.Set[uint64]
	stopCh    chan struct{}

	// subscriber registry (push, over a bi-stream), distinct from the
	// one-shot long-poll listener table above.
	subByKey    map[types.ConfigKey]map[string]struct{}
	subByClient map[string]map[types.ConfigKey]struct{}
	onNotify    NotifyFunc

	// historySeq is the store-wide monotonic history id counter. The
	// leader reserves the next id via NextHistoryID before submitting a
	// ConfigSetCommand, so every replica assigns the same id to the same
	// log entry; ApplySet/ApplyFullValue advance it to match on replay.
	historySeq uint64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		cache:       make(map[types.ConfigKey]*types.ConfigValue),
		tenantIdx:   types.NewGroupIndex(),
		listeners:   make(map[uint64]*listener),
		deadlines:   timewheel.New[uint64](),
		stopCh:      make(chan struct{}),
		subByKey:    make(map[types.ConfigKey]map[string]struct{}),
		subByClient: make(map[string]map[types.ConfigKey]struct{}),
	}
}

// NextHistoryID reserves and returns the next store-wide history id.
// Only the Raft leader calls this, immediately before building the
// ConfigSetCommand it submits, so the id embedded in the replicated
// command is what every replica's history entry ends up carrying.
func (s *Store) NextHistoryID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historySeq++
	return s.historySeq
}

func (s *Store) bumpHistorySeqLocked(id uint64) {
	if id > s.historySeq {
		s.historySeq = id
	}
}

// SetNotifyHandler registers the callback invoked after a mutation, once
// per changed key, with the subscribers bound to it at that moment.
func (s *Store) SetNotifyHandler(fn NotifyFunc) {
	s.mu.Lock()
	s.onNotify = fn
	s.mu.Unlock()
}

// Subscribe registers clientID's interest in every item in keys and
// returns, for each key, whether its current md5 already differs from the
// client's last-known md5 (clientMD5Of) -- i.e. the immediate diff the
// client should apply locally without waiting for a push.
func (s *Store) Subscribe(keys []types.ConfigKey, clientMD5Of map[types.ConfigKey]string, clientID string) []types.ConfigKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	clientSet, ok := s.subByClient[clientID]
	if !ok {
		clientSet = make(map[types.ConfigKey]struct{})
		s.subByClient[clientID] = clientSet
	}

	var changed []types.ConfigKey
	for _, key := range keys {
		clientSet[key] = struct{}{}
		keySet, ok := s.subByKey[key]
		if !ok {
			keySet = make(map[string]struct{})
			s.subByKey[key] = keySet
		}
		keySet[clientID] = struct{}{}

		v, exists := s.cache[key]
		want := clientMD5Of[key]
		if (exists && v.MD5 != want) || (!exists && want != "") {
			changed = append(changed, key)
		}
	}
	return changed
}

// Unsubscribe removes clientID's interest in every item in keys.
func (s *Store) Unsubscribe(keys []types.ConfigKey, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clientSet, ok := s.subByClient[clientID]
	if !ok {
		return
	}
	for _, key := range keys {
		delete(clientSet, key)
		if keySet, ok := s.subByKey[key]; ok {
			delete(keySet, clientID)
			if len(keySet) == 0 {
				delete(s.subByKey, key)
			}
		}
	}
	if len(clientSet) == 0 {
		delete(s.subByClient, clientID)
	}
}

// RemoveSubscribeClient drops every binding for clientID, called when the
// bi-stream manager closes its connection.
func (s *Store) RemoveSubscribeClient(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clientSet, ok := s.subByClient[clientID]
	if !ok {
		return
	}
	for key := range clientSet {
		if keySet, ok := s.subByKey[key]; ok {
			delete(keySet, clientID)
			if len(keySet) == 0 {
				delete(s.subByKey, key)
			}
		}
	}
	delete(s.subByClient, clientID)
}

// subscribersForLocked returns a snapshot of the client ids subscribed to
// key; caller holds s.mu (read or write).
func (s *Store) subscribersForLocked(key types.ConfigKey) []string {
	keySet, ok := s.subByKey[key]
	if !ok || len(keySet) == 0 {
		return nil
	}
	out := make([]string, 0, len(keySet))
	for id := range keySet {
		out = append(out, id)
	}
	return out
}

// Start runs the background sweep that times out parked long-poll
// listeners whose deadline has passed without a matching change.
func (s *Store) Start() {
	go s.run()
}

// Stop halts the sweep goroutine.
func (s *Store) Stop() {
	close(s.stopCh)
}

func (s *Store) run() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) sweep() {
	now := time.Now().UnixMilli()
	s.mu.Lock()
	expired := s.deadlines.Timeout(now)
	var toFire []*listener
	for _, token := range expired {
		if l, ok := s.listeners[token]; ok {
			toFire = append(toFire, l)
			delete(s.listeners, token)
		}
	}
	s.mu.Unlock()
	for _, l := range toFire {
		l.fire()
	}
}

// Get returns the current value for key, if any.
func (s *Store) Get(key types.ConfigKey) (*types.ConfigValue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.cache[key]
	return v, ok
}

// List returns a paginated, optionally like-filtered list of dataIds
// under tenant/group (group == "" matches every group).
func (s *Store) List(tenant, group, like string, offset, limit int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tenantIdx.Page(tenant, group, like, offset, limit)
}

// ListGuarded is List gated by user's TenantPrivileges. A nil user (internal callers:
// replication, diagnostics) bypasses the guard entirely.
func (s *Store) ListGuarded(user *usermeta.User, tenant, group, like string, offset, limit int) []string {
	if user != nil && user.TenantPrivileges != nil && !user.TenantPrivileges.CheckPermission(tenant) {
		return nil
	}
	return s.List(tenant, group, like, offset, limit)
}

// ApplySet is the FSM-driven mutation behind OpConfigSet: create-or-update
// semantics, a no-op if content's MD5 already matches (subscribers are
// notified only when the content changed).
func (s *Store) ApplySet(key types.ConfigKey, content string, configType types.ConfigType, desc, opUser string, nowMillis int64, historyID uint64) error {
	s.mu.Lock()
	changed := true
	v, ok := s.cache[key]
	if !ok {
		v = types.NewConfigValue(content, configType, desc, opUser, nowMillis, historyID)
		s.cache[key] = v
		s.tenantIdx.Add(key.Tenant, key.Group, key.DataID)
	} else {
		changed = v.ApplySet(content, configType, desc, opUser, nowMillis, historyID)
	}
	s.bumpHistorySeqLocked(historyID)
	toFire := s.listenersForLocked(key, v.MD5)
	subs := s.subscribersForLocked(key)
	notify := s.onNotify
	s.mu.Unlock()

	for _, l := range toFire {
		l.fire()
	}
	if notify != nil && changed && len(subs) > 0 {
		notify(key, subs)
	}
	storeLogger.Debug().Str("config_key", key.String()).Msg("config set applied")
	return nil
}

// ApplyDelete is the FSM-driven mutation behind OpConfigDelete.
func (s *Store) ApplyDelete(key types.ConfigKey) error {
	s.mu.Lock()
	_, existed := s.cache[key]
	delete(s.cache, key)
	if existed {
		s.tenantIdx.Remove(key.Tenant, key.Group, key.DataID)
	}
	toFire := s.listenersForLocked(key, "")
	subs := s.subscribersForLocked(key)
	notify := s.onNotify
	s.mu.Unlock()

	for _, l := range toFire {
		l.fire()
	}
	if notify != nil && len(subs) > 0 {
		notify(key, subs)
	}
	return nil
}

// ApplyFullValue installs a complete ConfigValue verbatim, the FSM-driven
// mutation behind OpConfigFullValue (import), replacing a key's full
// history rather than appending one edit.
func (s *Store) ApplyFullValue(key types.ConfigKey, value types.ConfigValue, lastSeqID uint64) error {
	s.mu.Lock()
	v := value
	s.cache[key] = &v
	s.tenantIdx.Add(key.Tenant, key.Group, key.DataID)
	s.bumpHistorySeqLocked(lastSeqID)
	toFire := s.listenersForLocked(key, v.MD5)
	subs := s.subscribersForLocked(key)
	notify := s.onNotify
	s.mu.Unlock()

	for _, l := range toFire {
		l.fire()
	}
	if notify != nil && len(subs) > 0 {
		notify(key, subs)
	}
	return nil
}

// listenersForLocked collects (and removes) listeners parked on key whose
// clientMD5 no longer matches currentMD5; caller holds s.mu.
func (s *Store) listenersForLocked(key types.ConfigKey, currentMD5 string) []*listener {
	var out []*listener
	for token, l := range s.listeners {
		if l.key != key || l.clientMD5 == currentMD5 {
			continue
		}
		out = append(out, l)
		delete(s.listeners, token)
		s.deadlines.Remove(token)
	}
	return out
}

// Listen parks until key's content no longer matches clientMD5, or
// timeout elapses, or doneCh is closed. Returns true if woken by a change; a
// call where clientMD5 already differs from the current value returns
// immediately.
func (s *Store) Listen(doneCh <-chan struct{}, key types.ConfigKey, clientMD5 string, timeout time.Duration) bool {
	s.mu.Lock()
	if v, ok := s.cache[key]; ok && v.MD5 != clientMD5 {
		s.mu.Unlock()
		return true
	}
	if _, ok := s.cache[key]; !ok && clientMD5 != "" {
		s.mu.Unlock()
		return true // key was deleted since the client's last fetch
	}

	token := s.nextToken
	s.nextToken++
	l := &listener{key: key, clientMD5: clientMD5, notify: make(chan struct{})}
	s.listeners[token] = l
	s.deadlines.Add(time.Now().Add(timeout).UnixMilli(), token)
	s.mu.Unlock()

	select {
	case <-l.notify:
		return true
	case <-doneCh:
		s.mu.Lock()
		delete(s.listeners, token)
		s.deadlines.Remove(token)
		s.mu.Unlock()
		return false
	case <-time.After(timeout):
		s.mu.Lock()
		delete(s.listeners, token)
		s.deadlines.Remove(token)
		s.mu.Unlock()
		return false
	}
}

// Dump implements fsm.ConfigApplier, serializing the whole cache for
// snapshotting.
func (s *Store) Dump() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type entry struct {
		Key   types.ConfigKey    `cbor:"1,keyasint"`
		Value types.ConfigValue `cbor:"2,keyasint"`
	}
	entries := make([]entry, 0, len(s.cache))
	for k, v := range s.cache {
		entries = append(entries, entry{Key: k, Value: *v})
	}
	return cbor.Marshal(entries)
}

// Load implements fsm.ConfigApplier, replacing the cache wholesale from a
// snapshot dump.
func (s *Store) Load(data []byte) error {
	type entry struct {
		Key   types.ConfigKey    `cbor:"1,keyasint"`
		Value types.ConfigValue `cbor:"2,keyasint"`
	}
	var entries []entry
	if len(data) > 0 {
		if err := cbor.Unmarshal(data, &entries); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[types.ConfigKey]*types.ConfigValue, len(entries))
	s.tenantIdx = types.NewGroupIndex()
	for _, e := range entries {
		v := e.Value
		s.cache[e.Key] = &v
		s.tenantIdx.Add(e.Key.Tenant, e.Key.Group, e.Key.DataID)
		s.bumpHistorySeqLocked(v.CurrentHistoryID)
	}
	return nil
}
