// Package namingstore is the Naming Store: the service -> cluster ->
// instance map, ephemeral-instance health timeout wheels, and subscriber
// registry. Distro ownership and gossip live in pkg/distro; namingstore
// only tracks the instances this node currently owns or has been told
// about. The health sweep follows a ticker-loop actor idiom, and the
// instance map itself follows pkg/types/naming.go's plain-struct-plus-
// mutex-guarded-map shape.
package namingstore

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cfgmesh/cfgmesh/pkg/errs"
	"github.com/cfgmesh/cfgmesh/pkg/log"
	"github.com/cfgmesh/cfgmesh/pkg/timewheel"
	"github.com/cfgmesh/cfgmesh/pkg/types"
	"github.com/cfgmesh/cfgmesh/pkg/usermeta"
)

// DefaultHealthyTimeout is how long an ephemeral instance may go without a
// heartbeat before it is marked unhealthy.
const DefaultHealthyTimeout = 15 * time.Second

// DefaultDeleteTimeout is how long an unhealthy ephemeral instance may go
// without a heartbeat before it is removed outright.
const DefaultDeleteTimeout = 30 * time.Second

// ChangeHandler is invoked whenever a service's instance set or any
// instance's health/metadata changes, so pkg/notify can coalesce a push.
type ChangeHandler func(types.ServiceKey)

// Store is the Naming Store.
type Store struct {
	mu       sync.RWMutex
	services map[types.ServiceKey]*types.Service

	healthyTimeout time.Duration
	deleteTimeout  time.Duration
	healthWheel    *timewheel.Set[types.InstanceKey]
	deleteWheel    *timewheel.Set[types.InstanceKey]

	subscribers map[types.ServiceKey]map[string]struct{}
	clientKeys  map[string]map[types.ServiceKey]struct{}

	onChange ChangeHandler
	stopCh   chan struct{}
}

var storeLogger = log.WithComponent("namingstore")

// New returns an empty Store using the default health/delete timeouts.
func New() *Store {
	return &Store{
		services:       make(map[types.ServiceKey]*types.Service),
		healthyTimeout: DefaultHealthyTimeout,
		deleteTimeout:  DefaultDeleteTimeout,
		healthWheel:    timewheel.New[types.InstanceKey](),
		deleteWheel:    timewheel.New[types.InstanceKey](),
		subscribers:    make(map[types.ServiceKey]map[string]struct{}),
		clientKeys:     make(map[string]map[types.ServiceKey]struct{}),
		stopCh:         make(chan struct{}),
	}
}

// SetTimeouts overrides the default healthy/delete timeouts.
func (s *Store) SetTimeouts(healthy, del time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthyTimeout = healthy
	s.deleteTimeout = del
}

// SetChangeHandler registers the callback invoked on any service mutation.
func (s *Store) SetChangeHandler(fn ChangeHandler) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Start runs the background health-timeout sweep.
func (s *Store) Start() { go s.run() }

// Stop halts the sweep goroutine.
func (s *Store) Stop() { close(s.stopCh) }

func (s *Store) run() {
	ticker := time.NewTicker(time.Second)
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
	toUnhealthy := s.healthWheel.Timeout(now)
	toDelete := s.deleteWheel.Timeout(now)
	changed := make(map[types.ServiceKey]struct{})

	for _, key := range toUnhealthy {
		svc, ok := s.services[key.Service]
		if !ok {
			continue
		}
		if inst, ok := svc.Instances[key.Short()]; ok && inst.Healthy {
			inst.Healthy = false
			changed[key.Service] = struct{}{}
		}
	}
	for _, key := range toDelete {
		svc, ok := s.services[key.Service]
		if !ok {
			continue
		}
		if _, ok := svc.Instances[key.Short()]; ok {
			delete(svc.Instances, key.Short())
			delete(svc.InstanceMetaMap, key.Short())
			s.pruneIfEmptyLocked(key.Service)
			changed[key.Service] = struct{}{}
		}
	}
	handler := s.onChange
	s.mu.Unlock()

	if handler != nil {
		for key := range changed {
			handler(key)
		}
	}
}

func (s *Store) serviceLocked(key types.ServiceKey) *types.Service {
	svc, ok := s.services[key]
	if !ok {
		svc = types.NewService(key)
		s.services[key] = svc
	}
	return svc
}

// pruneIfEmptyLocked removes key's Service once its instance count reaches
// 0, so a service only ever appears in s.services -- and therefore in
// ListServices/PageServices -- while it has at least one instance.
func (s *Store) pruneIfEmptyLocked(key types.ServiceKey) {
	svc, ok := s.services[key]
	if ok && len(svc.Instances) == 0 {
		delete(s.services, key)
	}
}

// Register creates or updates inst. Ephemeral instances are scheduled
// into the health/delete wheels; persistent instances never time out.
func (s *Store) Register(inst *types.Instance) error {
	s.mu.Lock()
	svc := s.serviceLocked(inst.Key.Service)
	svc.Instances[inst.ShortKey()] = inst
	if inst.TimeoutEligible() {
		now := time.Now()
		s.healthWheel.Add(now.Add(s.healthyTimeout).UnixMilli(), inst.Key)
		s.deleteWheel.Add(now.Add(s.healthyTimeout+s.deleteTimeout).UnixMilli(), inst.Key)
	}
	handler := s.onChange
	s.mu.Unlock()

	storeLogger.Debug().Str("service_key", inst.Key.Service.String()).Msg("instance registered")
	if handler != nil {
		handler(inst.Key.Service)
	}
	return nil
}

// Deregister removes the instance at key, if present.
func (s *Store) Deregister(key types.InstanceKey) error {
	s.mu.Lock()
	svc, ok := s.services[key.Service]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	short := key.Short()
	if _, ok := svc.Instances[short]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(svc.Instances, short)
	delete(svc.InstanceMetaMap, short)
	s.healthWheel.Remove(key)
	s.deleteWheel.Remove(key)
	s.pruneIfEmptyLocked(key.Service)
	handler := s.onChange
	s.mu.Unlock()

	if handler != nil {
		handler(key.Service)
	}
	return nil
}

// Beat refreshes key's heartbeat and re-arms its timeout wheels. It never
// changes healthy from false to true -- only a successful register does
// that; a beat on an already-unhealthy instance just pushes its deadlines
// out, leaving it unhealthy until a fresh register revives it.
func (s *Store) Beat(key types.InstanceKey, nowMillis int64) error {
	s.mu.Lock()
	svc, ok := s.services[key.Service]
	if !ok {
		s.mu.Unlock()
		return errs.NotFound
	}
	inst, ok := svc.Instances[key.Short()]
	if !ok {
		s.mu.Unlock()
		return errs.NotFound
	}
	inst.LastModifiedMillis = nowMillis

	if inst.TimeoutEligible() {
		now := time.UnixMilli(nowMillis)
		s.healthWheel.Add(now.Add(s.healthyTimeout).UnixMilli(), key)
		s.deleteWheel.Add(now.Add(s.healthyTimeout+s.deleteTimeout).UnixMilli(), key)
	}
	s.mu.Unlock()
	return nil
}

// Update applies a partial field update to the instance at key, gated by
// which bits of tag are set.
func (s *Store) Update(key types.InstanceKey, tag types.UpdateTag, weight float32, enabled bool, metadata map[string]string, cluster string) error {
	s.mu.Lock()
	svc, ok := s.services[key.Service]
	if !ok {
		s.mu.Unlock()
		return errs.NotFound
	}
	inst, ok := svc.Instances[key.Short()]
	if !ok {
		s.mu.Unlock()
		return errs.NotFound
	}
	if tag.Has(types.TagWeight) {
		inst.Weight = weight
	}
	if tag.Has(types.TagEnabled) {
		inst.Enabled = enabled
	}
	if tag.Has(types.TagMetadata) {
		inst.Metadata = metadata
	}
	if tag.Has(types.TagCluster) {
		inst.ClusterName = cluster
	}
	handler := s.onChange
	s.mu.Unlock()

	if handler != nil {
		handler(key.Service)
	}
	return nil
}

// QueryResult is a point-in-time view of a service's instances, already
// filtered to the requested clusters and (if requested and the
// protection threshold isn't breached) healthy-only.
type QueryResult struct {
	Instances  []*types.Instance
	Degraded   bool // protection threshold reached: healthyOnly was ignored
	Total      int
	Healthy    int
}

// Query returns the instances of key restricted to clusters (nil/empty
// matches every cluster), applying protection-threshold degradation when
// healthyOnly is requested.
func (s *Store) Query(key types.ServiceKey, clusters []string, healthyOnly bool) (*QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[key]
	if !ok {
		return nil, errs.NotFound
	}

	clusterSet := map[string]struct{}{}
	for _, c := range clusters {
		clusterSet[c] = struct{}{}
	}

	healthy, total := svc.Counts()
	degraded := healthyOnly && svc.ReachesProtectionThreshold()
	effectiveHealthyOnly := healthyOnly && !degraded

	var out []*types.Instance
	for _, inst := range svc.Instances {
		if len(clusterSet) > 0 {
			if _, ok := clusterSet[inst.ClusterName]; !ok {
				continue
			}
		}
		if effectiveHealthyOnly && (!inst.Healthy || !inst.Enabled) {
			continue
		}
		out = append(out, inst)
	}

	return &QueryResult{Instances: out, Degraded: degraded, Total: total, Healthy: healthy}, nil
}

// Subscribe registers subscriberID's interest in key; subsequent changes
// to key flow through pkg/notify to whatever transport owns subscriberID.
func (s *Store) Subscribe(key types.ServiceKey, subscriberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subscribers[key]
	if !ok {
		set = make(map[string]struct{})
		s.subscribers[key] = set
	}
	set[subscriberID] = struct{}{}

	keys, ok := s.clientKeys[subscriberID]
	if !ok {
		keys = make(map[types.ServiceKey]struct{})
		s.clientKeys[subscriberID] = keys
	}
	keys[key] = struct{}{}
}

// Unsubscribe removes subscriberID's interest in key.
func (s *Store) Unsubscribe(key types.ServiceKey, subscriberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subscribers[key]
	if ok {
		delete(set, subscriberID)
		if len(set) == 0 {
			delete(s.subscribers, key)
		}
	}
	if keys, ok := s.clientKeys[subscriberID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(s.clientKeys, subscriberID)
		}
	}
}

// RemoveSubscribeClient drops every binding for subscriberID, called when
// the bi-stream manager closes its connection.
func (s *Store) RemoveSubscribeClient(subscriberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, ok := s.clientKeys[subscriberID]
	if !ok {
		return
	}
	for key := range keys {
		if set, ok := s.subscribers[key]; ok {
			delete(set, subscriberID)
			if len(set) == 0 {
				delete(s.subscribers, key)
			}
		}
	}
	delete(s.clientKeys, subscriberID)
}

// Subscribers returns a snapshot of the subscriber IDs registered for key.
func (s *Store) Subscribers(key types.ServiceKey) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.subscribers[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// ListServices returns every known ServiceKey, used by the distro layer
// to compute ownership and by diagnostics.
func (s *Store) ListServices() []types.ServiceKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ServiceKey, 0, len(s.services))
	for k := range s.services {
		out = append(out, k)
	}
	return out
}

// PageServices returns a paginated, optionally like-filtered (substring of
// the service name) slice of the service keys under namespace, sorted by
// group then service name. When user
// is non-nil, its NamespacePrivileges gate the namespace: a principal
// without access gets an empty page rather than errs.Rejected, matching
// the convention of silently scoping results rather than surfacing an
// authorization error from a read path.
func (s *Store) PageServices(user *usermeta.User, namespace, like string, offset, limit int) []types.ServiceKey {
	if user != nil && user.NamespacePrivileges != nil && !user.NamespacePrivileges.CheckPermission(namespace) {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []types.ServiceKey
	for k := range s.services {
		if k.NamespaceID != namespace {
			continue
		}
		if like != "" && !strings.Contains(k.ServiceName, like) {
			continue
		}
		matched = append(matched, k)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].GroupName != matched[j].GroupName {
			return matched[i].GroupName < matched[j].GroupName
		}
		return matched[i].ServiceName < matched[j].ServiceName
	})

	if offset >= len(matched) {
		return nil
	}
	end := offset + limit
	if limit <= 0 || end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end]
}

// Service returns a pointer to the live Service record for key, or an
// error if unknown. Callers must not mutate Instances directly; go
// through Register/Deregister/Update so the health wheels and change
// handler stay consistent.
func (s *Store) Service(key types.ServiceKey) (*types.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[key]
	if !ok {
		return nil, fmt.Errorf("%w: service %s", errs.NotFound, key)
	}
	return svc, nil
}
