// Package distro implements the distro partitioning and gossip protocol:
// service ownership is hashed across the known node set, each node pings
// peers with a digest of the services it owns, and a digest mismatch
// triggers a pull of the authoritative instance list. The gossip loop
// follows a ticker-loop actor idiom, wired over pkg/transport's embedded
// NATS backplane rather than direct in-process calls.
package distro

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cfgmesh/cfgmesh/pkg/envelope"
	"github.com/cfgmesh/cfgmesh/pkg/log"
	"github.com/cfgmesh/cfgmesh/pkg/namingstore"
	"github.com/cfgmesh/cfgmesh/pkg/transport"
	"github.com/cfgmesh/cfgmesh/pkg/types"
)

const (
	pingSubjectPrefix = "cfgmesh.distro.ping."
	pullSubject       = "cfgmesh.distro.pull"
	claimSubject      = "cfgmesh.distro.claim"
)

var distroLogger = log.WithComponent("distro")

// NodeSet reports the current Raft membership, used to compute ownership.
// raftcore.Node.Configuration satisfies this once adapted by the caller.
type NodeSet func() []uint64

// Distro owns the ping/claim/pull gossip loop for one node.
type Distro struct {
	nodeID    uint64
	clusterID string
	nodes     NodeSet
	store     *namingstore.Store
	trans     *transport.Transport

	mu     sync.Mutex
	stopCh chan struct{}
}

// New returns a Distro for nodeID, gossiping over trans and tracking
// ownership against store.
func New(nodeID uint64, clusterID string, nodes NodeSet, store *namingstore.Store, trans *transport.Transport) *Distro {
	return &Distro{
		nodeID:    nodeID,
		clusterID: clusterID,
		nodes:     nodes,
		store:     store,
		trans:     trans,
		stopCh:    make(chan struct{}),
	}
}

// Owner returns which node id owns key under the current membership,
// via a stable hash-mod-N partition.
func Owner(key types.ServiceKey, members []uint64) uint64 {
	if len(members) == 0 {
		return 0
	}
	sorted := append([]uint64(nil), members...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	h := fnv.New64a()
	h.Write([]byte(key.String()))
	idx := h.Sum64() % uint64(len(sorted))
	return sorted[idx]
}

// IsOwner reports whether this node owns key under the current
// membership.
func (d *Distro) IsOwner(key types.ServiceKey) bool {
	return Owner(key, d.nodes()) == d.nodeID
}

// Start subscribes to this node's gossip subjects and begins the ping
// ticker.
func (d *Distro) Start() error {
	subject := pingSubjectPrefix + fmt.Sprint(d.nodeID)
	if _, err := d.trans.Subscribe(subject, func() any { return &envelope.DistroPing{} }, d.handlePing); err != nil {
		return fmt.Errorf("subscribe distro ping: %w", err)
	}
	if _, err := d.trans.HandleRequest(pullSubject, func() any { return &envelope.DistroPull{} }, d.handlePull); err != nil {
		return fmt.Errorf("subscribe distro pull: %w", err)
	}
	if _, err := d.trans.Subscribe(claimSubject, func() any { return &envelope.DistroClaim{} }, d.handleClaim); err != nil {
		return fmt.Errorf("subscribe distro claim: %w", err)
	}

	go d.run()
	return nil
}

// Stop halts the ping ticker.
func (d *Distro) Stop() { close(d.stopCh) }

func (d *Distro) run() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.pingAll()
		case <-d.stopCh:
			return
		}
	}
}

// digest summarizes the instance set of each owned service as a checksum,
// so peers can detect drift without exchanging full instance lists.
func (d *Distro) digest() map[string]uint64 {
	out := make(map[string]uint64)
	for _, key := range d.store.ListServices() {
		if !d.IsOwner(key) {
			continue
		}
		svc, err := d.store.Service(key)
		if err != nil {
			continue
		}
		h := fnv.New64a()
		ips := make([]string, 0, len(svc.Instances))
		for short := range svc.Instances {
			ips = append(ips, fmt.Sprintf("%s:%d", short.IP, short.Port))
		}
		sort.Strings(ips)
		for _, ip := range ips {
			h.Write([]byte(ip))
		}
		out[key.String()] = h.Sum64()
	}
	return out
}

func (d *Distro) pingAll() {
	msg := &envelope.DistroPing{NodeID: d.nodeID, ClusterID: d.clusterID, Digest: d.digest()}

	var g errgroup.Group
	for _, peer := range d.nodes() {
		if peer == d.nodeID {
			continue
		}
		peer := peer
		g.Go(func() error {
			subject := pingSubjectPrefix + fmt.Sprint(peer)
			if err := d.trans.Publish(subject, msg); err != nil {
				distroLogger.Warn().Err(err).Uint64("peer", peer).Msg("distro ping publish failed")
			}
			return nil
		})
	}
	g.Wait()
}

func (d *Distro) handlePing(v any) {
	ping := v.(*envelope.DistroPing)
	var stale []types.ServiceKey
	for keyStr, digest := range ping.Digest {
		key := parseServiceKey(keyStr)
		if d.IsOwner(key) {
			// peer thinks it owns this but we disagree; claim it.
			if Owner(key, d.nodes()) == d.nodeID {
				d.trans.Publish(claimSubject, &envelope.DistroClaim{NodeID: d.nodeID, Key: key})
			}
			continue
		}
		svc, err := d.store.Service(key)
		if err != nil {
			stale = append(stale, key)
			continue
		}
		h := fnv.New64a()
		ips := make([]string, 0, len(svc.Instances))
		for short := range svc.Instances {
			ips = append(ips, fmt.Sprintf("%s:%d", short.IP, short.Port))
		}
		sort.Strings(ips)
		for _, ip := range ips {
			h.Write([]byte(ip))
		}
		if h.Sum64() != digest {
			stale = append(stale, key)
		}
	}
	if len(stale) == 0 {
		return
	}

	var resp envelope.DistroPullResponse
	if err := d.trans.Request(pullSubject, &envelope.DistroPull{NodeID: d.nodeID, Services: stale}, &resp, 5*time.Second); err != nil {
		distroLogger.Warn().Err(err).Msg("distro pull failed")
		return
	}
	d.applyPullResponse(ping.NodeID, &resp)
}

// applyPullResponse registers every instance returned by a pull, tagging
// each with the owning peer's node id. resp.Services arrived from owner's
// own authoritative copy (its digest() only reports keys it considers
// itself the owner of), so owner is authoritative for every instance in
// resp; tagging FromCluster keeps those instances out of this node's
// health/delete wheels, since their owner -- not this node -- manages them.
func (d *Distro) applyPullResponse(owner uint64, resp *envelope.DistroPullResponse) {
	for _, instances := range resp.Services {
		for _, inst := range instances {
			inst.FromCluster = owner
			if err := d.store.Register(inst); err != nil {
				distroLogger.Warn().Err(err).Msg("distro pull register failed")
			}
		}
	}
}

func (d *Distro) handlePull(v any) any {
	req := v.(*envelope.DistroPull)
	out := make(map[string][]*types.Instance, len(req.Services))
	for _, key := range req.Services {
		svc, err := d.store.Service(key)
		if err != nil {
			continue
		}
		instances := make([]*types.Instance, 0, len(svc.Instances))
		for _, inst := range svc.Instances {
			instances = append(instances, inst)
		}
		out[key.String()] = instances
	}
	return &envelope.DistroPullResponse{Services: out}
}

func (d *Distro) handleClaim(v any) {
	claim := v.(*envelope.DistroClaim)
	if claim.NodeID == d.nodeID {
		return
	}
	if Owner(claim.Key, d.nodes()) != claim.NodeID {
		return // stale claim, ignore
	}
	distroLogger.Debug().Uint64("claimant", claim.NodeID).Str("service_key", claim.Key.String()).Msg("ownership claim observed")
}

// parseServiceKey reverses ServiceKey.String()'s "ns::group::service"
// form; used only for gossip wire keys, never persisted.
func parseServiceKey(s string) types.ServiceKey {
	parts := strings.SplitN(s, "::", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	return types.NewServiceKey(parts[0], parts[1], parts[2])
}
