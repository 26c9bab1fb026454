// Package raftcore wraps hashicorp/raft.Raft with cfgmesh's custom
// log/snapshot/stable stores (pkg/raftlog, pkg/raftsnap, pkg/raftindex),
// exposing Bootstrap/AddVoter/RemoveServer and command-route Apply
// semantics, modeled on a Bootstrap/Join/AddVoter manager pattern but
// carrying segmented-file stores and the ConfigStore/NamingStore/Table
// command union in pkg/types instead of a single BoltDB-backed store.
package raftcore

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"

	"github.com/cfgmesh/cfgmesh/pkg/errs"
	"github.com/cfgmesh/cfgmesh/pkg/log"
	"github.com/cfgmesh/cfgmesh/pkg/raftindex"
	"github.com/cfgmesh/cfgmesh/pkg/raftlog"
	"github.com/cfgmesh/cfgmesh/pkg/raftsnap"
)

// Config configures a Node.
type Config struct {
	NodeID   uint64
	BindAddr string
	DataDir  string

	// HeartbeatTimeout/ElectionTimeout/CommitTimeout/LeaderLeaseTimeout
	// tune failover latency; zero values fall back to raft.DefaultConfig.
	HeartbeatTimeout   time.Duration
	ElectionTimeout    time.Duration
	CommitTimeout      time.Duration
	LeaderLeaseTimeout time.Duration

	// SegmentBytes is the raftlog rollover threshold; 0 uses the default.
	SegmentBytes int64
}

// Node wraps a running Raft instance and the file-backed stores behind it.
type Node struct {
	cfg       Config
	raft      *raft.Raft
	fsm       raft.FSM
	logStore  *raftlog.Store
	stable    *raftindex.Index
	snapStore *raftsnap.Store
	transport *raft.NetworkTransport
}

// New opens the on-disk stores and constructs a raft.Raft, without
// joining or bootstrapping. newFSM receives the node's stable store (so
// the FSM can persist replicated NodeAddr commands into the same index
// file raftcore itself opened) and must return the raft.FSM to drive.
// Callers join or bootstrap the returned Node via Bootstrap or AddVoter.
func New(cfg Config, newFSM func(nodeAddrs *raftindex.Index) raft.FSM) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), cfg.DataDir, 0)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(fmt.Sprintf("%d", cfg.NodeID))
	raftCfg.Logger = hclog.New(&hclog.LoggerOptions{
		Name:       "raft",
		Level:      hclog.Info,
		Output:     logWriter{},
		JSONFormat: false,
	})
	if cfg.HeartbeatTimeout > 0 {
		raftCfg.HeartbeatTimeout = cfg.HeartbeatTimeout
	}
	if cfg.ElectionTimeout > 0 {
		raftCfg.ElectionTimeout = cfg.ElectionTimeout
	}
	if cfg.CommitTimeout > 0 {
		raftCfg.CommitTimeout = cfg.CommitTimeout
	}
	if cfg.LeaderLeaseTimeout > 0 {
		raftCfg.LeaderLeaseTimeout = cfg.LeaderLeaseTimeout
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address %q: %w", cfg.BindAddr, err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, logWriter{})
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	segLog, err := raftlog.Open(filepath.Join(cfg.DataDir, "log"), cfg.SegmentBytes)
	if err != nil {
		return nil, err
	}
	logStore := raftlog.NewStore(segLog)

	stable, err := raftindex.Open(filepath.Join(cfg.DataDir, "index"))
	if err != nil {
		return nil, err
	}

	snapStore, err := raftsnap.Open(filepath.Join(cfg.DataDir, "snapshot"))
	if err != nil {
		return nil, err
	}
	snapStore.SetNodeAddrsProvider(stable.NodeAddrs)

	fsm := newFSM(stable)
	r, err := raft.NewRaft(raftCfg, fsm, logStore, stable, snapStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft: %w", err)
	}

	if err := stable.SetNodeAddr(cfg.NodeID, string(transport.LocalAddr())); err != nil {
		return nil, err
	}

	return &Node{
		cfg:       cfg,
		raft:      r,
		fsm:       fsm,
		logStore:  logStore,
		stable:    stable,
		snapStore: snapStore,
		transport: transport,
	}, nil
}

// Bootstrap forms a brand-new single-node cluster with this node as the
// only voter.
func (n *Node) Bootstrap() error {
	cfg := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(fmt.Sprintf("%d", n.cfg.NodeID)), Address: n.transport.LocalAddr()},
		},
	}
	future := n.raft.BootstrapCluster(cfg)
	if err := future.Error(); err != nil {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}
	return n.stable.SetConfiguration(cfg)
}

// AddVoter adds nodeID at address to the cluster; must be called on the
// current leader.
func (n *Node) AddVoter(nodeID uint64, address string) error {
	if !n.IsLeader() {
		return fmt.Errorf("%w: not leader, current leader is %s", errs.NoLeader, n.LeaderAddr())
	}
	future := n.raft.AddVoter(raft.ServerID(fmt.Sprintf("%d", nodeID)), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("add voter: %w", err)
	}
	return n.stable.SetNodeAddr(nodeID, address)
}

// RemoveServer removes nodeID from the cluster; must be called on the
// current leader.
func (n *Node) RemoveServer(nodeID uint64) error {
	if !n.IsLeader() {
		return fmt.Errorf("%w: not leader, current leader is %s", errs.NoLeader, n.LeaderAddr())
	}
	future := n.raft.RemoveServer(raft.ServerID(fmt.Sprintf("%d", nodeID)), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("remove server: %w", err)
	}
	return nil
}

// IsLeader reports whether this node currently holds leadership.
func (n *Node) IsLeader() bool { return n.raft.State() == raft.Leader }

// LeaderAddr returns the current leader's advertise address, or "" if
// unknown.
func (n *Node) LeaderAddr() string {
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

// Apply submits data to the Raft log and blocks until it's committed and
// applied, returning the FSM's Apply return value (or an error if the
// future itself failed). Returns errs.NoLeader when this node is not the
// leader; pkg/route checks leadership before calling Apply and forwards to
// the leader otherwise, returning an Apply error to its caller unretried.
func (n *Node) Apply(data []byte, timeout time.Duration) (interface{}, error) {
	if !n.IsLeader() {
		return nil, fmt.Errorf("%w: current leader is %s", errs.NoLeader, n.LeaderAddr())
	}
	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("apply: %w", err)
	}
	return future.Response(), nil
}

// Configuration returns the cluster's current membership.
func (n *Node) Configuration() ([]raft.Server, error) {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, err
	}
	return future.Configuration().Servers, nil
}

// Stats mirrors hashicorp/raft's GetRaftStats shape, used for diagnostics.
func (n *Node) Stats() map[string]any {
	stats := map[string]any{
		"state":             n.raft.State().String(),
		"last_log_index":    n.raft.LastIndex(),
		"applied_index":     n.raft.AppliedIndex(),
		"leader":            n.LeaderAddr(),
		"last_applied_disk": n.stable.LastAppliedLog(),
	}
	if servers, err := n.Configuration(); err == nil {
		stats["peers"] = len(servers)
	}
	return stats
}

// Shutdown stops Raft and releases the on-disk stores.
func (n *Node) Shutdown() error {
	if err := n.raft.Shutdown().Error(); err != nil {
		log.Errorf("raft shutdown", err)
	}
	n.transport.Close()
	if err := n.stable.Close(); err != nil {
		return err
	}
	return n.logStore.Close()
}

// logWriter adapts pkg/log onto the io.Writer hashicorp/raft/go-hclog
// expect for their own diagnostic output.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	log.WithComponent("raft").Debug().Msg(string(p))
	return len(p), nil
}
