// Package fsm is the deterministic Raft state machine: it applies the
// types.Command union coming out of the Raft log into the configuration
// store and the generic table store. It follows an Apply/Snapshot/Restore
// shape over a single command union, adapted from a JSON-encoded,
// single-store version to a cbor-encoded union spanning two stores and
// covering ConfigSet/ConfigDelete/ConfigFullValue/TableSet/TableRemove/
// NodeAddr ops.
package fsm

import (
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/raft"

	"github.com/cfgmesh/cfgmesh/pkg/errs"
	"github.com/cfgmesh/cfgmesh/pkg/types"
)

// ConfigApplier is the subset of configstore.Store the FSM drives.
type ConfigApplier interface {
	ApplySet(key types.ConfigKey, content string, configType types.ConfigType, desc, opUser string, nowMillis int64, historyID uint64) error
	ApplyDelete(key types.ConfigKey) error
	ApplyFullValue(key types.ConfigKey, value types.ConfigValue, lastSeqID uint64) error
	Dump() ([]byte, error)
	Load(data []byte) error
}

// TableApplier is the subset of table.Store the FSM drives.
type TableApplier interface {
	Set(table, key string, value []byte) error
	Remove(table, key string) error
	Tables() ([]string, error)
	ForEach(table string, fn func(key string, value []byte) error) error
}

// NodeAddrApplier persists the node-id -> address map alongside the rest
// of the replicated state so a restored follower knows how to reach every
// peer without waiting on a heartbeat.
type NodeAddrApplier interface {
	SetNodeAddr(nodeID uint64, addr string) error
	NodeAddrs() map[uint64]string
}

// FSM implements raft.FSM.
type FSM struct {
	mu        sync.RWMutex
	config    ConfigApplier
	tables    TableApplier
	nodeAddrs NodeAddrApplier
}

// New returns an FSM driving the given stores.
func New(config ConfigApplier, tables TableApplier, nodeAddrs NodeAddrApplier) *FSM {
	return &FSM{config: config, tables: tables, nodeAddrs: nodeAddrs}
}

var _ raft.FSM = (*FSM)(nil)

// Apply implements raft.FSM. It is the single place that mutates
// replicated state, and must be a pure function of (current state, log
// entry): no clocks, no randomness, no I/O besides the store writes
// themselves.
func (f *FSM) Apply(l *raft.Log) interface{} {
	var cmd types.Command
	if err := cbor.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case types.OpConfigSet:
		var c types.ConfigSetCommand
		if err := cbor.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.config.ApplySet(c.Key, c.Content, c.ConfigType, c.Desc, c.OpUser, c.NowMillis, c.HistoryID)

	case types.OpConfigDelete:
		var c types.ConfigDeleteCommand
		if err := cbor.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.config.ApplyDelete(c.Key)

	case types.OpConfigFullValue:
		var c types.ConfigFullValueCommand
		if err := cbor.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.config.ApplyFullValue(c.Key, c.Value, c.LastSeqID)

	case types.OpTableSet:
		var c types.TableCommand
		if err := cbor.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.tables.Set(c.Table, c.Key, c.Value)

	case types.OpTableRemove:
		var c types.TableCommand
		if err := cbor.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.tables.Remove(c.Table, c.Key)

	case types.OpNamespaceUpdate:
		var c types.TableCommand
		if err := cbor.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.tables.Set(c.Table, c.Key, c.Value)

	case types.OpNodeAddr:
		var c types.NodeAddrCommand
		if err := cbor.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.nodeAddrs.SetNodeAddr(c.NodeID, c.Address)

	default:
		return fmt.Errorf("%w: unknown command op %q", errs.InvalidArgument, cmd.Op)
	}
}

// dump is the cbor envelope a snapshot persists and restore consumes.
type dump struct {
	ConfigBytes []byte                       `cbor:"1,keyasint"`
	Tables      map[string]map[string][]byte `cbor:"2,keyasint"`
	NodeAddrs   map[uint64]string            `cbor:"3,keyasint"`
}

// Snapshot implements raft.FSM.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	configBytes, err := f.config.Dump()
	if err != nil {
		return nil, fmt.Errorf("dump config store: %w", err)
	}

	names, err := f.tables.Tables()
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	tables := make(map[string]map[string][]byte, len(names))
	for _, name := range names {
		rows := make(map[string][]byte)
		err := f.tables.ForEach(name, func(key string, value []byte) error {
			rows[key] = append([]byte(nil), value...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("dump table %s: %w", name, err)
		}
		tables[name] = rows
	}

	return &snapshot{d: dump{
		ConfigBytes: configBytes,
		Tables:      tables,
		NodeAddrs:   f.nodeAddrs.NodeAddrs(),
	}}, nil
}

// Restore implements raft.FSM.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	buf, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	var d dump
	if err := cbor.Unmarshal(buf, &d); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.config.Load(d.ConfigBytes); err != nil {
		return fmt.Errorf("restore config store: %w", err)
	}
	for table, rows := range d.Tables {
		for key, value := range rows {
			if err := f.tables.Set(table, key, value); err != nil {
				return fmt.Errorf("restore table %s: %w", table, err)
			}
		}
	}
	for nodeID, addr := range d.NodeAddrs {
		if err := f.nodeAddrs.SetNodeAddr(nodeID, addr); err != nil {
			return fmt.Errorf("restore node addr: %w", err)
		}
	}
	return nil
}

// snapshot implements raft.FSMSnapshot over the cbor-encoded dump.
type snapshot struct {
	d dump
}

// Persist implements raft.FSMSnapshot, writing through the sink that
// pkg/raftsnap hands back (this is the state body; the sink writes the
// header when it is closed).
func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		buf, err := cbor.Marshal(s.d)
		if err != nil {
			return err
		}
		if _, err := sink.Write(buf); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release implements raft.FSMSnapshot.
func (s *snapshot) Release() {}
