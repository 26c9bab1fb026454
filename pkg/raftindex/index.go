// Package raftindex implements a single index file: an 8-byte
// last_applied_log header followed by a cbor-encoded body carrying
// Raft's stable KV store, the membership configuration, and the node
// address map, all behind an exclusive OS file lock that aborts startup
// if a second instance opens the same data directory.
// (header-then-body layout, write_last_applied_log/write_index) and
// RaftIndexManager's db_lock.
package raftindex

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/raft"
	"golang.org/x/sys/unix"

	"github.com/cfgmesh/cfgmesh/pkg/errs"
)

const headerSize = 8

// body is the cbor-encoded tail of the index file.
type body struct {
	KV            map[string][]byte `cbor:"1,keyasint"`
	Uint          map[string]uint64 `cbor:"2,keyasint"`
	NodeAddrs     map[uint64]string `cbor:"3,keyasint"`
	Configuration []byte            `cbor:"4,keyasint"` // cbor-encoded raft.Configuration, empty until first set
}

func newBody() body {
	return body{
		KV:        make(map[string][]byte),
		Uint:      make(map[string]uint64),
		NodeAddrs: make(map[uint64]string),
	}
}

// Index is the single index file: raft.StableStore plus membership and
// node-address persistence, guarded by a process-exclusive file lock.
type Index struct {
	mu             sync.Mutex
	file           *os.File
	lockFile       *os.File
	lastAppliedLog uint64
	b              body
}

var _ raft.StableStore = (*Index)(nil)

// Open opens the index file under dir, creating it on first use, and
// takes an exclusive lock on dir/db_lock. A second Open against the same
// dir from another process fails immediately.
func Open(dir string) (*Index, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), dir, 0)
	}

	lockPath := filepath.Join(dir, "db_lock")
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), lockPath, 0)
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lockFile.Close()
		return nil, errs.WithPath(fmt.Errorf("%w: index directory %s already locked by another process: %v", errs.StorageIO, dir, err), lockPath, 0)
	}

	path := filepath.Join(dir, "raft.idx")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
		lockFile.Close()
		return nil, errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), path, 0)
	}

	idx := &Index{file: f, lockFile: lockFile, b: newBody()}
	if err := idx.load(); err != nil {
		idx.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) load() error {
	info, err := idx.file.Stat()
	if err != nil {
		return errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), idx.path(), 0)
	}
	if info.Size() < headerSize {
		return idx.writeLocked()
	}

	var header [headerSize]byte
	if _, err := idx.file.ReadAt(header[:], 0); err != nil {
		return errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), idx.path(), 0)
	}
	idx.lastAppliedLog = binary.BigEndian.Uint64(header[:])

	rest := make([]byte, info.Size()-headerSize)
	if _, err := idx.file.ReadAt(rest, headerSize); err != nil {
		return errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), idx.path(), headerSize)
	}
	if len(rest) == 0 {
		idx.b = newBody()
		return nil
	}
	var b body
	if err := cbor.Unmarshal(rest, &b); err != nil {
		return errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), idx.path(), headerSize)
	}
	if b.KV == nil {
		b.KV = make(map[string][]byte)
	}
	if b.Uint == nil {
		b.Uint = make(map[string]uint64)
	}
	if b.NodeAddrs == nil {
		b.NodeAddrs = make(map[uint64]string)
	}
	idx.b = b
	return nil
}

func (idx *Index) path() string { return idx.file.Name() }

// writeLocked persists both the header and body; caller must hold idx.mu.
func (idx *Index) writeLocked() error {
	var header [headerSize]byte
	binary.BigEndian.PutUint64(header[:], idx.lastAppliedLog)

	bodyBuf, err := cbor.Marshal(idx.b)
	if err != nil {
		return err
	}

	buf := make([]byte, 0, headerSize+len(bodyBuf))
	buf = append(buf, header[:]...)
	buf = append(buf, bodyBuf...)

	if err := idx.file.Truncate(int64(len(buf))); err != nil {
		return errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), idx.path(), 0)
	}
	if _, err := idx.file.WriteAt(buf, 0); err != nil {
		return errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), idx.path(), 0)
	}
	return idx.file.Sync()
}

// SetLastAppliedLog records the FSM's applied index, rewriting only the
// header per raftindex.rs's write_last_applied_log fast path.
func (idx *Index) SetLastAppliedLog(index uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.lastAppliedLog = index
	var header [headerSize]byte
	binary.BigEndian.PutUint64(header[:], index)
	if _, err := idx.file.WriteAt(header[:], 0); err != nil {
		return errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), idx.path(), 0)
	}
	return idx.file.Sync()
}

// LastAppliedLog returns the last persisted applied index.
func (idx *Index) LastAppliedLog() uint64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.lastAppliedLog
}

// Set implements raft.StableStore.
func (idx *Index) Set(key, val []byte) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.b.KV[string(key)] = append([]byte(nil), val...)
	return idx.writeLocked()
}

// Get implements raft.StableStore.
func (idx *Index) Get(key []byte) ([]byte, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	v, ok := idx.b.KV[string(key)]
	if !ok {
		return nil, errs.NotFound
	}
	return append([]byte(nil), v...), nil
}

// SetUint64 implements raft.StableStore.
func (idx *Index) SetUint64(key []byte, val uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.b.Uint[string(key)] = val
	return idx.writeLocked()
}

// GetUint64 implements raft.StableStore.
func (idx *Index) GetUint64(key []byte) (uint64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.b.Uint[string(key)], nil
}

// SetConfiguration persists the latest membership configuration (both
// current and joint-consensus "after" sets are captured inside
// raft.Configuration itself).
func (idx *Index) SetConfiguration(cfg raft.Configuration) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	buf, err := cbor.Marshal(cfg)
	if err != nil {
		return err
	}
	idx.b.Configuration = buf
	return idx.writeLocked()
}

// Configuration returns the last persisted membership configuration, or
// the zero value if none has been set yet.
func (idx *Index) Configuration() (raft.Configuration, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var cfg raft.Configuration
	if len(idx.b.Configuration) == 0 {
		return cfg, nil
	}
	if err := cbor.Unmarshal(idx.b.Configuration, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SetNodeAddr records node id's advertise address.
func (idx *Index) SetNodeAddr(nodeID uint64, addr string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.b.NodeAddrs[nodeID] = addr
	return idx.writeLocked()
}

// NodeAddrs returns a snapshot of the node-id -> address map.
func (idx *Index) NodeAddrs() map[uint64]string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make(map[uint64]string, len(idx.b.NodeAddrs))
	for k, v := range idx.b.NodeAddrs {
		out[k] = v
	}
	return out
}

// Close releases the index file and its exclusive lock.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	unix.Flock(int(idx.lockFile.Fd()), unix.LOCK_UN)
	idx.lockFile.Close()
	return idx.file.Close()
}
