// Package raftsnap implements the snapshot store: each snapshot directory
// holds a cbor header (meta.cbor) recording last_index/last_term/
// membership/node address map, and the FSM's serialized state as raw
// bytes (state.bin).
// Store satisfies hashicorp/raft's raft.SnapshotStore.
package raftsnap

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"

	"github.com/cfgmesh/cfgmesh/pkg/errs"
)

// Header is every snapshot's metadata, stored as meta.cbor in its directory.
type Header struct {
	Version            raft.SnapshotVersion `cbor:"1,keyasint"`
	ID                 string               `cbor:"2,keyasint"`
	Index              uint64               `cbor:"3,keyasint"`
	Term               uint64               `cbor:"4,keyasint"`
	Configuration      []byte               `cbor:"5,keyasint"` // cbor-encoded raft.Configuration
	ConfigurationIndex uint64               `cbor:"6,keyasint"`
	// NodeAddrs is the node-id -> advertise-address map, persisted here so
	// a restored follower knows how to reach every peer without a config
	// round trip.
	NodeAddrs map[uint64]string `cbor:"7,keyasint"`
	Size      int64             `cbor:"8,keyasint"`
}

// Store is a directory of immutable snapshot subdirectories, one per
// completed snapshot, plus an in-memory building flag preventing two
// builders from running concurrently.
type Store struct {
	dir string

	mu        sync.Mutex
	building  bool
	nodeAddrs func() map[uint64]string
}

// Open returns a Store rooted at dir, creating it if absent.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), dir, 0)
	}
	return &Store{dir: dir}, nil
}

var _ raft.SnapshotStore = (*Store)(nil)

// SetNodeAddrsProvider registers the callback Create consults for the
// node-id -> address map to embed in new snapshots. raftcore wires this
// once its transport is available; unset means new snapshots carry an
// empty map.
func (s *Store) SetNodeAddrsProvider(fn func() map[uint64]string) {
	s.mu.Lock()
	s.nodeAddrs = fn
	s.mu.Unlock()
}

func (s *Store) currentNodeAddrs() map[uint64]string {
	s.mu.Lock()
	fn := s.nodeAddrs
	s.mu.Unlock()
	if fn == nil {
		return map[uint64]string{}
	}
	return fn()
}

// Create implements raft.SnapshotStore. Only one builder may be in flight;
// a second concurrent Create returns errs.BuildInProgress, matching the
// file-store's single-writer contract.
func (s *Store) Create(version raft.SnapshotVersion, index, term uint64, configuration raft.Configuration, configurationIndex uint64, trans raft.Transport) (raft.SnapshotSink, error) {
	s.mu.Lock()
	if s.building {
		s.mu.Unlock()
		return nil, errs.BuildInProgress
	}
	s.building = true
	s.mu.Unlock()

	id := fmt.Sprintf("%d-%d-%s", term, index, uuid.New().String())
	dir := filepath.Join(s.dir, id+".tmp")
	if err := os.MkdirAll(dir, 0755); err != nil {
		s.release()
		return nil, errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), dir, 0)
	}

	cfgBytes, err := cbor.Marshal(configuration)
	if err != nil {
		s.release()
		return nil, err
	}

	hdr := Header{
		Version:            version,
		ID:                 id,
		Index:              index,
		Term:               term,
		Configuration:      cfgBytes,
		ConfigurationIndex: configurationIndex,
		NodeAddrs:          s.currentNodeAddrs(),
	}

	f, err := os.Create(filepath.Join(dir, "state.bin"))
	if err != nil {
		s.release()
		return nil, errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), dir, 0)
	}

	return &sink{store: s, id: id, dir: dir, file: f, header: hdr}, nil
}

func (s *Store) release() {
	s.mu.Lock()
	s.building = false
	s.mu.Unlock()
}

// List implements raft.SnapshotStore, newest first.
func (s *Store) List() ([]*raft.SnapshotMeta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), s.dir, 0)
	}

	var metas []*raft.SnapshotMeta
	for _, e := range entries {
		if !e.IsDir() || filepath.Ext(e.Name()) == ".tmp" {
			continue
		}
		hdr, err := readHeader(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue // skip unreadable/partial snapshots
		}
		meta, err := toMeta(hdr)
		if err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].Term != metas[j].Term {
			return metas[i].Term > metas[j].Term
		}
		return metas[i].Index > metas[j].Index
	})
	return metas, nil
}

// Open implements raft.SnapshotStore.
func (s *Store) Open(id string) (*raft.SnapshotMeta, io.ReadCloser, error) {
	dir := filepath.Join(s.dir, id)
	hdr, err := readHeader(dir)
	if err != nil {
		return nil, nil, err
	}
	meta, err := toMeta(hdr)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(filepath.Join(dir, "state.bin"))
	if err != nil {
		return nil, nil, errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), dir, 0)
	}
	return meta, f, nil
}

// NodeAddrs returns the persisted node address map for the most recent
// snapshot, used at startup to seed transport routing before the first
// heartbeat arrives.
func (s *Store) NodeAddrs() (map[uint64]string, error) {
	metas, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(metas) == 0 {
		return map[uint64]string{}, nil
	}
	hdr, err := readHeader(filepath.Join(s.dir, metas[0].ID))
	if err != nil {
		return nil, err
	}
	return hdr.NodeAddrs, nil
}

func readHeader(dir string) (*Header, error) {
	f, err := os.Open(filepath.Join(dir, "meta.cbor"))
	if err != nil {
		return nil, errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), dir, 0)
	}
	defer f.Close()
	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), dir, 0)
	}
	var hdr Header
	if err := cbor.Unmarshal(buf, &hdr); err != nil {
		return nil, errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), dir, 0)
	}
	return &hdr, nil
}

func toMeta(hdr *Header) (*raft.SnapshotMeta, error) {
	var cfg raft.Configuration
	if err := cbor.Unmarshal(hdr.Configuration, &cfg); err != nil {
		return nil, err
	}
	return &raft.SnapshotMeta{
		Version:            hdr.Version,
		ID:                 hdr.ID,
		Index:              hdr.Index,
		Term:               hdr.Term,
		Configuration:      cfg,
		ConfigurationIndex: hdr.ConfigurationIndex,
		Size:               hdr.Size,
	}, nil
}

