package raftsnap

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/raft"

	"github.com/cfgmesh/cfgmesh/pkg/errs"
)

// sink is the in-progress snapshot builder returned by Store.Create. It
// writes the FSM byte stream to a temporary directory; Close finalizes it
// (header then rename into place), Cancel discards it.
type sink struct {
	store  *Store
	id     string
	dir    string
	file   *os.File
	header Header
	size   int64
	closed bool
}

var _ raft.SnapshotSink = (*sink)(nil)

// Write implements io.Writer, appending to the FSM state stream.
func (s *sink) Write(p []byte) (int, error) {
	n, err := s.file.Write(p)
	s.size += int64(n)
	if err != nil {
		return n, errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), s.dir, s.size)
	}
	return n, nil
}

// ID implements raft.SnapshotSink.
func (s *sink) ID() string { return s.id }

// Cancel implements raft.SnapshotSink, discarding the partial build.
func (s *sink) Cancel() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.file.Close()
	s.store.release()
	return os.RemoveAll(s.dir)
}

// Close implements raft.SnapshotSink: flushes the FSM stream, writes the
// header alongside it, and atomically renames the temp directory into its
// final id-named location.
func (s *sink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	defer s.store.release()

	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), s.dir, s.size)
	}
	if err := s.file.Close(); err != nil {
		return errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), s.dir, s.size)
	}

	s.header.Size = s.size
	buf, err := cbor.Marshal(s.header)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.dir, "meta.cbor"), buf, 0644); err != nil {
		return errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), s.dir, 0)
	}

	finalDir := filepath.Join(s.store.dir, s.id)
	if err := os.Rename(s.dir, finalDir); err != nil {
		return errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), finalDir, 0)
	}
	return nil
}
