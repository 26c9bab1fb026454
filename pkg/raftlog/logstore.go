package raftlog

import (
	"github.com/hashicorp/raft"
)

// Store adapts Log to raft.LogStore. hashicorp/raft owns term/index
// bookkeeping and conflict resolution; Store translates its calls onto the
// segment contract (append, read, truncate_suffix, purge_prefix).
type Store struct {
	log *Log
}

// NewStore wraps an opened Log as a raft.LogStore.
func NewStore(log *Log) *Store { return &Store{log: log} }

var _ raft.LogStore = (*Store)(nil)

// FirstIndex implements raft.LogStore.
func (s *Store) FirstIndex() (uint64, error) {
	return s.log.FirstIndex(), nil
}

// LastIndex implements raft.LogStore.
func (s *Store) LastIndex() (uint64, error) {
	return s.log.LastIndex(), nil
}

// GetLog implements raft.LogStore.
func (s *Store) GetLog(index uint64, out *raft.Log) error {
	rec, err := s.log.Get(index)
	if err != nil {
		return err
	}
	if rec == nil {
		return raft.ErrLogNotFound
	}
	fromRecord(rec, out)
	return nil
}

// StoreLog implements raft.LogStore.
func (s *Store) StoreLog(log *raft.Log) error {
	return s.StoreLogs([]*raft.Log{log})
}

// StoreLogs implements raft.LogStore. When the first entry's index is not
// the log's current head (a leader overwriting a follower's conflicting
// suffix), the suffix is truncated first.
func (s *Store) StoreLogs(logs []*raft.Log) error {
	if len(logs) == 0 {
		return nil
	}
	if first := logs[0].Index; first <= s.log.LastIndex() {
		if err := s.log.TruncateSuffix(first); err != nil {
			return err
		}
	}
	recs := make([]*Record, len(logs))
	for i, l := range logs {
		recs[i] = toRecord(l)
	}
	return s.log.Append(recs)
}

// DeleteRange implements raft.LogStore. hashicorp/raft calls this in two
// distinct situations that the segment store treats differently:
//   - compaction, after a snapshot: min is the current first index, max is
//     the new retained floor minus one -> purge_prefix(max+1).
//   - conflicting suffix removal: max is the current last index -> this is
//     handled by StoreLogs' own truncate-on-overwrite path instead, but
//     DeleteRange must still support being called directly with the same
//     semantics for callers that do so explicitly.
func (s *Store) DeleteRange(min, max uint64) error {
	if max >= s.log.LastIndex() {
		return s.log.TruncateSuffix(min)
	}
	return s.log.PurgePrefix(max + 1)
}

func toRecord(l *raft.Log) *Record {
	return &Record{
		Index:      l.Index,
		Term:       l.Term,
		Type:       uint8(l.Type),
		Data:       l.Data,
		Extensions: l.Extensions,
		AppendedAt: l.AppendedAt.UnixNano(),
	}
}

func fromRecord(r *Record, out *raft.Log) {
	out.Index = r.Index
	out.Term = r.Term
	out.Type = raft.LogType(r.Type)
	out.Data = r.Data
	out.Extensions = r.Extensions
	out.AppendedAt = unixNano(r.AppendedAt)
}
