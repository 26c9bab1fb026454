// Package raftlog implements a segmented append-only log: fixed-prefix
// segment files under a log directory, the latest open for append, prior
// segments read-only. Store (logstore.go) adapts Log to hashicorp/raft's
// raft.LogStore so the Raft core in pkg/raftcore can drive it, while Log
// itself exposes
// the segment-level contract (append/read/truncate_suffix/purge_prefix)
// a cycling log queue needs for compaction.
package raftlog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/cfgmesh/cfgmesh/pkg/errs"
)

// DefaultSegmentBytes is the rollover threshold for a single segment file.
const DefaultSegmentBytes = 64 * 1024 * 1024

// Record is the on-disk shape of one log entry, a superset of
// hashicorp/raft's raft.Log so no field is lost on the round trip.
type Record struct {
	Index      uint64 `cbor:"1,keyasint"`
	Term       uint64 `cbor:"2,keyasint"`
	Type       uint8  `cbor:"3,keyasint"`
	Data       []byte `cbor:"4,keyasint"`
	Extensions []byte `cbor:"5,keyasint"`
	AppendedAt int64  `cbor:"6,keyasint"` // unix nanos
}

// Log is the segmented append-only log store.
type Log struct {
	mu            sync.RWMutex
	dir           string
	segmentBytes  int64
	segments      []*segment // sorted ascending by firstIndex
	lastIndex     uint64
	lastTerm      uint64
}

type segment struct {
	firstIndex uint64
	path       string
	size       int64
	// offsets[i] is the byte offset of the record whose index is
	// firstIndex+i; populated lazily by the index scan at Open time.
	offsets []int64
	count   int
}

// Open opens or creates the segmented log under dir.
func Open(dir string, segmentBytes int64) (*Log, error) {
	if segmentBytes <= 0 {
		segmentBytes = DefaultSegmentBytes
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), dir, 0)
	}

	l := &Log{dir: dir, segmentBytes: segmentBytes}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), dir, 0)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var firstIndex uint64
		if _, err := fmt.Sscanf(name, "%020d", &firstIndex); err != nil {
			continue // not a segment file
		}
		seg, err := scanSegment(filepath.Join(dir, name), firstIndex)
		if err != nil {
			return nil, err
		}
		l.segments = append(l.segments, seg)
	}

	if len(l.segments) == 0 {
		seg, err := newSegment(dir, 1)
		if err != nil {
			return nil, err
		}
		l.segments = append(l.segments, seg)
	}

	if last := l.segments[len(l.segments)-1]; last.count > 0 {
		l.lastIndex = last.firstIndex + uint64(last.count) - 1
		rec, err := readAt(last.path, last.offsets[last.count-1])
		if err != nil {
			return nil, err
		}
		l.lastTerm = rec.Term
	} else if len(l.segments) > 1 {
		prev := l.segments[len(l.segments)-2]
		l.lastIndex = prev.firstIndex + uint64(prev.count) - 1
		rec, err := readAt(prev.path, prev.offsets[prev.count-1])
		if err != nil {
			return nil, err
		}
		l.lastTerm = rec.Term
	}

	return l, nil
}

func segmentName(firstIndex uint64) string {
	return fmt.Sprintf("%020d", firstIndex)
}

func newSegment(dir string, firstIndex uint64) (*segment, error) {
	path := filepath.Join(dir, segmentName(firstIndex))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), path, 0)
	}
	defer f.Close()
	return &segment{firstIndex: firstIndex, path: path}, nil
}

// scanSegment walks a segment file recording each record's byte offset so
// random reads don't need to re-decode from the start.
func scanSegment(path string, firstIndex uint64) (*segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), path, 0)
	}
	defer f.Close()

	seg := &segment{firstIndex: firstIndex, path: path}
	var offset int64
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), path, offset)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if _, err := f.Seek(int64(n), io.SeekCurrent); err != nil {
			return nil, errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), path, offset)
		}
		seg.offsets = append(seg.offsets, offset)
		seg.count++
		offset += 4 + int64(n)
	}
	seg.size = offset
	return seg, nil
}

func readAt(path string, offset int64) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), path, offset)
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), path, offset)
	}
	return readRecord(f, path, offset)
}

func readRecord(r io.Reader, path string, offset int64) (*Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), path, offset)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), path, offset)
	}
	var rec Record
	if err := cbor.Unmarshal(buf, &rec); err != nil {
		return nil, errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), path, offset)
	}
	return &rec, nil
}

func writeRecord(f *os.File, rec *Record) (int64, error) {
	buf, err := cbor.Marshal(rec)
	if err != nil {
		return 0, err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(buf)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		return 0, err
	}
	if _, err := f.Write(buf); err != nil {
		return 0, err
	}
	return int64(len(buf)) + 4, nil
}

// LastIndex returns the index of the most recently appended record, or 0
// if the log is empty.
func (l *Log) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndex
}

// FirstIndex returns the oldest index still present, or 0 if the log is
// empty.
func (l *Log) FirstIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, seg := range l.segments {
		if seg.count > 0 {
			return seg.firstIndex
		}
	}
	return 0
}

// Append stores entries, which must have strictly increasing indices equal
// to lastIndex+1... Flushes before returning (atomic within the segment).
func (l *Log) Append(entries []*Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(entries) == 0 {
		return nil
	}
	want := l.lastIndex + 1
	for _, e := range entries {
		if e.Index != want {
			return fmt.Errorf("%w: append out of order, want index %d got %d", errs.InvalidArgument, want, e.Index)
		}
		want++
	}

	cur := l.segments[len(l.segments)-1]
	if cur.size >= l.segmentBytes && cur.count > 0 {
		next, err := newSegment(l.dir, entries[0].Index)
		if err != nil {
			return err
		}
		l.segments = append(l.segments, next)
		cur = next
	}

	f, err := os.OpenFile(cur.path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), cur.path, cur.size)
	}
	defer f.Close()

	for _, e := range entries {
		off := cur.size
		n, err := writeRecord(f, e)
		if err != nil {
			return errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), cur.path, off)
		}
		cur.offsets = append(cur.offsets, off)
		cur.count++
		cur.size += n
		l.lastIndex = e.Index
		l.lastTerm = e.Term
	}
	return f.Sync()
}

// Read returns the slice of entries in [start, end]; missing indices past
// end are not an error. Returns errs.LogGap if start precedes the
// currently-retained prefix.
func (l *Log) Read(start, end uint64) ([]*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	first := uint64(0)
	for _, seg := range l.segments {
		if seg.count > 0 {
			first = seg.firstIndex
			break
		}
	}
	if first != 0 && start < first {
		return nil, fmt.Errorf("%w: start %d < retained first %d", errs.LogGap, start, first)
	}

	var out []*Record
	for idx := start; idx <= end && idx <= l.lastIndex; idx++ {
		rec, err := l.getLocked(idx)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Get returns the single record at idx, or nil if it does not exist.
func (l *Log) Get(idx uint64) (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.getLocked(idx)
}

func (l *Log) getLocked(idx uint64) (*Record, error) {
	for i := len(l.segments) - 1; i >= 0; i-- {
		seg := l.segments[i]
		if seg.count == 0 || idx < seg.firstIndex {
			continue
		}
		pos := int(idx - seg.firstIndex)
		if pos >= seg.count {
			continue
		}
		return readAt(seg.path, seg.offsets[pos])
	}
	return nil, nil
}

// TruncateSuffix drops all entries >= fromIndex, used on follower
// conflict resolution. Whole segments entirely >= fromIndex are removed;
// the segment straddling fromIndex is rewritten.
func (l *Log) TruncateSuffix(fromIndex uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var kept []*segment
	for _, seg := range l.segments {
		if seg.count == 0 || seg.firstIndex >= fromIndex {
			if seg.firstIndex >= fromIndex {
				if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
					return errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), seg.path, 0)
				}
				continue
			}
			kept = append(kept, seg)
			continue
		}
		if fromIndex > seg.firstIndex+uint64(seg.count)-1 {
			kept = append(kept, seg)
			continue
		}
		// fromIndex falls inside this segment: rewrite it truncated.
		cutPos := int(fromIndex - seg.firstIndex)
		if err := rewriteSegment(seg, cutPos); err != nil {
			return err
		}
		kept = append(kept, seg)
	}

	if len(kept) == 0 {
		next, err := newSegment(l.dir, fromIndex)
		if err != nil {
			return err
		}
		kept = append(kept, next)
	}
	l.segments = kept

	last := l.segments[len(l.segments)-1]
	if last.count > 0 {
		l.lastIndex = last.firstIndex + uint64(last.count) - 1
		rec, err := readAt(last.path, last.offsets[last.count-1])
		if err != nil {
			return err
		}
		l.lastTerm = rec.Term
	} else {
		l.lastIndex = last.firstIndex - 1
	}
	return nil
}

func rewriteSegment(seg *segment, keepCount int) error {
	tmpPath := seg.path + ".tmp"
	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), tmpPath, 0)
	}

	in, err := os.Open(seg.path)
	if err != nil {
		out.Close()
		return errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), seg.path, 0)
	}

	var newOffsets []int64
	var size int64
	for i := 0; i < keepCount; i++ {
		var lenBuf [4]byte
		if _, err := io.ReadFull(in, lenBuf[:]); err != nil {
			in.Close()
			out.Close()
			return errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), seg.path, size)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		buf := make([]byte, 4+int(n))
		binary.BigEndian.PutUint32(buf[:4], n)
		if _, err := io.ReadFull(in, buf[4:]); err != nil {
			in.Close()
			out.Close()
			return errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), seg.path, size)
		}
		if _, err := out.Write(buf); err != nil {
			in.Close()
			out.Close()
			return errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), tmpPath, size)
		}
		newOffsets = append(newOffsets, size)
		size += int64(len(buf))
	}
	in.Close()
	if err := out.Sync(); err != nil {
		out.Close()
		return errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), tmpPath, size)
	}
	out.Close()

	if err := os.Rename(tmpPath, seg.path); err != nil {
		return errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), seg.path, 0)
	}
	seg.offsets = newOffsets
	seg.count = keepCount
	seg.size = size
	return nil
}

// PurgePrefix removes whole segments entirely below throughIndex. Partial-
// segment purge is unsupported by design (keeps compaction O(segments)).
func (l *Log) PurgePrefix(throughIndex uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var kept []*segment
	for i, seg := range l.segments {
		lastOfSeg := seg.firstIndex + uint64(seg.count) - 1
		isLast := i == len(l.segments)-1
		if !isLast && seg.count > 0 && lastOfSeg < throughIndex {
			if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
				return errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), seg.path, 0)
			}
			continue
		}
		kept = append(kept, seg)
	}
	l.segments = kept
	return nil
}

// Close releases resources held by the log (currently a no-op, since
// segment files are opened per-operation).
func (l *Log) Close() error { return nil }
