// Package timewheel implements the keyed, ordered-by-deadline collection
// ("TimeoutSet") used by the config long-poll table, the naming health
// wheels, and the bi-stream detector.
//
// Re-insertion is the common case (every beat/listen re-arms a deadline), so
// entries are lazily invalidated: Add pushes a new heap entry and bumps a
// generation counter for the key; Timeout pops entries whose generation is
// stale and skips them instead of doing an O(n) search to remove the old one.
package timewheel

import "container/heap"

// Set is a keyed, ordered-by-deadline collection of type K.
// Not safe for concurrent use; callers own it within a single actor.
type Set[K comparable] struct {
	items *itemHeap[K]
	gen   map[K]uint64
	next  uint64
}

// New returns an empty Set.
func New[K comparable]() *Set[K] {
	s := &Set[K]{
		items: &itemHeap[K]{},
		gen:   make(map[K]uint64),
	}
	heap.Init(s.items)
	return s
}

// Add (re-)arms key to fire at deadlineMillis. Any earlier pending entry for
// key becomes a no-op when it is eventually popped.
func (s *Set[K]) Add(deadlineMillis int64, key K) {
	s.next++
	g := s.next
	s.gen[key] = g
	heap.Push(s.items, entry[K]{deadline: deadlineMillis, key: key, gen: g})
}

// Remove cancels key; a pending heap entry for it, if any, becomes a no-op.
func (s *Set[K]) Remove(key K) {
	delete(s.gen, key)
}

// Contains reports whether key currently has a live (non-stale) deadline.
func (s *Set[K]) Contains(key K) bool {
	_, ok := s.gen[key]
	return ok
}

// Timeout pops and returns every key whose deadline is <= nowMillis,
// skipping entries superseded by a later Add or cancelled by Remove.
func (s *Set[K]) Timeout(nowMillis int64) []K {
	var out []K
	for s.items.Len() > 0 {
		top := (*s.items)[0]
		if top.deadline > nowMillis {
			break
		}
		heap.Pop(s.items)
		if g, ok := s.gen[top.key]; !ok || g != top.gen {
			continue // stale: cancelled or superseded by a later Add
		}
		delete(s.gen, top.key)
		out = append(out, top.key)
	}
	return out
}

// Len reports the number of live (non-stale) entries.
func (s *Set[K]) Len() int { return len(s.gen) }

type entry[K comparable] struct {
	deadline int64
	key      K
	gen      uint64
}

type itemHeap[K comparable] []entry[K]

func (h itemHeap[K]) Len() int            { return len(h) }
func (h itemHeap[K]) Less(i, j int) bool  { return h[i].deadline < h[j].deadline }
func (h itemHeap[K]) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *itemHeap[K]) Push(x interface{}) { *h = append(*h, x.(entry[K])) }
func (h *itemHeap[K]) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
