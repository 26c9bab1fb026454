// Package notify is the delayed, coalescing change notifier: repeated
// Notify calls for the same ServiceKey within a short window collapse
// into a single flush, so a burst of registrations/heartbeats triggers
// one push instead of one per instance. Adapted from a channel-based
// pub/sub broker's immediate fan-out into windowed coalescing.
package notify

import (
	"sync"
	"time"

	"github.com/cfgmesh/cfgmesh/pkg/types"
)

// DefaultWindow is how long pending keys are held before a flush.
const DefaultWindow = 100 * time.Millisecond

// FlushFunc receives the deduplicated set of keys that changed since the
// last flush.
type FlushFunc func([]types.ServiceKey)

// Notifier coalesces ServiceKey change notifications into periodic
// batched flushes.
type Notifier struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[types.ServiceKey]struct{}
	timer   *time.Timer
	flush   FlushFunc
}

// New returns a Notifier that calls flush with the pending key set after
// each coalescing window, using DefaultWindow.
func New(flush FlushFunc) *Notifier {
	return &Notifier{
		window:  DefaultWindow,
		pending: make(map[types.ServiceKey]struct{}),
		flush:   flush,
	}
}

// SetWindow overrides the coalescing window; must be called before the
// first Notify.
func (n *Notifier) SetWindow(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.window = d
}

// Notify marks key as changed. The first Notify after an empty pending
// set arms a timer; subsequent Notify calls before it fires just add to
// the same pending batch.
func (n *Notifier) Notify(key types.ServiceKey) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.pending[key] = struct{}{}
	if n.timer != nil {
		return
	}
	n.timer = time.AfterFunc(n.window, n.fire)
}

func (n *Notifier) fire() {
	n.mu.Lock()
	keys := make([]types.ServiceKey, 0, len(n.pending))
	for k := range n.pending {
		keys = append(keys, k)
	}
	n.pending = make(map[types.ServiceKey]struct{})
	n.timer = nil
	flush := n.flush
	n.mu.Unlock()

	if flush != nil && len(keys) > 0 {
		flush(keys)
	}
}

// Flush immediately fires any pending batch, bypassing the window. Used
// at shutdown to avoid dropping a final coalesced batch.
func (n *Notifier) Flush() {
	n.mu.Lock()
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	keys := make([]types.ServiceKey, 0, len(n.pending))
	for k := range n.pending {
		keys = append(keys, k)
	}
	n.pending = make(map[types.ServiceKey]struct{})
	flush := n.flush
	n.mu.Unlock()

	if flush != nil && len(keys) > 0 {
		flush(keys)
	}
}
