// Package tracker implements the flushless in-flight offset tracker of
// spec §4.C.
//
// The compacting doubly-linked-list core is adapted from the teacher's
// generic Uncapped[T] (source/kafka/checkpoint.go in mohsanabbas-quanta):
// each Send appends a node carrying the sent offset; resolving a node out
// of order merges it into its predecessor instead of advancing the
// checkpoint, so the checkpoint only ever advances to a contiguous
// boundary — exactly the tie-break rule spec §4.C requires. The teacher
// tracks one such window globally, guarded by a blocking-acquire Capped[T]
// wrapper for backpressure; this spec needs one window per partition and
// replaces blocking acquire with the task loop's own declarative
// auto-pause (§4.E), so Capped's sync.Cond wait loop is not carried
// forward.
package tracker

import (
	"sync"

	"github.com/flowcore/datastream/model"
)

type node struct {
	pos, offset int64
	prev, next  *node
}

// window is one partition's compacting offset list.
type window struct {
	cpPos     int64
	cpOffset  int64
	hasCommit bool
	start     *node
	end       *node
}

func newWindow(committedBase int64, hasCommit bool) *window {
	return &window{cpOffset: committedBase, hasCommit: hasCommit}
}

// track appends offset to the tail of the window and returns a resolve
// closure and a discard closure; the caller must invoke exactly one of
// them, exactly once, for this offset. resolve merges the node into the
// checkpoint (advancing it when the node is the head). discard removes the
// node as if it had never been tracked, for an offset that turned out never
// to have been sent at all — it must not advance the checkpoint past an
// offset that was never delivered.
func (w *window) track(offset int64) (resolve, discard func()) {
	n := &node{offset: offset}
	if w.end != nil {
		n.prev = w.end
		n.pos = w.end.pos + 1
		w.end.next = n
	} else {
		n.pos = w.cpPos + 1
	}
	w.end = n
	if w.start == nil {
		w.start = n
	}

	resolve = func() {
		if n.prev != nil {
			n.prev.pos = n.pos
			n.prev.offset = n.offset
			n.prev.next = n.next
		} else {
			w.cpPos, w.cpOffset, w.hasCommit = n.pos, n.offset, true
			w.start = n.next
		}
		if n.next != nil {
			n.next.prev = n.prev
		} else {
			w.end = n.prev
		}
	}

	discard = func() {
		if n.prev != nil {
			n.prev.next = n.next
		} else {
			w.start = n.next
		}
		if n.next != nil {
			n.next.prev = n.prev
		} else {
			w.end = n.prev
		}
		for cur := n.next; cur != nil; cur = cur.next {
			cur.pos--
		}
	}

	return resolve, discard
}

func (w *window) pending() int64 {
	if w.end == nil {
		return 0
	}
	return w.end.pos - w.cpPos
}

func (w *window) safeOffset() (int64, bool) {
	return w.cpOffset, w.hasCommit
}

// Tracker maintains one window per partition.
type Tracker struct {
	mu      sync.Mutex
	windows map[model.Partition]*window
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{windows: map[model.Partition]*window{}}
}

func (t *Tracker) windowLocked(p model.Partition) *window {
	w, ok := t.windows[p]
	if !ok {
		w = newWindow(0, false)
		t.windows[p] = w
	}
	return w
}

// Track records that offset has been sent for p and is now in flight.
// Exactly one of the two returned closures must be invoked once: resolve
// from a successful ack, or discard if the send never actually happened
// (e.g. the producer rejected it before handing it off).
func (t *Tracker) Track(p model.Partition, offset int64) (resolve, discard func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.windowLocked(p).track(offset)
}

// InFlightCount returns the number of offsets currently in flight for p.
func (t *Tracker) InFlightCount(p model.Partition) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[p]
	if !ok {
		return 0
	}
	return w.pending()
}

// AckCheckpoint returns the safe offset for p (the largest offset such
// that every offset since the last committed base has been acknowledged),
// and false while no contiguous run from the oldest tracked offset has been
// acknowledged for p (an ack past an unacked gap does not count).
func (t *Tracker) AckCheckpoint(p model.Partition) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[p]
	if !ok {
		return 0, false
	}
	return w.safeOffset()
}

// InFlightMessageCounts returns a diagnostics snapshot of in-flight counts
// per partition.
func (t *Tracker) InFlightMessageCounts() map[model.Partition]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[model.Partition]int64, len(t.windows))
	for p, w := range t.windows {
		out[p] = w.pending()
	}
	return out
}

// Clear resets tracked windows after a successful flush+commit, seeding
// each partition's checkpoint with the value just committed so a
// subsequent AckCheckpoint call reports the committed value rather than
// "nothing acknowledged yet".
func (t *Tracker) Clear(committed map[model.Partition]int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.windows = make(map[model.Partition]*window, len(committed))
	for p, off := range committed {
		t.windows[p] = newWindow(off, true)
	}
}
