package task

import "github.com/flowcore/datastream/model"

// updateQueue is the task's lock-free, multi-producer single-consumer
// FIFO (spec §5): the supervisor, adapter assignment callbacks (running on
// the adapter's consume goroutine), producer ack callbacks, and flow-control
// code all enqueue; only the loop drains.
// Reconciliation is idempotent and re-reads current pause state rather than
// the update's payload, so duplicate or coalesced entries are harmless —
// draining only needs to know that at least one update arrived.
type updateQueue struct {
	ch chan model.TaskUpdate
}

func newUpdateQueue() *updateQueue {
	return &updateQueue{ch: make(chan model.TaskUpdate, 64)}
}

func (q *updateQueue) enqueue(u model.TaskUpdate) {
	select {
	case q.ch <- u:
	default:
		// queue full: a reconcile is already pending, this one is redundant.
	}
}

// drain reports whether at least one update was pending.
func (q *updateQueue) drain() bool {
	got := false
	for {
		select {
		case <-q.ch:
			got = true
		default:
			return got
		}
	}
}
