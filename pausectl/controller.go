// Package pausectl implements the pure pause-reconciliation state machine
// of spec §4.D: the union of operator-configured manual pauses and the
// task's own auto-pauses, restricted to the partitions currently assigned.
//
// The precedence and prune-on-revoke rules here are grounded directly in
// the Java original's AbstractKafkaBasedConnectorTask
// (_pausedPartitionsConfig, _autoPausedSourcePartitions,
// determinePartitionsToPause, retainAll): manual wins over auto on
// conflict, and auto entries are pruned to the assigned set on every
// revoke.
package pausectl

import (
	"sort"
	"strconv"
	"sync"

	"github.com/flowcore/datastream/model"
)

const wildcard = "*"

// Controller holds manual and auto pause state. It performs no I/O; actual
// adapter pause/resume calls happen in the task loop immediately before the
// next poll, driven by Reconcile's output.
type Controller struct {
	mu     sync.Mutex
	manual map[string]map[string]bool // topic -> partitionID|"*" -> true
	auto   map[model.Partition]model.PauseEntry
}

// New returns an empty Controller.
func New() *Controller {
	return &Controller{
		manual: map[string]map[string]bool{},
		auto:   map[model.Partition]model.PauseEntry{},
	}
}

// SetManual replaces the manual pause map wholesale. It returns true if the
// new map differs from the previous one, so callers can skip redundant
// reconciliation.
func (c *Controller) SetManual(next map[string][]string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	converted := make(map[string]map[string]bool, len(next))
	for topic, ids := range next {
		set := make(map[string]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		converted[topic] = set
	}

	if mapsEqual(c.manual, converted) {
		return false
	}
	c.manual = converted
	return true
}

func mapsEqual(a, b map[string]map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for topic, aset := range a {
		bset, ok := b[topic]
		if !ok || len(aset) != len(bset) {
			return false
		}
		for id := range aset {
			if !bset[id] {
				return false
			}
		}
	}
	return true
}

// AutoPause inserts or overwrites the auto-pause entry for a partition.
func (c *Controller) AutoPause(p model.Partition, entry model.PauseEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auto[p] = entry
}

// AutoPaused returns an immutable snapshot of the current auto-pause
// reasons, safe for concurrent diagnostics reads.
func (c *Controller) AutoPaused() map[model.Partition]model.PauseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[model.Partition]model.PauseReason, len(c.auto))
	for p, e := range c.auto {
		out[p] = e.Reason
	}
	return out
}

// ManualPaused returns an immutable snapshot of the current manual pause
// configuration.
func (c *Controller) ManualPaused() map[string][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]string, len(c.manual))
	for topic, set := range c.manual {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[topic] = ids
	}
	return out
}

// PruneToAssigned drops every auto-pause entry for a partition no longer in
// assigned. Called on revoke (invariant 4: autoPaused ⊆ assigned).
func (c *Controller) PruneToAssigned(assigned []model.Partition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keep := toSet(assigned)
	for p := range c.auto {
		if !keep[p] {
			delete(c.auto, p)
		}
	}
}

// Reconcile computes the desired pause set: manual ∪ auto, restricted to
// assigned, with auto entries whose resume predicate now returns true
// dropped first, and manual winning over auto when both name the same
// partition. It returns the partitions that need a fresh pause() call, the
// partitions that need a fresh resume() call, relative to previously
// paused, and the full desired set.
func (c *Controller) Reconcile(assigned []model.Partition, previouslyPaused map[model.Partition]bool) (toPause, toResume []model.Partition, desired map[model.Partition]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	assignedSet := toSet(assigned)
	desired = make(map[model.Partition]bool, len(assigned))

	manualExpanded := c.expandManualLocked(assigned)
	for p := range manualExpanded {
		if assignedSet[p] {
			desired[p] = true
		}
	}

	for p, entry := range c.auto {
		if !assignedSet[p] {
			delete(c.auto, p)
			continue
		}
		if desired[p] {
			// Manual wins; drop the now-redundant auto entry.
			delete(c.auto, p)
			continue
		}
		if entry.ShouldResume() {
			delete(c.auto, p)
			continue
		}
		desired[p] = true
	}

	for p := range desired {
		if !previouslyPaused[p] {
			toPause = append(toPause, p)
		}
	}
	for p := range previouslyPaused {
		if !desired[p] && assignedSet[p] {
			toResume = append(toResume, p)
		}
	}
	return toPause, toResume, desired
}

// expandManualLocked turns a "*" entry for topic T into every assigned
// partition of T, as observed at call time. The wildcard is re-expanded on
// every Reconcile, so partitions of T assigned later are paused at the next
// reconcile; it is not fixed to the partitions known when SetManual ran.
func (c *Controller) expandManualLocked(assigned []model.Partition) map[model.Partition]bool {
	out := map[model.Partition]bool{}
	for topic, ids := range c.manual {
		if ids[wildcard] {
			for _, p := range assigned {
				if p.Topic == topic {
					out[p] = true
				}
			}
			continue
		}
		for _, p := range assigned {
			if p.Topic == topic && ids[partitionKey(p.Partition)] {
				out[p] = true
			}
		}
	}
	return out
}

func partitionKey(p int32) string {
	return strconv.Itoa(int(p))
}

func toSet(ps []model.Partition) map[model.Partition]bool {
	out := make(map[model.Partition]bool, len(ps))
	for _, p := range ps {
		out[p] = true
	}
	return out
}
