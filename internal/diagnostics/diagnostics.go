// Package diagnostics serves the two read-only endpoints of spec §6,
// keyed by datastream name, as plain JSON over net/http rather than
// through the thin protobuf control messages — grounded in shape on the
// teacher's internal/telemetry.Expose (an http.Handle call on a
// background goroutine), reused here for a second mux.
package diagnostics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/flowcore/datastream/task"
)

// Registry is the supervisor seam diagnostics reads from.
type Registry interface {
	Snapshot() map[string]task.Snapshot
}

type datastreamStateView struct {
	Name                   string                     `json:"name"`
	RunID                  string                     `json:"runId"`
	AutoPausedPartitions   map[string]pauseReasonView `json:"autoPausedPartitions"`
	ManualPausedPartitions map[string][]string        `json:"manualPausedPartitions"`
	Assignment             []string                   `json:"assignment"`
	InFlightCounts         map[string]int64           `json:"inFlightCounts"`
}

type pauseReasonView struct {
	Reason string `json:"reason"`
}

type positionEntry struct {
	Key   string `json:"key"`
	Value int64  `json:"value"`
}

// Handler builds the net/http handler serving datastreamState and
// position, meant to be mounted on the same mux as /metrics.
func Handler(reg Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/datastreamState", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		snap, ok := lookup(reg, name)
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, toStateView(name, snap))
	})
	mux.HandleFunc("/position", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		snap, ok := lookup(reg, name)
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, toPositionView(snap))
	})
	return mux
}

func lookup(reg Registry, name string) (task.Snapshot, bool) {
	if name == "" {
		return task.Snapshot{}, false
	}
	snap, ok := reg.Snapshot()[name]
	return snap, ok
}

func toStateView(name string, snap task.Snapshot) datastreamStateView {
	auto := make(map[string]pauseReasonView, len(snap.AutoPausedPartitions))
	for p, reason := range snap.AutoPausedPartitions {
		auto[p.String()] = pauseReasonView{Reason: reason.String()}
	}
	assignment := make([]string, 0, len(snap.Assignment))
	for _, p := range snap.Assignment {
		assignment = append(assignment, p.String())
	}
	inFlight := make(map[string]int64, len(snap.InFlightCounts))
	for p, n := range snap.InFlightCounts {
		inFlight[p.String()] = n
	}
	return datastreamStateView{
		Name:                   name,
		RunID:                  snap.RunID,
		AutoPausedPartitions:   auto,
		ManualPausedPartitions: snap.ManualPausedPartitions,
		Assignment:             assignment,
		InFlightCounts:         inFlight,
	}
}

// toPositionView renders one entry per assigned partition that has a
// committed offset (partitions without one are omitted), keyed by
// hostname so aggregation across hosts can merge by that prefix (spec
// §6: "Aggregation across hosts is by host-name keying").
func toPositionView(snap task.Snapshot) []positionEntry {
	host, _ := os.Hostname()
	out := make([]positionEntry, 0, len(snap.Positions))
	for p, offset := range snap.Positions {
		out = append(out, positionEntry{
			Key:   fmt.Sprintf("%s/%s", host, p.String()),
			Value: offset,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
