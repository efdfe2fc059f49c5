package model

import (
	"encoding/json"
	"fmt"
)

// Status is the operator-visible lifecycle state of a datastream.
type Status string

const (
	StatusReady   Status = "READY"
	StatusPaused  Status = "PAUSED"
	StatusStopped Status = "STOPPED"
	StatusError   Status = "ERROR"
)

// Recognized datastream metadata keys (spec §3).
const (
	MetaPausedSourcePartitions = "pausedSourcePartitions"
	MetaStartPosition          = "startPosition"
	MetaGroupID                = "groupId"
	MetaIdentityPartitioning   = "identityPartitioning"
)

// Datastream is a read-only snapshot of a datastream definition, as handed
// to a task. It is replaced wholesale by the supervisor on every
// assignment-change pass; nothing mutates it in place.
type Datastream struct {
	Name                         string
	ConnectorName                string
	SourceConnectionString       string
	DestinationConnectionString  string
	Status                       Status
	Metadata                     map[string]string
}

// GroupID returns metadata.groupId if set, else the datastream name — the
// derivation rule in spec §4.E startup step 1.
func (d Datastream) GroupID() string {
	if g, ok := d.Metadata[MetaGroupID]; ok && g != "" {
		return g
	}
	return d.Name
}

// IdentityPartitioning reports whether destination partition should mirror
// source partition.
func (d Datastream) IdentityPartitioning() bool {
	v, ok := d.Metadata[MetaIdentityPartitioning]
	if !ok {
		return false
	}
	var b bool
	_ = json.Unmarshal([]byte(v), &b)
	return b
}

// PausedSourcePartitions parses the pausedSourcePartitions metadata value
// into topic -> set of partition-id-or-"*". Returns an empty map (not an
// error) when the key is absent.
func (d Datastream) PausedSourcePartitions() (map[string][]string, error) {
	raw, ok := d.Metadata[MetaPausedSourcePartitions]
	if !ok || raw == "" {
		return map[string][]string{}, nil
	}
	var out map[string][]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("model: pausedSourcePartitions metadata: %w", err)
	}
	return out, nil
}

// StartPosition parses the startPosition metadata value into
// partition-id -> offset. Returns a nil map (not an error) when the key is
// absent.
func (d Datastream) StartPosition() (map[int32]int64, error) {
	raw, ok := d.Metadata[MetaStartPosition]
	if !ok || raw == "" {
		return nil, nil
	}
	var strKeyed map[string]int64
	if err := json.Unmarshal([]byte(raw), &strKeyed); err != nil {
		return nil, fmt.Errorf("model: startPosition metadata: %w", err)
	}
	out := make(map[int32]int64, len(strKeyed))
	for k, v := range strKeyed {
		var p int32
		if _, err := fmt.Sscanf(k, "%d", &p); err != nil {
			return nil, fmt.Errorf("model: startPosition metadata: bad partition key %q: %w", k, err)
		}
		out[p] = v
	}
	return out, nil
}

// WithMetadata returns a copy of d with metadata replaced by merged, which
// must already contain every key of the original update request plus every
// key from d.Metadata that merged did not explicitly overwrite — callers
// are responsible for the "unknown keys are preserved" rule in §6; this
// helper just performs the shallow copy-on-write.
func (d Datastream) WithMetadata(merged map[string]string) Datastream {
	out := d
	out.Metadata = merged
	return out
}
