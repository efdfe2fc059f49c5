package model

// Metadata keys required (or optionally set) on every Envelope, per the
// wire format in spec §3.
const (
	MetaOriginCluster   = "origin-cluster"
	MetaOriginTopic     = "origin-topic"
	MetaOriginPartition = "origin-partition"
	MetaOriginOffset    = "origin-offset"
	MetaEventTimestamp  = "event-timestamp"
	MetaSourceTimestamp = "source-timestamp"
)

// Envelope is the internal representation a Record is translated into
// before being handed to the producer handle.
type Envelope struct {
	Key, Value []byte
	Headers    map[string][]byte
	Metadata   map[string]string
}

// ProducerRecord pairs an Envelope with everything the producer handle
// needs to route and checkpoint it: the destination connection string
// (with its origin-topic already substituted in), the source checkpoint
// token, an optional target partition, and the source event time.
type ProducerRecord struct {
	Envelope              Envelope
	Destination           string
	CheckpointToken       string
	TargetPartition       *int32
	EventsSourceTimestamp int64
}
