package model

import "time"

// TimestampKind classifies where a source record's timestamp originated.
type TimestampKind int

const (
	TimestampNone TimestampKind = iota
	TimestampCreate
	TimestampLogAppend
)

func (k TimestampKind) String() string {
	switch k {
	case TimestampCreate:
		return "create"
	case TimestampLogAppend:
		return "logAppend"
	default:
		return "none"
	}
}

// Record is a single source-side record, as returned by an Adapter's Poll.
type Record struct {
	Key, Value    []byte
	Topic         string
	Partition     int32
	Offset        int64
	Timestamp     time.Time
	TimestampKind TimestampKind
}

func (r Record) partition() Partition {
	return Partition{Topic: r.Topic, Partition: r.Partition}
}

// Batch groups records by partition while preserving each partition's
// offset order; the iteration order across partitions carries no meaning.
type Batch struct {
	byPartition map[Partition][]Record
	order       []Partition
}

// NewBatch builds a Batch from a flat slice of records, grouping them by
// partition and preserving the relative order in which each partition's
// records were appended.
func NewBatch(records []Record) Batch {
	b := Batch{byPartition: make(map[Partition][]Record)}
	for _, r := range records {
		p := r.partition()
		if _, ok := b.byPartition[p]; !ok {
			b.order = append(b.order, p)
		}
		b.byPartition[p] = append(b.byPartition[p], r)
	}
	return b
}

// Empty reports whether the batch carries no records.
func (b Batch) Empty() bool { return len(b.order) == 0 }

// Partitions returns the partitions present in the batch, in first-seen
// order.
func (b Batch) Partitions() []Partition {
	out := make([]Partition, len(b.order))
	copy(out, b.order)
	return out
}

// For returns the records for a partition in offset order.
func (b Batch) For(p Partition) []Record { return b.byPartition[p] }
