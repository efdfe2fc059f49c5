// Package kafka implements the source adapter contract of spec §4.A on top
// of github.com/IBM/sarama's consumer-group API, the same library and
// general consumer-group shape the teacher's source/kafka package uses.
package kafka

import (
	"context"
	"time"

	"github.com/flowcore/datastream/model"
)

// AssignmentListener is notified synchronously, on the adapter's internal
// consume goroutine (not the goroutine calling Poll), when partitions are
// assigned or revoked, before any record of a newly assigned partition is
// handed to Poll — spec §4.E relies on
// this to pause not-ready destination topics before the very poll that
// would otherwise deliver their records.
type AssignmentListener interface {
	OnAssigned(ctx context.Context, partitions []model.Partition) error
	OnRevoked(ctx context.Context, partitions []model.Partition) error
}

// PartitionInfo describes one partition of a topic, as returned by
// PartitionsFor.
type PartitionInfo struct {
	Topic     string
	Partition int32
}

// Adapter is the source adapter contract of spec §4.A. Exactly one
// Subscribe call is valid per Adapter instance.
type Adapter interface {
	Subscribe(ctx context.Context, topics []string, pattern string, listener AssignmentListener) error

	// Poll blocks up to timeout and returns zero or more records grouped
	// and ordered per partition. It returns ErrWakeup if Wakeup was called
	// while blocked.
	Poll(ctx context.Context, timeout time.Duration) (model.Batch, error)

	Assignment() []model.Partition
	Paused() []model.Partition
	Pause(partitions []model.Partition)
	Resume(partitions []model.Partition)

	Seek(p model.Partition, offset int64) error
	SeekToBeginning(partitions []model.Partition) error
	SeekToEnd(partitions []model.Partition) error
	Committed(p model.Partition) (offset int64, ok bool, err error)
	CommitSync(offsets map[model.Partition]int64) error

	PartitionsFor(topic string) ([]PartitionInfo, error)

	// Wakeup causes any in-progress Poll to return ErrWakeup.
	Wakeup()

	// Close is idempotent.
	Close() error
}
