package kafka

import (
	"fmt"
	"strings"

	"github.com/flowcore/datastream/model"
)

// NoOffsetForPartitionError is returned by Poll when one or more assigned
// partitions have no committed offset and no explicit start position was
// configured.
type NoOffsetForPartitionError struct {
	Partitions []model.Partition
}

func (e *NoOffsetForPartitionError) Error() string {
	parts := make([]string, len(e.Partitions))
	for i, p := range e.Partitions {
		parts[i] = p.String()
	}
	return fmt.Sprintf("kafka: no offset for partitions: %s", strings.Join(parts, ", "))
}

// OffsetOutOfRangeError is returned by Poll when a committed or requested
// offset falls outside a partition's retained range.
type OffsetOutOfRangeError struct {
	ByPartition map[model.Partition]int64
}

func (e *OffsetOutOfRangeError) Error() string {
	return fmt.Sprintf("kafka: offset out of range for %d partition(s)", len(e.ByPartition))
}

// ErrWakeup is returned by Poll when Wakeup was called while it was
// blocked, or was already pending when Poll was entered.
type wakeupError struct{}

func (wakeupError) Error() string { return "kafka: poll woken up" }

// ErrWakeup is the sentinel value Poll returns on cancellation via Wakeup.
var ErrWakeup error = wakeupError{}
