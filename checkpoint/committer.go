package checkpoint

import (
	"context"

	"github.com/flowcore/datastream/model"
)

// Mode selects how Commit computes and applies a checkpoint.
type Mode int

const (
	// Flushful flushes the producer before every commit and commits the
	// adapter's current session offsets.
	Flushful Mode = iota
	// Flushless commits each partition's tracker-derived safe offset
	// without flushing the producer, except on a hard commit.
	Flushless
)

// Flusher is satisfied by producer.Producer.
type Flusher interface {
	Flush(ctx context.Context) error
}

// PartitionCommitter is satisfied by source/kafka.Adapter. An empty or nil
// offsets map commits whatever offsets the adapter already has pending
// (flushful mode); a populated map commits exactly those offsets
// (flushless mode).
type PartitionCommitter interface {
	CommitSync(offsets map[model.Partition]int64) error
}

// SafeOffsets is satisfied by internal/tracker.Tracker.
type SafeOffsets interface {
	AckCheckpoint(p model.Partition) (offset int64, ok bool)
	Clear(committed map[model.Partition]int64)
}

// Commit executes one commit cycle per spec §4.G. hard additionally flushes
// the producer and clears the tracker in flushless mode, used when a task
// is stopping or partitions are revoked.
func Commit(ctx context.Context, mode Mode, assigned []model.Partition, producer Flusher, adapter PartitionCommitter, tracker SafeOffsets, hard bool) error {
	switch mode {
	case Flushful:
		if err := producer.Flush(ctx); err != nil {
			return err
		}
		return adapter.CommitSync(nil)

	case Flushless:
		offsets := make(map[model.Partition]int64, len(assigned))
		for _, p := range assigned {
			safe, ok := tracker.AckCheckpoint(p)
			if !ok {
				continue
			}
			offsets[p] = safe + 1
		}
		if len(offsets) == 0 {
			return nil
		}
		if err := adapter.CommitSync(offsets); err != nil {
			return err
		}
		if hard {
			if err := producer.Flush(ctx); err != nil {
				return err
			}
			tracker.Clear(offsets)
		}
		return nil

	default:
		return nil
	}
}
