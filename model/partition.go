// Package model holds the wire-independent data model shared by every
// component of the task runtime: partitions, records, envelopes,
// datastream snapshots, and the small tagged values that flow through the
// task's internal update queue.
package model

import "fmt"

// Partition identifies a topic-partition pair, the ordering unit for all
// progress and pause state.
type Partition struct {
	Topic     string
	Partition int32
}

func (p Partition) String() string {
	return fmt.Sprintf("%s-%d", p.Topic, p.Partition)
}

// Less orders partitions by topic then partition number.
func (p Partition) Less(o Partition) bool {
	if p.Topic != o.Topic {
		return p.Topic < o.Topic
	}
	return p.Partition < o.Partition
}
