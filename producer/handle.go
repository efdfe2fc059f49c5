// Package producer implements the transport-producer contract of spec §4.B:
// asynchronous forwarding of translated records with per-message delivery
// callbacks, grounded on the teacher's sink package
// (_examples/mohsanabbas-quanta/sink/adapter.go,
// sink/kafka/driver_sarama.go) generalized from a fire-and-forget Push into
// an ack-tracked Send.
package producer

import (
	"context"

	"github.com/flowcore/datastream/model"
)

// AckFunc is invoked exactly once per Send that returned nil (never when Send
// returns an error), from a producer-owned goroutine,
// with the delivery outcome. err is nil on success. Callers use this to
// resolve the in-flight tracker entry for the record's source offset.
type AckFunc func(err error)

// Producer is the transport-producer contract. Send never blocks on
// delivery; it returns once the record has been handed to the underlying
// client's internal buffering, or an error if it could not even be
// enqueued (e.g. producer already closed).
type Producer interface {
	Send(rec model.ProducerRecord, ack AckFunc) error

	// Flush blocks until every Send call that returned nil has had its
	// AckFunc invoked, or ctx is done.
	Flush(ctx context.Context) error

	Close() error
}
