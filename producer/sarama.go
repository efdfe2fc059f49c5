package producer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"

	"github.com/flowcore/datastream/model"
)

// ErrClosed is returned by Send once the producer has been closed. Callers
// treat it as a fatal, non-retriable condition rather than a per-record
// send failure.
var ErrClosed = errors.New("producer: closed")

// ErrInvalidPartition is returned by Send when the record names a target
// partition the destination topic does not have. Identity partitioning can
// hit this when source and destination partition counts diverge; it is
// terminal, not retriable.
var ErrInvalidPartition = errors.New("producer: invalid target partition")

// Config is the sarama-producer-level configuration, mirroring the
// teacher's sink/kafka.Config but widened to an async, ack-tracked
// producer rather than a fire-and-forget sink.
type Config struct {
	Brokers     []string `koanf:"brokers"`
	RequiredAcks int16   `koanf:"required_acks"` // 1 or -1; 0 (unset) means 1
	Version     string   `koanf:"version"`
}

// SaramaProducer implements Producer on top of sarama's async producer,
// grounded on _examples/mohsanabbas-quanta/sink/kafka/driver_sarama.go,
// generalized to carry an AckFunc through ProducerMessage.Metadata and
// invoke it from the success/error channels instead of returning
// immediately after Push.
type SaramaProducer struct {
	cfg    Config
	client sarama.Client
	p      sarama.AsyncProducer

	inFlight atomic.Int64
	drained  chan struct{}
	drainMu  sync.Mutex

	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func NewSaramaProducer(cfg Config) (*SaramaProducer, error) {
	if cfg.RequiredAcks == 0 {
		cfg.RequiredAcks = int16(sarama.WaitForLocal)
	}
	ver := sarama.V2_8_0_0
	if cfg.Version != "" {
		v, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("producer: %w", err)
		}
		ver = v
	}

	sc := sarama.NewConfig()
	sc.Version = ver
	sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.RequiredAcks)
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true

	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("producer: new client: %w", err)
	}
	ap, err := sarama.NewAsyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("producer: new async producer: %w", err)
	}

	sp := &SaramaProducer{
		cfg:    cfg,
		client: client,
		p:      ap,
		stopCh: make(chan struct{}),
	}
	sp.wg.Add(2)
	go sp.readSuccesses()
	go sp.readErrors()
	return sp, nil
}

type ackMeta struct {
	ack AckFunc
}

func (sp *SaramaProducer) Send(rec model.ProducerRecord, ack AckFunc) error {
	dest, err := substituteDestination(rec.Destination, rec.Envelope)
	if err != nil {
		return err
	}
	topic, err := ParseDestinationTopic(dest)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic:    topic,
		Key:      sarama.ByteEncoder(rec.Envelope.Key),
		Value:    sarama.ByteEncoder(rec.Envelope.Value),
		Headers:  toRecordHeaders(rec.Envelope.Headers),
		Metadata: ackMeta{ack: ack},
	}
	if rec.TargetPartition != nil {
		if err := sp.validatePartition(topic, *rec.TargetPartition); err != nil {
			return err
		}
		msg.Partition = *rec.TargetPartition
	}

	sp.inFlight.Add(1)
	select {
	case sp.p.Input() <- msg:
		return nil
	case <-sp.stopCh:
		sp.inFlight.Add(-1)
		return ErrClosed
	}
}

// validatePartition rejects identity-partitioned sends whose target
// partition the destination topic does not have (spec's Open Question 2:
// this is terminal, not retriable, since the partition count mismatch
// will not resolve itself between retries).
func (sp *SaramaProducer) validatePartition(topic string, target int32) error {
	partitions, err := sp.client.Partitions(topic)
	if err != nil {
		return fmt.Errorf("producer: partitions for %q: %w", topic, err)
	}
	for _, p := range partitions {
		if p == target {
			return nil
		}
	}
	return fmt.Errorf("%w: topic %q has no partition %d", ErrInvalidPartition, topic, target)
}

func toRecordHeaders(h map[string][]byte) []sarama.RecordHeader {
	if len(h) == 0 {
		return nil
	}
	out := make([]sarama.RecordHeader, 0, len(h))
	for k, v := range h {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: v})
	}
	return out
}

// substituteDestination fills the "%s" placeholder in a destination
// connection string with the record's origin topic, per spec §4.E.1.
func substituteDestination(dest string, env model.Envelope) (string, error) {
	if !strings.Contains(dest, "%s") {
		return dest, nil
	}
	origin := env.Metadata[model.MetaOriginTopic]
	if origin == "" {
		return "", fmt.Errorf("producer: destination %q needs origin-topic substitution but envelope has none", dest)
	}
	return strings.Replace(dest, "%s", origin, 1), nil
}

// ParseDestinationTopic strips the scheme://host:port/ prefix a destination
// connection string carries, leaving the bare topic name sarama expects.
func ParseDestinationTopic(dest string) (string, error) {
	u, err := url.Parse(dest)
	if err != nil {
		return "", fmt.Errorf("producer: bad destination %q: %w", dest, err)
	}
	return strings.TrimPrefix(u.Path, "/"), nil
}

func (sp *SaramaProducer) readSuccesses() {
	defer sp.wg.Done()
	for msg := range sp.p.Successes() {
		sp.completeOne(msg.Metadata, nil)
	}
}

func (sp *SaramaProducer) readErrors() {
	defer sp.wg.Done()
	for perr := range sp.p.Errors() {
		sp.completeOne(perr.Msg.Metadata, perr.Err)
	}
}

func (sp *SaramaProducer) completeOne(meta any, err error) {
	if am, ok := meta.(ackMeta); ok && am.ack != nil {
		am.ack(err)
	}
	if sp.inFlight.Add(-1) == 0 {
		sp.drainMu.Lock()
		if d := sp.drained; d != nil {
			close(d)
			sp.drained = nil
		}
		sp.drainMu.Unlock()
	}
}

func (sp *SaramaProducer) Flush(ctx context.Context) error {
	for {
		if sp.inFlight.Load() == 0 {
			return nil
		}
		sp.drainMu.Lock()
		if sp.drained == nil {
			sp.drained = make(chan struct{})
		}
		d := sp.drained
		sp.drainMu.Unlock()

		select {
		case <-d:
			// loop again: inFlight may have been re-incremented by a
			// concurrent Send between the Load above and this wait.
		case <-ctx.Done():
			return ctx.Err()
		}
		if sp.inFlight.Load() == 0 {
			return nil
		}
	}
}

func (sp *SaramaProducer) Close() error {
	var err error
	sp.closeOnce.Do(func() {
		close(sp.stopCh)
		err = sp.p.Close()
		sp.wg.Wait()
		if cerr := sp.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
