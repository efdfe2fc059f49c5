package kafka

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/flowcore/datastream/internal/logging"
	"github.com/flowcore/datastream/model"
)

// SaramaAdapter implements Adapter on top of a sarama consumer group. It
// turns the group's callback-per-claim delivery model into the blocking
// Poll(timeout) contract the task loop expects, the same translation the
// teacher's SaramaDriver performs for its own Run(ctx, emit) loop, grounded
// on _examples/mohsanabbas-quanta/source/kafka/driver_sarama.go.
type SaramaAdapter struct {
	cfg Config

	client sarama.Client
	group  sarama.ConsumerGroup
	om     sarama.OffsetManager

	listener AssignmentListener

	recordsCh chan model.Record
	errCh     chan error
	wakeupCh  chan struct{}
	doneCh    chan struct{}

	sessionMu sync.RWMutex
	session   sarama.ConsumerGroupSession

	pomMu sync.Mutex
	poms  map[model.Partition]sarama.PartitionOffsetManager

	reseekMu sync.Mutex
	reseek   map[model.Partition]bool

	assignMu sync.RWMutex
	assigned map[model.Partition]bool
	paused   map[model.Partition]bool

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewSaramaAdapter constructs an adapter from driver config. The caller
// must still call Subscribe before Poll.
func NewSaramaAdapter(cfg Config) (*SaramaAdapter, error) {
	applyDefaults(&cfg)
	ver, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("kafka: %w", err)
	}

	sc := sarama.NewConfig()
	sc.Version = ver
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.AutoCommit.Enable = false
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	if cfg.TLSEnabled {
		sc.Net.TLS.Enable = true
	}
	if cfg.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = cfg.SASLUser
		sc.Net.SASL.Password = cfg.SASLPassword
	}

	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka: new client: %w", err)
	}
	group, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kafka: new consumer group: %w", err)
	}
	om, err := sarama.NewOffsetManagerFromClient(cfg.GroupID, client)
	if err != nil {
		_ = group.Close()
		_ = client.Close()
		return nil, fmt.Errorf("kafka: new offset manager: %w", err)
	}

	return &SaramaAdapter{
		cfg:       cfg,
		client:    client,
		group:     group,
		om:        om,
		recordsCh: make(chan model.Record, 4096),
		errCh:     make(chan error, 8),
		wakeupCh:  make(chan struct{}, 1),
		doneCh:    make(chan struct{}),
		poms:      map[model.Partition]sarama.PartitionOffsetManager{},
		reseek:    map[model.Partition]bool{},
		assigned:  map[model.Partition]bool{},
		paused:    map[model.Partition]bool{},
	}, nil
}

func (a *SaramaAdapter) Subscribe(ctx context.Context, topics []string, pattern string, listener AssignmentListener) error {
	a.listener = listener
	var re *regexp.Regexp
	if pattern != "" {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("kafka: bad topic pattern %q: %w", pattern, err)
		}
	}

	go a.runConsumeLoop(ctx, topics, re)
	return nil
}

func (a *SaramaAdapter) runConsumeLoop(ctx context.Context, staticTopics []string, pattern *regexp.Regexp) {
	defer close(a.doneCh)
	handler := &groupHandler{adapter: a}
	for {
		topics, err := a.resolveTopics(staticTopics, pattern)
		if err != nil {
			a.errCh <- err
		} else if err := a.group.Consume(ctx, topics, handler); err != nil {
			select {
			case a.errCh <- err:
			default:
				logging.L().Warn("kafka: dropping consume error, errCh full", "err", err)
			}
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-a.wakeupCh:
			return
		default:
		}
	}
}

func (a *SaramaAdapter) resolveTopics(static []string, pattern *regexp.Regexp) ([]string, error) {
	if pattern == nil {
		return static, nil
	}
	all, err := a.client.Topics()
	if err != nil {
		return nil, fmt.Errorf("kafka: list topics: %w", err)
	}
	matched := make([]string, 0, len(all))
	for _, t := range all {
		if pattern.MatchString(t) {
			matched = append(matched, t)
		}
	}
	return append(matched, static...), nil
}

func (a *SaramaAdapter) Poll(ctx context.Context, timeout time.Duration) (model.Batch, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var records []model.Record
	for {
		select {
		case rec := <-a.recordsCh:
			records = append(records, rec)
			// Drain whatever else is immediately ready without extending
			// the deadline, so a burst of records returns promptly.
			for drained := true; drained; {
				select {
				case rec := <-a.recordsCh:
					records = append(records, rec)
				default:
					drained = false
				}
			}
			return model.NewBatch(records), nil
		case err := <-a.errCh:
			return model.Batch{}, err
		case <-a.wakeupCh:
			return model.Batch{}, ErrWakeup
		case <-ctx.Done():
			return model.Batch{}, ctx.Err()
		case <-deadline.C:
			return model.NewBatch(records), nil
		}
	}
}

func (a *SaramaAdapter) Assignment() []model.Partition {
	a.assignMu.RLock()
	defer a.assignMu.RUnlock()
	out := make([]model.Partition, 0, len(a.assigned))
	for p := range a.assigned {
		out = append(out, p)
	}
	return out
}

func (a *SaramaAdapter) Paused() []model.Partition {
	a.assignMu.RLock()
	defer a.assignMu.RUnlock()
	out := make([]model.Partition, 0, len(a.paused))
	for p := range a.paused {
		out = append(out, p)
	}
	return out
}

func (a *SaramaAdapter) Pause(partitions []model.Partition) {
	a.group.Pause(toClaims(partitions))
	a.assignMu.Lock()
	for _, p := range partitions {
		a.paused[p] = true
	}
	a.assignMu.Unlock()
}

func (a *SaramaAdapter) Resume(partitions []model.Partition) {
	a.group.Resume(toClaims(partitions))
	a.assignMu.Lock()
	for _, p := range partitions {
		delete(a.paused, p)
	}
	a.assignMu.Unlock()
}

func (a *SaramaAdapter) withSession(fn func(sarama.ConsumerGroupSession)) {
	a.sessionMu.RLock()
	defer a.sessionMu.RUnlock()
	if a.session != nil {
		fn(a.session)
	}
}

func toClaims(partitions []model.Partition) map[string][]int32 {
	out := map[string][]int32{}
	for _, p := range partitions {
		out[p.Topic] = append(out[p.Topic], p.Partition)
	}
	return out
}

// Seek asks the partition to resume from offset. sarama's consumer-group
// API has no mid-session seek for group-managed partitions, so this
// commits the target offset and forces the whole generation to end; the
// next rejoin claims every partition starting from its committed offset.
// Coarser than a true per-partition seek, but it is the only mechanism
// sarama's high-level group consumer exposes.
func (a *SaramaAdapter) Seek(p model.Partition, offset int64) error {
	pom, err := a.partitionOffsetManager(p)
	if err != nil {
		return err
	}
	pom.MarkOffset(offset, "")
	a.om.Commit()

	a.reseekMu.Lock()
	a.reseek[p] = true
	a.reseekMu.Unlock()
	a.withSession(func(s sarama.ConsumerGroupSession) { s.ResetOffset(p.Topic, p.Partition, offset, "") })
	return nil
}

func (a *SaramaAdapter) SeekToBeginning(partitions []model.Partition) error {
	for _, p := range partitions {
		oldest, err := a.client.GetOffset(p.Topic, p.Partition, sarama.OffsetOldest)
		if err != nil {
			return fmt.Errorf("kafka: seek to beginning %s: %w", p, err)
		}
		if err := a.Seek(p, oldest); err != nil {
			return err
		}
	}
	return nil
}

func (a *SaramaAdapter) SeekToEnd(partitions []model.Partition) error {
	for _, p := range partitions {
		newest, err := a.client.GetOffset(p.Topic, p.Partition, sarama.OffsetNewest)
		if err != nil {
			return fmt.Errorf("kafka: seek to end %s: %w", p, err)
		}
		if err := a.Seek(p, newest); err != nil {
			return err
		}
	}
	return nil
}

func (a *SaramaAdapter) Committed(p model.Partition) (int64, bool, error) {
	pom, err := a.partitionOffsetManager(p)
	if err != nil {
		return 0, false, err
	}
	offset, _ := pom.NextOffset()
	if offset < 0 {
		return 0, false, nil
	}
	return offset, true, nil
}

func (a *SaramaAdapter) CommitSync(offsets map[model.Partition]int64) error {
	if len(offsets) == 0 {
		a.withSession(func(s sarama.ConsumerGroupSession) { s.Commit() })
		return nil
	}
	for p, offset := range offsets {
		pom, err := a.partitionOffsetManager(p)
		if err != nil {
			return err
		}
		pom.MarkOffset(offset, "")
	}
	a.om.Commit()
	return nil
}

func (a *SaramaAdapter) partitionOffsetManager(p model.Partition) (sarama.PartitionOffsetManager, error) {
	a.pomMu.Lock()
	defer a.pomMu.Unlock()
	if pom, ok := a.poms[p]; ok {
		return pom, nil
	}
	pom, err := a.om.ManagePartition(p.Topic, p.Partition)
	if err != nil {
		return nil, fmt.Errorf("kafka: manage partition offset %s: %w", p, err)
	}
	a.poms[p] = pom
	return pom, nil
}

func (a *SaramaAdapter) PartitionsFor(topic string) ([]PartitionInfo, error) {
	parts, err := a.client.Partitions(topic)
	if err != nil {
		return nil, fmt.Errorf("kafka: partitions for %s: %w", topic, err)
	}
	out := make([]PartitionInfo, len(parts))
	for i, p := range parts {
		out[i] = PartitionInfo{Topic: topic, Partition: p}
	}
	return out, nil
}

func (a *SaramaAdapter) Wakeup() {
	select {
	case a.wakeupCh <- struct{}{}:
	default:
	}
}

func (a *SaramaAdapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		a.Wakeup()
		a.pomMu.Lock()
		for _, pom := range a.poms {
			_ = pom.Close()
		}
		a.pomMu.Unlock()
		_ = a.om.Close()
		err = a.group.Close()
		_ = a.client.Close()
	})
	return err
}

// groupHandler adapts sarama's ConsumerGroupHandler callbacks to Adapter's
// AssignmentListener and record channel.
type groupHandler struct {
	adapter *SaramaAdapter
}

func (h *groupHandler) Setup(s sarama.ConsumerGroupSession) error {
	a := h.adapter
	a.sessionMu.Lock()
	a.session = s
	a.sessionMu.Unlock()

	var assigned []model.Partition
	for topic, parts := range s.Claims() {
		for _, p := range parts {
			assigned = append(assigned, model.Partition{Topic: topic, Partition: p})
		}
	}

	a.assignMu.Lock()
	a.assigned = map[model.Partition]bool{}
	for _, p := range assigned {
		a.assigned[p] = true
	}
	a.assignMu.Unlock()

	if a.listener != nil {
		if err := a.listener.OnAssigned(s.Context(), assigned); err != nil {
			return err
		}
	}
	return nil
}

func (h *groupHandler) Cleanup(s sarama.ConsumerGroupSession) error {
	a := h.adapter
	revoked := a.Assignment()

	a.sessionMu.Lock()
	a.session = nil
	a.sessionMu.Unlock()

	a.assignMu.Lock()
	a.assigned = map[model.Partition]bool{}
	a.paused = map[model.Partition]bool{}
	a.assignMu.Unlock()

	if a.listener != nil {
		return a.listener.OnRevoked(s.Context(), revoked)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	a := h.adapter
	p := model.Partition{Topic: claim.Topic(), Partition: claim.Partition()}
	for {
		a.reseekMu.Lock()
		needsReseek := a.reseek[p]
		if needsReseek {
			delete(a.reseek, p)
		}
		a.reseekMu.Unlock()
		if needsReseek {
			// Force this generation to end so the next rejoin re-claims
			// every partition at its freshly committed offset.
			return fmt.Errorf("kafka: seek requested on %s", p)
		}

		select {
		case <-sess.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			rec := model.Record{
				Key:       msg.Key,
				Value:     msg.Value,
				Topic:     msg.Topic,
				Partition: msg.Partition,
				Offset:    msg.Offset,
			}
			rec.Timestamp, rec.TimestampKind = classifyTimestamp(msg)
			select {
			case a.recordsCh <- rec:
				sess.MarkMessage(msg, "")
			case <-sess.Context().Done():
				return nil
			}
		}
	}
}

func classifyTimestamp(msg *sarama.ConsumerMessage) (time.Time, model.TimestampKind) {
	if !msg.Timestamp.IsZero() {
		if !msg.BlockTimestamp.IsZero() && msg.BlockTimestamp.Equal(msg.Timestamp) {
			return msg.Timestamp, model.TimestampLogAppend
		}
		return msg.Timestamp, model.TimestampCreate
	}
	return time.Time{}, model.TimestampNone
}
