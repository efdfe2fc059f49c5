package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/datastream/internal/config"
	"github.com/flowcore/datastream/model"
	"github.com/flowcore/datastream/producer"
	"github.com/flowcore/datastream/source/kafka"
)

// fakeAdapter is a minimal, scriptable kafka.Adapter for task-loop tests.
// Poll returns one batch from a queue per call, then blocks until Close.
type fakeAdapter struct {
	mu        sync.Mutex
	listener  kafka.AssignmentListener
	batches   chan model.Batch
	wakeupCh  chan struct{}
	assigned  []model.Partition
	paused    map[model.Partition]bool
	seeks     []model.Partition
	committed map[model.Partition]int64
	closed    bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		batches:   make(chan model.Batch, 8),
		wakeupCh:  make(chan struct{}, 1),
		paused:    map[model.Partition]bool{},
		committed: map[model.Partition]int64{},
	}
}

func (f *fakeAdapter) Subscribe(ctx context.Context, topics []string, pattern string, l kafka.AssignmentListener) error {
	f.listener = l
	return nil
}

func (f *fakeAdapter) Poll(ctx context.Context, timeout time.Duration) (model.Batch, error) {
	select {
	case b := <-f.batches:
		return b, nil
	case <-f.wakeupCh:
		return model.Batch{}, kafka.ErrWakeup
	case <-time.After(timeout):
		return model.Batch{}, nil
	case <-ctx.Done():
		return model.Batch{}, ctx.Err()
	}
}

func (f *fakeAdapter) Assignment() []model.Partition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Partition(nil), f.assigned...)
}

func (f *fakeAdapter) Paused() []model.Partition {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Partition, 0, len(f.paused))
	for p := range f.paused {
		out = append(out, p)
	}
	return out
}

func (f *fakeAdapter) Pause(partitions []model.Partition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range partitions {
		f.paused[p] = true
	}
}

func (f *fakeAdapter) Resume(partitions []model.Partition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range partitions {
		delete(f.paused, p)
	}
}

func (f *fakeAdapter) Seek(p model.Partition, offset int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeks = append(f.seeks, p)
	f.committed[p] = offset
	return nil
}

func (f *fakeAdapter) SeekToBeginning(partitions []model.Partition) error { return nil }
func (f *fakeAdapter) SeekToEnd(partitions []model.Partition) error       { return nil }

func (f *fakeAdapter) Committed(p model.Partition) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.committed[p]
	return v, ok, nil
}

func (f *fakeAdapter) CommitSync(offsets map[model.Partition]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for p, off := range offsets {
		f.committed[p] = off
	}
	return nil
}

func (f *fakeAdapter) PartitionsFor(topic string) ([]kafka.PartitionInfo, error) { return nil, nil }

func (f *fakeAdapter) Wakeup() {
	select {
	case f.wakeupCh <- struct{}{}:
	default:
	}
}

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeAdapter) setAssigned(p []model.Partition) {
	f.mu.Lock()
	f.assigned = p
	f.mu.Unlock()
}

// fakeProducer records every Send and acks synchronously and successfully
// unless told to fail.
type fakeProducer struct {
	mu      sync.Mutex
	sent    []model.ProducerRecord
	failAll bool
	flushed int
}

func (f *fakeProducer) Send(rec model.ProducerRecord, ack producer.AckFunc) error {
	f.mu.Lock()
	f.sent = append(f.sent, rec)
	fail := f.failAll
	f.mu.Unlock()
	if fail {
		ack(assert.AnError)
	} else {
		ack(nil)
	}
	return nil
}

func (f *fakeProducer) Flush(ctx context.Context) error {
	f.mu.Lock()
	f.flushed++
	f.mu.Unlock()
	return nil
}

func (f *fakeProducer) Close() error { return nil }

func testDatastream() model.Datastream {
	return model.Datastream{
		Name:                        "mirror-orders",
		SourceConnectionString:      "kafka://src:9092",
		DestinationConnectionString: "kafka://dst:9092/mirror.%s",
		Status:                      model.StatusReady,
		Metadata:                    map[string]string{},
	}
}

func TestTask_TranslatesAndSendsBatch(t *testing.T) {
	adapter := newFakeAdapter()
	prod := &fakeProducer{}
	p := model.Partition{Topic: "A", Partition: 0}
	adapter.setAssigned([]model.Partition{p})

	tk := New(Deps{
		Datastream: testDatastream(),
		Config:     config.TaskConfig{OffsetCommitInterval: time.Hour, RetrySleep: time.Millisecond, MaxRetryCount: 3, CancelTaskTimeout: time.Second},
		Adapter:    adapter,
		Producer:   prod,
		Topics:     []string{"A"},
		Mirror:     true,
	})

	require.NoError(t, tk.Start(context.Background()))
	adapter.batches <- model.NewBatch([]model.Record{{Topic: "A", Partition: 0, Offset: 0, Key: []byte("k"), Value: []byte("v")}})

	require.Eventually(t, func() bool {
		prod.mu.Lock()
		defer prod.mu.Unlock()
		return len(prod.sent) == 1
	}, time.Second, time.Millisecond)

	prod.mu.Lock()
	rec := prod.sent[0]
	prod.mu.Unlock()
	// Destination substitution ("%s" -> origin topic) happens inside the
	// producer handle, not during translation, so the raw template survives.
	assert.Equal(t, "kafka://dst:9092/mirror.%s", rec.Destination)
	assert.Equal(t, "A-0-0", rec.CheckpointToken)
	assert.Equal(t, "A", rec.Envelope.Metadata[model.MetaOriginTopic])
	assert.Equal(t, "0", rec.Envelope.Metadata[model.MetaOriginPartition])

	require.NoError(t, tk.Stop(context.Background()))
}

func TestTask_StopIsIdempotent(t *testing.T) {
	adapter := newFakeAdapter()
	prod := &fakeProducer{}
	tk := New(Deps{
		Datastream: testDatastream(),
		Config:     config.TaskConfig{OffsetCommitInterval: time.Hour, RetrySleep: time.Millisecond, MaxRetryCount: 3, CancelTaskTimeout: time.Second},
		Adapter:    adapter,
		Producer:   prod,
		Topics:     []string{"A"},
	})
	require.NoError(t, tk.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tk.Stop(context.Background()))
		}()
	}
	wg.Wait()
	assert.Equal(t, StateStopped, tk.State())
}

func TestTask_OnAssignedPausesNotReadyTopicsBeforeFirstPoll(t *testing.T) {
	adapter := newFakeAdapter()
	prod := &fakeProducer{}
	notReadyPartition := model.Partition{Topic: "B", Partition: 0}

	tk := New(Deps{
		Datastream: testDatastream(),
		Config:     config.TaskConfig{OffsetCommitInterval: time.Hour, RetrySleep: time.Millisecond, MaxRetryCount: 3, CancelTaskTimeout: time.Second},
		Adapter:    adapter,
		Producer:   prod,
		Topics:     []string{"A", "B"},
		Readiness:  fakeReadiness{notReady: []model.Partition{notReadyPartition}},
	})

	require.NoError(t, tk.Start(context.Background()))
	require.NoError(t, adapter.listener.OnAssigned(context.Background(), []model.Partition{{Topic: "A", Partition: 0}, notReadyPartition}))

	adapter.mu.Lock()
	paused := adapter.paused[notReadyPartition]
	adapter.mu.Unlock()
	assert.True(t, paused, "not-ready partition must be paused before the next poll")

	require.NoError(t, tk.Stop(context.Background()))
}

type fakeReadiness struct {
	notReady []model.Partition
}

func (f fakeReadiness) Ready(ctx context.Context, ds model.Datastream, partitions []model.Partition) ([]model.Partition, error) {
	set := map[model.Partition]bool{}
	for _, p := range f.notReady {
		set[p] = true
	}
	var out []model.Partition
	for _, p := range partitions {
		if set[p] {
			out = append(out, p)
		}
	}
	return out, nil
}
