package supervisor

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
	"github.com/flowcore/datastream/task"
)

// minimalAdapter is a no-op kafka.Adapter: Poll blocks on the wakeup
// channel or context, enough to exercise a task's full lifecycle without
// ever delivering a record.
type minimalAdapter struct {
	mu       sync.Mutex
	wakeupCh chan struct{}
	closed   bool
}

func newMinimalAdapter() *minimalAdapter {
	return &minimalAdapter{wakeupCh: make(chan struct{}, 1)}
}

func (a *minimalAdapter) Subscribe(context.Context, []string, string, kafka.AssignmentListener) error {
	return nil
}
func (a *minimalAdapter) Poll(ctx context.Context, timeout time.Duration) (model.Batch, error) {
	select {
	case <-a.wakeupCh:
		return model.Batch{}, kafka.ErrWakeup
	case <-time.After(timeout):
		return model.Batch{}, nil
	case <-ctx.Done():
		return model.Batch{}, ctx.Err()
	}
}
func (a *minimalAdapter) Assignment() []model.Partition                        { return nil }
func (a *minimalAdapter) Paused() []model.Partition                            { return nil }
func (a *minimalAdapter) Pause([]model.Partition)                              {}
func (a *minimalAdapter) Resume([]model.Partition)                             {}
func (a *minimalAdapter) Seek(model.Partition, int64) error                    { return nil }
func (a *minimalAdapter) SeekToBeginning([]model.Partition) error              { return nil }
func (a *minimalAdapter) SeekToEnd([]model.Partition) error                    { return nil }
func (a *minimalAdapter) Committed(model.Partition) (int64, bool, error)       { return 0, false, nil }
func (a *minimalAdapter) CommitSync(map[model.Partition]int64) error           { return nil }
func (a *minimalAdapter) PartitionsFor(string) ([]kafka.PartitionInfo, error)  { return nil, nil }
func (a *minimalAdapter) Wakeup() {
	select {
	case a.wakeupCh <- struct{}{}:
	default:
	}
}
func (a *minimalAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

type minimalProducer struct{}

func (minimalProducer) Send(model.ProducerRecord, producer.AckFunc) error { return nil }
func (minimalProducer) Flush(context.Context) error                      { return nil }
func (minimalProducer) Close() error                                     { return nil }

type fakeFactory struct {
	mu      sync.Mutex
	built   []string
}

func (f *fakeFactory) NewTask(ds model.Datastream) (*task.Task, error) {
	f.mu.Lock()
	f.built = append(f.built, ds.Name)
	f.mu.Unlock()
	return task.New(task.Deps{
		Datastream: ds,
		Config:     config.TaskConfig{OffsetCommitInterval: time.Hour, RetrySleep: time.Millisecond, MaxRetryCount: 3, CancelTaskTimeout: time.Second},
		Adapter:    newMinimalAdapter(),
		Producer:   minimalProducer{},
		Topics:     []string{"A"},
	}), nil
}

func (f *fakeFactory) buildCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

func ds(name string, pausedJSON string) model.Datastream {
	meta := map[string]string{}
	if pausedJSON != "" {
		meta[model.MetaPausedSourcePartitions] = pausedJSON
	}
	return model.Datastream{Name: name, Status: model.StatusReady, Metadata: meta}
}

func TestSupervisor_StartsNewAndStopsRemovedTasks(t *testing.T) {
	factory := &fakeFactory{}
	s := New(factory, Config{DaemonInterval: time.Hour, NonGoodStateThreshold: time.Hour, CancelTaskTimeout: time.Second}, nil)

	require.NoError(t, s.OnAssignmentChange(context.Background(), []model.Datastream{ds("a", ""), ds("b", "")}))
	assert.Equal(t, 2, factory.buildCount())
	assert.Len(t, s.Snapshot(), 2)

	require.NoError(t, s.OnAssignmentChange(context.Background(), []model.Datastream{ds("a", "")}))
	assert.Len(t, s.Snapshot(), 1)
	_, stillThere := s.Snapshot()["a"]
	assert.True(t, stillThere)
}

func TestSupervisor_UpdateWithoutPauseChangeKeepsTask(t *testing.T) {
	factory := &fakeFactory{}
	s := New(factory, Config{DaemonInterval: time.Hour, NonGoodStateThreshold: time.Hour, CancelTaskTimeout: time.Second}, nil)

	require.NoError(t, s.OnAssignmentChange(context.Background(), []model.Datastream{ds("a", "")}))
	// Re-announcing the same assignment must not rebuild the task.
	require.NoError(t, s.OnAssignmentChange(context.Background(), []model.Datastream{ds("a", "")}))
	assert.Equal(t, 1, factory.buildCount())
}

func TestSupervisor_UpdateWithPauseChangeKeepsTask(t *testing.T) {
	factory := &fakeFactory{}
	s := New(factory, Config{DaemonInterval: time.Hour, NonGoodStateThreshold: time.Hour, CancelTaskTimeout: time.Second}, nil)

	require.NoError(t, s.OnAssignmentChange(context.Background(), []model.Datastream{ds("a", "")}))
	require.NoError(t, s.OnAssignmentChange(context.Background(), []model.Datastream{ds("a", `{"topicA":["*"]}`)}))
	// Still exactly one task instance; only its pause config changed.
	assert.Equal(t, 1, factory.buildCount())
}

func TestInitialLivenessDelay_AlignsToHourBoundaryWithFloor(t *testing.T) {
	interval := 5 * time.Minute
	hour := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	// Exactly on the hour: next boundary is a full interval away, which
	// exceeds the floor, so the delay is the untouched interval.
	d := initialLivenessDelay(hour, interval)
	assert.Equal(t, interval, d)

	// Four minutes past the hour, one minute before the next boundary: that
	// is below the 2-minute floor, so the supervisor waits a further
	// interval instead of checking almost immediately.
	nearBoundary := hour.Add(4 * time.Minute)
	d2 := initialLivenessDelay(nearBoundary, interval)
	assert.True(t, d2 >= 2*time.Minute, "expected delay >= floor, got %s", d2)
}

func TestInitialLivenessDelay_ZeroIntervalIsZero(t *testing.T) {
	assert.Equal(t, time.Duration(0), initialLivenessDelay(time.Now(), 0))
}
