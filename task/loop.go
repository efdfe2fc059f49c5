// Package task implements the per-datastream-task event loop of spec §4.E:
// the cooperative single-threaded state machine that subscribes to a
// source adapter, translates and forwards records, tracks delivery, and
// checkpoints safely. Grounded in shape on the teacher's pipeline runner
// (_examples/mohsanabbas-quanta/internal/pipeline/runner.go), which drives
// an analogous poll/transform/sink loop, though the teacher has no
// checkpoint, pause, or per-partition retry machinery of its own — those
// are built fresh here from §4.C/§4.D/§4.E/§4.G.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowcore/datastream/checkpoint"
	"github.com/flowcore/datastream/internal/config"
	"github.com/flowcore/datastream/internal/logging"
	"github.com/flowcore/datastream/internal/tracker"
	"github.com/flowcore/datastream/model"
	"github.com/flowcore/datastream/pausectl"
	"github.com/flowcore/datastream/producer"
	"github.com/flowcore/datastream/source/kafka"
)

// TopicReadiness is the optional destination-topic-readiness hook invoked
// synchronously from onAssigned, before the adapter can deliver any record
// for a newly assigned partition. Ready reports the subset of partitions
// that are not yet ready to receive records.
type TopicReadiness interface {
	Ready(ctx context.Context, ds model.Datastream, partitions []model.Partition) (notReady []model.Partition, err error)
}

// NoopTopicReadiness is the default hook: every partition is always ready.
type NoopTopicReadiness struct{}

func (NoopTopicReadiness) Ready(context.Context, model.Datastream, []model.Partition) ([]model.Partition, error) {
	return nil, nil
}

// Metrics is the optional telemetry sink a Task reports through.
type Metrics interface {
	ObserveProcessingDelay(datastream string, d time.Duration)
	ObservePollDuration(datastream string, d time.Duration)
	SetInFlight(p model.Partition, n int64)
	SetAssignedPartitions(datastream string, n int)
	IncPollError(datastream string)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) ObserveProcessingDelay(string, time.Duration) {}
func (NoopMetrics) ObservePollDuration(string, time.Duration)    {}
func (NoopMetrics) SetInFlight(model.Partition, int64)           {}
func (NoopMetrics) SetAssignedPartitions(string, int)            {}
func (NoopMetrics) IncPollError(string)                          {}

// Deps are the collaborators and configuration a Task is built from.
type Deps struct {
	Datastream   model.Datastream
	Config       config.TaskConfig
	Adapter      kafka.Adapter
	Producer     producer.Producer
	Topics       []string
	TopicPattern string
	Mirror       bool
	Readiness    TopicReadiness
	Metrics      Metrics
	Logger       *slog.Logger
}

// Task drives one datastream's consumer-producer loop (spec §4.E).
type Task struct {
	runID        string
	cfg          config.TaskConfig
	adapter      kafka.Adapter
	producer     producer.Producer
	topics       []string
	topicPattern string
	mirror       bool
	readiness    TopicReadiness
	metrics      Metrics
	logger       *slog.Logger

	tracker  *tracker.Tracker
	pauseCtl *pausectl.Controller
	policy   *checkpoint.Policy

	dsMu sync.RWMutex
	ds   model.Datastream

	startPosition map[int32]int64
	resetToBegin  bool

	updates  *updateQueue
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	state    stateBox
	lastPoll atomic.Int64

	failMu   sync.Mutex
	failures map[model.Partition]struct{}

	errMu    sync.Mutex
	fatalErr error
}

// New builds a Task ready to Start. The adapter must not yet be subscribed.
func New(d Deps) *Task {
	readiness := d.Readiness
	if readiness == nil {
		readiness = NoopTopicReadiness{}
	}
	metrics := d.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	logger := d.Logger
	if logger == nil {
		logger = logging.L()
	}

	startPosition, err := d.Datastream.StartPosition()
	if err != nil {
		logger.Warn("ignoring malformed startPosition metadata", "datastream", d.Datastream.Name, "err", err)
		startPosition = nil
	}

	resetToBegin := d.Mirror
	if v, ok := d.Datastream.Metadata["resetPolicy"]; ok && v == "latest" {
		resetToBegin = false
	}

	t := &Task{
		runID:         uuid.NewString(),
		cfg:           d.Config,
		adapter:       d.Adapter,
		producer:      d.Producer,
		topics:        d.Topics,
		topicPattern:  d.TopicPattern,
		mirror:        d.Mirror,
		readiness:     readiness,
		metrics:       metrics,
		logger:        logger,
		tracker:       tracker.New(),
		pauseCtl:      pausectl.New(),
		policy:        checkpoint.NewPolicy(d.Config.OffsetCommitInterval, time.Now()),
		ds:            d.Datastream,
		startPosition: startPosition,
		resetToBegin:  resetToBegin,
		updates:       newUpdateQueue(),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		failures:      map[model.Partition]struct{}{},
	}

	if manual, err := d.Datastream.PausedSourcePartitions(); err == nil {
		t.pauseCtl.SetManual(manual)
	} else {
		logger.Warn("ignoring malformed pausedSourcePartitions metadata", "datastream", d.Datastream.Name, "err", err)
	}

	return t
}

func (t *Task) currentDatastream() model.Datastream {
	t.dsMu.RLock()
	defer t.dsMu.RUnlock()
	return t.ds
}

// UpdateDatastream replaces the held snapshot. The caller (the supervisor)
// decides whether the pause metadata changed and, if so, also calls
// RequestPauseReconcile.
func (t *Task) UpdateDatastream(ds model.Datastream) {
	t.dsMu.Lock()
	t.ds = ds
	t.dsMu.Unlock()
	if manual, err := ds.PausedSourcePartitions(); err == nil {
		t.pauseCtl.SetManual(manual)
	}
}

// RequestPauseReconcile enqueues a reconciliation pass for the next loop
// iteration.
func (t *Task) RequestPauseReconcile() {
	t.updates.enqueue(model.TaskUpdate{Tag: model.PauseResumePartitions})
}

// ManualPauseAll installs a wildcard manual pause over every topic
// currently assigned to this task — the coarse-grained control-plane
// PausePipeline operation. Fine-grained per-topic/per-partition pause
// still goes through datastream metadata via UpdateDatastream.
func (t *Task) ManualPauseAll() {
	topics := map[string]bool{}
	for _, p := range t.adapter.Assignment() {
		topics[p.Topic] = true
	}
	manual := make(map[string][]string, len(topics))
	for topic := range topics {
		manual[topic] = []string{"*"}
	}
	t.pauseCtl.SetManual(manual)
	t.RequestPauseReconcile()
}

func (t *Task) State() State { return t.state.Load() }

// LastPolled is the timestamp of the most recent Poll return, used by the
// supervisor's liveness check (spec invariant 9).
func (t *Task) LastPolled() time.Time {
	ns := t.lastPoll.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Snapshot is the read-only diagnostics view of spec §6.
type Snapshot struct {
	Name                   string
	RunID                  string
	AutoPausedPartitions   map[model.Partition]model.PauseReason
	ManualPausedPartitions map[string][]string
	Assignment             []model.Partition
	InFlightCounts         map[model.Partition]int64
	Positions              map[model.Partition]int64
}

func (t *Task) Snapshot() Snapshot {
	auto := t.pauseCtl.AutoPaused()
	reasons := make(map[model.Partition]model.PauseReason, len(auto))
	for p, reason := range auto {
		reasons[p] = reason
	}
	assigned := t.adapter.Assignment()
	positions := make(map[model.Partition]int64, len(assigned))
	for _, p := range assigned {
		if off, ok, err := t.adapter.Committed(p); err == nil && ok {
			positions[p] = off
		}
	}
	return Snapshot{
		Name:                   t.currentDatastream().Name,
		RunID:                  t.runID,
		AutoPausedPartitions:   reasons,
		ManualPausedPartitions: t.pauseCtl.ManualPaused(),
		Assignment:             assigned,
		InFlightCounts:         t.tracker.InFlightMessageCounts(),
		Positions:              positions,
	}
}

// Start subscribes the source adapter and launches the loop goroutine.
func (t *Task) Start(ctx context.Context) error {
	if err := t.adapter.Subscribe(ctx, t.topics, t.topicPattern, t); err != nil {
		return fmt.Errorf("task: subscribe: %w", err)
	}
	t.logger.Info("task subscribed", "runId", t.runID)
	t.state.Store(StateRunning)
	go t.run(ctx)
	return nil
}

// Stop is idempotent (spec invariant 7): it requests shutdown once and
// every caller, concurrent or repeated, waits on the same completion.
func (t *Task) Stop(ctx context.Context) error {
	t.stopOnce.Do(func() {
		t.state.Store(StateStopping)
		close(t.stopCh)
		t.adapter.Wakeup()
	})
	select {
	case <-t.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) stopRequested() bool {
	select {
	case <-t.stopCh:
		return true
	default:
		return false
	}
}

func (t *Task) run(ctx context.Context) {
	defer close(t.doneCh)
	previouslyPaused := map[model.Partition]bool{}

	for {
		if t.stopRequested() {
			t.finalizeStop(nil)
			return
		}

		t.drainSendFailures()
		if t.updates.drain() {
			t.reconcilePauses(&previouslyPaused)
		}

		pollStart := time.Now()
		batch, err := t.adapter.Poll(ctx, t.cfg.PollTimeout())
		t.lastPoll.Store(time.Now().UnixNano())
		t.metrics.ObservePollDuration(t.currentDatastream().Name, time.Since(pollStart))

		if err != nil {
			if !t.handlePollError(ctx, err) {
				t.finalizeStop(err)
				return
			}
		} else if !batch.Empty() {
			readTime := time.Now()
			t.translateAndSend(ctx, batch)
			if d := time.Since(readTime); d > t.cfg.ProcessingDelayThreshold {
				t.metrics.ObserveProcessingDelay(t.currentDatastream().Name, d)
			}
		}

		if fatal := t.getFatal(); fatal != nil {
			t.finalizeStop(fatal)
			return
		}

		t.maybeCommit(ctx, false)
	}
}

func (t *Task) handlePollError(ctx context.Context, err error) bool {
	var noOffset *kafka.NoOffsetForPartitionError
	if errors.As(err, &noOffset) {
		t.seekForNoOffset(noOffset.Partitions)
		return true
	}

	var outOfRange *kafka.OffsetOutOfRangeError
	if errors.As(err, &outOfRange) {
		// Adapter-specific recovery hook; default behavior is to leave the
		// partition as-is and let the next poll surface the same error.
		return true
	}

	if errors.Is(err, kafka.ErrWakeup) {
		return true
	}

	if ctx.Err() != nil {
		return true
	}

	t.metrics.IncPollError(t.currentDatastream().Name)
	t.logger.Warn("transient poll error", "datastream", t.currentDatastream().Name, "err", err)
	return t.sleepRetry(ctx)
}

func (t *Task) seekForNoOffset(partitions []model.Partition) {
	var toBeginning, toEnd []model.Partition
	for _, p := range partitions {
		if off, ok := t.startPosition[p.Partition]; ok {
			if err := t.adapter.Seek(p, off); err != nil {
				t.logger.Error("seek to start position failed", "partition", p.String(), "err", err)
			}
			continue
		}
		if t.resetToBegin {
			toBeginning = append(toBeginning, p)
		} else {
			toEnd = append(toEnd, p)
		}
	}
	if len(toBeginning) > 0 {
		if err := t.adapter.SeekToBeginning(toBeginning); err != nil {
			t.logger.Error("seek to beginning failed", "err", err)
		}
	}
	if len(toEnd) > 0 {
		if err := t.adapter.SeekToEnd(toEnd); err != nil {
			t.logger.Error("seek to end failed", "err", err)
		}
	}
}

// sleepRetry blocks for retrySleep, honoring stop. It reports whether the
// loop should continue (false means stop was requested).
func (t *Task) sleepRetry(ctx context.Context) bool {
	timer := time.NewTimer(t.cfg.RetrySleep)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (t *Task) translateAndSend(ctx context.Context, batch model.Batch) {
	ds := t.currentDatastream()
	identity := ds.IdentityPartitioning()
	for _, p := range batch.Partitions() {
		for _, rec := range batch.For(p) {
			pr := translateRecord(rec, ds, t.mirror, identity)
			if !t.sendOne(ctx, p, rec, pr) {
				break
			}
			if t.getFatal() != nil {
				return
			}
		}
	}
}

// sendOne delivers one record, retrying synchronous send failures up to
// maxRetryCount. It returns false when the partition's inner loop must
// stop: retries exhausted (after running the §4.E.2 recovery) or a stop
// was requested mid-retry.
func (t *Task) sendOne(ctx context.Context, p model.Partition, rec model.Record, pr model.ProducerRecord) bool {
	var lastErr error
	for attempt := 0; attempt < t.cfg.MaxRetryCount; attempt++ {
		if t.stopRequested() {
			return false
		}
		if err := t.dispatch(p, pr); err != nil {
			lastErr = err
			if errors.Is(err, producer.ErrClosed) {
				t.setFatal(err)
				return false
			}
			if errors.Is(err, producer.ErrInvalidPartition) {
				t.logger.Error("terminal send failure, not retrying", "partition", p.String(), "offset", rec.Offset, "err", err)
				t.recoverPartitionAfterSendFailure(p)
				return false
			}
			t.logger.Warn("send failed, retrying", "partition", p.String(), "offset", rec.Offset, "attempt", attempt+1, "err", err)
			if !t.sleepRetry(ctx) {
				return false
			}
			continue
		}
		return true
	}
	t.logger.Error("send retries exhausted", "partition", p.String(), "offset", rec.Offset, "err", lastErr)
	t.recoverPartitionAfterSendFailure(p)
	return false
}

func (t *Task) dispatch(p model.Partition, pr model.ProducerRecord) error {
	if !t.cfg.FlushlessMode {
		return t.producer.Send(pr, func(err error) {
			if err != nil {
				t.onAsyncSendFailure(p)
			}
		})
	}

	offset, tokOK := offsetFromToken(pr.CheckpointToken, t.mirror)
	if !tokOK {
		return fmt.Errorf("task: malformed checkpoint token %q", pr.CheckpointToken)
	}
	resolve, discard := t.tracker.Track(p, offset)
	err := t.producer.Send(pr, func(err error) {
		if err == nil {
			resolve()
		} else {
			t.onAsyncSendFailure(p)
		}
	})
	if err != nil {
		discard()
		return err
	}

	if t.cfg.FlowControlEnabled {
		inFlight := t.tracker.InFlightCount(p)
		t.metrics.SetInFlight(p, inFlight)
		if inFlight > t.cfg.MaxInFlightMessagesThreshold {
			t.pauseCtl.AutoPause(p, model.PauseEntry{
				Reason:          model.ReasonExceededMaxInFlight,
				ResumePredicate: func() bool { return t.tracker.InFlightCount(p) <= t.cfg.MinInFlightMessagesThreshold },
			})
			t.updates.enqueue(model.TaskUpdate{Tag: model.PauseResumePartitions})
		}
	}
	return nil
}

func (t *Task) onAsyncSendFailure(p model.Partition) {
	t.failMu.Lock()
	t.failures[p] = struct{}{}
	t.failMu.Unlock()
	t.updates.enqueue(model.TaskUpdate{Tag: model.PauseResumePartitions})
}

func (t *Task) drainSendFailures() {
	t.failMu.Lock()
	if len(t.failures) == 0 {
		t.failMu.Unlock()
		return
	}
	failed := t.failures
	t.failures = map[model.Partition]struct{}{}
	t.failMu.Unlock()

	for p := range failed {
		t.recoverPartitionAfterSendFailure(p)
	}
}

// recoverPartitionAfterSendFailure implements the §4.E.2 recovery: seek
// back to the last committed offset (or start position), and optionally
// install an auto-pause so the partition backs off before being retried.
func (t *Task) recoverPartitionAfterSendFailure(p model.Partition) {
	committed, known, err := t.adapter.Committed(p)
	if err != nil {
		t.logger.Error("read committed offset for recovery failed", "partition", p.String(), "err", err)
	}
	var target int64
	haveTarget := false
	if known {
		target, haveTarget = committed, true
	} else if off, has := t.startPosition[p.Partition]; has {
		target, haveTarget = off, true
	}
	if haveTarget {
		if err := t.adapter.Seek(p, target); err != nil {
			t.logger.Error("seek back after send failure failed", "partition", p.String(), "err", err)
		}
	}

	if t.cfg.PausePartitionOnError {
		failedAt := time.Now()
		t.pauseCtl.AutoPause(p, model.PauseEntry{
			Reason:          model.ReasonSendError,
			ResumePredicate: func() bool { return time.Since(failedAt) >= t.cfg.PauseErrorDuration },
		})
	}
	t.updates.enqueue(model.TaskUpdate{Tag: model.PauseResumePartitions})
}

func (t *Task) reconcilePauses(previouslyPaused *map[model.Partition]bool) {
	assigned := t.adapter.Assignment()
	toPause, toResume, desired := t.pauseCtl.Reconcile(assigned, *previouslyPaused)
	if len(toPause) > 0 {
		t.adapter.Pause(toPause)
	}
	if len(toResume) > 0 {
		t.adapter.Resume(toResume)
	}
	*previouslyPaused = desired
	t.metrics.SetAssignedPartitions(t.currentDatastream().Name, len(assigned))
}

func (t *Task) maybeCommit(ctx context.Context, force bool) {
	now := time.Now()
	if !t.policy.Due(now, force) {
		return
	}
	assigned := t.adapter.Assignment()
	mode := checkpoint.Flushful
	if t.cfg.FlushlessMode {
		mode = checkpoint.Flushless
	}
	if err := checkpoint.Commit(ctx, mode, assigned, t.producer, t.adapter, t.tracker, force); err != nil {
		t.logger.Error("commit failed", "err", err)
	}
	t.policy.MarkCommitted(now)
}

func (t *Task) finalizeStop(cause error) {
	commitCtx, cancel := context.WithTimeout(context.Background(), t.cfg.CancelTaskTimeout)
	defer cancel()
	if cause == nil {
		t.maybeCommit(commitCtx, true)
	}
	_ = t.adapter.Close()
	_ = t.producer.Close()
	if cause != nil {
		t.logger.Error("task stopped on fatal error", "datastream", t.currentDatastream().Name, "err", cause)
		t.state.Store(StateError)
		return
	}
	t.state.Store(StateStopped)
}

func (t *Task) setFatal(err error) {
	t.errMu.Lock()
	if t.fatalErr == nil {
		t.fatalErr = err
	}
	t.errMu.Unlock()
}

func (t *Task) getFatal() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.fatalErr
}

// OnAssigned implements kafka.AssignmentListener.
func (t *Task) OnAssigned(ctx context.Context, partitions []model.Partition) error {
	t.updates.enqueue(model.TaskUpdate{Tag: model.PauseResumePartitions})

	notReady, err := t.readiness.Ready(ctx, t.currentDatastream(), partitions)
	if err != nil {
		return fmt.Errorf("task: topic readiness check: %w", err)
	}
	for _, p := range notReady {
		part := p
		t.pauseCtl.AutoPause(part, model.PauseEntry{
			Reason: model.ReasonTopicNotReady,
			ResumePredicate: func() bool {
				stillNotReady, err := t.readiness.Ready(context.Background(), t.currentDatastream(), []model.Partition{part})
				return err == nil && len(stillNotReady) == 0
			},
		})
	}
	if len(notReady) > 0 {
		// Applied synchronously so the adapter cannot deliver records for
		// these partitions in the poll that is delivering this assignment.
		t.adapter.Pause(notReady)
	}
	return nil
}

// OnRevoked implements kafka.AssignmentListener.
func (t *Task) OnRevoked(ctx context.Context, partitions []model.Partition) error {
	if t.State() != StateStopping {
		mode := checkpoint.Flushful
		if t.cfg.FlushlessMode {
			mode = checkpoint.Flushless
		}
		if err := checkpoint.Commit(ctx, mode, partitions, t.producer, t.adapter, t.tracker, true); err != nil {
			t.logger.Error("commit on revoke failed", "err", err)
		}
		t.policy.MarkCommitted(time.Now())
	}
	t.pauseCtl.PruneToAssigned(nil)
	t.updates.enqueue(model.TaskUpdate{Tag: model.PauseResumePartitions})
	return nil
}

func offsetFromToken(token string, mirror bool) (int64, bool) {
	parsed, err := model.ParseCheckpointToken(mirror, token)
	if err != nil {
		return 0, false
	}
	return parsed.Offset, true
}
