// Package supervisor implements the per-connector task registry of spec
// §4.F: it starts and stops tasks on assignment change and restarts tasks
// whose poll loop has gone quiet. There is no teacher analogue — quanta
// runs a single static pipeline compiled once at startup — so the
// registry and liveness-check scheduling here are built fresh from the
// spec text, using only the standard library's time package (no
// suitable third-party scheduler exists in the retrieved corpus for this
// narrow alignment computation).
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/flowcore/datastream/internal/logging"
	"github.com/flowcore/datastream/model"
	"github.com/flowcore/datastream/task"
)

// TaskFactory builds a fresh, not-yet-started Task for a datastream. The
// supervisor never constructs a Task directly: the concrete adapter and
// producer wiring is connector-specific and lives in cmd/engine.
type TaskFactory interface {
	NewTask(ds model.Datastream) (*task.Task, error)
}

type entry struct {
	task *task.Task
	ds   model.Datastream
}

// Supervisor maintains runningTasks keyed by datastream name (the task
// identity), diffing assignment changes and restarting non-live tasks.
type Supervisor struct {
	factory               TaskFactory
	daemonInterval        time.Duration
	nonGoodStateThreshold time.Duration
	cancelTaskTimeout     time.Duration
	logger                *slog.Logger

	mu    sync.Mutex
	tasks map[string]*entry

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Config is the subset of §6 task-level settings the supervisor's own
// scheduling needs; the rest of the table is per-task and lives in
// task.Deps.
type Config struct {
	DaemonInterval        time.Duration
	NonGoodStateThreshold time.Duration
	CancelTaskTimeout     time.Duration
}

func New(factory TaskFactory, cfg Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = logging.L()
	}
	return &Supervisor{
		factory:               factory,
		daemonInterval:        cfg.DaemonInterval,
		nonGoodStateThreshold: cfg.NonGoodStateThreshold,
		cancelTaskTimeout:     cfg.CancelTaskTimeout,
		logger:                logger,
		tasks:                 map[string]*entry{},
		stopCh:                make(chan struct{}),
		doneCh:                make(chan struct{}),
	}
}

// OnAssignmentChange diffs the desired datastream set against the running
// set: cancels removed tasks, updates the held snapshot (and conditionally
// reconciles pauses) for unchanged ids, and starts new ones.
func (s *Supervisor) OnAssignmentChange(ctx context.Context, desired []model.Datastream) error {
	s.mu.Lock()
	want := make(map[string]model.Datastream, len(desired))
	for _, ds := range desired {
		want[ds.Name] = ds
	}

	var toRemove []string
	for name := range s.tasks {
		if _, ok := want[name]; !ok {
			toRemove = append(toRemove, name)
		}
	}
	s.mu.Unlock()

	for _, name := range toRemove {
		s.removeTask(ctx, name)
	}

	for _, ds := range desired {
		s.mu.Lock()
		e, exists := s.tasks[ds.Name]
		s.mu.Unlock()

		if !exists {
			if err := s.startTask(ctx, ds); err != nil {
				s.logger.Error("start task failed", "datastream", ds.Name, "err", err)
			}
			continue
		}
		s.checkForUpdateTask(e, ds)
	}
	return nil
}

// checkForUpdateTask always refreshes the held snapshot (status and
// connection strings may have changed) but only requests a pause
// reconcile if pausedSourcePartitions actually differs — every other
// metadata change takes effect lazily on the next natural reconcile.
func (s *Supervisor) checkForUpdateTask(e *entry, next model.Datastream) {
	prevPaused, _ := e.ds.PausedSourcePartitions()
	nextPaused, _ := next.PausedSourcePartitions()

	e.task.UpdateDatastream(next)
	e.ds = next

	if !reflect.DeepEqual(prevPaused, nextPaused) {
		e.task.RequestPauseReconcile()
	}
}

func (s *Supervisor) startTask(ctx context.Context, ds model.Datastream) error {
	t, err := s.factory.NewTask(ds)
	if err != nil {
		return fmt.Errorf("supervisor: build task %q: %w", ds.Name, err)
	}
	if err := t.Start(ctx); err != nil {
		return fmt.Errorf("supervisor: start task %q: %w", ds.Name, err)
	}

	s.mu.Lock()
	s.tasks[ds.Name] = &entry{task: t, ds: ds}
	s.mu.Unlock()
	s.logger.Info("task started", "datastream", ds.Name)
	return nil
}

// removeTask stops a task with the configured grace period; it is removed
// from the registry regardless of whether the stop completed cleanly or
// timed out, since Stop() is cooperative and the task will eventually
// notice stopRequested even if this call does not wait for it.
func (s *Supervisor) removeTask(ctx context.Context, name string) {
	s.mu.Lock()
	e, ok := s.tasks[name]
	delete(s.tasks, name)
	s.mu.Unlock()
	if !ok {
		return
	}

	stopCtx, cancel := context.WithTimeout(ctx, s.cancelTaskTimeout)
	defer cancel()
	if err := e.task.Stop(stopCtx); err != nil {
		s.logger.Warn("task did not stop within cancelTaskTimeout", "datastream", name, "err", err)
	} else {
		s.logger.Info("task stopped", "datastream", name)
	}
}

// Run starts the periodic liveness check (spec §4.F) and blocks until ctx
// is done or Stop is called.
func (s *Supervisor) Run(ctx context.Context) {
	defer close(s.doneCh)

	timer := time.NewTimer(initialLivenessDelay(time.Now(), s.daemonInterval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-timer.C:
			s.checkLiveness(ctx)
			timer.Reset(s.daemonInterval)
		}
	}
}

// Stop ends the liveness loop. It does not stop the registered tasks; those
// are stopped by an OnAssignmentChange that no longer lists them.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// initialLivenessDelay aligns the first liveness check to an
// hourly-boundary-modulo-daemonInterval tick, so that instances across
// hosts do not all check at the same moment, bounded below by
// min(2 minutes, daemonInterval) to avoid an immediate re-check right
// after startup.
func initialLivenessDelay(now time.Time, daemonInterval time.Duration) time.Duration {
	if daemonInterval <= 0 {
		return 0
	}
	floor := 2 * time.Minute
	if daemonInterval < floor {
		floor = daemonInterval
	}

	hour := now.Truncate(time.Hour)
	sinceHour := now.Sub(hour)
	untilBoundary := daemonInterval - (sinceHour % daemonInterval)
	if untilBoundary < floor {
		untilBoundary += daemonInterval
	}
	return untilBoundary
}

func (s *Supervisor) checkLiveness(ctx context.Context) {
	s.mu.Lock()
	snapshot := make(map[string]*entry, len(s.tasks))
	for k, v := range s.tasks {
		snapshot[k] = v
	}
	s.mu.Unlock()

	now := time.Now()
	for name, e := range snapshot {
		if s.isLive(e.task, now) {
			continue
		}
		s.logger.Warn("task not live, restarting", "datastream", name, "state", e.task.State().String(), "lastPolled", e.task.LastPolled())
		s.restartTask(ctx, name, e.ds)
	}
}

// isLive reports whether a task's thread is alive and it has polled
// recently enough.
func (s *Supervisor) isLive(t *task.Task, now time.Time) bool {
	switch t.State() {
	case task.StateStopped, task.StateError:
		return false
	}
	last := t.LastPolled()
	if last.IsZero() {
		// Just started, hasn't had a chance to poll yet.
		return true
	}
	return now.Sub(last) < s.nonGoodStateThreshold
}

func (s *Supervisor) restartTask(ctx context.Context, name string, ds model.Datastream) {
	s.removeTask(ctx, name)
	if err := s.startTask(ctx, ds); err != nil {
		s.logger.Error("restart task failed", "datastream", name, "err", err)
	}
}

// Task returns the running task registered under name, if any — used by
// the control plane's PausePipeline RPC.
func (s *Supervisor) Task(name string) (*task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[name]
	if !ok {
		return nil, false
	}
	return e.task, true
}

// PauseDatastream applies a coarse-grained manual pause across every
// partition currently assigned to the named datastream's task. It reports
// whether a task with that name was found.
func (s *Supervisor) PauseDatastream(name string) bool {
	t, ok := s.Task(name)
	if !ok {
		return false
	}
	t.ManualPauseAll()
	return true
}

// Snapshot returns each registered task's diagnostics snapshot, keyed by
// datastream name.
func (s *Supervisor) Snapshot() map[string]task.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]task.Snapshot, len(s.tasks))
	for name, e := range s.tasks {
		out[name] = e.task.Snapshot()
	}
	return out
}
