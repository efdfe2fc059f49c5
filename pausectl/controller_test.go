package pausectl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/datastream/model"
)

func TestReconcile_WildcardAndExplicit(t *testing.T) {
	// S2: pausedSourcePartitions = {"A": ["*"], "B": ["0"]}, assignment
	// [A-0, B-0, B-1] -> paused set {A-0, B-0}.
	c := New()
	changed := c.SetManual(map[string][]string{"A": {"*"}, "B": {"0"}})
	require.True(t, changed)

	assigned := []model.Partition{
		{Topic: "A", Partition: 0},
		{Topic: "B", Partition: 0},
		{Topic: "B", Partition: 1},
	}
	toPause, toResume, desired := c.Reconcile(assigned, nil)
	assert.Empty(t, toResume)
	assert.Len(t, toPause, 2)
	assert.True(t, desired[model.Partition{Topic: "A", Partition: 0}])
	assert.True(t, desired[model.Partition{Topic: "B", Partition: 0}])
	assert.False(t, desired[model.Partition{Topic: "B", Partition: 1}])
}

func TestReconcile_ManualOverridesAuto(t *testing.T) {
	// S3 + S4: auto-pause A-0 for SEND_ERROR, then operator manually pauses
	// A-0; the auto entry is dropped in favor of manual. Clearing the
	// manual entry resumes A-0 (predicate never satisfied since it's gone).
	c := New()
	p := model.Partition{Topic: "A", Partition: 0}
	c.AutoPause(p, model.PauseEntry{Reason: model.ReasonSendError, ResumePredicate: func() bool { return false }})

	assigned := []model.Partition{p}
	toPause, _, desired := c.Reconcile(assigned, nil)
	assert.True(t, desired[p])
	assert.Len(t, toPause, 1)
	assert.Equal(t, model.ReasonSendError, c.AutoPaused()[p])

	c.SetManual(map[string][]string{"A": {"0"}})
	previously := desired
	_, _, desired2 := c.Reconcile(assigned, previously)
	assert.True(t, desired2[p])
	// auto entry for p must have been dropped once manual claimed it.
	_, stillAuto := c.AutoPaused()[p]
	assert.False(t, stillAuto)

	c.SetManual(map[string][]string{})
	toPause3, toResume3, desired3 := c.Reconcile(assigned, desired2)
	assert.Empty(t, toPause3)
	assert.Len(t, toResume3, 1)
	assert.False(t, desired3[p])
}

func TestReconcile_AutoResumesWhenPredicateSatisfied(t *testing.T) {
	c := New()
	p := model.Partition{Topic: "A", Partition: 0}
	resumeNow := false
	c.AutoPause(p, model.PauseEntry{Reason: model.ReasonExceededMaxInFlight, ResumePredicate: func() bool { return resumeNow }})

	assigned := []model.Partition{p}
	_, _, desired := c.Reconcile(assigned, nil)
	assert.True(t, desired[p])

	resumeNow = true
	_, toResume, desired2 := c.Reconcile(assigned, desired)
	assert.False(t, desired2[p])
	assert.Len(t, toResume, 1)
}

func TestPruneToAssigned_DropsRevokedAutoPauses(t *testing.T) {
	// Invariant 4: autoPaused ⊆ assigned after every onRevoked.
	c := New()
	kept := model.Partition{Topic: "A", Partition: 0}
	dropped := model.Partition{Topic: "A", Partition: 1}
	c.AutoPause(kept, model.PauseEntry{Reason: model.ReasonManual})
	c.AutoPause(dropped, model.PauseEntry{Reason: model.ReasonManual})

	c.PruneToAssigned([]model.Partition{kept})

	auto := c.AutoPaused()
	_, hasKept := auto[kept]
	_, hasDropped := auto[dropped]
	assert.True(t, hasKept)
	assert.False(t, hasDropped)
}

func TestSetManual_NoOpWhenUnchanged(t *testing.T) {
	c := New()
	assert.True(t, c.SetManual(map[string][]string{"A": {"0"}}))
	assert.False(t, c.SetManual(map[string][]string{"A": {"0"}}))
	assert.True(t, c.SetManual(map[string][]string{"A": {"0", "1"}}))
}
