package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/datastream/model"
)

func TestTracker_FlushlessSafeCommit(t *testing.T) {
	// S5: send offsets 0-9 on A-0; acks arrive 0,1,2,4,5,3,6,7,8,9.
	// After ack 2: safe=2 (commit = safe+1 = 3).
	// After ack 3 (making 0-5 contiguous): safe=5 (commit=6 once it fires).
	// After ack 9: safe=9 (commit=10).
	p := model.Partition{Topic: "A", Partition: 0}
	tr := New()

	resolvers := make([]func(), 10)
	for i := int64(0); i < 10; i++ {
		resolvers[i], _ = tr.Track(p, i)
	}

	ackOrder := []int64{0, 1, 2, 4, 5, 3, 6, 7, 8, 9}
	checkAfter := map[int64]int64{2: 2, 3: 5, 9: 9}

	for _, off := range ackOrder {
		resolvers[off]()
		if want, ok := checkAfter[off]; ok {
			safe, hasSafe := tr.AckCheckpoint(p)
			require.True(t, hasSafe)
			assert.Equal(t, want, safe, "after acking offset %d", off)
		}
	}

	safe, ok := tr.AckCheckpoint(p)
	require.True(t, ok)
	assert.Equal(t, int64(9), safe)
	assert.Equal(t, int64(0), tr.InFlightCount(p))
}

func TestTracker_InFlightCountTracksPending(t *testing.T) {
	p := model.Partition{Topic: "A", Partition: 0}
	tr := New()

	r0, _ := tr.Track(p, 0)
	tr.Track(p, 1)
	assert.Equal(t, int64(2), tr.InFlightCount(p))

	r0()
	assert.Equal(t, int64(1), tr.InFlightCount(p))
}

func TestTracker_ClearSeedsCommittedBase(t *testing.T) {
	p := model.Partition{Topic: "A", Partition: 0}
	tr := New()
	r0, _ := tr.Track(p, 0)
	r1, _ := tr.Track(p, 1)
	r0()
	r1()

	tr.Clear(map[model.Partition]int64{p: 1})

	safe, ok := tr.AckCheckpoint(p)
	require.True(t, ok)
	assert.Equal(t, int64(1), safe)
	assert.Equal(t, int64(0), tr.InFlightCount(p))
}

func TestTracker_GapHoldsBackCheckpoint(t *testing.T) {
	p := model.Partition{Topic: "A", Partition: 0}
	tr := New()
	r0, _ := tr.Track(p, 0)
	_, _ = tr.Track(p, 1)
	r2, _ := tr.Track(p, 2)

	r2() // ack offset 2 before 0 and 1
	_, ok := tr.AckCheckpoint(p)
	assert.False(t, ok, "checkpoint must not advance past a gap")

	r0()
	safe, ok := tr.AckCheckpoint(p)
	require.True(t, ok)
	assert.Equal(t, int64(0), safe, "offset 1 still unacked holds the checkpoint at 0")
}

func TestTracker_DiscardRemovesNodeWithoutAdvancingCheckpoint(t *testing.T) {
	p := model.Partition{Topic: "A", Partition: 0}
	tr := New()
	r0, _ := tr.Track(p, 0)
	_, d1 := tr.Track(p, 1) // offset 1's send turned out to have never happened
	r2, _ := tr.Track(p, 2)

	d1()
	assert.Equal(t, int64(2), tr.InFlightCount(p), "discard removes the node from the in-flight count")

	r2()
	_, ok := tr.AckCheckpoint(p)
	assert.False(t, ok, "checkpoint must not advance past offset 0, still unacked")

	r0()
	safe, ok := tr.AckCheckpoint(p)
	require.True(t, ok)
	assert.Equal(t, int64(2), safe, "with 1 discarded, 0 then 2 are contiguous")
}

func TestTracker_DiscardTailLeavesEarlierNodesResolvable(t *testing.T) {
	p := model.Partition{Topic: "A", Partition: 0}
	tr := New()
	r0, _ := tr.Track(p, 0)
	_, d1 := tr.Track(p, 1) // last tracked, discarded immediately (synchronous send error)

	d1()
	r0()

	safe, ok := tr.AckCheckpoint(p)
	require.True(t, ok)
	assert.Equal(t, int64(0), safe)
	assert.Equal(t, int64(0), tr.InFlightCount(p))
}
