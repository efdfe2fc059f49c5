package diagnostics

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowcore/datastream/model"
	"github.com/flowcore/datastream/task"
)

type fakeRegistry map[string]task.Snapshot

func (f fakeRegistry) Snapshot() map[string]task.Snapshot { return f }

func testSnapshot() task.Snapshot {
	p0 := model.Partition{Topic: "orders", Partition: 0}
	p1 := model.Partition{Topic: "orders", Partition: 1}
	return task.Snapshot{
		Name:  "orders-mirror",
		RunID: "11111111-1111-1111-1111-111111111111",
		AutoPausedPartitions: map[model.Partition]model.PauseReason{
			p1: model.ReasonSendError,
		},
		ManualPausedPartitions: map[string][]string{"orders": {"*"}},
		Assignment:             []model.Partition{p0, p1},
		InFlightCounts:         map[model.Partition]int64{p0: 3},
		Positions:              map[model.Partition]int64{p0: 100, p1: 42},
	}
}

func TestHandler_DatastreamStateRendersSnapshot(t *testing.T) {
	reg := fakeRegistry{"orders-mirror": testSnapshot()}
	h := Handler(reg)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/datastreamState?name=orders-mirror", nil)
	h.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var out datastreamStateView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "orders-mirror", out.Name)
	require.Equal(t, "11111111-1111-1111-1111-111111111111", out.RunID)
	require.ElementsMatch(t, []string{"orders-0", "orders-1"}, out.Assignment)
	require.Equal(t, "SEND_ERROR", out.AutoPausedPartitions["orders-1"].Reason)
	require.Equal(t, []string{"*"}, out.ManualPausedPartitions["orders"])
	require.Equal(t, int64(3), out.InFlightCounts["orders-0"])
}

func TestHandler_PositionListsOneEntryPerPartition(t *testing.T) {
	reg := fakeRegistry{"orders-mirror": testSnapshot()}
	h := Handler(reg)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/position?name=orders-mirror", nil)
	h.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var out []positionEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
}

func TestHandler_UnknownDatastreamIs404(t *testing.T) {
	h := Handler(fakeRegistry{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/datastreamState?name=missing", nil)
	h.ServeHTTP(rec, req)

	require.Equal(t, 404, rec.Code)
}
