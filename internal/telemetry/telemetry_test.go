package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledByDefault(t *testing.T) {
	assert.False(t, IsEnabled())

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerServesWhenEnabled(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)

	RecordQueueItem(QueueProcessed, "create")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "offlinesync_queue_items_total")
}

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(queueItems.WithLabelValues(QueueFailed, "update"))
	RecordQueueItem(QueueFailed, "update")
	assert.Equal(t, before+1, testutil.ToFloat64(queueItems.WithLabelValues(QueueFailed, "update")))

	SetQueuePending(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(queuePending))

	SetConflictsOpen(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(conflictsOpen))

	before = testutil.ToFloat64(conflicts.WithLabelValues("field_conflict", "merge"))
	RecordConflict("field_conflict", "merge")
	assert.Equal(t, before+1, testutil.ToFloat64(conflicts.WithLabelValues("field_conflict", "merge")))

	before = testutil.ToFloat64(syncCycles.WithLabelValues(CycleSuccess))
	ObserveSyncCycle(CycleSuccess, 20*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(syncCycles.WithLabelValues(CycleSuccess)))

	before = testutil.ToFloat64(requests.WithLabelValues("POST", "201"))
	ObserveRequest("POST", 201, time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(requests.WithLabelValues("POST", "201")))
}

func TestSetStatusIsExclusive(t *testing.T) {
	SetStatus("syncing")
	assert.Equal(t, 1.0, testutil.ToFloat64(status.WithLabelValues("syncing")))
	assert.Equal(t, 0.0, testutil.ToFloat64(status.WithLabelValues("online")))

	SetStatus("offline")
	assert.Equal(t, 0.0, testutil.ToFloat64(status.WithLabelValues("syncing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(status.WithLabelValues("offline")))
}
