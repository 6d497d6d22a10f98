package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()

	c.TaskReceived("tasks:high")
	c.TaskReceived("tasks:high")
	c.TaskReceived("tasks:low")
	c.AckFailed("tasks:low")
	c.TaskFinished("text", "", 2*time.Second)
	c.TaskFinished("image", "timeout", 40*time.Second)
	c.StreamFlushed()
	c.StoreRetried("canvas.patch", errors.New("connection reset"))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.tasksReceived.WithLabelValues("tasks:high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksReceived.WithLabelValues("tasks:low")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ackFailures.WithLabelValues("tasks:low")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksFinished.WithLabelValues("image", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.streamFlushes))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.storeRetries.WithLabelValues("canvas.patch")))
}

func TestCollectorsAreIndependent(t *testing.T) {
	a := NewCollector()
	b := NewCollector()
	a.StreamFlushed()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.streamFlushes))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.streamFlushes))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.TaskReceived("tasks:default")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `canvas_worker_tasks_received_total{source="tasks:default"} 1`)
}
