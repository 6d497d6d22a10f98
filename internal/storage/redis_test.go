package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"canvas_worker/pkg"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedisQueue needs a live server, e.g.
// CANVAS_TEST_REDIS_URL=redis://localhost:6379/15 go test ./internal/storage
func newTestRedisQueue(t *testing.T, workerID string) (*RedisQueue, string) {
	t.Helper()
	url := os.Getenv("CANVAS_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CANVAS_TEST_REDIS_URL not set")
	}

	q, err := NewRedisQueue(context.Background(), url, workerID)
	require.NoError(t, err)

	source := "test:tasks:" + uuid.NewString()
	t.Cleanup(func() {
		ctx := context.Background()
		q.client.Del(ctx, source, q.processingKey(source))
		q.Close()
	})
	return q, source
}

func TestRedisQueueReceiveAcknowledge(t *testing.T) {
	ctx := context.Background()
	q, source := newTestRedisQueue(t, "worker-a")

	require.NoError(t, q.Enqueue(ctx, source, pkg.Task{ExecutionID: "e1", NodeID: "n1", CanvasID: "c1", NodeType: "text"}))
	require.NoError(t, q.Enqueue(ctx, source, pkg.Task{ExecutionID: "e2", NodeID: "n1", CanvasID: "c1", NodeType: "text"}))

	d, err := q.Receive(ctx, source, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NoError(t, d.DecodeErr)
	assert.Equal(t, "e1", d.Task.ExecutionID)

	n, err := q.client.LLen(ctx, q.processingKey(source)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, q.Acknowledge(ctx, d))
	n, err = q.client.LLen(ctx, q.processingKey(source)).Result()
	require.NoError(t, err)
	assert.Zero(t, n)

	d, err = q.Receive(ctx, source, 0)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "e2", d.Task.ExecutionID)
	require.NoError(t, q.Acknowledge(ctx, d))

	d, err = q.Receive(ctx, source, 0)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestRedisQueueRecoverInFlight(t *testing.T) {
	ctx := context.Background()
	q, source := newTestRedisQueue(t, "worker-b")

	require.NoError(t, q.Enqueue(ctx, source, pkg.Task{ExecutionID: "e1", NodeID: "n1", CanvasID: "c1", NodeType: "text"}))
	d, err := q.Receive(ctx, source, 0)
	require.NoError(t, err)
	require.NotNil(t, d)

	// the worker dies here without acknowledging
	moved, err := q.RecoverInFlight(ctx, []string{source})
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	d, err = q.Receive(ctx, source, 0)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "e1", d.Task.ExecutionID)
}

func TestRedisQueueRecoverInFlightKeepsOrder(t *testing.T) {
	ctx := context.Background()
	q, source := newTestRedisQueue(t, "worker-c")

	for _, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, q.Enqueue(ctx, source, pkg.Task{ExecutionID: id, NodeID: "n1", CanvasID: "c1", NodeType: "text"}))
	}
	for i := 0; i < 3; i++ {
		d, err := q.Receive(ctx, source, 0)
		require.NoError(t, err)
		require.NotNil(t, d)
	}

	moved, err := q.RecoverInFlight(ctx, []string{source})
	require.NoError(t, err)
	assert.Equal(t, 3, moved)

	var got []string
	for {
		d, err := q.Receive(ctx, source, 0)
		require.NoError(t, err)
		if d == nil {
			break
		}
		got = append(got, d.Task.ExecutionID)
		require.NoError(t, q.Acknowledge(ctx, d))
	}
	assert.Equal(t, []string{"e1", "e2", "e3"}, got)
}

func TestRedisQueueRecoverLeavesOtherWorkersAlone(t *testing.T) {
	ctx := context.Background()
	a, source := newTestRedisQueue(t, "host-1-100-aaaa")
	b := NewRedisQueueFromClient(a.client, "host-1-200-bbbb")
	t.Cleanup(func() { a.client.Del(context.Background(), b.processingKey(source)) })

	require.NoError(t, a.Enqueue(ctx, source, pkg.Task{ExecutionID: "e1", NodeID: "n1", CanvasID: "c1", NodeType: "text"}))
	d, err := a.Receive(ctx, source, 0)
	require.NoError(t, err)
	require.NotNil(t, d)

	moved, err := b.RecoverInFlight(ctx, []string{source})
	require.NoError(t, err)
	assert.Zero(t, moved)

	d, err = b.Receive(ctx, source, 0)
	require.NoError(t, err)
	assert.Nil(t, d, "a live worker's in-flight task must not be delivered twice")
}
