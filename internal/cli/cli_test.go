package cli

import (
	"context"
	"fmt"
	"os"
	"testing"

	"canvas_worker/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTasks(t *testing.T) {
	single := `{"executionId":"e1","nodeId":"n1","canvasId":"c1","nodeType":"display","inputs":{"prompt":"hi"}}`
	tasks, err := parseTasks([]byte(single))
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "display", tasks[0].NodeType)
	assert.Equal(t, "hi", tasks[0].Inputs["prompt"])

	list := `[
		{"executionId":"e1","nodeId":"n1","canvasId":"c1","nodeType":"text"},
		{"executionId":"e1","nodeId":"n2","canvasId":"c1","nodeType":"image"}
	]`
	tasks, err = parseTasks([]byte(list))
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	_, err = parseTasks([]byte(`{"executionId":"e1"}`))
	assert.ErrorContains(t, err, "required")

	_, err = parseTasks([]byte("  "))
	assert.Error(t, err)
}

func TestBuildWorkerInMemory(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())

	w, err := buildWorker(context.Background(), cfg, false, zerolog.Nop())
	require.NoError(t, err)
	defer w.close()

	assert.NotNil(t, w.consumer)
	assert.NotNil(t, w.objects)
	assert.False(t, w.consumer.Stopping())
}

func TestCommandsNeedRedisQueue(t *testing.T) {
	cfg := config.Default()
	_, err := openRedisQueue(context.Background(), cfg)
	assert.ErrorContains(t, err, "needs redis")
}

func TestBuildCLICommands(t *testing.T) {
	root := BuildCLI()
	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"run", "enqueue", "requeue"}, names)
}

func TestResolveWorkerID(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.WorkerID = ""
	assert.False(t, resolveWorkerID(cfg, ""))
	first := cfg.Queue.WorkerID
	assert.Contains(t, first, fmt.Sprintf("-%d-", os.Getpid()))

	cfg.Queue.WorkerID = ""
	resolveWorkerID(cfg, "")
	assert.NotEqual(t, first, cfg.Queue.WorkerID, "generated ids must not collide within a host")

	cfg.Queue.WorkerID = "from-config"
	assert.True(t, resolveWorkerID(cfg, ""))
	assert.Equal(t, "from-config", cfg.Queue.WorkerID)

	assert.True(t, resolveWorkerID(cfg, "from-flag"))
	assert.Equal(t, "from-flag", cfg.Queue.WorkerID)
}
