package core

import (
	"testing"

	"canvas_worker/pkg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseTask(nodeType string, inputs map[string]any) pkg.Task {
	return pkg.Task{
		ExecutionID: "exec-1",
		NodeID:      "node-1",
		CanvasID:    "canvas-1",
		NodeType:    nodeType,
		Inputs:      inputs,
		APIKey:      "sk-task",
	}
}

func TestDecodeJobText(t *testing.T) {
	job, err := DecodeJob(baseTask("Display", map[string]any{
		"prompt":      "summarise",
		"provider":    "anthropic",
		"tokenBudget": 800,
		"unknown":     true,
	}))
	require.NoError(t, err)

	text, ok := job.(TextJob)
	require.True(t, ok)
	assert.Equal(t, KindText, text.Kind())
	assert.Equal(t, "summarise", text.Input.Prompt)
	assert.Equal(t, "anthropic", text.Input.Provider)
	assert.Equal(t, 800, text.Input.TokenBudget)
	assert.Equal(t, "sk-task", text.Meta().APIKey)
}

func TestDecodeJobMedia(t *testing.T) {
	job, err := DecodeJob(baseTask("image", map[string]any{"prompt": "a red fox", "size": "1024x1024"}))
	require.NoError(t, err)
	img, ok := job.(ImageJob)
	require.True(t, ok)
	assert.Equal(t, "1024x1024", img.Input.Size)

	job, err = DecodeJob(baseTask("video", map[string]any{"prompt": "waves", "duration": 5}))
	require.NoError(t, err)
	assert.Equal(t, KindVideo, job.Kind())
}

func TestDecodeJobRejects(t *testing.T) {
	_, err := DecodeJob(baseTask("sticker", nil))
	assert.ErrorIs(t, err, ErrUnsupportedKind)

	_, err = DecodeJob(baseTask("image", map[string]any{}))
	assert.ErrorIs(t, err, ErrInvalidTask, "image prompt is required")

	_, err = DecodeJob(baseTask("text", map[string]any{"provider": "mystery"}))
	assert.ErrorIs(t, err, ErrInvalidTask)

	_, err = DecodeJob(baseTask("text", map[string]any{"tokenBudget": "lots"}))
	assert.ErrorIs(t, err, ErrInvalidTask)

	task := baseTask("text", nil)
	task.CanvasID = ""
	_, err = DecodeJob(task)
	assert.ErrorIs(t, err, ErrInvalidTask)
}
