package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"canvas_worker/pkg"

	"github.com/bytedance/sonic"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyTerminal = errors.New("execution already in a terminal state")
)

// Delivery is one received message. Task is only meaningful when DecodeErr
// is nil; undecodable payloads are still delivered so they can be acked.
type Delivery struct {
	Source    string
	Handle    string
	Task      pkg.Task
	DecodeErr error
}

// TaskQueue is the task transport
type TaskQueue interface {
	// Receive waits at most wait for one task. It returns nil, nil when the
	// source stays empty.
	Receive(ctx context.Context, source string, wait time.Duration) (*Delivery, error)
	Acknowledge(ctx context.Context, d *Delivery) error
	Enqueue(ctx context.Context, source string, task pkg.Task) error
}

// ExecutionStore is the write side of the execution-record service
type ExecutionStore interface {
	MarkRunning(ctx context.Context, executionID, nodeID string) error
	// MarkTerminal returns ErrAlreadyTerminal if a terminal state was
	// already written
	MarkTerminal(ctx context.Context, executionID, nodeID string, status pkg.ExecutionStatus, output, errMsg string) error
}

// CanvasStore reads graphs and merges partial node updates
type CanvasStore interface {
	LoadGraph(ctx context.Context, canvasID string) (pkg.Graph, error)
	// PatchNodeData sets only the given keys of the node's data
	PatchNodeData(ctx context.Context, canvasID, nodeID string, patch pkg.NodePatch) error
}

// ObjectStore holds generated media and uploaded files
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// EncodeTask serializes a task for the queue
func EncodeTask(task pkg.Task) (string, error) {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	data, err := sonic.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task: %w", err)
	}
	return string(data), nil
}

// DecodeTask parses a queue payload
func DecodeTask(payload string) (pkg.Task, error) {
	var task pkg.Task
	if err := sonic.UnmarshalString(payload, &task); err != nil {
		return pkg.Task{}, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return task, nil
}

func newDelivery(source, payload string) *Delivery {
	task, err := DecodeTask(payload)
	return &Delivery{Source: source, Handle: payload, Task: task, DecodeErr: err}
}
