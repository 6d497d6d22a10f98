package core

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"canvas_worker/internal/storage"
	"canvas_worker/pkg"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// finalizeTimeout bounds the terminal writes, which run detached from the
// task context so a cancelled task still reaches a terminal state
const finalizeTimeout = 15 * time.Second

// unknownKind labels tasks that failed before their kind was known
const unknownKind = "unknown"

// Handler executes one kind of job
type Handler interface {
	Kind() Kind
	Execute(ctx context.Context, job Job, node *NodeWriter) (Result, error)
}

// Result is a successful execution. Patch is merged into the node together
// with the complete status; Output goes to the execution record.
type Result struct {
	Output string
	Patch  pkg.NodePatch
}

// ReasonRecordNotFinalized marks a completed node whose execution record could
// not be moved out of running
const ReasonRecordNotFinalized = "record_not_finalized"

// Recorder receives task outcomes, e.g. for metrics
type Recorder interface {
	TaskFinished(kind, reason string, d time.Duration)
	StreamFlushed()
}

type nopRecorder struct{}

func (nopRecorder) TaskFinished(string, string, time.Duration) {}
func (nopRecorder) StreamFlushed()                             {}

// NodeWriter patches the canvas node a task runs for
type NodeWriter struct {
	canvas   storage.CanvasStore
	canvasID string
	nodeID   string
	recorder Recorder
}

// NewNodeWriter creates a writer for one node
func NewNodeWriter(canvas storage.CanvasStore, canvasID, nodeID string, recorder Recorder) *NodeWriter {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &NodeWriter{canvas: canvas, canvasID: canvasID, nodeID: nodeID, recorder: recorder}
}

// Patch merges fields into the node's data and stamps updatedAt
func (w *NodeWriter) Patch(ctx context.Context, patch pkg.NodePatch) error {
	merged := make(pkg.NodePatch, len(patch)+1)
	for k, v := range patch {
		merged[k] = v
	}
	merged[pkg.FieldUpdatedAt] = time.Now().UTC().UnixMilli()
	return w.canvas.PatchNodeData(ctx, w.canvasID, w.nodeID, merged)
}

// SetStatus patches only the status field
func (w *NodeWriter) SetStatus(ctx context.Context, status pkg.NodeStatus) error {
	return w.Patch(ctx, pkg.NodePatch{pkg.FieldStatus: string(status)})
}

// Flush writes partial streamed text
func (w *NodeWriter) Flush(ctx context.Context, status pkg.NodeStatus, text string) error {
	if err := w.Patch(ctx, pkg.NodePatch{pkg.FieldStatus: string(status), pkg.FieldText: text}); err != nil {
		return err
	}
	w.recorder.StreamFlushed()
	return nil
}

// Dispatcher drives one task through the node state machine:
// running/thinking, the kind's handler, then exactly one terminal write
type Dispatcher struct {
	handlers   map[Kind]Handler
	executions storage.ExecutionStore
	canvas     storage.CanvasStore
	recorder   Recorder
	tracer     trace.Tracer
	logger     zerolog.Logger
}

// NewDispatcher creates a dispatcher without handlers
func NewDispatcher(executions storage.ExecutionStore, canvas storage.CanvasStore, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers:   make(map[Kind]Handler),
		executions: executions,
		canvas:     canvas,
		recorder:   nopRecorder{},
		tracer:     otel.Tracer("canvas_worker/internal/core"),
		logger:     logger,
	}
}

// WithRecorder sets the outcome recorder
func (d *Dispatcher) WithRecorder(r Recorder) *Dispatcher {
	if r != nil {
		d.recorder = r
	}
	return d
}

// Register adds a handler for its kind
func (d *Dispatcher) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	if h.Kind() == "" {
		return fmt.Errorf("handler kind cannot be empty")
	}
	d.handlers[h.Kind()] = h
	d.logger.Debug().Str("kind", string(h.Kind())).Msg("Registered handler")
	return nil
}

// execution tracks one task's terminal transition
type execution struct {
	meta     TaskMeta
	kind     string
	node     *NodeWriter
	logger   zerolog.Logger
	start    time.Time
	terminal atomic.Bool
}

// Dispatch runs a task to a terminal state. It returns nil when the node
// completed and the classified failure otherwise. The caller acknowledges
// the task either way.
func (d *Dispatcher) Dispatch(ctx context.Context, task pkg.Task) error {
	meta := MetaOf(task)
	logger := d.logger.With().
		Str("execution_id", meta.ExecutionID).
		Str("node_id", meta.NodeID).
		Str("canvas_id", meta.CanvasID).
		Str("node_type", meta.NodeType).
		Logger()

	ctx, span := d.tracer.Start(ctx, "dispatch."+meta.NodeType, trace.WithAttributes(
		attribute.String("execution.id", meta.ExecutionID),
		attribute.String("node.id", meta.NodeID),
		attribute.String("node.type", meta.NodeType),
		attribute.String("canvas.id", meta.CanvasID),
	))
	defer span.End()

	if err := validate.Struct(meta); err != nil {
		// without ids there is no record or node to report on
		logger.Error().Err(err).Msg("Task is missing identifiers, dropping")
		span.SetStatus(codes.Error, "invalid task")
		d.recorder.TaskFinished(unknownKind, string(ErrorProvider), 0)
		return &ClassifiedError{Kind: ErrorProvider, Message: "task is missing identifiers", Err: fmt.Errorf("%w: %v", ErrInvalidTask, err)}
	}

	run := &execution{
		meta:   meta,
		kind:   unknownKind,
		node:   NewNodeWriter(d.canvas, meta.CanvasID, meta.NodeID, d.recorder),
		logger: logger,
		start:  time.Now(),
	}

	if err := d.executions.MarkRunning(ctx, meta.ExecutionID, meta.NodeID); err != nil {
		if errors.Is(err, storage.ErrAlreadyTerminal) {
			logger.Warn().Msg("Execution already finished, skipping redelivered task")
			span.SetStatus(codes.Ok, "already terminal")
			return nil
		}
		return d.fail(ctx, span, run, fmt.Errorf("failed to mark running: %w", err))
	}

	if err := run.node.SetStatus(ctx, pkg.NodeStatusThinking); err != nil {
		return d.fail(ctx, span, run, fmt.Errorf("failed to mark thinking: %w", err))
	}

	job, err := DecodeJob(task)
	if err != nil {
		return d.fail(ctx, span, run, err)
	}

	run.kind = string(job.Kind())

	handler, ok := d.handlers[job.Kind()]
	if !ok {
		return d.fail(ctx, span, run, fmt.Errorf("%w: no handler for %s", ErrUnsupportedKind, job.Kind()))
	}

	logger.Info().Str("kind", string(job.Kind())).Msg("Executing node")
	result, err := d.execute(ctx, handler, job, run.node)
	if err != nil {
		return d.fail(ctx, span, run, err)
	}
	return d.complete(ctx, span, run, result)
}

// execute converts handler panics into failures
func (d *Dispatcher) execute(ctx context.Context, h Handler, job Job, node *NodeWriter) (result Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error().Interface("panic", p).Bytes("stack", debug.Stack()).Msg("Handler panicked")
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.Execute(ctx, job, node)
}

func (d *Dispatcher) complete(ctx context.Context, span trace.Span, run *execution, result Result) error {
	if !run.terminal.CompareAndSwap(false, true) {
		return nil
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	patch := make(pkg.NodePatch, len(result.Patch)+1)
	for k, v := range result.Patch {
		patch[k] = v
	}
	patch[pkg.FieldStatus] = string(pkg.NodeStatusComplete)

	if err := run.node.Patch(wctx, patch); err != nil {
		// the node never showed complete, so the task counts as failed
		run.terminal.Store(false)
		return d.fail(ctx, span, run, fmt.Errorf("failed to write final node state: %w", err))
	}

	// the node already shows complete, so a lost record write is reported
	// rather than turned into a failure
	reason := ""
	if err := d.executions.MarkTerminal(wctx, run.meta.ExecutionID, run.meta.NodeID, pkg.ExecutionCompleted, result.Output, ""); err != nil {
		if errors.Is(err, storage.ErrAlreadyTerminal) {
			run.logger.Warn().Msg("Execution record was already terminal")
		} else {
			reason = ReasonRecordNotFinalized
			run.logger.Error().Err(err).Msg("Failed to mark execution completed")
		}
	}

	elapsed := time.Since(run.start)
	d.recorder.TaskFinished(run.kind, reason, elapsed)
	span.SetStatus(codes.Ok, "")
	run.logger.Info().Dur("duration", elapsed).Int("output_len", len(result.Output)).Msg("Node completed")
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, span trace.Span, run *execution, cause error) error {
	classified := Classify(cause)
	if !run.terminal.CompareAndSwap(false, true) {
		return classified
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	patch := pkg.NodePatch{
		pkg.FieldStatus:    string(pkg.NodeStatusError),
		pkg.FieldError:     classified.Message,
		pkg.FieldErrorKind: string(classified.Kind),
	}
	if err := run.node.Patch(wctx, patch); err != nil {
		run.logger.Error().Err(err).Msg("Failed to write node error state")
	}

	if err := d.executions.MarkTerminal(wctx, run.meta.ExecutionID, run.meta.NodeID, pkg.ExecutionFailed, "", classified.Message); err != nil {
		if errors.Is(err, storage.ErrAlreadyTerminal) {
			run.logger.Warn().Msg("Execution record was already terminal")
		} else {
			run.logger.Error().Err(err).Msg("Failed to mark execution failed")
		}
	}

	elapsed := time.Since(run.start)
	d.recorder.TaskFinished(run.kind, string(classified.Kind), elapsed)
	span.RecordError(cause)
	span.SetStatus(codes.Error, string(classified.Kind))
	run.logger.Warn().
		Err(cause).
		Str("error_kind", string(classified.Kind)).
		Dur("duration", elapsed).
		Msg("Node failed")
	return classified
}
