package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"canvas_worker/internal/core"
	"canvas_worker/internal/storage"
	"canvas_worker/pkg"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
)

// ackTimeout bounds the acknowledgement after a task, which must happen
// even when the run context is already cancelled
const ackTimeout = 5 * time.Second

const poisonMessage = "task payload could not be decoded"

// Dispatcher runs one task to a terminal state
type Dispatcher interface {
	Dispatch(ctx context.Context, task pkg.Task) error
}

// Recorder receives queue events, e.g. for metrics
type Recorder interface {
	TaskReceived(source string)
	AckFailed(source string)
}

type nopRecorder struct{}

func (nopRecorder) TaskReceived(string) {}
func (nopRecorder) AckFailed(string)    {}

// Options tune the polling loop
type Options struct {
	// Sources are polled highest priority first
	Sources   []string
	PollWait  time.Duration
	IdleSleep time.Duration
}

// Consumer is the scheduler loop. It owns the shutdown flag and every
// dependency, so several consumers can run in one process.
type Consumer struct {
	queue      storage.TaskQueue
	dispatcher Dispatcher
	executions storage.ExecutionStore
	opts       Options
	recorder   Recorder
	logger     zerolog.Logger

	stopping atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewConsumer creates a consumer. executions is used to fail records of
// undecodable tasks and may be nil.
func NewConsumer(queue storage.TaskQueue, dispatcher Dispatcher, executions storage.ExecutionStore, opts Options, logger zerolog.Logger) *Consumer {
	return &Consumer{
		queue:      queue,
		dispatcher: dispatcher,
		executions: executions,
		opts:       opts,
		recorder:   nopRecorder{},
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// WithRecorder sets the queue event recorder
func (c *Consumer) WithRecorder(r Recorder) *Consumer {
	if r != nil {
		c.recorder = r
	}
	return c
}

// Stop asks the loop to exit after the in-flight task
func (c *Consumer) Stop() {
	c.stopping.Store(true)
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Stopping reports whether Stop was called
func (c *Consumer) Stopping() bool {
	return c.stopping.Load()
}

// Run polls until Stop is called or ctx is cancelled. Cancelling ctx is the
// hard stop: the in-flight task is cut short but still reaches a terminal
// state and is acknowledged.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().Strs("sources", c.opts.Sources).Msg("Consumer started")
	defer c.logger.Info().Msg("Consumer stopped")

	for {
		if c.stopping.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		handled, err := c.PollOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error().Err(err).Msg("Failed to poll task sources")
		}
		if handled {
			continue
		}
		c.idle(ctx)
	}
}

// PollOnce walks the sources in priority order and handles at most one
// task. It reports whether a task was handled.
func (c *Consumer) PollOnce(ctx context.Context) (bool, error) {
	for _, source := range c.opts.Sources {
		if c.stopping.Load() {
			return false, nil
		}

		delivery, err := c.queue.Receive(ctx, source, c.opts.PollWait)
		if err != nil {
			return false, err
		}
		if delivery == nil {
			continue
		}

		c.handle(ctx, delivery)
		return true, nil
	}
	return false, nil
}

func (c *Consumer) handle(ctx context.Context, d *storage.Delivery) {
	c.recorder.TaskReceived(d.Source)
	logger := c.logger.With().Str("source", d.Source).Logger()

	if d.DecodeErr != nil {
		c.rejectPoison(ctx, d, logger)
	} else {
		logger = logger.With().
			Str("execution_id", d.Task.ExecutionID).
			Str("node_id", d.Task.NodeID).
			Logger()
		if err := c.dispatcher.Dispatch(ctx, d.Task); err != nil {
			var classified *core.ClassifiedError
			if errors.As(err, &classified) {
				logger.Warn().Str("error_kind", string(classified.Kind)).Msg("Task failed")
			} else {
				logger.Error().Err(err).Msg("Task failed")
			}
		}
	}

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()
	if err := c.queue.Acknowledge(ackCtx, d); err != nil {
		c.recorder.AckFailed(d.Source)
		logger.Error().Err(err).Msg("Failed to acknowledge task")
	}
}

// rejectPoison fails the execution record of an undecodable task when its
// ids can still be read from the raw payload
func (c *Consumer) rejectPoison(ctx context.Context, d *storage.Delivery, logger zerolog.Logger) {
	logger.Error().Err(d.DecodeErr).Int("payload_len", len(d.Handle)).Msg("Dropping undecodable task")
	if c.executions == nil {
		return
	}

	executionID := rawField(d.Handle, "executionId")
	nodeID := rawField(d.Handle, "nodeId")
	if executionID == "" || nodeID == "" {
		return
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()
	if err := c.executions.MarkTerminal(wctx, executionID, nodeID, pkg.ExecutionFailed, "", poisonMessage); err != nil {
		logger.Warn().Err(err).Str("execution_id", executionID).Msg("Failed to mark undecodable task failed")
	}
}

func rawField(payload, key string) string {
	node, err := sonic.GetFromString(payload, key)
	if err != nil {
		return ""
	}
	s, err := node.String()
	if err != nil {
		return ""
	}
	return s
}

func (c *Consumer) idle(ctx context.Context) {
	timer := time.NewTimer(c.opts.IdleSleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-c.stopCh:
	case <-timer.C:
	}
}
