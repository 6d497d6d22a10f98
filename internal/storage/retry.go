package storage

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"canvas_worker/internal/config"
	"canvas_worker/pkg"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// transientSignatures are message fragments of network failures worth
// another attempt. Anything else is returned to the caller untouched.
var transientSignatures = []string{
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"socket hang up",
	"unexpected eof",
	"econnreset",
	"etimedout",
}

// IsTransient reports whether err is a transient network failure
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// Retrier runs idempotent housekeeping writes with bounded exponential
// backoff. Only transient network failures are retried.
type Retrier struct {
	attempts int
	initial  time.Duration
	max      time.Duration
	logger   zerolog.Logger

	// OnRetry is called before each new attempt, e.g. to count retries
	OnRetry func(op string, err error)
}

// NewRetrier builds a Retrier from configuration
func NewRetrier(cfg config.RetryConfig, logger zerolog.Logger) *Retrier {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return &Retrier{
		attempts: attempts,
		initial:  cfg.InitialInterval,
		max:      cfg.MaxInterval,
		logger:   logger,
	}
}

func (r *Retrier) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initial
	b.MaxInterval = r.max
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.attempts-1)), ctx)
}

// Do calls fn until it succeeds, fails with a non-transient error, or the
// attempt budget is spent. The last error is returned as is.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		r.logger.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("Transient failure, retrying")
		if r.OnRetry != nil {
			r.OnRetry(op, err)
		}
	}

	return backoff.RetryNotify(operation, r.policy(ctx), notify)
}

// RetryingExecutionStore wraps every write of an ExecutionStore in a Retrier
type RetryingExecutionStore struct {
	next  ExecutionStore
	retry *Retrier
}

func NewRetryingExecutionStore(next ExecutionStore, retry *Retrier) *RetryingExecutionStore {
	return &RetryingExecutionStore{next: next, retry: retry}
}

func (s *RetryingExecutionStore) MarkRunning(ctx context.Context, executionID, nodeID string) error {
	return s.retry.Do(ctx, "execution.mark_running", func(ctx context.Context) error {
		return s.next.MarkRunning(ctx, executionID, nodeID)
	})
}

func (s *RetryingExecutionStore) MarkTerminal(ctx context.Context, executionID, nodeID string, status pkg.ExecutionStatus, output, errMsg string) error {
	return s.retry.Do(ctx, "execution.mark_terminal", func(ctx context.Context) error {
		return s.next.MarkTerminal(ctx, executionID, nodeID, status, output, errMsg)
	})
}

// RetryingCanvasStore wraps every call of a CanvasStore in a Retrier
type RetryingCanvasStore struct {
	next  CanvasStore
	retry *Retrier
}

func NewRetryingCanvasStore(next CanvasStore, retry *Retrier) *RetryingCanvasStore {
	return &RetryingCanvasStore{next: next, retry: retry}
}

func (s *RetryingCanvasStore) LoadGraph(ctx context.Context, canvasID string) (pkg.Graph, error) {
	var graph pkg.Graph
	err := s.retry.Do(ctx, "canvas.load_graph", func(ctx context.Context) error {
		g, err := s.next.LoadGraph(ctx, canvasID)
		if err != nil {
			return err
		}
		graph = g
		return nil
	})
	return graph, err
}

func (s *RetryingCanvasStore) PatchNodeData(ctx context.Context, canvasID, nodeID string, patch pkg.NodePatch) error {
	return s.retry.Do(ctx, "canvas.patch_node", func(ctx context.Context) error {
		return s.next.PatchNodeData(ctx, canvasID, nodeID, patch)
	})
}
