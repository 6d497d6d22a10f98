package cli

import (
	"context"
	"fmt"
	"net/http"

	"canvas_worker/internal/config"
	"canvas_worker/internal/core"
	"canvas_worker/internal/metrics"
	"canvas_worker/internal/nodes"
	"canvas_worker/internal/provider"
	"canvas_worker/internal/storage"
	"canvas_worker/internal/worker"

	"github.com/rs/zerolog"
)

// workerDeps is everything one worker owns
type workerDeps struct {
	queue      storage.TaskQueue
	executions storage.ExecutionStore
	canvas     storage.CanvasStore
	objects    storage.ObjectStore
	metrics    *metrics.Collector
	consumer   *worker.Consumer
	closers    []func() error
}

func (w *workerDeps) close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		_ = w.closers[i]()
	}
}

// buildWorker wires one worker. recoverInFlight requeues what a previous run
// under the same id left in its processing lists, so it is only safe for ids
// that no other live process uses.
func buildWorker(ctx context.Context, cfg *config.Config, recoverInFlight bool, logger zerolog.Logger) (*workerDeps, error) {
	w := &workerDeps{metrics: metrics.NewCollector()}

	if err := w.openQueue(ctx, cfg, recoverInFlight, logger); err != nil {
		return nil, err
	}
	if err := w.openStores(ctx, cfg, logger); err != nil {
		w.close()
		return nil, err
	}

	// no client timeout: streams are bounded by the generation context
	httpClient := &http.Client{}

	registry := provider.NewDefaultRegistry(cfg.Providers, httpClient, logger.With().Str("component", "provider").Logger())
	fetcher := provider.NewHTTPFetcher(httpClient, cfg.Generation.MaxMediaBytes)
	images := provider.NewImageClient(cfg.Providers.Image, cfg.Providers.Breaker, logger)
	videos := provider.NewVideoClient(cfg.Providers.Video, cfg.Generation.VideoPoll, httpClient, cfg.Providers.Breaker, logger)

	nodeLogger := logger.With().Str("component", "nodes").Logger()
	text, err := nodes.NewTextHandler(ctx, w.canvas, w.objects, registry, cfg.Generation, cfg.Providers.Default, nodeLogger)
	if err != nil {
		w.close()
		return nil, err
	}

	dispatcher := core.NewDispatcher(w.executions, w.canvas, logger.With().Str("component", "dispatcher").Logger()).
		WithRecorder(w.metrics)
	for _, h := range []core.Handler{
		text,
		nodes.NewImageHandler(images, fetcher, w.objects, cfg.Generation, nodeLogger),
		nodes.NewVideoHandler(videos, fetcher, w.objects, cfg.Generation, nodeLogger),
	} {
		if err := dispatcher.Register(h); err != nil {
			w.close()
			return nil, err
		}
	}

	w.consumer = worker.NewConsumer(w.queue, dispatcher, w.executions, worker.Options{
		Sources:   cfg.Queue.Sources,
		PollWait:  cfg.Queue.PollWait,
		IdleSleep: cfg.Queue.IdleSleep,
	}, logger.With().Str("component", "consumer").Logger()).WithRecorder(w.metrics)

	return w, nil
}

func (w *workerDeps) openQueue(ctx context.Context, cfg *config.Config, recoverInFlight bool, logger zerolog.Logger) error {
	switch cfg.Queue.Backend {
	case "redis":
		queue, err := storage.NewRedisQueue(ctx, cfg.Queue.RedisURL, cfg.Queue.WorkerID)
		if err != nil {
			return err
		}
		if recoverInFlight {
			// a previous run of this worker may have died mid-task
			moved, err := queue.RecoverInFlight(ctx, cfg.Queue.Sources)
			if err != nil {
				queue.Close()
				return err
			}
			if moved > 0 {
				logger.Warn().Int("tasks", moved).Msg("Requeued tasks left in flight by a previous run")
			}
		} else {
			logger.Info().Str("worker_id", cfg.Queue.WorkerID).Msg("Generated worker id, skipping in-flight recovery")
		}
		w.queue = queue
		w.closers = append(w.closers, queue.Close)
	case "memory":
		logger.Warn().Msg("Using the in-memory queue; tasks can only come from this process")
		w.queue = storage.NewMemoryQueue()
	default:
		return fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
	return nil
}

func (w *workerDeps) openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	var (
		executions storage.ExecutionStore
		canvas     storage.CanvasStore
	)

	switch cfg.Storage.Backend {
	case "aws":
		client, err := storage.NewDynamoClient(ctx, cfg.Storage.Region, cfg.Storage.Endpoint)
		if err != nil {
			return err
		}
		executions = storage.NewDynamoExecutionStore(client, cfg.Storage.ExecutionTable)
		canvas = storage.NewDynamoCanvasStore(client, cfg.Storage.CanvasTable)

		objects, err := storage.NewSupabaseObjectStore(cfg.Storage.SupabaseURL, cfg.Storage.SupabaseKey, cfg.Storage.Bucket)
		if err != nil {
			return err
		}
		w.objects = objects
	case "memory":
		logger.Warn().Msg("Using in-memory stores; nothing is persisted")
		executions = storage.NewMemoryExecutionStore()
		canvas = storage.NewMemoryCanvasStore()
		w.objects = storage.NewMemoryObjectStore()
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	retry := storage.NewRetrier(cfg.Retry, logger.With().Str("component", "storage").Logger())
	retry.OnRetry = w.metrics.StoreRetried
	w.executions = storage.NewRetryingExecutionStore(executions, retry)
	w.canvas = storage.NewRetryingCanvasStore(canvas, retry)
	return nil
}
