package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "canvas_worker"

// Collector holds the worker's prometheus metrics on its own registry so
// several workers (or tests) can live in one process
type Collector struct {
	registry *prometheus.Registry

	tasksReceived *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	ackFailures   *prometheus.CounterVec
	storeRetries  *prometheus.CounterVec
	streamFlushes prometheus.Counter
}

// NewCollector creates and registers every metric
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		tasksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_received_total",
			Help:      "Tasks taken off the queue, by source.",
		}, []string{"source"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal state, by node kind and error kind. An empty reason means success.",
		}, []string{"kind", "reason"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from dispatch to terminal state.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"kind"}),
		ackFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ack_failures_total",
			Help:      "Tasks whose acknowledgement failed, by source.",
		}, []string{"source"}),
		storeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_retries_total",
			Help:      "Retried housekeeping writes, by operation.",
		}, []string{"op"}),
		streamFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_flushes_total",
			Help:      "Partial text writes to canvas nodes.",
		}),
	}

	c.registry.MustRegister(
		c.tasksReceived,
		c.tasksFinished,
		c.taskDuration,
		c.ackFailures,
		c.storeRetries,
		c.streamFlushes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) TaskReceived(source string) {
	c.tasksReceived.WithLabelValues(source).Inc()
}

func (c *Collector) AckFailed(source string) {
	c.ackFailures.WithLabelValues(source).Inc()
}

func (c *Collector) TaskFinished(kind, reason string, d time.Duration) {
	c.tasksFinished.WithLabelValues(kind, reason).Inc()
	c.taskDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (c *Collector) StreamFlushed() {
	c.streamFlushes.Inc()
}

// StoreRetried matches the storage retrier's OnRetry hook
func (c *Collector) StoreRetried(op string, err error) {
	c.storeRetries.WithLabelValues(op).Inc()
}

// Handler serves the registry in the prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve runs the /metrics endpoint on addr until ctx is done
func (c *Collector) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}()

	logger.Info().Str("addr", addr).Msg("Metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
