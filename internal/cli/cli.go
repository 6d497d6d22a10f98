package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"canvas_worker/internal/config"
	"canvas_worker/internal/storage"
	"canvas_worker/pkg"
	"canvas_worker/src/logger"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	configFile string
	workerID   string
)

// Execute runs the root command and exits non-zero on failure
func Execute() {
	if err := BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}

// BuildCLI assembles the command tree
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "canvas-worker",
		Short:        "Executes canvas nodes taken from the task queue",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (optional)")
	rootCmd.PersistentFlags().StringVar(&workerID, "worker-id", "", "stable worker identity, owns the in-flight lists and enables startup recovery (default: config, else a per-process id)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildRequeueCommand())

	return rootCmd
}

// loadConfig reports whether the worker id is stable across restarts
func loadConfig() (*config.Config, bool, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load config: %w", err)
	}
	stableID := resolveWorkerID(cfg, workerID)
	if err := logger.InitLogger(cfg.Log); err != nil {
		return nil, false, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, stableID, nil
}

// resolveWorkerID applies the flag over config. Without either, the id is
// generated per process so that two processes on one host, or containers
// sharing a hostname, never share processing lists.
func resolveWorkerID(cfg *config.Config, flagID string) bool {
	if flagID != "" {
		cfg.Queue.WorkerID = flagID
	}
	if cfg.Queue.WorkerID != "" {
		return true
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	cfg.Queue.WorkerID = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	return false
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start consuming tasks",
		Long: `Start the worker loop. The first SIGINT/SIGTERM finishes the in-flight
task and exits; a second one cancels it (it still ends failed and acknowledged).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, stableID, err := loadConfig()
			if err != nil {
				return err
			}
			return runWorker(cmd.Context(), cfg, stableID)
		},
	}
}

func runWorker(parent context.Context, cfg *config.Config, recoverInFlight bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	log := logger.Component("worker")

	w, err := buildWorker(ctx, cfg, recoverInFlight, log)
	if err != nil {
		return err
	}
	defer w.close()

	if cfg.Metrics.Enabled {
		go func() {
			if err := w.metrics.Serve(ctx, cfg.Metrics.Addr, log); err != nil {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("Received shutdown signal, finishing current task")
			w.consumer.Stop()
		case <-ctx.Done():
			return
		}
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("Received second signal, cancelling current task")
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Info().
		Str("worker_id", cfg.Queue.WorkerID).
		Str("queue", cfg.Queue.Backend).
		Str("storage", cfg.Storage.Backend).
		Msg("Worker started")

	err = w.consumer.Run(ctx)
	if err != nil && ctx.Err() != nil {
		// hard stop
		return nil
	}
	return err
}

func buildEnqueueCommand() *cobra.Command {
	var (
		taskFile string
		source   string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Push tasks from a JSON file onto a source",
		Long:  "Read one task object, or an array of them, from a JSON file and push each onto the queue.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskFile == "" {
				return fmt.Errorf("task file is required (use --file or -f)")
			}
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			return enqueueTasks(cmd.Context(), cfg, taskFile, source)
		},
	}

	cmd.Flags().StringVarP(&taskFile, "file", "f", "", "JSON file with a task or a list of tasks")
	cmd.Flags().StringVarP(&source, "source", "s", "", "target source (default: highest priority source)")

	return cmd
}

func enqueueTasks(ctx context.Context, cfg *config.Config, taskFile, source string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	data, err := os.ReadFile(taskFile)
	if err != nil {
		return fmt.Errorf("failed to read task file: %w", err)
	}
	tasks, err := parseTasks(data)
	if err != nil {
		return err
	}
	if source == "" {
		source = cfg.Queue.Sources[0]
	}

	queue, err := openRedisQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer queue.Close()

	log := logger.Component("enqueue")
	for _, task := range tasks {
		if err := queue.Enqueue(ctx, source, task); err != nil {
			return err
		}
		log.Info().
			Str("source", source).
			Str("execution_id", task.ExecutionID).
			Str("node_id", task.NodeID).
			Msg("Task enqueued")
	}
	fmt.Printf("Enqueued %d task(s) on %s\n", len(tasks), source)
	return nil
}

// parseTasks accepts a single task object or an array of them
func parseTasks(data []byte) ([]pkg.Task, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("task file is empty")
	}

	var tasks []pkg.Task
	if trimmed[0] == '[' {
		if err := sonic.Unmarshal(trimmed, &tasks); err != nil {
			return nil, fmt.Errorf("failed to parse tasks: %w", err)
		}
	} else {
		var task pkg.Task
		if err := sonic.Unmarshal(trimmed, &task); err != nil {
			return nil, fmt.Errorf("failed to parse task: %w", err)
		}
		tasks = append(tasks, task)
	}

	for i, t := range tasks {
		if t.ExecutionID == "" || t.NodeID == "" || t.CanvasID == "" || t.NodeType == "" {
			return nil, fmt.Errorf("task %d: executionId, nodeId, canvasId and nodeType are required", i)
		}
	}
	return tasks, nil
}

func buildRequeueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue",
		Short: "Return this worker's orphaned in-flight tasks to their sources",
		Long: `Tasks stay in a per-worker processing list until acknowledged. After a
crash, run this with the crashed worker's --worker-id to put them back.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, stableID, err := loadConfig()
			if err != nil {
				return err
			}
			if !stableID {
				return fmt.Errorf("requeue needs the crashed worker's id (use --worker-id)")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			queue, err := openRedisQueue(ctx, cfg)
			if err != nil {
				return err
			}
			defer queue.Close()

			moved, err := queue.RecoverInFlight(ctx, cfg.Queue.Sources)
			if err != nil {
				return err
			}
			fmt.Printf("Requeued %d task(s) for worker %s\n", moved, cfg.Queue.WorkerID)
			return nil
		},
	}
}

func openRedisQueue(ctx context.Context, cfg *config.Config) (*storage.RedisQueue, error) {
	if cfg.Queue.Backend != "redis" {
		return nil, fmt.Errorf("queue backend %q is process-local; this command needs redis", cfg.Queue.Backend)
	}
	return storage.NewRedisQueue(ctx, cfg.Queue.RedisURL, cfg.Queue.WorkerID)
}
