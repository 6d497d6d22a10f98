package nodes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"canvas_worker/internal/config"
	"canvas_worker/internal/core"
	"canvas_worker/internal/provider"
	"canvas_worker/internal/reasoning"
	"canvas_worker/internal/storage"
	"canvas_worker/pkg"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
)

var ErrEmptyResponse = errors.New("provider returned no content")

// TextStreams opens a normalized text stream on a provider
type TextStreams interface {
	StreamText(ctx context.Context, id provider.ID, req provider.TextRequest) (provider.DeltaStream, error)
}

// TextHandler generates streamed text for display and chat nodes
type TextHandler struct {
	canvas          storage.CanvasStore
	objects         storage.ObjectStore
	streams         TextStreams
	resolver        *reasoning.Resolver
	distiller       *reasoning.Distiller
	prompts         *PromptBuilder
	cfg             config.GenerationConfig
	defaultProvider string
	logger          zerolog.Logger
}

// NewTextHandler wires the text pipeline. objects may be nil when no file
// content can be fetched.
func NewTextHandler(ctx context.Context, canvas storage.CanvasStore, objects storage.ObjectStore, streams TextStreams, cfg config.GenerationConfig, defaultProvider string, logger zerolog.Logger) (*TextHandler, error) {
	prompts, err := NewPromptBuilder(ctx)
	if err != nil {
		return nil, err
	}
	return &TextHandler{
		canvas:          canvas,
		objects:         objects,
		streams:         streams,
		resolver:        reasoning.NewResolver(logger),
		distiller:       reasoning.NewDistiller(),
		prompts:         prompts,
		cfg:             cfg,
		defaultProvider: defaultProvider,
		logger:          logger,
	}, nil
}

func (h *TextHandler) Kind() core.Kind { return core.KindText }

func (h *TextHandler) Execute(ctx context.Context, job core.Job, node *core.NodeWriter) (core.Result, error) {
	text, ok := job.(core.TextJob)
	if !ok {
		return core.Result{}, fmt.Errorf("%w: text handler got %s", core.ErrUnsupportedKind, job.Kind())
	}
	logger := h.logger.With().Str("execution_id", text.ExecutionID).Str("node_id", text.NodeID).Logger()

	id, err := provider.ParseID(pick(text.Input.Provider, h.defaultProvider))
	if err != nil {
		return core.Result{}, err
	}

	graph, err := h.canvas.LoadGraph(ctx, text.CanvasID)
	if err != nil {
		return core.Result{}, fmt.Errorf("failed to load canvas: %w", err)
	}

	rc := h.resolver.Resolve(ctx, text.NodeID, graph, h.fetchFile)
	budget := h.contextBudget(text.Input.TokenBudget)
	distilled, tokens := h.distiller.Distill(rc, budget)
	logger.Debug().
		Int("resolved_items", len(rc.Items)).
		Int("kept_items", len(distilled.Items)).
		Int("context_tokens", tokens).
		Int("context_budget", budget).
		Msg("Context distilled")

	messages, err := h.prompts.Build(ctx, pick(text.Input.SystemPrompt, h.cfg.SystemPrompt), distilled, userPrompt(text, graph))
	if err != nil {
		return core.Result{}, err
	}

	genCtx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	stream, err := h.streams.StreamText(genCtx, id, provider.TextRequest{
		Model:    text.Input.Model,
		APIKey:   text.APIKey,
		Messages: messages,
	})
	if err != nil {
		return core.Result{}, fmt.Errorf("failed to start %s stream: %w", id, err)
	}
	defer stream.Close()

	output, err := h.consume(genCtx, ctx, stream, node, logger)
	if err != nil {
		return core.Result{}, fmt.Errorf("%s stream: %w", id, err)
	}
	if strings.TrimSpace(output) == "" {
		return core.Result{}, fmt.Errorf("%s: %w", id, ErrEmptyResponse)
	}

	return core.Result{
		Output: output,
		Patch:  pkg.NodePatch{pkg.FieldText: output},
	}, nil
}

// consume drains the stream, flipping the node to streaming on the first
// delta and flushing partial text every FlushTokens deltas or FlushInterval,
// whichever comes first. Flushes use the task context, not the generation
// deadline.
func (h *TextHandler) consume(genCtx, ctx context.Context, stream provider.DeltaStream, node *core.NodeWriter, logger zerolog.Logger) (string, error) {
	var (
		buf       strings.Builder
		pending   int
		streaming bool
		lastFlush = time.Now()
	)

	for {
		delta, err := stream.Next(genCtx)
		if errors.Is(err, io.EOF) {
			return buf.String(), nil
		}
		if err != nil {
			return "", err
		}

		buf.WriteString(delta)
		pending++

		if !streaming {
			streaming = true
			h.flush(ctx, node, buf.String(), logger)
			pending = 0
			lastFlush = time.Now()
			continue
		}

		if pending >= h.cfg.FlushTokens || time.Since(lastFlush) >= h.cfg.FlushInterval {
			h.flush(ctx, node, buf.String(), logger)
			pending = 0
			lastFlush = time.Now()
		}
	}
}

// flush failures are not fatal; the final write carries the full text
func (h *TextHandler) flush(ctx context.Context, node *core.NodeWriter, text string, logger zerolog.Logger) {
	if err := node.Flush(ctx, pkg.NodeStatusStreaming, text); err != nil {
		logger.Warn().Err(err).Int("text_len", len(text)).Msg("Failed to flush partial text")
	}
}

func (h *TextHandler) contextBudget(taskBudget int) int {
	budget := h.cfg.TokenBudget
	if taskBudget > 0 {
		budget = taskBudget
	}
	return int(float64(budget) * h.cfg.ContextShare)
}

// fetchFile loads stored file content as text. Binary content is refused so
// the resolver falls back to its placeholder.
func (h *TextHandler) fetchFile(ctx context.Context, storageID string) (string, error) {
	if h.objects == nil {
		return "", fmt.Errorf("no object store configured")
	}
	data, err := h.objects.Get(ctx, storageID)
	if err != nil {
		return "", err
	}
	if mt := mimetype.Detect(data); !isTextual(mt) {
		return "", fmt.Errorf("file %s is %s, not text", storageID, mt.String())
	}
	return string(data), nil
}

func isTextual(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

// userPrompt prefers the task input, then the node's own prompt
func userPrompt(job core.TextJob, graph pkg.Graph) string {
	if strings.TrimSpace(job.Input.Prompt) != "" {
		return job.Input.Prompt
	}
	for _, n := range graph.Nodes {
		if n.ID != job.NodeID {
			continue
		}
		if s, ok := n.Data[pkg.FieldPrompt].(string); ok {
			return s
		}
	}
	return ""
}

func pick(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
