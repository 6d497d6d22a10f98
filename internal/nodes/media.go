package nodes

import (
	"context"
	"fmt"
	"path"

	"canvas_worker/internal/config"
	"canvas_worker/internal/core"
	"canvas_worker/internal/provider"
	"canvas_worker/internal/storage"
	"canvas_worker/pkg"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// mediaStore persists generated media and builds the node patch. The patch
// only ever references a key that Put accepted.
type mediaStore struct {
	fetcher provider.MediaFetcher
	objects storage.ObjectStore
	logger  zerolog.Logger
}

func (m *mediaStore) persist(ctx context.Context, meta core.TaskMeta, res provider.MediaResult) (core.Result, error) {
	media := provider.Media{Data: res.Data, ContentType: res.ContentType}
	if len(media.Data) == 0 {
		if res.URL == "" {
			return core.Result{}, fmt.Errorf("generation returned neither data nor url")
		}
		fetched, err := m.fetcher.Fetch(ctx, res.URL)
		if err != nil {
			return core.Result{}, fmt.Errorf("failed to fetch generated media: %w", err)
		}
		media = fetched
	}
	if media.ContentType == "" {
		media.ContentType = mimetype.Detect(media.Data).String()
	}

	key, err := m.objects.Put(ctx, mediaKey(meta, media.ContentType), media.Data, media.ContentType)
	if err != nil {
		return core.Result{}, fmt.Errorf("failed to store generated media: %w", err)
	}

	m.logger.Info().
		Str("execution_id", meta.ExecutionID).
		Str("node_id", meta.NodeID).
		Str("storage_id", key).
		Str("content_type", media.ContentType).
		Int("bytes", len(media.Data)).
		Msg("Stored generated media")

	return core.Result{
		Output: key,
		Patch: pkg.NodePatch{
			pkg.FieldMediaStorageID: key,
			pkg.FieldMediaType:      media.ContentType,
		},
	}, nil
}

// mediaKey is a fresh object key under the canvas and node
func mediaKey(meta core.TaskMeta, contentType string) string {
	ext := ""
	if mt := mimetype.Lookup(contentType); mt != nil {
		ext = mt.Extension()
	}
	return path.Join(meta.CanvasID, meta.NodeID, uuid.NewString()+ext)
}

// ImageHandler generates one image per task
type ImageHandler struct {
	images provider.ImageGenerator
	store  *mediaStore
	cfg    config.GenerationConfig
}

func NewImageHandler(images provider.ImageGenerator, fetcher provider.MediaFetcher, objects storage.ObjectStore, cfg config.GenerationConfig, logger zerolog.Logger) *ImageHandler {
	return &ImageHandler{
		images: images,
		store:  &mediaStore{fetcher: fetcher, objects: objects, logger: logger},
		cfg:    cfg,
	}
}

func (h *ImageHandler) Kind() core.Kind { return core.KindImage }

func (h *ImageHandler) Execute(ctx context.Context, job core.Job, node *core.NodeWriter) (core.Result, error) {
	img, ok := job.(core.ImageJob)
	if !ok {
		return core.Result{}, fmt.Errorf("%w: image handler got %s", core.ErrUnsupportedKind, job.Kind())
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.MediaTimeout)
	defer cancel()

	res, err := h.images.GenerateImage(ctx, provider.MediaRequest{
		Prompt: img.Input.Prompt,
		Model:  img.Input.Model,
		APIKey: img.APIKey,
		Size:   img.Input.Size,
	})
	if err != nil {
		return core.Result{}, fmt.Errorf("image generation failed: %w", err)
	}
	return h.store.persist(ctx, img.TaskMeta, res)
}

// VideoHandler generates one video per task
type VideoHandler struct {
	videos provider.VideoGenerator
	store  *mediaStore
	cfg    config.GenerationConfig
}

func NewVideoHandler(videos provider.VideoGenerator, fetcher provider.MediaFetcher, objects storage.ObjectStore, cfg config.GenerationConfig, logger zerolog.Logger) *VideoHandler {
	return &VideoHandler{
		videos: videos,
		store:  &mediaStore{fetcher: fetcher, objects: objects, logger: logger},
		cfg:    cfg,
	}
}

func (h *VideoHandler) Kind() core.Kind { return core.KindVideo }

func (h *VideoHandler) Execute(ctx context.Context, job core.Job, node *core.NodeWriter) (core.Result, error) {
	vid, ok := job.(core.VideoJob)
	if !ok {
		return core.Result{}, fmt.Errorf("%w: video handler got %s", core.ErrUnsupportedKind, job.Kind())
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.MediaTimeout)
	defer cancel()

	res, err := h.videos.GenerateVideo(ctx, provider.MediaRequest{
		Prompt:   vid.Input.Prompt,
		Model:    vid.Input.Model,
		APIKey:   vid.APIKey,
		Size:     vid.Input.Size,
		Duration: vid.Input.Duration,
	})
	if err != nil {
		return core.Result{}, fmt.Errorf("video generation failed: %w", err)
	}
	return h.store.persist(ctx, vid.TaskMeta, res)
}
