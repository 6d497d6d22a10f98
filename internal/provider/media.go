package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"canvas_worker/internal/config"

	"github.com/bytedance/sonic"
	"github.com/gabriel-vasile/mimetype"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

var ErrMediaTooLarge = errors.New("media exceeds size limit")

// MediaRequest is a one-shot generation request
type MediaRequest struct {
	Prompt   string
	Model    string
	APIKey   string
	Size     string
	Duration int // seconds, video only
}

// MediaResult points at generated media. Exactly one of URL or Data is set.
type MediaResult struct {
	URL         string
	Data        []byte
	ContentType string
}

// ImageGenerator produces one image per call
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req MediaRequest) (MediaResult, error)
}

// VideoGenerator produces one video per call
type VideoGenerator interface {
	GenerateVideo(ctx context.Context, req MediaRequest) (MediaResult, error)
}

// MediaFetcher downloads generated media
type MediaFetcher interface {
	Fetch(ctx context.Context, url string) (Media, error)
}

// Media is downloaded content with a detected type
type Media struct {
	Data        []byte
	ContentType string
}

// ImageClient generates images through the OpenAI images API
type ImageClient struct {
	cfg     config.ProviderConfig
	breaker *gobreaker.CircuitBreaker
}

func NewImageClient(cfg config.ProviderConfig, breaker config.BreakerConfig, logger zerolog.Logger) *ImageClient {
	return &ImageClient{cfg: cfg, breaker: newBreaker("image", breaker, logger)}
}

func (c *ImageClient) GenerateImage(ctx context.Context, req MediaRequest) (MediaResult, error) {
	opts := []option.RequestOption{option.WithAPIKey(pick(req.APIKey, c.cfg.APIKey))}
	if c.cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(c.cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	modelName := pick(req.Model, c.cfg.Model)
	params := openai.ImageGenerateParams{
		Prompt: req.Prompt,
		Model:  openai.ImageModel(modelName),
		N:      openai.Int(1),
		Size:   openai.ImageGenerateParamsSize(pick(req.Size, "1024x1024")),
	}
	if strings.HasPrefix(modelName, "dall-e") {
		params.ResponseFormat = openai.ImageGenerateParamsResponseFormatURL
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return client.Images.Generate(ctx, params)
	})
	if err != nil {
		return MediaResult{}, breakerError("image", err)
	}

	resp := out.(*openai.ImagesResponse)
	if len(resp.Data) == 0 {
		return MediaResult{}, &Error{Provider: "image", StatusCode: http.StatusOK, Message: "no image returned"}
	}
	img := resp.Data[0]
	if img.URL != "" {
		return MediaResult{URL: img.URL}, nil
	}
	data, err := base64.StdEncoding.DecodeString(img.B64JSON)
	if err != nil || len(data) == 0 {
		return MediaResult{}, fmt.Errorf("image payload unreadable: %w", err)
	}
	return MediaResult{Data: data, ContentType: mimetype.Detect(data).String()}, nil
}

type videoJob struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	VideoURL string `json:"video_url"`
	Error    *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// VideoClient drives an asynchronous generation job: submit, then poll
// until the job settles or ctx ends
type VideoClient struct {
	cfg     config.ProviderConfig
	client  *http.Client
	poll    time.Duration
	breaker *gobreaker.CircuitBreaker
}

func NewVideoClient(cfg config.ProviderConfig, poll time.Duration, client *http.Client, breaker config.BreakerConfig, logger zerolog.Logger) *VideoClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &VideoClient{cfg: cfg, client: client, poll: poll, breaker: newBreaker("video", breaker, logger)}
}

func (c *VideoClient) GenerateVideo(ctx context.Context, req MediaRequest) (MediaResult, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.run(ctx, req)
	})
	if err != nil {
		return MediaResult{}, breakerError("video", err)
	}
	return out.(MediaResult), nil
}

func (c *VideoClient) run(ctx context.Context, req MediaRequest) (MediaResult, error) {
	base := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/video/generations"
	headers := map[string]string{"Authorization": "Bearer " + pick(req.APIKey, c.cfg.APIKey)}

	body := map[string]any{
		"model":  pick(req.Model, c.cfg.Model),
		"prompt": req.Prompt,
	}
	if req.Duration > 0 {
		body["duration"] = req.Duration
	}
	if req.Size != "" {
		body["size"] = req.Size
	}

	resp, err := postJSON(ctx, c.client, "video", base, headers, body)
	if err != nil {
		return MediaResult{}, err
	}
	var job videoJob
	err = sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&job)
	resp.Body.Close()
	if err != nil {
		return MediaResult{}, fmt.Errorf("decode video job: %w", err)
	}

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		switch strings.ToLower(job.Status) {
		case "succeeded", "completed", "done":
			if job.VideoURL == "" {
				return MediaResult{}, &Error{Provider: "video", StatusCode: http.StatusOK, Message: "job finished without a video"}
			}
			return MediaResult{URL: job.VideoURL}, nil
		case "failed", "cancelled", "canceled", "error":
			e := &Error{Provider: "video", StatusCode: http.StatusOK, Message: "video generation failed"}
			if job.Error != nil {
				e.Code = job.Error.Code
				e.Message = job.Error.Message
			}
			return MediaResult{}, e
		}

		select {
		case <-ctx.Done():
			return MediaResult{}, ctx.Err()
		case <-ticker.C:
		}

		if err := getJSON(ctx, c.client, "video", base+"/"+job.ID, headers, &job); err != nil {
			return MediaResult{}, err
		}
	}
}

// HTTPFetcher downloads media over HTTP with a size cap
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewHTTPFetcher(client *http.Client, maxBytes int64) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client, maxBytes: maxBytes}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Media{}, fmt.Errorf("build media request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Media{}, fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return Media{}, fmt.Errorf("fetch media: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return Media{}, fmt.Errorf("read media: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return Media{}, fmt.Errorf("%w: more than %d bytes", ErrMediaTooLarge, f.maxBytes)
	}
	if len(data) == 0 {
		return Media{}, errors.New("fetch media: empty body")
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		contentType = mimetype.Detect(data).String()
	}
	return Media{Data: data, ContentType: contentType}, nil
}
