package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"canvas_worker/internal/config"

	"github.com/cloudwego/eino/schema"
)

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
}

// GeminiStreamer calls streamGenerateContent with SSE framing and returns an
// AccumulatorSource
type GeminiStreamer struct {
	cfg    config.ProviderConfig
	client *http.Client
}

// NewGeminiStreamer creates a streamer. client may be nil.
func NewGeminiStreamer(cfg config.ProviderConfig, client *http.Client) *GeminiStreamer {
	if client == nil {
		client = http.DefaultClient
	}
	return &GeminiStreamer{cfg: cfg, client: client}
}

func (g *GeminiStreamer) ID() ID { return Gemini }

func (g *GeminiStreamer) Stream(ctx context.Context, req TextRequest) (any, error) {
	var body geminiRequest
	var system []geminiPart
	for _, m := range req.Messages {
		switch m.Role {
		case schema.System:
			system = append(system, geminiPart{Text: m.Content})
		case schema.Assistant:
			body.Contents = append(body.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			body.Contents = append(body.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	if len(system) > 0 {
		body.SystemInstruction = &geminiContent{Parts: system}
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse",
		strings.TrimRight(g.cfg.BaseURL, "/"), url.PathEscape(pick(req.Model, g.cfg.Model)))

	resp, err := postJSON(ctx, g.client, string(Gemini), endpoint, map[string]string{
		"x-goog-api-key": pick(req.APIKey, g.cfg.APIKey),
	}, body)
	if err != nil {
		return nil, err
	}
	return NewAccumulatorSource(resp.Body), nil
}
