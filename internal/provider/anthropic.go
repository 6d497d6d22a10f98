package provider

import (
	"context"
	"net/http"
	"strings"

	"canvas_worker/internal/config"

	"github.com/cloudwego/eino/schema"
)

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 4096
)

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream"`
}

// AnthropicStreamer talks to the messages API and returns a BlockEventSource
type AnthropicStreamer struct {
	cfg    config.ProviderConfig
	client *http.Client
}

// NewAnthropicStreamer creates a streamer. client may be nil.
func NewAnthropicStreamer(cfg config.ProviderConfig, client *http.Client) *AnthropicStreamer {
	if client == nil {
		client = http.DefaultClient
	}
	return &AnthropicStreamer{cfg: cfg, client: client}
}

func (a *AnthropicStreamer) ID() ID { return Anthropic }

func (a *AnthropicStreamer) Stream(ctx context.Context, req TextRequest) (any, error) {
	body := anthropicRequest{
		Model:     pick(req.Model, a.cfg.Model),
		MaxTokens: anthropicMaxTokens,
		Stream:    true,
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case schema.System:
			system = append(system, m.Content)
		case schema.Assistant:
			body.Messages = append(body.Messages, anthropicMessage{Role: "assistant", Content: m.Content})
		default:
			body.Messages = append(body.Messages, anthropicMessage{Role: "user", Content: m.Content})
		}
	}
	body.System = strings.Join(system, "\n\n")

	url := strings.TrimRight(a.cfg.BaseURL, "/") + "/v1/messages"
	resp, err := postJSON(ctx, a.client, string(Anthropic), url, map[string]string{
		"x-api-key":         pick(req.APIKey, a.cfg.APIKey),
		"anthropic-version": anthropicVersion,
		"accept":            "text/event-stream",
	}, body)
	if err != nil {
		return nil, err
	}
	return NewBlockEventSource(resp.Body), nil
}

func pick(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
