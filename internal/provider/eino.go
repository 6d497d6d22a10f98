package provider

import (
	"context"
	"fmt"

	"canvas_worker/internal/config"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/deepseek"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
)

// modelFactory builds an eino chat model for one request's credentials
type modelFactory func(ctx context.Context, cfg config.ProviderConfig) (model.BaseChatModel, error)

// EinoStreamer adapts an eino-ext chat model. Its handle is the model's own
// *schema.StreamReader.
type EinoStreamer struct {
	id      ID
	cfg     config.ProviderConfig
	factory modelFactory
}

func (e *EinoStreamer) ID() ID { return e.id }

func (e *EinoStreamer) Stream(ctx context.Context, req TextRequest) (any, error) {
	cfg := e.cfg
	cfg.APIKey = pick(req.APIKey, cfg.APIKey)
	cfg.Model = pick(req.Model, cfg.Model)

	chatModel, err := e.factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating %s chat model: %w", e.id, err)
	}

	reader, err := chatModel.Stream(ctx, req.Messages)
	if err != nil {
		return nil, err
	}
	return reader, nil
}

// NewOpenAIStreamer serves OpenAI and any OpenAI-compatible base URL
func NewOpenAIStreamer(cfg config.ProviderConfig) *EinoStreamer {
	return &EinoStreamer{id: OpenAI, cfg: cfg, factory: func(ctx context.Context, c config.ProviderConfig) (model.BaseChatModel, error) {
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			APIKey:  c.APIKey,
			BaseURL: c.BaseURL,
			Model:   c.Model,
		})
	}}
}

func NewDeepSeekStreamer(cfg config.ProviderConfig) *EinoStreamer {
	return &EinoStreamer{id: DeepSeek, cfg: cfg, factory: func(ctx context.Context, c config.ProviderConfig) (model.BaseChatModel, error) {
		return deepseek.NewChatModel(ctx, &deepseek.ChatModelConfig{
			APIKey:  c.APIKey,
			BaseURL: c.BaseURL,
			Model:   c.Model,
		})
	}}
}

func NewArkStreamer(cfg config.ProviderConfig) *EinoStreamer {
	return &EinoStreamer{id: Ark, cfg: cfg, factory: func(ctx context.Context, c config.ProviderConfig) (model.BaseChatModel, error) {
		return ark.NewChatModel(ctx, &ark.ChatModelConfig{
			APIKey:  c.APIKey,
			BaseURL: c.BaseURL,
			Model:   c.Model,
		})
	}}
}

func NewOllamaStreamer(cfg config.ProviderConfig) *EinoStreamer {
	return &EinoStreamer{id: Ollama, cfg: cfg, factory: func(ctx context.Context, c config.ProviderConfig) (model.BaseChatModel, error) {
		return ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: c.BaseURL,
			Model:   c.Model,
		})
	}}
}
