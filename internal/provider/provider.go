package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
)

// ID names a text generation backend
type ID string

const (
	OpenAI    ID = "openai"
	DeepSeek  ID = "deepseek"
	Ark       ID = "ark"
	Ollama    ID = "ollama"
	Anthropic ID = "anthropic"
	Gemini    ID = "gemini"
)

// Shape is the native chunk layout a backend streams
type Shape int

const (
	// ShapeMessageDelta: eino message chunks, each carrying a content delta
	ShapeMessageDelta Shape = iota + 1
	// ShapeBlockEvent: typed events with a nested delta discriminator
	ShapeBlockEvent
	// ShapeTextAccumulator: candidate objects whose parts carry text
	ShapeTextAccumulator
)

var shapes = map[ID]Shape{
	OpenAI:    ShapeMessageDelta,
	DeepSeek:  ShapeMessageDelta,
	Ark:       ShapeMessageDelta,
	Ollama:    ShapeMessageDelta,
	Anthropic: ShapeBlockEvent,
	Gemini:    ShapeTextAccumulator,
}

var (
	ErrUnsupportedProvider = errors.New("unsupported provider")
	ErrAdapterMismatch     = errors.New("stream handle does not match provider shape")
	ErrCircuitOpen         = errors.New("provider temporarily unavailable")
)

// ParseID validates a provider name
func ParseID(name string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := shapes[id]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedProvider, name)
	}
	return id, nil
}

// TextRequest is a provider-agnostic streaming request. Empty Model and
// APIKey fall back to the configured defaults.
type TextRequest struct {
	Model    string
	APIKey   string
	Messages []*schema.Message
}

// TextStreamer starts a native stream and returns the raw handle, which only
// Normalize knows how to read
type TextStreamer interface {
	ID() ID
	Stream(ctx context.Context, req TextRequest) (any, error)
}

// Error is a non-2xx answer from a backend
type Error struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: status %d (%s): %s", e.Provider, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}
