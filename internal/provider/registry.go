package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"canvas_worker/internal/config"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Registry selects a streamer by provider id and guards each backend with
// its own circuit breaker
type Registry struct {
	streamers map[ID]TextStreamer
	breakers  map[ID]*gobreaker.CircuitBreaker
	settings  config.BreakerConfig
	logger    zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(settings config.BreakerConfig, logger zerolog.Logger) *Registry {
	return &Registry{
		streamers: make(map[ID]TextStreamer),
		breakers:  make(map[ID]*gobreaker.CircuitBreaker),
		settings:  settings,
		logger:    logger,
	}
}

// NewDefaultRegistry registers every supported backend from config
func NewDefaultRegistry(cfg config.ProvidersConfig, client *http.Client, logger zerolog.Logger) *Registry {
	r := NewRegistry(cfg.Breaker, logger)
	r.Register(NewOpenAIStreamer(cfg.OpenAI))
	r.Register(NewDeepSeekStreamer(cfg.DeepSeek))
	r.Register(NewArkStreamer(cfg.Ark))
	r.Register(NewOllamaStreamer(cfg.Ollama))
	r.Register(NewAnthropicStreamer(cfg.Anthropic, client))
	r.Register(NewGeminiStreamer(cfg.Gemini, client))
	return r
}

// Register adds or replaces the streamer for s.ID()
func (r *Registry) Register(s TextStreamer) {
	id := s.ID()
	r.streamers[id] = s
	r.breakers[id] = newBreaker(string(id), r.settings, r.logger)
}

// StreamText opens a stream on the chosen backend and normalizes it
func (r *Registry) StreamText(ctx context.Context, id ID, req TextRequest) (DeltaStream, error) {
	streamer, ok := r.streamers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, id)
	}

	handle, err := r.breakers[id].Execute(func() (interface{}, error) {
		return streamer.Stream(ctx, req)
	})
	if err != nil {
		return nil, breakerError(id, err)
	}
	return Normalize(id, handle)
}

func newBreaker(name string, settings config.BreakerConfig, logger zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
		// one tenant's bad key must not open the breaker for everyone
		IsSuccessful: func(err error) bool {
			return err == nil || IsCallerFault(err)
		},
	})
}

func breakerError(id ID, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", ErrCircuitOpen, id, err)
	}
	return err
}
