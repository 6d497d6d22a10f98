package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"canvas_worker/src/model"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every overridable variable. Provider keys and
// service URLs are also read from their conventional unprefixed names.
const EnvPrefix = "CANVAS"

// Config is the full worker configuration
type Config struct {
	Log        model.LogConfig  `yaml:"log" envconfig:"LOG"`
	Queue      QueueConfig      `yaml:"queue" envconfig:"QUEUE"`
	Providers  ProvidersConfig  `yaml:"providers" envconfig:"PROVIDERS"`
	Generation GenerationConfig `yaml:"generation" envconfig:"GENERATION"`
	Retry      RetryConfig      `yaml:"retry" envconfig:"RETRY"`
	Storage    StorageConfig    `yaml:"storage" envconfig:"STORAGE"`
	Metrics    MetricsConfig    `yaml:"metrics" envconfig:"METRICS"`
}

// QueueConfig describes the task transport. Sources are listed highest
// priority first.
type QueueConfig struct {
	Backend   string        `yaml:"backend" split_words:"true" validate:"oneof=redis memory"`
	RedisURL  string        `yaml:"redis_url" envconfig:"REDIS_URL" validate:"required_if=Backend redis"`
	Sources   []string      `yaml:"sources" split_words:"true" validate:"min=1,dive,required"`
	WorkerID  string        `yaml:"worker_id" split_words:"true"`
	PollWait  time.Duration `yaml:"poll_wait" split_words:"true" validate:"gte=0"`
	IdleSleep time.Duration `yaml:"idle_sleep" split_words:"true" validate:"gt=0"`
}

// ProviderConfig holds credentials and defaults for one AI backend
type ProviderConfig struct {
	APIKey  string `yaml:"api_key" split_words:"true"`
	BaseURL string `yaml:"base_url" split_words:"true"`
	Model   string `yaml:"model" split_words:"true"`
}

// BreakerConfig tunes the per-provider circuit breaker
type BreakerConfig struct {
	MaxRequests  uint32        `yaml:"max_requests" split_words:"true"`
	Interval     time.Duration `yaml:"interval" split_words:"true"`
	Timeout      time.Duration `yaml:"timeout" split_words:"true"`
	MinRequests  uint32        `yaml:"min_requests" split_words:"true"`
	FailureRatio float64       `yaml:"failure_ratio" split_words:"true" validate:"gte=0,lte=1"`
}

// ProvidersConfig lists every backend the worker can talk to
type ProvidersConfig struct {
	Default   string         `yaml:"default" split_words:"true" validate:"required"`
	OpenAI    ProviderConfig `yaml:"openai" envconfig:"OPENAI"`
	DeepSeek  ProviderConfig `yaml:"deepseek" envconfig:"DEEPSEEK"`
	Ark       ProviderConfig `yaml:"ark" envconfig:"ARK"`
	Ollama    ProviderConfig `yaml:"ollama" envconfig:"OLLAMA"`
	Anthropic ProviderConfig `yaml:"anthropic" envconfig:"ANTHROPIC"`
	Gemini    ProviderConfig `yaml:"gemini" envconfig:"GEMINI"`
	Image     ProviderConfig `yaml:"image" envconfig:"IMAGE"`
	Video     ProviderConfig `yaml:"video" envconfig:"VIDEO"`
	Breaker   BreakerConfig  `yaml:"breaker" envconfig:"BREAKER"`
}

// GenerationConfig bounds a single node execution
type GenerationConfig struct {
	Timeout       time.Duration `yaml:"timeout" split_words:"true" validate:"gt=0"`
	MediaTimeout  time.Duration `yaml:"media_timeout" split_words:"true" validate:"gt=0"`
	FlushTokens   int           `yaml:"flush_tokens" split_words:"true" validate:"gt=0"`
	FlushInterval time.Duration `yaml:"flush_interval" split_words:"true" validate:"gt=0"`
	TokenBudget   int           `yaml:"token_budget" split_words:"true" validate:"gt=0"`
	ContextShare  float64       `yaml:"context_share" split_words:"true" validate:"gt=0,lte=1"`
	SystemPrompt  string        `yaml:"system_prompt" split_words:"true"`
	MaxMediaBytes int64         `yaml:"max_media_bytes" split_words:"true" validate:"gt=0"`
	VideoPoll     time.Duration `yaml:"video_poll" split_words:"true" validate:"gt=0"`
}

// RetryConfig applies to housekeeping writes only
type RetryConfig struct {
	Attempts        int           `yaml:"attempts" split_words:"true" validate:"gte=1"`
	InitialInterval time.Duration `yaml:"initial_interval" split_words:"true" validate:"gt=0"`
	MaxInterval     time.Duration `yaml:"max_interval" split_words:"true" validate:"gtefield=InitialInterval"`
}

// StorageConfig selects where execution records, canvas nodes and media live
type StorageConfig struct {
	Backend        string `yaml:"backend" split_words:"true" validate:"oneof=memory aws"`
	Region         string `yaml:"region" envconfig:"AWS_REGION" validate:"required_if=Backend aws"`
	Endpoint       string `yaml:"endpoint" envconfig:"DYNAMODB_ENDPOINT"`
	ExecutionTable string `yaml:"execution_table" split_words:"true" validate:"required_if=Backend aws"`
	CanvasTable    string `yaml:"canvas_table" split_words:"true" validate:"required_if=Backend aws"`
	SupabaseURL    string `yaml:"supabase_url" envconfig:"SUPABASE_URL" validate:"required_if=Backend aws"`
	SupabaseKey    string `yaml:"supabase_key" envconfig:"SUPABASE_SERVICE_KEY"`
	Bucket         string `yaml:"bucket" split_words:"true" validate:"required"`
}

// MetricsConfig controls the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" split_words:"true"`
	Addr    string `yaml:"addr" split_words:"true" validate:"required_if=Enabled true"`
}

// Default returns a configuration that runs fully in memory
func Default() *Config {
	return &Config{
		Log: model.LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			TimeFormat: "rfc3339",
			FilePath:   "logs/worker.log",
		},
		Queue: QueueConfig{
			Backend:   "memory",
			Sources:   []string{"canvas:tasks:high", "canvas:tasks:default", "canvas:tasks:low"},
			PollWait:  time.Second,
			IdleSleep: time.Second,
		},
		Providers: ProvidersConfig{
			Default:   "openai",
			OpenAI:    ProviderConfig{Model: "gpt-4o-mini"},
			DeepSeek:  ProviderConfig{Model: "deepseek-chat"},
			Ollama:    ProviderConfig{BaseURL: "http://localhost:11434", Model: "llama3.1"},
			Anthropic: ProviderConfig{BaseURL: "https://api.anthropic.com", Model: "claude-3-5-haiku-latest"},
			Gemini:    ProviderConfig{BaseURL: "https://generativelanguage.googleapis.com", Model: "gemini-1.5-flash"},
			Image:     ProviderConfig{Model: "dall-e-3"},
			Breaker: BreakerConfig{
				MaxRequests:  1,
				Interval:     time.Minute,
				Timeout:      30 * time.Second,
				MinRequests:  5,
				FailureRatio: 0.8,
			},
		},
		Generation: GenerationConfig{
			Timeout:       30 * time.Second,
			MediaTimeout:  2 * time.Minute,
			FlushTokens:   10,
			FlushInterval: 500 * time.Millisecond,
			TokenBudget:   1000,
			ContextShare:  0.5,
			SystemPrompt:  "You are a helpful assistant working on a visual canvas. Use the provided context when it is relevant.",
			MaxMediaBytes: 50 << 20,
			VideoPoll:     2 * time.Second,
		},
		Retry: RetryConfig{
			Attempts:        3,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "memory",
			Bucket:  "canvas-media",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// LoadConfig layers defaults, the YAML file at path (optional), a .env file
// and the process environment, then validates the result.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("error parsing YAML: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, config); err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %w", err)
	}
	config.applyConventionalEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// conventionalKeys maps provider fields to the variable names their SDKs use
var conventionalKeys = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"deepseek":  "DEEPSEEK_API_KEY",
	"ark":       "ARK_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gemini":    "GEMINI_API_KEY",
	"video":     "VIDEO_API_KEY",
}

func (c *Config) applyConventionalEnv() {
	p := &c.Providers
	fields := map[string]*ProviderConfig{
		"openai":    &p.OpenAI,
		"deepseek":  &p.DeepSeek,
		"ark":       &p.Ark,
		"anthropic": &p.Anthropic,
		"gemini":    &p.Gemini,
		"video":     &p.Video,
	}
	for name, env := range conventionalKeys {
		if fields[name].APIKey == "" {
			fields[name].APIKey = os.Getenv(env)
		}
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" && os.Getenv(EnvPrefix+"_PROVIDERS_OLLAMA_BASE_URL") == "" {
		p.Ollama.BaseURL = host
	}
	// image generation shares the OpenAI account unless configured separately
	if p.Image.APIKey == "" {
		p.Image.APIKey = p.OpenAI.APIKey
	}
	if p.Image.BaseURL == "" {
		p.Image.BaseURL = p.OpenAI.BaseURL
	}
}

var validate = validator.New()

// Validate checks ranges and cross-field requirements
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
