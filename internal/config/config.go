package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"

	BackendMemory  = "memory"
	BackendRedis   = "redis"
	BackendGateway = "gateway"
)

type Config struct {
	HTTPPort    string `env:"HTTP_PORT" envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`
	DatabaseURL string `env:"DATABASE_URL" envDefault:"abobi.db"`
	Timezone    string `env:"TIMEZONE" envDefault:"Local"`

	ContextWindow    int `env:"CONTEXT_WINDOW" envDefault:"10"`
	MaxMessageLength int `env:"MAX_MESSAGE_LENGTH" envDefault:"4000"`

	InferenceProvider    string        `env:"INFERENCE_PROVIDER" envDefault:"gemini"`
	GeminiAPIKey         string        `env:"GEMINI_API_KEY"`
	GeminiModel          string        `env:"GEMINI_MODEL" envDefault:"gemini-1.5-flash-latest"`
	OpenAIAPIKey         string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL        string        `env:"OPENAI_BASE_URL"`
	OpenAIModel          string        `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	InferenceMaxTokens   int           `env:"INFERENCE_MAX_TOKENS" envDefault:"800"`
	InferenceTemperature float32       `env:"INFERENCE_TEMPERATURE" envDefault:"0.65"`
	InferenceTimeout     time.Duration `env:"INFERENCE_TIMEOUT" envDefault:"60s"`

	BlobBackend       string `env:"BLOB_BACKEND" envDefault:"memory"`
	BlobMaxBytes      int    `env:"BLOB_MAX_BYTES" envDefault:"26214400"`
	BlobCacheSize     int    `env:"BLOB_CACHE_SIZE" envDefault:"256"`
	BlobEncryptionKey string `env:"BLOB_ENCRYPTION_KEY"`

	RedisURL          string `env:"REDIS_URL"`
	GatewayURL        string `env:"GATEWAY_URL"`
	GatewayToken      string `env:"GATEWAY_TOKEN"`
	GatewayMaxRetries int    `env:"GATEWAY_MAX_RETRIES" envDefault:"3"`

	// Location is resolved from Timezone by Validate.
	Location *time.Location `env:"-"`
}

// Load reads a .env file if one exists, then the process environment.
// Variables already set in the environment win over the file.
func Load() (*Config, error) {
	cfg, err := parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadForMigrate reads the same sources as Load but only checks the
// settings a schema migration uses, so no inference or blob credentials
// are needed.
func LoadForMigrate() (*Config, error) {
	cfg, err := parse()
	if err != nil {
		return nil, err
	}
	var errs []error
	if cfg.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL must not be empty"))
	}
	if err := checkLogFormat(cfg.LogFormat); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func parse() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env file: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

func checkLogFormat(format string) error {
	switch format {
	case "json", "text":
		return nil
	default:
		return fmt.Errorf("unknown LOG_FORMAT %q", format)
	}
}

// Validate checks cross-field requirements and resolves Location.
func (c *Config) Validate() error {
	var errs []error

	c.InferenceProvider = strings.ToLower(strings.TrimSpace(c.InferenceProvider))
	switch c.InferenceProvider {
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required when INFERENCE_PROVIDER=gemini"))
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" && c.OpenAIBaseURL == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY or OPENAI_BASE_URL is required when INFERENCE_PROVIDER=openai"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown INFERENCE_PROVIDER %q", c.InferenceProvider))
	}

	c.BlobBackend = strings.ToLower(strings.TrimSpace(c.BlobBackend))
	switch c.BlobBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required when BLOB_BACKEND=redis"))
		}
	case BackendGateway:
		if c.GatewayURL == "" {
			errs = append(errs, errors.New("GATEWAY_URL is required when BLOB_BACKEND=gateway"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown BLOB_BACKEND %q", c.BlobBackend))
	}

	if err := checkLogFormat(c.LogFormat); err != nil {
		errs = append(errs, err)
	}

	if c.ContextWindow <= 0 {
		errs = append(errs, errors.New("CONTEXT_WINDOW must be positive"))
	}
	if c.InferenceTemperature < 0 || c.InferenceTemperature > 2 {
		errs = append(errs, errors.New("INFERENCE_TEMPERATURE must be between 0 and 2"))
	}
	if c.MaxMessageLength <= 0 {
		errs = append(errs, errors.New("MAX_MESSAGE_LENGTH must be positive"))
	}
	if c.BlobMaxBytes <= 0 {
		errs = append(errs, errors.New("BLOB_MAX_BYTES must be positive"))
	}
	if c.GatewayMaxRetries < 0 {
		errs = append(errs, errors.New("GATEWAY_MAX_RETRIES must not be negative"))
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err))
	}
	c.Location = loc

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
