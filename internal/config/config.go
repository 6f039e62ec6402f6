package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// FileEnv names the variable pointing at an optional YAML config file.
const FileEnv = "REFEREE_CONFIG"

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"

	StoreMemory = "memory"
	StoreYAML   = "yaml"
	StoreRedis  = "redis"
)

// Config holds the application configuration.
type Config struct {
	Provider      string        `yaml:"provider" env:"LLM_PROVIDER" env-default:"gemini"`
	GeminiAPIKey  string        `yaml:"gemini-api-key" env:"GEMINI_API_KEY"`
	OpenAIAPIKey  string        `yaml:"openai-api-key" env:"OPENAI_API_KEY"`
	OpenAIBaseURL string        `yaml:"openai-base-url" env:"OPENAI_BASE_URL"`
	Model         string        `yaml:"model" env:"LLM_MODEL"`
	ModelTimeout  time.Duration `yaml:"model-timeout" env:"MODEL_TIMEOUT" env-default:"60s"`

	MaxHistoryLength int    `yaml:"max-history-length" env:"MAX_HISTORY_LENGTH" env-default:"10"`
	RetrievalTopK    int    `yaml:"retrieval-top-k" env:"RETRIEVAL_TOP_K" env-default:"5"`
	ChunkSize        int    `yaml:"chunk-size" env:"CHUNK_SIZE" env-default:"500"`
	ChunkOverlap     int    `yaml:"chunk-overlap" env:"CHUNK_OVERLAP" env-default:"100"`
	RulebookPath     string `yaml:"rulebook-path" env:"RULEBOOK_PATH" env-default:"rulebook.db"`

	SessionStore string        `yaml:"session-store" env:"SESSION_STORE" env-default:"memory"`
	SaveDir      string        `yaml:"save-dir" env:"SAVE_DIR" env-default:".saves"`
	RedisAddr    string        `yaml:"redis-addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	SessionTTL   time.Duration `yaml:"session-ttl" env:"SESSION_TTL" env-default:"24h"`

	HTTPAddr string `yaml:"http-addr" env:"HTTP_ADDR" env-default:":8000"`
	LogLevel string `yaml:"log-level" env:"LOG_LEVEL" env-default:"info"`
}

// LoadConfig reads the file named by REFEREE_CONFIG, if any, then
// overlays environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	var err error
	if path := os.Getenv(FileEnv); path != "" {
		err = cleanenv.ReadConfig(path, cfg)
	} else {
		err = cleanenv.ReadEnv(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that have no usable default.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return errors.New("GEMINI_API_KEY environment variable is not set")
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return errors.New("OPENAI_API_KEY environment variable is not set")
		}
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}

	switch c.SessionStore {
	case StoreMemory, StoreYAML, StoreRedis:
	default:
		return fmt.Errorf("unknown session store %q", c.SessionStore)
	}

	if c.MaxHistoryLength < 0 {
		return errors.New("MAX_HISTORY_LENGTH must not be negative")
	}
	if c.RetrievalTopK < 0 {
		return errors.New("RETRIEVAL_TOP_K must not be negative")
	}
	if c.ChunkSize <= 0 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("invalid chunking: size %d, overlap %d", c.ChunkSize, c.ChunkOverlap)
	}
	return nil
}

// ModelName returns the configured model or the provider's default.
func (c *Config) ModelName() string {
	if c.Model != "" {
		return c.Model
	}
	if c.Provider == ProviderOpenAI {
		return "gpt-4o-mini"
	}
	return "gemini-2.5-flash"
}
