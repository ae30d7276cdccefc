package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ErrConfiguration marks missing or invalid startup settings. It is fatal: the
// process must not start serving with a half-configured store or generator.
var ErrConfiguration = errors.New("configuration error")

// Config contains all runtime settings for the triage chat service.
type Config struct {
	BindAddr         string        `env:"APP_BIND_ADDR" envDefault:":8000"`
	ShutdownTimeout  time.Duration `env:"APP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	MetricsNamespace string        `env:"APP_METRICS_NAMESPACE" envDefault:"triagechat"`
	AllowAnyOrigin   bool          `env:"APP_ALLOW_ANY_ORIGIN" envDefault:"false"`
	Debug            bool          `env:"APP_DEBUG" envDefault:"false"`

	IdentityPolicy string `env:"IDENTITY_POLICY" envDefault:"generated"`
	HistoryTurns   int    `env:"HISTORY_TURNS" envDefault:"20"`

	StoreBackend  string        `env:"STORE_BACKEND"`
	MongoURI      string        `env:"MONGODB_URI"`
	MongoDatabase string        `env:"MONGODB_DB" envDefault:"chat"`
	DatabaseURL   string        `env:"DATABASE_URL"`
	RedisURL      string        `env:"REDIS_URL"`
	StoreTimeout  time.Duration `env:"STORE_TIMEOUT" envDefault:"10s"`

	TriggerPhrases []string `env:"TRIAGE_TRIGGER_PHRASES" envSeparator:","`

	GeneratorMode         string        `env:"GENERATOR_MODE" envDefault:"openai"`
	GeneratorAPIKey       string        `env:"GENERATOR_API_KEY"`
	GoogleAPIKey          string        `env:"GOOGLE_API_KEY"`
	GeneratorBaseURL      string        `env:"GENERATOR_BASE_URL" envDefault:"https://generativelanguage.googleapis.com/v1beta/openai"`
	GeneratorModel        string        `env:"GENERATOR_MODEL" envDefault:"gemini-2.5-flash"`
	GeneratorHTTPURL      string        `env:"GENERATOR_HTTP_URL"`
	GeneratorSystemPrompt string        `env:"GENERATOR_SYSTEM_PROMPT"`
	GeneratorTimeout      time.Duration `env:"GENERATOR_TIMEOUT" envDefault:"60s"`
}

// Load reads an optional .env file, then environment variables, and validates
// the result. Variables already set in the environment win over .env entries.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("%w: read .env: %w", ErrConfiguration, err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.IdentityPolicy = strings.ToLower(strings.TrimSpace(c.IdentityPolicy))
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.GeneratorMode = strings.ToLower(strings.TrimSpace(c.GeneratorMode))
	c.MongoURI = strings.TrimSpace(c.MongoURI)
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.GeneratorAPIKey = strings.TrimSpace(c.GeneratorAPIKey)
	if c.GeneratorAPIKey == "" {
		c.GeneratorAPIKey = strings.TrimSpace(c.GoogleAPIKey)
	}
	c.GeneratorHTTPURL = strings.TrimSpace(c.GeneratorHTTPURL)

	phrases := c.TriggerPhrases[:0]
	for _, p := range c.TriggerPhrases {
		if p = strings.TrimSpace(p); p != "" {
			phrases = append(phrases, p)
		}
	}
	if len(phrases) == 0 {
		phrases = nil
	}
	c.TriggerPhrases = phrases
}

// Validate checks cross-field requirements. Every error wraps ErrConfiguration.
func (c Config) Validate() error {
	switch c.IdentityPolicy {
	case "", "generated", "stable":
	default:
		return fmt.Errorf("%w: IDENTITY_POLICY must be generated|stable, got %q", ErrConfiguration, c.IdentityPolicy)
	}
	if c.HistoryTurns <= 0 {
		return fmt.Errorf("%w: HISTORY_TURNS must be positive", ErrConfiguration)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("%w: STORE_TIMEOUT must be positive", ErrConfiguration)
	}

	switch c.StoreBackend {
	case "", "memory":
	case "mongo":
		if c.MongoURI == "" {
			return fmt.Errorf("%w: STORE_BACKEND=mongo but MONGODB_URI is not set", ErrConfiguration)
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: STORE_BACKEND=postgres but DATABASE_URL is not set", ErrConfiguration)
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("%w: STORE_BACKEND=redis but REDIS_URL is not set", ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: invalid STORE_BACKEND %q (expected memory|mongo|postgres|redis)", ErrConfiguration, c.StoreBackend)
	}

	switch c.GeneratorMode {
	case "auto", "mock":
	case "", "openai":
		if c.GeneratorAPIKey == "" {
			return fmt.Errorf("%w: GENERATOR_MODE=openai but neither GENERATOR_API_KEY nor GOOGLE_API_KEY is set", ErrConfiguration)
		}
	case "http":
		if c.GeneratorHTTPURL == "" {
			return fmt.Errorf("%w: GENERATOR_MODE=http but GENERATOR_HTTP_URL is not set", ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: invalid GENERATOR_MODE %q (expected auto|openai|http|mock)", ErrConfiguration, c.GeneratorMode)
	}
	return nil
}
