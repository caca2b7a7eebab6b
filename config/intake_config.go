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

// MinCredentialsSecretLength is the shortest accepted vault secret.
const MinCredentialsSecretLength = 16

type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	Environment string `env:"ENV" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Database
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"pgx"` // pgx, postgres, sqlite
	DatabaseURL    string `env:"DATABASE_URL"`
	RedisURL       string `env:"REDIS_URL"`

	// Security
	JWTSecret         string `env:"JWT_SECRET"`
	CredentialsSecret string `env:"CREDENTIALS_SECRET"`

	// OpenAI
	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
	LLMModel      string `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`
	LLMMaxTokens  int    `env:"LLM_MAX_TOKENS" envDefault:"600"`
	LLMTimeoutSec int    `env:"LLM_TIMEOUT_SEC" envDefault:"30"`

	// Storage
	AttachmentsDir string `env:"ATTACHMENTS_DIR" envDefault:"./data/attachments"`

	// Scheduler
	SchedulerEnabled        bool          `env:"SCHEDULER_ENABLED" envDefault:"true"`
	SchedulerInterval       time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"15m"`
	SchedulerAccountTimeout time.Duration `env:"SCHEDULER_ACCOUNT_TIMEOUT" envDefault:"10m"`

	// Ingestion / classification
	IngestLockTTL    time.Duration `env:"INGEST_LOCK_TTL" envDefault:"30m"`
	ClassifyThrottle time.Duration `env:"CLASSIFY_THROTTLE" envDefault:"500ms"`
	ProjectCacheTTL  time.Duration `env:"PROJECT_CACHE_TTL" envDefault:"1m"`

	// CORS
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
}

// Load reads .env (if present) and the process environment, then validates.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return parse(env.Options{})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fails closed. There is no default credentials secret.
func (c *Config) Validate() error {
	var errs []error

	switch {
	case c.CredentialsSecret == "":
		errs = append(errs, errors.New("CREDENTIALS_SECRET is required"))
	case len(c.CredentialsSecret) < MinCredentialsSecretLength:
		errs = append(errs, fmt.Errorf("CREDENTIALS_SECRET must be at least %d characters", MinCredentialsSecretLength))
	}

	switch c.DatabaseDriver {
	case "pgx", "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER %q is not supported", c.DatabaseDriver))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}

	if c.SchedulerInterval <= 0 {
		errs = append(errs, errors.New("SCHEDULER_INTERVAL must be positive"))
	}
	if c.SchedulerAccountTimeout <= 0 {
		errs = append(errs, errors.New("SCHEDULER_ACCOUNT_TIMEOUT must be positive"))
	}
	if c.IngestLockTTL <= 0 {
		errs = append(errs, errors.New("INGEST_LOCK_TTL must be positive"))
	}
	if c.ClassifyThrottle < 0 {
		errs = append(errs, errors.New("CLASSIFY_THROTTLE must not be negative"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// AllowedOriginsHeader joins origins for the CORS middleware.
func (c *Config) AllowedOriginsHeader() string {
	return strings.Join(c.AllowedOrigins, ",")
}

// LLMTimeout is LLM_TIMEOUT_SEC as a duration.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSec) * time.Second
}

// Hostname identifies this process in logs and lease tokens.
func Hostname() string {
	h, _ := os.Hostname()
	if h == "" {
		h = "intake"
	}
	return fmt.Sprintf("%s-%d", h, os.Getpid())
}
