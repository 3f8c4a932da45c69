package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the calcqueue server.
type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Compute  ComputeConfig
	Runner   RunnerConfig
	Notifier NotifierConfig
	Poller   PollerConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	RateLimitPerMinute int
	AllowedOrigins     []string
}

type StoreConfig struct {
	Driver string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type ComputeConfig struct {
	Provider  string
	Timeout   time.Duration
	RateLimit float64
	OpenAI    OpenAIConfig
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// RunnerConfig controls how submitted jobs are executed.
type RunnerConfig struct {
	DispatchMode   string
	ComputeDelay   time.Duration
	MaxConcurrency int
}

type NotifierConfig struct {
	SetupTimeout time.Duration
	BufferSize   int
}

type PollerConfig struct {
	Interval time.Duration
}

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	DispatchConcurrent = "concurrent"
	DispatchSequential = "sequential"
)

var validProviders = map[string]bool{
	"local":  true,
	"openai": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("CALCQUEUE_PORT", 8080),
			Env:                envString("CALCQUEUE_ENV", "development"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
			AllowedOrigins:     envList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Store: StoreConfig{
			Driver: envString("STORE_DRIVER", StoreDriverPostgres),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Compute: ComputeConfig{
			Provider:  envString("COMPUTE_PROVIDER", "local"),
			Timeout:   envDuration("COMPUTE_TIMEOUT", 30*time.Second),
			RateLimit: envFloat("COMPUTE_RATE_LIMIT", 5),
			OpenAI: OpenAIConfig{
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				Model:   envString("OPENAI_MODEL", "gpt-4o-mini"),
			},
		},
		Runner: RunnerConfig{
			DispatchMode:   envString("RUNNER_DISPATCH_MODE", DispatchConcurrent),
			ComputeDelay:   envDuration("RUNNER_COMPUTE_DELAY", 3*time.Second),
			MaxConcurrency: envInt("RUNNER_MAX_CONCURRENCY", 16),
		},
		Notifier: NotifierConfig{
			SetupTimeout: envDuration("NOTIFIER_SETUP_TIMEOUT", 30*time.Second),
			BufferSize:   envInt("NOTIFIER_BUFFER", 64),
		},
		Poller: PollerConfig{
			Interval: envDuration("POLL_INTERVAL", time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case StoreDriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be one of postgres, memory; got %q", c.Store.Driver)
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if !validProviders[c.Compute.Provider] {
		return fmt.Errorf("COMPUTE_PROVIDER must be one of local, openai; got %q", c.Compute.Provider)
	}
	if c.Compute.Provider == "openai" && c.Compute.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when COMPUTE_PROVIDER is openai")
	}
	if c.Compute.RateLimit <= 0 {
		return fmt.Errorf("COMPUTE_RATE_LIMIT must be positive, got %v", c.Compute.RateLimit)
	}

	if c.Runner.DispatchMode != DispatchConcurrent && c.Runner.DispatchMode != DispatchSequential {
		return fmt.Errorf("RUNNER_DISPATCH_MODE must be one of concurrent, sequential; got %q", c.Runner.DispatchMode)
	}
	if c.Runner.ComputeDelay < 0 {
		return fmt.Errorf("RUNNER_COMPUTE_DELAY must not be negative, got %s", c.Runner.ComputeDelay)
	}
	if c.Runner.MaxConcurrency <= 0 {
		return fmt.Errorf("RUNNER_MAX_CONCURRENCY must be positive, got %d", c.Runner.MaxConcurrency)
	}

	if c.Notifier.SetupTimeout <= 0 {
		return fmt.Errorf("NOTIFIER_SETUP_TIMEOUT must be positive, got %s", c.Notifier.SetupTimeout)
	}
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.Poller.Interval)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
