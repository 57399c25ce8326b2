package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the weft runtime.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithPort(8080),
//	    WithStoreRoot("/var/lib/weft/workflows"),
//	    WithLLMProvider("openai"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	// Core configuration
	Name string `json:"name" env:"WEFT_SERVICE_NAME"`
	Port int    `json:"port" env:"WEFT_PORT"`

	// HTTP server configuration
	HTTP HTTPConfig `json:"http"`

	// LLM provider configuration
	LLM LLMConfig `json:"llm"`

	// Workflow store configuration
	Store StoreConfig `json:"store"`

	// Node registry configuration
	Registry RegistryConfig `json:"registry"`

	// Permission manager configuration
	Permissions PermissionConfig `json:"permissions"`

	// Session configuration
	Session SessionConfig `json:"session"`

	// Executor configuration
	Executor ExecutorConfig `json:"executor"`

	// Redis configuration (optional; empty URL selects in-memory backends)
	Redis RedisConfig `json:"redis"`

	// Telemetry configuration
	Telemetry TelemetryConfig `json:"telemetry"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`
}

// HTTPConfig contains HTTP server timeouts and limits.
type HTTPConfig struct {
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// LLMConfig contains LLM provider selection and credentials.
// APIKey is read from LLM_API_KEY; provider-specific keys
// (OPENAI_API_KEY, ANTHROPIC_API_KEY) take precedence during
// provider auto-detection.
type LLMConfig struct {
	Provider    string        `json:"provider" env:"WEFT_LLM_PROVIDER"`
	APIKey      string        `json:"-" env:"LLM_API_KEY"`
	BaseURL     string        `json:"base_url" env:"WEFT_LLM_BASE_URL"`
	Model       string        `json:"model" env:"WEFT_LLM_MODEL"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Timeout     time.Duration `json:"timeout"`
}

// StoreConfig locates the on-disk workflow template store.
type StoreConfig struct {
	Root string `json:"root" env:"STORE_ROOT"`
}

// RegistryConfig locates the node catalog document. When File is empty the
// built-in capability set is registered instead.
type RegistryConfig struct {
	File string `json:"file" env:"WEFT_REGISTRY_FILE"`
}

// PermissionConfig tunes the permission manager.
type PermissionConfig struct {
	DefaultTTL    time.Duration `json:"default_ttl" env:"PERMISSION_DEFAULT_TTL_SECONDS"`
	SweepInterval time.Duration `json:"sweep_interval"`
	HardCap       time.Duration `json:"hard_cap"`
}

// SessionConfig tunes per-session behavior.
type SessionConfig struct {
	Deadline       time.Duration `json:"deadline" env:"SESSION_DEADLINE_SECONDS"`
	HistoryWindow  int           `json:"history_window"`
	SendBufferSize int           `json:"send_buffer_size"`
}

// ExecutorConfig tunes workflow execution.
type ExecutorConfig struct {
	WorkerPoolSize int           `json:"worker_pool_size" env:"WEFT_WORKER_POOL_SIZE"`
	RetryBase      time.Duration `json:"retry_base"`
	RetryFactor    float64       `json:"retry_factor"`
	RetryJitter    float64       `json:"retry_jitter"`
	MaxAttempts    int           `json:"max_attempts"`
	DesignReview   bool          `json:"design_review" env:"WEFT_DESIGN_REVIEW"`
}

// RedisConfig holds the optional Redis connection.
type RedisConfig struct {
	URL string `json:"url" env:"WEFT_REDIS_URL,REDIS_URL"`
}

// TelemetryConfig contains observability configuration.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled" env:"WEFT_TELEMETRY_ENABLED"`
	Endpoint    string `json:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `json:"service_name" env:"OTEL_SERVICE_NAME"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL"`
	Format string `json:"format" env:"LOG_FORMAT"`
}

// Option is a functional configuration option.
type Option func(*Config) error

// DefaultConfig returns the baseline configuration before environment
// variables and options are applied.
func DefaultConfig() *Config {
	return &Config{
		Name: "weft",
		Port: 8080,
		HTTP: HTTPConfig{
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		LLM: LLMConfig{
			Provider:    "auto",
			Model:       "",
			Temperature: 0.7,
			MaxTokens:   4000,
			Timeout:     60 * time.Second,
		},
		Store: StoreConfig{
			Root: "./workflows",
		},
		Permissions: PermissionConfig{
			DefaultTTL:    5 * time.Minute,
			SweepInterval: 1 * time.Second,
			HardCap:       10 * time.Minute,
		},
		Session: SessionConfig{
			Deadline:       15 * time.Minute,
			HistoryWindow:  50,
			SendBufferSize: 256,
		},
		Executor: ExecutorConfig{
			WorkerPoolSize: 64,
			RetryBase:      250 * time.Millisecond,
			RetryFactor:    2.0,
			RetryJitter:    0.2,
			MaxAttempts:    3,
			DesignReview:   false,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "weft",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "",
		},
	}
}

// LoadFromEnv applies environment variables on top of the current values.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("WEFT_SERVICE_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("WEFT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WEFT_PORT %q: %w", v, ErrInvalidConfiguration)
		}
		c.Port = port
	}

	if v := os.Getenv("WEFT_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("WEFT_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("WEFT_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}

	if v := os.Getenv("STORE_ROOT"); v != "" {
		c.Store.Root = v
	}
	if v := os.Getenv("WEFT_REGISTRY_FILE"); v != "" {
		c.Registry.File = v
	}

	if v := os.Getenv("PERMISSION_DEFAULT_TTL_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return fmt.Errorf("invalid PERMISSION_DEFAULT_TTL_SECONDS %q: %w", v, ErrInvalidConfiguration)
		}
		c.Permissions.DefaultTTL = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("SESSION_DEADLINE_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return fmt.Errorf("invalid SESSION_DEADLINE_SECONDS %q: %w", v, ErrInvalidConfiguration)
		}
		c.Session.Deadline = time.Duration(secs) * time.Second
	}

	if v := os.Getenv("WEFT_WORKER_POOL_SIZE"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil || size <= 0 {
			return fmt.Errorf("invalid WEFT_WORKER_POOL_SIZE %q: %w", v, ErrInvalidConfiguration)
		}
		c.Executor.WorkerPoolSize = size
	}
	if v := os.Getenv("WEFT_DESIGN_REVIEW"); v != "" {
		c.Executor.DesignReview = strings.EqualFold(v, "true") || v == "1"
	}

	if v := os.Getenv("WEFT_REDIS_URL"); v != "" {
		c.Redis.URL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}

	if v := os.Getenv("WEFT_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	return nil
}

// Validate checks the final configuration. Called automatically by
// NewConfig but safe to call after manual mutation too.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("invalid port: %d", c.Port),
			Err:     ErrInvalidConfiguration,
		}
	}

	if c.Store.Root == "" {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "store root is required",
			Err:     ErrMissingConfiguration,
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("invalid log level: %s", c.Logging.Level),
			Err:     ErrInvalidConfiguration,
		}
	}

	if c.LLM.Provider != "mock" && c.LLM.Provider != "auto" && c.LLM.APIKey == "" {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("LLM_API_KEY is required for provider %q", c.LLM.Provider),
			Err:     ErrMissingConfiguration,
		}
	}

	if c.Permissions.DefaultTTL <= 0 || c.Permissions.DefaultTTL > c.Permissions.HardCap {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("permission TTL %s outside (0, %s]", c.Permissions.DefaultTTL, c.Permissions.HardCap),
			Err:     ErrInvalidConfiguration,
		}
	}

	if c.Executor.MaxAttempts < 1 {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("executor max attempts must be >= 1, got %d", c.Executor.MaxAttempts),
			Err:     ErrInvalidConfiguration,
		}
	}

	return nil
}

// NewConfig builds a Config from defaults, environment, and options,
// then validates it.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// WithName sets the service name.
func WithName(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("name cannot be empty: %w", ErrInvalidConfiguration)
		}
		c.Name = name
		return nil
	}
}

// WithPort sets the HTTP listen port.
func WithPort(port int) Option {
	return func(c *Config) error {
		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid port %d: %w", port, ErrInvalidConfiguration)
		}
		c.Port = port
		return nil
	}
}

// WithStoreRoot sets the workflow template directory.
func WithStoreRoot(root string) Option {
	return func(c *Config) error {
		if root == "" {
			return fmt.Errorf("store root cannot be empty: %w", ErrInvalidConfiguration)
		}
		c.Store.Root = root
		return nil
	}
}

// WithRegistryFile sets the node catalog document path.
func WithRegistryFile(path string) Option {
	return func(c *Config) error {
		c.Registry.File = path
		return nil
	}
}

// WithLLMProvider selects the LLM provider ("openai", "anthropic",
// "mock", or "auto" for environment detection).
func WithLLMProvider(provider string) Option {
	return func(c *Config) error {
		c.LLM.Provider = provider
		return nil
	}
}

// WithLLMAPIKey sets the LLM API key explicitly.
func WithLLMAPIKey(key string) Option {
	return func(c *Config) error {
		c.LLM.APIKey = key
		return nil
	}
}

// WithLLMModel sets the default model identifier.
func WithLLMModel(model string) Option {
	return func(c *Config) error {
		c.LLM.Model = model
		return nil
	}
}

// WithRedisURL sets the Redis connection URL for session and run storage.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Redis.URL = url
		return nil
	}
}

// WithPermissionTTL overrides the default permission request TTL.
func WithPermissionTTL(ttl time.Duration) Option {
	return func(c *Config) error {
		if ttl <= 0 {
			return fmt.Errorf("permission TTL must be positive: %w", ErrInvalidConfiguration)
		}
		c.Permissions.DefaultTTL = ttl
		return nil
	}
}

// WithSessionDeadline overrides the per-session soft deadline.
func WithSessionDeadline(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("session deadline must be positive: %w", ErrInvalidConfiguration)
		}
		c.Session.Deadline = d
		return nil
	}
}

// WithWorkerPoolSize bounds concurrent capability invocations.
func WithWorkerPoolSize(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("worker pool size must be >= 1: %w", ErrInvalidConfiguration)
		}
		c.Executor.WorkerPoolSize = n
		return nil
	}
}

// WithDesignReview toggles the LLM plan-review pass between design and
// execution.
func WithDesignReview(enabled bool) Option {
	return func(c *Config) error {
		c.Executor.DesignReview = enabled
		return nil
	}
}

// WithLogLevel sets the log level (debug, info, warn, error).
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		switch strings.ToLower(level) {
		case "debug", "info", "warn", "error":
			c.Logging.Level = strings.ToLower(level)
			return nil
		default:
			return fmt.Errorf("invalid log level %q: %w", level, ErrInvalidConfiguration)
		}
	}
}

// WithTelemetry enables telemetry export to the given OTLP endpoint.
func WithTelemetry(endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = endpoint
		return nil
	}
}
