// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Store         StoreConfig         `yaml:"store"`
	Redis         RedisConfig         `yaml:"redis"`
	Directory     DirectoryConfig     `yaml:"directory"`
	Thresholds    ThresholdsConfig    `yaml:"thresholds"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Notify        NotifyConfig        `yaml:"notify"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// AuthConfig describes bearer token verification. Tokens are HS256 signed
// with a shared secret; the subject claim is the approver identity.
type AuthConfig struct {
	Issuer     string            `yaml:"issuer"`
	Audience   string            `yaml:"audience"`
	Secret     string            `yaml:"secret"`
	SecretEnv  string            `yaml:"secret_env"`
	AdminRole  string            `yaml:"admin_role"`
	Leeway     time.Duration     `yaml:"leeway"`
	ClaimPaths map[string]string `yaml:"claim_paths"`
}

// SigningKey returns the configured secret, preferring the named env var.
func (a AuthConfig) SigningKey() string {
	if a.SecretEnv != "" {
		if v := os.Getenv(a.SecretEnv); v != "" {
			return v
		}
	}
	return a.Secret
}

// StoreConfig selects the persistence driver for thresholds, delegations and
// instances.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// ConnString returns the DSN, preferring the named env var.
func (s StoreConfig) ConnString() string {
	if s.DSNEnv != "" {
		if v := os.Getenv(s.DSNEnv); v != "" {
			return v
		}
	}
	return s.DSN
}

// RedisConfig describes the shared Redis connection.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	AddrEnv     string `yaml:"addr_env"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
}

// Address returns the Redis address, preferring the named env var.
func (r RedisConfig) Address() string {
	if r.AddrEnv != "" {
		if v := os.Getenv(r.AddrEnv); v != "" {
			return v
		}
	}
	return r.Addr
}

// DirectoryConfig locates the role directory file.
type DirectoryConfig struct {
	File           string        `yaml:"file"`
	ReloadInterval time.Duration `yaml:"reload_interval"`
}

// ThresholdsConfig lists directories of threshold seed files.
type ThresholdsConfig struct {
	SeedDirectories []string `yaml:"seed_directories"`
}

// SchedulerConfig describes the escalation scheduler.
type SchedulerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	Concurrency int           `yaml:"concurrency"`
}

// NotifyConfig selects notification sinks.
type NotifyConfig struct {
	Sinks   []string      `yaml:"sinks"`
	Redis   StreamConfig  `yaml:"redis"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// StreamConfig describes the Redis stream sink.
type StreamConfig struct {
	Stream string `yaml:"stream"`
	MaxLen int64  `yaml:"max_len"`
}

// WebhookConfig describes the webhook sink.
type WebhookConfig struct {
	URL            string               `yaml:"url"`
	SecretEnv      string               `yaml:"secret_env"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// IdempotencyConfig describes submission deduplication.
type IdempotencyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Driver  string        `yaml:"driver"`
	TTL     time.Duration `yaml:"ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Exporter          string  `yaml:"exporter"`
	Endpoint          string  `yaml:"endpoint"`
	SamplingRate      float64 `yaml:"sampling_rate"`
	ForceSampleErrors bool    `yaml:"force_sample_errors"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Notification sink names.
const (
	SinkLog     = "log"
	SinkRedis   = "redis"
	SinkWebhook = "webhook"
)

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Auth: AuthConfig{
			AdminRole: "approvals_admin",
			Leeway:    30 * time.Second,
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Store: StoreConfig{
			Driver:          "memory",
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 30 * time.Minute,
			Migrate:         true,
		},
		Directory: DirectoryConfig{
			ReloadInterval: time.Minute,
		},
		Scheduler: SchedulerConfig{
			Enabled:     true,
			Interval:    time.Minute,
			BatchSize:   500,
			Concurrency: 8,
		},
		Notify: NotifyConfig{
			Sinks: []string{SinkLog},
			Redis: StreamConfig{
				Stream: "ratify:notifications",
				MaxLen: 100000,
			},
			Webhook: WebhookConfig{
				Timeout: 10 * time.Second,
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					SuccessThreshold: 2,
					Timeout:          30 * time.Second,
				},
			},
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Driver:  "memory",
			TTL:     24 * time.Hour,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Auth.SigningKey() == "" {
		errs = append(errs, "auth.secret or auth.secret_env is required")
	}
	if c.Auth.AdminRole == "" {
		errs = append(errs, "auth.admin_role is required")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.ConnString() == "" {
			errs = append(errs, "store.dsn or store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (memory, postgres)", c.Store.Driver))
	}

	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		errs = append(errs, "scheduler.interval must be positive")
	}

	needRedis := false
	for _, s := range c.Notify.Sinks {
		switch s {
		case SinkLog:
		case SinkRedis:
			needRedis = true
		case SinkWebhook:
			if c.Notify.Webhook.URL == "" {
				errs = append(errs, "notify.webhook.url is required for the webhook sink")
			}
		default:
			errs = append(errs, fmt.Sprintf("notify.sinks: unknown sink %q", s))
		}
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Driver {
		case "memory":
		case "redis":
			needRedis = true
		default:
			errs = append(errs, fmt.Sprintf("idempotency.driver %q is not supported (memory, redis)", c.Idempotency.Driver))
		}
		if c.Idempotency.TTL <= 0 {
			errs = append(errs, "idempotency.ttl must be positive")
		}
	}
	if needRedis && c.Redis.Address() == "" {
		errs = append(errs, "redis.addr or redis.addr_env is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// UsesRedis reports whether any configured component needs Redis.
func (c *Config) UsesRedis() bool {
	return slices.Contains(c.Notify.Sinks, SinkRedis) ||
		(c.Idempotency.Enabled && c.Idempotency.Driver == "redis")
}

// applyEnvOverrides reads RATIFY_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RATIFY_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RATIFY_AUTH_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("RATIFY_AUTH_AUDIENCE"); v != "" {
		cfg.Auth.Audience = v
	}
	if v := os.Getenv("RATIFY_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("RATIFY_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("RATIFY_DIRECTORY_FILE"); v != "" {
		cfg.Directory.File = v
	}
	if v := os.Getenv("RATIFY_SCHEDULER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.Interval = d
		}
	}
	if v := os.Getenv("RATIFY_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
