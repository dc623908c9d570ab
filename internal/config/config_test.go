package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := Defaults()
	cfg.Auth.Secret = "test-signing-secret-0123456789abcdef"
	return cfg
}

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 30s", cfg.Server.WriteTimeout)
	}
	if cfg.Auth.AdminRole != "approvals_admin" {
		t.Errorf("Auth.AdminRole = %q, want default", cfg.Auth.AdminRole)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.MaxConns != 10 {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Scheduler.Interval != 30*time.Second || cfg.Scheduler.Concurrency != 4 {
		t.Errorf("Scheduler = %+v", cfg.Scheduler)
	}
	if len(cfg.Notify.Sinks) != 3 {
		t.Errorf("Notify.Sinks = %v, want 3 entries", cfg.Notify.Sinks)
	}
	if cfg.Notify.Redis.Stream != "approvals" || cfg.Notify.Redis.MaxLen != 100000 {
		t.Errorf("Notify.Redis = %+v", cfg.Notify.Redis)
	}
	cb := cfg.Notify.Webhook.CircuitBreaker
	if cb.FailureThreshold != 3 || cb.SuccessThreshold != 2 {
		t.Errorf("Webhook.CircuitBreaker = %+v", cb)
	}
	if cfg.Idempotency.TTL != 12*time.Hour {
		t.Errorf("Idempotency.TTL = %v, want 12h", cfg.Idempotency.TTL)
	}
	if !cfg.UsesRedis() {
		t.Error("UsesRedis() = false, want true")
	}
}

func TestLoad_missing_file(t *testing.T) {
	if _, err := Load("testdata/nonexistent.yaml"); err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_secret(t *testing.T) {
	_, err := Load("testdata/missing_secret.yaml")
	if err == nil || !strings.Contains(err.Error(), "auth.secret") {
		t.Fatalf("Load() error = %v, want auth.secret error", err)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("default Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Scheduler.BatchSize != 500 {
		t.Errorf("default Scheduler.BatchSize = %d, want 500", cfg.Scheduler.BatchSize)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
	if cfg.UsesRedis() {
		t.Error("default config should not need redis")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RATIFY_SERVER_PORT", "3000")
	t.Setenv("RATIFY_AUTH_ISSUER", "https://env-issuer.com")
	t.Setenv("RATIFY_SCHEDULER_INTERVAL", "5s")
	t.Setenv("RATIFY_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Auth.Issuer != "https://env-issuer.com" {
		t.Errorf("Auth.Issuer = %q, want env override", cfg.Auth.Issuer)
	}
	if cfg.Scheduler.Interval != 5*time.Second {
		t.Errorf("Scheduler.Interval = %v, want 5s", cfg.Scheduler.Interval)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestSecretFromEnv(t *testing.T) {
	t.Setenv("TEST_RATIFY_SECRET", "from-env")
	a := AuthConfig{Secret: "from-file", SecretEnv: "TEST_RATIFY_SECRET"}
	if got := a.SigningKey(); got != "from-env" {
		t.Errorf("SigningKey() = %q, want from-env", got)
	}
	a.SecretEnv = "TEST_RATIFY_UNSET"
	if got := a.SigningKey(); got != "from-file" {
		t.Errorf("SigningKey() = %q, want from-file", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults with secret", func(*Config) {}, ""},
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"unknown store", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, "store.dsn"},
		{"zero interval", func(c *Config) { c.Scheduler.Interval = 0 }, "scheduler.interval"},
		{"unknown sink", func(c *Config) { c.Notify.Sinks = []string{"sms"} }, "unknown sink"},
		{"webhook without url", func(c *Config) { c.Notify.Sinks = []string{SinkWebhook} }, "notify.webhook.url"},
		{"redis sink without addr", func(c *Config) { c.Notify.Sinks = []string{SinkRedis} }, "redis.addr"},
		{"redis idempotency without addr", func(c *Config) { c.Idempotency.Driver = "redis" }, "redis.addr"},
		{"disabled idempotency ignores driver", func(c *Config) {
			c.Idempotency.Enabled = false
			c.Idempotency.Driver = "bogus"
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
