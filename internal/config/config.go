package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine.
type Config struct {
	Server     ServerConfig              `yaml:"server"`
	Database   DatabaseConfig            `yaml:"database"`
	Redis      RedisConfig               `yaml:"redis"`
	Auth       AuthConfig                `yaml:"auth"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
	Scheduler  SchedulerConfig           `yaml:"scheduler"`
	Intake     IntakeConfig              `yaml:"intake"`
	Breaker    BreakerConfig             `yaml:"breaker"`
	RateLimits RateLimitConfig           `yaml:"rate_limits"`
	LinkedIn   LinkedInConfig            `yaml:"linkedin"`
	Log        LogConfig                 `yaml:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
	// Mode is "production" or "development"; development returns error
	// details in API responses.
	Mode string `yaml:"mode"`
}

// GetHost returns the bind host, with container detection.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Production reports whether the server runs with sanitized error output.
func (c ServerConfig) Production() bool { return c.Mode != "development" }

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis connection settings. Redis backs the per-key API
// rate limiter, the scheduler idempotency cache, and distributed locks.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// AuthConfig holds API-key authentication settings.
type AuthConfig struct {
	// Keys maps key fingerprint (SHA-256 hex of the full key) to the
	// argon2id hash of the key. Loaded at startup; rotation requires reload.
	Keys map[string]string `yaml:"keys"`
	// LockoutAttempts is the failed-attempt count before an IP is blocked.
	LockoutAttempts int `yaml:"lockout_attempts"`
	// LockoutSeconds is how long a blocked IP stays blocked.
	LockoutSeconds int `yaml:"lockout_seconds"`
	// CSRFSecret signs the CSRF double-submit token.
	CSRFSecret string `yaml:"csrf_secret"`
	// KeyRateLimit is requests/minute allowed per API key.
	KeyRateLimit int `yaml:"key_rate_limit"`
}

// LockoutWindow returns the lockout duration.
func (a AuthConfig) LockoutWindow() time.Duration {
	return time.Duration(a.LockoutSeconds) * time.Second
}

// ProviderConfig holds one provider's credentials and limits.
type ProviderConfig struct {
	APIKey        string `yaml:"api_key"`
	WebhookSecret string `yaml:"webhook_secret"`
	BaseURL       string `yaml:"base_url"`

	TimeoutSeconds int     `yaml:"timeout_seconds"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
	Burst          int     `yaml:"burst"`

	Enabled bool `yaml:"enabled"`
}

// Timeout returns the provider call timeout as a duration.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// IntakeEnabled reports whether webhook intake for this provider is
// permitted. A missing webhook secret disables intake (fail-closed).
func (p ProviderConfig) IntakeEnabled() bool {
	return p.Enabled && p.WebhookSecret != ""
}

// SchedulerConfig tunes the enrollment scheduler.
type SchedulerConfig struct {
	TickSeconds    int `yaml:"tick_seconds"`
	BatchSize      int `yaml:"batch_size"`
	Workers        int `yaml:"workers"`
	MaxSendRetries int `yaml:"max_send_retries"`
	// IdempotencyTTLHours bounds the Redis idempotency-key cache.
	IdempotencyTTLHours int `yaml:"idempotency_ttl_hours"`
}

// Tick returns the scheduler tick interval.
func (s SchedulerConfig) Tick() time.Duration {
	return time.Duration(s.TickSeconds) * time.Second
}

// IntakeConfig tunes the webhook intake pipeline and orphan queue.
type IntakeConfig struct {
	MaxCommitRetries  int `yaml:"max_commit_retries"`
	MaxOrphanAttempts int `yaml:"max_orphan_attempts"`
	OrphanBatchSize   int `yaml:"orphan_batch_size"`
	// MaxBodyBytes caps webhook payload size.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// BreakerConfig holds circuit-breaker knobs applied per provider.
type BreakerConfig struct {
	TimeoutSeconds       int     `yaml:"timeout_seconds"`        // reset timeout (open → half-open)
	RollingWindowSeconds int     `yaml:"rolling_window_seconds"` // counter window while closed
	VolumeThreshold      int     `yaml:"volume_threshold"`
	ErrorThresholdPct    float64 `yaml:"error_threshold_pct"`
	Capacity             int     `yaml:"capacity"` // concurrent in-flight cap
}

// ResetTimeout returns the open-state reset timeout.
func (b BreakerConfig) ResetTimeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// RollingWindow returns the closed-state counter window.
func (b BreakerConfig) RollingWindow() time.Duration {
	return time.Duration(b.RollingWindowSeconds) * time.Second
}

// RateLimitConfig holds the global token bucket.
type RateLimitConfig struct {
	GlobalPerSecond float64 `yaml:"global_per_second"`
	GlobalBurst     int     `yaml:"global_burst"`
}

// LinkedInConfig holds per-account daily action caps.
type LinkedInConfig struct {
	DailyConnections  int `yaml:"daily_connections"`
	DailyMessages     int `yaml:"daily_messages"`
	DailyProfileViews int `yaml:"daily_profile_views"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Load reads and parses the configuration file, then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Auth.LockoutAttempts == 0 {
		c.Auth.LockoutAttempts = 5
	}
	if c.Auth.LockoutSeconds == 0 {
		c.Auth.LockoutSeconds = 900
	}
	if c.Auth.KeyRateLimit == 0 {
		c.Auth.KeyRateLimit = 300
	}
	if c.Scheduler.TickSeconds == 0 {
		c.Scheduler.TickSeconds = 5
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 100
	}
	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = 8
	}
	if c.Scheduler.MaxSendRetries == 0 {
		c.Scheduler.MaxSendRetries = 3
	}
	if c.Scheduler.IdempotencyTTLHours == 0 {
		c.Scheduler.IdempotencyTTLHours = 24
	}
	if c.Intake.MaxCommitRetries == 0 {
		c.Intake.MaxCommitRetries = 3
	}
	if c.Intake.MaxOrphanAttempts == 0 {
		c.Intake.MaxOrphanAttempts = 12
	}
	if c.Intake.OrphanBatchSize == 0 {
		c.Intake.OrphanBatchSize = 200
	}
	if c.Intake.MaxBodyBytes == 0 {
		c.Intake.MaxBodyBytes = 5 * 1024 * 1024
	}
	if c.Breaker.TimeoutSeconds == 0 {
		c.Breaker.TimeoutSeconds = 30
	}
	if c.Breaker.RollingWindowSeconds == 0 {
		c.Breaker.RollingWindowSeconds = 60
	}
	if c.Breaker.VolumeThreshold == 0 {
		c.Breaker.VolumeThreshold = 10
	}
	if c.Breaker.ErrorThresholdPct == 0 {
		c.Breaker.ErrorThresholdPct = 50
	}
	if c.Breaker.Capacity == 0 {
		c.Breaker.Capacity = 32
	}
	if c.RateLimits.GlobalPerSecond == 0 {
		c.RateLimits.GlobalPerSecond = 100
	}
	if c.RateLimits.GlobalBurst == 0 {
		c.RateLimits.GlobalBurst = 200
	}
	if c.LinkedIn.DailyConnections == 0 {
		c.LinkedIn.DailyConnections = 100
	}
	if c.LinkedIn.DailyMessages == 0 {
		c.LinkedIn.DailyMessages = 150
	}
	if c.LinkedIn.DailyProfileViews == 0 {
		c.LinkedIn.DailyProfileViews = 250
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	for name, p := range c.Providers {
		if p.TimeoutSeconds == 0 {
			switch name {
			case "heygen":
				p.TimeoutSeconds = 30
			case "phantombuster":
				p.TimeoutSeconds = 15
			default:
				p.TimeoutSeconds = 10
			}
		}
		if p.RatePerSecond == 0 {
			p.RatePerSecond = 10
		}
		if p.Burst == 0 {
			p.Burst = 20
		}
		c.Providers[name] = p
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets
// can live in .env locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("SERVER_MODE"); v != "" {
		cfg.Server.Mode = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CSRF_SECRET"); v != "" {
		cfg.Auth.CSRFSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	// Provider overrides: <PROVIDER>_API_KEY / <PROVIDER>_WEBHOOK_SECRET.
	for _, name := range []string{"lemlist", "postmark", "phantombuster", "heygen"} {
		p := cfg.Providers[name]
		envName := toEnvName(name)
		if v := os.Getenv(envName + "_API_KEY"); v != "" {
			p.APIKey = v
			p.Enabled = true
		}
		if v := os.Getenv(envName + "_WEBHOOK_SECRET"); v != "" {
			p.WebhookSecret = v
		}
		cfg.Providers[name] = p
	}
	cfg.applyDefaults()

	return cfg, nil
}

func toEnvName(provider string) string {
	out := make([]byte, len(provider))
	for i := 0; i < len(provider); i++ {
		ch := provider[i]
		if ch >= 'a' && ch <= 'z' {
			ch -= 'a' - 'A'
		}
		out[i] = ch
	}
	return string(out)
}

// Validate enforces startup invariants. Missing database URL is fatal;
// providers without webhook secrets merely have intake disabled.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required (set database.url or DATABASE_URL)")
	}
	for name, p := range c.Providers {
		if p.Enabled && p.APIKey == "" {
			return fmt.Errorf("provider %s is enabled but has no api key", name)
		}
	}
	return nil
}
