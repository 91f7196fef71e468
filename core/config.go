package core

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	SchemeHexHMAC         = "hex_hmac"
	SchemeTimestampedHMAC = "timestamped_hmac"

	RateLimitStoreMemory = "memory"
	RateLimitStoreSQL    = "sql"

	WakeupQueueMemory = "memory"
	WakeupQueueSQL    = "sql"
)

type Config struct {
	ServiceName string            `koanf:"service_name" mapstructure:"service_name"`
	Log         LogConfig         `koanf:"log" mapstructure:"log"`
	HTTP        HTTPConfig        `koanf:"http" mapstructure:"http"`
	Database    DatabaseConfig    `koanf:"database" mapstructure:"database"`
	Webhooks    WebhooksConfig    `koanf:"webhooks" mapstructure:"webhooks"`
	Retry       RetryConfig       `koanf:"retry" mapstructure:"retry"`
	Idempotency IdempotencyConfig `koanf:"idempotency" mapstructure:"idempotency"`
	RateLimit   RateLimitConfig   `koanf:"ratelimit" mapstructure:"ratelimit"`
	Retention   RetentionConfig   `koanf:"retention" mapstructure:"retention"`
	Telemetry   TelemetryConfig   `koanf:"telemetry" mapstructure:"telemetry"`
}

type LogConfig struct {
	Level string `koanf:"level" mapstructure:"level"`
}

type HTTPConfig struct {
	Addr            string        `koanf:"addr" mapstructure:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `koanf:"max_body_bytes" mapstructure:"max_body_bytes"`
	AdminAPIKeys    []string      `koanf:"admin_api_keys" mapstructure:"admin_api_keys"`
}

type DatabaseConfig struct {
	Driver      string        `koanf:"driver" mapstructure:"driver"`
	DSN         string        `koanf:"dsn" mapstructure:"dsn"`
	Debug       bool          `koanf:"debug" mapstructure:"debug"`
	PingTimeout time.Duration `koanf:"ping_timeout" mapstructure:"ping_timeout"`
}

type SecretConfig struct {
	Value     string `koanf:"value" mapstructure:"value"`
	NotBefore string `koanf:"not_before" mapstructure:"not_before"`
	NotAfter  string `koanf:"not_after" mapstructure:"not_after"`
}

type SourceConfig struct {
	Scheme       string         `koanf:"scheme" mapstructure:"scheme"`
	Header       string         `koanf:"header" mapstructure:"header"`
	Secrets      []SecretConfig `koanf:"secrets" mapstructure:"secrets"`
	RejectStatus int            `koanf:"reject_status" mapstructure:"reject_status"`
	Tolerance    time.Duration  `koanf:"tolerance" mapstructure:"tolerance"`
}

type WebhooksConfig struct {
	HandlerTimeout time.Duration           `koanf:"handler_timeout" mapstructure:"handler_timeout"`
	AsyncWorkers   int                     `koanf:"async_workers" mapstructure:"async_workers"`
	ClaimLease     time.Duration           `koanf:"claim_lease" mapstructure:"claim_lease"`
	Sources        map[string]SourceConfig `koanf:"sources" mapstructure:"sources"`
}

type RetryConfig struct {
	BaseDelay     time.Duration `koanf:"base_delay" mapstructure:"base_delay"`
	MaxDelay      time.Duration `koanf:"max_delay" mapstructure:"max_delay"`
	MaxAttempts   int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	Jitter        float64       `koanf:"jitter" mapstructure:"jitter"`
	PollInterval  time.Duration `koanf:"poll_interval" mapstructure:"poll_interval"`
	BatchSize     int           `koanf:"batch_size" mapstructure:"batch_size"`
	Workers       int           `koanf:"workers" mapstructure:"workers"`
	RatePerSecond float64       `koanf:"rate_per_second" mapstructure:"rate_per_second"`
	WakeupQueue   string        `koanf:"wakeup_queue" mapstructure:"wakeup_queue"`
}

type IdempotencyConfig struct {
	TTL           time.Duration `koanf:"ttl" mapstructure:"ttl"`
	LockTimeout   time.Duration `koanf:"lock_timeout" mapstructure:"lock_timeout"`
	SweepInterval time.Duration `koanf:"sweep_interval" mapstructure:"sweep_interval"`
	CacheTTL      time.Duration `koanf:"cache_ttl" mapstructure:"cache_ttl"`
}

type RateLimitRule struct {
	Limit  int           `koanf:"limit" mapstructure:"limit"`
	Window time.Duration `koanf:"window" mapstructure:"window"`
}

type RateLimitConfig struct {
	Store         string        `koanf:"store" mapstructure:"store"`
	Instances     int           `koanf:"instances" mapstructure:"instances"`
	Webhooks      RateLimitRule `koanf:"webhooks" mapstructure:"webhooks"`
	Admin         RateLimitRule `koanf:"admin" mapstructure:"admin"`
	SweepInterval time.Duration `koanf:"sweep_interval" mapstructure:"sweep_interval"`
}

type RetentionConfig struct {
	ProcessedAfter time.Duration `koanf:"processed_after" mapstructure:"processed_after"`
	SweepInterval  time.Duration `koanf:"sweep_interval" mapstructure:"sweep_interval"`
}

type TelemetryConfig struct {
	Enabled        bool          `koanf:"enabled" mapstructure:"enabled"`
	OTLPEndpoint   string        `koanf:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	Insecure       bool          `koanf:"insecure" mapstructure:"insecure"`
	Interval       time.Duration `koanf:"interval" mapstructure:"interval"`
	ServiceVersion string        `koanf:"service_version" mapstructure:"service_version"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "hooks",
		Log:         LogConfig{Level: "info"},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 20 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Database: DatabaseConfig{
			Driver:      "sqlite3",
			DSN:         "file:hooks.db?cache=shared&_foreign_keys=on",
			PingTimeout: 5 * time.Second,
		},
		Webhooks: WebhooksConfig{
			HandlerTimeout: 5 * time.Second,
			AsyncWorkers:   16,
			ClaimLease:     30 * time.Second,
			Sources:        map[string]SourceConfig{},
		},
		Retry: RetryConfig{
			BaseDelay:    2 * time.Second,
			MaxDelay:     5 * time.Minute,
			MaxAttempts:  3,
			Jitter:       0.2,
			PollInterval: time.Second,
			BatchSize:    50,
			Workers:      8,
			WakeupQueue:  WakeupQueueSQL,
		},
		Idempotency: IdempotencyConfig{
			TTL:           24 * time.Hour,
			LockTimeout:   time.Minute,
			SweepInterval: 10 * time.Minute,
			CacheTTL:      5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Store:         RateLimitStoreSQL,
			Instances:     1,
			Webhooks:      RateLimitRule{Limit: 600, Window: time.Minute},
			Admin:         RateLimitRule{Limit: 60, Window: time.Minute},
			SweepInterval: time.Minute,
		},
		Retention: RetentionConfig{
			ProcessedAfter: 30 * 24 * time.Hour,
			SweepInterval:  time.Hour,
		},
		Telemetry: TelemetryConfig{
			Interval:       15 * time.Second,
			ServiceVersion: "dev",
		},
	}
}

func (c Config) Validate() error {
	var fields []goerrors.FieldError
	add := func(field string, message string) {
		fields = append(fields, goerrors.FieldError{Field: field, Message: message})
	}

	if strings.TrimSpace(c.ServiceName) == "" {
		add("service_name", "is required")
	}
	if c.Webhooks.HandlerTimeout <= 0 {
		add("webhooks.handler_timeout", "must be positive")
	}
	if c.Webhooks.ClaimLease <= c.Webhooks.HandlerTimeout {
		add("webhooks.claim_lease", "must be longer than handler_timeout")
	}
	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts", "must be at least 1")
	}
	if c.Retry.BaseDelay <= 0 {
		add("retry.base_delay", "must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		add("retry.max_delay", "must not be lower than base_delay")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		add("retry.jitter", "must be in [0, 1)")
	}
	switch strings.ToLower(strings.TrimSpace(c.Retry.WakeupQueue)) {
	case "", WakeupQueueMemory, WakeupQueueSQL:
	default:
		add("retry.wakeup_queue", "must be memory or sql")
	}
	if c.Idempotency.TTL <= 0 {
		add("idempotency.ttl", "must be positive")
	}
	if c.Idempotency.LockTimeout > 0 && c.Idempotency.LockTimeout <= c.HTTP.WriteTimeout {
		add("idempotency.lock_timeout", "must be longer than http.write_timeout")
	}
	switch strings.ToLower(strings.TrimSpace(c.RateLimit.Store)) {
	case RateLimitStoreSQL:
	case RateLimitStoreMemory:
		if c.RateLimit.Instances > 1 {
			add("ratelimit.store", "memory store is per-instance; use sql when instances > 1")
		}
	default:
		add("ratelimit.store", "must be memory or sql")
	}
	for name, source := range c.Webhooks.Sources {
		prefix := "webhooks.sources." + name
		switch strings.ToLower(strings.TrimSpace(source.Scheme)) {
		case SchemeHexHMAC, SchemeTimestampedHMAC:
		default:
			add(prefix+".scheme", fmt.Sprintf("unsupported scheme %q", source.Scheme))
		}
		if len(source.Secrets) == 0 {
			add(prefix+".secrets", "at least one secret is required")
		}
		for i, secret := range source.Secrets {
			if strings.TrimSpace(secret.Value) == "" {
				add(fmt.Sprintf("%s.secrets[%d].value", prefix, i), "is required")
			}
		}
		if status := source.RejectStatus; status != 0 &&
			status != http.StatusBadRequest &&
			status != http.StatusUnauthorized &&
			status != http.StatusForbidden {
			add(prefix+".reject_status", "must be 400, 401 or 403")
		}
	}

	if len(fields) == 0 {
		return nil
	}
	return goerrors.NewValidation("core: invalid configuration", fields...).
		WithCode(http.StatusBadRequest).
		WithTextCode(ErrorBadInput).
		WithSeverity(goerrors.SeverityError)
}
