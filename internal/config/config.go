package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sanbao-ai/sanbao/backend/internal/ssrf"
)

// Config holds all configuration for the sanbao backend.
type Config struct {
	Port      int             `yaml:"port"`
	Version   string          `yaml:"version"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Auth      AuthConfig      `yaml:"auth"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Jobs      JobsConfig      `yaml:"jobs"`
	URLGuard  URLGuardConfig  `yaml:"url_guard"`
	Retention RetentionConfig `yaml:"retention"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

type DatabaseConfig struct {
	// Empty URL selects the in-memory store.
	URL            string `yaml:"url"`
	MaxConnections int    `yaml:"max_connections"`
	// DataDir persists the in-memory store as a JSON snapshot.
	DataDir string `yaml:"data_dir"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

type AuthConfig struct {
	// APIKeys guard /api/v1. Empty disables auth.
	APIKeys []string `yaml:"api_keys"`
}

type MetricsConfig struct {
	Name       string `yaml:"name"`
	Prometheus bool   `yaml:"prometheus"`
}

type RateLimitConfig struct {
	PerMinute       int           `yaml:"per_minute"`
	Window          time.Duration `yaml:"window"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type JobsConfig struct {
	// Empty NATSURL runs jobs inline in this process.
	NATSURL       string        `yaml:"nats_url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	QueueGroup    string        `yaml:"queue_group"`
	Concurrency   int           `yaml:"concurrency"`
	MaxAttempts   int           `yaml:"max_attempts"`
	Backoff       time.Duration `yaml:"backoff"`
}

type URLGuardConfig struct {
	ResolveDNS bool          `yaml:"resolve_dns"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
	Timeout    time.Duration `yaml:"timeout"`
}

// RetentionConfig controls how long audit entries and webhook deliveries are
// kept. A zero day count keeps that data forever.
type RetentionConfig struct {
	AuditDays    int           `yaml:"audit_days"`
	DeliveryDays int           `yaml:"delivery_days"`
	Interval     time.Duration `yaml:"interval"`
	// ArchiveDir receives expired records as JSONL before they are purged.
	// Empty purges without archiving.
	ArchiveDir string `yaml:"archive_dir"`
	Compress   bool   `yaml:"compress"`
}

// WebhookConfig is one outbound webhook subscription.
type WebhookConfig struct {
	ID          string        `yaml:"id"`
	URL         string        `yaml:"url"`
	Events      []string      `yaml:"events"`
	Secret      string        `yaml:"secret"`
	Active      *bool         `yaml:"active"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// IsActive defaults to true when unset.
func (w WebhookConfig) IsActive() bool {
	return w.Active == nil || *w.Active
}

// Load reads configuration from the environment (after loading .env if present)
// and overlays the YAML file at path when path is non-empty. SANBAO_CONFIG is
// used when path is empty.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := fromEnv()

	if path == "" {
		path = os.Getenv("SANBAO_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromEnv() *Config {
	return &Config{
		Port:    envInt("SANBAO_PORT", 8080),
		Version: envStr("SANBAO_VERSION", "0.1.0"),
		Log: LogConfig{
			Level:  envStr("LOG_LEVEL", "info"),
			Format: envStr("LOG_FORMAT", "console"),
		},
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
			DataDir:        envStr("SANBAO_DATA_DIR", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "sanbao-backend"),
			SampleRatio:  envFloat("OTEL_SAMPLE_RATIO", 1.0),
		},
		Auth: AuthConfig{
			APIKeys: envList("SANBAO_API_KEYS"),
		},
		Metrics: MetricsConfig{
			Name:       envStr("METRICS_NAME", "sanbao_request_duration"),
			Prometheus: envBool("METRICS_PROMETHEUS", true),
		},
		RateLimit: RateLimitConfig{
			PerMinute:       envInt("RATE_LIMIT_PER_MINUTE", 60),
			Window:          envDuration("RATE_LIMIT_WINDOW", time.Minute),
			CleanupInterval: envDuration("RATE_LIMIT_CLEANUP_INTERVAL", 5*time.Minute),
		},
		Jobs: JobsConfig{
			NATSURL:       envStr("NATS_URL", ""),
			SubjectPrefix: envStr("JOBS_SUBJECT_PREFIX", "sanbao.jobs"),
			QueueGroup:    envStr("JOBS_QUEUE_GROUP", "sanbao-workers"),
			Concurrency:   envInt("JOBS_CONCURRENCY", 5),
			MaxAttempts:   envInt("JOBS_MAX_ATTEMPTS", 3),
			Backoff:       envDuration("JOBS_BACKOFF", 2*time.Second),
		},
		URLGuard: URLGuardConfig{
			ResolveDNS: envBool("URL_GUARD_RESOLVE_DNS", true),
			CacheTTL:   envDuration("URL_GUARD_CACHE_TTL", 5*time.Minute),
			Timeout:    envDuration("URL_GUARD_TIMEOUT", 3*time.Second),
		},
		Retention: RetentionConfig{
			AuditDays:    envInt("RETENTION_AUDIT_DAYS", 365),
			DeliveryDays: envInt("RETENTION_DELIVERY_DAYS", 30),
			Interval:     envDuration("RETENTION_INTERVAL", time.Hour),
			ArchiveDir:   envStr("RETENTION_ARCHIVE_DIR", ""),
			Compress:     envBool("RETENTION_COMPRESS", true),
		},
	}
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log format %q must be json or console", c.Log.Format))
	}
	if c.RateLimit.PerMinute < 0 {
		errs = append(errs, errors.New("rate_limit.per_minute must not be negative"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.window must be positive"))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %v must be within [0, 1]", c.Telemetry.SampleRatio))
	}
	if c.Jobs.Concurrency <= 0 {
		errs = append(errs, errors.New("jobs.concurrency must be positive"))
	}
	if c.Jobs.MaxAttempts <= 0 {
		errs = append(errs, errors.New("jobs.max_attempts must be positive"))
	}

	if c.Retention.AuditDays < 0 || c.Retention.DeliveryDays < 0 {
		errs = append(errs, errors.New("retention days must not be negative"))
	}
	if (c.Retention.AuditDays > 0 || c.Retention.DeliveryDays > 0) && c.Retention.Interval < time.Minute {
		errs = append(errs, errors.New("retention.interval must be at least 1m"))
	}

	seen := make(map[string]bool, len(c.Webhooks))
	for i, w := range c.Webhooks {
		if w.ID == "" {
			errs = append(errs, fmt.Errorf("webhooks[%d]: id is required", i))
		} else if seen[w.ID] {
			errs = append(errs, fmt.Errorf("webhooks[%d]: duplicate id %q", i, w.ID))
		}
		seen[w.ID] = true
		if len(w.Events) == 0 {
			errs = append(errs, fmt.Errorf("webhooks[%d]: at least one event is required", i))
		}
		if !ssrf.IsSafe(w.URL) {
			errs = append(errs, fmt.Errorf("webhooks[%d]: url %q points to a private or invalid address", i, w.URL))
		}
	}
	return errors.Join(errs...)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
