// Package config loads attestd configuration from an optional YAML file and
// the environment. Environment variables take precedence over the file, and
// the file over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/Mindburn-Labs/attest/pkg/artifacts"
	"github.com/Mindburn-Labs/attest/pkg/evidence"
	"github.com/Mindburn-Labs/attest/pkg/observability"
	"github.com/Mindburn-Labs/attest/pkg/reconcile"
	"github.com/Mindburn-Labs/attest/pkg/retention"
)

// Config holds all attestd settings.
type Config struct {
	Port      int    `koanf:"port"`
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	// Storage
	StoreBackend  string `koanf:"store_backend"`
	CloudProvider string `koanf:"cloud_provider"`
	Bucket        string `koanf:"bucket"`
	Prefix        string `koanf:"prefix"`
	Region        string `koanf:"region"`
	Endpoint      string `koanf:"endpoint"`
	DataDir       string `koanf:"data_dir"`

	// Ledger. An empty DatabaseURL with the sql backend means lite mode:
	// SQLite under DataDir.
	LedgerBackend string `koanf:"ledger_backend"`
	LedgerShard   string `koanf:"ledger_shard"`
	DatabaseURL   string `koanf:"database_url"`
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	ControlsFile       string         `koanf:"controls_file"`
	RetentionOverrides map[string]int `koanf:"retention_overrides"` // days per source

	// Query
	VerifyOnRead bool `koanf:"verify_on_read"`
	VerifyAfter  int  `koanf:"verify_after"` // days

	// Scheduler
	MaxConcurrentJobs int           `koanf:"max_concurrent_jobs"`
	JobTimeout        time.Duration `koanf:"job_timeout"`
	ReconcileInterval time.Duration `koanf:"reconcile_interval"`
	SweepInterval     time.Duration `koanf:"sweep_interval"`
	TieringInterval   time.Duration `koanf:"tiering_interval"`
	ArchiveInterval   time.Duration `koanf:"archive_interval"`

	// Security
	SigningKeyFile  string  `koanf:"signing_key_file"`
	SigningSecret   string  `koanf:"signing_secret"`
	JWTSecret       string  `koanf:"jwt_secret"`
	RateLimitRPS    float64 `koanf:"rate_limit_rps"`
	RateLimitBurst  int     `koanf:"rate_limit_burst"`
	AlertWebhookURL string  `koanf:"alert_webhook_url"`

	// Telemetry
	OTelEnabled    bool    `koanf:"otel_enabled"`
	OTelEndpoint   string  `koanf:"otel_endpoint"`
	OTelInsecure   bool    `koanf:"otel_insecure"`
	OTelSampleRate float64 `koanf:"otel_sample_rate"`
	OTelCAFile     string  `koanf:"otel_ca_file"`
}

// Configuration validation errors.
var (
	ErrInvalidPort          = errors.New("port must be between 1 and 65535")
	ErrInvalidLogLevel      = errors.New("log_level must be debug, info, warn or error")
	ErrInvalidLogFormat     = errors.New("log_format must be text or json")
	ErrInvalidStoreBackend  = errors.New("store_backend must be local or cloud-object-store")
	ErrInvalidCloudProvider = errors.New("cloud_provider must be s3 or gcs")
	ErrMissingBucket        = errors.New("bucket is required for cloud-object-store")
	ErrInvalidLedger        = errors.New("ledger_backend must be sql or file")
	ErrMissingShard         = errors.New("ledger_shard is required")
	ErrMissingControlsFile  = errors.New("controls_file is required")
	ErrInvalidVerifyAfter   = errors.New("verify_after must be at least 1 day")
	ErrInvalidConcurrency   = errors.New("max_concurrent_jobs must be at least 1")
	ErrInvalidJobTimeout    = errors.New("job_timeout must be positive")
	ErrInvalidRateLimit     = errors.New("rate_limit_rps must not be negative")
	ErrWeakJWTSecret        = errors.New("jwt_secret must be at least 32 bytes")
	ErrConflictingSigning   = errors.New("set signing_key_file or signing_secret, not both")
	ErrInvalidWebhookURL    = errors.New("alert_webhook_url must be an http(s) URL")
)

// Defaults.
const (
	DefaultPort              = 8080
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultDataDir           = "data"
	DefaultControlsFile      = "controls.yaml"
	DefaultVerifyAfterDays   = 1
	DefaultMaxConcurrentJobs = 4
	DefaultJobTimeout        = 10 * time.Minute
	DefaultRateLimitRPS      = 50
	DefaultRateLimitBurst    = 100
)

func defaults() map[string]any {
	iv := reconcile.DefaultIntervals()
	return map[string]any{
		"port":                DefaultPort,
		"log_level":           DefaultLogLevel,
		"log_format":          DefaultLogFormat,
		"store_backend":       string(artifacts.BackendLocal),
		"cloud_provider":      string(artifacts.ProviderS3),
		"data_dir":            DefaultDataDir,
		"ledger_backend":      "sql",
		"ledger_shard":        "default",
		"controls_file":       DefaultControlsFile,
		"verify_after":        DefaultVerifyAfterDays,
		"max_concurrent_jobs": DefaultMaxConcurrentJobs,
		"job_timeout":         DefaultJobTimeout.String(),
		"reconcile_interval":  iv.Orphans.String(),
		"sweep_interval":      iv.Sweep.String(),
		"tiering_interval":    iv.Tiering.String(),
		"archive_interval":    iv.Archive.String(),
		"rate_limit_rps":      DefaultRateLimitRPS,
		"rate_limit_burst":    DefaultRateLimitBurst,
		"otel_endpoint":       "localhost:4317",
		"otel_sample_rate":    1.0,
	}
}

// legacyEnv lists unprefixed variables honoured for common settings, after
// the ATTEST_ prefixed form.
var legacyEnv = map[string]string{
	"port":          "PORT",
	"log_level":     "LOG_LEVEL",
	"log_format":    "LOG_FORMAT",
	"database_url":  "DATABASE_URL",
	"jwt_secret":    "JWT_SECRET",
	"redis_addr":    "REDIS_ADDR",
	"otel_endpoint": "OTEL_EXPORTER_OTLP_ENDPOINT",
}

// Load reads configuration from an optional YAML file and the environment.
// It returns the config and every problem found; the config is only usable
// when the slice is empty. A file that cannot be read is reported alone.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	for key, v := range defaults() {
		if err := k.Set(key, v); err != nil {
			return nil, []error{err}
		}
	}

	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	var loadErrs []error
	for _, key := range keys() {
		val, ok := lookupEnv(key)
		if !ok {
			continue
		}
		if key == "retention_overrides" {
			overrides, err := parseOverrides(val)
			if err != nil {
				loadErrs = append(loadErrs, err)
				continue
			}
			for src, days := range overrides {
				_ = k.Set("retention_overrides."+src, days)
			}
			continue
		}
		_ = k.Set(key, val)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, append(loadErrs, fmt.Errorf("invalid configuration value: %w", err))
	}
	return cfg, append(loadErrs, cfg.Validate()...)
}

func lookupEnv(key string) (string, bool) {
	if v := os.Getenv("ATTEST_" + strings.ToUpper(key)); v != "" {
		return v, true
	}
	if legacy, ok := legacyEnv[key]; ok {
		if v := os.Getenv(legacy); v != "" {
			return v, true
		}
	}
	return "", false
}

// keys lists every koanf key of Config.
func keys() []string {
	return []string{
		"port", "log_level", "log_format",
		"store_backend", "cloud_provider", "bucket", "prefix", "region", "endpoint", "data_dir",
		"ledger_backend", "ledger_shard", "database_url", "redis_addr", "redis_password", "redis_db",
		"controls_file", "retention_overrides",
		"verify_on_read", "verify_after",
		"max_concurrent_jobs", "job_timeout", "reconcile_interval", "sweep_interval", "tiering_interval", "archive_interval",
		"signing_key_file", "signing_secret", "jwt_secret", "rate_limit_rps", "rate_limit_burst", "alert_webhook_url",
		"otel_enabled", "otel_endpoint", "otel_insecure", "otel_sample_rate", "otel_ca_file",
	}
}

// parseOverrides reads "sast=1095,dast=400".
func parseOverrides(raw string) (map[string]int, error) {
	out := map[string]int{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		src, days, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("retention_overrides entry %q must be source=days", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(days))
		if err != nil {
			return nil, fmt.Errorf("retention_overrides entry %q: days must be an integer", part)
		}
		out[strings.TrimSpace(src)] = n
	}
	return out, nil
}

// Validate checks every setting and returns all problems found.
func (c *Config) Validate() []error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ErrInvalidPort)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, ErrInvalidLogLevel)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, ErrInvalidLogFormat)
	}

	switch artifacts.Backend(c.StoreBackend) {
	case artifacts.BackendLocal:
	case artifacts.BackendCloud:
		if c.Bucket == "" {
			errs = append(errs, ErrMissingBucket)
		}
		if p := artifacts.Provider(c.CloudProvider); p != artifacts.ProviderS3 && p != artifacts.ProviderGCS {
			errs = append(errs, ErrInvalidCloudProvider)
		}
	default:
		errs = append(errs, ErrInvalidStoreBackend)
	}

	if c.LedgerBackend != "sql" && c.LedgerBackend != "file" {
		errs = append(errs, ErrInvalidLedger)
	}
	if c.LedgerShard == "" {
		errs = append(errs, ErrMissingShard)
	}
	if c.ControlsFile == "" {
		errs = append(errs, ErrMissingControlsFile)
	}
	if _, err := c.RetentionPolicy(); err != nil {
		errs = append(errs, err)
	}
	if c.VerifyAfter < 1 {
		errs = append(errs, ErrInvalidVerifyAfter)
	}
	if c.MaxConcurrentJobs < 1 {
		errs = append(errs, ErrInvalidConcurrency)
	}
	if c.JobTimeout <= 0 {
		errs = append(errs, ErrInvalidJobTimeout)
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, ErrInvalidRateLimit)
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		errs = append(errs, ErrWeakJWTSecret)
	}
	if c.SigningKeyFile != "" && c.SigningSecret != "" {
		errs = append(errs, ErrConflictingSigning)
	}
	if c.AlertWebhookURL != "" {
		u, err := url.Parse(c.AlertWebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, ErrInvalidWebhookURL)
		}
	}
	return errs
}

// LiteMode reports whether the ledger runs on embedded SQLite.
func (c *Config) LiteMode() bool {
	return c.LedgerBackend == "sql" && c.DatabaseURL == ""
}

// RetentionPolicy builds the retention policy with the configured
// overrides.
func (c *Config) RetentionPolicy() (*retention.Policy, error) {
	overrides := make(map[evidence.Source]time.Duration, len(c.RetentionOverrides))
	for raw, days := range c.RetentionOverrides {
		src, err := evidence.ParseSource(raw)
		if err != nil {
			return nil, fmt.Errorf("retention_overrides: %w", err)
		}
		overrides[src] = time.Duration(days) * 24 * time.Hour
	}
	return retention.NewPolicy(overrides)
}

// VerifyAfterDuration is VerifyAfter as a duration.
func (c *Config) VerifyAfterDuration() time.Duration {
	return time.Duration(c.VerifyAfter) * 24 * time.Hour
}

// StoreConfig returns the evidence store settings.
func (c *Config) StoreConfig() artifacts.StoreConfig {
	return artifacts.StoreConfig{
		Backend:  artifacts.Backend(c.StoreBackend),
		Provider: artifacts.Provider(c.CloudProvider),
		DataDir:  c.DataDir,
		Bucket:   c.Bucket,
		Region:   c.Region,
		Endpoint: c.Endpoint,
		Prefix:   c.Prefix,
	}
}

// Intervals returns the maintenance job schedule.
func (c *Config) Intervals() reconcile.Intervals {
	return reconcile.Intervals{
		Orphans: c.ReconcileInterval,
		Sweep:   c.SweepInterval,
		Tiering: c.TieringInterval,
		Archive: c.ArchiveInterval,
	}
}

// Observability returns the OpenTelemetry settings.
func (c *Config) Observability(version string) *observability.Config {
	oc := observability.DefaultConfig()
	oc.Enabled = c.OTelEnabled
	oc.Endpoint = c.OTelEndpoint
	oc.Insecure = c.OTelInsecure
	oc.SampleRate = c.OTelSampleRate
	oc.CAFile = c.OTelCAFile
	if version != "" {
		oc.ServiceVersion = version
	}
	return oc
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(s))
	return l, err
}

// NewLogger builds the process logger from log_level and log_format.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// LogSummary returns the configuration with secrets masked.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":            strconv.Itoa(c.Port),
		"store_backend":   c.StoreBackend,
		"cloud_provider":  c.CloudProvider,
		"bucket":          c.Bucket,
		"data_dir":        c.DataDir,
		"ledger_backend":  c.LedgerBackend,
		"ledger_shard":    c.LedgerShard,
		"database_url":    maskDatabaseURL(c.DatabaseURL),
		"redis_addr":      c.RedisAddr,
		"controls_file":   c.ControlsFile,
		"verify_on_read":  strconv.FormatBool(c.VerifyOnRead),
		"verify_after":    strconv.Itoa(c.VerifyAfter) + "d",
		"max_jobs":        strconv.Itoa(c.MaxConcurrentJobs),
		"job_timeout":     c.JobTimeout.String(),
		"jwt_secret":      maskSecret(c.JWTSecret),
		"signing_secret":  maskSecret(c.SigningSecret),
		"alert_webhook":   maskSecret(c.AlertWebhookURL),
		"otel_enabled":    strconv.FormatBool(c.OTelEnabled),
		"rate_limit_rps":  strconv.FormatFloat(c.RateLimitRPS, 'f', -1, 64),
		"signing_keyfile": c.SigningKeyFile,
	}
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

// maskDatabaseURL hides the password of a connection URL.
func maskDatabaseURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "****"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "****")
	}
	return u.String()
}
