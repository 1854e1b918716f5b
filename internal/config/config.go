// Package config loads service configuration from a YAML file with
// environment variable overrides.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dvloznov/finance-sync/internal/dedup"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/importer"
	"github.com/dvloznov/finance-sync/internal/jobs"
)

// Config represents the top-level configuration.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	BigQuery   BigQueryConfig    `yaml:"bigquery"`
	Postgres   PostgresConfig    `yaml:"postgres"`
	Storage    StorageConfig     `yaml:"storage"`
	Aggregator AggregatorConfig  `yaml:"aggregator"`
	Queue      QueueConfig       `yaml:"queue"`
	Dedup      dedup.Config      `yaml:"dedup"`
	Import     importer.Defaults `yaml:"import"`
	Timeouts   TimeoutsConfig    `yaml:"timeouts"`
	Logging    LoggingConfig     `yaml:"logging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port string `yaml:"port"`

	// Workers runs a worker pool inside the API process.
	Workers bool `yaml:"workers"`
}

// BigQueryConfig locates the canonical transaction tables.
type BigQueryConfig struct {
	Project string `yaml:"project"`
	Dataset string `yaml:"dataset"`
}

// PostgresConfig configures the job queue and link store database.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`

	// CredentialKey is a base64 encoded 32 byte key for access credentials.
	CredentialKey string `yaml:"credential_key"`
}

// StorageConfig configures where uploaded files live.
type StorageConfig struct {
	// Bucket enables gs:// uploads when set.
	Bucket string `yaml:"bucket"`

	// LocalRoot is where file:// uploads are kept.
	LocalRoot string `yaml:"local_root"`
}

// AggregatorConfig configures the aggregator API client.
type AggregatorConfig struct {
	BaseURL   string  `yaml:"base_url"`
	ClientID  string  `yaml:"client_id"`
	Secret    string  `yaml:"secret"`
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
	PageSize  int     `yaml:"page_size"`
}

// Enabled reports whether credentials are configured.
func (a AggregatorConfig) Enabled() bool {
	return a.ClientID != "" && a.Secret != ""
}

// QueueConfig configures workers and retries.
type QueueConfig struct {
	Concurrency  int              `yaml:"concurrency"`
	PollInterval time.Duration    `yaml:"poll_interval"`
	Lease        time.Duration    `yaml:"lease"`
	Retry        jobs.RetryPolicy `yaml:"retry"`
}

// TimeoutsConfig bounds calls to external systems.
type TimeoutsConfig struct {
	Store      time.Duration `yaml:"store"`
	Aggregator time.Duration `yaml:"aggregator"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:    "8080",
			Workers: true,
		},
		Storage: StorageConfig{
			LocalRoot: "data/uploads",
		},
		Aggregator: AggregatorConfig{
			BaseURL:   "https://sandbox.plaid.com",
			RateLimit: 5,
			Burst:     5,
			PageSize:  500,
		},
		Queue: QueueConfig{
			Concurrency:  5,
			PollInterval: time.Second,
			Lease:        2 * time.Minute,
			Retry:        jobs.DefaultRetryPolicy(),
		},
		Dedup:  dedup.DefaultConfig(),
		Import: importer.DefaultOptions(),
		Timeouts: TimeoutsConfig{
			Store:      30 * time.Second,
			Aggregator: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Server.Port, "PORT")
	set(&c.Storage.Bucket, "GCS_BUCKET")
	set(&c.Postgres.DSN, "DB_DSN")
	set(&c.Postgres.CredentialKey, "CREDENTIAL_KEY")
	set(&c.BigQuery.Project, "BQ_PROJECT")
	set(&c.BigQuery.Dataset, "BQ_DATASET")
	set(&c.Aggregator.ClientID, "AGGREGATOR_CLIENT_ID")
	set(&c.Aggregator.Secret, "AGGREGATOR_SECRET")
	set(&c.Aggregator.BaseURL, "AGGREGATOR_BASE_URL")
	set(&c.Logging.Level, "LOG_LEVEL")

	if v := getenv("WORKER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WORKER_CONCURRENCY: %w", err)
		}
		c.Queue.Concurrency = n
	}
	return nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	var problems []string
	if err := c.Dedup.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if err := c.Import.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Queue.Retry.MaxAttempts < 1 {
		problems = append(problems, "queue.retry.max_attempts must be at least 1")
	}
	if c.Queue.Lease <= 0 {
		problems = append(problems, "queue.lease must be positive")
	}
	if c.Postgres.CredentialKey != "" {
		if _, err := c.CredentialKey(); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// CredentialKey decodes the credential encryption key.
func (c *Config) CredentialKey() (*[32]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(c.Postgres.CredentialKey)
	if err != nil {
		return nil, fmt.Errorf("postgres.credential_key: not base64: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("postgres.credential_key: want 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// AggregatorSecret returns the client secret wrapped so it cannot be logged.
func (c *Config) AggregatorSecret() domain.Secret {
	return domain.Secret(c.Aggregator.Secret)
}

// LoadFromEnv loads path, then applies the process environment and validates.
func LoadFromEnv(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
