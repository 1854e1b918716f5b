package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 3, cfg.Queue.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Queue.Retry.BaseDelay)
	assert.InDelta(t, 60, cfg.Import.DedupThreshold, 0.001)
	assert.Equal(t, 20, cfg.Import.BatchSize)
	assert.Equal(t, 200, cfg.Import.BatchDelayMs)
	assert.Equal(t, 3, cfg.Dedup.DateWindowDays)
	assert.False(t, cfg.Aggregator.Enabled())
	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
queue:
  lease: 5m
  retry:
    max_attempts: 5
    base_delay: 2s
import:
  batch_size: 50
dedup:
  date_window_days: 5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Queue.Lease)
	assert.Equal(t, 5, cfg.Queue.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Queue.Retry.BaseDelay)
	assert.Equal(t, 50, cfg.Import.BatchSize)
	assert.Equal(t, 200, cfg.Import.BatchDelayMs)
	assert.Equal(t, 5, cfg.Dedup.DateWindowDays)
	assert.InDelta(t, 50, cfg.Dedup.DescriptionWeight, 0.001)
	require.NoError(t, cfg.Validate())
}

func TestLoadNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"GCS_BUCKET":           "uploads",
		"DB_DSN":               "postgres://localhost/sync",
		"BQ_PROJECT":           "proj",
		"BQ_DATASET":           "finance",
		"AGGREGATOR_CLIENT_ID": "id",
		"AGGREGATOR_SECRET":    "secret",
		"LOG_LEVEL":            "debug",
		"WORKER_CONCURRENCY":   "8",
	}
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(func(k string) string { return env[k] }))

	assert.Equal(t, "uploads", cfg.Storage.Bucket)
	assert.Equal(t, "postgres://localhost/sync", cfg.Postgres.DSN)
	assert.Equal(t, "proj", cfg.BigQuery.Project)
	assert.Equal(t, "finance", cfg.BigQuery.Dataset)
	assert.True(t, cfg.Aggregator.Enabled())
	assert.Equal(t, "[redacted]", cfg.AggregatorSecret().String())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 8, cfg.Queue.Concurrency)
	assert.Equal(t, "https://sandbox.plaid.com", cfg.Aggregator.BaseURL)

	env["WORKER_CONCURRENCY"] = "many"
	assert.Error(t, cfg.ApplyEnv(func(k string) string { return env[k] }))
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Import.BatchSize = 0
	cfg.Dedup.AmountWeight = 90
	cfg.Queue.Retry.MaxAttempts = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batchSize")
	assert.Contains(t, err.Error(), "max_attempts")
}

func TestCredentialKey(t *testing.T) {
	cfg := Default()
	cfg.Postgres.CredentialKey = base64.StdEncoding.EncodeToString(make([]byte, 32))
	key, err := cfg.CredentialKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)

	cfg.Postgres.CredentialKey = base64.StdEncoding.EncodeToString([]byte("short"))
	assert.Error(t, cfg.Validate())

	cfg.Postgres.CredentialKey = "%%%"
	assert.Error(t, cfg.Validate())
}
