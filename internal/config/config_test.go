package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ORACLE_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8040, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, int64(3600), cfg.BucketSeconds)
	assert.Equal(t, int64(48), cfg.LookbackBuckets)
	assert.Equal(t, 5*time.Minute, cfg.PollInterval)
	assert.Equal(t, 8, cfg.MaxSubmitAttempts)
	assert.False(t, cfg.Backup.Enabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ORACLE_DATA_DIR", t.TempDir())
	t.Setenv("BUCKET_SECONDS", "1800")
	t.Setenv("POLL_INTERVAL", "90s")
	t.Setenv("WEATHER_API_KEY", "test-key")
	t.Setenv("WORKER_LIMIT", "3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(1800), cfg.BucketSeconds)
	assert.Equal(t, 90*time.Second, cfg.PollInterval)
	assert.Equal(t, "test-key", cfg.WeatherAPIKey)
	assert.Equal(t, 3, cfg.WorkerLimit)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	t.Setenv("ORACLE_DATA_DIR", t.TempDir())
	t.Setenv("BUCKET_SECONDS", "0")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate_BackoffRange(t *testing.T) {
	t.Setenv("ORACLE_DATA_DIR", t.TempDir())
	t.Setenv("BACKOFF_BASE", "10m")
	t.Setenv("BACKOFF_MAX", "1m")

	_, err := Load()
	assert.Error(t, err)
}
