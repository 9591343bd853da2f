package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, time.UTC, cfg.App.Location)
	assert.NotEmpty(t, cfg.App.InstanceID)
	assert.Empty(t, cfg.Database.URL)
	assert.False(t, cfg.Redis.Enabled())

	assert.Equal(t, 2*time.Minute, cfg.Lifecycle.ClockSkewTolerance)
	assert.Equal(t, "@every 60s", cfg.Sweeper.Schedule)
	assert.Equal(t, 2*time.Minute, cfg.Sweeper.ClaimWindow)
	assert.Equal(t, 30*time.Second, cfg.Sweeper.Grace)
	assert.Equal(t, 100, cfg.Sweeper.BatchSize)
	assert.Equal(t, 8, cfg.Sweeper.Concurrency)

	assert.Equal(t, "exam.attempt-events", cfg.Outbox.Topic)
	assert.Equal(t, "5s", cfg.Outbox.RelaySchedule)
	assert.Equal(t, 100, cfg.Outbox.BatchSize)
	assert.Equal(t, 12, cfg.Outbox.MaxAttempts)

	assert.Equal(t, 20.0, cfg.ExamCatalog.RateLimit)
	assert.Equal(t, 40, cfg.ExamCatalog.RateBurst)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_USER", "attempts")
	t.Setenv("DB_PASSWORD", "pw")
	t.Setenv("DB_NAME", "exams")
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("SWEEPER_SCHEDULE", "*/2 * * * *")
	t.Setenv("SWEEPER_GRACE", "0s")
	t.Setenv("OUTBOX_MAX_ATTEMPTS", "3")
	t.Setenv("EXAM_CATALOG_URL", "https://catalog.example.com/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://attempts:pw@db.internal:5432/exams?sslmode=require", cfg.Database.URL)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, "*/2 * * * *", cfg.Sweeper.Schedule)
	assert.Zero(t, cfg.Sweeper.Grace)
	assert.Equal(t, 3, cfg.Outbox.MaxAttempts)
	assert.Equal(t, "https://catalog.example.com", cfg.ExamCatalog.BaseURL)

	t.Setenv("REDIS_DISABLED", "true")
	cfg, err = Load()
	require.NoError(t, err)
	assert.False(t, cfg.Redis.Enabled())
}

func TestLoad_ValidationAggregatesErrors(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("SWEEPER_SCHEDULE", "every now and then")
	t.Setenv("SWEEPER_CONCURRENCY", "-1")
	t.Setenv("APP_TIMEZONE", "Mars/Olympus")

	_, err := Load()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "DATABASE_URL is required in production")
	assert.Contains(t, msg, "SWEEPER_SCHEDULE")
	assert.Contains(t, msg, "SWEEPER_CONCURRENCY must be positive")
	assert.Contains(t, msg, "APP_TIMEZONE")
}

func TestLoad_CatalogCredentialsPaired(t *testing.T) {
	t.Setenv("EXAM_CATALOG_URL", "https://catalog.example.com")
	t.Setenv("EXAM_CATALOG_CLIENT_ID", "attempts")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be set together")
}

func TestLoad_InstanceIDLength(t *testing.T) {
	t.Setenv("APP_INSTANCE_ID", strings.Repeat("exam-attempts-worker-", 5))
	cfg, err := Load()
	require.NoError(t, err, "long hostnames are accepted")
	assert.Len(t, cfg.App.InstanceID, 105)

	t.Setenv("APP_INSTANCE_ID", strings.Repeat("x", 129))
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APP_INSTANCE_ID must be at most 128 characters")
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("OUTBOX_TOPIC=from-file\nSWEEPER_BATCH_SIZE=7\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("OUTBOX_TOPIC")
		os.Unsetenv("SWEEPER_BATCH_SIZE")
	})
	t.Setenv("ENV_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Outbox.Topic)
	assert.Equal(t, 7, cfg.Sweeper.BatchSize)
}

func TestLoad_MissingExplicitEnvFile(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))

	_, err := Load()
	assert.ErrorContains(t, err, "load env file")
}
