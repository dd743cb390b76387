package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"UPSTREAM_API_KEY", "DATABASE_URL", "API_HOST", "API_PORT", "API_WORKERS",
		"LOG_LEVEL", "BACKFILL_SCHEDULE_MINUTE", "BACKFILL_SCHEDULE_HOUR",
		"MAX_CONCURRENT_SYMBOLS", "PARALLEL_BACKFILL", "QUERY_CACHE_MAX_SIZE",
		"QUERY_CACHE_TTL_SECONDS", "ALERT_EMAIL_ENABLED", "ALERT_EMAIL_TO",
		"ALERT_SMTP_HOST", "ALERT_SMTP_PORT", "ALERT_SMTP_USER",
		"ALERT_SMTP_PASSWORD", "ALERT_FROM_EMAIL", "ALLOWED_TIMEFRAMES",
	}
	for _, k := range keys {
		os.Unsetenv(k)
	}
}

func TestLoad_RequiresUpstreamAPIKeyAndDatabaseURL(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UPSTREAM_API_KEY")
}

func TestLoad_AppliesDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("UPSTREAM_API_KEY", "secret")
	os.Setenv("DATABASE_URL", "postgres://localhost/warehouse")
	defer clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.APIHost)
	assert.Equal(t, 8000, cfg.APIPort)
	assert.Equal(t, 4, cfg.APIWorkers)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 3, cfg.MaxConcurrentSymbols)
	assert.True(t, cfg.ParallelBackfill)
	assert.Equal(t, 1000, cfg.QueryCacheMaxSize)
	assert.Equal(t, 300, cfg.QueryCacheTTLSeconds)
	assert.False(t, cfg.AlertEmailEnabled)
}

func TestLoad_RejectsInvalidLogLevel(t *testing.T) {
	clearEnv(t)
	os.Setenv("UPSTREAM_API_KEY", "secret")
	os.Setenv("DATABASE_URL", "postgres://localhost/warehouse")
	os.Setenv("LOG_LEVEL", "VERBOSE")
	defer clearEnv(t)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOG_LEVEL")
}

func TestLoad_RejectsUnknownTimeframe(t *testing.T) {
	clearEnv(t)
	os.Setenv("UPSTREAM_API_KEY", "secret")
	os.Setenv("DATABASE_URL", "postgres://localhost/warehouse")
	os.Setenv("ALLOWED_TIMEFRAMES", "1d,3m")
	defer clearEnv(t)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ALLOWED_TIMEFRAMES")
}

func TestLoad_ParsesAllowedTimeframesList(t *testing.T) {
	clearEnv(t)
	os.Setenv("UPSTREAM_API_KEY", "secret")
	os.Setenv("DATABASE_URL", "postgres://localhost/warehouse")
	os.Setenv("ALLOWED_TIMEFRAMES", "1h, 1d, 1w")
	defer clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.AllowedTimeframes, 3)
}

func TestLoad_RejectsEmailEnabledWithoutSMTPHost(t *testing.T) {
	clearEnv(t)
	os.Setenv("UPSTREAM_API_KEY", "secret")
	os.Setenv("DATABASE_URL", "postgres://localhost/warehouse")
	os.Setenv("ALERT_EMAIL_ENABLED", "true")
	defer clearEnv(t)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ALERT_EMAIL_ENABLED")
}

func TestLoad_RejectsNonIntegerPort(t *testing.T) {
	clearEnv(t)
	os.Setenv("UPSTREAM_API_KEY", "secret")
	os.Setenv("DATABASE_URL", "postgres://localhost/warehouse")
	os.Setenv("API_PORT", "not-a-port")
	defer clearEnv(t)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API_PORT")
}
