// Package config loads and validates the warehouse's process configuration
// from environment variables (spec.md §6), with an optional .env file for
// local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/sawpanic/marketwarehouse/internal/types"
)

// Config is the fully-resolved, validated process configuration.
type Config struct {
	UpstreamAPIKey string
	DatabaseURL    string

	APIHost    string
	APIPort    int
	APIWorkers int

	LogLevel string

	BackfillScheduleMinute int
	BackfillScheduleHour   int
	MaxConcurrentSymbols   int
	ParallelBackfill       bool

	QueryCacheMaxSize      int
	QueryCacheTTLSeconds   int

	AlertEmailEnabled bool
	AlertEmailTo      string
	AlertSMTPHost     string
	AlertSMTPPort     int
	AlertSMTPUser     string
	AlertSMTPPassword string
	AlertFromEmail    string

	AllowedTimeframes []types.Timeframe
}

// Load reads and validates configuration from the environment. If a .env
// file exists in the working directory it is loaded first (real env vars
// always take precedence — godotenv.Load never overwrites an already-set
// variable).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		UpstreamAPIKey: os.Getenv("UPSTREAM_API_KEY"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		APIHost:        getEnvDefault("API_HOST", "0.0.0.0"),
		LogLevel:       strings.ToUpper(getEnvDefault("LOG_LEVEL", "INFO")),
	}

	var err error
	if cfg.APIPort, err = getEnvIntDefault("API_PORT", 8000); err != nil {
		return nil, err
	}
	if cfg.APIWorkers, err = getEnvIntDefault("API_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.BackfillScheduleMinute, err = getEnvIntDefault("BACKFILL_SCHEDULE_MINUTE", 0); err != nil {
		return nil, err
	}
	if cfg.BackfillScheduleHour, err = getEnvIntDefault("BACKFILL_SCHEDULE_HOUR", 2); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentSymbols, err = getEnvIntDefault("MAX_CONCURRENT_SYMBOLS", 3); err != nil {
		return nil, err
	}
	if cfg.ParallelBackfill, err = getEnvBoolDefault("PARALLEL_BACKFILL", true); err != nil {
		return nil, err
	}
	if cfg.QueryCacheMaxSize, err = getEnvIntDefault("QUERY_CACHE_MAX_SIZE", 1000); err != nil {
		return nil, err
	}
	if cfg.QueryCacheTTLSeconds, err = getEnvIntDefault("QUERY_CACHE_TTL_SECONDS", 300); err != nil {
		return nil, err
	}
	if cfg.AlertEmailEnabled, err = getEnvBoolDefault("ALERT_EMAIL_ENABLED", false); err != nil {
		return nil, err
	}
	cfg.AlertEmailTo = os.Getenv("ALERT_EMAIL_TO")
	cfg.AlertSMTPHost = os.Getenv("ALERT_SMTP_HOST")
	if cfg.AlertSMTPPort, err = getEnvIntDefault("ALERT_SMTP_PORT", 587); err != nil {
		return nil, err
	}
	cfg.AlertSMTPUser = os.Getenv("ALERT_SMTP_USER")
	cfg.AlertSMTPPassword = os.Getenv("ALERT_SMTP_PASSWORD")
	cfg.AlertFromEmail = os.Getenv("ALERT_FROM_EMAIL")

	cfg.AllowedTimeframes, err = parseTimeframes(getEnvDefault("ALLOWED_TIMEFRAMES", "1d"))
	if err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.UpstreamAPIKey == "" {
		return fmt.Errorf("config: UPSTREAM_API_KEY is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	switch c.LogLevel {
	case "TRACE", "DEBUG", "INFO", "WARN", "ERROR", "FATAL", "PANIC":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q", c.LogLevel)
	}
	if c.AlertEmailEnabled && (c.AlertSMTPHost == "" || c.AlertFromEmail == "") {
		return fmt.Errorf("config: ALERT_EMAIL_ENABLED requires ALERT_SMTP_HOST and ALERT_FROM_EMAIL")
	}
	return nil
}

func parseTimeframes(raw string) ([]types.Timeframe, error) {
	var out []types.Timeframe
	for _, part := range strings.Split(raw, ",") {
		tf := types.Timeframe(strings.TrimSpace(part))
		if tf == "" {
			continue
		}
		if !types.ValidTimeframe(tf) {
			return nil, fmt.Errorf("config: ALLOWED_TIMEFRAMES contains unknown timeframe %q", tf)
		}
		out = append(out, tf)
	}
	if len(out) == 0 {
		out = []types.Timeframe{types.Timeframe1d}
	}
	return out, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntDefault(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvBoolDefault(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s must be a boolean: %w", key, err)
	}
	return b, nil
}
