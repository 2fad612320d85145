package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	ChunkSize          int           `mapstructure:"CHUNK_SIZE"`
	RetryMaxAttempts   int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryBaseDelay     time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	RuleCatalog        string        `mapstructure:"RULE_CATALOG"`
	MonitorInterval    time.Duration `mapstructure:"MONITOR_INTERVAL"`
	MonitorSampleSize  int           `mapstructure:"MONITOR_SAMPLE_SIZE"`
	MonitorParallelism int           `mapstructure:"MONITOR_PARALLELISM"`
	LockTTL            time.Duration `mapstructure:"LOCK_TTL"`
	LockWait           time.Duration `mapstructure:"LOCK_WAIT"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"CHUNK_SIZE", "RETRY_MAX_ATTEMPTS", "RETRY_BASE_DELAY", "RULE_CATALOG",
	"MONITOR_INTERVAL", "MONITOR_SAMPLE_SIZE", "MONITOR_PARALLELISM",
	"LOCK_TTL", "LOCK_WAIT", "REQUEST_TIMEOUT", "CORS_ORIGINS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CHUNK_SIZE", 1000)
	v.SetDefault("RETRY_MAX_ATTEMPTS", 4)
	v.SetDefault("RETRY_BASE_DELAY", "200ms")
	v.SetDefault("MONITOR_INTERVAL", "0s")
	v.SetDefault("MONITOR_SAMPLE_SIZE", 10)
	v.SetDefault("MONITOR_PARALLELISM", 4)
	v.SetDefault("LOCK_TTL", "30s")
	v.SetDefault("LOCK_WAIT", "10s")
	v.SetDefault("REQUEST_TIMEOUT", "10m")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	origins := v.GetString("CORS_ORIGINS")
	if len(cfg.CORSOrigins) <= 1 && origins != "" {
		cfg.CORSOrigins = strings.Split(origins, ",")
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration can run the pipeline.
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.RetryBaseDelay < 0 {
		return fmt.Errorf("RETRY_BASE_DELAY must not be negative")
	}
	if c.MonitorInterval < 0 {
		return fmt.Errorf("MONITOR_INTERVAL must not be negative")
	}
	if c.MonitorSampleSize < 0 || c.MonitorParallelism < 1 {
		return fmt.Errorf("MONITOR_SAMPLE_SIZE must be >= 0 and MONITOR_PARALLELISM >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RedisURL != "" && c.LockTTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive when REDIS_URL is set")
	}
	if c.IsProduction() && strings.HasPrefix(c.DatabaseURL, "sqlite:") {
		return fmt.Errorf("the embedded SQLite store is not supported in production")
	}
	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled", "":
	default:
		return fmt.Errorf("LOG_LEVEL %q is not a valid level", c.LogLevel)
	}
	return nil
}
