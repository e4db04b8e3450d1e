package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every variable name below.
const EnvPrefix = "GMSCREEN_"

type Config struct {
	DatabaseURL string `env:"DATABASE_URL"` // postgres://... or sqlite://path (required)
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	NATSURL     string `env:"NATS_URL"`   // optional, empty = events not mirrored
	AuthToken   string `env:"AUTH_TOKEN"` // optional, empty = auth disabled
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Presence and socket heartbeat
	PresenceTTL     time.Duration `env:"PRESENCE_TTL" envDefault:"16s"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"5s"`
	PingInterval    time.Duration `env:"PING_INTERVAL" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	MaxMessageBytes int64         `env:"MAX_MESSAGE_BYTES" envDefault:"65536"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" envSeparator:","` // empty = any origin

	// Run history
	MinRunDuration  time.Duration `env:"MIN_RUN_DURATION" envDefault:"2m"`
	ReconcileShards int           `env:"RECONCILE_SHARDS" envDefault:"8"`

	// Archive settings
	ArchiveInterval   time.Duration `env:"ARCHIVE_INTERVAL" envDefault:"0s"` // 0 = disabled
	ArchiveS3Bucket   string        `env:"ARCHIVE_S3_BUCKET"`
	ArchiveS3Endpoint string        `env:"ARCHIVE_S3_ENDPOINT"` // custom endpoint for MinIO
	ArchiveS3Region   string        `env:"ARCHIVE_S3_REGION" envDefault:"us-east-1"`
	ArchiveS3Key      string        `env:"ARCHIVE_S3_KEY" envDefault:"gmscreen/runs.jsonl"`
}

func Load() (*Config, error) {
	c := &Config{}
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks values that parse correctly but cannot be served.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%sDATABASE_URL is required", EnvPrefix)
	}
	for name, d := range map[string]time.Duration{
		"PRESENCE_TTL":     c.PresenceTTL,
		"SWEEP_INTERVAL":   c.SweepInterval,
		"PING_INTERVAL":    c.PingInterval,
		"WRITE_TIMEOUT":    c.WriteTimeout,
		"MIN_RUN_DURATION": c.MinRunDuration,
	} {
		if d <= 0 {
			return fmt.Errorf("%s%s must be positive, got %v", EnvPrefix, name, d)
		}
	}
	if c.ArchiveInterval < 0 {
		return fmt.Errorf("%sARCHIVE_INTERVAL must not be negative", EnvPrefix)
	}
	if c.ReconcileShards < 1 {
		return fmt.Errorf("%sRECONCILE_SHARDS must be at least 1", EnvPrefix)
	}
	if c.MaxMessageBytes < 1 {
		return fmt.Errorf("%sMAX_MESSAGE_BYTES must be at least 1", EnvPrefix)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ArchiveEnabled reports whether the periodic S3 export should run.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveInterval > 0 && c.ArchiveS3Bucket != ""
}

// ParseLogLevel maps a level name onto a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("%sLOG_LEVEL: unknown level %q", EnvPrefix, s)
}
