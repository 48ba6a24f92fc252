package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"8"`

	// BucketTimezone is applied to caller-supplied bucket values that carry no zone.
	BucketTimezone     string `envconfig:"BUCKET_TIMEZONE" default:"UTC"`
	VocabularyFile     string `envconfig:"VOCABULARY_FILE" default:""`
	ComputeConcurrency int    `envconfig:"COMPUTE_CONCURRENCY" default:"1"`
	LockFile           string `envconfig:"LOCK_FILE" default:""`

	ScheduleCron     string `envconfig:"SCHEDULE_CRON" default:"5 * * * *"`
	ScheduleTimezone string `envconfig:"SCHEDULE_TIMEZONE" default:"UTC"`

	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) cannot exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if _, err := time.LoadLocation(strings.TrimSpace(c.BucketTimezone)); err != nil {
		return fmt.Errorf("BUCKET_TIMEZONE %q: %w", c.BucketTimezone, err)
	}
	if _, err := time.LoadLocation(strings.TrimSpace(c.ScheduleTimezone)); err != nil {
		return fmt.Errorf("SCHEDULE_TIMEZONE %q: %w", c.ScheduleTimezone, err)
	}
	if c.ComputeConcurrency < 1 {
		return fmt.Errorf("COMPUTE_CONCURRENCY must be >= 1")
	}
	if strings.TrimSpace(c.ScheduleCron) == "" {
		return fmt.Errorf("SCHEDULE_CRON is required")
	}
	return nil
}

// BucketLocation returns the zone for naive bucket inputs. Validate has
// already checked the name.
func (c *Config) BucketLocation() *time.Location {
	if c == nil {
		return time.UTC
	}
	loc, err := time.LoadLocation(strings.TrimSpace(c.BucketTimezone))
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) CORSAllowedOriginsList() []string {
	if c == nil {
		return nil
	}

	parts := strings.Split(c.CORSAllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		if _, exists := seen[origin]; exists {
			continue
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}
	return origins
}
