package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all configuration for our application
type Config struct {
	DiscordToken string `env:"DISCORD_TOKEN"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"postgres"`
	DatabaseDSN    string `env:"DATABASE_DSN"`

	// Progression
	XPPerHour          int64    `env:"XP_PER_HOUR" envDefault:"0"`
	FocusSecondsPerXP  int64    `env:"FOCUS_SECONDS_PER_XP" envDefault:"3600"`
	MinSessionSeconds  int64    `env:"VOICE_MIN_SESSION_SEC" envDefault:"180"`
	LevelXPSteps       []int64  `env:"LEVEL_XP_STEPS" envSeparator:"," envDefault:"100,150,250,400,600,850,1150,1550,2000"`
	LevelTitles        []string `env:"LEVEL_TITLES" envSeparator:","`
	MaxLevel           int      `env:"LEVEL_MAX" envDefault:"0"`
	ActivityTimezone   string   `env:"ACTIVITY_TIMEZONE" envDefault:"UTC"`
	LevelReconcileCron string   `env:"LEVEL_RECONCILE_CRON" envDefault:"0 4 * * *"`

	// Tracker
	PersistTimeout time.Duration `env:"PERSIST_TIMEOUT" envDefault:"5s"`
	PersistRetries uint          `env:"PERSIST_RETRIES" envDefault:"3"`
	TrackerWorkers int           `env:"TRACKER_WORKERS" envDefault:"8"`

	// Guild behaviour
	LevelUpChannelID  string   `env:"LEVELUP_CHANNEL_ID"`
	PostXPChannelIDs  []string `env:"POST_XP_CHANNEL_IDS" envSeparator:","`
	PostXPAmount      int64    `env:"POST_XP_AMOUNT" envDefault:"3"`
	PostXPCooldown    int64    `env:"POST_XP_COOLDOWN_SEC" envDefault:"60"`
	ResetStatsOnLeave bool     `env:"RESET_USER_STATS_ON_LEAVE" envDefault:"false"`

	// Read API; empty disables it
	APIAddr string `env:"API_ADDR"`

	location *time.Location
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// .env file is optional, continue with environment variables
	_ = godotenv.Load()
	return parse(env.Options{})
}

func parse(opts env.Options) (*Config, error) {
	config := &Config{}
	if err := env.ParseWithOptions(config, opts); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if config.DiscordToken == "" {
		return nil, &ConfigError{Field: "DISCORD_TOKEN", Message: "DISCORD_TOKEN is required"}
	}

	if config.DatabaseDSN == "" {
		return nil, &ConfigError{Field: "DATABASE_DSN", Message: "DATABASE_DSN is required"}
	}

	switch config.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return nil, &ConfigError{Field: "DATABASE_DRIVER", Message: fmt.Sprintf("unsupported DATABASE_DRIVER %q", config.DatabaseDriver)}
	}

	if config.MinSessionSeconds < 0 {
		return nil, &ConfigError{Field: "VOICE_MIN_SESSION_SEC", Message: "VOICE_MIN_SESSION_SEC must not be negative"}
	}

	loc, err := time.LoadLocation(config.ActivityTimezone)
	if err != nil {
		return nil, &ConfigError{Field: "ACTIVITY_TIMEZONE", Message: fmt.Sprintf("unknown ACTIVITY_TIMEZONE %q", config.ActivityTimezone)}
	}
	config.location = loc

	if config.TrackerWorkers < 1 {
		config.TrackerWorkers = 1
	}
	if config.PersistRetries < 1 {
		config.PersistRetries = 1
	}

	return config, nil
}

// Location is the canonical timezone for activity days and reporting
// boundaries.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// PostXPChannels returns the XP-earning channels as a set.
func (c *Config) PostXPChannels() map[string]bool {
	set := make(map[string]bool, len(c.PostXPChannelIDs))
	for _, id := range c.PostXPChannelIDs {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = true
		}
	}
	return set
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}
