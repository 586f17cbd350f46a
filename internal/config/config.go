// ABOUTME: Configuration loading and parsing for coven-mesh
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-mesh configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Sessions SessionsConfig `yaml:"sessions"`
	Meetings MeetingsConfig `yaml:"meetings"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig selects and configures the backing store
type DatabaseConfig struct {
	// Backend is "sqlite" or "memory"
	Backend string `yaml:"backend"`
	// Path to the SQLite database file (sqlite backend only)
	Path string `yaml:"path"`
}

// SessionsConfig holds session lifecycle and queue configuration
type SessionsConfig struct {
	StaleThreshold      time.Duration `yaml:"-"`
	DisconnectThreshold time.Duration `yaml:"-"`
	ReapInterval        time.Duration `yaml:"-"`

	QueueCapacity int `yaml:"queue_capacity"`

	// ReleasePolicy decides what happens to a disconnected session's
	// queue: "drop" or "deadletter"
	ReleasePolicy string `yaml:"release_policy"`
	// DeadLetter is "memory" or "redis" (deadletter policy only)
	DeadLetter string `yaml:"dead_letter"`
	// RedisURL for the redis dead-letter backend
	RedisURL string `yaml:"redis_url"`

	// Raw string values for YAML unmarshaling
	StaleThresholdRaw      string `yaml:"stale_threshold"`
	DisconnectThresholdRaw string `yaml:"disconnect_threshold"`
	ReapIntervalRaw        string `yaml:"reap_interval"`
}

// MeetingsConfig holds discussion coordinator configuration
type MeetingsConfig struct {
	OpinionTimeout   time.Duration `yaml:"-"`
	ConsensusTimeout time.Duration `yaml:"-"`

	// MissingVotePolicy is "disagree" or "ignore"
	MissingVotePolicy string `yaml:"missing_vote_policy"`
	ShuffleOrder      bool   `yaml:"shuffle_order"`
	MaxRounds         int    `yaml:"max_rounds"`

	// Raw string values for YAML unmarshaling
	OpinionTimeoutRaw   string `yaml:"opinion_timeout"`
	ConsensusTimeoutRaw string `yaml:"consensus_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values and defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8385"
	}
	if c.Database.Backend == "" {
		c.Database.Backend = "memory"
	}
	if c.Sessions.StaleThreshold == 0 {
		c.Sessions.StaleThreshold = 30 * time.Second
	}
	if c.Sessions.DisconnectThreshold == 0 {
		c.Sessions.DisconnectThreshold = 60 * time.Second
	}
	if c.Sessions.ReapInterval == 0 {
		c.Sessions.ReapInterval = 5 * time.Second
	}
	if c.Sessions.QueueCapacity == 0 {
		c.Sessions.QueueCapacity = 1000
	}
	if c.Sessions.ReleasePolicy == "" {
		c.Sessions.ReleasePolicy = "drop"
	}
	if c.Sessions.DeadLetter == "" {
		c.Sessions.DeadLetter = "memory"
	}
	if c.Meetings.OpinionTimeout == 0 {
		c.Meetings.OpinionTimeout = 300 * time.Second
	}
	if c.Meetings.ConsensusTimeout == 0 {
		c.Meetings.ConsensusTimeout = 180 * time.Second
	}
	if c.Meetings.MissingVotePolicy == "" {
		c.Meetings.MissingVotePolicy = "disagree"
	}
	if c.Meetings.MaxRounds == 0 {
		c.Meetings.MaxRounds = 3
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Database.Backend {
	case "memory":
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("database.backend must be sqlite or memory, got %q", c.Database.Backend)
	}

	switch c.Sessions.ReleasePolicy {
	case "drop":
	case "deadletter":
		switch c.Sessions.DeadLetter {
		case "memory":
		case "redis":
			if c.Sessions.RedisURL == "" {
				return fmt.Errorf("sessions.redis_url is required for the redis dead-letter backend")
			}
		default:
			return fmt.Errorf("sessions.dead_letter must be memory or redis, got %q", c.Sessions.DeadLetter)
		}
	default:
		return fmt.Errorf("sessions.release_policy must be drop or deadletter, got %q", c.Sessions.ReleasePolicy)
	}

	switch c.Meetings.MissingVotePolicy {
	case "disagree", "ignore":
	default:
		return fmt.Errorf("meetings.missing_vote_policy must be disagree or ignore, got %q", c.Meetings.MissingVotePolicy)
	}

	if c.Sessions.QueueCapacity < 1 {
		return fmt.Errorf("sessions.queue_capacity must be positive")
	}
	if c.Meetings.MaxRounds < 1 {
		return fmt.Errorf("meetings.max_rounds must be positive")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Sessions.StaleThresholdRaw, "stale_threshold", &cfg.Sessions.StaleThreshold},
		{cfg.Sessions.DisconnectThresholdRaw, "disconnect_threshold", &cfg.Sessions.DisconnectThreshold},
		{cfg.Sessions.ReapIntervalRaw, "reap_interval", &cfg.Sessions.ReapInterval},
		{cfg.Meetings.OpinionTimeoutRaw, "opinion_timeout", &cfg.Meetings.OpinionTimeout},
		{cfg.Meetings.ConsensusTimeoutRaw, "consensus_timeout", &cfg.Meetings.ConsensusTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
