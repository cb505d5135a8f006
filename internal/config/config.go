package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Store back-end drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Queue back-ends.
const (
	QueueEmbedded = "embedded"
	QueueRedis    = "redis"
)

// StoreConfig selects and parameterises the relational store.
type StoreConfig struct {
	// Driver is "sqlite" (embedded, file-based) or "postgres" (server).
	Driver string `yaml:"driver"`

	// Path is the database file for the sqlite driver.
	Path string `yaml:"path"`

	// DSN is the connection string for the postgres driver.
	DSN string `yaml:"dsn"`
}

// QueueConfig selects and parameterises the attempt queue.
type QueueConfig struct {
	// Backend is "embedded" (queue state lives in the store) or "redis".
	Backend string `yaml:"backend"`

	// RedisAddr is host:port for the redis backend.
	RedisAddr string `yaml:"redis_addr"`

	// RedisDB is the redis database number.
	RedisDB int `yaml:"redis_db"`
}

// Config holds every tunable the orchestrator reads. It is parsed once at
// process start and passed explicitly to the components that need it.
type Config struct {
	Store StoreConfig `yaml:"store"`
	Queue QueueConfig `yaml:"queue"`

	// RepositoryRoot is the directory under which file-product versions are
	// materialised.
	RepositoryRoot string `yaml:"repository_root"`

	// CataloguePath is the TaskType catalogue XML document.
	CataloguePath string `yaml:"catalogue_path"`

	// Container is the worker container name whose capability set this
	// process assumes when running `worker`.
	Container string `yaml:"container"`

	// MaxHeartbeatAge is how stale a running attempt's heartbeat may be
	// before the attempt is considered stalled.
	MaxHeartbeatAge time.Duration `yaml:"-"`

	// HeartbeatCadence is the interval between heartbeat bumps.
	HeartbeatCadence time.Duration `yaml:"-"`

	// PollInterval is the worker's sleep between empty queue polls.
	PollInterval time.Duration `yaml:"-"`

	// MaxLogMessageLength caps stored log messages; longer messages are
	// truncated with a "..." marker.
	MaxLogMessageLength int `yaml:"max_log_message_length"`

	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: DriverSQLite,
			Path:   ".transitpipe/pipeline.db",
		},
		Queue: QueueConfig{
			Backend:   QueueEmbedded,
			RedisAddr: "localhost:6379",
		},
		RepositoryRoot:      ".transitpipe/repository",
		CataloguePath:       "task_types.xml",
		Container:           "eas-base",
		MaxHeartbeatAge:     5 * time.Minute,
		HeartbeatCadence:    30 * time.Second,
		PollInterval:        10 * time.Second,
		MaxLogMessageLength: 4096,
		LogLevel:            "info",
	}
}

// LoadConfig loads configuration from the specified file path. A missing
// file is not an error: defaults apply. A malformed file is an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Durations arrive as strings ("90s", "5m") and are parsed separately.
	type yamlConfig struct {
		Store               StoreConfig `yaml:"store"`
		Queue               QueueConfig `yaml:"queue"`
		RepositoryRoot      string      `yaml:"repository_root"`
		CataloguePath       string      `yaml:"catalogue_path"`
		Container           string      `yaml:"container"`
		MaxHeartbeatAge     string      `yaml:"max_heartbeat_age"`
		HeartbeatCadence    string      `yaml:"heartbeat_cadence"`
		PollInterval        string      `yaml:"poll_interval"`
		MaxLogMessageLength int         `yaml:"max_log_message_length"`
		LogLevel            string      `yaml:"log_level"`
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if yc.Store.Driver != "" {
		cfg.Store.Driver = yc.Store.Driver
	}
	if yc.Store.Path != "" {
		cfg.Store.Path = yc.Store.Path
	}
	if yc.Store.DSN != "" {
		cfg.Store.DSN = yc.Store.DSN
	}
	if yc.Queue.Backend != "" {
		cfg.Queue.Backend = yc.Queue.Backend
	}
	if yc.Queue.RedisAddr != "" {
		cfg.Queue.RedisAddr = yc.Queue.RedisAddr
	}
	if yc.Queue.RedisDB != 0 {
		cfg.Queue.RedisDB = yc.Queue.RedisDB
	}
	if yc.RepositoryRoot != "" {
		cfg.RepositoryRoot = yc.RepositoryRoot
	}
	if yc.CataloguePath != "" {
		cfg.CataloguePath = yc.CataloguePath
	}
	if yc.Container != "" {
		cfg.Container = yc.Container
	}
	if yc.MaxLogMessageLength > 0 {
		cfg.MaxLogMessageLength = yc.MaxLogMessageLength
	}
	if yc.LogLevel != "" {
		cfg.LogLevel = yc.LogLevel
	}

	for _, d := range []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{yc.MaxHeartbeatAge, &cfg.MaxHeartbeatAge, "max_heartbeat_age"},
		{yc.HeartbeatCadence, &cfg.HeartbeatCadence, "heartbeat_cadence"},
		{yc.PollInterval, &cfg.PollInterval, "poll_interval"},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = parsed
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store driver %q requires a path", c.Store.Driver)
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store driver %q requires a dsn", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.Queue.Backend {
	case QueueEmbedded:
	case QueueRedis:
		if c.Queue.RedisAddr == "" {
			return fmt.Errorf("queue backend %q requires redis_addr", c.Queue.Backend)
		}
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}

	if c.MaxHeartbeatAge <= 0 {
		return fmt.Errorf("max_heartbeat_age must be positive")
	}
	if c.HeartbeatCadence <= 0 {
		return fmt.Errorf("heartbeat_cadence must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	return nil
}
