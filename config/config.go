package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/xraph/courier/queue"
)

// Store kinds.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Store selects and configures the backing store.
type Store struct {
	Kind          string `toml:"kind"`
	RedisAddr     string `toml:"redis_addr"`
	RedisDB       int    `toml:"redis_db"`
	RedisPassword string `toml:"redis_password"`
	SQLitePath    string `toml:"sqlite_path"`
	PostgresDSN   string `toml:"postgres_dsn"`
}

// Queues overrides the stock limits of the busy queues.
type Queues struct {
	DeliverJobConcurrency      int `toml:"deliver_job_concurrency"`
	DeliverJobPerSec           int `toml:"deliver_job_per_sec"`
	DeliverJobMaxAttempts      int `toml:"deliver_job_max_attempts"`
	InboxJobConcurrency        int `toml:"inbox_job_concurrency"`
	InboxJobPerSec             int `toml:"inbox_job_per_sec"`
	InboxJobMaxAttempts        int `toml:"inbox_job_max_attempts"`
	RelationshipJobConcurrency int `toml:"relationship_job_concurrency"`
	RelationshipJobPerSec      int `toml:"relationship_job_per_sec"`
}

// Worker contains the pool timing knobs shared by every queue.
type Worker struct {
	PollIntervalMS         int `toml:"poll_interval_ms"`
	LockDurationSeconds    int `toml:"lock_duration_seconds"`
	StalledIntervalSeconds int `toml:"stalled_interval_seconds"`
	MaxStalledCount        int `toml:"max_stalled_count"`
	ShutdownTimeoutSeconds int `toml:"shutdown_timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"` // text or json
	Level  string `toml:"level"`
}

// Meta configures the instance meta cache.
type Meta struct {
	RefreshIntervalSeconds int    `toml:"refresh_interval_seconds"`
	RedisChannel           string `toml:"redis_channel"`
	InstanceHost           string `toml:"instance_host"`
}

// Daemon contains process-level settings.
type Daemon struct {
	LockFile string `toml:"lock_file"`
}

// Config encapsulates all configuration values for courierd.
//
// Configuration sections by subsystem:
//   - Store: backing store selection and connection
//   - Queues: concurrency, rate and attempts of deliver, inbox and relationship
//   - Worker: poll, lock, stall and shutdown timing
//   - Logging: log format and level
//   - Meta: instance meta cache refresh and invalidation channel
//   - Daemon: single-instance lock file
type Config struct {
	Store   Store   `toml:"store"`
	Queues  Queues  `toml:"queues"`
	Worker  Worker  `toml:"worker"`
	Logging Logging `toml:"logging"`
	Meta    Meta    `toml:"meta"`
	Daemon  Daemon  `toml:"daemon"`
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/courier/courierd.toml")
}

// Load parses and validates the configuration file at path, or at the
// default location when path is empty. It also reports the resolved path
// and whether the file existed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file).DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		var err error
		if path, err = DefaultConfigPath(); err != nil {
			return "", false, err
		}
	}
	expanded, err := expandPath(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return expanded, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config %s is a directory", expanded)
	}
	return expanded, true, nil
}

// Encode renders cfg as TOML.
func Encode(cfg Config) ([]byte, error) {
	return toml.Marshal(cfg)
}

// QueueRegistry builds the queue registry from the stock defaults and the
// [queues] and [worker] overrides.
func (c *Config) QueueRegistry() (*queue.Registry, error) {
	configs := queue.Defaults()
	for i := range configs {
		q := &configs[i]
		switch q.Name {
		case queue.Deliver:
			q.Concurrency = c.Queues.DeliverJobConcurrency
			q.Rate = queue.PerSecond(c.Queues.DeliverJobPerSec)
			q.Attempts = c.Queues.DeliverJobMaxAttempts
		case queue.Inbox:
			q.Concurrency = c.Queues.InboxJobConcurrency
			q.Rate = queue.PerSecond(c.Queues.InboxJobPerSec)
			q.Attempts = c.Queues.InboxJobMaxAttempts
		case queue.Relationship:
			q.Concurrency = c.Queues.RelationshipJobConcurrency
			q.Rate = queue.PerSecond(c.Queues.RelationshipJobPerSec)
		}
		q.MaxStalledCount = c.Worker.MaxStalledCount
	}
	return queue.NewRegistry(configs...)
}

// PollInterval returns the pool poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollIntervalMS) * time.Millisecond
}

// LockDuration returns how long a lease is held without a heartbeat.
func (c *Config) LockDuration() time.Duration {
	return time.Duration(c.Worker.LockDurationSeconds) * time.Second
}

// StalledInterval returns how often expired leases are reaped.
func (c *Config) StalledInterval() time.Duration {
	return time.Duration(c.Worker.StalledIntervalSeconds) * time.Second
}

// ShutdownTimeout returns how long pools drain on shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Worker.ShutdownTimeoutSeconds) * time.Second
}

// MetaRefreshInterval returns how often the instance meta is reloaded.
func (c *Config) MetaRefreshInterval() time.Duration {
	return time.Duration(c.Meta.RefreshIntervalSeconds) * time.Second
}

// LogLevel returns the slog level named by [logging] level.
func (c *Config) LogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// EnsureDirectories creates the directories of the configured files.
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.Daemon.LockFile)}
	if c.Store.Kind == StoreSQLite {
		dirs = append(dirs, filepath.Dir(c.Store.SQLitePath))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}
