package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateQueues(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if c.Meta.RefreshIntervalSeconds <= 0 {
		return errors.New("meta.refresh_interval_seconds must be positive")
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Kind {
	case StoreMemory:
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("store.redis_addr must be set for the redis store")
		}
		if c.Store.RedisDB < 0 {
			return errors.New("store.redis_db must not be negative")
		}
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path must be set for the sqlite store")
		}
	case StorePostgres:
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn must be set for the postgres store")
		}
	default:
		return fmt.Errorf("store.kind must be one of memory, redis, sqlite, postgres; got %q", c.Store.Kind)
	}
	return nil
}

func (c *Config) validateQueues() error {
	positive := []struct {
		key   string
		value int
	}{
		{"queues.deliver_job_concurrency", c.Queues.DeliverJobConcurrency},
		{"queues.deliver_job_per_sec", c.Queues.DeliverJobPerSec},
		{"queues.deliver_job_max_attempts", c.Queues.DeliverJobMaxAttempts},
		{"queues.inbox_job_concurrency", c.Queues.InboxJobConcurrency},
		{"queues.inbox_job_per_sec", c.Queues.InboxJobPerSec},
		{"queues.inbox_job_max_attempts", c.Queues.InboxJobMaxAttempts},
		{"queues.relationship_job_concurrency", c.Queues.RelationshipJobConcurrency},
		{"queues.relationship_job_per_sec", c.Queues.RelationshipJobPerSec},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.key, p.value)
		}
	}
	return nil
}

func (c *Config) validateWorker() error {
	if c.Worker.PollIntervalMS <= 0 {
		return errors.New("worker.poll_interval_ms must be positive")
	}
	if c.Worker.LockDurationSeconds <= 0 {
		return errors.New("worker.lock_duration_seconds must be positive")
	}
	if c.Worker.StalledIntervalSeconds < 0 {
		return errors.New("worker.stalled_interval_seconds must not be negative")
	}
	if c.Worker.MaxStalledCount < 1 {
		return errors.New("worker.max_stalled_count must be at least 1")
	}
	if c.Worker.ShutdownTimeoutSeconds <= 0 {
		return errors.New("worker.shutdown_timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	return nil
}
