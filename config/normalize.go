package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	c.Store.Kind = strings.ToLower(strings.TrimSpace(c.Store.Kind))
	if c.Store.Kind == "" {
		c.Store.Kind = defaultStoreKind
	}

	var err error
	if c.Store.SQLitePath != ":memory:" {
		if c.Store.SQLitePath, err = expandPath(c.Store.SQLitePath); err != nil {
			return fmt.Errorf("store.sqlite_path: %w", err)
		}
	}
	if strings.TrimSpace(c.Daemon.LockFile) == "" {
		c.Daemon.LockFile = defaultLockFile
	}
	if c.Daemon.LockFile, err = expandPath(c.Daemon.LockFile); err != nil {
		return fmt.Errorf("daemon.lock_file: %w", err)
	}

	c.normalizeLogging()
	if strings.TrimSpace(c.Meta.RedisChannel) == "" {
		c.Meta.RedisChannel = defaultMetaChannel
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

// expandPath expands a leading ~ and makes the path absolute.
func expandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Abs(path)
}
