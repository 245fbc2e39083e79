package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/xraph/courier/config"
	"github.com/xraph/courier/queue"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "courierd.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "absent.toml")

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if exists {
		t.Fatal("expected file to be absent")
	}
	if resolved != path {
		t.Errorf("resolved = %q, want %q", resolved, path)
	}
	if cfg.Store.Kind != config.StoreMemory {
		t.Errorf("store kind = %q", cfg.Store.Kind)
	}
	if cfg.Queues.DeliverJobConcurrency != 128 || cfg.Queues.InboxJobPerSec != 16 || cfg.Queues.RelationshipJobPerSec != 64 {
		t.Errorf("queue defaults = %+v", cfg.Queues)
	}
	if !filepath.IsAbs(cfg.Daemon.LockFile) {
		t.Errorf("lock file not expanded: %q", cfg.Daemon.LockFile)
	}
	if cfg.PollInterval() != time.Second || cfg.ShutdownTimeout() != 30*time.Second {
		t.Errorf("durations: poll %s shutdown %s", cfg.PollInterval(), cfg.ShutdownTimeout())
	}
	if cfg.MetaRefreshInterval() != 5*time.Minute {
		t.Errorf("meta refresh = %s", cfg.MetaRefreshInterval())
	}
}

func TestLoadOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	path := writeConfig(t, `
[store]
kind = "SQLite"
sqlite_path = "~/data/courier.db"

[queues]
deliver_job_concurrency = 32
deliver_job_per_sec = 40
inbox_job_max_attempts = 3

[worker]
poll_interval_ms = 250
max_stalled_count = 2

[logging]
format = "JSON"
level = "Debug"
`)
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists {
		t.Fatal("expected file to exist")
	}
	if cfg.Store.Kind != config.StoreSQLite {
		t.Errorf("store kind = %q", cfg.Store.Kind)
	}
	if want := filepath.Join(home, "data", "courier.db"); cfg.Store.SQLitePath != want {
		t.Errorf("sqlite path = %q, want %q", cfg.Store.SQLitePath, want)
	}
	if cfg.Logging.Format != "json" || cfg.LogLevel() != slog.LevelDebug {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.PollInterval() != 250*time.Millisecond {
		t.Errorf("poll = %s", cfg.PollInterval())
	}

	reg, err := cfg.QueueRegistry()
	if err != nil {
		t.Fatalf("QueueRegistry: %v", err)
	}
	deliver, _ := reg.Get(queue.Deliver)
	if deliver.Concurrency != 32 || deliver.Rate.Max != 40 || deliver.Rate.Window != time.Second {
		t.Errorf("deliver = %+v rate %+v", deliver, deliver.Rate)
	}
	if deliver.MaxStalledCount != 2 {
		t.Errorf("deliver max stalled = %d", deliver.MaxStalledCount)
	}
	inbox, _ := reg.Get(queue.Inbox)
	if inbox.Attempts != 3 || inbox.Concurrency != 16 {
		t.Errorf("inbox = %+v", inbox)
	}
	system, _ := reg.Get(queue.System)
	if system.Concurrency != 1 || system.Rate != nil {
		t.Errorf("system = %+v", system)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	tests := map[string]struct {
		body string
		want string
	}{
		"unknown store":   {"[store]\nkind = \"etcd\"\n", "store.kind"},
		"zero rate":       {"[queues]\ninbox_job_per_sec = 0\n", "queues.inbox_job_per_sec"},
		"bad format":      {"[logging]\nformat = \"xml\"\n", "logging.format"},
		"bad level":       {"[logging]\nlevel = \"loud\"\n", "logging.level"},
		"stalled count":   {"[worker]\nmax_stalled_count = 0\n", "worker.max_stalled_count"},
		"unknown key":     {"[worker]\nthreads = 4\n", "parse config"},
		"malformed toml":  {"[store\n", "parse config"},
		"negative reaper": {"[worker]\nstalled_interval_seconds = -1\n", "worker.stalled_interval_seconds"},
		"postgres no dsn": {"[store]\nkind = \"postgres\"\n", "store.postgres_dsn"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, _, err := config.Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestEncodeRoundTripsThroughLoad(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg := config.Default()
	cfg.Store.Kind = config.StoreRedis
	cfg.Store.RedisDB = 3

	data, err := config.Encode(cfg)
	if err != nil {
		t.Fatal(err)
	}
	var decoded config.Config
	if err := toml.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Store.Kind != config.StoreRedis || decoded.Store.RedisDB != 3 {
		t.Errorf("decoded store = %+v", decoded.Store)
	}

	loaded, _, _, err := config.Load(writeConfig(t, string(data)))
	if err != nil {
		t.Fatalf("Load of encoded defaults: %v", err)
	}
	if loaded.Queues != cfg.Queues || loaded.Worker != cfg.Worker {
		t.Errorf("loaded = %+v", loaded)
	}
}
