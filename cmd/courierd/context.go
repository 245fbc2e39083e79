package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/courier/cache"
	"github.com/xraph/courier/config"
	"github.com/xraph/courier/engine"
	"github.com/xraph/courier/jobs"
	"github.com/xraph/courier/store"
	"github.com/xraph/courier/store/memory"
	pgstore "github.com/xraph/courier/store/postgres"
	redisstore "github.com/xraph/courier/store/redis"
	sqlitestore "github.com/xraph/courier/store/sqlite"
	"github.com/xraph/courier/worker"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// newLogger builds the daemon logger from the [logging] section.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// backend is an opened store plus the Redis client behind it, if any.
type backend struct {
	store store.Store
	redis *goredis.Client
}

func (b *backend) Close() error {
	err := b.store.Close()
	if b.redis != nil {
		err = errors.Join(err, b.redis.Close())
	}
	return err
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	var b backend
	switch cfg.Store.Kind {
	case config.StoreMemory:
		b.store = memory.New()
	case config.StoreRedis:
		b.redis = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Store.RedisAddr,
			DB:       cfg.Store.RedisDB,
			Password: cfg.Store.RedisPassword,
		})
		b.store = redisstore.New(b.redis, redisstore.WithLogger(logger))
	case config.StoreSQLite:
		s, err := sqlitestore.Open(ctx, cfg.Store.SQLitePath, sqlitestore.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		b.store = s
	case config.StorePostgres:
		s, err := pgstore.New(ctx, cfg.Store.PostgresDSN, pgstore.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		b.store = s
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}

	if err := b.store.Ping(ctx); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("ping %s store: %w", cfg.Store.Kind, err)
	}
	if err := b.store.Migrate(ctx); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("migrate %s store: %w", cfg.Store.Kind, err)
	}
	return &b, nil
}

// metaKey holds the instance meta record in Redis.
func metaKey(cfg *config.Config) string {
	return cfg.Meta.RedisChannel + ":meta"
}

// newMetaCache returns the instance meta cache. With Redis the record is
// read from metaKey; otherwise the meta is empty and nothing is blocked.
func newMetaCache(cfg *config.Config, b *backend) *cache.Cache[jobs.InstanceMeta] {
	if b.redis == nil {
		return cache.New(func(context.Context) (jobs.InstanceMeta, error) {
			return jobs.InstanceMeta{}, nil
		})
	}
	key := metaKey(cfg)
	return cache.New(func(ctx context.Context) (jobs.InstanceMeta, error) {
		var m jobs.InstanceMeta
		raw, err := b.redis.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return m, nil
		}
		if err != nil {
			return m, fmt.Errorf("load instance meta: %w", err)
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return m, fmt.Errorf("decode instance meta: %w", err)
		}
		return m, nil
	})
}

// newEngine builds the engine for cfg over an opened backend.
func newEngine(cfg *config.Config, b *backend, logger *slog.Logger, opts ...engine.Option) (*engine.Engine, error) {
	registry, err := cfg.QueueRegistry()
	if err != nil {
		return nil, err
	}
	base := []engine.Option{
		engine.WithLogger(logger),
		engine.WithQueues(registry),
		engine.WithPoolOptions(
			worker.WithPollInterval(cfg.PollInterval()),
			worker.WithLockDuration(cfg.LockDuration()),
			worker.WithStalledInterval(cfg.StalledInterval()),
			worker.WithShutdownTimeout(cfg.ShutdownTimeout()),
		),
	}
	return engine.New(b.store, append(base, opts...)...)
}
