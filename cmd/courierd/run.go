package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/courier/cache"
	"github.com/xraph/courier/cache/redissub"
	"github.com/xraph/courier/engine"
	"github.com/xraph/courier/jobs"
)

// metaUpdatedEvent is the internal event carrying a new instance meta.
const metaUpdatedEvent = "metaUpdated"

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run every queue until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, os.Stderr)

			lock := flock.New(cfg.Daemon.LockFile)
			ok, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire lock: %w", err)
			}
			if !ok {
				return errors.New("another courierd instance is already running")
			}
			defer func() {
				if err := lock.Unlock(); err != nil {
					logger.Warn("failed to release daemon lock", slog.String("error", err.Error()))
				}
			}()

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b, err := openBackend(runCtx, cfg, logger)
			if err != nil {
				return err
			}
			defer b.Close()

			meta := newMetaCache(cfg, b)
			if _, err := meta.Fetch(runCtx); err != nil {
				logger.Warn("instance meta unavailable, retrying on refresh", slog.String("error", err.Error()))
			}
			refresher := cache.NewRefresher("meta", cache.RefreshCache(meta),
				cache.WithInterval(cfg.MetaRefreshInterval()),
				cache.WithLogger(logger),
			)

			webhooks := jobs.NewWebhookDeliverer(meta,
				jobs.WithInstanceHost(cfg.Meta.InstanceHost),
				jobs.WithWebhookLogger(logger),
			)
			eng, err := newEngine(cfg, b, logger,
				engine.WithProcessors(jobs.Processors{WebhookDeliver: webhooks}),
				engine.WithService(refresher),
			)
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(runCtx)
			g.Go(func() error { return eng.Run(gctx) })
			if b.redis != nil {
				sub := redissub.New(b.redis, cfg.Meta.RedisChannel, redissub.WithLogger(logger))
				g.Go(func() error {
					return cache.FollowRetry(gctx, meta, sub, metaUpdatedEvent, logger, time.Second, 30*time.Second)
				})
			}

			sdNotify(logger, daemon.SdNotifyReady)
			logger.Info("courierd running",
				slog.String("store", cfg.Store.Kind),
				slog.String("lock", cfg.Daemon.LockFile),
			)

			err = g.Wait()
			sdNotify(logger, daemon.SdNotifyStopping)
			return err
		},
	}
}

// sdNotify reports state to systemd when running under a notify unit.
func sdNotify(logger *slog.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn("systemd notify failed", slog.String("state", state), slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Debug("systemd notified", slog.String("state", state))
	}
}
