package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultRefreshInterval is how often a Refresher reloads by default.
const DefaultRefreshInterval = 5 * time.Minute

// Ticker produces refresh ticks. stop releases its resources.
type Ticker func(interval time.Duration) (ticks <-chan time.Time, stop func())

func timeTicker(interval time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(interval)
	return t.C, t.Stop
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithInterval sets the refresh interval.
func WithInterval(d time.Duration) RefresherOption {
	return func(r *Refresher) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithTicker replaces the wall-clock ticker.
func WithTicker(t Ticker) RefresherOption {
	return func(r *Refresher) { r.ticker = t }
}

// WithLogger sets the refresher's logger.
func WithLogger(l *slog.Logger) RefresherOption {
	return func(r *Refresher) { r.logger = l }
}

// Refresher periodically calls a refresh function until stopped.
type Refresher struct {
	name     string
	refresh  func(ctx context.Context) error
	interval time.Duration
	ticker   Ticker
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRefresher returns a stopped refresher named name.
func NewRefresher(name string, refresh func(ctx context.Context) error, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		name:     name,
		refresh:  refresh,
		interval: DefaultRefreshInterval,
		ticker:   timeTicker,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RefreshCache returns a refresh function that reloads c.
func RefreshCache[T any](c *Cache[T]) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := c.Refresh(ctx)
		return err
	}
}

// Start launches the refresh loop. It is a no-op when already running.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	r.running = true

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	ticks, stop := r.ticker(r.interval)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticks:
				if err := r.refresh(loopCtx); err != nil && loopCtx.Err() == nil {
					r.logger.Warn("cache refresh failed",
						slog.String("cache", r.name),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()
	return nil
}

// Stop ends the refresh loop and waits for an in-flight refresh.
func (r *Refresher) Stop(_ context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}
