package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// Message is one internal event received from a pub/sub channel.
type Message struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// Subscriber delivers internal events to handle until ctx is done or the
// subscription fails.
type Subscriber interface {
	Subscribe(ctx context.Context, handle func(Message)) error
}

// Follow keeps c in sync with events of the given type: each event's body
// replaces the cached value. A body that does not decode invalidates the
// cache so the next Fetch reloads. Follow blocks until ctx is done.
func Follow[T any](ctx context.Context, c *Cache[T], sub Subscriber, eventType string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	err := sub.Subscribe(ctx, func(m Message) {
		if m.Type != eventType {
			return
		}
		var v T
		if err := json.Unmarshal(m.Body, &v); err != nil {
			logger.Warn("cache event body invalid",
				slog.String("event", eventType),
				slog.String("error", err.Error()),
			)
			c.Invalidate()
			return
		}
		c.Set(v)
	})
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// FollowRetry runs Follow until ctx is done, resubscribing after each
// failure with a delay that doubles from minDelay up to maxDelay. Events
// may have been missed while unsubscribed, so every failure also
// invalidates c. It returns nil once ctx is done.
func FollowRetry[T any](ctx context.Context, c *Cache[T], sub Subscriber, eventType string, logger *slog.Logger, minDelay, maxDelay time.Duration) error {
	if logger == nil {
		logger = slog.Default()
	}
	delay := minDelay
	for {
		err := Follow(ctx, c, sub, eventType, logger)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// Subscription ended cleanly; start over at the short delay.
			delay = minDelay
		} else {
			logger.Warn("cache subscription failed, retrying",
				slog.String("event", eventType),
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay),
			)
		}
		c.Invalidate()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		if err != nil {
			delay = min(delay*2, maxDelay)
		}
	}
}
