// Package redissub feeds cache.Subscriber from a Redis pub/sub channel.
//
// Messages on the channel are JSON envelopes:
//
//	{"channel":"internal","message":{"type":"metaUpdated","body":{...}}}
//
// Only envelopes on the "internal" stream are delivered; the rest of the
// channel's traffic is ignored.
package redissub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/courier/cache"
)

// InternalStream is the envelope channel carrying internal events.
const InternalStream = "internal"

// Ensure Subscriber implements cache.Subscriber at compile time.
var _ cache.Subscriber = (*Subscriber)(nil)

type envelope struct {
	Channel string          `json:"channel"`
	Message json.RawMessage `json:"message"`
}

// Subscriber reads internal events from one Redis channel.
type Subscriber struct {
	client  goredis.UniversalClient
	channel string
	logger  *slog.Logger
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithLogger sets the subscriber's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Subscriber) { s.logger = l }
}

// New returns a Subscriber for channel. The client is not closed by the
// subscriber.
func New(client goredis.UniversalClient, channel string, opts ...Option) *Subscriber {
	s := &Subscriber{client: client, channel: channel, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe delivers internal events to handle until ctx is done.
func (s *Subscriber) Subscribe(ctx context.Context, handle func(cache.Message)) error {
	ps := s.client.Subscribe(ctx, s.channel)
	defer ps.Close()

	// Receive the subscription confirmation before reading the channel.
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("courier/redissub: subscribe %s: %w", s.channel, err)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("courier/redissub: channel %s closed", s.channel)
			}
			m, ok, err := Decode([]byte(msg.Payload))
			if err != nil {
				s.logger.Debug("ignoring undecodable pubsub message",
					slog.String("channel", s.channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			if ok {
				handle(m)
			}
		}
	}
}

// Publish sends an internal event of the given type.
func (s *Subscriber) Publish(ctx context.Context, eventType string, body any) error {
	payload, err := Encode(eventType, body)
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("courier/redissub: publish %s: %w", eventType, err)
	}
	return nil
}

// Decode parses an envelope. ok is false for envelopes of other streams.
func Decode(data []byte) (m cache.Message, ok bool, err error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return cache.Message{}, false, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Channel != InternalStream {
		return cache.Message{}, false, nil
	}
	if err := json.Unmarshal(env.Message, &m); err != nil {
		return cache.Message{}, false, fmt.Errorf("decode internal message: %w", err)
	}
	return m, true, nil
}

// Encode builds the envelope for an internal event.
func Encode(eventType string, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("courier/redissub: encode %s body: %w", eventType, err)
	}
	msg, err := json.Marshal(cache.Message{Type: eventType, Body: raw})
	if err != nil {
		return nil, fmt.Errorf("courier/redissub: encode %s: %w", eventType, err)
	}
	return json.Marshal(envelope{Channel: InternalStream, Message: msg})
}
