package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/xraph/courier/cache"
	"github.com/xraph/courier/job"
)

// Webhook request headers.
const (
	HeaderHookID       = "X-Hook-Id"
	HeaderHookSecret   = "X-Hook-Secret"
	HeaderInstanceHost = "X-Instance-Host"
)

// ResultSkippedBlocked is the job result for deliveries to blocked hosts.
const ResultSkippedBlocked = "skip (blocked)"

// WebhookStatusFunc records the outcome of a webhook request on the
// webhook. status is 0 when no response was received.
type WebhookStatusFunc func(ctx context.Context, webhookID string, sentAt time.Time, status int)

// WebhookDeliverer posts webhook events over HTTP. It implements
// WebhookDeliverProcessor.
type WebhookDeliverer struct {
	client       *http.Client
	meta         *cache.Cache[InstanceMeta]
	instanceHost string
	userAgent    string
	onStatus     WebhookStatusFunc
	logger       *slog.Logger
	now          func() time.Time
}

var _ WebhookDeliverProcessor = (*WebhookDeliverer)(nil)

// WebhookOption configures a WebhookDeliverer.
type WebhookOption func(*WebhookDeliverer)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(d *WebhookDeliverer) { d.client = c }
}

// WithInstanceHost sets the host announced in every request.
func WithInstanceHost(host string) WebhookOption {
	return func(d *WebhookDeliverer) { d.instanceHost = host }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) WebhookOption {
	return func(d *WebhookDeliverer) { d.userAgent = ua }
}

// WithStatusFunc sets the callback that records request outcomes.
func WithStatusFunc(fn WebhookStatusFunc) WebhookOption {
	return func(d *WebhookDeliverer) { d.onStatus = fn }
}

// WithWebhookLogger sets the deliverer's logger.
func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(d *WebhookDeliverer) { d.logger = l }
}

// NewWebhookDeliverer returns a deliverer. meta may be nil, in which case no
// host is treated as blocked.
func NewWebhookDeliverer(meta *cache.Cache[InstanceMeta], opts ...WebhookOption) *WebhookDeliverer {
	d := &WebhookDeliverer{
		client:    &http.Client{Timeout: 30 * time.Second},
		meta:      meta,
		userAgent: "courier-hooks",
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type webhookBody struct {
	HookID    string          `json:"hookId"`
	UserID    string          `json:"userId"`
	EventID   string          `json:"eventId"`
	CreatedAt int64           `json:"createdAt"`
	Type      string          `json:"type"`
	Body      json.RawMessage `json:"body"`
}

// WebhookDeliver implements WebhookDeliverProcessor.
func (d *WebhookDeliverer) WebhookDeliver(ctx context.Context, p WebhookDeliverPayload) (string, error) {
	host := hostOf(p.To)
	if host == "" {
		return "", job.Unrecoverable(fmt.Errorf("webhook %s: invalid url %q", p.WebhookID, p.To))
	}
	blocked, err := d.blocked(ctx, host)
	if err != nil {
		return "", err
	}
	if blocked {
		return ResultSkippedBlocked, nil
	}

	body, err := json.Marshal(webhookBody{
		HookID:    p.WebhookID,
		UserID:    p.UserID,
		EventID:   p.EventID,
		CreatedAt: p.CreatedAt,
		Type:      p.Type,
		Body:      p.Content,
	})
	if err != nil {
		return "", job.Unrecoverable(fmt.Errorf("webhook %s: encode body: %w", p.WebhookID, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.To, bytes.NewReader(body))
	if err != nil {
		return "", job.Unrecoverable(fmt.Errorf("webhook %s: build request: %w", p.WebhookID, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set(HeaderHookID, p.WebhookID)
	req.Header.Set(HeaderHookSecret, p.Secret)
	if d.instanceHost != "" {
		req.Header.Set(HeaderInstanceHost, d.instanceHost)
	}

	sentAt := d.now()
	resp, err := d.client.Do(req)
	if err != nil {
		d.record(ctx, p.WebhookID, sentAt, 0)
		return "", fmt.Errorf("webhook %s: %w", p.WebhookID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	d.record(ctx, p.WebhookID, sentAt, resp.StatusCode)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return "Success", nil
	case isPermanentClientError(resp.StatusCode):
		return "", job.Unrecoverable(fmt.Errorf("webhook %s: %s", p.WebhookID, resp.Status))
	default:
		return "", fmt.Errorf("webhook %s: %s", p.WebhookID, resp.Status)
	}
}

func (d *WebhookDeliverer) blocked(ctx context.Context, host string) (bool, error) {
	if d.meta == nil {
		return false, nil
	}
	m, err := d.meta.Fetch(ctx)
	if err != nil {
		return false, fmt.Errorf("load instance meta: %w", err)
	}
	return m.IsBlockedHost(host), nil
}

func (d *WebhookDeliverer) record(ctx context.Context, webhookID string, sentAt time.Time, status int) {
	if d.onStatus == nil {
		return
	}
	d.onStatus(ctx, webhookID, sentAt, status)
}

// isPermanentClientError reports whether a status means retrying cannot
// help. Timeouts and rate limiting are retried.
func isPermanentClientError(status int) bool {
	if status < 400 || status >= 500 {
		return false
	}
	return status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
}
