// Package observer logs worker pool lifecycle events.
//
// An Observer is an ext.Extension. Each queue gets its own sub-logger, and
// every line carries the job id, the attempt counter, and the queue age of
// the job. Delivery-class queues add the destination inbox and the inbox
// queue adds the activity id.
package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/courier/job"
	"github.com/xraph/courier/middleware"
	"github.com/xraph/courier/queue"
)

// Observer is the structured logging sink attached to every pool.
type Observer struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	loggers map[string]*slog.Logger
}

// Option configures an Observer.
type Option func(*Observer)

// WithClock overrides the clock used to compute job ages.
func WithClock(now func() time.Time) Option {
	return func(o *Observer) { o.now = now }
}

// New creates an Observer writing to logger.
func New(logger *slog.Logger, opts ...Option) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Observer{
		logger:  logger,
		now:     time.Now,
		loggers: make(map[string]*slog.Logger),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Name implements ext.Extension.
func (o *Observer) Name() string { return "observer" }

// For returns the sub-logger of a queue.
func (o *Observer) For(q string) *slog.Logger {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.loggers[q]
	if !ok {
		l = o.logger.With(slog.String("queue", q))
		o.loggers[q] = l
	}
	return l
}

// OnJobActive implements ext.JobActive.
func (o *Observer) OnJobActive(ctx context.Context, j *job.Job) error {
	o.For(j.Queue).DebugContext(ctx, "active "+o.describe(j, true))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (o *Observer) OnJobCompleted(ctx context.Context, j *job.Job, result string, elapsed time.Duration) error {
	o.For(j.Queue).DebugContext(ctx, fmt.Sprintf("completed(%s) %s", result, o.describe(j, false)),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}

// OnJobFailed implements ext.JobFailed. Terminal failures log at error
// level, failures that will be retried at warn.
func (o *Observer) OnJobFailed(ctx context.Context, q string, j *job.Job, jobErr error) error {
	l := o.For(q)
	if j == nil {
		l.WarnContext(ctx, fmt.Sprintf("failed(%s) id=-", errText(jobErr)),
			slog.Any("e", RenderError(jobErr)),
		)
		return nil
	}

	level, verdict := slog.LevelWarn, "will retry"
	if j.State == job.StateFailed {
		level, verdict = slog.LevelError, "permanently"
	}
	l.Log(ctx, level, fmt.Sprintf("failed(%s) %s", errText(jobErr), o.describe(j, false)),
		slog.String("verdict", verdict),
		slog.Time("retry_at", j.RunAt),
		slog.Any("e", RenderError(jobErr)),
	)
	return nil
}

// OnJobStalled implements ext.JobStalled.
func (o *Observer) OnJobStalled(ctx context.Context, q, jobID string) error {
	o.For(q).WarnContext(ctx, "stalled id="+jobID)
	return nil
}

// OnPoolError implements ext.PoolError.
func (o *Observer) OnPoolError(ctx context.Context, q string, poolErr error) error {
	o.For(q).ErrorContext(ctx, "error "+errText(poolErr), slog.Any("e", RenderError(poolErr)))
	return nil
}

// describe renders the job info plus the per-queue destination suffix.
// Active jobs have not yet counted the attempt in progress.
func (o *Observer) describe(j *job.Job, inProgress bool) string {
	info := FormatJobInfo(j, o.now(), inProgress)
	switch j.Queue {
	case queue.Deliver, queue.WebhookDeliver:
		return info + " to=" + destination(j.Payload)
	case queue.Inbox:
		return info + " activity=" + activityID(j.Payload)
	default:
		return info
	}
}

// ──────────────────────────────────────────────────
// Formatting
// ──────────────────────────────────────────────────

// FormatJobInfo renders "id=<id> attempts=<current>/<max> age=<age>". With
// inProgress set, the current attempt counts the execution that is running.
// A nil job renders as "-".
func FormatJobInfo(j *job.Job, now time.Time, inProgress bool) string {
	if j == nil {
		return "-"
	}
	current := j.AttemptsMade
	if inProgress {
		current++
	}
	return fmt.Sprintf("id=%s attempts=%d/%d age=%s", j.ID, current, j.Attempts, FormatAge(j.Age(now)))
}

// FormatAge renders milliseconds up to 10s, whole seconds up to 60s, and
// whole minutes beyond.
func FormatAge(d time.Duration) string {
	ms := d.Milliseconds()
	switch {
	case ms > 60_000:
		return fmt.Sprintf("%dm", ms/60_000)
	case ms > 10_000:
		return fmt.Sprintf("%ds", ms/1000)
	default:
		return fmt.Sprintf("%dms", ms)
	}
}

// ErrorRecord is the normalized form of an error in log output.
type ErrorRecord struct {
	Stack   string `json:"stack"`
	Message string `json:"message"`
	Name    string `json:"name"`
}

// LogValue implements slog.LogValuer.
func (r ErrorRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", r.Name),
		slog.String("message", r.Message),
		slog.String("stack", r.Stack),
	)
}

var placeholder = ErrorRecord{Stack: "?", Message: "?", Name: "?"}

// RenderError normalizes err for logging. Name is the dynamic type of the
// innermost wrapped error and Stack is filled for recovered panics. A nil
// error, or one whose Error method panics, renders as the placeholder
// record.
func RenderError(err error) (rec ErrorRecord) {
	if err == nil {
		return placeholder
	}
	defer func() {
		if recover() != nil {
			rec = placeholder
		}
	}()

	rec = ErrorRecord{Stack: "?", Message: err.Error(), Name: errName(err)}
	var pe *middleware.PanicError
	if errors.As(err, &pe) && pe.Stack != "" {
		rec.Stack = pe.Stack
	}
	return rec
}

func errName(err error) string {
	inner := err
	for {
		next := errors.Unwrap(inner)
		if next == nil {
			break
		}
		inner = next
	}
	return fmt.Sprintf("%T", inner)
}

func errText(err error) (s string) {
	if err == nil {
		return "?"
	}
	defer func() {
		if recover() != nil {
			s = "?"
		}
	}()
	return err.Error()
}

// ──────────────────────────────────────────────────
// Payload peeking
// ──────────────────────────────────────────────────

func destination(payload []byte) string {
	var p struct {
		To string `json:"to"`
	}
	if json.Unmarshal(payload, &p) != nil || p.To == "" {
		return "-"
	}
	return p.To
}

func activityID(payload []byte) string {
	var p struct {
		Activity *struct {
			ID string `json:"id"`
		} `json:"activity"`
	}
	if json.Unmarshal(payload, &p) != nil {
		return "-"
	}
	if p.Activity == nil || p.Activity.ID == "" {
		return "none"
	}
	return p.Activity.ID
}
