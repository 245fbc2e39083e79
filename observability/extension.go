// Package observability records system-wide lifecycle metrics through
// OpenTelemetry. Register the extension with the engine to count enqueues,
// completions, retries, terminal failures, stalls, pool errors, and fired
// repeatable tasks, labelled by queue.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension     = (*MetricsExtension)(nil)
	_ ext.JobEnqueued   = (*MetricsExtension)(nil)
	_ ext.JobActive     = (*MetricsExtension)(nil)
	_ ext.JobCompleted  = (*MetricsExtension)(nil)
	_ ext.JobFailed     = (*MetricsExtension)(nil)
	_ ext.JobStalled    = (*MetricsExtension)(nil)
	_ ext.PoolError     = (*MetricsExtension)(nil)
	_ ext.ScheduleFired = (*MetricsExtension)(nil)
)

const meterName = "github.com/xraph/courier/observability"

// MetricsExtension records lifecycle counters and the time jobs spend
// queued before their first execution.
type MetricsExtension struct {
	enqueued   metric.Int64Counter
	completed  metric.Int64Counter
	retried    metric.Int64Counter
	failed     metric.Int64Counter
	stalled    metric.Int64Counter
	poolErrors metric.Int64Counter
	fired      metric.Int64Counter
	queueWait  metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension on the global MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension on the given meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	// On error the API returns noop instruments.
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	wait, _ := meter.Float64Histogram("courier.job.queue_wait",
		metric.WithDescription("Time from enqueue to first execution in seconds"),
		metric.WithUnit("s"),
	)
	return &MetricsExtension{
		enqueued:   counter("courier.job.enqueued", "Jobs enqueued"),
		completed:  counter("courier.job.completed", "Jobs completed"),
		retried:    counter("courier.job.retried", "Failed executions scheduled for retry"),
		failed:     counter("courier.job.failed", "Jobs failed terminally"),
		stalled:    counter("courier.job.stalled", "Leases that expired without being settled"),
		poolErrors: counter("courier.pool.errors", "Infrastructure errors seen by worker pools"),
		fired:      counter("courier.schedule.fired", "Repeatable tasks fired"),
		queueWait:  wait,
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func queueAttr(queue string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("queue", queue))
}

// ── Job lifecycle hooks ─────────────────────────────

// OnJobEnqueued implements ext.JobEnqueued.
func (m *MetricsExtension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	m.enqueued.Add(ctx, 1, queueAttr(j.Queue))
	return nil
}

// OnJobActive implements ext.JobActive. Only first executions feed the
// queue-wait histogram.
func (m *MetricsExtension) OnJobActive(ctx context.Context, j *job.Job) error {
	if j.AttemptsMade == 0 && !j.Timestamp.IsZero() {
		m.queueWait.Record(ctx, time.Since(j.Timestamp).Seconds(), queueAttr(j.Queue))
	}
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, _ string, _ time.Duration) error {
	m.completed.Add(ctx, 1, queueAttr(j.Queue))
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, queue string, j *job.Job, _ error) error {
	if j != nil && j.State == job.StateDelayed {
		m.retried.Add(ctx, 1, queueAttr(queue))
		return nil
	}
	m.failed.Add(ctx, 1, queueAttr(queue))
	return nil
}

// OnJobStalled implements ext.JobStalled.
func (m *MetricsExtension) OnJobStalled(ctx context.Context, queue, _ string) error {
	m.stalled.Add(ctx, 1, queueAttr(queue))
	return nil
}

// ── Pool and scheduler hooks ────────────────────────

// OnPoolError implements ext.PoolError.
func (m *MetricsExtension) OnPoolError(ctx context.Context, queue string, _ error) error {
	m.poolErrors.Add(ctx, 1, queueAttr(queue))
	return nil
}

// OnScheduleFired implements ext.ScheduleFired.
func (m *MetricsExtension) OnScheduleFired(ctx context.Context, taskName, _ string) error {
	m.fired.Add(ctx, 1, metric.WithAttributes(attribute.String("task", taskName)))
	return nil
}
