package observability_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/observability"
)

func newTestExtension() (*observability.MetricsExtension, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return observability.NewMetricsExtensionWithMeter(mp.Meter("test")), reader
}

func newTestJob() *job.Job {
	return &job.Job{
		ID:        id.NewJobID(),
		Name:      "deliver",
		Queue:     "deliver",
		Timestamp: time.Now().Add(-time.Second),
	}
}

// counterValue sums every data point of the named Int64 counter.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: unexpected data type %T", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestMetricsExtension_Name(t *testing.T) {
	e, _ := newTestExtension()
	if e.Name() != "observability-metrics" {
		t.Errorf("expected name %q, got %q", "observability-metrics", e.Name())
	}
}

func TestMetricsExtension_Counters(t *testing.T) {
	e, reader := newTestExtension()
	ctx := context.Background()
	j := newTestJob()

	_ = e.OnJobEnqueued(ctx, j)
	_ = e.OnJobEnqueued(ctx, j)
	_ = e.OnJobCompleted(ctx, j, "Success", time.Millisecond)
	_ = e.OnJobStalled(ctx, "deliver", j.ID)
	_ = e.OnPoolError(ctx, "deliver", errors.New("store down"))
	_ = e.OnScheduleFired(ctx, "tickCharts", "repeat_tickCharts_1")

	tests := []struct {
		name string
		want int64
	}{
		{"courier.job.enqueued", 2},
		{"courier.job.completed", 1},
		{"courier.job.stalled", 1},
		{"courier.pool.errors", 1},
		{"courier.schedule.fired", 1},
	}
	for _, tt := range tests {
		if got := counterValue(t, reader, tt.name); got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestMetricsExtension_FailedSplitsRetries(t *testing.T) {
	e, reader := newTestExtension()
	ctx := context.Background()

	retrying := newTestJob()
	retrying.State = job.StateDelayed
	terminal := newTestJob()
	terminal.State = job.StateFailed

	_ = e.OnJobFailed(ctx, "deliver", retrying, errors.New("timeout"))
	_ = e.OnJobFailed(ctx, "deliver", terminal, errors.New("410"))
	_ = e.OnJobFailed(ctx, "deliver", nil, errors.New("unattributed"))

	if got := counterValue(t, reader, "courier.job.retried"); got != 1 {
		t.Errorf("retried = %d, want 1", got)
	}
	if got := counterValue(t, reader, "courier.job.failed"); got != 2 {
		t.Errorf("failed = %d, want 2", got)
	}
}

func TestMetricsExtension_ViaRegistry(t *testing.T) {
	e, reader := newTestExtension()
	reg := ext.NewRegistry(slog.Default())
	reg.Register(e)

	ctx := context.Background()
	j := newTestJob()
	reg.EmitJobEnqueued(ctx, j)
	reg.EmitJobActive(ctx, j)
	reg.EmitJobCompleted(ctx, j, "", time.Second)

	if got := counterValue(t, reader, "courier.job.enqueued"); got != 1 {
		t.Errorf("enqueued = %d, want 1", got)
	}
	if got := counterValue(t, reader, "courier.job.completed"); got != 1 {
		t.Errorf("completed = %d, want 1", got)
	}
}
