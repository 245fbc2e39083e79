// Package ext defines the extension system for Courier.
// Extensions are notified of lifecycle events (job enqueued, active,
// completed, failed, stalled, pool errors) and can react to them: logging,
// metrics, tracing.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/courier/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobEnqueued is called after a job is successfully enqueued.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobActive is called when a worker leases a job and begins executing it.
type JobActive interface {
	OnJobActive(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, result string, elapsed time.Duration) error
}

// JobFailed is called after every failed execution. j reflects the settled
// state: StateDelayed when a retry is scheduled for j.RunAt, StateFailed
// when the failure is terminal. j is nil when the failure could not be
// attributed to a job.
type JobFailed interface {
	OnJobFailed(ctx context.Context, queue string, j *job.Job, jobErr error) error
}

// JobStalled is called when a job's lease expired without being settled.
type JobStalled interface {
	OnJobStalled(ctx context.Context, queue, jobID string) error
}

// ──────────────────────────────────────────────────
// Pool and scheduler hooks
// ──────────────────────────────────────────────────

// PoolError is called when a pool hits an infrastructure error, such as
// the backing store being unreachable. The pool keeps running.
type PoolError interface {
	OnPoolError(ctx context.Context, queue string, err error) error
}

// ScheduleFired is called when a repeatable task fires and enqueues a job.
type ScheduleFired interface {
	OnScheduleFired(ctx context.Context, taskName, jobID string) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
