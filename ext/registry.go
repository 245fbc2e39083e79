package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/courier/job"
)

type entry[H any] struct {
	name string
	hook H
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
//
// Register all extensions before the pools start; emits are not
// synchronized with Register.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	jobEnqueued   []entry[JobEnqueued]
	jobActive     []entry[JobActive]
	jobCompleted  []entry[JobCompleted]
	jobFailed     []entry[JobFailed]
	jobStalled    []entry[JobStalled]
	poolError     []entry[PoolError]
	scheduleFired []entry[ScheduleFired]
	shutdown      []entry[Shutdown]
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(JobEnqueued); ok {
		r.jobEnqueued = append(r.jobEnqueued, entry[JobEnqueued]{name, h})
	}
	if h, ok := e.(JobActive); ok {
		r.jobActive = append(r.jobActive, entry[JobActive]{name, h})
	}
	if h, ok := e.(JobCompleted); ok {
		r.jobCompleted = append(r.jobCompleted, entry[JobCompleted]{name, h})
	}
	if h, ok := e.(JobFailed); ok {
		r.jobFailed = append(r.jobFailed, entry[JobFailed]{name, h})
	}
	if h, ok := e.(JobStalled); ok {
		r.jobStalled = append(r.jobStalled, entry[JobStalled]{name, h})
	}
	if h, ok := e.(PoolError); ok {
		r.poolError = append(r.poolError, entry[PoolError]{name, h})
	}
	if h, ok := e.(ScheduleFired); ok {
		r.scheduleFired = append(r.scheduleFired, entry[ScheduleFired]{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, entry[Shutdown]{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Job event emitters
// ──────────────────────────────────────────────────

// EmitJobEnqueued notifies all extensions that implement JobEnqueued.
func (r *Registry) EmitJobEnqueued(ctx context.Context, j *job.Job) {
	for _, e := range r.jobEnqueued {
		r.call("OnJobEnqueued", e.name, func() error { return e.hook.OnJobEnqueued(ctx, j) })
	}
}

// EmitJobActive notifies all extensions that implement JobActive.
func (r *Registry) EmitJobActive(ctx context.Context, j *job.Job) {
	for _, e := range r.jobActive {
		r.call("OnJobActive", e.name, func() error { return e.hook.OnJobActive(ctx, j) })
	}
}

// EmitJobCompleted notifies all extensions that implement JobCompleted.
func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, result string, elapsed time.Duration) {
	for _, e := range r.jobCompleted {
		r.call("OnJobCompleted", e.name, func() error { return e.hook.OnJobCompleted(ctx, j, result, elapsed) })
	}
}

// EmitJobFailed notifies all extensions that implement JobFailed.
func (r *Registry) EmitJobFailed(ctx context.Context, queue string, j *job.Job, jobErr error) {
	for _, e := range r.jobFailed {
		r.call("OnJobFailed", e.name, func() error { return e.hook.OnJobFailed(ctx, queue, j, jobErr) })
	}
}

// EmitJobStalled notifies all extensions that implement JobStalled.
func (r *Registry) EmitJobStalled(ctx context.Context, queue, jobID string) {
	for _, e := range r.jobStalled {
		r.call("OnJobStalled", e.name, func() error { return e.hook.OnJobStalled(ctx, queue, jobID) })
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitPoolError notifies all extensions that implement PoolError.
func (r *Registry) EmitPoolError(ctx context.Context, queue string, poolErr error) {
	for _, e := range r.poolError {
		r.call("OnPoolError", e.name, func() error { return e.hook.OnPoolError(ctx, queue, poolErr) })
	}
}

// EmitScheduleFired notifies all extensions that implement ScheduleFired.
func (r *Registry) EmitScheduleFired(ctx context.Context, taskName, jobID string) {
	for _, e := range r.scheduleFired {
		r.call("OnScheduleFired", e.name, func() error { return e.hook.OnScheduleFired(ctx, taskName, jobID) })
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		r.call("OnShutdown", e.name, func() error { return e.hook.OnShutdown(ctx) })
	}
}

// call runs one hook. Errors and panics from hooks are logged and never
// propagated; a misbehaving extension must not stall a pool.
func (r *Registry) call(hook, extName string, fn func() error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("extension hook panicked",
				slog.String("hook", hook),
				slog.String("extension", extName),
				slog.Any("panic", rec),
			)
		}
	}()
	if err := fn(); err != nil {
		r.logger.Warn("extension hook error",
			slog.String("hook", hook),
			slog.String("extension", extName),
			slog.String("error", err.Error()),
		)
	}
}
