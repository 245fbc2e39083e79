// Package worker provides the job execution engine: an Executor that
// routes a leased job to its handler through middleware and settles the
// outcome, and a Pool that runs one queue's worker goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/backoff"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/middleware"
)

// Executor runs a single leased job through middleware and the queue's
// router, then settles it in the store: completed, delayed for retry, or
// failed. It emits the completed and failed lifecycle events.
type Executor struct {
	router     *job.Router
	store      job.Store
	extensions *ext.Registry
	backoff    backoff.Strategy
	mw         middleware.Middleware
	logger     *slog.Logger
	now        func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithBackoff sets the retry policy for jobs that do not name one.
func WithBackoff(s backoff.Strategy) ExecutorOption {
	return func(e *Executor) { e.backoff = s }
}

// WithMiddleware sets the middleware chain wrapped around every handler.
func WithMiddleware(mws ...middleware.Middleware) ExecutorOption {
	return func(e *Executor) { e.mw = middleware.Chain(mws...) }
}

// NewExecutor creates an Executor for the router's queue.
func NewExecutor(
	router *job.Router,
	store job.Store,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		router:     router,
		store:      store,
		extensions: extensions,
		backoff:    backoff.NewConstant(backoff.DefaultFixedInterval),
		mw:         middleware.Chain(),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Queue returns the queue this executor serves.
func (e *Executor) Queue() string { return e.router.Queue() }

// Execute runs a leased job. j must carry its lease token; it is updated in
// place to reflect the settled state. The returned error is the handler's
// (or the routing) error; settle failures are logged and reported as pool
// errors.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	start := time.Now()
	ctx = job.WithJob(ctx, j)

	var (
		result string
		err    error
	)
	handler, err := e.router.Route(j.Name)
	if err == nil {
		result, err = e.mw(ctx, j, func(ctx context.Context) (string, error) {
			return handler(ctx, j)
		})
	}
	elapsed := time.Since(start)

	if err != nil && errors.Is(context.Cause(ctx), errPoolStopping) {
		// Left unsettled: the lease stalls and the job is redelivered
		// without using an attempt.
		e.logger.Warn("job interrupted by shutdown",
			slog.String("queue", j.Queue),
			slog.String("job_id", j.ID),
			slog.String("job_name", j.Name),
		)
		return err
	}
	if err != nil {
		e.handleFailure(ctx, j, err)
		return err
	}
	e.handleSuccess(ctx, j, result, elapsed)
	return nil
}

// handleSuccess settles the job as completed and emits the lifecycle event.
func (e *Executor) handleSuccess(ctx context.Context, j *job.Job, result string, elapsed time.Duration) {
	token := j.LeaseToken
	if !e.settle(ctx, j, token, job.Settlement{Outcome: job.OutcomeCompleted, Result: result}) {
		return
	}

	now := e.now()
	j.AttemptsMade++
	j.State = job.StateCompleted
	j.Result = result
	j.FinishedAt = &now
	j.LeaseToken = ""

	e.extensions.EmitJobCompleted(ctx, j, result, elapsed)
}

// handleFailure decides between retry and terminal failure. Every failed
// execution counts against the attempt budget; unrecoverable errors end
// the job regardless of remaining attempts.
func (e *Executor) handleFailure(ctx context.Context, j *job.Job, handlerErr error) {
	token := j.LeaseToken
	attemptsMade := j.AttemptsMade + 1
	attempts := max(j.Attempts, 1)
	now := e.now()

	if !job.IsUnrecoverable(handlerErr) && attemptsMade < attempts {
		delay := e.policyFor(j).Delay(attemptsMade)
		retryAt := now.Add(delay)
		s := job.Settlement{Outcome: job.OutcomeRetry, Error: handlerErr.Error(), RetryAt: retryAt}
		if !e.settle(ctx, j, token, s) {
			return
		}
		j.State = job.StateDelayed
		j.RunAt = retryAt
	} else {
		s := job.Settlement{Outcome: job.OutcomeFailed, Error: handlerErr.Error()}
		if !e.settle(ctx, j, token, s) {
			return
		}
		j.State = job.StateFailed
		j.FinishedAt = &now
	}
	j.AttemptsMade = attemptsMade
	j.LastError = handlerErr.Error()
	j.LeaseToken = ""

	e.extensions.EmitJobFailed(ctx, j.Queue, j, handlerErr)
}

// settle writes the outcome and reports whether it took effect. A lost
// lease means the reaper already handed the job to someone else.
func (e *Executor) settle(ctx context.Context, j *job.Job, token string, s job.Settlement) bool {
	// The job's own context may be cancelled or timed out; settling must
	// still reach the store.
	settleCtx := context.WithoutCancel(ctx)

	err := e.store.SettleJob(settleCtx, j.ID, token, s)
	if err == nil {
		return true
	}
	if errors.Is(err, courier.ErrLeaseLost) {
		e.logger.Warn("lease lost before settle",
			slog.String("queue", j.Queue),
			slog.String("job_id", j.ID),
			slog.String("outcome", s.Outcome.String()),
		)
		return false
	}
	settleErr := fmt.Errorf("settle job %s as %s: %w", j.ID, s.Outcome, err)
	e.logger.Error("failed to settle job",
		slog.String("queue", j.Queue),
		slog.String("job_id", j.ID),
		slog.String("error", err.Error()),
	)
	e.extensions.EmitPoolError(settleCtx, j.Queue, settleErr)
	return false
}

// policyFor resolves the job's named backoff, falling back to the
// executor's default.
func (e *Executor) policyFor(j *job.Job) backoff.Strategy {
	if j.Backoff == "" {
		return e.backoff
	}
	s, err := backoff.Lookup(j.Backoff)
	if err != nil {
		e.logger.Warn("unknown backoff policy, using queue default",
			slog.String("job_id", j.ID),
			slog.String("backoff", j.Backoff),
		)
		return e.backoff
	}
	return s
}
