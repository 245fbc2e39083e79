// Package middleware provides composable middleware for job execution.
//
// A [Middleware] wraps a job handler. Middleware are composed into a chain
// using [Chain] and applied before each job executes, first one outermost:
//
//	chain := middleware.Chain(
//	    middleware.Tracing(),
//	    middleware.Metrics(),
//	    middleware.Recover(logger),
//	    middleware.Timeout(logger, 5*time.Minute),
//	)
//
// # Built-in Middleware
//
//   - [Recover]: catches panics and converts them to *PanicError
//   - [Timeout]: cancels the job context after the job's (or a default) timeout
//   - [Tracing]: wraps execution in an OpenTelemetry span
//   - [Metrics]: records per-job duration and outcome counters
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware
