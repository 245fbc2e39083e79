package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/courier/job"
)

// PanicError is returned when a handler panics. Stack holds the goroutine
// stack captured at the panic.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Recover returns middleware that recovers from panics in the handler chain.
// Panics are converted to *PanicError and logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (result string, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("job handler panicked",
					slog.String("queue", j.Queue),
					slog.String("job_name", j.Name),
					slog.String("job_id", j.ID),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				result = ""
				retErr = fmt.Errorf("job %s: %w", j.Name, &PanicError{Value: r, Stack: stack})
			}
		}()
		return next(ctx)
	}
}
