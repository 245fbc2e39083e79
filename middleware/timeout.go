package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/courier/job"
)

// Timeout returns middleware that enforces a per-job execution deadline.
// The job's own Timeout wins; fallback applies to jobs without one. Zero
// fallback leaves such jobs unbounded. When the deadline is exceeded the
// context is cancelled and the handler should return
// context.DeadlineExceeded.
func Timeout(logger *slog.Logger, fallback time.Duration) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (string, error) {
		d := j.Timeout
		if d <= 0 {
			d = fallback
		}
		if d > 0 {
			logger.Debug("job timeout set",
				slog.String("job_id", j.ID),
				slog.Duration("timeout", d),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
