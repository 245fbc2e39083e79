package job

import "context"

type ctxKey struct{}

// WithJob returns a context carrying the job being executed.
func WithJob(ctx context.Context, j *Job) context.Context {
	return context.WithValue(ctx, ctxKey{}, j)
}

// FromContext returns the job being executed, if any.
func FromContext(ctx context.Context) (*Job, bool) {
	j, ok := ctx.Value(ctxKey{}).(*Job)
	return j, ok && j != nil
}
