package job

import "time"

// Options configures per-job behavior such as attempts, backoff, and priority.
type Options struct {
	// Attempts is the total number of executions allowed. Zero means the
	// queue's default.
	Attempts int

	// Backoff names the retry policy. Empty means the queue's default.
	Backoff string

	// Priority determines lease ordering. Higher values are processed first.
	Priority int

	// Delay postpones the first execution.
	Delay time.Duration

	// Timeout is the maximum duration a job may run before being cancelled.
	Timeout time.Duration

	// JobID overrides the generated id. Enqueueing a second job with the
	// same id fails with courier.ErrJobAlreadyExists.
	JobID string

	// RemoveOnComplete deletes the job once it completes.
	RemoveOnComplete bool

	// RemoveOnFail deletes the job once it fails terminally.
	RemoveOnFail bool
}

// Option is a functional option for configuring a single enqueue.
type Option func(*Options)

// WithAttempts sets the total number of executions allowed.
func WithAttempts(n int) Option {
	return func(o *Options) {
		o.Attempts = n
	}
}

// WithBackoff selects a named retry policy.
func WithBackoff(name string) Option {
	return func(o *Options) {
		o.Backoff = name
	}
}

// WithPriority sets the job priority. Higher values are processed first.
func WithPriority(p int) Option {
	return func(o *Options) {
		o.Priority = p
	}
}

// WithDelay postpones the first execution by d.
func WithDelay(d time.Duration) Option {
	return func(o *Options) {
		o.Delay = d
	}
}

// WithTimeout sets the maximum execution duration for the job.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithJobID sets a caller-chosen job id.
func WithJobID(jobID string) Option {
	return func(o *Options) {
		o.JobID = jobID
	}
}

// WithRemoveOnComplete deletes the job after it completes.
func WithRemoveOnComplete() Option {
	return func(o *Options) {
		o.RemoveOnComplete = true
	}
}

// WithRemoveOnFail deletes the job after it fails terminally.
func WithRemoveOnFail() Option {
	return func(o *Options) {
		o.RemoveOnFail = true
	}
}

// Apply folds opts into o.
func (o *Options) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(o)
	}
}
