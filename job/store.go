package job

import (
	"context"
	"time"
)

// ListOpts controls pagination for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// State filters by job state. Empty means all states.
	State State
}

// Outcome is the result of a finished execution.
type Outcome int

const (
	// OutcomeCompleted settles the job as completed.
	OutcomeCompleted Outcome = iota + 1
	// OutcomeRetry moves the job to delayed until Settlement.RetryAt.
	OutcomeRetry
	// OutcomeFailed settles the job as terminally failed.
	OutcomeFailed
	// OutcomeThrottled returns the job to delayed until Settlement.RetryAt
	// without counting an attempt.
	OutcomeThrottled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailed:
		return "failed"
	case OutcomeThrottled:
		return "throttled"
	default:
		return "unknown"
	}
}

// Settlement describes how a lease ends.
type Settlement struct {
	Outcome Outcome
	Result  string
	Error   string
	RetryAt time.Time
}

// Store defines the persistence contract for jobs. Implementations
// serialize state transitions per job; every call that acts on a lease
// verifies the lease token and returns courier.ErrLeaseLost on mismatch.
type Store interface {
	// EnqueueJob persists a new job in waiting state, or delayed when RunAt
	// is in the future. A duplicate id returns courier.ErrJobAlreadyExists.
	EnqueueJob(ctx context.Context, j *Job) error

	// LeaseJobs promotes due delayed jobs of the queue, then atomically
	// claims up to limit waiting jobs for workerID, ordered by priority
	// (descending) then RunAt (ascending). Claimed jobs are active, carry a
	// fresh lease token, and are locked for lockFor.
	LeaseJobs(ctx context.Context, queue, workerID string, lockFor time.Duration, limit int) ([]*Job, error)

	// GetJob retrieves a job by id.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// SettleJob ends the lease identified by leaseToken. Completed, retry
	// and failed outcomes increment AttemptsMade.
	SettleJob(ctx context.Context, jobID, leaseToken string, s Settlement) error

	// HeartbeatJob extends the lock of an active lease by lockFor.
	HeartbeatJob(ctx context.Context, jobID, leaseToken string, lockFor time.Duration) error

	// ReapStalledJobs finds active jobs of the queue whose lock expired.
	// Each has StalledCount incremented and returns to waiting, or fails
	// with courier.ErrStalledTooOften once StalledCount exceeds maxStalled.
	// The returned jobs reflect their new state.
	ReapStalledJobs(ctx context.Context, queue string, maxStalled int) ([]*Job, error)

	// PromoteJob moves a delayed job to waiting immediately.
	PromoteJob(ctx context.Context, jobID string) error

	// RetryJob moves a failed job back to waiting with a fresh attempt budget.
	RetryJob(ctx context.Context, jobID string) error

	// DeleteJob removes a job by id.
	DeleteJob(ctx context.Context, jobID string) error

	// ListJobsByState returns jobs of the queue in the given state.
	ListJobsByState(ctx context.Context, queue string, state State, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)

	// CleanJobs deletes up to limit completed or failed jobs of the queue
	// that finished before olderThan. Zero limit means no limit.
	CleanJobs(ctx context.Context, queue string, state State, olderThan time.Time, limit int) (int, error)
}
