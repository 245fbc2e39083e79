package job

import (
	"time"

	"github.com/xraph/courier"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StateWaiting means the job is ready to be leased by a worker.
	StateWaiting State = "waiting"
	// StateDelayed means the job will become waiting once RunAt is due.
	StateDelayed State = "delayed"
	// StateActive means a worker holds a lease on the job.
	StateActive State = "active"
	// StateCompleted means the job finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the job failed terminally.
	StateFailed State = "failed"
	// StateStalled is reported in events only. Stores move a stalled job
	// straight back to waiting (or to failed past the stall limit).
	StateStalled State = "stalled"
)

// States lists every state a store persists, in display order.
var States = []State{StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed}

// Valid reports whether s is a state a store persists.
func (s State) Valid() bool {
	for _, v := range States {
		if v == s {
			return true
		}
	}
	return false
}

// Job represents a unit of work to be processed by a worker.
type Job struct {
	courier.Entity

	ID       string `json:"id"`
	Name     string `json:"name"`
	Queue    string `json:"queue"`
	Payload  []byte `json:"payload"`
	State    State  `json:"state"`
	Priority int    `json:"priority"`

	// Attempts is the total number of executions allowed (>= 1).
	Attempts int `json:"attempts"`
	// AttemptsMade counts finished executions, successful or not.
	AttemptsMade int `json:"attempts_made"`
	// StalledCount counts how often the job's lease expired.
	StalledCount int `json:"stalled_count"`
	// Backoff names the retry policy, resolved through backoff.Lookup.
	Backoff string `json:"backoff,omitempty"`

	Timeout          time.Duration `json:"timeout,omitempty"`
	RemoveOnComplete bool          `json:"remove_on_complete,omitempty"`
	RemoveOnFail     bool          `json:"remove_on_fail,omitempty"`

	// Timestamp is the enqueue time.
	Timestamp time.Time `json:"timestamp"`
	// RunAt is the earliest time the job may be leased.
	RunAt time.Time `json:"run_at"`

	WorkerID    string     `json:"worker_id,omitempty"`
	LeaseToken  string     `json:"lease_token,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	Result    string `json:"result,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Age returns how long the job has been in the queue.
func (j *Job) Age(now time.Time) time.Duration {
	return now.Sub(j.Timestamp)
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Payload != nil {
		cp.Payload = append([]byte(nil), j.Payload...)
	}
	cp.LockedUntil = cloneTime(j.LockedUntil)
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.FinishedAt = cloneTime(j.FinishedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
