// Package memory provides an in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
)

// Ensure Store implements job.Store at compile time.
// We can't import store here (import cycle in tests), so we verify the
// job contract.
var _ job.Store = (*Store)(nil)

// Store is a fully in-memory job store. Every job is copied on the way in
// and out so callers never share memory with the store.
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]*job.Job
	closed bool
}

// New returns a new empty Store.
func New() *Store {
	return &Store{jobs: make(map[string]*job.Job)}
}

// ──────────────────────────────────────────────────
// Lifecycle: Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping fails only after Close.
func (m *Store) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return courier.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed; later calls fail with ErrStoreClosed.
func (m *Store) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// ──────────────────────────────────────────────────
// Producer side
// ──────────────────────────────────────────────────

// EnqueueJob persists a new job.
func (m *Store) EnqueueJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return courier.ErrStoreClosed
	}

	if _, exists := m.jobs[j.ID]; exists {
		return courier.ErrJobAlreadyExists
	}
	cp := j.Clone()
	if cp.RunAt.After(time.Now().UTC()) {
		cp.State = job.StateDelayed
	} else {
		cp.State = job.StateWaiting
	}
	m.jobs[j.ID] = cp
	j.State = cp.State
	return nil
}

// ──────────────────────────────────────────────────
// Leases
// ──────────────────────────────────────────────────

// LeaseJobs promotes due delayed jobs and claims up to limit waiting jobs.
func (m *Store) LeaseJobs(_ context.Context, queue, workerID string, lockFor time.Duration, limit int) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, courier.ErrStoreClosed
	}

	now := time.Now().UTC()

	candidates := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if j.Queue != queue {
			continue
		}
		if j.State == job.StateDelayed && !j.RunAt.After(now) {
			j.State = job.StateWaiting
		}
		if j.State == job.StateWaiting {
			candidates = append(candidates, j)
		}
	}

	// Sort: priority DESC, RunAt ASC, then id for a stable order.
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		if !candidates[i].RunAt.Equal(candidates[k].RunAt) {
			return candidates[i].RunAt.Before(candidates[k].RunAt)
		}
		return candidates[i].ID < candidates[k].ID
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]*job.Job, len(candidates))
	for i, j := range candidates {
		started := now
		until := now.Add(lockFor)
		j.State = job.StateActive
		j.WorkerID = workerID
		j.LeaseToken = id.NewLeaseToken()
		j.StartedAt = &started
		j.LockedUntil = &until
		j.UpdatedAt = now
		result[i] = j.Clone()
	}
	return result, nil
}

// leased returns the active job held under leaseToken. Caller holds mu.
func (m *Store) leased(jobID, leaseToken string) (*job.Job, error) {
	if m.closed {
		return nil, courier.ErrStoreClosed
	}
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, courier.ErrJobNotFound
	}
	if j.State != job.StateActive || j.LeaseToken != leaseToken {
		return nil, courier.ErrLeaseLost
	}
	return j, nil
}

// SettleJob ends a lease.
func (m *Store) SettleJob(_ context.Context, jobID, leaseToken string, s job.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.leased(jobID, leaseToken)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	j.LeaseToken = ""
	j.LockedUntil = nil
	j.UpdatedAt = now

	switch s.Outcome {
	case job.OutcomeCompleted:
		j.AttemptsMade++
		j.State = job.StateCompleted
		j.Result = s.Result
		j.LastError = ""
		j.FinishedAt = &now
		if j.RemoveOnComplete {
			delete(m.jobs, jobID)
		}
	case job.OutcomeRetry:
		j.AttemptsMade++
		j.State = job.StateDelayed
		j.RunAt = s.RetryAt
		j.LastError = s.Error
	case job.OutcomeFailed:
		j.AttemptsMade++
		j.State = job.StateFailed
		j.LastError = s.Error
		j.FinishedAt = &now
		if j.RemoveOnFail {
			delete(m.jobs, jobID)
		}
	case job.OutcomeThrottled:
		j.State = job.StateDelayed
		j.RunAt = s.RetryAt
	default:
		return courier.ErrInvalidState
	}
	return nil
}

// HeartbeatJob extends the lock of an active lease.
func (m *Store) HeartbeatJob(_ context.Context, jobID, leaseToken string, lockFor time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.leased(jobID, leaseToken)
	if err != nil {
		return err
	}
	until := time.Now().UTC().Add(lockFor)
	j.LockedUntil = &until
	return nil
}

// ReapStalledJobs returns expired leases of the queue to waiting, or fails
// them once they stalled too often.
func (m *Store) ReapStalledJobs(_ context.Context, queue string, maxStalled int) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, courier.ErrStoreClosed
	}

	now := time.Now().UTC()
	var stalled []*job.Job
	for _, j := range m.jobs {
		if j.Queue != queue || j.State != job.StateActive {
			continue
		}
		if j.LockedUntil == nil || j.LockedUntil.After(now) {
			continue
		}
		j.StalledCount++
		j.LeaseToken = ""
		j.LockedUntil = nil
		j.WorkerID = ""
		j.UpdatedAt = now
		if j.StalledCount > maxStalled {
			j.State = job.StateFailed
			j.LastError = courier.ErrStalledTooOften.Error()
			j.FinishedAt = &now
		} else {
			j.State = job.StateWaiting
		}
		stalled = append(stalled, j.Clone())
	}
	return stalled, nil
}

// ──────────────────────────────────────────────────
// Administration
// ──────────────────────────────────────────────────

// GetJob retrieves a job by id.
func (m *Store) GetJob(_ context.Context, jobID string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, courier.ErrJobNotFound
	}
	return j.Clone(), nil
}

// PromoteJob moves a delayed job to waiting.
func (m *Store) PromoteJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return courier.ErrJobNotFound
	}
	if j.State != job.StateDelayed {
		return courier.ErrInvalidState
	}
	now := time.Now().UTC()
	j.State = job.StateWaiting
	j.RunAt = now
	j.UpdatedAt = now
	return nil
}

// RetryJob moves a failed job back to waiting with a fresh attempt budget.
func (m *Store) RetryJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return courier.ErrJobNotFound
	}
	if j.State != job.StateFailed {
		return courier.ErrInvalidState
	}
	now := time.Now().UTC()
	j.State = job.StateWaiting
	j.AttemptsMade = 0
	j.StalledCount = 0
	j.LastError = ""
	j.FinishedAt = nil
	j.RunAt = now
	j.UpdatedAt = now
	return nil
}

// DeleteJob removes a job by id.
func (m *Store) DeleteJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; !ok {
		return courier.ErrJobNotFound
	}
	delete(m.jobs, jobID)
	return nil
}

// ListJobsByState returns jobs of the queue in the given state, oldest
// first.
func (m *Store) ListJobsByState(_ context.Context, queue string, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if j.State != state || j.Queue != queue {
			continue
		}
		result = append(result, j.Clone())
	}

	sort.Slice(result, func(i, k int) bool {
		if !result[i].Timestamp.Equal(result[k].Timestamp) {
			return result[i].Timestamp.Before(result[k].Timestamp)
		}
		return result[i].ID < result[k].ID
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// CountJobs returns the number of jobs matching the given options.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, j := range m.jobs {
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		n++
	}
	return n, nil
}

// CleanJobs deletes finished jobs of the queue older than olderThan.
func (m *Store) CleanJobs(_ context.Context, queue string, state job.State, olderThan time.Time, limit int) (int, error) {
	if state != job.StateCompleted && state != job.StateFailed {
		return 0, courier.ErrInvalidState
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	victims := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if j.Queue != queue || j.State != state {
			continue
		}
		if j.FinishedAt == nil || !j.FinishedAt.Before(olderThan) {
			continue
		}
		victims = append(victims, j)
	}
	sort.Slice(victims, func(i, k int) bool {
		return victims[i].FinishedAt.Before(*victims[k].FinishedAt)
	})
	if limit > 0 && len(victims) > limit {
		victims = victims[:limit]
	}
	for _, j := range victims {
		delete(m.jobs, j.ID)
	}
	return len(victims), nil
}
