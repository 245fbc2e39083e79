package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
)

const jobColumns = `id, name, queue, payload, state, priority, attempts, attempts_made,
	stalled_count, backoff, timeout_ns, remove_on_complete, remove_on_fail,
	timestamp_ms, run_at_ms, worker_id, lease_token, locked_until_ms,
	started_at_ms, finished_at_ms, result, last_error, created_at_ms, updated_at_ms`

// EnqueueJob persists a new job as waiting, or delayed when RunAt is in
// the future.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	now := time.Now().UTC()
	state := job.StateWaiting
	if j.RunAt.After(now) {
		state = job.StateDelayed
	}

	payload := j.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO courier_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Name, j.Queue, payload, string(state), j.Priority, j.Attempts, j.AttemptsMade,
		j.StalledCount, j.Backoff, int64(j.Timeout), j.RemoveOnComplete, j.RemoveOnFail,
		j.Timestamp.UnixMilli(), j.RunAt.UnixMilli(), j.WorkerID, j.LeaseToken, msPtr(j.LockedUntil),
		msPtr(j.StartedAt), msPtr(j.FinishedAt), j.Result, j.LastError,
		j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return courier.ErrJobAlreadyExists
		}
		return fmt.Errorf("courier/sqlite: enqueue job: %w", err)
	}
	j.State = state
	return nil
}

// LeaseJobs promotes due delayed jobs and claims up to limit waiting jobs.
func (s *Store) LeaseJobs(ctx context.Context, queue, workerID string, lockFor time.Duration, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	nowMs := now.UnixMilli()
	until := now.Add(lockFor).UnixMilli()

	var out []*job.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE courier_jobs SET state = 'waiting'
			WHERE queue = ? AND state = 'delayed' AND run_at_ms <= ?`, queue, nowMs,
		); err != nil {
			return fmt.Errorf("courier/sqlite: promote due jobs: %w", err)
		}

		ids, err := queryIDs(ctx, tx, `SELECT id FROM courier_jobs
			WHERE queue = ? AND state = 'waiting'
			ORDER BY priority DESC, run_at_ms ASC, id ASC
			LIMIT ?`, queue, limit)
		if err != nil {
			return err
		}

		for _, jobID := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE courier_jobs
				SET state = 'active', worker_id = ?, lease_token = ?, started_at_ms = ?,
				    locked_until_ms = ?, updated_at_ms = ?
				WHERE id = ?`,
				workerID, id.NewLeaseToken(), nowMs, until, nowMs, jobID,
			); err != nil {
				return fmt.Errorf("courier/sqlite: lease job: %w", err)
			}
			j, err := getJob(ctx, tx, jobID)
			if err != nil {
				return err
			}
			out = append(out, j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SettleJob ends a lease.
func (s *Store) SettleJob(ctx context.Context, jobID, leaseToken string, st job.Settlement) error {
	nowMs := time.Now().UTC().UnixMilli()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := leased(ctx, tx, jobID, leaseToken)
		if err != nil {
			return err
		}

		var (
			query string
			args  []any
		)
		switch st.Outcome {
		case job.OutcomeCompleted:
			if j.RemoveOnComplete {
				query, args = `DELETE FROM courier_jobs WHERE id = ?`, []any{jobID}
				break
			}
			query = `UPDATE courier_jobs SET state = 'completed', attempts_made = attempts_made + 1,
				result = ?, last_error = '', finished_at_ms = ?, lease_token = '',
				locked_until_ms = NULL, updated_at_ms = ? WHERE id = ?`
			args = []any{st.Result, nowMs, nowMs, jobID}
		case job.OutcomeRetry:
			query = `UPDATE courier_jobs SET state = 'delayed', attempts_made = attempts_made + 1,
				run_at_ms = ?, last_error = ?, lease_token = '', locked_until_ms = NULL,
				updated_at_ms = ? WHERE id = ?`
			args = []any{st.RetryAt.UnixMilli(), st.Error, nowMs, jobID}
		case job.OutcomeFailed:
			if j.RemoveOnFail {
				query, args = `DELETE FROM courier_jobs WHERE id = ?`, []any{jobID}
				break
			}
			query = `UPDATE courier_jobs SET state = 'failed', attempts_made = attempts_made + 1,
				last_error = ?, finished_at_ms = ?, lease_token = '', locked_until_ms = NULL,
				updated_at_ms = ? WHERE id = ?`
			args = []any{st.Error, nowMs, nowMs, jobID}
		case job.OutcomeThrottled:
			query = `UPDATE courier_jobs SET state = 'delayed', run_at_ms = ?, lease_token = '',
				locked_until_ms = NULL, updated_at_ms = ? WHERE id = ?`
			args = []any{st.RetryAt.UnixMilli(), nowMs, jobID}
		default:
			return courier.ErrInvalidState
		}

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("courier/sqlite: settle job: %w", err)
		}
		return nil
	})
}

// HeartbeatJob extends the lock of an active lease.
func (s *Store) HeartbeatJob(ctx context.Context, jobID, leaseToken string, lockFor time.Duration) error {
	until := time.Now().UTC().Add(lockFor).UnixMilli()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := leased(ctx, tx, jobID, leaseToken); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE courier_jobs SET locked_until_ms = ? WHERE id = ?`, until, jobID,
		); err != nil {
			return fmt.Errorf("courier/sqlite: heartbeat job: %w", err)
		}
		return nil
	})
}

// ReapStalledJobs returns expired leases of the queue to waiting, or fails
// them once they stalled too often.
func (s *Store) ReapStalledJobs(ctx context.Context, queue string, maxStalled int) ([]*job.Job, error) {
	nowMs := time.Now().UTC().UnixMilli()

	var stalled []*job.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ids, err := queryIDs(ctx, tx, `SELECT id FROM courier_jobs
			WHERE queue = ? AND state = 'active' AND locked_until_ms <= ?
			ORDER BY locked_until_ms`, queue, nowMs)
		if err != nil {
			return err
		}

		for _, jobID := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE courier_jobs
				SET stalled_count = stalled_count + 1, lease_token = '', locked_until_ms = NULL,
				    worker_id = '', updated_at_ms = ?,
				    state = CASE WHEN stalled_count + 1 > ? THEN 'failed' ELSE 'waiting' END,
				    last_error = CASE WHEN stalled_count + 1 > ? THEN ? ELSE last_error END,
				    finished_at_ms = CASE WHEN stalled_count + 1 > ? THEN ? ELSE finished_at_ms END
				WHERE id = ?`,
				nowMs, maxStalled, maxStalled, courier.ErrStalledTooOften.Error(), maxStalled, nowMs, jobID,
			); err != nil {
				return fmt.Errorf("courier/sqlite: reap job: %w", err)
			}
			j, err := getJob(ctx, tx, jobID)
			if err != nil {
				return err
			}
			stalled = append(stalled, j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stalled, nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	return getJob(ctx, s.db, jobID)
}

// PromoteJob moves a delayed job to waiting.
func (s *Store) PromoteJob(ctx context.Context, jobID string) error {
	nowMs := time.Now().UTC().UnixMilli()
	return s.transition(ctx, jobID, job.StateDelayed,
		`UPDATE courier_jobs SET state = 'waiting', run_at_ms = ?, updated_at_ms = ? WHERE id = ?`,
		nowMs, nowMs, jobID,
	)
}

// RetryJob moves a failed job back to waiting with a fresh attempt budget.
func (s *Store) RetryJob(ctx context.Context, jobID string) error {
	nowMs := time.Now().UTC().UnixMilli()
	return s.transition(ctx, jobID, job.StateFailed,
		`UPDATE courier_jobs SET state = 'waiting', attempts_made = 0, stalled_count = 0,
			last_error = '', finished_at_ms = NULL, run_at_ms = ?, updated_at_ms = ? WHERE id = ?`,
		nowMs, nowMs, jobID,
	)
}

// transition runs query when the job is currently in state from.
func (s *Store) transition(ctx context.Context, jobID string, from job.State, query string, args ...any) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var state string
		err := tx.QueryRowContext(ctx, `SELECT state FROM courier_jobs WHERE id = ?`, jobID).Scan(&state)
		if isNoRows(err) {
			return courier.ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("courier/sqlite: get job state: %w", err)
		}
		if job.State(state) != from {
			return courier.ErrInvalidState
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("courier/sqlite: update job: %w", err)
		}
		return nil
	})
}

// DeleteJob removes a job by id.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM courier_jobs WHERE id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("courier/sqlite: delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("courier/sqlite: delete job rows: %w", err)
	}
	if n == 0 {
		return courier.ErrJobNotFound
	}
	return nil
}

// ListJobsByState returns jobs of the queue in the given state, oldest
// first.
func (s *Store) ListJobsByState(ctx context.Context, queue string, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM courier_jobs
		WHERE queue = ? AND state = ?
		ORDER BY timestamp_ms ASC, id ASC
		LIMIT ? OFFSET ?`, queue, string(state), limit, max(opts.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("courier/sqlite: list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*job.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("courier/sqlite: list jobs: %w", err)
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	var (
		where []string
		args  []any
	)
	if opts.Queue != "" {
		where = append(where, "queue = ?")
		args = append(args, opts.Queue)
	}
	if opts.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(opts.State))
	}
	query := `SELECT COUNT(1) FROM courier_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("courier/sqlite: count jobs: %w", err)
	}
	return n, nil
}

// CleanJobs deletes finished jobs of the queue older than olderThan,
// oldest first.
func (s *Store) CleanJobs(ctx context.Context, queue string, state job.State, olderThan time.Time, limit int) (int, error) {
	if state != job.StateCompleted && state != job.StateFailed {
		return 0, courier.ErrInvalidState
	}
	if limit <= 0 {
		limit = -1
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM courier_jobs WHERE id IN (
			SELECT id FROM courier_jobs
			WHERE queue = ? AND state = ? AND finished_at_ms < ?
			ORDER BY finished_at_ms ASC
			LIMIT ?
		)`, queue, string(state), olderThan.UnixMilli(), limit)
	if err != nil {
		return 0, fmt.Errorf("courier/sqlite: clean jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("courier/sqlite: clean jobs rows: %w", err)
	}
	return int(n), nil
}

// ── helpers ──────────────────────────────────────────────────────

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// leased returns the active job held under leaseToken.
func leased(ctx context.Context, tx *sql.Tx, jobID, leaseToken string) (*job.Job, error) {
	j, err := getJob(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if j.State != job.StateActive || j.LeaseToken != leaseToken {
		return nil, courier.ErrLeaseLost
	}
	return j, nil
}

func getJob(ctx context.Context, q querier, jobID string) (*job.Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM courier_jobs WHERE id = ?`, jobID)
	j, err := scanJob(row)
	if isNoRows(err) {
		return nil, courier.ErrJobNotFound
	}
	return j, err
}

func queryIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("courier/sqlite: select ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var jobID string
		if err := rows.Scan(&jobID); err != nil {
			return nil, fmt.Errorf("courier/sqlite: scan id: %w", err)
		}
		ids = append(ids, jobID)
	}
	return ids, rows.Err()
}

func scanJob(sc scanner) (*job.Job, error) {
	var (
		j                                  job.Job
		state                              string
		timeoutNs                          int64
		timestampMs, runAtMs               int64
		createdMs, updatedMs               int64
		lockedUntil, startedAt, finishedAt sql.NullInt64
	)
	err := sc.Scan(
		&j.ID, &j.Name, &j.Queue, &j.Payload, &state, &j.Priority, &j.Attempts, &j.AttemptsMade,
		&j.StalledCount, &j.Backoff, &timeoutNs, &j.RemoveOnComplete, &j.RemoveOnFail,
		&timestampMs, &runAtMs, &j.WorkerID, &j.LeaseToken, &lockedUntil,
		&startedAt, &finishedAt, &j.Result, &j.LastError, &createdMs, &updatedMs,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("courier/sqlite: scan job: %w", err)
	}

	j.State = job.State(state)
	j.Timeout = time.Duration(timeoutNs)
	j.Timestamp = fromMs(timestampMs)
	j.RunAt = fromMs(runAtMs)
	j.CreatedAt = fromMs(createdMs)
	j.UpdatedAt = fromMs(updatedMs)
	j.LockedUntil = fromNullMs(lockedUntil)
	j.StartedAt = fromNullMs(startedAt)
	j.FinishedAt = fromNullMs(finishedAt)
	return &j, nil
}

func fromMs(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromNullMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMs(v.Int64)
	return &t
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
