package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
)

const jobColumns = `id, name, queue, payload, state, priority, attempts, attempts_made,
	stalled_count, backoff, timeout, remove_on_complete, remove_on_fail,
	enqueued_at, run_at, worker_id, lease_token, locked_until,
	started_at, finished_at, result, last_error, created_at, updated_at`

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
	_, err := s.pool.Exec(ctx, `INSERT INTO courier_jobs (`+jobColumns+`)
		VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24
		)`,
		j.ID, j.Name, j.Queue, payload, string(state), j.Priority, j.Attempts, j.AttemptsMade,
		j.StalledCount, j.Backoff, j.Timeout.Nanoseconds(), j.RemoveOnComplete, j.RemoveOnFail,
		j.Timestamp, j.RunAt, j.WorkerID, j.LeaseToken, j.LockedUntil,
		j.StartedAt, j.FinishedAt, j.Result, j.LastError, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return courier.ErrJobAlreadyExists
		}
		return fmt.Errorf("courier/postgres: enqueue job: %w", err)
	}
	j.State = state
	return nil
}

// LeaseJobs promotes due delayed jobs and claims up to limit waiting jobs.
// Rows locked by a concurrent lease are skipped.
func (s *Store) LeaseJobs(ctx context.Context, queue, workerID string, lockFor time.Duration, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	until := now.Add(lockFor)

	var out []*job.Job
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE courier_jobs SET state = 'waiting'
			WHERE id IN (
				SELECT id FROM courier_jobs
				WHERE queue = $1 AND state = 'delayed' AND run_at <= $2
				FOR UPDATE SKIP LOCKED
			)`, queue, now,
		); err != nil {
			return fmt.Errorf("courier/postgres: promote due jobs: %w", err)
		}

		ids, err := queryIDs(ctx, tx, `
			SELECT id FROM courier_jobs
			WHERE queue = $1 AND state = 'waiting'
			ORDER BY priority DESC, run_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2`, queue, limit)
		if err != nil {
			return err
		}

		for _, jobID := range ids {
			row := tx.QueryRow(ctx, `
				UPDATE courier_jobs
				SET state = 'active', worker_id = $2, lease_token = $3, started_at = $4,
				    locked_until = $5, updated_at = $4
				WHERE id = $1
				RETURNING `+jobColumns,
				jobID, workerID, id.NewLeaseToken(), now, until,
			)
			j, err := scanJob(row)
			if err != nil {
				return fmt.Errorf("courier/postgres: lease job: %w", err)
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
	now := time.Now().UTC()

	return s.withTx(ctx, func(tx pgx.Tx) error {
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
				query, args = `DELETE FROM courier_jobs WHERE id = $1`, []any{jobID}
				break
			}
			query = `UPDATE courier_jobs SET state = 'completed', attempts_made = attempts_made + 1,
				result = $2, last_error = '', finished_at = $3, lease_token = '',
				locked_until = NULL, updated_at = $3 WHERE id = $1`
			args = []any{jobID, st.Result, now}
		case job.OutcomeRetry:
			query = `UPDATE courier_jobs SET state = 'delayed', attempts_made = attempts_made + 1,
				run_at = $2, last_error = $3, lease_token = '', locked_until = NULL,
				updated_at = $4 WHERE id = $1`
			args = []any{jobID, st.RetryAt.UTC(), st.Error, now}
		case job.OutcomeFailed:
			if j.RemoveOnFail {
				query, args = `DELETE FROM courier_jobs WHERE id = $1`, []any{jobID}
				break
			}
			query = `UPDATE courier_jobs SET state = 'failed', attempts_made = attempts_made + 1,
				last_error = $2, finished_at = $3, lease_token = '', locked_until = NULL,
				updated_at = $3 WHERE id = $1`
			args = []any{jobID, st.Error, now}
		case job.OutcomeThrottled:
			query = `UPDATE courier_jobs SET state = 'delayed', run_at = $2, lease_token = '',
				locked_until = NULL, updated_at = $3 WHERE id = $1`
			args = []any{jobID, st.RetryAt.UTC(), now}
		default:
			return courier.ErrInvalidState
		}

		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("courier/postgres: settle job: %w", err)
		}
		return nil
	})
}

// HeartbeatJob extends the lock of an active lease.
func (s *Store) HeartbeatJob(ctx context.Context, jobID, leaseToken string, lockFor time.Duration) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE courier_jobs SET locked_until = $3, updated_at = $4
		WHERE id = $1 AND state = 'active' AND lease_token = $2`,
		jobID, leaseToken, now.Add(lockFor), now,
	)
	if err != nil {
		return fmt.Errorf("courier/postgres: heartbeat job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	return courier.ErrLeaseLost
}

// ReapStalledJobs returns expired leases of the queue to waiting, or fails
// them once they stalled too often.
func (s *Store) ReapStalledJobs(ctx context.Context, queue string, maxStalled int) ([]*job.Job, error) {
	now := time.Now().UTC()

	rows, err := s.pool.Query(ctx, `
		UPDATE courier_jobs
		SET stalled_count = stalled_count + 1, lease_token = '', locked_until = NULL,
		    worker_id = '', updated_at = $2,
		    state = CASE WHEN stalled_count + 1 > $3 THEN 'failed' ELSE 'waiting' END,
		    last_error = CASE WHEN stalled_count + 1 > $3 THEN $4 ELSE last_error END,
		    finished_at = CASE WHEN stalled_count + 1 > $3 THEN $2 ELSE finished_at END
		WHERE id IN (
			SELECT id FROM courier_jobs
			WHERE queue = $1 AND state = 'active' AND locked_until <= $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		queue, now, maxStalled, courier.ErrStalledTooOften.Error(),
	)
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: reap stalled jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	return getJob(ctx, s.pool, jobID)
}

// PromoteJob moves a delayed job to waiting.
func (s *Store) PromoteJob(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	return s.transition(ctx, jobID, job.StateDelayed,
		`UPDATE courier_jobs SET state = 'waiting', run_at = $2, updated_at = $2 WHERE id = $1`,
		jobID, now,
	)
}

// RetryJob moves a failed job back to waiting with a fresh attempt budget.
func (s *Store) RetryJob(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	return s.transition(ctx, jobID, job.StateFailed,
		`UPDATE courier_jobs SET state = 'waiting', attempts_made = 0, stalled_count = 0,
			last_error = '', finished_at = NULL, run_at = $2, updated_at = $2 WHERE id = $1`,
		jobID, now,
	)
}

// transition runs query when the job is currently in state from.
func (s *Store) transition(ctx context.Context, jobID string, from job.State, query string, args ...any) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var state string
		err := tx.QueryRow(ctx, `SELECT state FROM courier_jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&state)
		if isNoRows(err) {
			return courier.ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("courier/postgres: get job state: %w", err)
		}
		if job.State(state) != from {
			return courier.ErrInvalidState
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("courier/postgres: update job: %w", err)
		}
		return nil
	})
}

// DeleteJob removes a job by id.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM courier_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("courier/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return courier.ErrJobNotFound
	}
	return nil
}

// ListJobsByState returns jobs of the queue in the given state, oldest
// first.
func (s *Store) ListJobsByState(ctx context.Context, queue string, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM courier_jobs
		WHERE queue = $1 AND state = $2
		ORDER BY enqueued_at ASC, id ASC
		LIMIT $3 OFFSET $4`,
		queue, string(state), limitArg(opts.Limit), max(opts.Offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = make([]*job.Job, 0)
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM courier_jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}
	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("courier/postgres: count jobs: %w", err)
	}
	return count, nil
}

// CleanJobs deletes finished jobs of the queue older than olderThan,
// oldest first.
func (s *Store) CleanJobs(ctx context.Context, queue string, state job.State, olderThan time.Time, limit int) (int, error) {
	if state != job.StateCompleted && state != job.StateFailed {
		return 0, courier.ErrInvalidState
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM courier_jobs WHERE id IN (
			SELECT id FROM courier_jobs
			WHERE queue = $1 AND state = $2 AND finished_at < $3
			ORDER BY finished_at ASC
			LIMIT $4
		)`, queue, string(state), olderThan.UTC(), limitArg(limit))
	if err != nil {
		return 0, fmt.Errorf("courier/postgres: clean jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ── helpers ──────────────────────────────────────────────────────

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// leased returns the active job held under leaseToken, locking its row.
func leased(ctx context.Context, tx pgx.Tx, jobID, leaseToken string) (*job.Job, error) {
	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM courier_jobs WHERE id = $1 FOR UPDATE`, jobID)
	j, err := scanJob(row)
	if isNoRows(err) {
		return nil, courier.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: get job: %w", err)
	}
	if j.State != job.StateActive || j.LeaseToken != leaseToken {
		return nil, courier.ErrLeaseLost
	}
	return j, nil
}

func getJob(ctx context.Context, q querier, jobID string) (*job.Job, error) {
	row := q.QueryRow(ctx, `SELECT `+jobColumns+` FROM courier_jobs WHERE id = $1`, jobID)
	j, err := scanJob(row)
	if isNoRows(err) {
		return nil, courier.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: get job: %w", err)
	}
	return j, nil
}

func queryIDs(ctx context.Context, tx pgx.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: select ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: scan ids: %w", err)
	}
	return ids, nil
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		state     string
		timeoutNs int64
	)
	err := row.Scan(
		&j.ID, &j.Name, &j.Queue, &j.Payload, &state, &j.Priority, &j.Attempts, &j.AttemptsMade,
		&j.StalledCount, &j.Backoff, &timeoutNs, &j.RemoveOnComplete, &j.RemoveOnFail,
		&j.Timestamp, &j.RunAt, &j.WorkerID, &j.LeaseToken, &j.LockedUntil,
		&j.StartedAt, &j.FinishedAt, &j.Result, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.State = job.State(state)
	j.Timeout = time.Duration(timeoutNs)
	j.Timestamp = j.Timestamp.UTC()
	j.RunAt = j.RunAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	j.LockedUntil = utcPtr(j.LockedUntil)
	j.StartedAt = utcPtr(j.StartedAt)
	j.FinishedAt = utcPtr(j.FinishedAt)
	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("courier/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("courier/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
