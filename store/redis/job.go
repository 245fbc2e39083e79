package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
)

// EnqueueJob stores the job as a Hash and indexes it as waiting or delayed.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	now := time.Now().UTC()
	state, score := job.StateWaiting, waitingScore(j.Priority, j.RunAt)
	if j.RunAt.After(now) {
		state, score = job.StateDelayed, float64(j.RunAt.UnixMilli())
	}

	cp := j.Clone()
	cp.State = state
	fields := jobToArgs(cp)

	args := make([]any, 0, 3+len(fields))
	args = append(args, j.ID, formatScore(score), j.Queue)
	args = append(args, fields...)

	keys := []string{jobKey(j.ID), stateKey(j.Queue, string(state)), queuesKey}
	created, err := enqueueScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("courier/redis: enqueue job: %w", err)
	}
	if created == 0 {
		return courier.ErrJobAlreadyExists
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

	args := make([]any, 0, 4+limit)
	args = append(args, ms(now), ms(now.Add(lockFor)), workerID, jobKeyPrefix)
	for range limit {
		args = append(args, id.NewLeaseToken())
	}
	keys := []string{
		stateKey(queue, string(job.StateWaiting)),
		stateKey(queue, string(job.StateDelayed)),
		stateKey(queue, string(job.StateActive)),
	}

	res, err := leaseScript.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: lease jobs: %w", err)
	}
	return hashesToJobs(res)
}

// SettleJob ends a lease.
func (s *Store) SettleJob(ctx context.Context, jobID, leaseToken string, st job.Settlement) error {
	switch st.Outcome {
	case job.OutcomeCompleted, job.OutcomeRetry, job.OutcomeFailed, job.OutcomeThrottled:
	default:
		return courier.ErrInvalidState
	}

	q, err := s.queueOf(ctx, jobID)
	if err != nil {
		return err
	}
	keys := []string{
		jobKey(jobID),
		stateKey(q, string(job.StateActive)),
		stateKey(q, string(job.StateDelayed)),
		stateKey(q, string(job.StateCompleted)),
		stateKey(q, string(job.StateFailed)),
	}
	var retryAt string
	if !st.RetryAt.IsZero() {
		retryAt = ms(st.RetryAt)
	}
	code, err := settleScript.Run(ctx, s.client, keys,
		leaseToken, st.Outcome.String(), st.Result, st.Error, retryAt, ms(time.Now().UTC()), jobID,
	).Int()
	if err != nil {
		return fmt.Errorf("courier/redis: settle job: %w", err)
	}
	return scriptError(code)
}

// HeartbeatJob extends the lock of an active lease.
func (s *Store) HeartbeatJob(ctx context.Context, jobID, leaseToken string, lockFor time.Duration) error {
	q, err := s.queueOf(ctx, jobID)
	if err != nil {
		return err
	}
	until := ms(time.Now().UTC().Add(lockFor))
	keys := []string{jobKey(jobID), stateKey(q, string(job.StateActive))}
	code, err := heartbeatScript.Run(ctx, s.client, keys, leaseToken, until, jobID).Int()
	if err != nil {
		return fmt.Errorf("courier/redis: heartbeat job: %w", err)
	}
	return scriptError(code)
}

// ReapStalledJobs returns expired leases of the queue to waiting, or fails
// them once they stalled too often.
func (s *Store) ReapStalledJobs(ctx context.Context, queue string, maxStalled int) ([]*job.Job, error) {
	keys := []string{
		stateKey(queue, string(job.StateActive)),
		stateKey(queue, string(job.StateWaiting)),
		stateKey(queue, string(job.StateFailed)),
	}
	res, err := reapScript.Run(ctx, s.client, keys,
		ms(time.Now().UTC()), maxStalled, jobKeyPrefix, courier.ErrStalledTooOften.Error(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: reap stalled jobs: %w", err)
	}
	return hashesToJobs(res)
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, courier.ErrJobNotFound
	}
	return mapToJob(vals), nil
}

// PromoteJob moves a delayed job to waiting.
func (s *Store) PromoteJob(ctx context.Context, jobID string) error {
	return s.requeue(ctx, jobID, job.StateDelayed, false)
}

// RetryJob moves a failed job back to waiting with a fresh attempt budget.
func (s *Store) RetryJob(ctx context.Context, jobID string) error {
	return s.requeue(ctx, jobID, job.StateFailed, true)
}

func (s *Store) requeue(ctx context.Context, jobID string, from job.State, reset bool) error {
	q, err := s.queueOf(ctx, jobID)
	if err != nil {
		return err
	}
	keys := []string{jobKey(jobID), stateKey(q, string(from)), stateKey(q, string(job.StateWaiting))}
	flag := "0"
	if reset {
		flag = "1"
	}
	code, err := requeueScript.Run(ctx, s.client, keys, string(from), ms(time.Now().UTC()), jobID, flag).Int()
	if err != nil {
		return fmt.Errorf("courier/redis: requeue job: %w", err)
	}
	if code == -1 {
		return courier.ErrInvalidState
	}
	return scriptError(code)
}

// DeleteJob removes a job by id.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	code, err := deleteScript.Run(ctx, s.client, []string{jobKey(jobID)}, stateKeyPrefix, jobID).Int()
	if err != nil {
		return fmt.Errorf("courier/redis: delete job: %w", err)
	}
	return scriptError(code)
}

// ListJobsByState returns jobs of the queue in the given state, oldest
// first.
func (s *Store) ListJobsByState(ctx context.Context, queue string, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.client.ZRange(ctx, stateKey(queue, string(state)), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: list jobs zrange: %w", err)
	}
	jobs, err := s.getJobs(ctx, ids)
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].Timestamp.Equal(jobs[k].Timestamp) {
			return jobs[i].Timestamp.Before(jobs[k].Timestamp)
		}
		return jobs[i].ID < jobs[k].ID
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	queues := []string{opts.Queue}
	if opts.Queue == "" {
		var err error
		queues, err = s.client.SMembers(ctx, queuesKey).Result()
		if err != nil {
			return 0, fmt.Errorf("courier/redis: count smembers: %w", err)
		}
	}
	states := job.States
	if opts.State != "" {
		states = []job.State{opts.State}
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.IntCmd, 0, len(queues)*len(states))
	for _, q := range queues {
		for _, st := range states {
			cmds = append(cmds, pipe.ZCard(ctx, stateKey(q, string(st))))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return 0, fmt.Errorf("courier/redis: count jobs: %w", err)
	}
	var n int64
	for _, c := range cmds {
		n += c.Val()
	}
	return n, nil
}

// CleanJobs deletes finished jobs of the queue older than olderThan,
// oldest first.
func (s *Store) CleanJobs(ctx context.Context, queue string, state job.State, olderThan time.Time, limit int) (int, error) {
	if state != job.StateCompleted && state != job.StateFailed {
		return 0, courier.ErrInvalidState
	}

	by := &goredis.ZRangeBy{Min: "-inf", Max: "(" + ms(olderThan)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, stateKey(queue, string(state)), by).Result()
	if err != nil {
		return 0, fmt.Errorf("courier/redis: clean zrangebyscore: %w", err)
	}

	cleaned := 0
	for _, jobID := range ids {
		err := s.DeleteJob(ctx, jobID)
		if errors.Is(err, courier.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return cleaned, err
		}
		cleaned++
	}
	return cleaned, nil
}

// ── helpers ──

func (s *Store) queueOf(ctx context.Context, jobID string) (string, error) {
	q, err := s.client.HGet(ctx, jobKey(jobID), "queue").Result()
	if errors.Is(err, goredis.Nil) {
		return "", courier.ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("courier/redis: get job queue: %w", err)
	}
	return q, nil
}

func (s *Store) getJobs(ctx context.Context, ids []string) ([]*job.Job, error) {
	if len(ids) == 0 {
		return []*job.Job{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, jobID := range ids {
		cmds[i] = pipe.HGetAll(ctx, jobKey(jobID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("courier/redis: get jobs: %w", err)
	}
	jobs := make([]*job.Job, 0, len(ids))
	for _, c := range cmds {
		if vals := c.Val(); len(vals) > 0 {
			jobs = append(jobs, mapToJob(vals))
		}
	}
	return jobs, nil
}

func scriptError(code int) error {
	switch code {
	case -1:
		return courier.ErrLeaseLost
	case -2:
		return courier.ErrJobNotFound
	default:
		return nil
	}
}

// waitingScore orders waiting jobs by priority DESC, then run_at ASC.
// Priorities are expected within +-900 to keep scores exact.
func waitingScore(priority int, runAt time.Time) float64 {
	return -float64(priority)*1e13 + float64(runAt.UnixMilli())
}

func formatScore(f float64) string { return strconv.FormatFloat(f, 'f', 0, 64) }

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func parseMs(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}

func parseMsPtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := parseMs(s)
	return &t
}

func msPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return ms(*t)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func jobToArgs(j *job.Job) []any {
	return []any{
		"id", j.ID,
		"name", j.Name,
		"queue", j.Queue,
		"payload", string(j.Payload),
		"state", string(j.State),
		"priority", strconv.Itoa(j.Priority),
		"attempts", strconv.Itoa(j.Attempts),
		"attempts_made", strconv.Itoa(j.AttemptsMade),
		"stalled_count", strconv.Itoa(j.StalledCount),
		"backoff", j.Backoff,
		"timeout", strconv.FormatInt(int64(j.Timeout), 10),
		"remove_on_complete", boolFlag(j.RemoveOnComplete),
		"remove_on_fail", boolFlag(j.RemoveOnFail),
		"timestamp", ms(j.Timestamp),
		"run_at", ms(j.RunAt),
		"worker_id", j.WorkerID,
		"lease_token", j.LeaseToken,
		"locked_until", msPtr(j.LockedUntil),
		"started_at", msPtr(j.StartedAt),
		"finished_at", msPtr(j.FinishedAt),
		"result", j.Result,
		"last_error", j.LastError,
		"created_at", ms(j.CreatedAt),
		"updated_at", ms(j.UpdatedAt),
	}
}

func mapToJob(m map[string]string) *job.Job {
	priority, _ := strconv.Atoi(m["priority"])           //nolint:errcheck // best-effort parse from trusted Redis data
	attempts, _ := strconv.Atoi(m["attempts"])           //nolint:errcheck // best-effort parse from trusted Redis data
	attemptsMade, _ := strconv.Atoi(m["attempts_made"])  //nolint:errcheck // best-effort parse from trusted Redis data
	stalledCount, _ := strconv.Atoi(m["stalled_count"])  //nolint:errcheck // best-effort parse from trusted Redis data
	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data

	return &job.Job{
		Entity: courier.Entity{
			CreatedAt: parseMs(m["created_at"]),
			UpdatedAt: parseMs(m["updated_at"]),
		},
		ID:               m["id"],
		Name:             m["name"],
		Queue:            m["queue"],
		Payload:          []byte(m["payload"]),
		State:            job.State(m["state"]),
		Priority:         priority,
		Attempts:         attempts,
		AttemptsMade:     attemptsMade,
		StalledCount:     stalledCount,
		Backoff:          m["backoff"],
		Timeout:          time.Duration(timeout),
		RemoveOnComplete: m["remove_on_complete"] == "1",
		RemoveOnFail:     m["remove_on_fail"] == "1",
		Timestamp:        parseMs(m["timestamp"]),
		RunAt:            parseMs(m["run_at"]),
		WorkerID:         m["worker_id"],
		LeaseToken:       m["lease_token"],
		LockedUntil:      parseMsPtr(m["locked_until"]),
		StartedAt:        parseMsPtr(m["started_at"]),
		FinishedAt:       parseMsPtr(m["finished_at"]),
		Result:           m["result"],
		LastError:        m["last_error"],
	}
}

// hashesToJobs converts a script reply of HGETALL arrays into jobs.
func hashesToJobs(res []any) ([]*job.Job, error) {
	jobs := make([]*job.Job, 0, len(res))
	for _, item := range res {
		pairs, ok := item.([]any)
		if !ok {
			return nil, fmt.Errorf("courier/redis: unexpected script reply %T", item)
		}
		m := make(map[string]string, len(pairs)/2)
		for i := 0; i+1 < len(pairs); i += 2 {
			k, _ := pairs[i].(string)
			v, _ := pairs[i+1].(string)
			m[k] = v
		}
		jobs = append(jobs, mapToJob(m))
	}
	return jobs, nil
}
