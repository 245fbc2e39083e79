// Package storetest is the behavioral test suite shared by every store
// backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/store"
)

// Factory returns an empty, migrated store. It registers its own cleanup.
type Factory func(t *testing.T) store.Store

// NewJob builds a job that is eligible for leasing immediately.
func NewJob(queue, name string, priority int) *job.Job {
	now := time.Now().UTC()
	return &job.Job{
		Entity:    courier.NewEntity(),
		ID:        id.NewJobID(),
		Name:      name,
		Queue:     queue,
		Payload:   []byte(`{"test":true}`),
		Priority:  priority,
		Attempts:  3,
		Backoff:   "fixed",
		Timestamp: now,
		RunAt:     now.Add(-time.Second),
	}
}

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"EnqueueAndGet", testEnqueueAndGet},
		{"DelayedJobsWaitUntilDue", testDelayed},
		{"LeaseOrdering", testLeaseOrdering},
		{"LeaseQueueIsolationAndLimit", testLeaseIsolation},
		{"SettleCompleted", testSettleCompleted},
		{"SettleRetry", testSettleRetry},
		{"SettleFailed", testSettleFailed},
		{"SettleThrottled", testSettleThrottled},
		{"SettleRemoves", testSettleRemoves},
		{"Heartbeat", testHeartbeat},
		{"ReapStalled", testReapStalled},
		{"PromoteAndRetry", testPromoteAndRetry},
		{"ListCountClean", testListCountClean},
		{"ConcurrentLeasesAreExclusive", testConcurrentLeases},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func mustEnqueue(t *testing.T, s store.Store, j *job.Job) {
	t.Helper()
	if err := s.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("EnqueueJob(%s): %v", j.ID, err)
	}
}

func mustLeaseOne(t *testing.T, s store.Store, queue string, lockFor time.Duration) *job.Job {
	t.Helper()
	leased, err := s.LeaseJobs(context.Background(), queue, "wkr_test", lockFor, 1)
	if err != nil {
		t.Fatalf("LeaseJobs: %v", err)
	}
	if len(leased) != 1 {
		t.Fatalf("LeaseJobs returned %d jobs, want 1", len(leased))
	}
	return leased[0]
}

func mustGet(t *testing.T, s store.Store, jobID string) *job.Job {
	t.Helper()
	j, err := s.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob(%s): %v", jobID, err)
	}
	return j
}

func testEnqueueAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob("deliver", "deliver", 0)
	mustEnqueue(t, s, j)

	got := mustGet(t, s, j.ID)
	if got.Name != "deliver" || got.Queue != "deliver" || got.State != job.StateWaiting {
		t.Errorf("unexpected job: %+v", got)
	}
	if string(got.Payload) != `{"test":true}` {
		t.Errorf("Payload = %s", got.Payload)
	}
	if got.Attempts != 3 || got.AttemptsMade != 0 || got.Backoff != "fixed" {
		t.Errorf("attempt fields not persisted: %+v", got)
	}

	if err := s.EnqueueJob(ctx, j); !errors.Is(err, courier.ErrJobAlreadyExists) {
		t.Errorf("duplicate enqueue err = %v, want ErrJobAlreadyExists", err)
	}
	if _, err := s.GetJob(ctx, "job_missing"); !errors.Is(err, courier.ErrJobNotFound) {
		t.Errorf("GetJob missing err = %v, want ErrJobNotFound", err)
	}
}

func testDelayed(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob("inbox", "inbox", 0)
	j.RunAt = time.Now().UTC().Add(150 * time.Millisecond)
	mustEnqueue(t, s, j)

	if got := mustGet(t, s, j.ID); got.State != job.StateDelayed {
		t.Fatalf("State = %q, want delayed", got.State)
	}
	leased, err := s.LeaseJobs(ctx, "inbox", "wkr_test", time.Minute, 10)
	if err != nil {
		t.Fatalf("LeaseJobs: %v", err)
	}
	if len(leased) != 0 {
		t.Fatalf("leased %d delayed jobs before due", len(leased))
	}

	time.Sleep(200 * time.Millisecond)
	got := mustLeaseOne(t, s, "inbox", time.Minute)
	if got.ID != j.ID {
		t.Errorf("leased %s, want %s", got.ID, j.ID)
	}
}

func testLeaseOrdering(t *testing.T, s store.Store) {
	base := time.Now().UTC().Add(-time.Minute)
	low := NewJob("db", "exportNotes", 0)
	low.RunAt = base
	high := NewJob("db", "deleteAccount", 10)
	high.RunAt = base.Add(2 * time.Second)
	lowLater := NewJob("db", "exportFollowing", 0)
	lowLater.RunAt = base.Add(time.Second)

	for _, j := range []*job.Job{lowLater, low, high} {
		mustEnqueue(t, s, j)
	}

	leased, err := s.LeaseJobs(context.Background(), "db", "wkr_test", time.Minute, 3)
	if err != nil {
		t.Fatalf("LeaseJobs: %v", err)
	}
	want := []string{high.ID, low.ID, lowLater.ID}
	if len(leased) != len(want) {
		t.Fatalf("leased %d jobs, want %d", len(leased), len(want))
	}
	for i := range want {
		if leased[i].ID != want[i] {
			t.Errorf("lease[%d] = %s (%s), want %s", i, leased[i].ID, leased[i].Name, want[i])
		}
	}
	for _, j := range leased {
		if j.State != job.StateActive || j.LeaseToken == "" || j.LockedUntil == nil || j.WorkerID != "wkr_test" {
			t.Errorf("lease fields not set: %+v", j)
		}
	}
}

func testLeaseIsolation(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := range 5 {
		mustEnqueue(t, s, NewJob("deliver", fmt.Sprintf("deliver-%d", i), 0))
	}
	mustEnqueue(t, s, NewJob("inbox", "inbox", 0))

	leased, err := s.LeaseJobs(ctx, "deliver", "wkr_test", time.Minute, 3)
	if err != nil {
		t.Fatalf("LeaseJobs: %v", err)
	}
	if len(leased) != 3 {
		t.Fatalf("leased %d, want 3", len(leased))
	}
	for _, j := range leased {
		if j.Queue != "deliver" {
			t.Errorf("leased job from queue %q", j.Queue)
		}
	}

	leased, err = s.LeaseJobs(ctx, "deliver", "wkr_test", time.Minute, 10)
	if err != nil {
		t.Fatalf("LeaseJobs: %v", err)
	}
	if len(leased) != 2 {
		t.Fatalf("second lease got %d, want 2", len(leased))
	}
}

func testSettleCompleted(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob("deliver", "deliver", 0)
	mustEnqueue(t, s, j)
	leased := mustLeaseOne(t, s, "deliver", time.Minute)

	if err := s.SettleJob(ctx, j.ID, "lease_wrong", job.Settlement{Outcome: job.OutcomeCompleted}); !errors.Is(err, courier.ErrLeaseLost) {
		t.Fatalf("wrong token err = %v, want ErrLeaseLost", err)
	}
	if err := s.SettleJob(ctx, j.ID, leased.LeaseToken, job.Settlement{Outcome: job.OutcomeCompleted, Result: "Success"}); err != nil {
		t.Fatalf("SettleJob: %v", err)
	}
	got := mustGet(t, s, j.ID)
	if got.State != job.StateCompleted || got.AttemptsMade != 1 || got.Result != "Success" {
		t.Errorf("unexpected settled job: %+v", got)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}
	if err := s.SettleJob(ctx, j.ID, leased.LeaseToken, job.Settlement{Outcome: job.OutcomeCompleted}); !errors.Is(err, courier.ErrLeaseLost) {
		t.Errorf("second settle err = %v, want ErrLeaseLost", err)
	}
}

func testSettleRetry(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob("deliver", "deliver", 0)
	mustEnqueue(t, s, j)
	leased := mustLeaseOne(t, s, "deliver", time.Minute)

	retryAt := time.Now().UTC().Add(100 * time.Millisecond)
	err := s.SettleJob(ctx, j.ID, leased.LeaseToken, job.Settlement{
		Outcome: job.OutcomeRetry, Error: "connection refused", RetryAt: retryAt,
	})
	if err != nil {
		t.Fatalf("SettleJob: %v", err)
	}
	got := mustGet(t, s, j.ID)
	if got.State != job.StateDelayed || got.AttemptsMade != 1 || got.LastError != "connection refused" {
		t.Errorf("unexpected retried job: %+v", got)
	}

	time.Sleep(150 * time.Millisecond)
	again := mustLeaseOne(t, s, "deliver", time.Minute)
	if again.ID != j.ID || again.AttemptsMade != 1 {
		t.Errorf("re-leased %+v", again)
	}
	if again.LeaseToken == leased.LeaseToken {
		t.Error("lease token reused across leases")
	}
}

func testSettleFailed(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob("inbox", "inbox", 0)
	mustEnqueue(t, s, j)
	leased := mustLeaseOne(t, s, "inbox", time.Minute)

	if err := s.SettleJob(ctx, j.ID, leased.LeaseToken, job.Settlement{Outcome: job.OutcomeFailed, Error: "410 Gone"}); err != nil {
		t.Fatalf("SettleJob: %v", err)
	}
	got := mustGet(t, s, j.ID)
	if got.State != job.StateFailed || got.AttemptsMade != 1 || got.LastError != "410 Gone" {
		t.Errorf("unexpected failed job: %+v", got)
	}
}

func testSettleThrottled(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob("deliver", "deliver", 0)
	mustEnqueue(t, s, j)
	leased := mustLeaseOne(t, s, "deliver", time.Minute)

	err := s.SettleJob(ctx, j.ID, leased.LeaseToken, job.Settlement{
		Outcome: job.OutcomeThrottled, RetryAt: time.Now().UTC().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("SettleJob: %v", err)
	}
	got := mustGet(t, s, j.ID)
	if got.State != job.StateDelayed || got.AttemptsMade != 0 {
		t.Errorf("throttle should not consume an attempt: %+v", got)
	}
}

func testSettleRemoves(t *testing.T, s store.Store) {
	ctx := context.Background()
	done := NewJob("deliver", "deliver", 0)
	done.RemoveOnComplete = true
	failed := NewJob("deliver", "deliver", 0)
	failed.RemoveOnFail = true
	mustEnqueue(t, s, done)
	mustEnqueue(t, s, failed)

	leased, err := s.LeaseJobs(ctx, "deliver", "wkr_test", time.Minute, 2)
	if err != nil || len(leased) != 2 {
		t.Fatalf("LeaseJobs: %d jobs, err %v", len(leased), err)
	}
	for _, l := range leased {
		outcome := job.OutcomeCompleted
		if l.ID == failed.ID {
			outcome = job.OutcomeFailed
		}
		if err := s.SettleJob(ctx, l.ID, l.LeaseToken, job.Settlement{Outcome: outcome}); err != nil {
			t.Fatalf("SettleJob: %v", err)
		}
	}
	for _, jobID := range []string{done.ID, failed.ID} {
		if _, err := s.GetJob(ctx, jobID); !errors.Is(err, courier.ErrJobNotFound) {
			t.Errorf("GetJob(%s) err = %v, want ErrJobNotFound", jobID, err)
		}
	}
}

func testHeartbeat(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob("objectStorage", "deleteFile", 0)
	mustEnqueue(t, s, j)
	leased := mustLeaseOne(t, s, "objectStorage", 50*time.Millisecond)

	if err := s.HeartbeatJob(ctx, j.ID, leased.LeaseToken, time.Minute); err != nil {
		t.Fatalf("HeartbeatJob: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	reaped, err := s.ReapStalledJobs(ctx, "objectStorage", 1)
	if err != nil {
		t.Fatalf("ReapStalledJobs: %v", err)
	}
	if len(reaped) != 0 {
		t.Fatalf("heartbeat did not extend the lock: reaped %d", len(reaped))
	}
	if err := s.HeartbeatJob(ctx, j.ID, "lease_wrong", time.Minute); !errors.Is(err, courier.ErrLeaseLost) {
		t.Errorf("wrong token err = %v, want ErrLeaseLost", err)
	}
}

func testReapStalled(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob("inbox", "inbox", 0)
	mustEnqueue(t, s, j)

	first := mustLeaseOne(t, s, "inbox", 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	reaped, err := s.ReapStalledJobs(ctx, "inbox", 1)
	if err != nil {
		t.Fatalf("ReapStalledJobs: %v", err)
	}
	if len(reaped) != 1 || reaped[0].ID != j.ID {
		t.Fatalf("reaped %v, want [%s]", reaped, j.ID)
	}
	if reaped[0].State != job.StateWaiting || reaped[0].StalledCount != 1 || reaped[0].AttemptsMade != 0 {
		t.Errorf("unexpected reaped job: %+v", reaped[0])
	}

	// The former holder can no longer settle.
	if err := s.SettleJob(ctx, j.ID, first.LeaseToken, job.Settlement{Outcome: job.OutcomeCompleted}); !errors.Is(err, courier.ErrLeaseLost) {
		t.Errorf("stale settle err = %v, want ErrLeaseLost", err)
	}

	mustLeaseOne(t, s, "inbox", 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	reaped, err = s.ReapStalledJobs(ctx, "inbox", 1)
	if err != nil {
		t.Fatalf("ReapStalledJobs: %v", err)
	}
	if len(reaped) != 1 || reaped[0].State != job.StateFailed {
		t.Fatalf("second stall should fail the job, got %+v", reaped)
	}
	if got := mustGet(t, s, j.ID); got.State != job.StateFailed || got.StalledCount != 2 {
		t.Errorf("unexpected stored job: %+v", got)
	}
}

func testPromoteAndRetry(t *testing.T, s store.Store) {
	ctx := context.Background()
	delayed := NewJob("deliver", "deliver", 0)
	delayed.RunAt = time.Now().UTC().Add(time.Hour)
	mustEnqueue(t, s, delayed)

	if err := s.PromoteJob(ctx, delayed.ID); err != nil {
		t.Fatalf("PromoteJob: %v", err)
	}
	if got := mustGet(t, s, delayed.ID); got.State != job.StateWaiting {
		t.Fatalf("State = %q, want waiting", got.State)
	}
	if err := s.PromoteJob(ctx, delayed.ID); !errors.Is(err, courier.ErrInvalidState) {
		t.Errorf("promote waiting err = %v, want ErrInvalidState", err)
	}

	leased := mustLeaseOne(t, s, "deliver", time.Minute)
	if err := s.SettleJob(ctx, leased.ID, leased.LeaseToken, job.Settlement{Outcome: job.OutcomeFailed, Error: "boom"}); err != nil {
		t.Fatalf("SettleJob: %v", err)
	}
	if err := s.RetryJob(ctx, leased.ID); err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	got := mustGet(t, s, leased.ID)
	if got.State != job.StateWaiting || got.AttemptsMade != 0 || got.LastError != "" {
		t.Errorf("unexpected retried job: %+v", got)
	}
	if err := s.RetryJob(ctx, leased.ID); !errors.Is(err, courier.ErrInvalidState) {
		t.Errorf("retry waiting err = %v, want ErrInvalidState", err)
	}
	if err := s.PromoteJob(ctx, "job_missing"); !errors.Is(err, courier.ErrJobNotFound) {
		t.Errorf("promote missing err = %v, want ErrJobNotFound", err)
	}
}

func testListCountClean(t *testing.T, s store.Store) {
	ctx := context.Background()
	var ids []string
	for i := range 4 {
		j := NewJob("system", "clean", 0)
		j.Timestamp = time.Now().UTC().Add(time.Duration(i) * time.Millisecond)
		mustEnqueue(t, s, j)
		ids = append(ids, j.ID)
	}

	waiting, err := s.ListJobsByState(ctx, "system", job.StateWaiting, job.ListOpts{Offset: 1, Limit: 2})
	if err != nil {
		t.Fatalf("ListJobsByState: %v", err)
	}
	if len(waiting) != 2 || waiting[0].ID != ids[1] || waiting[1].ID != ids[2] {
		t.Fatalf("unexpected page: %v", waiting)
	}

	leased, err := s.LeaseJobs(ctx, "system", "wkr_test", time.Minute, 4)
	if err != nil || len(leased) != 4 {
		t.Fatalf("LeaseJobs: %d jobs, err %v", len(leased), err)
	}
	for _, l := range leased {
		if err := s.SettleJob(ctx, l.ID, l.LeaseToken, job.Settlement{Outcome: job.OutcomeCompleted}); err != nil {
			t.Fatalf("SettleJob: %v", err)
		}
	}

	n, err := s.CountJobs(ctx, job.CountOpts{Queue: "system", State: job.StateCompleted})
	if err != nil || n != 4 {
		t.Fatalf("CountJobs = %d, %v; want 4", n, err)
	}
	if n, _ := s.CountJobs(ctx, job.CountOpts{Queue: "deliver"}); n != 0 {
		t.Errorf("CountJobs(deliver) = %d, want 0", n)
	}

	cleaned, err := s.CleanJobs(ctx, "system", job.StateCompleted, time.Now().UTC().Add(time.Second), 3)
	if err != nil || cleaned != 3 {
		t.Fatalf("CleanJobs = %d, %v; want 3", cleaned, err)
	}
	if n, _ := s.CountJobs(ctx, job.CountOpts{Queue: "system"}); n != 1 {
		t.Errorf("remaining = %d, want 1", n)
	}
	if _, err := s.CleanJobs(ctx, "system", job.StateWaiting, time.Now(), 0); !errors.Is(err, courier.ErrInvalidState) {
		t.Errorf("clean waiting err = %v, want ErrInvalidState", err)
	}
	if err := s.DeleteJob(ctx, "job_missing"); !errors.Is(err, courier.ErrJobNotFound) {
		t.Errorf("delete missing err = %v, want ErrJobNotFound", err)
	}
}

func testConcurrentLeases(t *testing.T, s store.Store) {
	ctx := context.Background()
	const total = 100
	for i := range total {
		mustEnqueue(t, s, NewJob("deliver", fmt.Sprintf("deliver-%d", i), 0))
	}

	var mu sync.Mutex
	seen := make(map[string]int, total)
	var wg sync.WaitGroup
	for w := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				leased, err := s.LeaseJobs(ctx, "deliver", fmt.Sprintf("wkr_%d", w), time.Minute, 5)
				if err != nil {
					t.Errorf("LeaseJobs: %v", err)
					return
				}
				if len(leased) == 0 {
					return
				}
				mu.Lock()
				for _, j := range leased {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("leased %d distinct jobs, want %d", len(seen), total)
	}
	for jobID, n := range seen {
		if n != 1 {
			t.Errorf("job %s leased %d times", jobID, n)
		}
	}
}
