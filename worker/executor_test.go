package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/courier/backoff"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/queue"
	"github.com/xraph/courier/store/memory"
	"github.com/xraph/courier/store/storetest"
	"github.com/xraph/courier/worker"
)

func leaseOne(t *testing.T, s *memory.Store, q string) *job.Job {
	t.Helper()
	jobs, err := s.LeaseJobs(context.Background(), q, "wkr_test", time.Minute, 1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("lease: %v (%d jobs)", err, len(jobs))
	}
	return jobs[0]
}

func TestExecutor_RetryUsesJobPolicy(t *testing.T) {
	s := memory.New()
	router := job.NewRouter(queue.Deliver)
	_ = router.Handle("fail", func(_ context.Context, _ *job.Job) (string, error) {
		return "", errors.New("timeout")
	})
	exec := worker.NewExecutor(router, s, ext.NewRegistry(slog.Default()), slog.Default())

	j := storetest.NewJob(queue.Deliver, "fail", 0)
	j.Backoff = backoff.NameNetwork
	j.Attempts = 12
	_ = s.EnqueueJob(context.Background(), j)
	leased := leaseOne(t, s, queue.Deliver)

	before := time.Now().UTC()
	if err := exec.Execute(context.Background(), leased); err == nil {
		t.Fatal("expected handler error")
	}

	got, _ := s.GetJob(context.Background(), j.ID)
	if got.State != job.StateDelayed {
		t.Fatalf("State = %s, want delayed", got.State)
	}
	delay := got.RunAt.Sub(before)
	if delay < 59*time.Second || delay > 73*time.Second {
		t.Errorf("first retry delay = %v, want within [60s, 72s]", delay)
	}
	if got.AttemptsMade != 1 || got.LastError != "timeout" {
		t.Errorf("AttemptsMade = %d, LastError = %q", got.AttemptsMade, got.LastError)
	}
	if leased.State != job.StateDelayed || leased.LeaseToken != "" {
		t.Errorf("local job not updated: state %s token %q", leased.State, leased.LeaseToken)
	}
}

func TestExecutor_UnknownPolicyFallsBack(t *testing.T) {
	s := memory.New()
	router := job.NewRouter(queue.DB)
	_ = router.Handle("fail", func(_ context.Context, _ *job.Job) (string, error) {
		return "", errors.New("deadlock")
	})
	exec := worker.NewExecutor(router, s, ext.NewRegistry(nil), slog.Default(),
		worker.WithBackoff(backoff.NewConstant(time.Hour)),
	)

	j := storetest.NewJob(queue.DB, "fail", 0)
	j.Backoff = "no-such-policy"
	_ = s.EnqueueJob(context.Background(), j)
	leased := leaseOne(t, s, queue.DB)

	before := time.Now().UTC()
	_ = exec.Execute(context.Background(), leased)

	got, _ := s.GetJob(context.Background(), j.ID)
	if d := got.RunAt.Sub(before); d < 59*time.Minute {
		t.Errorf("retry delay = %v, want the executor default of 1h", d)
	}
}

func TestExecutor_LostLeaseDoesNotOverwrite(t *testing.T) {
	s := memory.New()
	router := job.NewRouter(queue.Deliver)
	_ = router.Handle("ok", func(_ context.Context, _ *job.Job) (string, error) {
		return "done", nil
	})
	exec := worker.NewExecutor(router, s, ext.NewRegistry(nil), slog.Default())

	j := storetest.NewJob(queue.Deliver, "ok", 0)
	_ = s.EnqueueJob(context.Background(), j)
	leased := leaseOne(t, s, queue.Deliver)
	leased.LeaseToken = "lease_stale"

	if err := exec.Execute(context.Background(), leased); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := s.GetJob(context.Background(), j.ID)
	if got.State != job.StateActive {
		t.Errorf("State = %s, want active (settle must be rejected)", got.State)
	}
	if leased.State == job.StateCompleted {
		t.Error("local job should not be marked completed after a lost lease")
	}
}
