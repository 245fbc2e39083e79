package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/engine"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/jobs"
	"github.com/xraph/courier/queue"
	"github.com/xraph/courier/store/memory"
)

func inboxFrom(keyID string) jobs.InboxPayload {
	return jobs.InboxPayload{
		Activity:  jobs.Activity{ID: keyID + "/act", Type: "Create"},
		Signature: jobs.Signature{KeyID: keyID},
	}
}

func TestStats(t *testing.T) {
	s := memory.New()
	eng := newEngine(t, s)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := engine.Enqueue(ctx, eng, queue.Deliver, jobs.JobDeliver, jobs.DeliverPayload{}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := engine.Enqueue(ctx, eng, queue.Deliver, jobs.JobDeliver, jobs.DeliverPayload{}, job.WithDelay(time.Hour)); err != nil {
		t.Fatal(err)
	}

	stats, err := eng.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != len(queue.Names) {
		t.Fatalf("stats for %d queues, want %d", len(stats), len(queue.Names))
	}
	for _, qs := range stats {
		if qs.Queue != queue.Deliver {
			continue
		}
		if qs.Counts[job.StateWaiting] != 3 || qs.Counts[job.StateDelayed] != 1 {
			t.Errorf("deliver counts = %v", qs.Counts)
		}
		return
	}
	t.Fatal("no deliver stats")
}

func TestDelayedInboxHosts(t *testing.T) {
	s := memory.New()
	eng := newEngine(t, s)
	ctx := context.Background()

	keys := []string{
		"https://busy.example/users/a#main-key",
		"https://busy.example/users/b#main-key",
		"https://busy.example/users/c#main-key",
		"https://quiet.example/users/d#main-key",
		"not a url",
	}
	for _, k := range keys {
		if _, err := engine.Enqueue(ctx, eng, queue.Inbox, jobs.JobInbox, inboxFrom(k), job.WithDelay(time.Hour)); err != nil {
			t.Fatal(err)
		}
	}
	// Waiting jobs are not part of the breakdown.
	if _, err := engine.Enqueue(ctx, eng, queue.Inbox, jobs.JobInbox, inboxFrom(keys[3])); err != nil {
		t.Fatal(err)
	}

	hosts, err := eng.DelayedInboxHosts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []engine.HostCount{
		{Host: "busy.example", Count: 3},
		{Host: "", Count: 1},
		{Host: "quiet.example", Count: 1},
	}
	if len(hosts) != len(want) {
		t.Fatalf("hosts = %+v", hosts)
	}
	for i := range want {
		if hosts[i] != want[i] {
			t.Errorf("hosts[%d] = %+v, want %+v", i, hosts[i], want[i])
		}
	}
}

func TestPromoteRetryClean(t *testing.T) {
	s := memory.New()
	eng := newEngine(t, s)
	ctx := context.Background()

	delayed, err := engine.Enqueue(ctx, eng, queue.Deliver, jobs.JobDeliver, jobs.DeliverPayload{}, job.WithDelay(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Promote(ctx, delayed.ID); err != nil {
		t.Fatal(err)
	}
	if j, _ := eng.GetJob(ctx, delayed.ID); j.State != job.StateWaiting {
		t.Errorf("promoted state = %q", j.State)
	}
	if err := eng.Promote(ctx, delayed.ID); !errors.Is(err, courier.ErrInvalidState) {
		t.Errorf("promote waiting job: %v", err)
	}

	// The db queue has no processor, so its job fails on the first attempt.
	failing, err := engine.Enqueue(ctx, eng, queue.DB, jobs.JobExportNotes, jobs.DBPayload{User: jobs.Ref{ID: "u1"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitState(t, s, failing.ID, job.StateFailed)
	stop(t, eng)

	if err := eng.Retry(ctx, failing.ID); err != nil {
		t.Fatal(err)
	}
	j, err := eng.GetJob(ctx, failing.ID)
	if err != nil {
		t.Fatal(err)
	}
	if j.State != job.StateWaiting || j.AttemptsMade != 0 {
		t.Errorf("retried job = state %q attemptsMade %d", j.State, j.AttemptsMade)
	}
	if err := eng.Retry(ctx, failing.ID); !errors.Is(err, courier.ErrInvalidState) {
		t.Errorf("retry waiting job: %v", err)
	}

	// Fail it again and clean it up.
	if err := eng.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitState(t, s, failing.ID, job.StateFailed)
	stop(t, eng)
	time.Sleep(5 * time.Millisecond)

	n, err := eng.Clean(ctx, queue.DB, job.StateFailed, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("cleaned %d jobs, want 1", n)
	}
	if _, err := eng.GetJob(ctx, failing.ID); !errors.Is(err, courier.ErrJobNotFound) {
		t.Errorf("cleaned job still present: %v", err)
	}
	if _, err := eng.Clean(ctx, "nope", job.StateFailed, 0, 0); !errors.Is(err, courier.ErrQueueNotFound) {
		t.Errorf("clean unknown queue: %v", err)
	}
}
