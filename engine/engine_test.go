package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/backoff"
	"github.com/xraph/courier/engine"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/jobs"
	"github.com/xraph/courier/queue"
	"github.com/xraph/courier/schedule"
	"github.com/xraph/courier/store/memory"
	"github.com/xraph/courier/worker"
)

// ──────────────────────────────────────────────────
// Fixtures
// ──────────────────────────────────────────────────

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type followRecorder struct {
	jobs.UnimplementedRelationshipProcessor
	mu   sync.Mutex
	seen []jobs.RelationshipPayload
}

func (r *followRecorder) Follow(_ context.Context, p jobs.RelationshipPayload) (string, error) {
	r.mu.Lock()
	r.seen = append(r.seen, p)
	r.mu.Unlock()
	return "followed", nil
}

func (r *followRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

type eventRecorder struct {
	enqueued, active, completed, failed atomic.Int32
	shutdown                            atomic.Bool
}

func (r *eventRecorder) Name() string { return "recorder" }

func (r *eventRecorder) OnJobEnqueued(context.Context, *job.Job) error {
	r.enqueued.Add(1)
	return nil
}

func (r *eventRecorder) OnJobActive(context.Context, *job.Job) error {
	r.active.Add(1)
	return nil
}

func (r *eventRecorder) OnJobCompleted(context.Context, *job.Job, string, time.Duration) error {
	r.completed.Add(1)
	return nil
}

func (r *eventRecorder) OnJobFailed(context.Context, string, *job.Job, error) error {
	r.failed.Add(1)
	return nil
}

func (r *eventRecorder) OnShutdown(context.Context) error {
	r.shutdown.Store(true)
	return nil
}

func newEngine(t *testing.T, s *memory.Store, opts ...engine.Option) *engine.Engine {
	t.Helper()
	base := []engine.Option{
		engine.WithLogger(quiet),
		engine.WithTasks(nil),
		engine.WithPoolOptions(
			worker.WithPollInterval(5*time.Millisecond),
			worker.WithStalledInterval(0),
		),
	}
	eng, err := engine.New(s, append(base, opts...)...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng
}

func stop(t *testing.T, eng *engine.Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func waitState(t *testing.T, s *memory.Store, jobID string, want job.State) *job.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		j, err := s.GetJob(context.Background(), jobID)
		if err == nil && j.State == want {
			return j
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s never reached %s (last: %+v, err %v)", jobID, want, j, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ──────────────────────────────────────────────────
// End-to-end
// ──────────────────────────────────────────────────

func TestEngine_EndToEnd(t *testing.T) {
	s := memory.New()
	proc := &followRecorder{}
	rec := &eventRecorder{}
	eng := newEngine(t, s,
		engine.WithProcessors(jobs.Processors{Relationship: proc}),
		engine.WithExtension(rec),
	)

	j, err := engine.Enqueue(context.Background(), eng, queue.Relationship, jobs.JobFollow, jobs.RelationshipPayload{
		From: jobs.Ref{ID: "alice"},
		To:   jobs.Ref{ID: "bob"},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if j.State != job.StateWaiting {
		t.Errorf("State = %q, want waiting", j.State)
	}

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := waitState(t, s, j.ID, job.StateCompleted)
	stop(t, eng)

	if got.Result != "followed" || got.AttemptsMade != 1 {
		t.Errorf("job = result %q attemptsMade %d", got.Result, got.AttemptsMade)
	}
	if proc.count() != 1 || proc.seen[0].To.ID != "bob" {
		t.Errorf("processor saw %+v", proc.seen)
	}
	if rec.enqueued.Load() != 1 || rec.active.Load() != 1 || rec.completed.Load() != 1 {
		t.Errorf("events enqueued=%d active=%d completed=%d",
			rec.enqueued.Load(), rec.active.Load(), rec.completed.Load())
	}
	if !rec.shutdown.Load() {
		t.Error("shutdown hook not called")
	}
}

func TestEngine_UnimplementedJobFailsOnce(t *testing.T) {
	s := memory.New()
	rec := &eventRecorder{}
	eng := newEngine(t, s, engine.WithExtension(rec))

	j, err := engine.Enqueue(context.Background(), eng, queue.Inbox, jobs.JobInbox, jobs.InboxPayload{})
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := waitState(t, s, j.ID, job.StateFailed)
	stop(t, eng)

	if got.AttemptsMade != 1 {
		t.Errorf("attemptsMade = %d, want 1 (unrecoverable)", got.AttemptsMade)
	}
	if rec.failed.Load() != 1 {
		t.Errorf("failed events = %d", rec.failed.Load())
	}
}

// ──────────────────────────────────────────────────
// Enqueue
// ──────────────────────────────────────────────────

func TestEnqueue_RejectsUnknownNames(t *testing.T) {
	eng := newEngine(t, memory.New())
	ctx := context.Background()

	if _, err := eng.EnqueueRaw(ctx, queue.Deliver, "follow", []byte(`{}`)); !errors.Is(err, courier.ErrUnknownJob) {
		t.Errorf("unknown job: err = %v", err)
	}
	if _, err := eng.EnqueueRaw(ctx, "nope", "deliver", []byte(`{}`)); !errors.Is(err, courier.ErrQueueNotFound) {
		t.Errorf("unknown queue: err = %v", err)
	}
	if _, err := eng.EnqueueRaw(ctx, queue.Deliver, jobs.JobDeliver, []byte(`{}`), job.WithBackoff("bogus")); err == nil {
		t.Error("unknown backoff should be rejected")
	}
}

func TestEnqueue_AppliesQueueDefaults(t *testing.T) {
	s := memory.New()
	eng := newEngine(t, s)
	ctx := context.Background()

	cfg, err := eng.Queues().Get(queue.Deliver)
	if err != nil {
		t.Fatal(err)
	}

	j, err := engine.Enqueue(ctx, eng, queue.Deliver, jobs.JobDeliver, jobs.DeliverPayload{To: "https://remote.example/inbox"})
	if err != nil {
		t.Fatal(err)
	}
	if j.Attempts != cfg.Attempts || j.Backoff != backoff.NameNetwork {
		t.Errorf("defaults: attempts=%d backoff=%q", j.Attempts, j.Backoff)
	}

	j, err = engine.Enqueue(ctx, eng, queue.Deliver, jobs.JobDeliver, jobs.DeliverPayload{},
		job.WithAttempts(3),
		job.WithBackoff(backoff.NameNone),
		job.WithPriority(5),
		job.WithDelay(time.Hour),
		job.WithJobID("custom-id"),
	)
	if err != nil {
		t.Fatal(err)
	}
	stored, err := s.GetJob(ctx, "custom-id")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Attempts != 3 || stored.Backoff != backoff.NameNone || stored.Priority != 5 {
		t.Errorf("overrides lost: %+v", stored)
	}
	if stored.State != job.StateDelayed || j.State != job.StateDelayed {
		t.Errorf("delayed job state = %q / %q", stored.State, j.State)
	}

	if _, err := engine.Enqueue(ctx, eng, queue.Deliver, jobs.JobDeliver, jobs.DeliverPayload{}, job.WithJobID("custom-id")); !errors.Is(err, courier.ErrJobAlreadyExists) {
		t.Errorf("duplicate id: err = %v", err)
	}
}

func TestNew_RequiresStore(t *testing.T) {
	if _, err := engine.New(nil); !errors.Is(err, courier.ErrNoStore) {
		t.Errorf("err = %v, want ErrNoStore", err)
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

type countingService struct {
	started, stopped atomic.Int32
}

func (c *countingService) Start(context.Context) error { c.started.Add(1); return nil }
func (c *countingService) Stop(context.Context) error  { c.stopped.Add(1); return nil }

func TestEngine_RunUntilCancelled(t *testing.T) {
	s := memory.New()
	proc := &followRecorder{}
	svc := &countingService{}
	rec := &eventRecorder{}
	eng := newEngine(t, s,
		engine.WithProcessors(jobs.Processors{Relationship: proc}),
		engine.WithService(svc),
		engine.WithExtension(rec),
		engine.WithTasks(schedule.DefaultTasks()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	j, err := engine.Enqueue(context.Background(), eng, queue.Relationship, jobs.JobFollow, jobs.RelationshipPayload{})
	if err != nil {
		t.Fatal(err)
	}
	waitState(t, s, j.ID, job.StateCompleted)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if svc.started.Load() != 1 || svc.stopped.Load() != 1 {
		t.Errorf("service started=%d stopped=%d", svc.started.Load(), svc.stopped.Load())
	}
	if !rec.shutdown.Load() {
		t.Error("shutdown hook not called")
	}
}

func TestEngine_StartStopIdempotent(t *testing.T) {
	eng := newEngine(t, memory.New())
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := eng.Start(ctx); err != nil {
			t.Fatal(err)
		}
	}
	stop(t, eng)
	stop(t, eng)
}

// ──────────────────────────────────────────────────
// Repeatable tasks
// ──────────────────────────────────────────────────

func TestEngine_ScheduledTasksDeduplicate(t *testing.T) {
	s := memory.New()
	tasks := []schedule.Task{{
		Name: "mutings", Schedule: "*/5 * * * *",
		Queue: queue.System, JobName: jobs.JobCheckExpiredMutings,
	}}
	a := newEngine(t, s, engine.WithTasks(tasks))
	b := newEngine(t, s, engine.WithTasks(tasks))

	at := time.Now().Add(10 * time.Minute)
	fired := a.Scheduler().Tick(context.Background(), at) + b.Scheduler().Tick(context.Background(), at)
	if fired != 1 {
		t.Fatalf("fired %d times across engines, want 1", fired)
	}

	n, err := s.CountJobs(context.Background(), job.CountOpts{Queue: queue.System})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("system jobs = %d, want 1", n)
	}
}

func TestEngine_SchedulerDisabled(t *testing.T) {
	if eng := newEngine(t, memory.New()); eng.Scheduler() != nil {
		t.Error("empty task list should disable the scheduler")
	}
}
