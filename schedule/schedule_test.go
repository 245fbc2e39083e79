package schedule_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/queue"
	"github.com/xraph/courier/schedule"
)

// sharedQueue is an enqueue target that deduplicates by job id, like the
// stores do.
type sharedQueue struct {
	mu   sync.Mutex
	ids  []string
	seen map[string]bool
	fail error
}

func newSharedQueue() *sharedQueue { return &sharedQueue{seen: make(map[string]bool)} }

func (q *sharedQueue) enqueue(_ context.Context, _ schedule.Task, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	if q.seen[jobID] {
		return courier.ErrJobAlreadyExists
	}
	q.seen[jobID] = true
	q.ids = append(q.ids, jobID)
	return nil
}

func (q *sharedQueue) jobIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

type firedRecorder struct {
	mu    sync.Mutex
	fired []string
}

func (r *firedRecorder) EmitScheduleFired(_ context.Context, taskName, jobID string) {
	r.mu.Lock()
	r.fired = append(r.fired, taskName+"/"+jobID)
	r.mu.Unlock()
}

func (r *firedRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

var (
	quiet = slog.New(slog.NewTextHandler(io.Discard, nil))
	epoch = time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)
)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestParseSchedule(t *testing.T) {
	for _, expr := range []string{"*/5 * * * *", "55 * * * *", "0 0 * * *", "@every 30s", "@daily"} {
		if _, err := schedule.ParseSchedule(expr); err != nil {
			t.Errorf("ParseSchedule(%q): %v", expr, err)
		}
	}
	if _, err := schedule.ParseSchedule("not a cron"); err == nil {
		t.Error("expected error for invalid expression")
	}
}

func TestDefaultTasks(t *testing.T) {
	tasks := schedule.DefaultTasks()
	want := map[string]bool{
		"tickCharts": true, "resyncCharts": true, "cleanCharts": true,
		"aggregateRetention": true, "clean": true, "checkExpiredMutings": true,
	}
	if len(tasks) != len(want) {
		t.Fatalf("expected %d tasks, got %d", len(want), len(tasks))
	}
	for _, task := range tasks {
		if !want[task.Name] {
			t.Errorf("unexpected task %q", task.Name)
		}
		if task.Queue != queue.System || task.JobName != task.Name {
			t.Errorf("task %s: queue=%q job=%q", task.Name, task.Queue, task.JobName)
		}
		if _, err := schedule.ParseSchedule(task.Schedule); err != nil {
			t.Errorf("task %s: %v", task.Name, err)
		}
	}
}

func TestRepeatJobID(t *testing.T) {
	at := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	if got, want := schedule.RepeatJobID("clean", at), "repeat_clean_1893456000000"; got != want {
		t.Errorf("RepeatJobID = %q, want %q", got, want)
	}
}

func TestNewSchedulerRejectsBadTasks(t *testing.T) {
	q := newSharedQueue()

	_, err := schedule.NewScheduler([]schedule.Task{{Name: "x", Schedule: "bogus"}}, q.enqueue, nil, quiet)
	if err == nil {
		t.Error("expected parse error")
	}

	dup := []schedule.Task{
		{Name: "x", Schedule: "@every 1m"},
		{Name: "x", Schedule: "@every 2m"},
	}
	if _, err := schedule.NewScheduler(dup, q.enqueue, nil, quiet); err == nil {
		t.Error("expected duplicate task error")
	}
}

func TestTickFiresDueTasks(t *testing.T) {
	q := newSharedQueue()
	rec := &firedRecorder{}
	s, err := schedule.NewScheduler(schedule.DefaultTasks(), q.enqueue, rec, quiet, schedule.WithClock(fixedClock(epoch)))
	if err != nil {
		t.Fatal(err)
	}

	// Nothing is due before the first boundary.
	if n := s.Tick(context.Background(), epoch); n != 0 {
		t.Fatalf("expected no fires at start, got %d", n)
	}

	// 00:05:00 is the first */5 boundary.
	at := time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC)
	if n := s.Tick(context.Background(), at); n != 1 {
		t.Fatalf("expected 1 fire, got %d", n)
	}
	ids := q.jobIDs()
	if len(ids) != 1 || ids[0] != schedule.RepeatJobID("checkExpiredMutings", at) {
		t.Fatalf("unexpected job ids %v", ids)
	}
	if rec.count() != 1 {
		t.Errorf("expected 1 fired event, got %d", rec.count())
	}

	// The same instant does not fire again.
	if n := s.Tick(context.Background(), at); n != 0 {
		t.Errorf("expected no refire, got %d", n)
	}

	// 00:55 fires tickCharts and the one overdue checkExpiredMutings
	// occurrence; the other missed */5 boundaries are not replayed.
	at = time.Date(2026, 1, 1, 0, 55, 0, 0, time.UTC)
	if n := s.Tick(context.Background(), at); n != 2 {
		t.Errorf("expected 2 fires at :55, got %d", n)
	}
	if got := len(q.jobIDs()); got != 3 {
		t.Errorf("expected 3 jobs total, got %d", got)
	}
}

func TestConcurrentSchedulersDeduplicate(t *testing.T) {
	q := newSharedQueue()
	rec := &firedRecorder{}
	tasks := []schedule.Task{{Name: "mutings", Schedule: "*/5 * * * *", Queue: queue.System, JobName: "checkExpiredMutings"}}

	var schedulers []*schedule.Scheduler
	for i := 0; i < 3; i++ {
		s, err := schedule.NewScheduler(tasks, q.enqueue, rec, quiet, schedule.WithClock(fixedClock(epoch)))
		if err != nil {
			t.Fatal(err)
		}
		schedulers = append(schedulers, s)
	}

	// Each process ticks slightly after the boundary at a different time.
	boundary := time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC)
	total := 0
	for i, s := range schedulers {
		total += s.Tick(context.Background(), boundary.Add(time.Duration(i*300)*time.Millisecond))
	}
	if total != 1 {
		t.Errorf("expected exactly one process to enqueue, got %d", total)
	}
	if ids := q.jobIDs(); len(ids) != 1 || ids[0] != schedule.RepeatJobID("mutings", boundary) {
		t.Errorf("unexpected job ids %v", ids)
	}
	if rec.count() != 1 {
		t.Errorf("expected one fired event, got %d", rec.count())
	}
}

func TestEnqueueErrorRetriesOccurrence(t *testing.T) {
	q := newSharedQueue()
	q.fail = errors.New("store down")
	tasks := []schedule.Task{{Name: "mutings", Schedule: "*/5 * * * *", Queue: queue.System, JobName: "checkExpiredMutings"}}

	s, err := schedule.NewScheduler(tasks, q.enqueue, nil, quiet, schedule.WithClock(fixedClock(epoch)))
	if err != nil {
		t.Fatal(err)
	}

	boundary := time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC)
	if n := s.Tick(context.Background(), boundary); n != 0 {
		t.Fatalf("expected failed fire, got %d", n)
	}

	q.mu.Lock()
	q.fail = nil
	q.mu.Unlock()

	if n := s.Tick(context.Background(), boundary.Add(time.Second)); n != 1 {
		t.Fatalf("expected retried fire, got %d", n)
	}
	if ids := q.jobIDs(); len(ids) != 1 || ids[0] != schedule.RepeatJobID("mutings", boundary) {
		t.Errorf("retried fire should keep the occurrence id, got %v", ids)
	}
}

func TestStartStop(t *testing.T) {
	q := newSharedQueue()

	var mu sync.Mutex
	now := epoch
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Minute)
		return now
	}

	tasks := []schedule.Task{{Name: "minutely", Schedule: "* * * * *", Queue: queue.System, JobName: "clean"}}
	s, err := schedule.NewScheduler(tasks, q.enqueue, nil, quiet,
		schedule.WithClock(clock),
		schedule.WithTickInterval(5*time.Millisecond),
	)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatal("second Start should be a no-op:", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(q.jobIDs()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatal("second Stop should be a no-op:", err)
	}
	if got := len(q.jobIDs()); got < 3 {
		t.Fatalf("expected at least 3 fires, got %d", got)
	}

	statuses := s.Tasks()
	if len(statuses) != 1 || statuses[0].LastFired.IsZero() {
		t.Errorf("unexpected status %+v", statuses)
	}
}
