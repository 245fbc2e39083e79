// Package schedule fires repeatable jobs on cron schedules.
//
// Every process may run a Scheduler over the same task list. A fire at
// time t enqueues a job with the deterministic id repeat_<task>_<unix ms of
// t>, so the backing store deduplicates the fires of concurrent processes
// and only one job per occurrence is created.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/courier"
	"github.com/xraph/courier/queue"
)

// Task is a repeatable job definition.
type Task struct {
	// Name identifies the task and becomes part of each fire's job id.
	Name string

	// Schedule is a cron expression (e.g., "*/5 * * * *" or "@every 30s").
	Schedule string

	// Queue and JobName select the job to enqueue on each fire.
	Queue   string
	JobName string

	// Payload is the JSON payload enqueued with every fire.
	Payload []byte
}

// DefaultTasks returns the periodic maintenance jobs of the system queue.
func DefaultTasks() []Task {
	system := func(name, spec string) Task {
		return Task{Name: name, Schedule: spec, Queue: queue.System, JobName: name, Payload: []byte("{}")}
	}
	return []Task{
		system("tickCharts", "55 * * * *"),
		system("resyncCharts", "0 0 * * *"),
		system("cleanCharts", "0 0 * * *"),
		system("aggregateRetention", "0 0 * * *"),
		system("clean", "0 0 * * *"),
		system("checkExpiredMutings", "*/5 * * * *"),
	}
}

// RepeatJobID returns the job id of the task's fire at t.
func RepeatJobID(taskName string, t time.Time) string {
	return fmt.Sprintf("repeat_%s_%d", taskName, t.UnixMilli())
}

// EnqueueFunc enqueues one fire of a task under jobID. It returns
// courier.ErrJobAlreadyExists when another process enqueued it first.
type EnqueueFunc func(ctx context.Context, task Task, jobID string) error

// Emitter emits schedule lifecycle events.
// ext.Registry satisfies this interface via EmitScheduleFired.
type Emitter interface {
	EmitScheduleFired(ctx context.Context, taskName, jobID string)
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due tasks.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithClock overrides the scheduler's clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

type entry struct {
	task      Task
	schedule  cronlib.Schedule
	next      time.Time
	lastFired time.Time
}

// Status describes one task for display.
type Status struct {
	Name      string
	Schedule  string
	Queue     string
	Next      time.Time
	LastFired time.Time
}

// Scheduler runs the tasks on a tick loop.
type Scheduler struct {
	enqueue EnqueueFunc
	emitter Emitter
	logger  *slog.Logger
	now     func() time.Time

	tickInterval time.Duration

	mu      sync.Mutex
	entries []*entry
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a Scheduler for tasks. It fails when a schedule
// does not parse or a task name repeats.
func NewScheduler(tasks []Task, enqueue EnqueueFunc, emitter Emitter, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		enqueue:      enqueue,
		emitter:      emitter,
		logger:       logger,
		now:          time.Now,
		tickInterval: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	now := s.now().UTC()
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if seen[t.Name] {
			return nil, fmt.Errorf("schedule: duplicate task %q", t.Name)
		}
		seen[t.Name] = true

		sched, err := ParseSchedule(t.Schedule)
		if err != nil {
			return nil, fmt.Errorf("schedule: task %s: parse %q: %w", t.Name, t.Schedule, err)
		}
		s.entries = append(s.entries, &entry{task: t, schedule: sched, next: sched.Next(now)})
	}
	return s, nil
}

// Start launches the tick goroutine. It is a no-op when already running.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.tickLoop(s.stopCh)
	s.logger.Info("scheduler started",
		slog.Int("tasks", len(s.entries)),
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for the tick goroutine.
func (s *Scheduler) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop(stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Tick(context.Background(), s.now())
		}
	}
}

// Tick fires every task due at now and returns how many fires this
// process enqueued. Fires already enqueued elsewhere are skipped. Missed
// occurrences are not replayed: the next fire is computed from now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	now = now.UTC()

	s.mu.Lock()
	due := make([]*entry, 0)
	for _, e := range s.entries {
		if !e.next.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	fired := 0
	for _, e := range due {
		if s.fire(ctx, e, now) {
			fired++
		}
	}
	return fired
}

func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) bool {
	s.mu.Lock()
	at := e.next
	e.next = e.schedule.Next(now)
	s.mu.Unlock()

	jobID := RepeatJobID(e.task.Name, at)
	err := s.enqueue(ctx, e.task, jobID)
	switch {
	case errors.Is(err, courier.ErrJobAlreadyExists):
		s.logger.Debug("schedule fire already enqueued",
			slog.String("task", e.task.Name),
			slog.String("job_id", jobID),
		)
		return false
	case err != nil:
		s.logger.Error("schedule enqueue error",
			slog.String("task", e.task.Name),
			slog.String("job_name", e.task.JobName),
			slog.String("error", err.Error()),
		)
		// Retry this occurrence on the next tick.
		s.mu.Lock()
		e.next = at
		s.mu.Unlock()
		return false
	}

	s.mu.Lock()
	e.lastFired = at
	s.mu.Unlock()

	if s.emitter != nil {
		s.emitter.EmitScheduleFired(ctx, e.task.Name, jobID)
	}
	s.logger.Info("schedule fired",
		slog.String("task", e.task.Name),
		slog.String("job_name", e.task.JobName),
		slog.String("job_id", jobID),
	)
	return true
}

// Tasks returns the status of every task, sorted by name.
func (s *Scheduler) Tasks() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Status{
			Name:      e.task.Name,
			Schedule:  e.task.Schedule,
			Queue:     e.task.Queue,
			Next:      e.next,
			LastFired: e.lastFired,
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}
