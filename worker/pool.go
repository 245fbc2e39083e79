package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/queue"
)

// errPoolStopping is the cancel cause of jobs still running when Stop
// reaches its deadline. Their leases are left to stall.
var errPoolStopping = errors.New("worker pool stopping")

// DestinationFunc extracts the remote host a job talks to. An empty string
// means the job has no destination and is never host-throttled.
type DestinationFunc func(j *job.Job) string

// Pool runs one queue: up to Concurrency worker goroutines, each holding at
// most one lease, plus a heartbeat loop and a stall reaper.
type Pool struct {
	cfg        queue.Config
	store      job.Store
	executor   *Executor
	extensions *ext.Registry
	workerID   id.WorkerID
	logger     *slog.Logger

	pollInterval      time.Duration
	lockDuration      time.Duration
	heartbeatInterval time.Duration
	stalledInterval   time.Duration
	maxReconnectDelay time.Duration
	shutdownTimeout   time.Duration

	window      *queue.Window
	hosts       *queue.KeyedLimiter
	destination DestinationFunc

	stopCh     chan struct{}
	stopCtx    context.Context
	stopCancel context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool

	activeMu sync.Mutex
	active   map[string]*lease // by lease token
}

type lease struct {
	jobID  string
	cancel context.CancelCauseFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPollInterval sets how long an idle worker waits before leasing again.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithLockDuration sets how long a lease stays valid without a heartbeat.
func WithLockDuration(d time.Duration) PoolOption {
	return func(p *Pool) { p.lockDuration = d }
}

// WithHeartbeatInterval sets how often the pool extends its leases. A zero
// value disables heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithStalledInterval sets how often the pool looks for expired leases. A
// zero value disables the reaper.
func WithStalledInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.stalledInterval = d }
}

// WithMaxReconnectDelay caps the wait between lease attempts while the
// store keeps failing.
func WithMaxReconnectDelay(d time.Duration) PoolOption {
	return func(p *Pool) { p.maxReconnectDelay = d }
}

// WithShutdownTimeout bounds how long Run waits for in-flight jobs.
func WithShutdownTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.shutdownTimeout = d }
}

// WithDestination enables per-host throttling for queues whose config sets
// HostRate.
func WithDestination(fn DestinationFunc) PoolOption {
	return func(p *Pool) { p.destination = fn }
}

// WithWorkerID overrides the generated worker id.
func WithWorkerID(w id.WorkerID) PoolOption {
	return func(p *Pool) { p.workerID = w }
}

// NewPool creates a worker pool for the queue described by cfg.
func NewPool(
	cfg queue.Config,
	store job.Store,
	executor *Executor,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		cfg:               cfg,
		store:             store,
		executor:          executor,
		extensions:        extensions,
		workerID:          id.NewWorkerID(),
		logger:            logger,
		pollInterval:      time.Second,
		lockDuration:      30 * time.Second,
		heartbeatInterval: -1,
		stalledInterval:   30 * time.Second,
		maxReconnectDelay: 30 * time.Second,
		shutdownTimeout:   30 * time.Second,
		active:            make(map[string]*lease),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.heartbeatInterval < 0 {
		p.heartbeatInterval = p.lockDuration / 2
	}
	if cfg.Rate != nil {
		p.window = queue.NewWindow(cfg.Rate.Max, cfg.Rate.Window)
	}
	if cfg.HostRate > 0 && p.destination != nil {
		p.hosts = queue.NewKeyedLimiter(cfg.HostRate, cfg.HostBurst)
	}
	return p
}

// Queue returns the name of the queue the pool serves.
func (p *Pool) Queue() string { return p.cfg.Name }

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Active returns the number of leases currently held.
func (p *Pool) Active() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.active)
}

// Start launches the worker goroutines. It returns immediately and is a
// no-op when the pool is already running.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.stopCtx, p.stopCancel = context.WithCancel(context.Background())

	p.logger.Info("worker pool starting",
		slog.String("queue", p.cfg.Name),
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.cfg.Concurrency),
	)

	for range p.cfg.Concurrency {
		p.wg.Add(1)
		go p.leaseLoop()
	}
	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}
	if p.stalledInterval > 0 {
		p.wg.Add(1)
		go p.reaperLoop()
	}
	return nil
}

// Run starts the pool and blocks until ctx is done, then stops it, giving
// in-flight jobs up to the shutdown timeout to finish.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.shutdownTimeout)
	defer cancel()
	return p.Stop(stopCtx)
}

// Stop signals all workers to stop leasing and waits for in-flight jobs.
// When ctx expires first, active jobs are cancelled without being settled;
// their leases then stall and are redelivered by a later reaper pass
// without using an attempt. A concurrent Start waits until Stop returns.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	p.running = false

	p.logger.Info("worker pool stopping",
		slog.String("queue", p.cfg.Name),
		slog.String("worker_id", p.workerID.String()),
	)

	close(p.stopCh)
	p.stopCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully", slog.String("queue", p.cfg.Name))
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs", slog.String("queue", p.cfg.Name))
		p.cancelActiveJobs()
		<-done
	}
	return nil
}

// leaseLoop is run by each worker goroutine.
func (p *Pool) leaseLoop() {
	defer p.wg.Done()

	failures := 0
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		var res *queue.Reservation
		if p.window != nil {
			var err error
			res, err = p.window.Acquire(p.stopCtx)
			if err != nil {
				return
			}
		}

		jobs, err := p.store.LeaseJobs(p.stopCtx, p.cfg.Name, p.workerID.String(), p.lockDuration, 1)
		if err != nil {
			if res != nil {
				res.Cancel()
			}
			if errors.Is(err, context.Canceled) && p.stopped() {
				return
			}
			failures++
			p.reportError(fmt.Errorf("lease jobs: %w", err))
			p.wait(p.reconnectDelay(failures))
			continue
		}
		failures = 0

		if len(jobs) == 0 {
			if res != nil {
				res.Cancel()
			}
			p.wait(p.pollInterval)
			continue
		}
		if res != nil {
			res.Commit()
		}

		p.process(jobs[0])
	}
}

// process runs one leased job to completion.
func (p *Pool) process(j *job.Job) {
	if p.throttled(j) {
		return
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	p.track(j, cancel)
	defer p.untrack(j.LeaseToken)

	p.extensions.EmitJobActive(ctx, j)

	if err := p.executor.Execute(ctx, j); err != nil {
		p.logger.Debug("job execution failed",
			slog.String("queue", p.cfg.Name),
			slog.String("job_id", j.ID),
			slog.String("job_name", j.Name),
			slog.String("error", err.Error()),
		)
	}
}

// throttled returns the job to delayed without using an attempt when its
// destination host is over its rate. It reports whether it did so.
func (p *Pool) throttled(j *job.Job) bool {
	if p.hosts == nil {
		return false
	}
	host := p.destination(j)
	if host == "" {
		return false
	}
	ok, retryAfter := p.hosts.Allow(host)
	if ok {
		return false
	}

	retryAt := time.Now().UTC().Add(max(retryAfter, p.pollInterval))
	err := p.store.SettleJob(context.Background(), j.ID, j.LeaseToken, job.Settlement{
		Outcome: job.OutcomeThrottled,
		RetryAt: retryAt,
	})
	if err != nil {
		p.reportError(fmt.Errorf("throttle job %s: %w", j.ID, err))
		return true
	}
	p.logger.Debug("destination throttled",
		slog.String("queue", p.cfg.Name),
		slog.String("job_id", j.ID),
		slog.String("host", host),
		slog.Duration("retry_after", retryAfter),
	)
	return true
}

// heartbeatLoop periodically extends the locks of all held leases.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sendHeartbeats()
		}
	}
}

func (p *Pool) sendHeartbeats() {
	p.activeMu.Lock()
	held := make(map[string]string, len(p.active))
	for token, l := range p.active {
		held[token] = l.jobID
	}
	p.activeMu.Unlock()

	for token, jobID := range held {
		if err := p.store.HeartbeatJob(context.Background(), jobID, token, p.lockDuration); err != nil {
			p.logger.Warn("heartbeat failed",
				slog.String("queue", p.cfg.Name),
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// reaperLoop periodically returns expired leases to the queue.
func (p *Pool) reaperLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.stalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapStalled()
		}
	}
}

func (p *Pool) reapStalled() {
	ctx := context.Background()
	stalled, err := p.store.ReapStalledJobs(ctx, p.cfg.Name, p.cfg.StalledLimit())
	if err != nil {
		p.reportError(fmt.Errorf("reap stalled jobs: %w", err))
		return
	}

	for _, j := range stalled {
		p.extensions.EmitJobStalled(ctx, p.cfg.Name, j.ID)
		if j.State == job.StateFailed {
			p.extensions.EmitJobFailed(ctx, p.cfg.Name, j, fmt.Errorf("job %s: %w", j.ID, courier.ErrStalledTooOften))
		}
	}

	if p.hosts != nil {
		p.hosts.Prune(10 * time.Minute)
	}
}

// reportError logs an infrastructure error and emits it as a pool error.
func (p *Pool) reportError(err error) {
	p.logger.Error("worker pool error",
		slog.String("queue", p.cfg.Name),
		slog.String("error", err.Error()),
	)
	p.extensions.EmitPoolError(context.Background(), p.cfg.Name, err)
}

// reconnectDelay doubles the poll interval per consecutive failure, capped
// at maxReconnectDelay.
func (p *Pool) reconnectDelay(failures int) time.Duration {
	d := p.pollInterval
	for i := 1; i < failures && d < p.maxReconnectDelay; i++ {
		d *= 2
	}
	return min(d, p.maxReconnectDelay)
}

func (p *Pool) wait(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-p.stopCh:
	}
}

func (p *Pool) stopped() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// track records a held lease. Leases are keyed by token: after a stall the
// same job can be held twice by this pool, once by the stale holder.
func (p *Pool) track(j *job.Job, cancel context.CancelCauseFunc) {
	p.activeMu.Lock()
	p.active[j.LeaseToken] = &lease{jobID: j.ID, cancel: cancel}
	p.activeMu.Unlock()
}

func (p *Pool) untrack(token string) {
	p.activeMu.Lock()
	delete(p.active, token)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for _, l := range p.active {
		p.logger.Warn("cancelling active job",
			slog.String("queue", p.cfg.Name),
			slog.String("job_id", l.jobID),
		)
		l.cancel(errPoolStopping)
	}
}
