package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/courier"
	"github.com/xraph/courier/backoff"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/jobs"
	mw "github.com/xraph/courier/middleware"
	"github.com/xraph/courier/observability"
	"github.com/xraph/courier/observer"
	"github.com/xraph/courier/queue"
	"github.com/xraph/courier/schedule"
	"github.com/xraph/courier/worker"
)

// DefaultJobTimeout bounds jobs that do not set their own timeout.
const DefaultJobTimeout = 10 * time.Minute

// Service is a component started and stopped with the engine, such as a
// cache.Refresher.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Engine runs every queue of the registry.
type Engine struct {
	store      job.Store
	queues     *queue.Registry
	processors jobs.Processors
	routers    map[string]*job.Router
	extensions *ext.Registry
	observer   *observer.Observer
	pools      []*worker.Pool
	scheduler  *schedule.Scheduler
	services   []Service
	logger     *slog.Logger

	mws        []mw.Middleware
	poolOpts   []worker.PoolOption
	tasks      []schedule.Task
	extraExts  []ext.Extension
	jobTimeout time.Duration

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	mu      sync.Mutex
	running bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithProcessors sets the job processors. Queues without a processor fail
// their jobs as not implemented.
func WithProcessors(p jobs.Processors) Option {
	return func(eng *Engine) { eng.processors = p }
}

// WithQueues sets the queue registry. The default is queue.DefaultRegistry.
func WithQueues(r *queue.Registry) Option {
	return func(eng *Engine) { eng.queues = r }
}

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.extraExts = append(eng.extraExts, e) }
}

// WithMiddleware adds middleware to the engine's chain, inside the default
// recover, tracing, metrics and timeout middleware.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithPoolOptions sets options applied to every worker pool.
func WithPoolOptions(opts ...worker.PoolOption) Option {
	return func(eng *Engine) { eng.poolOpts = append(eng.poolOpts, opts...) }
}

// WithTasks replaces the repeatable tasks. The default is
// schedule.DefaultTasks. An empty list disables the scheduler.
func WithTasks(tasks []schedule.Task) Option {
	return func(eng *Engine) { eng.tasks = tasks }
}

// WithJobTimeout sets the timeout of jobs that do not set their own.
func WithJobTimeout(d time.Duration) Option {
	return func(eng *Engine) { eng.jobTimeout = d }
}

// WithService runs s alongside the pools.
func WithService(s Service) Option {
	return func(eng *Engine) { eng.services = append(eng.services, s) }
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine. Both
// the metrics middleware and the observability extension use it.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// New creates an Engine over store.
func New(store job.Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, courier.ErrNoStore
	}

	eng := &Engine{
		store:      store,
		logger:     slog.Default(),
		tasks:      schedule.DefaultTasks(),
		jobTimeout: DefaultJobTimeout,
	}
	for _, opt := range opts {
		opt(eng)
	}
	if eng.queues == nil {
		eng.queues = queue.DefaultRegistry()
	}

	routers, err := jobs.Routes(eng.processors)
	if err != nil {
		return nil, err
	}
	eng.routers = routers

	eng.extensions = ext.NewRegistry(eng.logger)
	eng.observer = observer.New(eng.logger)
	eng.extensions.Register(eng.observer)

	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(eng.meterProvider.Meter("github.com/xraph/courier/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)
	for _, e := range eng.extraExts {
		eng.extensions.Register(e)
	}

	middlewares := eng.middleware()
	for _, cfg := range eng.queues.Configs() {
		executor := worker.NewExecutor(routers[cfg.Name], store, eng.extensions, eng.logger,
			worker.WithMiddleware(middlewares...),
		)
		poolOpts := append([]worker.PoolOption{worker.WithDestination(jobs.Destination)}, eng.poolOpts...)
		eng.pools = append(eng.pools, worker.NewPool(cfg, store, executor, eng.extensions, eng.logger, poolOpts...))
	}

	if len(eng.tasks) > 0 {
		eng.scheduler, err = schedule.NewScheduler(eng.tasks, eng.enqueueTask, eng.extensions, eng.logger)
		if err != nil {
			return nil, err
		}
	}

	return eng, nil
}

// middleware builds the default stack: recover → tracing → metrics →
// timeout → user middleware.
func (eng *Engine) middleware() []mw.Middleware {
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer("github.com/xraph/courier"))
	} else {
		tracingMw = mw.Tracing()
	}

	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter("github.com/xraph/courier"))
	} else {
		metricsMw = mw.Metrics()
	}

	all := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Timeout(eng.logger, eng.jobTimeout),
	}
	return append(all, eng.mws...)
}

// ──────────────────────────────────────────────────
// Enqueue
// ──────────────────────────────────────────────────

// Enqueue marshals payload and enqueues it as job name on the queue.
func Enqueue[T any](ctx context.Context, eng *Engine, queueName, name string, payload T, opts ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for job %q: %w", name, err)
	}
	return eng.EnqueueRaw(ctx, queueName, name, data, opts...)
}

// EnqueueRaw enqueues a job with a pre-serialized payload. It fails with
// courier.ErrQueueNotFound for unknown queues and courier.ErrUnknownJob for
// names the queue cannot route.
func (eng *Engine) EnqueueRaw(ctx context.Context, queueName, name string, payload []byte, opts ...job.Option) (*job.Job, error) {
	cfg, err := eng.queues.Get(queueName)
	if err != nil {
		return nil, err
	}
	if !eng.routers[queueName].Has(name) {
		return nil, fmt.Errorf("%w: %s/%s", courier.ErrUnknownJob, queueName, name)
	}

	var o job.Options
	o.Apply(opts...)
	if o.Attempts == 0 {
		o.Attempts = cfg.Attempts
	}
	if o.Attempts < 1 {
		return nil, fmt.Errorf("job %s/%s: attempts must be at least 1, got %d", queueName, name, o.Attempts)
	}
	if o.Backoff == "" {
		o.Backoff = cfg.Backoff
	}
	if _, err := backoff.Lookup(o.Backoff); err != nil {
		return nil, fmt.Errorf("job %s/%s: %w", queueName, name, err)
	}
	if o.JobID == "" {
		o.JobID = id.NewJobID()
	}

	now := time.Now().UTC()
	j := &job.Job{
		Entity:           courier.NewEntity(),
		ID:               o.JobID,
		Name:             name,
		Queue:            queueName,
		Payload:          payload,
		State:            job.StateWaiting,
		Priority:         o.Priority,
		Attempts:         o.Attempts,
		Backoff:          o.Backoff,
		Timeout:          o.Timeout,
		RemoveOnComplete: o.RemoveOnComplete,
		RemoveOnFail:     o.RemoveOnFail,
		Timestamp:        now,
		RunAt:            now.Add(o.Delay),
	}

	if err := eng.store.EnqueueJob(ctx, j); err != nil {
		return nil, err
	}

	eng.extensions.EmitJobEnqueued(ctx, j)
	return j, nil
}

func (eng *Engine) enqueueTask(ctx context.Context, task schedule.Task, jobID string) error {
	payload := task.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := eng.EnqueueRaw(ctx, task.Queue, task.JobName, payload,
		job.WithJobID(jobID),
	)
	return err
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start begins job processing: services first, then every pool and the
// scheduler. It is a no-op when already running.
func (eng *Engine) Start(ctx context.Context) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.running {
		return nil
	}

	for i, s := range eng.services {
		if err := s.Start(ctx); err != nil {
			_ = eng.stopServices(ctx, i)
			return fmt.Errorf("start service: %w", err)
		}
	}
	for _, p := range eng.pools {
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("start pool %s: %w", p.Queue(), err)
		}
	}
	if eng.scheduler != nil {
		if err := eng.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	eng.running = true
	eng.logger.Info("engine started", slog.Int("queues", len(eng.pools)))
	return nil
}

// Stop stops the scheduler, drains every pool concurrently, then stops
// the services.
func (eng *Engine) Stop(ctx context.Context) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if !eng.running {
		return nil
	}
	eng.running = false

	var errs []error
	if eng.scheduler != nil {
		if err := eng.scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
		}
	}

	var g errgroup.Group
	for _, p := range eng.pools {
		g.Go(func() error {
			if err := p.Stop(ctx); err != nil {
				return fmt.Errorf("stop pool %s: %w", p.Queue(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	if err := eng.stopServices(ctx, len(eng.services)); err != nil {
		errs = append(errs, err)
	}

	eng.extensions.EmitShutdown(ctx)
	eng.logger.Info("engine stopped")
	return errors.Join(errs...)
}

// Run starts every pool and the scheduler under one errgroup and blocks
// until ctx is done. Each pool then drains within its shutdown timeout.
func (eng *Engine) Run(ctx context.Context) error {
	eng.mu.Lock()
	if eng.running {
		eng.mu.Unlock()
		return errors.New("courier: engine already running")
	}
	eng.running = true
	eng.mu.Unlock()

	defer func() {
		eng.mu.Lock()
		eng.running = false
		eng.mu.Unlock()
	}()

	for i, s := range eng.services {
		if err := s.Start(ctx); err != nil {
			_ = eng.stopServices(context.WithoutCancel(ctx), i)
			return fmt.Errorf("start service: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range eng.pools {
		g.Go(func() error {
			if err := p.Run(gctx); err != nil {
				return fmt.Errorf("pool %s: %w", p.Queue(), err)
			}
			return nil
		})
	}
	if eng.scheduler != nil {
		g.Go(func() error {
			if err := eng.scheduler.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			return eng.scheduler.Stop(context.WithoutCancel(gctx))
		})
	}
	eng.logger.Info("engine running", slog.Int("queues", len(eng.pools)))

	err := g.Wait()

	stopCtx := context.WithoutCancel(ctx)
	if stopErr := eng.stopServices(stopCtx, len(eng.services)); stopErr != nil {
		err = errors.Join(err, stopErr)
	}
	eng.extensions.EmitShutdown(stopCtx)
	eng.logger.Info("engine stopped")
	return err
}

// stopServices stops the first n services in reverse order.
func (eng *Engine) stopServices(ctx context.Context, n int) error {
	var errs []error
	for i := n - 1; i >= 0; i-- {
		if err := eng.services[i].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop service: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ──────────────────────────────────────────────────
// Accessors
// ──────────────────────────────────────────────────

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Observer returns the lifecycle observer.
func (eng *Engine) Observer() *observer.Observer { return eng.observer }

// Queues returns the queue registry.
func (eng *Engine) Queues() *queue.Registry { return eng.queues }

// Store returns the backing store.
func (eng *Engine) Store() job.Store { return eng.store }

// Scheduler returns the repeatable-job scheduler, or nil when disabled.
func (eng *Engine) Scheduler() *schedule.Scheduler { return eng.scheduler }

// Router returns the router of the named queue.
func (eng *Engine) Router(queueName string) (*job.Router, error) {
	r, ok := eng.routers[queueName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", courier.ErrQueueNotFound, queueName)
	}
	return r, nil
}

// Pool returns the worker pool of the named queue.
func (eng *Engine) Pool(queueName string) (*worker.Pool, error) {
	for _, p := range eng.pools {
		if p.Queue() == queueName {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", courier.ErrQueueNotFound, queueName)
}
