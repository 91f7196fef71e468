package hooks

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-hooks/adapters/gocommand"
	"github.com/goliatone/go-hooks/adapters/gojob"
	"github.com/goliatone/go-hooks/adapters/gologger"
	hookscommand "github.com/goliatone/go-hooks/command"
	"github.com/goliatone/go-hooks/core"
	"github.com/goliatone/go-hooks/idempotency"
	"github.com/goliatone/go-hooks/query"
	"github.com/goliatone/go-hooks/ratelimit"
	sqlstore "github.com/goliatone/go-hooks/store/sql"
	"github.com/goliatone/go-hooks/webhooks"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/sourcegraph/conc"
)

const (
	scopeWebhooks = "webhooks"
	scopeAdmin    = "admin"

	wakeupMaxAttempts = 5
)

// Stores are the persistence contracts the runtime is built on.
// RateLimitWindows is only required when the rate-limit store is sql.
type Stores struct {
	Deliveries       core.DeliveryStore
	DeadLetters      core.DeadLetterStore
	Idempotency      core.IdempotencyStore
	RateLimitWindows ratelimit.WindowStore
}

func StoresFromFactory(factory *sqlstore.RepositoryFactory) (Stores, error) {
	if factory == nil || factory.DeliveryStore() == nil {
		return Stores{}, core.DependencyError("hooks: repository factory has no stores")
	}
	return Stores{
		Deliveries:       factory.DeliveryStore(),
		DeadLetters:      factory.DeadLetterStore(),
		Idempotency:      factory.IdempotencyStore(),
		RateLimitWindows: factory.RateLimitWindowStore(),
	}, nil
}

type Option func(*runtimeOptions)

type runtimeOptions struct {
	logger   core.Logger
	provider core.LoggerProvider
	metrics  core.MetricsRecorder
	handlers *webhooks.HandlerRegistry
	now      func() time.Time
	enqueuer queue.Enqueuer
	dequeuer queue.Dequeuer
	cache    repositorycache.CacheService
	jitter   func() float64
}

func WithLogger(logger core.Logger) Option {
	return func(o *runtimeOptions) { o.logger = logger }
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(o *runtimeOptions) { o.provider = provider }
}

func WithMetrics(metrics core.MetricsRecorder) Option {
	return func(o *runtimeOptions) { o.metrics = metrics }
}

func WithHandlers(handlers *webhooks.HandlerRegistry) Option {
	return func(o *runtimeOptions) { o.handlers = handlers }
}

func WithClock(now func() time.Time) Option {
	return func(o *runtimeOptions) { o.now = now }
}

// WithJobQueue routes retry wake-ups through an external go-job queue
// instead of the in-process one.
func WithJobQueue(enqueuer queue.Enqueuer, dequeuer queue.Dequeuer) Option {
	return func(o *runtimeOptions) {
		o.enqueuer = enqueuer
		o.dequeuer = dequeuer
	}
}

// WithIdempotencyCache overrides the cache built from idempotency.cache_ttl.
func WithIdempotencyCache(cache repositorycache.CacheService) Option {
	return func(o *runtimeOptions) { o.cache = cache }
}

// WithRetryJitter fixes the jitter source, mostly for tests.
func WithRetryJitter(jitter func() float64) Option {
	return func(o *runtimeOptions) { o.jitter = jitter }
}

// Runtime wires the webhook receiver, the retry path and the idempotency
// guard over one set of stores.
type Runtime struct {
	now       func() time.Time
	cfg       Config
	stores    Stores
	logger    core.Logger
	jobLogger job.Logger
	observer  *core.Observer
	handlers  *webhooks.HandlerRegistry

	dispatcher     *webhooks.Dispatcher
	scheduler      *webhooks.Scheduler
	idempotency    *idempotency.Service
	webhookLimiter *ratelimit.Limiter
	adminLimiter   *ratelimit.Limiter
	wakeQueue      *gojob.MemoryQueue
	consumer       *gojob.RetryConsumer
	facade         *Facade
	sweeper        *Sweeper
}

func New(cfg Config, stores Stores, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if stores.Deliveries == nil || stores.DeadLetters == nil || stores.Idempotency == nil {
		return nil, core.DependencyError("hooks: delivery, dead letter and idempotency stores are required")
	}
	options := runtimeOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.now == nil {
		options.now = func() time.Time { return time.Now().UTC() }
	}
	if options.handlers == nil {
		options.handlers = webhooks.NewHandlerRegistry()
	}

	_, logger, _, jobLogger := gologger.ResolveForJob(cfg.ServiceName, options.provider, options.logger)
	r := &Runtime{
		jobLogger: jobLogger,
		now:       options.now,
		cfg:       cfg,
		stores:    stores,
		logger:    logger,
		observer:  core.NewObserver(logger, options.metrics),
		handlers:  options.handlers,
	}

	steps := []func(*runtimeOptions) error{
		r.buildWakeup,
		r.buildDispatcher,
		r.buildScheduler,
		r.buildIdempotency,
		r.buildLimiters,
	}
	for _, step := range steps {
		if err := step(&options); err != nil {
			return nil, err
		}
	}
	r.facade = r.buildFacade()
	r.sweeper = NewSweeper(r.facade.Commands(), cfg, r.observer)
	return r, nil
}

func (r *Runtime) buildWakeup(options *runtimeOptions) error {
	enqueuer, dequeuer := options.enqueuer, options.dequeuer
	if enqueuer == nil || dequeuer == nil {
		r.wakeQueue = gojob.NewMemoryQueue(0, gojob.WithQueueClock(options.now))
		enqueuer, dequeuer = r.wakeQueue, r.wakeQueue
	}
	options.enqueuer = enqueuer
	options.dequeuer = dequeuer
	return nil
}

func (r *Runtime) buildDispatcher(options *runtimeOptions) error {
	templates, err := webhooks.TemplatesFromConfig(r.cfg.Webhooks.Sources)
	if err != nil {
		return err
	}
	policy := webhooks.RetryPolicyFromConfig(r.cfg.Retry)
	if options.jitter != nil {
		policy.Random = options.jitter
	}
	r.dispatcher, err = webhooks.NewDispatcher(r.stores.Deliveries, r.handlers,
		webhooks.WithSourceTemplates(templates...),
		webhooks.WithRetryPolicy(policy),
		webhooks.WithHandlerTimeout(r.cfg.Webhooks.HandlerTimeout),
		webhooks.WithClaimLease(r.cfg.Webhooks.ClaimLease),
		webhooks.WithAsyncWorkers(r.cfg.Webhooks.AsyncWorkers),
		webhooks.WithObserver(r.observer),
		webhooks.WithRetryNotifier(gojob.NewRetryWakeup(options.enqueuer)),
		webhooks.WithClock(options.now),
	)
	return err
}

func (r *Runtime) buildScheduler(options *runtimeOptions) error {
	cfg := webhooks.SchedulerConfigFrom(r.cfg.Retry, r.cfg.Webhooks)
	cfg.Now = options.now
	scheduler, err := webhooks.NewScheduler(r.stores.Deliveries, r.dispatcher, cfg, r.observer)
	if err != nil {
		return err
	}
	r.scheduler = scheduler

	r.consumer, err = gojob.NewRetryConsumer(options.dequeuer, scheduler,
		gojob.WithRetryPolicy(gojob.WakeupPolicy(wakeupMaxAttempts, r.cfg.Retry.BaseDelay, r.cfg.Retry.MaxDelay)),
		gojob.WithWorkerHook(gojob.NewObserverHook(r.observer)),
		gojob.WithIdleInterval(r.cfg.Retry.PollInterval),
		gojob.WithConsumerClock(options.now),
		gojob.WithConsumerLogger(r.jobLogger),
	)
	return err
}

func (r *Runtime) buildIdempotency(options *runtimeOptions) error {
	store := r.stores.Idempotency
	cache := options.cache
	if cache == nil && r.cfg.Idempotency.CacheTTL > 0 {
		config := repositorycache.DefaultConfig()
		config.TTL = r.cfg.Idempotency.CacheTTL
		built, err := repositorycache.NewCacheService(config)
		if err != nil {
			return err
		}
		cache = built
	}
	if cache != nil {
		cached, err := sqlstore.NewCachedIdempotencyStore(store, cache)
		if err != nil {
			return err
		}
		store = cached
	}
	cfg := idempotency.ConfigFrom(r.cfg.Idempotency)
	cfg.Now = options.now
	service, err := idempotency.NewService(store, cfg, r.observer)
	if err != nil {
		return err
	}
	r.idempotency = service
	return nil
}

func (r *Runtime) buildLimiters(options *runtimeOptions) error {
	var windows ratelimit.WindowStore
	switch strings.ToLower(strings.TrimSpace(r.cfg.RateLimit.Store)) {
	case core.RateLimitStoreMemory:
		windows = ratelimit.NewMemoryWindowStore()
	default:
		windows = r.stores.RateLimitWindows
	}
	if windows == nil {
		return core.DependencyError("hooks: sql rate-limit store requires a window store")
	}
	var err error
	r.webhookLimiter, err = ratelimit.NewLimiter(windows, r.cfg.RateLimit.Webhooks,
		ratelimit.WithScope(scopeWebhooks),
		ratelimit.WithClock(options.now),
		ratelimit.WithObserver(r.observer),
	)
	if err != nil {
		return err
	}
	r.adminLimiter, err = ratelimit.NewLimiter(windows, r.cfg.RateLimit.Admin,
		ratelimit.WithScope(scopeAdmin),
		ratelimit.WithClock(options.now),
		ratelimit.WithObserver(r.observer),
	)
	return err
}

func (r *Runtime) buildFacade() *Facade {
	var letters query.DeadLetterByDelivery
	if byDelivery, ok := r.stores.DeadLetters.(query.DeadLetterByDelivery); ok {
		letters = byDelivery
	}
	return NewFacade(FacadeDependencies{
		Deliveries:      r.stores.Deliveries,
		DeadLetters:     r.stores.DeadLetters,
		ByDelivery:      letters,
		Scheduler:       r.scheduler,
		Idempotency:     r.idempotency,
		RateLimiters:    []hookscommand.RateLimitSweeper{r.webhookLimiter, r.adminLimiter},
		RetainProcessed: r.cfg.Retention.ProcessedAfter,
		Now:             r.now,
	})
}

func (r *Runtime) Config() Config                      { return r.cfg }
func (r *Runtime) Logger() core.Logger                 { return r.logger }
func (r *Runtime) Observer() *core.Observer            { return r.observer }
func (r *Runtime) Handlers() *webhooks.HandlerRegistry { return r.handlers }
func (r *Runtime) Dispatcher() *webhooks.Dispatcher    { return r.dispatcher }
func (r *Runtime) Scheduler() *webhooks.Scheduler      { return r.scheduler }
func (r *Runtime) Idempotency() *idempotency.Service   { return r.idempotency }
func (r *Runtime) WebhookLimiter() *ratelimit.Limiter  { return r.webhookLimiter }
func (r *Runtime) AdminLimiter() *ratelimit.Limiter    { return r.adminLimiter }
func (r *Runtime) RetryConsumer() *gojob.RetryConsumer { return r.consumer }
func (r *Runtime) Facade() *Facade                     { return r.facade }
func (r *Runtime) Sweeper() *Sweeper                   { return r.sweeper }
func (r *Runtime) WakeQueue() *gojob.MemoryQueue       { return r.wakeQueue }

// RegisterCommands exposes the facade's commands and queries on the
// go-command dispatcher.
func (r *Runtime) RegisterCommands(adapter *gocommand.RegistryAdapter) (*gocommand.Registration, error) {
	commands, queries := r.facade.Commands(), r.facade.Queries()
	return gocommand.RegisterHandlers(adapter, gocommand.Handlers{
		ResolveDeadLetter: commands.ResolveDeadLetter,
		RunRetryBatch:     commands.RunRetryBatch,
		SweepIdempotency:  commands.SweepIdempotency,
		PruneDeliveries:   commands.PruneDeliveries,
		SweepRateLimit:    commands.SweepRateLimit,
		GetDelivery:       queries.GetDelivery,
		ListDeadLetters:   queries.ListDeadLetters,
		GetDeadLetter:     queries.GetDeadLetter,
	})
}

// RunWorkers runs the retry scheduler, the wake-up consumer and the
// sweeper until ctx is done.
func (r *Runtime) RunWorkers(ctx context.Context) {
	var wg conc.WaitGroup
	wg.Go(func() { _ = r.scheduler.Run(ctx) })
	wg.Go(func() { _ = r.consumer.Run(ctx) })
	wg.Go(func() { r.sweeper.Run(ctx) })
	wg.Wait()
}

// Drain stops async handler runs from being accepted and waits for the
// ones in flight. Call it after the HTTP server stopped.
func (r *Runtime) Drain() {
	r.dispatcher.Close()
	if r.wakeQueue != nil {
		r.wakeQueue.Close()
	}
}
