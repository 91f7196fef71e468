package webhooks

import (
	"context"
	"time"

	"github.com/goliatone/go-hooks/core"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"
)

const (
	DefaultPollInterval = time.Second
	DefaultBatchSize    = 50
	DefaultWorkers      = 8
)

// DeliveryProcessor re-enters the dispatcher's processing path for a
// claimed delivery.
type DeliveryProcessor interface {
	Process(ctx context.Context, delivery core.Delivery) (ProcessResult, error)
}

type SchedulerConfig struct {
	PollInterval  time.Duration
	BatchSize     int
	Workers       int
	Lease         time.Duration
	RatePerSecond float64
	Now           func() time.Time
}

func SchedulerConfigFrom(retry core.RetryConfig, webhooks core.WebhooksConfig) SchedulerConfig {
	return SchedulerConfig{
		PollInterval:  retry.PollInterval,
		BatchSize:     retry.BatchSize,
		Workers:       retry.Workers,
		Lease:         webhooks.ClaimLease,
		RatePerSecond: retry.RatePerSecond,
	}
}

type BatchResult struct {
	Claimed      int
	Processed    int
	Failed       int
	DeadLettered int
	Errors       int
}

// Scheduler claims due retries and crashed in-flight deliveries and feeds
// them back through the processor. Several schedulers may poll the same
// store; the atomic claim keeps each row on one worker.
type Scheduler struct {
	store     core.DeliveryStore
	processor DeliveryProcessor
	cfg       SchedulerConfig
	limiter   *rate.Limiter
	observer  *core.Observer
	wake      chan struct{}
}

func NewScheduler(store core.DeliveryStore, processor DeliveryProcessor, cfg SchedulerConfig, observer *core.Observer) (*Scheduler, error) {
	if store == nil || processor == nil {
		return nil, core.DependencyError("webhooks: scheduler requires a delivery store and processor")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultClaimLease
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if observer == nil {
		observer = core.NewObserver(nil, nil)
	}
	s := &Scheduler{
		store:     store,
		processor: processor,
		cfg:       cfg,
		observer:  observer,
		wake:      make(chan struct{}, 1),
	}
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return s, nil
}

// RunOnce claims one batch of due deliveries and processes it in parallel.
func (s *Scheduler) RunOnce(ctx context.Context) (result BatchResult, err error) {
	startedAt := s.cfg.Now()
	defer func() {
		s.observer.Observe(ctx, startedAt, "retry_batch", err, map[string]any{
			"claimed":       result.Claimed,
			"processed":     result.Processed,
			"failed":        result.Failed,
			"dead_lettered": result.DeadLettered,
		})
	}()

	due, err := s.store.ClaimDue(ctx, startedAt, s.cfg.BatchSize, s.cfg.Lease)
	if err != nil {
		return result, err
	}
	result.Claimed = len(due)
	if len(due) == 0 {
		return result, nil
	}

	workers := pool.NewWithResults[ProcessResult]().WithMaxGoroutines(s.cfg.Workers)
	for _, delivery := range due {
		workers.Go(func() ProcessResult {
			if s.limiter != nil {
				if waitErr := s.limiter.Wait(ctx); waitErr != nil {
					// Left claimed; the lease expires and a later batch retries it.
					return ProcessResult{DeliveryID: delivery.ID, Err: waitErr}
				}
			}
			processed, processErr := s.processor.Process(ctx, delivery)
			if processErr != nil {
				s.observer.Error(ctx, "retry processing failed", map[string]any{
					"delivery_id": delivery.ID,
					"error":       processErr.Error(),
				})
				processed.Err = processErr
				processed.Status = ""
			}
			return processed
		})
	}
	for _, processed := range workers.Wait() {
		switch processed.Status {
		case core.DeliveryStatusProcessed:
			result.Processed++
		case core.DeliveryStatusFailed:
			result.Failed++
		case core.DeliveryStatusDeadLettered:
			result.DeadLettered++
		default:
			result.Errors++
		}
	}
	return result, nil
}

// Run polls until ctx is done. Wake shortens the wait before the next batch.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		for {
			batch, err := s.RunOnce(ctx)
			if err != nil || batch.Claimed < s.cfg.BatchSize || ctx.Err() != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
