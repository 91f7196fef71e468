package gojob

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-hooks/core"
	"github.com/goliatone/go-hooks/webhooks"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

const (
	defaultIdleInterval = time.Second
	defaultMaxAttempts  = 5
)

// RetryWakeup enqueues a hooks.retry.dispatch message whenever the
// dispatcher schedules a retry. Queues that support scheduling hold the
// message until retry_at; the key is delivery id + attempt so one
// scheduled retry never yields two wake-ups on a deduplicating queue.
type RetryWakeup struct {
	enqueuer queue.Enqueuer
}

func NewRetryWakeup(enqueuer queue.Enqueuer) *RetryWakeup {
	return &RetryWakeup{enqueuer: enqueuer}
}

func (w *RetryWakeup) RetryScheduled(ctx context.Context, delivery core.Delivery, attempt int, retryAt time.Time) error {
	if w == nil || w.enqueuer == nil {
		return fmt.Errorf("gojob: retry wake-up enqueuer is not configured")
	}
	msg := RetryDispatchMessage(delivery, attempt, retryAt)
	var err error
	if scheduled, ok := w.enqueuer.(queue.ScheduledEnqueuer); ok && !retryAt.IsZero() {
		_, err = scheduled.EnqueueAt(ctx, msg, retryAt)
	} else {
		_, err = w.enqueuer.Enqueue(ctx, msg)
	}
	if err != nil {
		return fmt.Errorf("gojob: enqueue retry wake-up for %s: %w", delivery.ID, err)
	}
	return nil
}

func RetryDispatchMessage(delivery core.Delivery, attempt int, retryAt time.Time) *job.ExecutionMessage {
	return &job.ExecutionMessage{
		JobID:      JobIDRetryDispatch,
		ScriptPath: JobIDRetryDispatch,
		Parameters: map[string]any{
			"delivery_id": delivery.ID,
			"source":      delivery.Source,
			"attempt":     attempt,
			"retry_at":    retryAt.UTC().Format(time.RFC3339Nano),
		},
		IdempotencyKey: RetryDispatchKey(delivery.ID, attempt),
		DedupPolicy:    job.DedupPolicyDrop,
	}
}

func RetryDispatchKey(deliveryID string, attempt int) string {
	return strings.TrimSpace(deliveryID) + ":" + strconv.Itoa(attempt)
}

type BatchRunner interface {
	RunOnce(ctx context.Context) (webhooks.BatchResult, error)
}

type ConsumerOption func(*RetryConsumer)

func WithWorkerHook(hook worker.Hook) ConsumerOption {
	return func(c *RetryConsumer) {
		if hook != nil {
			c.hook = hook
		}
	}
}

// WithRetryPolicy decides how a failed batch nacks its wake-up.
func WithRetryPolicy(policy worker.RetryPolicy) ConsumerOption {
	return func(c *RetryConsumer) {
		if policy != nil {
			c.policy = policy
		}
	}
}

// WithIdleInterval sets the pause after an empty or failed dequeue.
func WithIdleInterval(interval time.Duration) ConsumerOption {
	return func(c *RetryConsumer) {
		if interval > 0 {
			c.idle = interval
		}
	}
}

func WithConsumerClock(now func() time.Time) ConsumerOption {
	return func(c *RetryConsumer) {
		if now != nil {
			c.now = now
		}
	}
}

// WithConsumerLogger reports dequeue and nack failures the worker hook
// never sees.
func WithConsumerLogger(logger job.Logger) ConsumerOption {
	return func(c *RetryConsumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// RetryConsumer drains wake-up messages and runs one scheduler batch per
// due message. Acked after the batch; a failed batch is nacked as the
// retry policy decides, using the queue's attempt counter. The
// scheduler's own polling stays authoritative; a lost wake-up only
// delays a retry until the next poll.
type RetryConsumer struct {
	dequeuer queue.Dequeuer
	runner   BatchRunner
	policy   worker.RetryPolicy
	hook     worker.Hook
	idle     time.Duration
	now      func() time.Time
	logger   job.Logger
}

func NewRetryConsumer(dequeuer queue.Dequeuer, runner BatchRunner, opts ...ConsumerOption) (*RetryConsumer, error) {
	if dequeuer == nil || runner == nil {
		return nil, core.DependencyError("gojob: retry consumer requires a dequeuer and batch runner")
	}
	c := &RetryConsumer{
		dequeuer: dequeuer,
		runner:   runner,
		policy:   WakeupPolicy(defaultMaxAttempts, time.Second, time.Minute),
		hook:     worker.HookFuncs{},
		idle:     defaultIdleInterval,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Run consumes until ctx is cancelled. Queues that return no delivery
// when empty are polled every idle interval.
func (c *RetryConsumer) Run(ctx context.Context) error {
	for {
		delivery, err := c.dequeuer.Dequeue(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.warn("retry wake-up dequeue failed", "error", err)
		}
		if err != nil || delivery == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.idle):
			}
			continue
		}
		_ = c.Handle(ctx, delivery)
	}
}

func (c *RetryConsumer) Handle(ctx context.Context, delivery queue.Delivery) error {
	msg := delivery.Message()
	if msg == nil || msg.JobID != JobIDRetryDispatch {
		c.warn("unsupported job dead-lettered", "job_id", jobID(msg))
		return delivery.Nack(ctx, deadLetter("unsupported job"))
	}
	if retryAt, ok := retryAtOf(msg); ok {
		if wait := retryAt.Sub(c.now()); wait > 0 {
			return delivery.Nack(ctx, retryLater(wait, "retry not due"))
		}
	}

	event := worker.Event{
		Delivery:  delivery,
		Message:   msg,
		Attempt:   deliveryAttempts(delivery),
		StartedAt: c.now(),
	}
	c.hook.OnStart(ctx, event)

	_, err := c.runner.RunOnce(ctx)
	event.Duration = c.now().Sub(event.StartedAt)
	if err == nil {
		c.hook.OnSuccess(ctx, event)
		return delivery.Ack(ctx)
	}

	opts := c.policy.Decide(event.Attempt, err)
	event.Err = err
	event.Delay = opts.Delay
	if opts.Disposition == queue.NackDispositionRetry {
		c.hook.OnRetry(ctx, event)
	} else {
		c.hook.OnFailure(ctx, event)
	}
	if nackErr := delivery.Nack(ctx, opts); nackErr != nil {
		c.warn("retry wake-up nack failed",
			"key", msg.IdempotencyKey,
			"attempt", event.Attempt,
			"disposition", string(opts.Disposition),
			"error", nackErr,
		)
		return nackErr
	}
	return err
}

func (c *RetryConsumer) warn(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, args...)
	}
}

func jobID(msg *job.ExecutionMessage) string {
	if msg == nil {
		return ""
	}
	return msg.JobID
}

func retryAtOf(msg *job.ExecutionMessage) (time.Time, bool) {
	raw, ok := msg.Parameters["retry_at"].(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return time.Time{}, false
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

// ObserverHook reports consumer events through the hooks observer.
type ObserverHook struct {
	observer *core.Observer
}

func NewObserverHook(observer *core.Observer) *ObserverHook {
	if observer == nil {
		observer = core.NewObserver(nil, nil)
	}
	return &ObserverHook{observer: observer}
}

func (h *ObserverHook) OnStart(ctx context.Context, event worker.Event) {
	h.observer.Debug(ctx, "retry wake-up started", eventFields(event))
}

func (h *ObserverHook) OnSuccess(ctx context.Context, event worker.Event) {
	h.observer.Observe(ctx, event.StartedAt, "retry_wakeup", nil, eventFields(event))
}

// OnFailure fires when the wake-up is given up on.
func (h *ObserverHook) OnFailure(ctx context.Context, event worker.Event) {
	h.observer.Observe(ctx, event.StartedAt, "retry_wakeup", event.Err, eventFields(event))
}

func (h *ObserverHook) OnRetry(ctx context.Context, event worker.Event) {
	fields := eventFields(event)
	fields["delay_ms"] = event.Delay.Milliseconds()
	if event.Err != nil {
		fields["error"] = event.Err.Error()
	}
	h.observer.Warn(ctx, "retry wake-up requeued", fields)
}

func eventFields(event worker.Event) map[string]any {
	fields := map[string]any{"attempt": event.Attempt}
	if event.Message != nil {
		fields["job_id"] = event.Message.JobID
		fields["idempotency_key"] = event.Message.IdempotencyKey
		if id, ok := event.Message.Parameters["delivery_id"]; ok {
			fields["delivery_id"] = id
		}
		if source, ok := event.Message.Parameters["source"]; ok {
			fields["source"] = source
		}
	}
	return fields
}

var (
	_ webhooks.RetryNotifier = (*RetryWakeup)(nil)
	_ worker.Hook            = (*ObserverHook)(nil)
)
