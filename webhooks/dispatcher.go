package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-hooks/core"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultHandlerTimeout = 5 * time.Second
	DefaultClaimLease     = 30 * time.Second
	DefaultAsyncWorkers   = 16
)

// Receipt is what the HTTP edge reports back to the sender.
type Receipt struct {
	DeliveryID string
	Source     string
	EventType  string
	EventID    string
	Status     core.DeliveryStatus
	StatusCode int
	Duplicate  bool
}

// ProcessResult describes one handler invocation for a claimed delivery.
type ProcessResult struct {
	DeliveryID   string
	Attempt      int
	Status       core.DeliveryStatus
	RetryAt      *time.Time
	DeadLetterID string
	Err          error
}

// RetryNotifier is told when a failed delivery has a retry scheduled.
type RetryNotifier interface {
	RetryScheduled(ctx context.Context, delivery core.Delivery, attempt int, retryAt time.Time) error
}

type DispatcherOption func(*Dispatcher)

func WithSourceTemplates(templates ...SourceTemplate) DispatcherOption {
	return func(d *Dispatcher) {
		for _, template := range templates {
			source := normalizeSource(template.Source)
			if source == "" {
				continue
			}
			template.Source = source
			d.templates[source] = template
		}
	}
}

func WithRetryPolicy(policy RetryPolicy) DispatcherOption {
	return func(d *Dispatcher) { d.policy = policy.normalized() }
}

func WithHandlerTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.handlerTimeout = timeout
		}
	}
}

func WithClaimLease(lease time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if lease > 0 {
			d.lease = lease
		}
	}
}

// WithAsyncWorkers bounds the handler runs Ingest starts. A delivery that
// arrives while every worker is busy is not claimed; the scheduler picks it
// up once its receive lease lapses.
func WithAsyncWorkers(workers int) DispatcherOption {
	return func(d *Dispatcher) {
		if workers > 0 {
			d.workers = workers
		}
	}
}

func WithObserver(observer *core.Observer) DispatcherOption {
	return func(d *Dispatcher) {
		if observer != nil {
			d.observer = observer
		}
	}
}

func WithRetryNotifier(notifier RetryNotifier) DispatcherOption {
	return func(d *Dispatcher) { d.notifier = notifier }
}

func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// Dispatcher verifies, dedupes and persists inbound deliveries, then runs
// their handlers asynchronously. It keeps no correctness state in memory:
// duplicates and claims are decided by the DeliveryStore.
type Dispatcher struct {
	store          core.DeliveryStore
	handlers       *HandlerRegistry
	templates      map[string]SourceTemplate
	policy         RetryPolicy
	handlerTimeout time.Duration
	lease          time.Duration
	workers        int
	observer       *core.Observer
	notifier       RetryNotifier
	now            func() time.Time

	slots  *semaphore.Weighted
	mu     sync.RWMutex
	pool   *pool.Pool
	closed bool
}

func NewDispatcher(store core.DeliveryStore, handlers *HandlerRegistry, opts ...DispatcherOption) (*Dispatcher, error) {
	if store == nil {
		return nil, core.DependencyError("webhooks: dispatcher requires a delivery store")
	}
	if handlers == nil {
		handlers = NewHandlerRegistry()
	}
	d := &Dispatcher{
		store:          store,
		handlers:       handlers,
		templates:      map[string]SourceTemplate{},
		policy:         DefaultRetryPolicy(),
		handlerTimeout: DefaultHandlerTimeout,
		lease:          DefaultClaimLease,
		workers:        DefaultAsyncWorkers,
		observer:       core.NewObserver(nil, nil),
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.lease <= d.handlerTimeout {
		d.lease = d.handlerTimeout + DefaultClaimLease
	}
	d.slots = semaphore.NewWeighted(int64(d.workers))
	d.pool = d.newPool()
	return d, nil
}

func (d *Dispatcher) Policy() RetryPolicy {
	return d.policy
}

func (d *Dispatcher) Lease() time.Duration {
	return d.lease
}

func (d *Dispatcher) Sources() []string {
	sources := make([]string, 0, len(d.templates))
	for source := range d.templates {
		sources = append(sources, source)
	}
	return sources
}

func (d *Dispatcher) HasSource(source string) bool {
	_, ok := d.templates[normalizeSource(source)]
	return ok
}

// Ingest accepts one inbound delivery. The returned receipt is final for the
// sender; handler failures after acceptance are retried internally.
func (d *Dispatcher) Ingest(ctx context.Context, req core.InboundRequest) (receipt Receipt, err error) {
	startedAt := d.now()
	source := normalizeSource(req.Source)
	fields := map[string]any{"source": source}
	defer func() {
		if receipt.DeliveryID != "" {
			fields["delivery_id"] = receipt.DeliveryID
		}
		if receipt.EventType != "" {
			fields["event_type"] = receipt.EventType
		}
		fields["outcome"] = ingestOutcome(receipt, err)
		d.observer.Observe(ctx, startedAt, "ingest", err, fields)
	}()

	template, ok := d.templates[source]
	if !ok {
		return Receipt{Source: source, StatusCode: http.StatusNotFound}, core.NewError(
			"unknown webhook source", goerrors.CategoryNotFound, http.StatusNotFound,
			core.ErrorSourceUnknown, map[string]any{"source": source},
		)
	}
	req.Source = source
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = startedAt
	}

	if template.Verifier == nil {
		return Receipt{Source: source, StatusCode: http.StatusInternalServerError},
			core.DependencyError("webhooks: source has no signature verifier")
	}
	if verifyErr := template.Verifier.Verify(ctx, req); verifyErr != nil {
		status := template.rejectStatus()
		if errors.Is(verifyErr, ErrMalformedSignature) {
			status = http.StatusBadRequest
		}
		rejected := core.SignatureInvalid(verifyErr, map[string]any{"source": source})
		rejected.Code = status
		return Receipt{Source: source, StatusCode: status}, rejected
	}

	extract := template.Extract
	if extract == nil {
		extract = ChainEventExtractors(JSONEventExtractor([]string{"id"}, []string{"type"}))
	}
	ref, err := extract(req)
	if err != nil {
		return Receipt{Source: source, StatusCode: http.StatusBadRequest},
			core.BadInput(err.Error(), map[string]any{"source": source})
	}
	receipt = Receipt{
		Source:     source,
		EventType:  ref.EventType,
		EventID:    ref.ExternalEventID,
		StatusCode: http.StatusOK,
	}

	existing, err := d.store.Lookup(ctx, source, ref.ExternalEventID)
	switch {
	case err == nil:
		receipt.DeliveryID = existing.ID
		receipt.Status = existing.Status
		receipt.Duplicate = true
		return receipt, nil
	case !errors.Is(err, core.ErrNotFound):
		receipt.StatusCode = http.StatusInternalServerError
		return receipt, err
	}

	delivery, created, err := d.store.Receive(ctx, core.ReceiveInput{
		Source:          source,
		EventType:       ref.EventType,
		ExternalEventID: ref.ExternalEventID,
		Payload:         req.Body,
		Headers:         req.Headers,
		Signature:       signatureOf(template, req),
		ReceivedAt:      req.ReceivedAt,
		Lease:           d.lease,
	})
	if err != nil {
		receipt.StatusCode = http.StatusInternalServerError
		return receipt, err
	}
	receipt.DeliveryID = delivery.ID
	receipt.Status = delivery.Status
	if !created {
		receipt.Duplicate = true
		return receipt, nil
	}

	if !d.slots.TryAcquire(1) {
		d.observer.Warn(ctx, "async workers busy; delivery left for scheduler", map[string]any{
			"delivery_id": delivery.ID,
			"source":      source,
		})
		return receipt, nil
	}
	claimed, ok, err := d.store.Claim(ctx, delivery.ID, d.lease)
	if err != nil {
		d.slots.Release(1)
		// The row is persisted and its lease will expire; the scheduler
		// picks it up, so the sender still gets a 200.
		d.observer.Warn(ctx, "claim after receive failed", map[string]any{
			"delivery_id": delivery.ID,
			"source":      source,
			"error":       err.Error(),
		})
		return receipt, nil
	}
	if !ok {
		d.slots.Release(1)
		return receipt, nil
	}
	if !d.submit(ctx, claimed) {
		d.slots.Release(1)
		d.observer.Warn(ctx, "dispatcher closed; delivery left for scheduler", map[string]any{
			"delivery_id": delivery.ID,
			"source":      source,
		})
	}
	return receipt, nil
}

// Process runs the handler for a claimed delivery and records the outcome.
func (d *Dispatcher) Process(ctx context.Context, delivery core.Delivery) (result ProcessResult, err error) {
	startedAt := d.now()
	attempt := delivery.NextAttempt()
	result = ProcessResult{DeliveryID: delivery.ID, Attempt: attempt}
	fields := map[string]any{
		"delivery_id": delivery.ID,
		"source":      delivery.Source,
		"event_type":  delivery.EventType,
		"attempt":     attempt,
	}
	defer func() {
		fields["outcome"] = string(result.Status)
		d.observer.Observe(ctx, startedAt, "process", err, fields)
	}()

	if strings.TrimSpace(delivery.ClaimID) == "" {
		return result, core.BadInput("webhooks: delivery must be claimed before processing",
			map[string]any{"delivery_id": delivery.ID})
	}

	scheduledAt := delivery.ReceivedAt
	if delivery.RetryAt != nil {
		scheduledAt = *delivery.RetryAt
	}

	var (
		outcome   core.Outcome
		handleErr error
	)
	handler, ok := d.handlers.Lookup(delivery.Source, delivery.EventType)
	if !ok {
		handleErr = core.Permanent(fmt.Errorf("webhooks: no handler registered for %s/%s",
			delivery.Source, delivery.EventType))
	} else {
		outcome, handleErr = d.invoke(ctx, handler, delivery)
	}
	executedAt := d.now()

	if handleErr == nil {
		err = d.store.Complete(ctx, core.CompleteInput{
			DeliveryID:  delivery.ID,
			ClaimID:     delivery.ClaimID,
			ScheduledAt: scheduledAt,
			ExecutedAt:  executedAt,
			Duration:    executedAt.Sub(startedAt),
		})
		if err != nil {
			return result, err
		}
		result.Status = core.DeliveryStatusProcessed
		if len(outcome.Metadata) > 0 {
			d.observer.Debug(ctx, "handler outcome", mergeFields(fields, outcome.Metadata))
		}
		return result, nil
	}

	classified := core.ClassifyHandlerError(handleErr, map[string]any{
		"delivery_id": delivery.ID,
		"attempt":     attempt,
	})
	permanent := core.IsPermanent(handleErr)
	retryAt := executedAt.Add(d.policy.NextDelay(attempt))
	failed, err := d.store.Fail(ctx, core.FailInput{
		DeliveryID:  delivery.ID,
		ClaimID:     delivery.ClaimID,
		ScheduledAt: scheduledAt,
		ExecutedAt:  executedAt,
		Cause:       classified,
		Permanent:   permanent,
		MaxAttempts: d.policy.MaxAttempts,
		RetryAt:     retryAt,
	})
	if err != nil {
		return result, err
	}
	result.Attempt = failed.AttemptNumber
	result.Err = classified

	if failed.DeadLettered {
		result.Status = core.DeliveryStatusDeadLettered
		result.DeadLetterID = failed.DeadLetterID
		var cause error = classified
		if !permanent {
			cause = core.RetryBudgetExhausted(delivery.ID, failed.AttemptNumber, classified)
		}
		d.observer.Observe(ctx, executedAt, "dead_letter", cause, map[string]any{
			"delivery_id":    delivery.ID,
			"dead_letter_id": failed.DeadLetterID,
			"source":         delivery.Source,
			"event_type":     delivery.EventType,
			"attempts":       failed.AttemptNumber,
		})
		return result, nil
	}

	result.Status = core.DeliveryStatusFailed
	result.RetryAt = failed.RetryAt
	if d.notifier != nil && failed.RetryAt != nil {
		if notifyErr := d.notifier.RetryScheduled(ctx, delivery, failed.AttemptNumber+1, *failed.RetryAt); notifyErr != nil {
			d.observer.Warn(ctx, "retry notification failed", map[string]any{
				"delivery_id": delivery.ID,
				"error":       notifyErr.Error(),
			})
		}
	}
	return result, nil
}

// Wait blocks until every submitted handler run has finished. The
// dispatcher keeps accepting work afterwards.
func (d *Dispatcher) Wait() {
	d.mu.Lock()
	current := d.pool
	d.pool = d.newPool()
	d.mu.Unlock()
	current.Wait()
}

// Close stops accepting async work and drains what is running. Deliveries
// claimed after Close stay leased and are recovered by the scheduler.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	current := d.pool
	d.mu.Unlock()
	current.Wait()
}

// submit hands a claimed delivery to the pool. The caller holds a worker
// slot, which the run releases.
func (d *Dispatcher) submit(ctx context.Context, delivery core.Delivery) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	detached := context.WithoutCancel(ctx)
	d.pool.Go(func() {
		defer d.slots.Release(1)
		_, _ = d.Process(detached, delivery)
	})
	return true
}

// invoke runs the handler under the configured timeout. A handler that
// ignores its context is abandoned once the deadline passes.
func (d *Dispatcher) invoke(ctx context.Context, handler core.Handler, delivery core.Delivery) (core.Outcome, error) {
	handlerCtx, cancel := context.WithTimeout(ctx, d.handlerTimeout)
	defer cancel()

	type handled struct {
		outcome core.Outcome
		err     error
	}
	done := make(chan handled, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- handled{err: fmt.Errorf("webhooks: handler panic: %v", recovered)}
			}
		}()
		outcome, err := handler.Handle(handlerCtx, delivery.EventType, delivery.Payload)
		done <- handled{outcome: outcome, err: err}
	}()

	select {
	case res := <-done:
		return res.outcome, res.err
	case <-handlerCtx.Done():
		return core.Outcome{}, handlerCtx.Err()
	}
}

func (d *Dispatcher) newPool() *pool.Pool {
	return pool.New()
}

func signatureOf(template SourceTemplate, req core.InboundRequest) string {
	switch verifier := template.Verifier.(type) {
	case HexHMACVerifier:
		return headerValue(req.Headers, verifier.header())
	case TimestampedHMACVerifier:
		return headerValue(req.Headers, verifier.header())
	default:
		return ""
	}
}

func ingestOutcome(receipt Receipt, err error) string {
	switch {
	case err != nil && receipt.StatusCode == http.StatusNotFound:
		return "unknown_source"
	case err != nil && receipt.StatusCode < http.StatusInternalServerError:
		return "rejected"
	case err != nil:
		return "error"
	case receipt.Duplicate:
		return "duplicate"
	default:
		return "accepted"
	}
}

func mergeFields(base map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for key, value := range extra {
		out[key] = value
	}
	for key, value := range base {
		out[key] = value
	}
	return out
}
