package core

import (
	"context"
	"errors"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

var ErrNotFound = errors.New("core: record not found")

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// NopMetricsRecorder drops every data point. It is the default when no
// exporter is wired.
type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

// Handler runs the business side effect for one event. Returning an error
// marks the attempt failed; wrap it with Permanent to skip retries.
type Handler interface {
	Handle(ctx context.Context, eventType string, payload []byte) (Outcome, error)
}

type HandlerFunc func(ctx context.Context, eventType string, payload []byte) (Outcome, error)

func (f HandlerFunc) Handle(ctx context.Context, eventType string, payload []byte) (Outcome, error) {
	return f(ctx, eventType, payload)
}

type ReceiveInput struct {
	Source          string
	EventType       string
	ExternalEventID string
	Payload         []byte
	Headers         map[string]string
	Signature       string
	ReceivedAt      time.Time
	Lease           time.Duration
}

type CompleteInput struct {
	DeliveryID  string
	ClaimID     string
	ScheduledAt time.Time
	ExecutedAt  time.Time
	Duration    time.Duration
}

type FailInput struct {
	DeliveryID  string
	ClaimID     string
	ScheduledAt time.Time
	ExecutedAt  time.Time
	Cause       error
	Permanent   bool
	MaxAttempts int
	RetryAt     time.Time
}

type FailResult struct {
	AttemptNumber int
	DeadLettered  bool
	DeadLetterID  string
	RetryAt       *time.Time
}

// DeliveryStore is the webhook event store. Unique violations on
// (source, external_event_id) surface as created=false, never as errors.
type DeliveryStore interface {
	Lookup(ctx context.Context, source string, externalEventID string) (Delivery, error)
	Get(ctx context.Context, id string) (Delivery, error)
	Receive(ctx context.Context, in ReceiveInput) (Delivery, bool, error)
	Claim(ctx context.Context, id string, lease time.Duration) (Delivery, bool, error)
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Delivery, error)
	Complete(ctx context.Context, in CompleteInput) error
	Fail(ctx context.Context, in FailInput) (FailResult, error)
	ListAttempts(ctx context.Context, deliveryID string) ([]RetryAttempt, error)
	PruneProcessed(ctx context.Context, before time.Time) (int, error)
}

type DeadLetterStore interface {
	Insert(ctx context.Context, record DeadLetter) (DeadLetter, error)
	Get(ctx context.Context, id string) (DeadLetter, error)
	List(ctx context.Context, filter DeadLetterFilter) (DeadLetterPage, error)
	Resolve(ctx context.Context, id string, notes string, resolvedBy string) (DeadLetter, error)
}

// IdempotencyStore persists idempotency records. Insert reports
// inserted=false with the existing row when the key is taken. Complete and
// Release only act while lockToken still matches the placeholder; TakeOver
// installs a new token.
type IdempotencyStore interface {
	Insert(ctx context.Context, record IdempotencyRecord) (IdempotencyRecord, bool, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	Complete(ctx context.Context, key, lockToken string, response CachedResponse, completedAt time.Time) error
	TakeOver(ctx context.Context, key string, staleBefore time.Time, now time.Time, lockToken string) (bool, error)
	Release(ctx context.Context, key, lockToken string) error
	DeleteExpiredKey(ctx context.Context, key string, now time.Time) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
