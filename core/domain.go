package core

import (
	"strings"
	"time"
)

type DeliveryStatus string

const (
	DeliveryStatusReceived     DeliveryStatus = "received"
	DeliveryStatusProcessing   DeliveryStatus = "processing"
	DeliveryStatusProcessed    DeliveryStatus = "processed"
	DeliveryStatusFailed       DeliveryStatus = "failed"
	DeliveryStatusDeadLettered DeliveryStatus = "dead_lettered"
)

// Terminal reports whether no further transition is allowed out of the status.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryStatusProcessed || s == DeliveryStatusDeadLettered
}

func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryStatusReceived,
		DeliveryStatusProcessing,
		DeliveryStatusProcessed,
		DeliveryStatusFailed,
		DeliveryStatusDeadLettered:
		return true
	default:
		return false
	}
}

// CanTransition encodes the monotonic delivery lifecycle:
// received -> processing -> processed|failed, failed -> processing|dead_lettered.
// A processing row may be reclaimed after its lease expired, and a failed
// processing attempt may dead-letter directly.
func (s DeliveryStatus) CanTransition(next DeliveryStatus) bool {
	switch s {
	case DeliveryStatusReceived:
		return next == DeliveryStatusProcessing
	case DeliveryStatusProcessing:
		return next == DeliveryStatusProcessing ||
			next == DeliveryStatusProcessed ||
			next == DeliveryStatusFailed ||
			next == DeliveryStatusDeadLettered
	case DeliveryStatusFailed:
		return next == DeliveryStatusProcessing || next == DeliveryStatusDeadLettered
	default:
		return false
	}
}

type Delivery struct {
	ID                 string
	Source             string
	EventType          string
	ExternalEventID    string
	Payload            []byte
	Headers            map[string]string
	Signature          string
	Status             DeliveryStatus
	Attempts           int
	RetryAt            *time.Time
	ClaimID            string
	ClaimedUntil       *time.Time
	Error              string
	ReceivedAt         time.Time
	ProcessedAt        *time.Time
	ProcessingDuration time.Duration
	UpdatedAt          time.Time
}

// NextAttempt is the attempt number the next handler invocation records.
func (d Delivery) NextAttempt() int {
	return d.Attempts + 1
}

type RetryAttempt struct {
	ID            string
	DeliveryID    string
	AttemptNumber int
	ScheduledAt   time.Time
	ExecutedAt    time.Time
	Success       bool
	ErrorMessage  string
}

type DeadLetter struct {
	ID              string
	DeliveryID      string
	Source          string
	EventType       string
	ExternalEventID string
	Payload         []byte
	FinalError      string
	TotalAttempts   int
	Resolved        bool
	ResolutionNotes string
	ResolvedBy      string
	ResolvedAt      *time.Time
	CreatedAt       time.Time
}

type DeadLetterFilter struct {
	Source   string
	Resolved *bool
	Limit    int
	Offset   int
}

func (f DeadLetterFilter) Normalize() DeadLetterFilter {
	f.Source = strings.TrimSpace(strings.ToLower(f.Source))
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

type DeadLetterPage struct {
	Items []DeadLetter
	Total int
}

type CachedResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

type IdempotencyRecord struct {
	Key           string
	OperationType string
	Requester     string
	RequestHash   string
	// LockToken identifies the current holder of an uncompleted placeholder.
	LockToken   string
	Response    *CachedResponse
	LockedAt    time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

func (r IdempotencyRecord) Completed() bool {
	return r.CompletedAt != nil && r.Response != nil
}

func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// InboundRequest is the raw delivery as received at the HTTP edge.
type InboundRequest struct {
	Source     string
	Headers    map[string]string
	Body       []byte
	RemoteAddr string
	ReceivedAt time.Time
}

// Outcome carries what a handler wants recorded. It never changes the
// delivery transitions beyond success or failure.
type Outcome struct {
	Metadata map[string]any
}
