package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type deliveryRecord struct {
	bun.BaseModel `bun:"table:webhook_deliveries,alias:wd"`

	ID                   string            `bun:"id,pk"`
	Source               string            `bun:"source,notnull"`
	EventType            string            `bun:"event_type,notnull"`
	ExternalEventID      string            `bun:"external_event_id,notnull"`
	Payload              []byte            `bun:"payload,notnull"`
	Headers              map[string]string `bun:"headers,type:jsonb,notnull"`
	Signature            string            `bun:"signature,notnull"`
	Status               string            `bun:"status,notnull"`
	Attempts             int               `bun:"attempts,notnull"`
	RetryAt              *time.Time        `bun:"retry_at,nullzero"`
	ClaimID              string            `bun:"claim_id,nullzero"`
	ClaimedUntil         *time.Time        `bun:"claimed_until,nullzero"`
	Error                string            `bun:"error,notnull"`
	ReceivedAt           time.Time         `bun:"received_at,notnull"`
	ProcessedAt          *time.Time        `bun:"processed_at,nullzero"`
	ProcessingDurationMS int64             `bun:"processing_duration_ms,notnull"`
	UpdatedAt            time.Time         `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type retryAttemptRecord struct {
	bun.BaseModel `bun:"table:webhook_retry_attempts,alias:wra"`

	ID            string    `bun:"id,pk"`
	DeliveryID    string    `bun:"delivery_id,notnull"`
	AttemptNumber int       `bun:"attempt_number,notnull"`
	ScheduledAt   time.Time `bun:"scheduled_at,notnull"`
	ExecutedAt    time.Time `bun:"executed_at,notnull"`
	Success       bool      `bun:"success,notnull"`
	ErrorMessage  string    `bun:"error_message,notnull"`
}

type deadLetterRecord struct {
	bun.BaseModel `bun:"table:webhook_dead_letters,alias:wdl"`

	ID              string     `bun:"id,pk"`
	DeliveryID      string     `bun:"delivery_id,notnull"`
	Source          string     `bun:"source,notnull"`
	EventType       string     `bun:"event_type,notnull"`
	ExternalEventID string     `bun:"external_event_id,notnull"`
	Payload         []byte     `bun:"payload,notnull"`
	FinalError      string     `bun:"final_error,notnull"`
	TotalAttempts   int        `bun:"total_attempts,notnull"`
	Resolved        bool       `bun:"resolved,notnull"`
	ResolutionNotes string     `bun:"resolution_notes,notnull"`
	ResolvedBy      string     `bun:"resolved_by,notnull"`
	ResolvedAt      *time.Time `bun:"resolved_at,nullzero"`
	CreatedAt       time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type idempotencyRecord struct {
	bun.BaseModel `bun:"table:idempotency_records,alias:ir"`

	Key                 string     `bun:"idempotency_key,pk"`
	OperationType       string     `bun:"operation_type,notnull"`
	Requester           string     `bun:"requester,notnull"`
	RequestHash         string     `bun:"request_hash,notnull"`
	LockToken           string     `bun:"lock_token,notnull"`
	ResponseStatus      *int       `bun:"response_status"`
	ResponseContentType string     `bun:"response_content_type,notnull"`
	ResponseBody        []byte     `bun:"response_body"`
	LockedAt            time.Time  `bun:"locked_at,notnull"`
	CompletedAt         *time.Time `bun:"completed_at,nullzero"`
	CreatedAt           time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	ExpiresAt           time.Time  `bun:"expires_at,notnull"`
}

// rateLimitWindowRecord stores the hit log as unix nanoseconds.
type rateLimitWindowRecord struct {
	bun.BaseModel `bun:"table:rate_limit_windows,alias:rlw"`

	Key       string    `bun:"window_key,pk"`
	Hits      []int64   `bun:"hits,type:jsonb,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}
