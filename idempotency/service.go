package idempotency

import (
	"context"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-hooks/core"
	"github.com/google/uuid"
)

const (
	DefaultTTL         = 24 * time.Hour
	DefaultLockTimeout = time.Minute
	maxKeyLength       = 255
)

type Outcome string

const (
	// OutcomeFresh means the caller owns the key and must Complete or Release it
	// with Decision.LockToken.
	OutcomeFresh    Outcome = "fresh"
	OutcomeCached   Outcome = "cached"
	OutcomeConflict Outcome = "conflict"
	OutcomeInFlight Outcome = "in_flight"
)

type BeginRequest struct {
	Key           string
	OperationType string
	Requester     string
	RequestHash   string
}

type Decision struct {
	Outcome    Outcome
	Record     core.IdempotencyRecord
	Response   *core.CachedResponse
	RetryAfter time.Duration
	// LockToken is set for OutcomeFresh only.
	LockToken string
}

// Err returns the client-facing error for Conflict and InFlight decisions.
func (d Decision) Err() error {
	switch d.Outcome {
	case OutcomeConflict:
		return core.IdempotencyConflict(d.Record.Key)
	case OutcomeInFlight:
		return core.IdempotencyInFlight(d.Record.Key)
	default:
		return nil
	}
}

type Config struct {
	TTL         time.Duration
	LockTimeout time.Duration
	Now         func() time.Time
}

func ConfigFrom(cfg core.IdempotencyConfig) Config {
	return Config{TTL: cfg.TTL, LockTimeout: cfg.LockTimeout}
}

// Service guards mutating operations with client supplied keys. The store's
// unique constraint on key is the only serialization point.
type Service struct {
	store       core.IdempotencyStore
	ttl         time.Duration
	lockTimeout time.Duration
	now         func() time.Time
	observer    *core.Observer
}

func NewService(store core.IdempotencyStore, cfg Config, observer *core.Observer) (*Service, error) {
	if store == nil {
		return nil, core.DependencyError("idempotency: store is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if observer == nil {
		observer = core.NewObserver(nil, nil)
	}
	return &Service{
		store:       store,
		ttl:         cfg.TTL,
		lockTimeout: cfg.LockTimeout,
		now:         cfg.Now,
		observer:    observer,
	}, nil
}

func (s *Service) Begin(ctx context.Context, req BeginRequest) (decision Decision, err error) {
	startedAt := s.now()
	req.Key = strings.TrimSpace(req.Key)
	defer func() {
		s.observer.Observe(ctx, startedAt, "idempotency_begin", err, map[string]any{
			"idempotency_key": req.Key,
			"operation_type":  req.OperationType,
			"outcome":         string(decision.Outcome),
		})
	}()

	if err := validateBegin(req); err != nil {
		return Decision{}, err
	}

	record := core.IdempotencyRecord{
		Key:           req.Key,
		OperationType: strings.TrimSpace(req.OperationType),
		Requester:     strings.TrimSpace(req.Requester),
		RequestHash:   req.RequestHash,
		LockToken:     uuid.NewString(),
		LockedAt:      startedAt,
		CreatedAt:     startedAt,
		ExpiresAt:     startedAt.Add(s.ttl),
	}

	for try := 0; try < 2; try++ {
		existing, inserted, insertErr := s.store.Insert(ctx, record)
		if insertErr != nil {
			return Decision{}, insertErr
		}
		if inserted {
			return Decision{Outcome: OutcomeFresh, Record: record, LockToken: record.LockToken}, nil
		}
		if try == 0 && existing.Expired(startedAt) {
			if _, deleteErr := s.store.DeleteExpiredKey(ctx, req.Key, startedAt); deleteErr != nil {
				return Decision{}, deleteErr
			}
			continue
		}
		return s.decide(ctx, existing, record, startedAt)
	}
	return Decision{Outcome: OutcomeInFlight, Record: record, RetryAfter: time.Second}, nil
}

func (s *Service) decide(ctx context.Context, existing core.IdempotencyRecord, wanted core.IdempotencyRecord, now time.Time) (Decision, error) {
	if existing.RequestHash != wanted.RequestHash ||
		!strings.EqualFold(existing.OperationType, wanted.OperationType) ||
		existing.Requester != wanted.Requester {
		return Decision{Outcome: OutcomeConflict, Record: existing}, nil
	}
	if existing.Completed() {
		existing.LockToken = ""
		return Decision{Outcome: OutcomeCached, Record: existing, Response: existing.Response}, nil
	}

	staleBefore := now.Add(-s.lockTimeout)
	if !existing.LockedAt.After(staleBefore) {
		took, err := s.store.TakeOver(ctx, existing.Key, staleBefore, now, wanted.LockToken)
		if err != nil {
			return Decision{}, err
		}
		if took {
			existing.LockedAt = now
			existing.LockToken = wanted.LockToken
			s.observer.Warn(ctx, "took over stale idempotency placeholder", map[string]any{
				"idempotency_key": existing.Key,
			})
			return Decision{Outcome: OutcomeFresh, Record: existing, LockToken: wanted.LockToken}, nil
		}
	}

	existing.LockToken = ""
	retryAfter := existing.LockedAt.Add(s.lockTimeout).Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return Decision{Outcome: OutcomeInFlight, Record: existing, RetryAfter: retryAfter}, nil
}

// Complete stores the response for a key obtained with OutcomeFresh. It
// fails with HOOKS_IDEMPOTENCY_LOCK_LOST once another request took the
// placeholder over.
func (s *Service) Complete(ctx context.Context, key, lockToken string, response core.CachedResponse) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return core.BadInput("idempotency: key is required", nil)
	}
	if response.StatusCode < 100 || response.StatusCode > 599 {
		return core.BadInput("idempotency: response status is invalid", map[string]any{"status": response.StatusCode})
	}
	return s.store.Complete(ctx, key, lockToken, response, s.now())
}

// Release drops an uncompleted placeholder so the client may retry after a
// server-side failure.
func (s *Service) Release(ctx context.Context, key, lockToken string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return s.store.Release(ctx, key, lockToken)
}

func (s *Service) ExpireSweep(ctx context.Context, now time.Time) (removed int, err error) {
	startedAt := s.now()
	defer func() {
		s.observer.Observe(ctx, startedAt, "sweep", err, map[string]any{
			"target":  "idempotency",
			"removed": removed,
		})
	}()
	if now.IsZero() {
		now = startedAt
	}
	return s.store.DeleteExpired(ctx, now)
}

func validateBegin(req BeginRequest) error {
	var fields []goerrors.FieldError
	if req.Key == "" {
		fields = append(fields, goerrors.FieldError{Field: "key", Message: "is required"})
	} else if len(req.Key) > maxKeyLength {
		fields = append(fields, goerrors.FieldError{Field: "key", Message: "must be at most 255 characters"})
	}
	if strings.TrimSpace(req.OperationType) == "" {
		fields = append(fields, goerrors.FieldError{Field: "operation_type", Message: "is required"})
	}
	if strings.TrimSpace(req.RequestHash) == "" {
		fields = append(fields, goerrors.FieldError{Field: "request_hash", Message: "is required"})
	}
	if len(fields) == 0 {
		return nil
	}
	return goerrors.NewValidation("idempotency: invalid request", fields...).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.ErrorBadInput)
}
