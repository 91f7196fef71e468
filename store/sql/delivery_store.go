package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-hooks/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const maxAttemptRows = 500

// DeliveryStore persists webhook deliveries and their attempt log. Every
// transition is a conditional UPDATE on status and claim id.
type DeliveryStore struct {
	db       *bun.DB
	attempts repository.Repository[*retryAttemptRecord]
	letters  repository.Repository[*deadLetterRecord]
	now      func() time.Time
}

func NewDeliveryStore(db *bun.DB) (*DeliveryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	attempts := repository.NewRepository[*retryAttemptRecord](db, retryAttemptHandlers())
	if validator, ok := attempts.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid retry attempt repository wiring: %w", err)
		}
	}
	letters := repository.NewRepository[*deadLetterRecord](db, deadLetterHandlers())
	if validator, ok := letters.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid dead letter repository wiring: %w", err)
		}
	}
	return &DeliveryStore{
		db:       db,
		attempts: attempts,
		letters:  letters,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock replaces the clock used for claim leases and update stamps.
func (s *DeliveryStore) WithClock(now func() time.Time) *DeliveryStore {
	if s != nil && now != nil {
		s.now = func() time.Time { return now().UTC() }
	}
	return s
}

func (s *DeliveryStore) Lookup(ctx context.Context, source string, externalEventID string) (core.Delivery, error) {
	if s == nil || s.db == nil {
		return core.Delivery{}, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	source = strings.TrimSpace(strings.ToLower(source))
	externalEventID = strings.TrimSpace(externalEventID)
	record := &deliveryRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.source = ?", source).
		Where("?TableAlias.external_event_id = ?", externalEventID).
		Where("?TableAlias.status <> ?", string(core.DeliveryStatusDeadLettered)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.Delivery{}, notFound("delivery", source+"/"+externalEventID)
		}
		return core.Delivery{}, err
	}
	return record.toDomain(), nil
}

func (s *DeliveryStore) Get(ctx context.Context, id string) (core.Delivery, error) {
	if s == nil || s.db == nil {
		return core.Delivery{}, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	record, err := findDelivery(ctx, s.db, strings.TrimSpace(id), "")
	if err != nil {
		return core.Delivery{}, err
	}
	return record.toDomain(), nil
}

// Receive inserts a RECEIVED row. A unique violation on the live
// (source, external_event_id) pair returns the existing row with created=false.
func (s *DeliveryStore) Receive(ctx context.Context, in core.ReceiveInput) (core.Delivery, bool, error) {
	if s == nil || s.db == nil {
		return core.Delivery{}, false, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	in.Source = strings.TrimSpace(strings.ToLower(in.Source))
	in.ExternalEventID = strings.TrimSpace(in.ExternalEventID)
	if in.Source == "" || in.ExternalEventID == "" {
		return core.Delivery{}, false, core.BadInput("sqlstore: source and external event id are required", nil)
	}
	receivedAt := in.ReceivedAt.UTC()
	if in.ReceivedAt.IsZero() {
		receivedAt = s.now()
	}

	record := newDeliveryRecord(in, receivedAt)
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.Lookup(ctx, in.Source, in.ExternalEventID)
			if getErr != nil {
				return core.Delivery{}, false, getErr
			}
			return existing, false, nil
		}
		return core.Delivery{}, false, err
	}
	return record.toDomain(), true, nil
}

// Claim moves a RECEIVED row to PROCESSING under a fresh claim id. ok is
// false when another worker already moved it.
func (s *DeliveryStore) Claim(ctx context.Context, id string, lease time.Duration) (core.Delivery, bool, error) {
	if s == nil || s.db == nil {
		return core.Delivery{}, false, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	id = strings.TrimSpace(id)
	now := s.now()
	claimID := uuid.NewString()
	result, err := s.db.NewUpdate().
		Model((*deliveryRecord)(nil)).
		Set("status = ?", string(core.DeliveryStatusProcessing)).
		Set("claim_id = ?", claimID).
		Set("claimed_until = ?", now.Add(lease)).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status = ?", string(core.DeliveryStatusReceived)).
		Exec(ctx)
	if err != nil {
		return core.Delivery{}, false, err
	}
	record, err := findDelivery(ctx, s.db, id, "")
	if err != nil {
		return core.Delivery{}, false, err
	}
	if affected, _ := result.RowsAffected(); affected != 1 || record.ClaimID != claimID {
		return record.toDomain(), false, nil
	}
	return record.toDomain(), true, nil
}

// ClaimDue claims failed rows whose retry_at passed plus received or
// processing rows whose lease expired. PostgreSQL skips rows locked by
// concurrent schedulers.
func (s *DeliveryStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]core.Delivery, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	if limit <= 0 {
		return nil, nil
	}
	now = now.UTC()
	claimID := uuid.NewString()

	set := []any{string(core.DeliveryStatusProcessing), claimID, now.Add(lease), now}
	due := []any{
		string(core.DeliveryStatusFailed), now, now,
		string(core.DeliveryStatusReceived), string(core.DeliveryStatusProcessing), now,
		limit,
	}
	query, args := claimDueSQLite, append(append([]any{}, set...), due...)
	if isPostgres(s.db) {
		query, args = claimDuePostgres, append(append([]any{}, due...), set...)
	}
	var records []*deliveryRecord
	err := s.db.NewRaw(query, args...).Scan(ctx, &records)
	if err != nil && !isNoRows(err) {
		return nil, err
	}

	out := make([]core.Delivery, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

const claimDuePostgres = `
WITH due AS (
	SELECT id FROM webhook_deliveries
	WHERE (status = ? AND retry_at <= ? AND (claimed_until IS NULL OR claimed_until < ?))
	   OR (status IN (?, ?) AND claimed_until IS NOT NULL AND claimed_until < ?)
	ORDER BY COALESCE(retry_at, received_at) ASC
	LIMIT ?
	FOR UPDATE SKIP LOCKED
)
UPDATE webhook_deliveries AS wd
SET status = ?, claim_id = ?, claimed_until = ?, updated_at = ?
FROM due
WHERE wd.id = due.id
RETURNING wd.*`

const claimDueSQLite = `
UPDATE webhook_deliveries
SET status = ?, claim_id = ?, claimed_until = ?, updated_at = ?
WHERE id IN (
	SELECT id FROM webhook_deliveries
	WHERE (status = ? AND retry_at <= ? AND (claimed_until IS NULL OR claimed_until < ?))
	   OR (status IN (?, ?) AND claimed_until IS NOT NULL AND claimed_until < ?)
	ORDER BY COALESCE(retry_at, received_at) ASC
	LIMIT ?
)
RETURNING *`

// Complete records the successful attempt and marks the row PROCESSED.
func (s *DeliveryStore) Complete(ctx context.Context, in core.CompleteInput) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: delivery store is not configured")
	}
	now := s.now()
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findClaimed(ctx, tx, in.DeliveryID, in.ClaimID)
		if err != nil {
			return err
		}
		attempt := record.Attempts + 1
		if _, err := s.attempts.CreateTx(ctx, tx, &retryAttemptRecord{
			ID:            uuid.NewString(),
			DeliveryID:    record.ID,
			AttemptNumber: attempt,
			ScheduledAt:   in.ScheduledAt.UTC(),
			ExecutedAt:    in.ExecutedAt.UTC(),
			Success:       true,
		}); err != nil {
			return err
		}

		processedAt := in.ExecutedAt.UTC()
		if processedAt.IsZero() {
			processedAt = now
		}
		result, err := tx.NewUpdate().
			Model((*deliveryRecord)(nil)).
			Set("status = ?", string(core.DeliveryStatusProcessed)).
			Set("attempts = ?", attempt).
			Set("processed_at = ?", processedAt).
			Set("processing_duration_ms = ?", in.Duration.Milliseconds()).
			Set("error = ''").
			Set("retry_at = NULL").
			Set("claim_id = NULL").
			Set("claimed_until = NULL").
			Set("updated_at = ?", now).
			Where("id = ?", record.ID).
			Where("claim_id = ?", in.ClaimID).
			Where("status = ?", string(core.DeliveryStatusProcessing)).
			Exec(ctx)
		if err != nil {
			return err
		}
		return requireOneRow(result, in.DeliveryID, in.ClaimID)
	})
}

// Fail records the failed attempt. The delivery either returns to FAILED
// with retry_at or, when permanent or out of budget, is dead-lettered with
// its snapshot in the same transaction.
func (s *DeliveryStore) Fail(ctx context.Context, in core.FailInput) (core.FailResult, error) {
	if s == nil || s.db == nil {
		return core.FailResult{}, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	message := ""
	if in.Cause != nil {
		message = in.Cause.Error()
	}
	now := s.now()

	var out core.FailResult
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findClaimed(ctx, tx, in.DeliveryID, in.ClaimID)
		if err != nil {
			return err
		}
		attempt := record.Attempts + 1
		if _, err := s.attempts.CreateTx(ctx, tx, &retryAttemptRecord{
			ID:            uuid.NewString(),
			DeliveryID:    record.ID,
			AttemptNumber: attempt,
			ScheduledAt:   in.ScheduledAt.UTC(),
			ExecutedAt:    in.ExecutedAt.UTC(),
			ErrorMessage:  message,
		}); err != nil {
			return err
		}
		out = core.FailResult{AttemptNumber: attempt}

		update := tx.NewUpdate().
			Model((*deliveryRecord)(nil)).
			Set("attempts = ?", attempt).
			Set("error = ?", message).
			Set("claim_id = NULL").
			Set("claimed_until = NULL").
			Set("updated_at = ?", now).
			Where("id = ?", record.ID).
			Where("claim_id = ?", in.ClaimID).
			Where("status = ?", string(core.DeliveryStatusProcessing))

		if in.Permanent || attempt >= maxAttempts {
			update = update.
				Set("status = ?", string(core.DeliveryStatusDeadLettered)).
				Set("retry_at = NULL")
			result, err := update.Exec(ctx)
			if err != nil {
				return err
			}
			if err := requireOneRow(result, in.DeliveryID, in.ClaimID); err != nil {
				return err
			}
			letter := newDeadLetterRecord(record, attempt, message, now)
			if _, err := s.letters.CreateTx(ctx, tx, letter); err != nil {
				return err
			}
			out.DeadLettered = true
			out.DeadLetterID = letter.ID
			return nil
		}

		retryAt := in.RetryAt.UTC()
		update = update.
			Set("status = ?", string(core.DeliveryStatusFailed)).
			Set("retry_at = ?", retryAt)
		result, err := update.Exec(ctx)
		if err != nil {
			return err
		}
		if err := requireOneRow(result, in.DeliveryID, in.ClaimID); err != nil {
			return err
		}
		out.RetryAt = &retryAt
		return nil
	})
	if err != nil {
		return core.FailResult{}, err
	}
	return out, nil
}

func (s *DeliveryStore) ListAttempts(ctx context.Context, deliveryID string) ([]core.RetryAttempt, error) {
	if s == nil || s.attempts == nil {
		return nil, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	records, _, err := s.attempts.List(ctx,
		repository.SelectBy("delivery_id", "=", strings.TrimSpace(deliveryID)),
		repository.OrderBy("attempt_number ASC"),
		repository.SelectPaginate(maxAttemptRows, 0),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.RetryAttempt, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// PruneProcessed deletes processed rows older than before. Their attempt
// rows cascade.
func (s *DeliveryStore) PruneProcessed(ctx context.Context, before time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: delivery store is not configured")
	}
	var removed int
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		ids := tx.NewSelect().
			Model((*deliveryRecord)(nil)).
			Column("id").
			Where("status = ?", string(core.DeliveryStatusProcessed)).
			Where("processed_at < ?", before.UTC())
		if _, err := tx.NewDelete().
			Model((*retryAttemptRecord)(nil)).
			Where("delivery_id IN (?)", ids).
			Exec(ctx); err != nil {
			return err
		}
		result, err := tx.NewDelete().
			Model((*deliveryRecord)(nil)).
			Where("status = ?", string(core.DeliveryStatusProcessed)).
			Where("processed_at < ?", before.UTC()).
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, _ := result.RowsAffected()
		removed = int(affected)
		return nil
	})
	return removed, err
}

func findDelivery(ctx context.Context, db bun.IDB, id string, claimID string) (*deliveryRecord, error) {
	record := &deliveryRecord{}
	query := db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id)
	if claimID != "" {
		query = query.Where("?TableAlias.claim_id = ?", claimID)
	}
	if err := query.Limit(1).Scan(ctx); err != nil {
		if isNoRows(err) {
			return nil, notFound("delivery", id)
		}
		return nil, err
	}
	return record, nil
}

// findClaimed loads the row only while the caller still holds its claim.
func findClaimed(ctx context.Context, tx bun.Tx, deliveryID string, claimID string) (*deliveryRecord, error) {
	deliveryID = strings.TrimSpace(deliveryID)
	claimID = strings.TrimSpace(claimID)
	if deliveryID == "" || claimID == "" {
		return nil, core.BadInput("sqlstore: delivery id and claim id are required", nil)
	}
	record := &deliveryRecord{}
	query := tx.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", deliveryID).
		Where("?TableAlias.claim_id = ?", claimID).
		Where("?TableAlias.status = ?", string(core.DeliveryStatusProcessing))
	if isPostgres(tx) {
		query = query.For("UPDATE")
	}
	if err := query.Limit(1).Scan(ctx); err != nil {
		if isNoRows(err) {
			return nil, staleClaim(deliveryID, claimID)
		}
		return nil, err
	}
	return record, nil
}

type rowsAffected interface {
	RowsAffected() (int64, error)
}

func requireOneRow(result rowsAffected, deliveryID string, claimID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return staleClaim(deliveryID, claimID)
	}
	return nil
}

func newDeliveryRecord(in core.ReceiveInput, receivedAt time.Time) *deliveryRecord {
	headers := make(map[string]string, len(in.Headers))
	for key, value := range in.Headers {
		headers[key] = value
	}
	record := &deliveryRecord{
		ID:              uuid.NewString(),
		Source:          in.Source,
		EventType:       strings.TrimSpace(in.EventType),
		ExternalEventID: in.ExternalEventID,
		Payload:         append([]byte{}, in.Payload...),
		Headers:         headers,
		Signature:       in.Signature,
		Status:          string(core.DeliveryStatusReceived),
		ReceivedAt:      receivedAt,
		UpdatedAt:       receivedAt,
	}
	if in.Lease > 0 {
		until := receivedAt.Add(in.Lease)
		record.ClaimedUntil = &until
	}
	return record
}

func newDeadLetterRecord(record *deliveryRecord, attempts int, finalError string, now time.Time) *deadLetterRecord {
	return &deadLetterRecord{
		ID:              uuid.NewString(),
		DeliveryID:      record.ID,
		Source:          record.Source,
		EventType:       record.EventType,
		ExternalEventID: record.ExternalEventID,
		Payload:         append([]byte{}, record.Payload...),
		FinalError:      finalError,
		TotalAttempts:   attempts,
		CreatedAt:       now,
	}
}

func (r *deliveryRecord) toDomain() core.Delivery {
	if r == nil {
		return core.Delivery{}
	}
	headers := make(map[string]string, len(r.Headers))
	for key, value := range r.Headers {
		headers[key] = value
	}
	return core.Delivery{
		ID:                 r.ID,
		Source:             r.Source,
		EventType:          r.EventType,
		ExternalEventID:    r.ExternalEventID,
		Payload:            append([]byte(nil), r.Payload...),
		Headers:            headers,
		Signature:          r.Signature,
		Status:             core.DeliveryStatus(r.Status),
		Attempts:           r.Attempts,
		RetryAt:            utcPointer(r.RetryAt),
		ClaimID:            r.ClaimID,
		ClaimedUntil:       utcPointer(r.ClaimedUntil),
		Error:              r.Error,
		ReceivedAt:         r.ReceivedAt.UTC(),
		ProcessedAt:        utcPointer(r.ProcessedAt),
		ProcessingDuration: time.Duration(r.ProcessingDurationMS) * time.Millisecond,
		UpdatedAt:          r.UpdatedAt.UTC(),
	}
}

func (r *retryAttemptRecord) toDomain() core.RetryAttempt {
	if r == nil {
		return core.RetryAttempt{}
	}
	return core.RetryAttempt{
		ID:            r.ID,
		DeliveryID:    r.DeliveryID,
		AttemptNumber: r.AttemptNumber,
		ScheduledAt:   r.ScheduledAt.UTC(),
		ExecutedAt:    r.ExecutedAt.UTC(),
		Success:       r.Success,
		ErrorMessage:  r.ErrorMessage,
	}
}

func utcPointer(input *time.Time) *time.Time {
	if input == nil || input.IsZero() {
		return nil
	}
	value := input.UTC()
	return &value
}
