package sqlstore

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-hooks/core"
	"github.com/uptrace/bun"
)

// IdempotencyStore relies on the primary key as the only serialization
// point between concurrent Begin calls.
type IdempotencyStore struct {
	db *bun.DB
}

func NewIdempotencyStore(db *bun.DB) (*IdempotencyStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &IdempotencyStore{db: db}, nil
}

func (s *IdempotencyStore) Insert(ctx context.Context, record core.IdempotencyRecord) (core.IdempotencyRecord, bool, error) {
	if s == nil || s.db == nil {
		return core.IdempotencyRecord{}, false, fmt.Errorf("sqlstore: idempotency store is not configured")
	}
	row := newIdempotencyRecord(record)
	if row.Key == "" {
		return core.IdempotencyRecord{}, false, core.BadInput("sqlstore: idempotency key is required", nil)
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.Get(ctx, row.Key)
			if getErr != nil {
				return core.IdempotencyRecord{}, false, getErr
			}
			return existing, false, nil
		}
		return core.IdempotencyRecord{}, false, err
	}
	return row.toDomain(), true, nil
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) (core.IdempotencyRecord, error) {
	if s == nil || s.db == nil {
		return core.IdempotencyRecord{}, fmt.Errorf("sqlstore: idempotency store is not configured")
	}
	key = strings.TrimSpace(key)
	row := &idempotencyRecord{}
	err := s.db.NewSelect().
		Model(row).
		Where("?TableAlias.idempotency_key = ?", key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.IdempotencyRecord{}, notFound("idempotency record", key)
		}
		return core.IdempotencyRecord{}, err
	}
	return row.toDomain(), nil
}

// Complete stores the response once, and only for the current lock holder.
// Completed records are immutable.
func (s *IdempotencyStore) Complete(ctx context.Context, key, lockToken string, response core.CachedResponse, completedAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: idempotency store is not configured")
	}
	key = strings.TrimSpace(key)
	status := response.StatusCode
	result, err := s.db.NewUpdate().
		Model((*idempotencyRecord)(nil)).
		Set("response_status = ?", status).
		Set("response_content_type = ?", response.ContentType).
		Set("response_body = ?", append([]byte{}, response.Body...)).
		Set("completed_at = ?", completedAt.UTC()).
		Where("idempotency_key = ?", key).
		Where("lock_token = ?", lockToken).
		Where("completed_at IS NULL").
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 1 {
		return nil
	}
	existing, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if !existing.Completed() {
		return core.IdempotencyLockLost(key)
	}
	return core.NewError(
		"idempotency record already completed",
		goerrors.CategoryConflict,
		http.StatusConflict,
		core.ErrorConflict,
		map[string]any{"idempotency_key": key},
	)
}

// TakeOver re-locks an uncompleted placeholder whose lock is not newer than
// staleBefore under lockToken. Only one concurrent caller wins.
func (s *IdempotencyStore) TakeOver(ctx context.Context, key string, staleBefore time.Time, now time.Time, lockToken string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: idempotency store is not configured")
	}
	result, err := s.db.NewUpdate().
		Model((*idempotencyRecord)(nil)).
		Set("locked_at = ?", now.UTC()).
		Set("lock_token = ?", lockToken).
		Where("idempotency_key = ?", strings.TrimSpace(key)).
		Where("completed_at IS NULL").
		Where("locked_at <= ?", staleBefore.UTC()).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Release drops the placeholder held under lockToken. A placeholder taken
// over by another request is left alone.
func (s *IdempotencyStore) Release(ctx context.Context, key, lockToken string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: idempotency store is not configured")
	}
	_, err := s.db.NewDelete().
		Model((*idempotencyRecord)(nil)).
		Where("idempotency_key = ?", strings.TrimSpace(key)).
		Where("lock_token = ?", lockToken).
		Where("completed_at IS NULL").
		Exec(ctx)
	return err
}

func (s *IdempotencyStore) DeleteExpiredKey(ctx context.Context, key string, now time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: idempotency store is not configured")
	}
	result, err := s.db.NewDelete().
		Model((*idempotencyRecord)(nil)).
		Where("idempotency_key = ?", strings.TrimSpace(key)).
		Where("expires_at <= ?", now.UTC()).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, _ := result.RowsAffected()
	return affected == 1, nil
}

func (s *IdempotencyStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: idempotency store is not configured")
	}
	result, err := s.db.NewDelete().
		Model((*idempotencyRecord)(nil)).
		Where("expires_at <= ?", now.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

func newIdempotencyRecord(record core.IdempotencyRecord) *idempotencyRecord {
	row := &idempotencyRecord{
		Key:           strings.TrimSpace(record.Key),
		OperationType: strings.TrimSpace(record.OperationType),
		Requester:     strings.TrimSpace(record.Requester),
		RequestHash:   record.RequestHash,
		LockToken:     record.LockToken,
		LockedAt:      record.LockedAt.UTC(),
		CompletedAt:   utcPointer(record.CompletedAt),
		CreatedAt:     record.CreatedAt.UTC(),
		ExpiresAt:     record.ExpiresAt.UTC(),
	}
	if record.Response != nil {
		status := record.Response.StatusCode
		row.ResponseStatus = &status
		row.ResponseContentType = record.Response.ContentType
		row.ResponseBody = append([]byte{}, record.Response.Body...)
	}
	return row
}

func (r *idempotencyRecord) toDomain() core.IdempotencyRecord {
	if r == nil {
		return core.IdempotencyRecord{}
	}
	record := core.IdempotencyRecord{
		Key:           r.Key,
		OperationType: r.OperationType,
		Requester:     r.Requester,
		RequestHash:   r.RequestHash,
		LockToken:     r.LockToken,
		LockedAt:      r.LockedAt.UTC(),
		CompletedAt:   utcPointer(r.CompletedAt),
		CreatedAt:     r.CreatedAt.UTC(),
		ExpiresAt:     r.ExpiresAt.UTC(),
	}
	if r.ResponseStatus != nil && record.CompletedAt != nil {
		record.Response = &core.CachedResponse{
			StatusCode:  *r.ResponseStatus,
			ContentType: r.ResponseContentType,
			Body:        append([]byte{}, r.ResponseBody...),
		}
	}
	return record
}
