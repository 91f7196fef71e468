package sqlstore

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-hooks/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type DeadLetterStore struct {
	db   *bun.DB
	repo repository.Repository[*deadLetterRecord]
	now  func() time.Time
}

func NewDeadLetterStore(db *bun.DB) (*DeadLetterStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*deadLetterRecord](db, deadLetterHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid dead letter repository wiring: %w", err)
		}
	}
	return &DeadLetterStore{
		db:   db,
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *DeadLetterStore) WithClock(now func() time.Time) *DeadLetterStore {
	if s != nil && now != nil {
		s.now = func() time.Time { return now().UTC() }
	}
	return s
}

// Insert writes a snapshot once per delivery. A second insert for the same
// delivery returns the stored snapshot unchanged.
func (s *DeadLetterStore) Insert(ctx context.Context, letter core.DeadLetter) (core.DeadLetter, error) {
	if s == nil || s.db == nil {
		return core.DeadLetter{}, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	letter.DeliveryID = strings.TrimSpace(letter.DeliveryID)
	if letter.DeliveryID == "" {
		return core.DeadLetter{}, core.BadInput("sqlstore: dead letter delivery id is required", nil)
	}
	record := &deadLetterRecord{
		ID:              strings.TrimSpace(letter.ID),
		DeliveryID:      letter.DeliveryID,
		Source:          strings.TrimSpace(strings.ToLower(letter.Source)),
		EventType:       letter.EventType,
		ExternalEventID: letter.ExternalEventID,
		Payload:         append([]byte{}, letter.Payload...),
		FinalError:      letter.FinalError,
		TotalAttempts:   letter.TotalAttempts,
		CreatedAt:       letter.CreatedAt.UTC(),
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if letter.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return s.getBy(ctx, "delivery_id", letter.DeliveryID)
		}
		return core.DeadLetter{}, err
	}
	return record.toDomain(), nil
}

func (s *DeadLetterStore) Get(ctx context.Context, id string) (core.DeadLetter, error) {
	if s == nil || s.db == nil {
		return core.DeadLetter{}, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	return s.getBy(ctx, "id", strings.TrimSpace(id))
}

// GetByDelivery returns the snapshot written when the delivery was dead-lettered.
func (s *DeadLetterStore) GetByDelivery(ctx context.Context, deliveryID string) (core.DeadLetter, error) {
	if s == nil || s.db == nil {
		return core.DeadLetter{}, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	return s.getBy(ctx, "delivery_id", strings.TrimSpace(deliveryID))
}

func (s *DeadLetterStore) List(ctx context.Context, filter core.DeadLetterFilter) (core.DeadLetterPage, error) {
	if s == nil || s.repo == nil {
		return core.DeadLetterPage{}, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	filter = filter.Normalize()
	selectors := []repository.SelectCriteria{
		repository.OrderBy("created_at DESC"),
		repository.SelectPaginate(filter.Limit, filter.Offset),
	}
	if filter.Source != "" {
		selectors = append(selectors, repository.SelectBy("source", "=", filter.Source))
	}
	if filter.Resolved != nil {
		resolved := *filter.Resolved
		selectors = append(selectors, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.resolved = ?", resolved)
		}))
	}

	records, total, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return core.DeadLetterPage{}, err
	}
	items := make([]core.DeadLetter, 0, len(records))
	for _, record := range records {
		items = append(items, record.toDomain())
	}
	return core.DeadLetterPage{Items: items, Total: total}, nil
}

// Resolve flips the bookkeeping fields of an unresolved record. It never
// touches the delivery; resolving twice is a conflict.
func (s *DeadLetterStore) Resolve(ctx context.Context, id string, notes string, resolvedBy string) (core.DeadLetter, error) {
	if s == nil || s.db == nil {
		return core.DeadLetter{}, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	id = strings.TrimSpace(id)
	resolvedBy = strings.TrimSpace(resolvedBy)
	if id == "" || resolvedBy == "" {
		return core.DeadLetter{}, core.BadInput("sqlstore: dead letter id and resolver are required", nil)
	}
	now := s.now()
	result, err := s.db.NewUpdate().
		Model((*deadLetterRecord)(nil)).
		Set("resolved = ?", true).
		Set("resolution_notes = ?", strings.TrimSpace(notes)).
		Set("resolved_by = ?", resolvedBy).
		Set("resolved_at = ?", now).
		Where("id = ?", id).
		Where("resolved = ?", false).
		Exec(ctx)
	if err != nil {
		return core.DeadLetter{}, err
	}
	current, err := s.getBy(ctx, "id", id)
	if err != nil {
		return core.DeadLetter{}, err
	}
	if affected, _ := result.RowsAffected(); affected != 1 {
		return current, core.NewError(
			"dead letter already resolved",
			goerrors.CategoryConflict,
			http.StatusConflict,
			core.ErrorConflict,
			map[string]any{"dead_letter_id": id, "resolved_by": current.ResolvedBy},
		)
	}
	return current, nil
}

func (s *DeadLetterStore) getBy(ctx context.Context, column string, value string) (core.DeadLetter, error) {
	record := &deadLetterRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.? = ?", bun.Ident(column), value).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.DeadLetter{}, notFound("dead letter", value)
		}
		return core.DeadLetter{}, err
	}
	return record.toDomain(), nil
}

func (r *deadLetterRecord) toDomain() core.DeadLetter {
	if r == nil {
		return core.DeadLetter{}
	}
	return core.DeadLetter{
		ID:              r.ID,
		DeliveryID:      r.DeliveryID,
		Source:          r.Source,
		EventType:       r.EventType,
		ExternalEventID: r.ExternalEventID,
		Payload:         append([]byte(nil), r.Payload...),
		FinalError:      r.FinalError,
		TotalAttempts:   r.TotalAttempts,
		Resolved:        r.Resolved,
		ResolutionNotes: r.ResolutionNotes,
		ResolvedBy:      r.ResolvedBy,
		ResolvedAt:      utcPointer(r.ResolvedAt),
		CreatedAt:       r.CreatedAt.UTC(),
	}
}
