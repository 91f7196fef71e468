package query

import (
	"context"
	"errors"

	"github.com/goliatone/go-hooks/core"
)

type DeliveryReader interface {
	Get(ctx context.Context, id string) (core.Delivery, error)
	ListAttempts(ctx context.Context, deliveryID string) ([]core.RetryAttempt, error)
}

type DeadLetterReader interface {
	Get(ctx context.Context, id string) (core.DeadLetter, error)
	List(ctx context.Context, filter core.DeadLetterFilter) (core.DeadLetterPage, error)
}

// DeadLetterByDelivery is implemented by readers that can find the snapshot
// written for a delivery.
type DeadLetterByDelivery interface {
	GetByDelivery(ctx context.Context, deliveryID string) (core.DeadLetter, error)
}

// DeliveryDetail is a delivery with its attempt log and, once dead-lettered,
// its snapshot.
type DeliveryDetail struct {
	Delivery   core.Delivery
	Attempts   []core.RetryAttempt
	DeadLetter *core.DeadLetter
}

type GetDeliveryQuery struct {
	deliveries DeliveryReader
	letters    DeadLetterByDelivery
}

func NewGetDeliveryQuery(deliveries DeliveryReader, letters DeadLetterByDelivery) *GetDeliveryQuery {
	return &GetDeliveryQuery{deliveries: deliveries, letters: letters}
}

func (q *GetDeliveryQuery) Query(ctx context.Context, msg GetDeliveryMessage) (DeliveryDetail, error) {
	if q == nil || q.deliveries == nil {
		return DeliveryDetail{}, queryDependencyError("query: delivery reader is required")
	}
	if err := msg.Validate(); err != nil {
		return DeliveryDetail{}, err
	}
	delivery, err := q.deliveries.Get(ctx, msg.DeliveryID)
	if err != nil {
		return DeliveryDetail{}, err
	}
	attempts, err := q.deliveries.ListAttempts(ctx, delivery.ID)
	if err != nil {
		return DeliveryDetail{}, err
	}
	detail := DeliveryDetail{Delivery: delivery, Attempts: attempts}
	if delivery.Status == core.DeliveryStatusDeadLettered && q.letters != nil {
		letter, err := q.letters.GetByDelivery(ctx, delivery.ID)
		switch {
		case err == nil:
			detail.DeadLetter = &letter
		case !errors.Is(err, core.ErrNotFound):
			return DeliveryDetail{}, err
		}
	}
	return detail, nil
}

type ListDeadLettersQuery struct {
	reader DeadLetterReader
}

func NewListDeadLettersQuery(reader DeadLetterReader) *ListDeadLettersQuery {
	return &ListDeadLettersQuery{reader: reader}
}

func (q *ListDeadLettersQuery) Query(ctx context.Context, msg ListDeadLettersMessage) (core.DeadLetterPage, error) {
	if q == nil || q.reader == nil {
		return core.DeadLetterPage{}, queryDependencyError("query: dead letter reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.DeadLetterPage{}, err
	}
	return q.reader.List(ctx, msg.Filter.Normalize())
}

type GetDeadLetterQuery struct {
	reader DeadLetterReader
}

func NewGetDeadLetterQuery(reader DeadLetterReader) *GetDeadLetterQuery {
	return &GetDeadLetterQuery{reader: reader}
}

func (q *GetDeadLetterQuery) Query(ctx context.Context, msg GetDeadLetterMessage) (core.DeadLetter, error) {
	if q == nil || q.reader == nil {
		return core.DeadLetter{}, queryDependencyError("query: dead letter reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.DeadLetter{}, err
	}
	return q.reader.Get(ctx, msg.DeadLetterID)
}
