package query

import (
	"strings"

	"github.com/goliatone/go-hooks/core"
)

const (
	TypeGetDelivery     = "hooks.query.delivery.get"
	TypeListDeadLetters = "hooks.query.dead_letter.list"
	TypeGetDeadLetter   = "hooks.query.dead_letter.get"
)

type GetDeliveryMessage struct {
	DeliveryID string
}

func (GetDeliveryMessage) Type() string { return TypeGetDelivery }

func (m GetDeliveryMessage) Validate() error {
	if strings.TrimSpace(m.DeliveryID) == "" {
		return queryValidationError("delivery_id", "is required")
	}
	return nil
}

type ListDeadLettersMessage struct {
	Filter core.DeadLetterFilter
}

func (ListDeadLettersMessage) Type() string { return TypeListDeadLetters }

func (m ListDeadLettersMessage) Validate() error {
	if m.Filter.Limit < 0 {
		return queryValidationError("limit", "must be >= 0")
	}
	if m.Filter.Offset < 0 {
		return queryValidationError("offset", "must be >= 0")
	}
	return nil
}

type GetDeadLetterMessage struct {
	DeadLetterID string
}

func (GetDeadLetterMessage) Type() string { return TypeGetDeadLetter }

func (m GetDeadLetterMessage) Validate() error {
	if strings.TrimSpace(m.DeadLetterID) == "" {
		return queryValidationError("dead_letter_id", "is required")
	}
	return nil
}
