package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-hooks/core"
)

var (
	_ gocmd.Querier[GetDeliveryMessage, DeliveryDetail]          = (*GetDeliveryQuery)(nil)
	_ gocmd.Querier[ListDeadLettersMessage, core.DeadLetterPage] = (*ListDeadLettersQuery)(nil)
	_ gocmd.Querier[GetDeadLetterMessage, core.DeadLetter]       = (*GetDeadLetterQuery)(nil)
)
