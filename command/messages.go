package command

import (
	"strings"
	"time"
)

const (
	TypeResolveDeadLetter = "hooks.command.dead_letter.resolve"
	TypeRunRetryBatch     = "hooks.command.retry.run_batch"
	TypeSweepIdempotency  = "hooks.command.idempotency.sweep"
	TypePruneDeliveries   = "hooks.command.deliveries.prune"
	TypeSweepRateLimit    = "hooks.command.ratelimit.sweep"
)

type ResolveDeadLetterMessage struct {
	DeadLetterID string
	Notes        string
	ResolvedBy   string
}

func (ResolveDeadLetterMessage) Type() string { return TypeResolveDeadLetter }

func (m ResolveDeadLetterMessage) Validate() error {
	if strings.TrimSpace(m.DeadLetterID) == "" {
		return commandValidationError("dead_letter_id", "is required")
	}
	if strings.TrimSpace(m.ResolvedBy) == "" {
		return commandValidationError("resolved_by", "is required")
	}
	return nil
}

// RunRetryBatchMessage asks the scheduler for one claim-and-process pass.
type RunRetryBatchMessage struct {
	Reason string
}

func (RunRetryBatchMessage) Type() string { return TypeRunRetryBatch }

type SweepIdempotencyMessage struct {
	Now time.Time
}

func (SweepIdempotencyMessage) Type() string { return TypeSweepIdempotency }

// PruneDeliveriesMessage removes processed deliveries older than Before, or
// older than the configured retention when Before is zero.
type PruneDeliveriesMessage struct {
	Before time.Time
}

func (PruneDeliveriesMessage) Type() string { return TypePruneDeliveries }

type SweepRateLimitMessage struct{}

func (SweepRateLimitMessage) Type() string { return TypeSweepRateLimit }
