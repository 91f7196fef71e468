package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[ResolveDeadLetterMessage] = (*ResolveDeadLetterCommand)(nil)
	_ gocmd.Commander[RunRetryBatchMessage]     = (*RunRetryBatchCommand)(nil)
	_ gocmd.Commander[SweepIdempotencyMessage]  = (*SweepIdempotencyCommand)(nil)
	_ gocmd.Commander[PruneDeliveriesMessage]   = (*PruneDeliveriesCommand)(nil)
	_ gocmd.Commander[SweepRateLimitMessage]    = (*SweepRateLimitCommand)(nil)
)
