package command

import (
	"context"
	"time"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-hooks/core"
	"github.com/goliatone/go-hooks/webhooks"
)

type DeadLetterResolver interface {
	Resolve(ctx context.Context, id string, notes string, resolvedBy string) (core.DeadLetter, error)
}

type RetryBatchRunner interface {
	RunOnce(ctx context.Context) (webhooks.BatchResult, error)
}

type IdempotencySweeper interface {
	ExpireSweep(ctx context.Context, now time.Time) (int, error)
}

type DeliveryPruner interface {
	PruneProcessed(ctx context.Context, before time.Time) (int, error)
}

type RateLimitSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// SweepResult is stored by every sweep and prune command.
type SweepResult struct {
	Removed int
}

type ResolveDeadLetterCommand struct {
	resolver DeadLetterResolver
}

func NewResolveDeadLetterCommand(resolver DeadLetterResolver) *ResolveDeadLetterCommand {
	return &ResolveDeadLetterCommand{resolver: resolver}
}

// Execute only flips the resolution fields; the delivery is never re-run.
func (c *ResolveDeadLetterCommand) Execute(ctx context.Context, msg ResolveDeadLetterMessage) error {
	if c == nil || c.resolver == nil {
		return commandDependencyError("command: dead letter resolver is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.resolver.Resolve(ctx, msg.DeadLetterID, msg.Notes, msg.ResolvedBy)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RunRetryBatchCommand struct {
	runner RetryBatchRunner
}

func NewRunRetryBatchCommand(runner RetryBatchRunner) *RunRetryBatchCommand {
	return &RunRetryBatchCommand{runner: runner}
}

func (c *RunRetryBatchCommand) Execute(ctx context.Context, _ RunRetryBatchMessage) error {
	if c == nil || c.runner == nil {
		return commandDependencyError("command: retry batch runner is required")
	}
	out, err := c.runner.RunOnce(ctx)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type SweepIdempotencyCommand struct {
	sweeper IdempotencySweeper
	now     func() time.Time
}

func NewSweepIdempotencyCommand(sweeper IdempotencySweeper) *SweepIdempotencyCommand {
	return &SweepIdempotencyCommand{sweeper: sweeper, now: func() time.Time { return time.Now().UTC() }}
}

func (c *SweepIdempotencyCommand) WithClock(now func() time.Time) *SweepIdempotencyCommand {
	if c != nil && now != nil {
		c.now = now
	}
	return c
}

func (c *SweepIdempotencyCommand) Execute(ctx context.Context, msg SweepIdempotencyMessage) error {
	if c == nil || c.sweeper == nil {
		return commandDependencyError("command: idempotency sweeper is required")
	}
	now := msg.Now
	if now.IsZero() {
		now = c.now()
	}
	removed, err := c.sweeper.ExpireSweep(ctx, now)
	if err != nil {
		return err
	}
	storeResult(ctx, SweepResult{Removed: removed})
	return nil
}

type PruneDeliveriesCommand struct {
	pruner    DeliveryPruner
	retention time.Duration
	now       func() time.Time
}

func NewPruneDeliveriesCommand(pruner DeliveryPruner, retention time.Duration) *PruneDeliveriesCommand {
	return &PruneDeliveriesCommand{
		pruner:    pruner,
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (c *PruneDeliveriesCommand) WithClock(now func() time.Time) *PruneDeliveriesCommand {
	if c != nil && now != nil {
		c.now = now
	}
	return c
}

func (c *PruneDeliveriesCommand) Execute(ctx context.Context, msg PruneDeliveriesMessage) error {
	if c == nil || c.pruner == nil {
		return commandDependencyError("command: delivery pruner is required")
	}
	before := msg.Before
	if before.IsZero() {
		if c.retention <= 0 {
			storeResult(ctx, SweepResult{})
			return nil
		}
		before = c.now().Add(-c.retention)
	}
	removed, err := c.pruner.PruneProcessed(ctx, before)
	if err != nil {
		return err
	}
	storeResult(ctx, SweepResult{Removed: removed})
	return nil
}

// SweepRateLimitCommand sweeps every limiter and stores the total removed.
type SweepRateLimitCommand struct {
	sweepers []RateLimitSweeper
}

func NewSweepRateLimitCommand(sweepers ...RateLimitSweeper) *SweepRateLimitCommand {
	out := make([]RateLimitSweeper, 0, len(sweepers))
	for _, sweeper := range sweepers {
		if sweeper != nil {
			out = append(out, sweeper)
		}
	}
	return &SweepRateLimitCommand{sweepers: out}
}

func (c *SweepRateLimitCommand) Execute(ctx context.Context, _ SweepRateLimitMessage) error {
	if c == nil || len(c.sweepers) == 0 {
		return commandDependencyError("command: rate-limit sweeper is required")
	}
	total := 0
	for _, sweeper := range c.sweepers {
		removed, err := sweeper.Sweep(ctx)
		if err != nil {
			return err
		}
		total += removed
	}
	storeResult(ctx, SweepResult{Removed: total})
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
