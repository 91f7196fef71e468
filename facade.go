package hooks

import (
	"context"
	"time"

	gocmd "github.com/goliatone/go-command"
	hookscommand "github.com/goliatone/go-hooks/command"
	"github.com/goliatone/go-hooks/core"
	hooksquery "github.com/goliatone/go-hooks/query"
)

type Commands struct {
	ResolveDeadLetter *hookscommand.ResolveDeadLetterCommand
	RunRetryBatch     *hookscommand.RunRetryBatchCommand
	SweepIdempotency  *hookscommand.SweepIdempotencyCommand
	PruneDeliveries   *hookscommand.PruneDeliveriesCommand
	SweepRateLimit    *hookscommand.SweepRateLimitCommand
}

type Queries struct {
	GetDelivery     *hooksquery.GetDeliveryQuery
	ListDeadLetters *hooksquery.ListDeadLettersQuery
	GetDeadLetter   *hooksquery.GetDeadLetterQuery
}

// FacadeDependencies are the collaborators behind the facade's commands.
// Nil entries leave the matching handler without a dependency; executing
// it returns a dependency error.
type FacadeDependencies struct {
	Deliveries      core.DeliveryStore
	DeadLetters     core.DeadLetterStore
	ByDelivery      hooksquery.DeadLetterByDelivery
	Scheduler       hookscommand.RetryBatchRunner
	Idempotency     hookscommand.IdempotencySweeper
	RateLimiters    []hookscommand.RateLimitSweeper
	RetainProcessed time.Duration
	Now             func() time.Time
}

type Facade struct {
	commands Commands
	queries  Queries
}

func NewFacade(deps FacadeDependencies) *Facade {
	facade := &Facade{}
	facade.commands = Commands{
		ResolveDeadLetter: hookscommand.NewResolveDeadLetterCommand(deps.DeadLetters),
		RunRetryBatch:     hookscommand.NewRunRetryBatchCommand(deps.Scheduler),
		SweepIdempotency:  hookscommand.NewSweepIdempotencyCommand(deps.Idempotency).WithClock(deps.Now),
		PruneDeliveries:   hookscommand.NewPruneDeliveriesCommand(deps.Deliveries, deps.RetainProcessed).WithClock(deps.Now),
		SweepRateLimit:    hookscommand.NewSweepRateLimitCommand(deps.RateLimiters...),
	}
	facade.queries = Queries{
		GetDelivery:     hooksquery.NewGetDeliveryQuery(deps.Deliveries, deps.ByDelivery),
		ListDeadLetters: hooksquery.NewListDeadLettersQuery(deps.DeadLetters),
		GetDeadLetter:   hooksquery.NewGetDeadLetterQuery(deps.DeadLetters),
	}
	return facade
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

// ResolveDeadLetter runs the resolve command and returns the updated record.
func (f *Facade) ResolveDeadLetter(ctx context.Context, msg hookscommand.ResolveDeadLetterMessage) (core.DeadLetter, error) {
	return execute[hookscommand.ResolveDeadLetterMessage, core.DeadLetter](ctx, f.Commands().ResolveDeadLetter, msg)
}

func (f *Facade) GetDelivery(ctx context.Context, id string) (hooksquery.DeliveryDetail, error) {
	return f.Queries().GetDelivery.Query(ctx, hooksquery.GetDeliveryMessage{DeliveryID: id})
}

func (f *Facade) ListDeadLetters(ctx context.Context, filter core.DeadLetterFilter) (core.DeadLetterPage, error) {
	return f.Queries().ListDeadLetters.Query(ctx, hooksquery.ListDeadLettersMessage{Filter: filter})
}

func (f *Facade) GetDeadLetter(ctx context.Context, id string) (core.DeadLetter, error) {
	return f.Queries().GetDeadLetter.Query(ctx, hooksquery.GetDeadLetterMessage{DeadLetterID: id})
}

func execute[T any, R any](ctx context.Context, cmd gocmd.Commander[T], msg T) (R, error) {
	var zero R
	collector := gocmd.NewResult[R]()
	if err := cmd.Execute(gocmd.ContextWithResult(ctx, collector), msg); err != nil {
		return zero, err
	}
	out, ok := collector.Load()
	if !ok {
		return zero, nil
	}
	return out, nil
}
