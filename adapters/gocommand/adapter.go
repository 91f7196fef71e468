package gocommand

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	hookscommand "github.com/goliatone/go-hooks/command"
	"github.com/goliatone/go-hooks/core"
	hooksquery "github.com/goliatone/go-hooks/query"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

var errNoRegistry = errors.New("gocommand: registry is not configured")

// RegistryAdapter binds hooks commands and queries to a go-command
// registry and the global dispatcher.
type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) ready() error {
	if a == nil || a.registry == nil {
		return errNoRegistry
	}
	return nil
}

// RegisterCommand adds a command or query handler to the registry.
func (a *RegistryAdapter) RegisterCommand(handler any) error {
	if err := a.ready(); err != nil {
		return err
	}
	return a.registry.RegisterCommand(handler)
}

func (a *RegistryAdapter) AddResolver(key string, resolver command.Resolver) error {
	if err := a.ready(); err != nil {
		return err
	}
	return a.registry.AddResolver(strings.TrimSpace(key), resolver)
}

// AddQueueResolver mirrors registered commands into a go-job queue
// registry so they can also run as queued jobs.
func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if queueRegistry == nil {
		return errors.New("gocommand: queue registry is required")
	}
	return a.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	return a.ready() == nil && a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if err := a.ready(); err != nil {
		return err
	}
	return a.registry.Initialize()
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}

// RegisterAndSubscribe subscribes cmd on the dispatcher and registers it.
// A failed registration drops the subscription again.
func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if cmd == nil {
		return nil, errors.New("gocommand: command is required")
	}
	return bind(adapter, cmd, func() commanddispatcher.Subscription {
		return commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	})
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if qry == nil {
		return nil, errors.New("gocommand: query is required")
	}
	return bind(adapter, qry, func() commanddispatcher.Subscription {
		return commanddispatcher.SubscribeQuery(qry, runnerOpts...)
	})
}

func bind(adapter *RegistryAdapter, handler any, subscribe func() commanddispatcher.Subscription) (commanddispatcher.Subscription, error) {
	if err := adapter.ready(); err != nil {
		return nil, err
	}
	subscription := subscribe()
	if err := adapter.RegisterCommand(handler); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, fmt.Errorf("gocommand: register %T: %w", handler, err)
	}
	return subscription, nil
}

// Handlers groups the hooks operations exposed on the command bus. Nil
// fields are skipped so a partial runtime can still register.
type Handlers struct {
	ResolveDeadLetter *hookscommand.ResolveDeadLetterCommand
	RunRetryBatch     *hookscommand.RunRetryBatchCommand
	SweepIdempotency  *hookscommand.SweepIdempotencyCommand
	PruneDeliveries   *hookscommand.PruneDeliveriesCommand
	SweepRateLimit    *hookscommand.SweepRateLimitCommand

	GetDelivery     *hooksquery.GetDeliveryQuery
	ListDeadLetters *hooksquery.ListDeadLettersQuery
	GetDeadLetter   *hooksquery.GetDeadLetterQuery
}

// Registration holds the subscriptions created by RegisterHandlers.
type Registration struct {
	subscriptions []commanddispatcher.Subscription
}

func (r *Registration) Len() int {
	if r == nil {
		return 0
	}
	return len(r.subscriptions)
}

// Close unsubscribes every handler, newest first.
func (r *Registration) Close() {
	if r == nil {
		return
	}
	for i := len(r.subscriptions) - 1; i >= 0; i-- {
		if r.subscriptions[i] != nil {
			r.subscriptions[i].Unsubscribe()
		}
	}
	r.subscriptions = nil
}

type binder func(*RegistryAdapter, ...runner.Option) (commanddispatcher.Subscription, error)

func commandBinder[T any](cmd command.Commander[T]) binder {
	return func(a *RegistryAdapter, opts ...runner.Option) (commanddispatcher.Subscription, error) {
		return RegisterAndSubscribe(a, cmd, opts...)
	}
}

func queryBinder[T any, R any](qry command.Querier[T, R]) binder {
	return func(a *RegistryAdapter, opts ...runner.Option) (commanddispatcher.Subscription, error) {
		return RegisterAndSubscribeQuery(a, qry, opts...)
	}
}

// RegisterHandlers subscribes and registers every non-nil handler. On
// error the subscriptions already made are released.
func RegisterHandlers(adapter *RegistryAdapter, handlers Handlers, runnerOpts ...runner.Option) (*Registration, error) {
	if err := adapter.ready(); err != nil {
		return nil, err
	}
	var binders []binder
	if handlers.ResolveDeadLetter != nil {
		binders = append(binders, commandBinder[hookscommand.ResolveDeadLetterMessage](handlers.ResolveDeadLetter))
	}
	if handlers.RunRetryBatch != nil {
		binders = append(binders, commandBinder[hookscommand.RunRetryBatchMessage](handlers.RunRetryBatch))
	}
	if handlers.SweepIdempotency != nil {
		binders = append(binders, commandBinder[hookscommand.SweepIdempotencyMessage](handlers.SweepIdempotency))
	}
	if handlers.PruneDeliveries != nil {
		binders = append(binders, commandBinder[hookscommand.PruneDeliveriesMessage](handlers.PruneDeliveries))
	}
	if handlers.SweepRateLimit != nil {
		binders = append(binders, commandBinder[hookscommand.SweepRateLimitMessage](handlers.SweepRateLimit))
	}
	if handlers.GetDelivery != nil {
		binders = append(binders, queryBinder[hooksquery.GetDeliveryMessage, hooksquery.DeliveryDetail](handlers.GetDelivery))
	}
	if handlers.ListDeadLetters != nil {
		binders = append(binders, queryBinder[hooksquery.ListDeadLettersMessage, core.DeadLetterPage](handlers.ListDeadLetters))
	}
	if handlers.GetDeadLetter != nil {
		binders = append(binders, queryBinder[hooksquery.GetDeadLetterMessage, core.DeadLetter](handlers.GetDeadLetter))
	}

	reg := &Registration{}
	for _, bind := range binders {
		sub, err := bind(adapter, runnerOpts...)
		if err != nil {
			reg.Close()
			return nil, err
		}
		reg.subscriptions = append(reg.subscriptions, sub)
	}
	return reg, nil
}
