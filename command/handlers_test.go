package command

import (
	"context"
	"errors"
	"testing"
	"time"

	gocmd "github.com/goliatone/go-command"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-hooks/core"
	"github.com/goliatone/go-hooks/webhooks"
)

type stubResolver struct {
	resolveFn func(ctx context.Context, id string, notes string, resolvedBy string) (core.DeadLetter, error)
}

func (s stubResolver) Resolve(ctx context.Context, id string, notes string, resolvedBy string) (core.DeadLetter, error) {
	return s.resolveFn(ctx, id, notes, resolvedBy)
}

type stubBatchRunner struct {
	result webhooks.BatchResult
	err    error
	calls  int
}

func (s *stubBatchRunner) RunOnce(context.Context) (webhooks.BatchResult, error) {
	s.calls++
	return s.result, s.err
}

type stubPruner struct {
	before time.Time
}

func (s *stubPruner) PruneProcessed(_ context.Context, before time.Time) (int, error) {
	s.before = before
	return 4, nil
}

type stubSweeper int

func (s stubSweeper) Sweep(context.Context) (int, error) { return int(s), nil }

type stubIdempotencySweeper struct {
	now time.Time
}

func (s *stubIdempotencySweeper) ExpireSweep(_ context.Context, now time.Time) (int, error) {
	s.now = now
	return 2, nil
}

func TestResolveDeadLetterCommand_DelegatesAndStoresResult(t *testing.T) {
	cmd := NewResolveDeadLetterCommand(stubResolver{
		resolveFn: func(_ context.Context, id string, notes string, resolvedBy string) (core.DeadLetter, error) {
			if id != "dl_1" || notes != "refunded" || resolvedBy != "ops" {
				t.Fatalf("unexpected resolve payload: %q %q %q", id, notes, resolvedBy)
			}
			return core.DeadLetter{ID: id, Resolved: true, ResolvedBy: resolvedBy}, nil
		},
	})
	collector := gocmd.NewResult[core.DeadLetter]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	if err := cmd.Execute(ctx, ResolveDeadLetterMessage{DeadLetterID: "dl_1", Notes: "refunded", ResolvedBy: "ops"}); err != nil {
		t.Fatalf("execute resolve: %v", err)
	}
	result, ok := collector.Load()
	if !ok {
		t.Fatalf("expected result to be stored")
	}
	if !result.Resolved || result.ID != "dl_1" {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestResolveDeadLetterCommand_ValidatesBeforeResolving(t *testing.T) {
	cmd := NewResolveDeadLetterCommand(stubResolver{
		resolveFn: func(context.Context, string, string, string) (core.DeadLetter, error) {
			t.Fatalf("expected resolver not to be called")
			return core.DeadLetter{}, nil
		},
	})
	err := cmd.Execute(context.Background(), ResolveDeadLetterMessage{DeadLetterID: "dl_1"})

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryValidation || rich.TextCode != core.ErrorBadInput {
		t.Fatalf("expected validation error with %q, got %q/%q", core.ErrorBadInput, rich.Category, rich.TextCode)
	}
}

func TestResolveDeadLetterCommand_NilResolverReturnsRichError(t *testing.T) {
	var cmd *ResolveDeadLetterCommand
	err := cmd.Execute(context.Background(), ResolveDeadLetterMessage{})

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryInternal {
		t.Fatalf("expected internal category, got %q", rich.Category)
	}
}

func TestRunRetryBatchCommand_StoresBatchResult(t *testing.T) {
	runner := &stubBatchRunner{result: webhooks.BatchResult{Claimed: 3, Processed: 2, Failed: 1}}
	collector := gocmd.NewResult[webhooks.BatchResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	if err := NewRunRetryBatchCommand(runner).Execute(ctx, RunRetryBatchMessage{Reason: "wake"}); err != nil {
		t.Fatalf("execute retry batch: %v", err)
	}
	result, ok := collector.Load()
	if !ok || result.Claimed != 3 || result.Processed != 2 {
		t.Fatalf("unexpected batch result: %#v", result)
	}

	runner.err = errors.New("db down")
	if err := NewRunRetryBatchCommand(runner).Execute(context.Background(), RunRetryBatchMessage{}); !errors.Is(err, runner.err) {
		t.Fatalf("expected runner error to propagate, got %v", err)
	}
}

func TestPruneDeliveriesCommand_UsesRetentionWhenBeforeIsZero(t *testing.T) {
	pruner := &stubPruner{}
	cmd := NewPruneDeliveriesCommand(pruner, 24*time.Hour)
	fixed := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	cmd.now = func() time.Time { return fixed }

	collector := gocmd.NewResult[SweepResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	if err := cmd.Execute(ctx, PruneDeliveriesMessage{}); err != nil {
		t.Fatalf("execute prune: %v", err)
	}
	if !pruner.before.Equal(fixed.Add(-24 * time.Hour)) {
		t.Fatalf("expected cutoff one day back, got %s", pruner.before)
	}
	if result, _ := collector.Load(); result.Removed != 4 {
		t.Fatalf("expected 4 removed, got %d", result.Removed)
	}
}

func TestPruneDeliveriesCommand_ZeroRetentionKeepsEverything(t *testing.T) {
	pruner := &stubPruner{}
	if err := NewPruneDeliveriesCommand(pruner, 0).Execute(context.Background(), PruneDeliveriesMessage{}); err != nil {
		t.Fatalf("execute prune: %v", err)
	}
	if !pruner.before.IsZero() {
		t.Fatalf("expected pruner not to run without retention")
	}
}

func TestSweepCommands_StoreTotals(t *testing.T) {
	collector := gocmd.NewResult[SweepResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	if err := NewSweepRateLimitCommand(stubSweeper(2), nil, stubSweeper(3)).Execute(ctx, SweepRateLimitMessage{}); err != nil {
		t.Fatalf("execute rate-limit sweep: %v", err)
	}
	if result, _ := collector.Load(); result.Removed != 5 {
		t.Fatalf("expected 5 removed across limiters, got %d", result.Removed)
	}

	sweeper := &stubIdempotencySweeper{}
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	if err := NewSweepIdempotencyCommand(sweeper).Execute(context.Background(), SweepIdempotencyMessage{Now: at}); err != nil {
		t.Fatalf("execute idempotency sweep: %v", err)
	}
	if !sweeper.now.Equal(at) {
		t.Fatalf("expected sweep at %s, got %s", at, sweeper.now)
	}

	if err := NewSweepRateLimitCommand().Execute(context.Background(), SweepRateLimitMessage{}); err == nil {
		t.Fatalf("expected error without sweepers")
	}
}
