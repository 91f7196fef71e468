package webhooks

import (
	"context"
	"testing"
	"time"

	"github.com/goliatone/go-hooks/core"
)

func newTestScheduler(t *testing.T, store core.DeliveryStore, dispatcher *Dispatcher, clock *fakeClock) *Scheduler {
	t.Helper()
	scheduler, err := NewScheduler(store, dispatcher, SchedulerConfig{
		BatchSize:    10,
		Workers:      4,
		PollInterval: time.Hour,
		Lease:        30 * time.Second,
		Now:          clock.Now,
	}, nil)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return scheduler
}

func TestScheduler_FailFailSucceedEndsProcessed(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC))
	store := newMemoryDeliveryStore()
	handler := &scriptedHandler{failFirst: 2}
	dispatcher := newTestDispatcher(t, store, handler, clock)
	scheduler := newTestScheduler(t, store, dispatcher, clock)

	if _, err := dispatcher.Ingest(context.Background(), paymentsRequest("evt_1", "charge.succeeded")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	dispatcher.Wait()

	for round := 0; round < 2; round++ {
		delivery := store.only()
		if delivery.Status != core.DeliveryStatusFailed || delivery.RetryAt == nil {
			t.Fatalf("round %d: expected failed delivery with retry, got %q", round, delivery.Status)
		}
		batch, err := scheduler.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("round %d: run once: %v", round, err)
		}
		if batch.Claimed != 0 {
			t.Fatalf("round %d: expected nothing due before retry_at", round)
		}
		clock.Set(*delivery.RetryAt)
		batch, err = scheduler.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("round %d: run once: %v", round, err)
		}
		if batch.Claimed != 1 {
			t.Fatalf("round %d: expected one claimed retry, got %d", round, batch.Claimed)
		}
	}

	delivery := store.only()
	if delivery.Status != core.DeliveryStatusProcessed {
		t.Fatalf("expected processed delivery, got %q", delivery.Status)
	}
	attempts, _ := store.ListAttempts(context.Background(), delivery.ID)
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(attempts))
	}
	failures := 0
	for i, attempt := range attempts {
		if attempt.AttemptNumber != i+1 {
			t.Fatalf("expected gapless attempt numbers, got %d at %d", attempt.AttemptNumber, i)
		}
		if !attempt.Success {
			failures++
		}
	}
	if failures != 2 || !attempts[2].Success {
		t.Fatalf("expected 2 failures then 1 success")
	}
	firstDelay := attempts[1].ScheduledAt.Sub(attempts[0].ExecutedAt)
	secondDelay := attempts[2].ScheduledAt.Sub(attempts[1].ExecutedAt)
	if firstDelay != 2*time.Second || secondDelay != 2*firstDelay {
		t.Fatalf("expected doubling backoff, got %s then %s", firstDelay, secondDelay)
	}
	if handler.Calls() != 3 {
		t.Fatalf("expected 3 handler calls, got %d", handler.Calls())
	}
}

func TestScheduler_ExhaustedBudgetDeadLetters(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC))
	store := newMemoryDeliveryStore()
	handler := &scriptedHandler{failFirst: 100}
	dispatcher := newTestDispatcher(t, store, handler, clock)
	scheduler := newTestScheduler(t, store, dispatcher, clock)

	if _, err := dispatcher.Ingest(context.Background(), paymentsRequest("evt_2", "charge.succeeded")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	dispatcher.Wait()

	for i := 0; i < 2; i++ {
		clock.Set(*store.only().RetryAt)
		batch, err := scheduler.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("run once: %v", err)
		}
		if i == 1 && batch.DeadLettered != 1 {
			t.Fatalf("expected final attempt to dead-letter, got %+v", batch)
		}
	}

	delivery := store.only()
	if delivery.Status != core.DeliveryStatusDeadLettered {
		t.Fatalf("expected dead-lettered delivery, got %q", delivery.Status)
	}
	if delivery.RetryAt != nil {
		t.Fatalf("expected no retry scheduled after exhaustion")
	}
	attempts, _ := store.ListAttempts(context.Background(), delivery.ID)
	if len(attempts) != 3 {
		t.Fatalf("expected exactly max_attempts rows, got %d", len(attempts))
	}
	for _, letter := range store.deadLetters {
		if letter.Resolved || letter.TotalAttempts != 3 {
			t.Fatalf("expected unresolved dead letter with 3 attempts, got %+v", letter)
		}
	}

	clock.Set(clock.Now().Add(time.Hour))
	batch, err := scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if batch.Claimed != 0 || handler.Calls() != 3 {
		t.Fatalf("expected no further attempts after dead-lettering")
	}
}

func TestScheduler_RecoversExpiredClaims(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC))
	store := newMemoryDeliveryStore()
	handler := &scriptedHandler{}
	dispatcher := newTestDispatcher(t, store, handler, clock)
	scheduler := newTestScheduler(t, store, dispatcher, clock)

	// A process that persisted the row and crashed before claiming it.
	if _, _, err := store.Receive(context.Background(), core.ReceiveInput{
		Source: SourcePayments, EventType: "charge.succeeded", ExternalEventID: "evt_3",
		ReceivedAt: clock.Now(), Lease: 30 * time.Second,
	}); err != nil {
		t.Fatalf("receive: %v", err)
	}

	batch, _ := scheduler.RunOnce(context.Background())
	if batch.Claimed != 0 {
		t.Fatalf("expected live lease to block recovery")
	}
	clock.Set(clock.Now().Add(31 * time.Second))
	batch, err := scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if batch.Claimed != 1 || batch.Processed != 1 {
		t.Fatalf("expected recovered delivery processed, got %+v", batch)
	}
	if handler.Calls() != 1 {
		t.Fatalf("expected one handler call, got %d", handler.Calls())
	}
}

func TestScheduler_RunWakesAndStops(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC))
	store := newMemoryDeliveryStore()
	handler := &scriptedHandler{failFirst: 1}
	dispatcher := newTestDispatcher(t, store, handler, clock)
	scheduler := newTestScheduler(t, store, dispatcher, clock)

	if _, err := dispatcher.Ingest(context.Background(), paymentsRequest("evt_4", "charge.succeeded")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	dispatcher.Wait()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- scheduler.Run(ctx) }()

	clock.Set(*store.only().RetryAt)
	scheduler.Wake()

	deadline := time.Now().Add(2 * time.Second)
	for store.only().Status != core.DeliveryStatusProcessed {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("expected woken scheduler to process the retry")
		}
		scheduler.Wake()
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Run to return after cancel")
	}
}

func TestNewScheduler_RequiresDependencies(t *testing.T) {
	if _, err := NewScheduler(nil, nil, SchedulerConfig{}, nil); err == nil {
		t.Fatalf("expected missing dependencies to fail")
	}
}
