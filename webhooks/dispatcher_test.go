package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-hooks/core"
	"github.com/goliatone/go-hooks/security"
)

const testSecret = "whsec_test"

type scriptedHandler struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	permanent bool
}

func (h *scriptedHandler) Handle(_ context.Context, _ string, _ []byte) (core.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.permanent {
		return core.Outcome{}, core.Permanent(errors.New("payload rejected"))
	}
	if h.calls <= h.failFirst {
		return core.Outcome{}, fmt.Errorf("downstream unavailable (call %d)", h.calls)
	}
	return core.Outcome{Metadata: map[string]any{"booking_id": "b-1"}}, nil
}

func (h *scriptedHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func paymentsRequest(eventID string, eventType string) core.InboundRequest {
	body := []byte(fmt.Sprintf(`{"id":%q,"type":%q}`, eventID, eventType))
	ts := int64(1760000000)
	return core.InboundRequest{
		Source: "payments",
		Headers: map[string]string{
			"Stripe-Signature": fmt.Sprintf("t=%d,v1=%s", ts, timestampedSignature(testSecret, ts, body)),
		},
		Body: body,
	}
}

func googleRequest(messageID string) core.InboundRequest {
	body := []byte(fmt.Sprintf(`{"message":{"messageId":%q,"attributes":{"eventType":"calendar.updated"}}}`, messageID))
	return core.InboundRequest{
		Source:  "google",
		Headers: map[string]string{"X-Goog-Signature": "sha256=" + hexSignature(testSecret, body)},
		Body:    body,
	}
}

func newTestDispatcher(t *testing.T, store core.DeliveryStore, handler core.Handler, clock *fakeClock, opts ...DispatcherOption) *Dispatcher {
	t.Helper()
	registry := NewHandlerRegistry()
	if handler != nil {
		if err := registry.Register(SourcePayments, AnyEventType, handler); err != nil {
			t.Fatalf("register payments handler: %v", err)
		}
		if err := registry.Register(SourceGoogle, AnyEventType, handler); err != nil {
			t.Fatalf("register google handler: %v", err)
		}
	}
	base := []DispatcherOption{
		WithSourceTemplates(
			NewPaymentsTemplate(security.StaticSecretSet(testSecret), 0),
			NewGoogleTemplate(security.StaticSecretSet(testSecret)),
		),
		WithRetryPolicy(RetryPolicy{
			BaseDelay:   2 * time.Second,
			MaxDelay:    time.Minute,
			MaxAttempts: 3,
			Jitter:      0.2,
			Random:      func() float64 { return 0.5 },
		}),
		WithHandlerTimeout(200 * time.Millisecond),
		WithClaimLease(30 * time.Second),
	}
	if clock != nil {
		base = append(base, WithClock(clock.Now))
	}
	dispatcher, err := NewDispatcher(store, registry, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return dispatcher
}

func TestDispatcher_DuplicateDeliveryInvokesHandlerOnce(t *testing.T) {
	store := newMemoryDeliveryStore()
	handler := &scriptedHandler{}
	dispatcher := newTestDispatcher(t, store, handler, nil)

	first, err := dispatcher.Ingest(context.Background(), paymentsRequest("evt_1", "charge.succeeded"))
	if err != nil {
		t.Fatalf("ingest first delivery: %v", err)
	}
	if first.StatusCode != http.StatusOK || first.Duplicate {
		t.Fatalf("expected first delivery accepted, got %+v", first)
	}
	dispatcher.Wait()

	second, err := dispatcher.Ingest(context.Background(), paymentsRequest("evt_1", "charge.succeeded"))
	if err != nil {
		t.Fatalf("ingest duplicate delivery: %v", err)
	}
	dispatcher.Wait()
	if second.StatusCode != http.StatusOK || !second.Duplicate {
		t.Fatalf("expected duplicate short-circuit, got %+v", second)
	}
	if second.Status != core.DeliveryStatusProcessed {
		t.Fatalf("expected duplicate to report processed status, got %q", second.Status)
	}
	if handler.Calls() != 1 {
		t.Fatalf("expected handler to run once, got %d", handler.Calls())
	}
	if store.count() != 1 {
		t.Fatalf("expected a single delivery row, got %d", store.count())
	}
}

func TestDispatcher_ConcurrentDuplicatesProcessOnce(t *testing.T) {
	store := newMemoryDeliveryStore()
	handler := &scriptedHandler{}
	dispatcher := newTestDispatcher(t, store, handler, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := dispatcher.Ingest(context.Background(), googleRequest("msg-7")); err != nil {
				t.Errorf("ingest: %v", err)
			}
		}()
	}
	wg.Wait()
	dispatcher.Wait()

	if handler.Calls() != 1 {
		t.Fatalf("expected one handler invocation, got %d", handler.Calls())
	}
	if store.count() != 1 {
		t.Fatalf("expected one delivery row, got %d", store.count())
	}
	if got := store.only().Status; got != core.DeliveryStatusProcessed {
		t.Fatalf("expected processed status, got %q", got)
	}
}

func TestDispatcher_RejectsInvalidSignatureWithoutPersisting(t *testing.T) {
	store := newMemoryDeliveryStore()
	handler := &scriptedHandler{}
	dispatcher := newTestDispatcher(t, store, handler, nil)

	req := googleRequest("msg-1")
	req.Body = append([]byte(nil), req.Body...)
	req.Body[5] ^= 0x01

	receipt, err := dispatcher.Ingest(context.Background(), req)
	if err == nil {
		t.Fatalf("expected signature failure")
	}
	if receipt.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", receipt.StatusCode)
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.TextCode != core.ErrorSignatureInvalid {
		t.Fatalf("expected signature invalid envelope, got %v", err)
	}
	if store.count() != 0 || store.receives != 0 {
		t.Fatalf("expected rejected delivery not to be persisted")
	}
	if handler.Calls() != 0 {
		t.Fatalf("expected handler not to run")
	}
}

func TestDispatcher_RejectStatusPerSource(t *testing.T) {
	dispatcher := newTestDispatcher(t, newMemoryDeliveryStore(), &scriptedHandler{}, nil)

	req := paymentsRequest("evt_9", "charge.failed")
	req.Headers["Stripe-Signature"] = "t=1760000000,v1=" + timestampedSignature("wrong", 1760000000, req.Body)
	receipt, err := dispatcher.Ingest(context.Background(), req)
	if err == nil || receipt.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected payments rejection with 400, got %d (%v)", receipt.StatusCode, err)
	}

	malformed := googleRequest("msg-2")
	malformed.Headers["X-Goog-Signature"] = "sha256=not-hex"
	receipt, err = dispatcher.Ingest(context.Background(), malformed)
	if err == nil || receipt.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected malformed header to map to 400, got %d (%v)", receipt.StatusCode, err)
	}
}

func TestDispatcher_UnknownSource(t *testing.T) {
	dispatcher := newTestDispatcher(t, newMemoryDeliveryStore(), &scriptedHandler{}, nil)
	req := paymentsRequest("evt_1", "x")
	req.Source = "unknown"

	receipt, err := dispatcher.Ingest(context.Background(), req)
	if err == nil || receipt.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown source, got %d", receipt.StatusCode)
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.TextCode != core.ErrorSourceUnknown {
		t.Fatalf("expected source unknown text code, got %v", err)
	}
}

func TestDispatcher_PermanentFailureDeadLettersImmediately(t *testing.T) {
	store := newMemoryDeliveryStore()
	handler := &scriptedHandler{permanent: true}
	dispatcher := newTestDispatcher(t, store, handler, nil)

	if _, err := dispatcher.Ingest(context.Background(), paymentsRequest("evt_2", "charge.refunded")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	dispatcher.Wait()

	delivery := store.only()
	if delivery.Status != core.DeliveryStatusDeadLettered {
		t.Fatalf("expected dead-lettered delivery, got %q", delivery.Status)
	}
	attempts, _ := store.ListAttempts(context.Background(), delivery.ID)
	if len(attempts) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(attempts))
	}
	if len(store.deadLetters) != 1 {
		t.Fatalf("expected one dead letter")
	}
}

func TestDispatcher_MissingHandlerIsPermanent(t *testing.T) {
	store := newMemoryDeliveryStore()
	dispatcher := newTestDispatcher(t, store, nil, nil)

	if _, err := dispatcher.Ingest(context.Background(), paymentsRequest("evt_3", "invoice.paid")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	dispatcher.Wait()
	if got := store.only().Status; got != core.DeliveryStatusDeadLettered {
		t.Fatalf("expected missing handler to dead-letter, got %q", got)
	}
}

func TestDispatcher_FailureSchedulesRetryAndNotifies(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC))
	store := newMemoryDeliveryStore()
	notifier := &recordingNotifier{}
	dispatcher := newTestDispatcher(t, store, &scriptedHandler{failFirst: 1}, clock, WithRetryNotifier(notifier))

	if _, err := dispatcher.Ingest(context.Background(), paymentsRequest("evt_4", "charge.succeeded")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	dispatcher.Wait()

	delivery := store.only()
	if delivery.Status != core.DeliveryStatusFailed {
		t.Fatalf("expected failed status, got %q", delivery.Status)
	}
	if delivery.RetryAt == nil || !delivery.RetryAt.Equal(clock.Now().Add(2*time.Second)) {
		t.Fatalf("expected retry scheduled 2s out, got %v", delivery.RetryAt)
	}
	if len(notifier.calls) != 1 || notifier.calls[0] != 2 {
		t.Fatalf("expected notifier called for attempt 2, got %v", notifier.calls)
	}
}

func TestDispatcher_ProcessClassifiesTimeout(t *testing.T) {
	store := newMemoryDeliveryStore()
	release := make(chan struct{})
	defer close(release)
	registry := NewHandlerRegistry()
	_ = registry.RegisterFunc(SourcePayments, AnyEventType, func(ctx context.Context, _ string, _ []byte) (core.Outcome, error) {
		<-release
		return core.Outcome{}, nil
	})
	dispatcher, err := NewDispatcher(store, registry, WithHandlerTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	delivery, _, _ := store.Receive(context.Background(), core.ReceiveInput{
		Source: SourcePayments, EventType: "charge.succeeded", ExternalEventID: "evt_5",
		ReceivedAt: time.Now().UTC(), Lease: time.Minute,
	})
	claimed, ok, err := store.Claim(context.Background(), delivery.ID, time.Minute)
	if err != nil || !ok {
		t.Fatalf("claim: %v", err)
	}

	result, err := dispatcher.Process(context.Background(), claimed)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Status != core.DeliveryStatusFailed {
		t.Fatalf("expected timeout to fail the attempt, got %q", result.Status)
	}
	var rich *goerrors.Error
	if !goerrors.As(result.Err, &rich) || rich.TextCode != core.ErrorHandlerTimeout {
		t.Fatalf("expected timeout text code, got %v", result.Err)
	}
}

func TestDispatcher_ProcessRecoversHandlerPanic(t *testing.T) {
	store := newMemoryDeliveryStore()
	registry := NewHandlerRegistry()
	_ = registry.RegisterFunc(SourcePayments, AnyEventType, func(context.Context, string, []byte) (core.Outcome, error) {
		panic("boom")
	})
	dispatcher, _ := NewDispatcher(store, registry)

	delivery, _, _ := store.Receive(context.Background(), core.ReceiveInput{
		Source: SourcePayments, EventType: "x", ExternalEventID: "evt_6",
		ReceivedAt: time.Now().UTC(), Lease: time.Minute,
	})
	claimed, _, _ := store.Claim(context.Background(), delivery.ID, time.Minute)
	result, err := dispatcher.Process(context.Background(), claimed)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Status != core.DeliveryStatusFailed {
		t.Fatalf("expected panic to count as a transient failure, got %q", result.Status)
	}
}

func TestDispatcher_ProcessRequiresClaim(t *testing.T) {
	dispatcher, _ := NewDispatcher(newMemoryDeliveryStore(), nil)
	if _, err := dispatcher.Process(context.Background(), core.Delivery{ID: "d"}); err == nil {
		t.Fatalf("expected unclaimed delivery to be rejected")
	}
}

type gatedHandler struct {
	started chan string
	release chan struct{}
	calls   sync.Map
}

func (h *gatedHandler) Handle(_ context.Context, _ string, payload []byte) (core.Outcome, error) {
	h.calls.Store(string(payload), true)
	h.started <- string(payload)
	<-h.release
	return core.Outcome{}, nil
}

func TestDispatcher_SaturatedWorkersDoNotHoldIngest(t *testing.T) {
	store := newMemoryDeliveryStore()
	handler := &gatedHandler{started: make(chan string, 4), release: make(chan struct{})}
	dispatcher := newTestDispatcher(t, store, handler, nil,
		WithAsyncWorkers(1),
		WithHandlerTimeout(5*time.Second),
		WithClaimLease(time.Minute),
	)

	if _, err := dispatcher.Ingest(context.Background(), paymentsRequest("evt_busy_1", "charge.succeeded")); err != nil {
		t.Fatalf("ingest first delivery: %v", err)
	}
	select {
	case <-handler.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected first handler run to start")
	}

	done := make(chan Receipt, 1)
	go func() {
		receipt, _ := dispatcher.Ingest(context.Background(), paymentsRequest("evt_busy_2", "charge.succeeded"))
		done <- receipt
	}()
	var second Receipt
	select {
	case second = <-done:
	case <-time.After(time.Second):
		close(handler.release)
		t.Fatalf("expected ingest to return while every worker is busy")
	}
	if second.StatusCode != http.StatusOK || second.Duplicate {
		t.Fatalf("expected second delivery accepted, got %+v", second)
	}
	left, err := store.Get(context.Background(), second.DeliveryID)
	if err != nil {
		t.Fatalf("get second delivery: %v", err)
	}
	if left.Status != core.DeliveryStatusReceived || left.ClaimID != "" {
		t.Fatalf("expected unclaimed delivery left for the scheduler, got %q", left.Status)
	}

	close(handler.release)
	dispatcher.Wait()
	if _, err := dispatcher.Ingest(context.Background(), paymentsRequest("evt_busy_3", "charge.succeeded")); err != nil {
		t.Fatalf("ingest third delivery: %v", err)
	}
	dispatcher.Wait()
	var runs int
	handler.calls.Range(func(any, any) bool {
		runs++
		return true
	})
	if runs != 2 {
		t.Fatalf("expected the freed worker to take the next delivery, got %d runs", runs)
	}
}

func TestDispatcher_CloseLeavesDeliveryForScheduler(t *testing.T) {
	store := newMemoryDeliveryStore()
	handler := &scriptedHandler{}
	dispatcher := newTestDispatcher(t, store, handler, nil)
	dispatcher.Close()

	receipt, err := dispatcher.Ingest(context.Background(), paymentsRequest("evt_7", "charge.succeeded"))
	if err != nil || receipt.StatusCode != http.StatusOK {
		t.Fatalf("expected acceptance after close, got %d (%v)", receipt.StatusCode, err)
	}
	if handler.Calls() != 0 {
		t.Fatalf("expected no handler run after close")
	}
	if got := store.only().Status; got != core.DeliveryStatusProcessing {
		t.Fatalf("expected claimed delivery to stay processing, got %q", got)
	}
}

func TestHandlerRegistry_ExactMatchWinsOverWildcard(t *testing.T) {
	registry := NewHandlerRegistry()
	exact := core.HandlerFunc(func(context.Context, string, []byte) (core.Outcome, error) {
		return core.Outcome{Metadata: map[string]any{"handler": "exact"}}, nil
	})
	wildcard := core.HandlerFunc(func(context.Context, string, []byte) (core.Outcome, error) {
		return core.Outcome{Metadata: map[string]any{"handler": "wildcard"}}, nil
	})
	if err := registry.Register("Payments", "charge.succeeded", exact); err != nil {
		t.Fatalf("register exact: %v", err)
	}
	if err := registry.Register("payments", AnyEventType, wildcard); err != nil {
		t.Fatalf("register wildcard: %v", err)
	}
	if err := registry.Register("payments", "charge.succeeded", exact); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}

	handler, ok := registry.Lookup("payments", "charge.succeeded")
	outcome, _ := handler.Handle(context.Background(), "", nil)
	if !ok || outcome.Metadata["handler"] != "exact" {
		t.Fatalf("expected exact handler")
	}
	handler, ok = registry.Lookup("payments", "charge.refunded")
	outcome, _ = handler.Handle(context.Background(), "", nil)
	if !ok || outcome.Metadata["handler"] != "wildcard" {
		t.Fatalf("expected wildcard handler")
	}
	if _, ok := registry.Lookup("google", "x"); ok {
		t.Fatalf("expected no handler for unregistered source")
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []int
}

func (n *recordingNotifier) RetryScheduled(_ context.Context, _ core.Delivery, attempt int, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, attempt)
	return nil
}
