package webhooks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goliatone/go-hooks/core"
)

type memoryDeliveryStore struct {
	mu          sync.Mutex
	seq         int
	deliveries  map[string]core.Delivery
	attempts    map[string][]core.RetryAttempt
	deadLetters map[string]core.DeadLetter
	receives    int
}

func newMemoryDeliveryStore() *memoryDeliveryStore {
	return &memoryDeliveryStore{
		deliveries:  map[string]core.Delivery{},
		attempts:    map[string][]core.RetryAttempt{},
		deadLetters: map[string]core.DeadLetter{},
	}
}

func (s *memoryDeliveryStore) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *memoryDeliveryStore) Lookup(_ context.Context, source string, externalEventID string) (core.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, delivery := range s.deliveries {
		if delivery.Source == source && delivery.ExternalEventID == externalEventID &&
			delivery.Status != core.DeliveryStatusDeadLettered {
			return delivery, nil
		}
	}
	return core.Delivery{}, core.ErrNotFound
}

func (s *memoryDeliveryStore) Get(_ context.Context, id string) (core.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delivery, ok := s.deliveries[id]
	if !ok {
		return core.Delivery{}, core.ErrNotFound
	}
	return delivery, nil
}

func (s *memoryDeliveryStore) Receive(_ context.Context, in core.ReceiveInput) (core.Delivery, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receives++
	for _, delivery := range s.deliveries {
		if delivery.Source == in.Source && delivery.ExternalEventID == in.ExternalEventID &&
			delivery.Status != core.DeliveryStatusDeadLettered {
			return delivery, false, nil
		}
	}
	claimedUntil := in.ReceivedAt.Add(in.Lease)
	delivery := core.Delivery{
		ID:              s.nextID("dlv"),
		Source:          in.Source,
		EventType:       in.EventType,
		ExternalEventID: in.ExternalEventID,
		Payload:         append([]byte(nil), in.Payload...),
		Headers:         in.Headers,
		Signature:       in.Signature,
		Status:          core.DeliveryStatusReceived,
		ClaimedUntil:    &claimedUntil,
		ReceivedAt:      in.ReceivedAt,
		UpdatedAt:       in.ReceivedAt,
	}
	s.deliveries[delivery.ID] = delivery
	return delivery, true, nil
}

func (s *memoryDeliveryStore) Claim(_ context.Context, id string, lease time.Duration) (core.Delivery, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delivery, ok := s.deliveries[id]
	if !ok {
		return core.Delivery{}, false, core.ErrNotFound
	}
	if delivery.Status != core.DeliveryStatusReceived {
		return delivery, false, nil
	}
	until := delivery.ReceivedAt.Add(lease)
	delivery.Status = core.DeliveryStatusProcessing
	delivery.ClaimID = s.nextID("claim")
	delivery.ClaimedUntil = &until
	s.deliveries[id] = delivery
	return delivery, true, nil
}

func (s *memoryDeliveryStore) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]core.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.deliveries))
	for id := range s.deliveries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []core.Delivery
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		delivery := s.deliveries[id]
		leaseFree := delivery.ClaimedUntil == nil || delivery.ClaimedUntil.Before(now)
		due := false
		switch delivery.Status {
		case core.DeliveryStatusFailed:
			due = delivery.RetryAt != nil && !delivery.RetryAt.After(now) && leaseFree
		case core.DeliveryStatusReceived, core.DeliveryStatusProcessing:
			due = delivery.ClaimedUntil != nil && delivery.ClaimedUntil.Before(now)
		}
		if !due {
			continue
		}
		until := now.Add(lease)
		delivery.Status = core.DeliveryStatusProcessing
		delivery.ClaimID = s.nextID("claim")
		delivery.ClaimedUntil = &until
		s.deliveries[id] = delivery
		out = append(out, delivery)
	}
	return out, nil
}

func (s *memoryDeliveryStore) Complete(_ context.Context, in core.CompleteInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delivery, ok := s.deliveries[in.DeliveryID]
	if !ok || delivery.ClaimID != in.ClaimID {
		return fmt.Errorf("stale claim")
	}
	delivery.Attempts++
	s.attempts[delivery.ID] = append(s.attempts[delivery.ID], core.RetryAttempt{
		DeliveryID:    delivery.ID,
		AttemptNumber: delivery.Attempts,
		ScheduledAt:   in.ScheduledAt,
		ExecutedAt:    in.ExecutedAt,
		Success:       true,
	})
	processedAt := in.ExecutedAt
	delivery.Status = core.DeliveryStatusProcessed
	delivery.ProcessedAt = &processedAt
	delivery.ProcessingDuration = in.Duration
	delivery.ClaimID = ""
	delivery.ClaimedUntil = nil
	s.deliveries[delivery.ID] = delivery
	return nil
}

func (s *memoryDeliveryStore) Fail(_ context.Context, in core.FailInput) (core.FailResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delivery, ok := s.deliveries[in.DeliveryID]
	if !ok || delivery.ClaimID != in.ClaimID {
		return core.FailResult{}, fmt.Errorf("stale claim")
	}
	delivery.Attempts++
	message := ""
	if in.Cause != nil {
		message = in.Cause.Error()
	}
	s.attempts[delivery.ID] = append(s.attempts[delivery.ID], core.RetryAttempt{
		DeliveryID:    delivery.ID,
		AttemptNumber: delivery.Attempts,
		ScheduledAt:   in.ScheduledAt,
		ExecutedAt:    in.ExecutedAt,
		ErrorMessage:  message,
	})
	delivery.Error = message
	delivery.ClaimID = ""
	delivery.ClaimedUntil = nil
	result := core.FailResult{AttemptNumber: delivery.Attempts}
	if in.Permanent || delivery.Attempts >= in.MaxAttempts {
		delivery.Status = core.DeliveryStatusDeadLettered
		delivery.RetryAt = nil
		letter := core.DeadLetter{
			ID:              s.nextID("dl"),
			DeliveryID:      delivery.ID,
			Source:          delivery.Source,
			EventType:       delivery.EventType,
			ExternalEventID: delivery.ExternalEventID,
			FinalError:      message,
			TotalAttempts:   delivery.Attempts,
		}
		s.deadLetters[letter.ID] = letter
		result.DeadLettered = true
		result.DeadLetterID = letter.ID
	} else {
		retryAt := in.RetryAt
		delivery.Status = core.DeliveryStatusFailed
		delivery.RetryAt = &retryAt
		result.RetryAt = &retryAt
	}
	s.deliveries[delivery.ID] = delivery
	return result, nil
}

func (s *memoryDeliveryStore) ListAttempts(_ context.Context, deliveryID string) ([]core.RetryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.RetryAttempt(nil), s.attempts[deliveryID]...), nil
}

func (s *memoryDeliveryStore) PruneProcessed(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, delivery := range s.deliveries {
		if delivery.Status == core.DeliveryStatusProcessed && delivery.ProcessedAt != nil && delivery.ProcessedAt.Before(before) {
			delete(s.deliveries, id)
			count++
		}
	}
	return count, nil
}

func (s *memoryDeliveryStore) only() core.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, delivery := range s.deliveries {
		return delivery
	}
	return core.Delivery{}
}

func (s *memoryDeliveryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deliveries)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

var _ core.DeliveryStore = (*memoryDeliveryStore)(nil)
