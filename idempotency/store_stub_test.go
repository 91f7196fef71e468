package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/goliatone/go-hooks/core"
)

type memoryStore struct {
	mu      sync.Mutex
	records map[string]core.IdempotencyRecord
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: map[string]core.IdempotencyRecord{}}
}

func (s *memoryStore) Insert(_ context.Context, record core.IdempotencyRecord) (core.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[record.Key]; ok {
		return existing, false, nil
	}
	s.records[record.Key] = record
	return record, true, nil
}

func (s *memoryStore) Get(_ context.Context, key string) (core.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	if !ok {
		return core.IdempotencyRecord{}, core.ErrNotFound
	}
	return record, nil
}

func (s *memoryStore) Complete(_ context.Context, key, lockToken string, response core.CachedResponse, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	if !ok {
		return core.ErrNotFound
	}
	if record.CompletedAt != nil || record.LockToken != lockToken {
		return core.IdempotencyLockLost(key)
	}
	record.Response = &response
	record.CompletedAt = &completedAt
	s.records[key] = record
	return nil
}

func (s *memoryStore) TakeOver(_ context.Context, key string, staleBefore time.Time, now time.Time, lockToken string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	if !ok || record.CompletedAt != nil || record.LockedAt.After(staleBefore) {
		return false, nil
	}
	record.LockedAt = now
	record.LockToken = lockToken
	s.records[key] = record
	return true, nil
}

func (s *memoryStore) Release(_ context.Context, key, lockToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.records[key]; ok && record.CompletedAt == nil && record.LockToken == lockToken {
		delete(s.records, key)
	}
	return nil
}

func (s *memoryStore) DeleteExpiredKey(_ context.Context, key string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.records[key]; ok && record.Expired(now) {
		delete(s.records, key)
		return true, nil
	}
	return false, nil
}

func (s *memoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, record := range s.records {
		if record.Expired(now) {
			delete(s.records, key)
			removed++
		}
	}
	return removed, nil
}

var _ core.IdempotencyStore = (*memoryStore)(nil)
