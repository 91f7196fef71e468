package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryWindowStore is per process. It is only correct for a single
// instance; shared deployments use the SQL store.
type MemoryWindowStore struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	seen map[string]time.Time
}

func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{
		hits: map[string][]time.Time{},
		seen: map[string]time.Time{},
	}
}

func (s *MemoryWindowStore) Hit(_ context.Context, req HitRequest) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept, decision := Evaluate(s.hits[req.Key], req)
	s.hits[req.Key] = kept
	s.seen[req.Key] = req.Now
	return decision, nil
}

func (s *MemoryWindowStore) Sweep(_ context.Context, prefix string, idleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, seen := range s.seen {
		if strings.HasPrefix(key, prefix) && seen.Before(idleBefore) {
			delete(s.seen, key)
			delete(s.hits, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryWindowStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hits)
}
