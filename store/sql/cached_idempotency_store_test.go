package sqlstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-hooks/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

type stubIdempotencyStore struct {
	mu            sync.Mutex
	record        core.IdempotencyRecord
	getCalls      int
	insertCalls   int
	completeCalls int
	getErr        error
}

func (s *stubIdempotencyStore) Insert(_ context.Context, record core.IdempotencyRecord) (core.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertCalls++
	if s.record.Key != "" {
		return cloneIdempotencyRecord(s.record), false, nil
	}
	s.record = cloneIdempotencyRecord(record)
	return cloneIdempotencyRecord(record), true, nil
}

func (s *stubIdempotencyStore) Get(_ context.Context, key string) (core.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.getErr != nil {
		return core.IdempotencyRecord{}, s.getErr
	}
	if s.record.Key != key {
		return core.IdempotencyRecord{}, core.ErrNotFound
	}
	return cloneIdempotencyRecord(s.record), nil
}

func (s *stubIdempotencyStore) Complete(_ context.Context, _, _ string, response core.CachedResponse, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeCalls++
	s.record.Response = &response
	s.record.CompletedAt = &completedAt
	return nil
}

func (s *stubIdempotencyStore) TakeOver(context.Context, string, time.Time, time.Time, string) (bool, error) {
	return false, nil
}

func (s *stubIdempotencyStore) Release(context.Context, string, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = core.IdempotencyRecord{}
	return nil
}

func (s *stubIdempotencyStore) DeleteExpiredKey(context.Context, string, time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = core.IdempotencyRecord{}
	return true, nil
}

func (s *stubIdempotencyStore) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

func completedStubRecord(key string) core.IdempotencyRecord {
	now := time.Now().UTC()
	return core.IdempotencyRecord{
		Key:           key,
		OperationType: "dead_letter.resolve",
		Requester:     "ops",
		RequestHash:   "hash",
		Response:      &core.CachedResponse{StatusCode: 200, ContentType: "application/json", Body: []byte(`{"ok":true}`)},
		LockedAt:      now,
		CompletedAt:   &now,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
	}
}

func TestCachedIdempotencyStore_CompletedRecordServedFromCache(t *testing.T) {
	base := &stubIdempotencyStore{record: completedStubRecord("key-1")}
	store, err := NewCachedIdempotencyStore(base, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached idempotency store: %v", err)
	}

	for i := 0; i < 2; i++ {
		record, inserted, err := store.Insert(context.Background(), core.IdempotencyRecord{Key: "key-1"})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if inserted {
			t.Fatalf("expected completed record to be returned, not inserted")
		}
		if record.Response == nil || string(record.Response.Body) != `{"ok":true}` {
			t.Fatalf("expected cached response body, got %#v", record.Response)
		}
	}
	if base.getCalls != 1 {
		t.Fatalf("expected one base fetch, got %d", base.getCalls)
	}
	if base.insertCalls != 0 {
		t.Fatalf("expected base insert to be skipped, got %d calls", base.insertCalls)
	}
}

func TestCachedIdempotencyStore_InFlightRecordIsNotCached(t *testing.T) {
	base := &stubIdempotencyStore{}
	store, err := NewCachedIdempotencyStore(base, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached idempotency store: %v", err)
	}
	ctx := context.Background()

	if _, inserted, err := store.Insert(ctx, core.IdempotencyRecord{Key: "key-2", LockedAt: time.Now().UTC()}); err != nil || !inserted {
		t.Fatalf("expected first insert to create the placeholder, inserted=%v err=%v", inserted, err)
	}
	if _, inserted, err := store.Insert(ctx, core.IdempotencyRecord{Key: "key-2"}); err != nil || inserted {
		t.Fatalf("expected second insert to hit the in-flight placeholder, inserted=%v err=%v", inserted, err)
	}

	if err := store.Complete(ctx, "key-2", "token-2", core.CachedResponse{StatusCode: 201}, time.Now().UTC()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	record, err := store.Get(ctx, "key-2")
	if err != nil {
		t.Fatalf("get after complete: %v", err)
	}
	if !record.Completed() || record.Response.StatusCode != 201 {
		t.Fatalf("expected completed record after invalidation, got %#v", record)
	}
}

func TestCachedIdempotencyStore_ReleaseInvalidatesCachedKey(t *testing.T) {
	base := &stubIdempotencyStore{record: completedStubRecord("key-3")}
	store, err := NewCachedIdempotencyStore(base, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached idempotency store: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Get(ctx, "key-3"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	if _, err := store.DeleteExpiredKey(ctx, "key-3", time.Now().UTC()); err != nil {
		t.Fatalf("delete expired key: %v", err)
	}
	if _, err := store.Get(ctx, "key-3"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found after invalidation, got %v", err)
	}
}

func TestCachedIdempotencyStore_PropagatesBaseErrors(t *testing.T) {
	baseErr := errors.New("database unavailable")
	base := &stubIdempotencyStore{getErr: baseErr}
	store, err := NewCachedIdempotencyStore(base, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached idempotency store: %v", err)
	}
	if _, err := store.Get(context.Background(), "key-4"); !errors.Is(err, baseErr) {
		t.Fatalf("expected base error to propagate, got %v", err)
	}
}

func TestIdempotencyCacheKey_EscapesKey(t *testing.T) {
	if got := IdempotencyCacheKey(" a/b "); got != "go-hooks::idempotency::v1::a%2Fb" {
		t.Fatalf("unexpected cache key %q", got)
	}
}

func TestNewCachedIdempotencyStore_RequiresDependencies(t *testing.T) {
	if _, err := NewCachedIdempotencyStore(nil, newTestCacheService(t)); err == nil {
		t.Fatalf("expected error for nil base store")
	}
	if _, err := NewCachedIdempotencyStore(&stubIdempotencyStore{}, nil); err == nil {
		t.Fatalf("expected error for nil cache service")
	}
}

func newTestCacheService(t *testing.T) repositorycache.CacheService {
	t.Helper()
	config := repositorycache.DefaultConfig()
	config.TTL = time.Minute
	service, err := repositorycache.NewCacheService(config)
	if err != nil {
		t.Fatalf("new cache service: %v", err)
	}
	return service
}
