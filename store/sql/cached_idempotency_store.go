package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-hooks/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const idempotencyCacheKeyPrefix = "go-hooks::idempotency::v1"

var errNotCompleted = errors.New("sqlstore: idempotency record is not completed")

// CachedIdempotencyStore answers replays of completed keys from cache.
// Only completed records are cached; they never change until expiry, and
// expired entries are still rejected by the service through ExpiresAt.
type CachedIdempotencyStore struct {
	base  core.IdempotencyStore
	cache repositorycache.CacheService
}

func NewCachedIdempotencyStore(base core.IdempotencyStore, cacheService repositorycache.CacheService) (*CachedIdempotencyStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base idempotency store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: idempotency cache service is required")
	}
	return &CachedIdempotencyStore{base: base, cache: cacheService}, nil
}

// IdempotencyCacheKey is go-hooks::idempotency::v1::<escaped key>.
func IdempotencyCacheKey(key string) string {
	return idempotencyCacheKeyPrefix + "::" + url.PathEscape(strings.TrimSpace(key))
}

func (s *CachedIdempotencyStore) Insert(ctx context.Context, record core.IdempotencyRecord) (core.IdempotencyRecord, bool, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.IdempotencyRecord{}, false, fmt.Errorf("sqlstore: cached idempotency store is not configured")
	}
	if completed, err := s.completed(ctx, record.Key); err == nil {
		return completed, false, nil
	}
	return s.base.Insert(ctx, record)
}

func (s *CachedIdempotencyStore) Get(ctx context.Context, key string) (core.IdempotencyRecord, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.IdempotencyRecord{}, fmt.Errorf("sqlstore: cached idempotency store is not configured")
	}
	completed, err := s.completed(ctx, key)
	if err == nil {
		return completed, nil
	}
	return s.base.Get(ctx, key)
}

func (s *CachedIdempotencyStore) Complete(ctx context.Context, key, lockToken string, response core.CachedResponse, completedAt time.Time) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached idempotency store is not configured")
	}
	if err := s.base.Complete(ctx, key, lockToken, response, completedAt); err != nil {
		return err
	}
	return s.cache.Delete(ctx, IdempotencyCacheKey(key))
}

func (s *CachedIdempotencyStore) TakeOver(ctx context.Context, key string, staleBefore time.Time, now time.Time, lockToken string) (bool, error) {
	if s == nil || s.base == nil {
		return false, fmt.Errorf("sqlstore: cached idempotency store is not configured")
	}
	return s.base.TakeOver(ctx, key, staleBefore, now, lockToken)
}

func (s *CachedIdempotencyStore) Release(ctx context.Context, key, lockToken string) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached idempotency store is not configured")
	}
	if err := s.base.Release(ctx, key, lockToken); err != nil {
		return err
	}
	return s.cache.Delete(ctx, IdempotencyCacheKey(key))
}

func (s *CachedIdempotencyStore) DeleteExpiredKey(ctx context.Context, key string, now time.Time) (bool, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return false, fmt.Errorf("sqlstore: cached idempotency store is not configured")
	}
	deleted, err := s.base.DeleteExpiredKey(ctx, key, now)
	if err != nil {
		return false, err
	}
	if err := s.cache.Delete(ctx, IdempotencyCacheKey(key)); err != nil {
		return deleted, err
	}
	return deleted, nil
}

func (s *CachedIdempotencyStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.base == nil {
		return 0, fmt.Errorf("sqlstore: cached idempotency store is not configured")
	}
	return s.base.DeleteExpired(ctx, now)
}

func (s *CachedIdempotencyStore) completed(ctx context.Context, key string) (core.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return core.IdempotencyRecord{}, errNotCompleted
	}
	record, err := repositorycache.GetOrFetch(ctx, s.cache, IdempotencyCacheKey(key), func(ctx context.Context) (core.IdempotencyRecord, error) {
		fetched, fetchErr := s.base.Get(ctx, key)
		if fetchErr != nil {
			return core.IdempotencyRecord{}, fetchErr
		}
		if !fetched.Completed() {
			return core.IdempotencyRecord{}, errNotCompleted
		}
		return cloneIdempotencyRecord(fetched), nil
	})
	if err != nil {
		return core.IdempotencyRecord{}, err
	}
	if !record.Completed() {
		return core.IdempotencyRecord{}, errNotCompleted
	}
	return cloneIdempotencyRecord(record), nil
}

func cloneIdempotencyRecord(record core.IdempotencyRecord) core.IdempotencyRecord {
	cloned := record
	cloned.CompletedAt = utcPointer(record.CompletedAt)
	if record.Response != nil {
		response := *record.Response
		response.Body = append([]byte{}, record.Response.Body...)
		cloned.Response = &response
	}
	return cloned
}
