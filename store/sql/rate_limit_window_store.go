package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/goliatone/go-hooks/ratelimit"
	"github.com/uptrace/bun"
)

// RateLimitWindowStore shares sliding-window logs between instances. Each
// key is one row; Hit reads, evaluates and writes it in a transaction that
// holds the row lock on PostgreSQL and the write lock on SQLite.
type RateLimitWindowStore struct {
	db *bun.DB
}

func NewRateLimitWindowStore(db *bun.DB) (*RateLimitWindowStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &RateLimitWindowStore{db: db}, nil
}

func (s *RateLimitWindowStore) Hit(ctx context.Context, req ratelimit.HitRequest) (ratelimit.Decision, error) {
	if s == nil || s.db == nil {
		return ratelimit.Decision{}, fmt.Errorf("sqlstore: rate-limit window store is not configured")
	}
	req.Key = strings.TrimSpace(req.Key)
	if req.Key == "" {
		return ratelimit.Decision{}, fmt.Errorf("sqlstore: rate-limit key is required")
	}
	now := req.Now.UTC()
	req.Now = now

	var decision ratelimit.Decision
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().
			Model(&rateLimitWindowRecord{Key: req.Key, Hits: []int64{}, UpdatedAt: now}).
			On("CONFLICT (window_key) DO NOTHING").
			Exec(ctx); err != nil {
			return err
		}

		record := &rateLimitWindowRecord{}
		query := tx.NewSelect().
			Model(record).
			Where("?TableAlias.window_key = ?", req.Key)
		if isPostgres(tx) {
			query = query.For("UPDATE")
		}
		if err := query.Limit(1).Scan(ctx); err != nil {
			return err
		}

		kept, evaluated := ratelimit.Evaluate(hitsToTimes(record.Hits), req)
		decision = evaluated
		encoded, err := json.Marshal(timesToHits(kept))
		if err != nil {
			return err
		}
		_, err = tx.NewUpdate().
			Model((*rateLimitWindowRecord)(nil)).
			Set("hits = ?", string(encoded)).
			Set("updated_at = ?", now).
			Where("window_key = ?", req.Key).
			Exec(ctx)
		return err
	})
	if err != nil {
		return ratelimit.Decision{}, err
	}
	return decision, nil
}

// Sweep deletes keys under prefix not hit since idleBefore.
func (s *RateLimitWindowStore) Sweep(ctx context.Context, prefix string, idleBefore time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: rate-limit window store is not configured")
	}
	query := s.db.NewDelete().
		Model((*rateLimitWindowRecord)(nil)).
		Where("updated_at < ?", idleBefore.UTC())
	if prefix != "" {
		query = query.Where("substr(window_key, 1, ?) = ?", len(prefix), prefix)
	}
	result, err := query.Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

func hitsToTimes(hits []int64) []time.Time {
	out := make([]time.Time, 0, len(hits))
	for _, hit := range hits {
		out = append(out, time.Unix(0, hit).UTC())
	}
	return out
}

func timesToHits(times []time.Time) []int64 {
	out := make([]int64, 0, len(times))
	for _, at := range times {
		out = append(out, at.UnixNano())
	}
	return out
}
