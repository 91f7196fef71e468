package ratelimit

import (
	"context"
	"sort"
	"time"
)

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type HitRequest struct {
	Key    string
	Cost   int
	Limit  int
	Window time.Duration
	Now    time.Time
}

// WindowStore keeps a per-key log of hit timestamps. Hit must prune, decide
// and record atomically for a key.
type WindowStore interface {
	Hit(ctx context.Context, req HitRequest) (Decision, error)
	// Sweep drops keys under prefix whose last hit is before idleBefore.
	Sweep(ctx context.Context, prefix string, idleBefore time.Time) (int, error)
}

// Evaluate applies the sliding-window log to hits and returns the log to
// persist. Denied requests are not recorded.
func Evaluate(hits []time.Time, req HitRequest) ([]time.Time, Decision) {
	cutoff := req.Now.Add(-req.Window)
	kept := make([]time.Time, 0, len(hits)+req.Cost)
	for _, hit := range hits {
		if hit.After(cutoff) {
			kept = append(kept, hit)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Before(kept[j]) })

	decision := Decision{Limit: req.Limit}
	if len(kept)+req.Cost <= req.Limit {
		for i := 0; i < req.Cost; i++ {
			kept = append(kept, req.Now)
		}
		decision.Allowed = true
		decision.Remaining = req.Limit - len(kept)
		return kept, decision
	}

	decision.Remaining = max(req.Limit-len(kept), 0)
	if req.Cost > req.Limit {
		decision.RetryAfter = req.Window
		return kept, decision
	}
	// The oldest hits must age out until the new cost fits.
	mustExpire := len(kept) + req.Cost - req.Limit
	decision.RetryAfter = kept[mustExpire-1].Add(req.Window).Sub(req.Now)
	if decision.RetryAfter <= 0 {
		decision.RetryAfter = time.Millisecond
	}
	return kept, decision
}
