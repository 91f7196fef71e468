package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-hooks/core"
)

type ThrottledError struct {
	Scope      string
	Key        string
	Limit      int
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf(
		"ratelimit: %s key %q throttled for %s",
		strings.TrimSpace(e.Scope),
		strings.TrimSpace(e.Key),
		e.RetryAfter,
	)
}

func (e ThrottledError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{
		"scope": strings.TrimSpace(e.Scope),
		"limit": e.Limit,
	}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New("rate limit exceeded", goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.ErrorRateLimited).
		WithMetadata(metadata)
}

type LimiterOption func(*Limiter)

func WithScope(scope string) LimiterOption {
	return func(l *Limiter) {
		if scope = strings.TrimSpace(scope); scope != "" {
			l.scope = scope
		}
	}
}

func WithClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func WithObserver(observer *core.Observer) LimiterOption {
	return func(l *Limiter) {
		if observer != nil {
			l.observer = observer
		}
	}
}

// Limiter is a sliding-window throttle over a WindowStore.
type Limiter struct {
	store    WindowStore
	limit    int
	window   time.Duration
	scope    string
	now      func() time.Time
	observer *core.Observer
}

func NewLimiter(store WindowStore, rule core.RateLimitRule, opts ...LimiterOption) (*Limiter, error) {
	if store == nil {
		return nil, core.DependencyError("ratelimit: window store is required")
	}
	if rule.Limit <= 0 || rule.Window <= 0 {
		return nil, core.BadInput("ratelimit: limit and window must be positive", map[string]any{
			"limit":  rule.Limit,
			"window": rule.Window.String(),
		})
	}
	l := &Limiter{
		store:    store,
		limit:    rule.Limit,
		window:   rule.Window,
		scope:    "default",
		now:      func() time.Time { return time.Now().UTC() },
		observer: core.NewObserver(nil, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

func (l *Limiter) Window() time.Duration {
	return l.window
}

// Check records cost hits for key when they fit in the window.
func (l *Limiter) Check(ctx context.Context, key string, cost int) (decision Decision, err error) {
	startedAt := l.now()
	key = strings.TrimSpace(key)
	if cost <= 0 {
		cost = 1
	}
	defer func() {
		outcome := "allowed"
		switch {
		case err != nil:
			outcome = "error"
		case !decision.Allowed:
			outcome = "denied"
		}
		l.observer.Count(ctx, "ratelimit_check", 1, map[string]string{
			"scope":   l.scope,
			"outcome": outcome,
		})
	}()
	if key == "" {
		key = "anonymous"
	}
	return l.store.Hit(ctx, HitRequest{
		Key:    l.scope + ":" + key,
		Cost:   cost,
		Limit:  l.limit,
		Window: l.window,
		Now:    startedAt,
	})
}

// Throttled is the error form of a denied decision.
func (l *Limiter) Throttled(key string, decision Decision) error {
	if decision.Allowed {
		return nil
	}
	return ThrottledError{Scope: l.scope, Key: key, Limit: decision.Limit, RetryAfter: decision.RetryAfter}
}

// Sweep drops keys with no hit inside the window.
func (l *Limiter) Sweep(ctx context.Context) (removed int, err error) {
	startedAt := l.now()
	defer func() {
		l.observer.Observe(ctx, startedAt, "sweep", err, map[string]any{
			"target":  "ratelimit",
			"scope":   l.scope,
			"removed": removed,
		})
	}()
	return l.store.Sweep(ctx, l.scope+":", startedAt.Add(-l.window))
}
