package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/goliatone/go-hooks/transport"
)

const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderAPIKey    = "X-API-Key"
)

type KeyFunc func(r *http.Request) string

func KeyByIP(r *http.Request) string {
	return "ip:" + transport.ClientIP(r)
}

// KeyByAPIKey keys on the X-API-Key header, falling back to the client IP.
func KeyByAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
		return "key:" + key
	}
	return KeyByIP(r)
}

// Middleware rejects requests over the limit with 429. Store failures are
// logged and the request is let through.
func (l *Limiter) Middleware(keyFn KeyFunc) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = KeyByIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			decision, err := l.Check(r.Context(), key, 1)
			if err != nil {
				l.observer.Error(r.Context(), "rate limit check failed", map[string]any{
					"scope": l.scope,
					"error": err.Error(),
				})
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set(HeaderLimit, strconv.Itoa(decision.Limit))
			w.Header().Set(HeaderRemaining, strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				transport.WriteError(w, l.Throttled(key, decision))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
