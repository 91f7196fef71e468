package idempotency

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-hooks/core"
	"github.com/goliatone/go-hooks/transport"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"

	defaultMaxBodyBytes = 1 << 20
)

type MiddlewareOption func(*middleware)

// WithOperation names the guarded operation. Defaults to "METHOD path".
func WithOperation(fn func(*http.Request) string) MiddlewareOption {
	return func(m *middleware) {
		if fn != nil {
			m.operation = fn
		}
	}
}

// WithRequester identifies the caller so keys cannot be replayed across
// identities.
func WithRequester(fn func(*http.Request) string) MiddlewareOption {
	return func(m *middleware) {
		if fn != nil {
			m.requester = fn
		}
	}
}

func WithRequiredKey(required bool) MiddlewareOption {
	return func(m *middleware) { m.required = required }
}

func WithMaxBodyBytes(limit int64) MiddlewareOption {
	return func(m *middleware) {
		if limit > 0 {
			m.maxBody = limit
		}
	}
}

type middleware struct {
	service   *Service
	operation func(*http.Request) string
	requester func(*http.Request) string
	required  bool
	maxBody   int64
}

// Middleware guards mutating requests carrying an Idempotency-Key header.
// Replays get the stored response byte for byte; a reused key with a
// different request gets 409.
func (s *Service) Middleware(opts ...MiddlewareOption) func(http.Handler) http.Handler {
	m := &middleware{
		service:   s,
		operation: func(r *http.Request) string { return r.Method + " " + r.URL.Path },
		requester: func(r *http.Request) string { return transport.ClientIP(r) },
		maxBody:   defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m.wrap
}

func (m *middleware) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !mutating(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		key := strings.TrimSpace(r.Header.Get(HeaderKey))
		if key == "" {
			if m.required {
				transport.WriteError(w, core.BadInput("Idempotency-Key header is required", nil))
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, m.maxBody+1))
		if err != nil {
			transport.WriteError(w, core.BadInput("could not read request body", nil))
			return
		}
		if int64(len(body)) > m.maxBody {
			transport.WriteError(w, core.NewError("request body too large", goerrors.CategoryBadInput,
				http.StatusRequestEntityTooLarge, core.ErrorPayloadTooLarge, nil))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		ctx := r.Context()
		decision, err := m.service.Begin(ctx, BeginRequest{
			Key:           key,
			OperationType: m.operation(r),
			Requester:     m.requester(r),
			RequestHash:   Fingerprint(r.Method, r.URL.Path, body),
		})
		if err != nil {
			transport.WriteError(w, err)
			return
		}

		switch decision.Outcome {
		case OutcomeCached:
			replay(w, decision.Response)
			return
		case OutcomeConflict:
			transport.WriteError(w, decision.Err())
			return
		case OutcomeInFlight:
			seconds := int(decision.RetryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			transport.WriteError(w, decision.Err())
			return
		}

		recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if recovered := recover(); recovered != nil {
				_ = m.service.Release(ctx, key, decision.LockToken)
				panic(recovered)
			}
		}()
		next.ServeHTTP(recorder, r)

		if recorder.status >= http.StatusInternalServerError {
			if releaseErr := m.service.Release(ctx, key, decision.LockToken); releaseErr != nil {
				m.service.observer.Error(ctx, "release idempotency key failed", map[string]any{
					"idempotency_key": key,
					"error":           releaseErr.Error(),
				})
			}
			return
		}
		completeErr := m.service.Complete(ctx, key, decision.LockToken, core.CachedResponse{
			StatusCode:  recorder.status,
			ContentType: recorder.Header().Get("Content-Type"),
			Body:        recorder.body.Bytes(),
		})
		if completeErr != nil {
			m.service.observer.Error(ctx, "store idempotent response failed", map[string]any{
				"idempotency_key": key,
				"error":           completeErr.Error(),
			})
		}
	})
}

func replay(w http.ResponseWriter, response *core.CachedResponse) {
	if response == nil {
		transport.WriteError(w, core.Internal("idempotency: cached response missing", nil))
		return
	}
	if response.ContentType != "" {
		w.Header().Set("Content-Type", response.ContentType)
	}
	w.Header().Set(HeaderReplayed, "true")
	w.WriteHeader(response.StatusCode)
	_, _ = w.Write(response.Body)
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(data)
	return r.ResponseWriter.Write(data)
}
