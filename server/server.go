package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	hooks "github.com/goliatone/go-hooks"
	"github.com/goliatone/go-hooks/core"
	"github.com/goliatone/go-hooks/idempotency"
	"github.com/goliatone/go-hooks/ratelimit"
	"github.com/goliatone/go-hooks/transport"
)

// Server is the HTTP edge: webhook ingress, the admin surface for dead
// letters and delivery inspection, and a health check.
type Server struct {
	rt     *hooks.Runtime
	cfg    core.HTTPConfig
	router chi.Router
}

func New(rt *hooks.Runtime) (*Server, error) {
	if rt == nil {
		return nil, core.DependencyError("server: runtime is required")
	}
	s := &Server{
		rt:  rt,
		cfg: rt.Config().HTTP,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// HTTPServer returns an http.Server bound to the configured address and
// timeouts.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
}

func (s *Server) routes() chi.Router {
	router := chi.NewRouter()
	router.Get("/healthz", s.health)

	router.Route("/webhooks", func(r chi.Router) {
		r.Use(s.rt.WebhookLimiter().Middleware(ratelimit.KeyByIP))
		r.Post("/{source}", s.receiveWebhook)
	})

	// The admin surface is only mounted when keys are configured.
	keys := adminKeys(s.cfg.AdminAPIKeys)
	if len(keys) == 0 {
		return router
	}
	router.Route("/admin", func(r chi.Router) {
		r.Use(requireAPIKey(keys))
		r.Use(s.rt.AdminLimiter().Middleware(ratelimit.KeyByAPIKey))

		r.Get("/dead-letters", s.listDeadLetters)
		r.Get("/dead-letters/{id}", s.getDeadLetter)
		r.With(s.rt.Idempotency().Middleware(
			idempotency.WithRequester(ratelimit.KeyByAPIKey),
			idempotency.WithMaxBodyBytes(s.cfg.MaxBodyBytes),
		)).Post("/dead-letters/{id}/resolve", s.resolveDeadLetter)
		r.Get("/deliveries/{id}", s.getDelivery)
	})
	return router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	transport.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": s.rt.Config().ServiceName,
		"sources": s.rt.Dispatcher().Sources(),
	})
}

func adminKeys(configured []string) [][]byte {
	keys := make([][]byte, 0, len(configured))
	for _, key := range configured {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, []byte(key))
		}
	}
	return keys
}

func requireAPIKey(keys [][]byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := []byte(strings.TrimSpace(r.Header.Get(ratelimit.HeaderAPIKey)))
			matched := 0
			for _, key := range keys {
				matched |= subtle.ConstantTimeCompare(presented, key)
			}
			if len(presented) == 0 || matched != 1 {
				transport.WriteError(w, core.Unauthorized("missing or invalid API key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
