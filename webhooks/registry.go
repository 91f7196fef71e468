package webhooks

import (
	"fmt"
	"strings"
	"sync"

	"github.com/goliatone/go-hooks/core"
)

// AnyEventType registers a handler for every event type of a source.
const AnyEventType = "*"

type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]core.Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: map[string]core.Handler{}}
}

func (r *HandlerRegistry) Register(source string, eventType string, handler core.Handler) error {
	if r == nil {
		return fmt.Errorf("webhooks: handler registry is nil")
	}
	source = normalizeSource(source)
	eventType = strings.TrimSpace(eventType)
	if source == "" || eventType == "" {
		return fmt.Errorf("webhooks: source and event type are required")
	}
	if handler == nil {
		return fmt.Errorf("webhooks: handler is required")
	}
	key := handlerKey(source, eventType)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("webhooks: handler already registered for %s/%s", source, eventType)
	}
	r.handlers[key] = handler
	return nil
}

func (r *HandlerRegistry) RegisterFunc(source string, eventType string, fn core.HandlerFunc) error {
	if fn == nil {
		return fmt.Errorf("webhooks: handler is required")
	}
	return r.Register(source, eventType, fn)
}

// Lookup prefers an exact event type match over the source wildcard.
func (r *HandlerRegistry) Lookup(source string, eventType string) (core.Handler, bool) {
	if r == nil {
		return nil, false
	}
	source = normalizeSource(source)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if handler, ok := r.handlers[handlerKey(source, strings.TrimSpace(eventType))]; ok {
		return handler, true
	}
	handler, ok := r.handlers[handlerKey(source, AnyEventType)]
	return handler, ok
}

func handlerKey(source string, eventType string) string {
	return source + "\x00" + eventType
}

func normalizeSource(source string) string {
	return strings.ToLower(strings.TrimSpace(source))
}
