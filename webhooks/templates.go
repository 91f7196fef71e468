package webhooks

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/goliatone/go-hooks/core"
	"github.com/goliatone/go-hooks/security"
)

const (
	SourcePayments = "payments"
	SourceGoogle   = "google"

	UnknownEventType = "unknown"
)

type EventRef struct {
	ExternalEventID string
	EventType       string
}

type EventExtractor func(req core.InboundRequest) (EventRef, error)

// SourceTemplate bundles how one sender signs and identifies its deliveries.
type SourceTemplate struct {
	Source       string
	Verifier     Verifier
	Extract      EventExtractor
	RejectStatus int
}

func (t SourceTemplate) rejectStatus() int {
	switch t.RejectStatus {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return t.RejectStatus
	default:
		return http.StatusForbidden
	}
}

// NewPaymentsTemplate verifies Stripe-Signature headers and reads the event
// id and type from the JSON body.
func NewPaymentsTemplate(secrets security.SecretSet, tolerance time.Duration) SourceTemplate {
	return SourceTemplate{
		Source: SourcePayments,
		Verifier: TimestampedHMACVerifier{
			Header:    HeaderPaymentsSignature,
			Secrets:   secrets,
			Tolerance: tolerance,
		},
		Extract: ChainEventExtractors(
			HeaderEventExtractor("X-Event-Id", "X-Event-Type"),
			JSONEventExtractor([]string{"id"}, []string{"type"}),
		),
		RejectStatus: http.StatusBadRequest,
	}
}

// NewGoogleTemplate verifies X-Goog-Signature headers. Pub/Sub style pushes
// carry the id in message.messageId and the type in message.attributes.
func NewGoogleTemplate(secrets security.SecretSet) SourceTemplate {
	return SourceTemplate{
		Source: SourceGoogle,
		Verifier: HexHMACVerifier{
			Header:  HeaderGoogleSignature,
			Secrets: secrets,
		},
		Extract: ChainEventExtractors(
			HeaderEventExtractor("X-Goog-Message-Id", "X-Goog-Event-Type"),
			JSONEventExtractor(
				[]string{"message.messageId", "messageId", "id"},
				[]string{"message.attributes.eventType", "eventType", "type"},
			),
		),
		RejectStatus: http.StatusForbidden,
	}
}

// TemplateFromConfig builds a template for a configured source. Known source
// names keep their extractors; other names get a generic id/type extractor.
func TemplateFromConfig(name string, cfg core.SourceConfig) (SourceTemplate, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return SourceTemplate{}, fmt.Errorf("webhooks: source name is required")
	}
	secrets, err := security.SecretSetFromConfig(cfg.Secrets)
	if err != nil {
		return SourceTemplate{}, err
	}
	if secrets.Len() == 0 {
		return SourceTemplate{}, fmt.Errorf("webhooks: source %s requires at least one secret", name)
	}

	var template SourceTemplate
	switch name {
	case SourcePayments:
		template = NewPaymentsTemplate(secrets, cfg.Tolerance)
	case SourceGoogle:
		template = NewGoogleTemplate(secrets)
	default:
		template = SourceTemplate{
			Source: name,
			Extract: ChainEventExtractors(
				HeaderEventExtractor("X-Event-Id", "X-Event-Type"),
				JSONEventExtractor([]string{"id", "event_id"}, []string{"type", "event_type"}),
			),
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Scheme)) {
	case core.SchemeHexHMAC:
		template.Verifier = HexHMACVerifier{Header: cfg.Header, Secrets: secrets}
	case core.SchemeTimestampedHMAC:
		template.Verifier = TimestampedHMACVerifier{Header: cfg.Header, Secrets: secrets, Tolerance: cfg.Tolerance}
	default:
		return SourceTemplate{}, fmt.Errorf("webhooks: source %s has unsupported scheme %q", name, cfg.Scheme)
	}
	if cfg.RejectStatus != 0 {
		template.RejectStatus = cfg.RejectStatus
	}
	return template, nil
}

func TemplatesFromConfig(sources map[string]core.SourceConfig) ([]SourceTemplate, error) {
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)
	templates := make([]SourceTemplate, 0, len(names))
	for _, name := range names {
		template, err := TemplateFromConfig(name, sources[name])
		if err != nil {
			return nil, err
		}
		templates = append(templates, template)
	}
	return templates, nil
}

func HeaderEventExtractor(idHeader string, typeHeader string) EventExtractor {
	return func(req core.InboundRequest) (EventRef, error) {
		ref := EventRef{
			ExternalEventID: headerValue(req.Headers, idHeader),
			EventType:       headerValue(req.Headers, typeHeader),
		}
		if ref.ExternalEventID == "" {
			return ref, fmt.Errorf("webhooks: %s header is missing", idHeader)
		}
		return ref, nil
	}
}

// JSONEventExtractor reads dotted paths from a JSON object body. The first
// non-empty path wins.
func JSONEventExtractor(idPaths []string, typePaths []string) EventExtractor {
	idPaths = append([]string(nil), idPaths...)
	typePaths = append([]string(nil), typePaths...)
	return func(req core.InboundRequest) (EventRef, error) {
		var body map[string]any
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return EventRef{}, fmt.Errorf("webhooks: decode event body: %w", err)
		}
		ref := EventRef{
			ExternalEventID: firstPath(body, idPaths),
			EventType:       firstPath(body, typePaths),
		}
		if ref.ExternalEventID == "" {
			return ref, fmt.Errorf("webhooks: event id is missing from body")
		}
		return ref, nil
	}
}

// ChainEventExtractors tries each extractor in order. An event type found by
// an earlier extractor is kept when a later one supplies only the id.
func ChainEventExtractors(extractors ...EventExtractor) EventExtractor {
	list := append([]EventExtractor(nil), extractors...)
	return func(req core.InboundRequest) (EventRef, error) {
		var (
			lastErr   error
			eventType string
		)
		for _, extractor := range list {
			if extractor == nil {
				continue
			}
			ref, err := extractor(req)
			if eventType == "" {
				eventType = strings.TrimSpace(ref.EventType)
			}
			if err == nil && strings.TrimSpace(ref.ExternalEventID) != "" {
				ref.ExternalEventID = strings.TrimSpace(ref.ExternalEventID)
				ref.EventType = eventType
				if ref.EventType == "" {
					ref.EventType = UnknownEventType
				}
				return ref, nil
			}
			if err != nil {
				lastErr = err
			}
		}
		if lastErr != nil {
			return EventRef{}, lastErr
		}
		return EventRef{}, fmt.Errorf("webhooks: event id is required for dedupe")
	}
}

func firstPath(body map[string]any, paths []string) string {
	for _, path := range paths {
		if value := lookupPath(body, path); value != "" {
			return value
		}
	}
	return ""
}

func lookupPath(body map[string]any, path string) string {
	var current any = body
	for _, segment := range strings.Split(path, ".") {
		object, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current, ok = object[segment]
		if !ok {
			return ""
		}
	}
	switch value := current.(type) {
	case string:
		return strings.TrimSpace(value)
	case float64:
		return strings.TrimSpace(fmt.Sprintf("%.0f", value))
	case json.Number:
		return value.String()
	default:
		return ""
	}
}
