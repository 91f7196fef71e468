package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	goerrors "github.com/goliatone/go-errors"
	hookscommand "github.com/goliatone/go-hooks/command"
	"github.com/goliatone/go-hooks/core"
	hooksquery "github.com/goliatone/go-hooks/query"
	"github.com/goliatone/go-hooks/transport"
)

type receiptView struct {
	DeliveryID string `json:"delivery_id,omitempty"`
	Source     string `json:"source"`
	EventType  string `json:"event_type,omitempty"`
	EventID    string `json:"event_id,omitempty"`
	Status     string `json:"status"`
	Duplicate  bool   `json:"duplicate"`
}

type deadLetterView struct {
	ID              string          `json:"id"`
	DeliveryID      string          `json:"delivery_id"`
	Source          string          `json:"source"`
	EventType       string          `json:"event_type,omitempty"`
	ExternalEventID string          `json:"external_event_id,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	FinalError      string          `json:"final_error"`
	TotalAttempts   int             `json:"total_attempts"`
	Resolved        bool            `json:"resolved"`
	ResolutionNotes string          `json:"resolution_notes,omitempty"`
	ResolvedBy      string          `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

type deadLetterPageView struct {
	Items  []deadLetterView `json:"items"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

type attemptView struct {
	AttemptNumber int       `json:"attempt_number"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	ExecutedAt    time.Time `json:"executed_at"`
	Success       bool      `json:"success"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}

type deliveryView struct {
	ID                   string            `json:"id"`
	Source               string            `json:"source"`
	EventType            string            `json:"event_type,omitempty"`
	ExternalEventID      string            `json:"external_event_id,omitempty"`
	Status               string            `json:"status"`
	Attempts             int               `json:"attempts"`
	RetryAt              *time.Time        `json:"retry_at,omitempty"`
	Error                string            `json:"error,omitempty"`
	Headers              map[string]string `json:"headers,omitempty"`
	Payload              json.RawMessage   `json:"payload"`
	ReceivedAt           time.Time         `json:"received_at"`
	ProcessedAt          *time.Time        `json:"processed_at,omitempty"`
	ProcessingDurationMS int64             `json:"processing_duration_ms,omitempty"`
	History              []attemptView     `json:"history"`
	DeadLetter           *deadLetterView   `json:"dead_letter,omitempty"`
}

type resolveRequest struct {
	Notes      string `json:"notes"`
	ResolvedBy string `json:"resolved_by"`
}

func (s *Server) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, s.cfg.MaxBodyBytes)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	receipt, err := s.rt.Dispatcher().Ingest(r.Context(), core.InboundRequest{
		Source:     chi.URLParam(r, "source"),
		Headers:    transport.HeaderMap(r.Header),
		Body:       body,
		RemoteAddr: transport.ClientIP(r),
	})
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	status := receipt.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	transport.WriteJSON(w, status, receiptView{
		DeliveryID: receipt.DeliveryID,
		Source:     receipt.Source,
		EventType:  receipt.EventType,
		EventID:    receipt.EventID,
		Status:     string(receipt.Status),
		Duplicate:  receipt.Duplicate,
	})
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	filter, err := deadLetterFilter(r)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	page, err := s.rt.Facade().ListDeadLetters(r.Context(), filter)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	filter = filter.Normalize()
	out := deadLetterPageView{
		Items:  make([]deadLetterView, 0, len(page.Items)),
		Total:  page.Total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}
	for _, item := range page.Items {
		out.Items = append(out.Items, newDeadLetterView(item))
	}
	transport.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) getDeadLetter(w http.ResponseWriter, r *http.Request) {
	record, err := s.rt.Facade().GetDeadLetter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, newDeadLetterView(record))
}

func (s *Server) resolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, s.cfg.MaxBodyBytes)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	var req resolveRequest
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			transport.WriteError(w, core.BadInput("invalid JSON body", nil))
			return
		}
	}
	record, err := s.rt.Facade().ResolveDeadLetter(r.Context(), hookscommand.ResolveDeadLetterMessage{
		DeadLetterID: chi.URLParam(r, "id"),
		Notes:        req.Notes,
		ResolvedBy:   req.ResolvedBy,
	})
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, newDeadLetterView(record))
}

func (s *Server) getDelivery(w http.ResponseWriter, r *http.Request) {
	detail, err := s.rt.Facade().GetDelivery(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, newDeliveryView(detail))
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, core.NewError("request body too large", goerrors.CategoryBadInput,
				http.StatusRequestEntityTooLarge, core.ErrorPayloadTooLarge,
				map[string]any{"limit_bytes": limit})
		}
		return nil, core.BadInput("read request body", nil)
	}
	return body, nil
}

func deadLetterFilter(r *http.Request) (core.DeadLetterFilter, error) {
	query := r.URL.Query()
	filter := core.DeadLetterFilter{Source: strings.TrimSpace(query.Get("source"))}
	if raw := strings.TrimSpace(query.Get("resolved")); raw != "" {
		resolved, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, core.BadInput("resolved must be a boolean", map[string]any{"resolved": raw})
		}
		filter.Resolved = &resolved
	}
	for name, target := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := strings.TrimSpace(query.Get(name))
		if raw == "" {
			continue
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			return filter, core.BadInput(name+" must be a non-negative integer", map[string]any{name: raw})
		}
		*target = value
	}
	return filter, nil
}

func newDeadLetterView(record core.DeadLetter) deadLetterView {
	return deadLetterView{
		ID:              record.ID,
		DeliveryID:      record.DeliveryID,
		Source:          record.Source,
		EventType:       record.EventType,
		ExternalEventID: record.ExternalEventID,
		Payload:         rawPayload(record.Payload),
		FinalError:      record.FinalError,
		TotalAttempts:   record.TotalAttempts,
		Resolved:        record.Resolved,
		ResolutionNotes: record.ResolutionNotes,
		ResolvedBy:      record.ResolvedBy,
		ResolvedAt:      record.ResolvedAt,
		CreatedAt:       record.CreatedAt,
	}
}

func newDeliveryView(detail hooksquery.DeliveryDetail) deliveryView {
	delivery := detail.Delivery
	out := deliveryView{
		ID:                   delivery.ID,
		Source:               delivery.Source,
		EventType:            delivery.EventType,
		ExternalEventID:      delivery.ExternalEventID,
		Status:               string(delivery.Status),
		Attempts:             delivery.Attempts,
		RetryAt:              delivery.RetryAt,
		Error:                delivery.Error,
		Headers:              core.RedactHeaders(delivery.Headers),
		Payload:              rawPayload(delivery.Payload),
		ReceivedAt:           delivery.ReceivedAt,
		ProcessedAt:          delivery.ProcessedAt,
		ProcessingDurationMS: delivery.ProcessingDuration.Milliseconds(),
		History:              make([]attemptView, 0, len(detail.Attempts)),
	}
	for _, attempt := range detail.Attempts {
		out.History = append(out.History, attemptView{
			AttemptNumber: attempt.AttemptNumber,
			ScheduledAt:   attempt.ScheduledAt,
			ExecutedAt:    attempt.ExecutedAt,
			Success:       attempt.Success,
			ErrorMessage:  attempt.ErrorMessage,
		})
	}
	if detail.DeadLetter != nil {
		view := newDeadLetterView(*detail.DeadLetter)
		out.DeadLetter = &view
	}
	return out
}

// rawPayload embeds JSON payloads as-is and quotes anything else.
func rawPayload(payload []byte) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	quoted, err := json.Marshal(string(payload))
	if err != nil {
		return json.RawMessage("null")
	}
	return quoted
}
