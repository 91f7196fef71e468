package transport

import (
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-hooks/core"
)

// ErrorBody is the JSON error envelope returned by every HTTP surface.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code     int            `json:"code"`
	TextCode string         `json:"text_code"`
	Message  string         `json:"message"`
	Category string         `json:"category,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Fields   []FieldDetail  `json:"fields,omitempty"`
}

type FieldDetail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ErrorResponse maps err into the HTTP status and envelope sent to clients.
// Internal errors never leak their message.
func ErrorResponse(err error) (int, ErrorBody) {
	mapped := core.MapError(err)
	if mapped == nil {
		mapped = core.Internal("", nil)
	}
	status := mapped.Code
	if status < 400 || status > 599 {
		status = core.HTTPStatus(mapped.Category)
	}
	message := mapped.Message
	if status >= http.StatusInternalServerError && mapped.Category == goerrors.CategoryInternal {
		message = "An unexpected error occurred"
	}
	detail := ErrorDetail{
		Code:     status,
		TextCode: mapped.TextCode,
		Message:  strings.TrimSpace(message),
		Category: string(mapped.Category),
	}
	if status < http.StatusInternalServerError {
		detail.Metadata = mapped.Metadata
		for _, field := range mapped.AllValidationErrors() {
			detail.Fields = append(detail.Fields, FieldDetail{Field: field.Field, Message: field.Message})
		}
	}
	return status, ErrorBody{Error: detail}
}

func WriteError(w http.ResponseWriter, err error) {
	status, body := ErrorResponse(err)
	WriteJSON(w, status, body)
}

func WriteJSON(w http.ResponseWriter, status int, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":500,"text_code":"` + core.ErrorInternal + `","message":"encode response"}}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
