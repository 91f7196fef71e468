package core

import "strings"

const RedactedValue = "[REDACTED]"

var sensitiveTokens = []string{
	"password",
	"secret",
	"token",
	"authorization",
	"api_key",
	"api-key",
	"apikey",
	"cookie",
	"credential",
	"signature",
}

// RedactFields masks values whose keys look like credentials. Nested maps
// and slices are walked; identifiers used to trace a delivery stay visible.
func RedactFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	return redactMap(fields)
}

// RedactHeaders masks signature, auth and key headers before stored
// delivery headers leave the service.
func RedactHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		if isSensitiveKey(name) {
			out[name] = RedactedValue
			continue
		}
		out[name] = value
	}
	return out
}

func redactMap(source map[string]any) map[string]any {
	target := make(map[string]any, len(source))
	for key, value := range source {
		if isSensitiveKey(key) {
			target[key] = RedactedValue
			continue
		}
		target[key] = redactValue(value)
	}
	return target
}

func redactValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return redactMap(typed)
	case map[string]string:
		return RedactHeaders(typed)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = redactValue(typed[i])
		}
		return out
	default:
		return value
	}
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || isTraceKey(key) {
		return false
	}
	for _, token := range sensitiveTokens {
		if strings.Contains(key, token) {
			return true
		}
	}
	return false
}

func isTraceKey(key string) bool {
	switch key {
	case "delivery_id",
		"dead_letter_id",
		"event_id",
		"external_event_id",
		"idempotency_key",
		"claim_id",
		"request_id",
		"trace_id":
		return true
	default:
		return false
	}
}
