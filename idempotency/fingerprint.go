package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"github.com/goccy/go-json"
)

// Fingerprint hashes method, path and the normalized body. JSON bodies are
// canonicalized so key order and whitespace do not change the hash.
func Fingerprint(method string, path string, body []byte) string {
	sum := sha256.New()
	_, _ = io.WriteString(sum, strings.ToUpper(strings.TrimSpace(method)))
	_, _ = io.WriteString(sum, "\n")
	_, _ = io.WriteString(sum, strings.TrimSpace(path))
	_, _ = io.WriteString(sum, "\n")
	_, _ = sum.Write(NormalizeBody(body))
	return hex.EncodeToString(sum.Sum(nil))
}

func NormalizeBody(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return trimmed
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil || decoder.More() {
		return trimmed
	}
	canonical, err := json.Marshal(value)
	if err != nil {
		return trimmed
	}
	return canonical
}
