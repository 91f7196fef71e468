package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-hooks/core"
	"github.com/goliatone/go-hooks/security"
)

const (
	HeaderGoogleSignature   = "X-Goog-Signature"
	HeaderPaymentsSignature = "Stripe-Signature"
)

var (
	// ErrMalformedSignature marks a header that could not be parsed at all.
	ErrMalformedSignature = errors.New("webhooks: malformed signature header")
	ErrSignatureMismatch  = errors.New("webhooks: signature mismatch")
)

type Verifier interface {
	Verify(ctx context.Context, req core.InboundRequest) error
}

// Verify checks a single secret against a raw signature header for the given
// scheme. It never panics; any parse failure is a false result.
func Verify(scheme string, body []byte, signatureHeader string, secret string) bool {
	if strings.TrimSpace(secret) == "" {
		return false
	}
	secrets := [][]byte{[]byte(secret)}
	switch strings.ToLower(strings.TrimSpace(scheme)) {
	case core.SchemeHexHMAC:
		return verifyHex(body, signatureHeader, secrets) == nil
	case core.SchemeTimestampedHMAC:
		return verifyTimestamped(body, signatureHeader, secrets, 0, time.Time{}) == nil
	default:
		return false
	}
}

// HexHMACVerifier checks hex(HMAC-SHA256(secret, body)), with an optional
// "sha256=" prefix on the header value.
type HexHMACVerifier struct {
	Header  string
	Secrets security.SecretSet
	Now     func() time.Time
}

func (v HexHMACVerifier) Verify(_ context.Context, req core.InboundRequest) error {
	header := headerValue(req.Headers, v.header())
	secrets := v.Secrets.Active(nowOr(v.Now))
	if len(secrets) == 0 {
		return fmt.Errorf("webhooks: no active secret for %s", v.header())
	}
	return verifyHex(req.Body, header, secrets)
}

func (v HexHMACVerifier) header() string {
	if header := strings.TrimSpace(v.Header); header != "" {
		return header
	}
	return HeaderGoogleSignature
}

// TimestampedHMACVerifier checks "t=<ts>,v1=<sig>[,v1=<sig>...]" headers
// where each v1 is hex(HMAC-SHA256(secret, "<ts>.<body>")). Any matching v1
// verifies, so senders can sign with old and new secrets during rotation.
type TimestampedHMACVerifier struct {
	Header    string
	Secrets   security.SecretSet
	Tolerance time.Duration
	Now       func() time.Time
}

func (v TimestampedHMACVerifier) Verify(_ context.Context, req core.InboundRequest) error {
	header := headerValue(req.Headers, v.header())
	now := nowOr(v.Now)
	secrets := v.Secrets.Active(now)
	if len(secrets) == 0 {
		return fmt.Errorf("webhooks: no active secret for %s", v.header())
	}
	return verifyTimestamped(req.Body, header, secrets, v.Tolerance, now)
}

func (v TimestampedHMACVerifier) header() string {
	if header := strings.TrimSpace(v.Header); header != "" {
		return header
	}
	return HeaderPaymentsSignature
}

func verifyHex(body []byte, header string, secrets [][]byte) error {
	signature := strings.TrimSpace(header)
	signature = strings.TrimSpace(strings.TrimPrefix(signature, "sha256="))
	if signature == "" {
		return fmt.Errorf("%w: signature value is required", ErrMalformedSignature)
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: decode hex signature: %v", ErrMalformedSignature, err)
	}
	for _, secret := range secrets {
		if subtle.ConstantTimeCompare(provided, sign(secret, body)) == 1 {
			return nil
		}
	}
	return ErrSignatureMismatch
}

func verifyTimestamped(body []byte, header string, secrets [][]byte, tolerance time.Duration, now time.Time) error {
	timestamp, signatures, err := parseTimestampedHeader(header)
	if err != nil {
		return err
	}
	if tolerance > 0 {
		unix, parseErr := strconv.ParseInt(timestamp, 10, 64)
		if parseErr != nil {
			return fmt.Errorf("%w: timestamp is not a unix time", ErrMalformedSignature)
		}
		age := now.Sub(time.Unix(unix, 0))
		if age < 0 {
			age = -age
		}
		if age > tolerance {
			return fmt.Errorf("webhooks: signature timestamp outside tolerance: %w", ErrSignatureMismatch)
		}
	}

	signed := make([]byte, 0, len(timestamp)+1+len(body))
	signed = append(signed, timestamp...)
	signed = append(signed, '.')
	signed = append(signed, body...)

	for _, secret := range secrets {
		expected := []byte(hex.EncodeToString(sign(secret, signed)))
		for _, candidate := range signatures {
			if subtle.ConstantTimeCompare([]byte(strings.ToLower(candidate)), expected) == 1 {
				return nil
			}
		}
	}
	return ErrSignatureMismatch
}

func parseTimestampedHeader(header string) (string, []string, error) {
	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "t":
			timestamp = value
		case "v1":
			if value != "" {
				signatures = append(signatures, value)
			}
		}
	}
	if timestamp == "" {
		return "", nil, fmt.Errorf("%w: timestamp is required", ErrMalformedSignature)
	}
	if len(signatures) == 0 {
		return "", nil, fmt.Errorf("%w: at least one v1 signature is required", ErrMalformedSignature)
	}
	return timestamp, signatures, nil
}

func sign(secret []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}

func nowOr(now func() time.Time) time.Time {
	if now != nil {
		return now().UTC()
	}
	return time.Now().UTC()
}

func headerValue(headers map[string]string, key string) string {
	if len(headers) == 0 {
		return ""
	}
	if value, ok := headers[key]; ok {
		return strings.TrimSpace(value)
	}
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
