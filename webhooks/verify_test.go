package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/goliatone/go-hooks/core"
	"github.com/goliatone/go-hooks/security"
)

func hexSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func timestampedSignature(secret string, timestamp int64, body []byte) string {
	return hexSignature(secret, append([]byte(fmt.Sprintf("%d.", timestamp)), body...))
}

func TestVerify_HexScheme(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	signature := hexSignature("shh", body)

	if !Verify(core.SchemeHexHMAC, body, signature, "shh") {
		t.Fatalf("expected bare hex signature to verify")
	}
	if !Verify(core.SchemeHexHMAC, body, "sha256="+signature, "shh") {
		t.Fatalf("expected prefixed signature to verify")
	}
	if Verify(core.SchemeHexHMAC, body, signature, "other") {
		t.Fatalf("expected wrong secret to fail")
	}
	if Verify(core.SchemeHexHMAC, body, "sha256=zz", "shh") {
		t.Fatalf("expected malformed hex to fail")
	}
	if Verify(core.SchemeHexHMAC, body, "", "shh") {
		t.Fatalf("expected empty header to fail")
	}
}

func TestVerify_FlippedByteAlwaysFails(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","amount":1200}`)
	hexSig := hexSignature("shh", body)
	ts := int64(1700000000)
	stripeSig := fmt.Sprintf("t=%d,v1=%s", ts, timestampedSignature("shh", ts, body))

	for i := range body {
		tampered := append([]byte(nil), body...)
		tampered[i] ^= 0x01
		if Verify(core.SchemeHexHMAC, tampered, hexSig, "shh") {
			t.Fatalf("expected hex verification to fail with byte %d flipped", i)
		}
		if Verify(core.SchemeTimestampedHMAC, tampered, stripeSig, "shh") {
			t.Fatalf("expected timestamped verification to fail with byte %d flipped", i)
		}
	}
}

func TestVerify_TimestampedSchemeAcceptsAnyV1(t *testing.T) {
	body := []byte(`{"id":"evt_2"}`)
	ts := int64(1700000000)
	oldSig := timestampedSignature("old-secret", ts, body)
	newSig := timestampedSignature("new-secret", ts, body)
	header := fmt.Sprintf("t=%d,v1=%s,v1=%s", ts, oldSig, newSig)

	if !Verify(core.SchemeTimestampedHMAC, body, header, "old-secret") {
		t.Fatalf("expected old secret to verify")
	}
	if !Verify(core.SchemeTimestampedHMAC, body, header, "new-secret") {
		t.Fatalf("expected new secret to verify")
	}
	if Verify(core.SchemeTimestampedHMAC, body, header, "third-secret") {
		t.Fatalf("expected unknown secret to fail")
	}
}

func TestVerify_TimestampedSchemeRejectsIncompleteHeaders(t *testing.T) {
	body := []byte(`{}`)
	sig := timestampedSignature("shh", 1, body)
	cases := []string{
		"v1=" + sig,
		"t=1",
		"t=1,v1=",
		"garbage",
		"t=1,,v1",
	}
	for _, header := range cases {
		if Verify(core.SchemeTimestampedHMAC, body, header, "shh") {
			t.Fatalf("expected header %q to fail", header)
		}
	}
}

func TestTimestampedHMACVerifier_ReportsMalformedHeaders(t *testing.T) {
	verifier := TimestampedHMACVerifier{Secrets: security.StaticSecretSet("shh")}
	err := verifier.Verify(context.Background(), core.InboundRequest{
		Headers: map[string]string{"stripe-signature": "v1=abc"},
		Body:    []byte(`{}`),
	})
	if !errors.Is(err, ErrMalformedSignature) {
		t.Fatalf("expected malformed signature error, got %v", err)
	}
}

func TestTimestampedHMACVerifier_Tolerance(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"id":"evt"}`)
	verifier := TimestampedHMACVerifier{
		Secrets:   security.StaticSecretSet("shh"),
		Tolerance: 5 * time.Minute,
		Now:       func() time.Time { return now },
	}

	fresh := now.Add(-time.Minute).Unix()
	err := verifier.Verify(context.Background(), core.InboundRequest{
		Headers: map[string]string{"Stripe-Signature": fmt.Sprintf("t=%d,v1=%s", fresh, timestampedSignature("shh", fresh, body))},
		Body:    body,
	})
	if err != nil {
		t.Fatalf("expected fresh signature to verify: %v", err)
	}

	stale := now.Add(-time.Hour).Unix()
	err = verifier.Verify(context.Background(), core.InboundRequest{
		Headers: map[string]string{"Stripe-Signature": fmt.Sprintf("t=%d,v1=%s", stale, timestampedSignature("shh", stale, body))},
		Body:    body,
	})
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected stale signature to be rejected, got %v", err)
	}
}

func TestHexHMACVerifier_UsesEveryActiveSecret(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	secrets := security.NewSecretSet(
		security.Secret{Value: []byte("retired"), Window: security.KeyRotationWindow{NotAfter: now.Add(-time.Hour)}},
		security.Secret{Value: []byte("current")},
	)
	verifier := HexHMACVerifier{Secrets: secrets, Now: func() time.Time { return now }}
	body := []byte(`{"message":{"messageId":"1"}}`)

	err := verifier.Verify(context.Background(), core.InboundRequest{
		Headers: map[string]string{"X-Goog-Signature": "sha256=" + hexSignature("current", body)},
		Body:    body,
	})
	if err != nil {
		t.Fatalf("expected current secret to verify: %v", err)
	}

	err = verifier.Verify(context.Background(), core.InboundRequest{
		Headers: map[string]string{"X-Goog-Signature": hexSignature("retired", body)},
		Body:    body,
	})
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected retired secret to be rejected, got %v", err)
	}
}
