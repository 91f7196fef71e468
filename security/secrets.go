package security

import (
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-hooks/core"
)

// KeyRotationWindow bounds when a secret version verifies signatures. Zero
// bounds are open.
type KeyRotationWindow struct {
	NotBefore time.Time
	NotAfter  time.Time
}

// Allows reports whether at falls inside [NotBefore, NotAfter].
func (w KeyRotationWindow) Allows(at time.Time) bool {
	at = at.UTC()
	switch {
	case !w.NotBefore.IsZero() && at.Before(w.NotBefore):
		return false
	case !w.NotAfter.IsZero() && at.After(w.NotAfter):
		return false
	default:
		return true
	}
}

type Secret struct {
	Value  []byte
	Window KeyRotationWindow
}

// SecretSet holds every secret version configured for one source. During a
// rotation both the outgoing and incoming secrets are active.
type SecretSet struct {
	secrets []Secret
}

func NewSecretSet(secrets ...Secret) SecretSet {
	out := make([]Secret, 0, len(secrets))
	for _, secret := range secrets {
		if len(secret.Value) == 0 {
			continue
		}
		out = append(out, Secret{Value: append([]byte(nil), secret.Value...), Window: secret.Window})
	}
	return SecretSet{secrets: out}
}

// StaticSecretSet builds a set of always-active secrets.
func StaticSecretSet(values ...string) SecretSet {
	secrets := make([]Secret, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		secrets = append(secrets, Secret{Value: []byte(value)})
	}
	return NewSecretSet(secrets...)
}

// SecretSetFromConfig parses RFC3339 rotation bounds from source config.
func SecretSetFromConfig(configs []core.SecretConfig) (SecretSet, error) {
	secrets := make([]Secret, 0, len(configs))
	for i, cfg := range configs {
		value := strings.TrimSpace(cfg.Value)
		if value == "" {
			return SecretSet{}, fmt.Errorf("security: secret %d value is required", i)
		}
		notBefore, err := parseBound(cfg.NotBefore)
		if err != nil {
			return SecretSet{}, fmt.Errorf("security: secret %d not_before: %w", i, err)
		}
		notAfter, err := parseBound(cfg.NotAfter)
		if err != nil {
			return SecretSet{}, fmt.Errorf("security: secret %d not_after: %w", i, err)
		}
		secrets = append(secrets, Secret{
			Value:  []byte(value),
			Window: KeyRotationWindow{NotBefore: notBefore, NotAfter: notAfter},
		})
	}
	return NewSecretSet(secrets...), nil
}

// Active returns the secrets whose rotation window includes at.
func (s SecretSet) Active(at time.Time) [][]byte {
	out := make([][]byte, 0, len(s.secrets))
	for _, secret := range s.secrets {
		if secret.Window.Allows(at) {
			out = append(out, secret.Value)
		}
	}
	return out
}

func (s SecretSet) Len() int {
	return len(s.secrets)
}

func parseBound(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}
