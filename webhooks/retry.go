package webhooks

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goliatone/go-hooks/core"
)

const (
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = 5 * time.Minute
	DefaultMaxAttempts = 3
	DefaultJitter      = 0.2
)

// RetryPolicy computes base * 2^(attempt-1) capped at MaxDelay, then spreads
// it by +/- Jitter.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Jitter      float64
	// Random returns a value in [0, 1). Defaults to math/rand.
	Random func() float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		MaxAttempts: DefaultMaxAttempts,
		Jitter:      DefaultJitter,
	}
}

func RetryPolicyFromConfig(cfg core.RetryConfig) RetryPolicy {
	return RetryPolicy{
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		MaxAttempts: cfg.MaxAttempts,
		Jitter:      cfg.Jitter,
	}.normalized()
}

// BaseDelayFor is the un-jittered delay after the given failed attempt.
func (p RetryPolicy) BaseDelayFor(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(delay, p.MaxDelay)
}

// NextDelay is the jittered delay before retrying after the given failed attempt.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	p = p.normalized()
	delay := p.BaseDelayFor(attempt)
	if p.Jitter <= 0 {
		return delay
	}
	random := p.Random
	if random == nil {
		random = rand.Float64
	}
	spread := 1 + p.Jitter*(2*random()-1)
	return time.Duration(math.Round(float64(delay) * spread))
}

// Exhausted reports whether a failure on attempt must dead-letter the delivery.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.normalized().MaxAttempts
}

// NormalizeAttempt clamps an attempt counter into [1, MaxAttempts].
func (p RetryPolicy) NormalizeAttempt(attempt int) int {
	p = p.normalized()
	if attempt < 1 {
		return 1
	}
	if attempt > p.MaxAttempts {
		return p.MaxAttempts
	}
	return attempt
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter >= 1 {
		p.Jitter = DefaultJitter
	}
	return p
}
