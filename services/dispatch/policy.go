package dispatch

import (
	"math"
	"time"
)

// Policy bounds retries and timeouts for one dispatch.
type Policy struct {
	// MaxRetries is the number of additional endpoints tried after the
	// first attempt fails with a retryable error.
	MaxRetries int
	// BackoffBase is the wait before the first retry; it doubles on each
	// subsequent retry.
	BackoffBase time.Duration
	// Jitter spreads each backoff uniformly by ±Jitter of its value.
	Jitter float64
	// RequestTimeout caps the whole dispatch, retries included.
	RequestTimeout time.Duration
	// AttemptTimeout caps a single provider call. Zero means the call may
	// use whatever remains of RequestTimeout.
	AttemptTimeout time.Duration
}

// DefaultPolicy returns two retries, 200ms base backoff with ±20% jitter and
// a 60s overall timeout.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     2,
		BackoffBase:    200 * time.Millisecond,
		Jitter:         0.2,
		RequestTimeout: 60 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = d.BackoffBase
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = d.Jitter
	}
	if p.RequestTimeout <= 0 {
		p.RequestTimeout = d.RequestTimeout
	}
	if p.AttemptTimeout < 0 {
		p.AttemptTimeout = 0
	}
	return p
}

// Backoff returns the wait before retry number retry. Retries count from 1,
// so the first retry waits BackoffBase and each later one doubles it, before
// jitter. rnd must return values in [0, 1).
func (p Policy) Backoff(retry int, rnd func() float64) time.Duration {
	if retry < 1 {
		return 0
	}
	base := float64(p.BackoffBase) * math.Pow(2, float64(retry-1))
	if p.Jitter > 0 && rnd != nil {
		base *= 1 + p.Jitter*(2*rnd()-1)
	}
	return time.Duration(base)
}
