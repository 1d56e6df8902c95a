// Package retry decides whether and when a failed request is retried.
//
// The policy is a pure decision function: pkg/request classifies an
// outcome, builds an Attempt, and asks the configured policy for a
// Decision. All sleeping and bookkeeping stays in the executor.
package retry

import (
	"net/http"
	"time"
)

// Attempt describes one classified retryable failure, plus how far the
// executor has already gone for this request.
type Attempt struct {
	// StatusCode and Header describe the HTTP response when one was
	// received; StatusCode is 0 for transport-level failures.
	StatusCode int
	Header     http.Header

	// Err is the classified error for this attempt.
	Err error

	// RetryAfter is the server's retry hint when it sent one
	// (Retry-After header), zero otherwise.
	RetryAfter time.Duration

	// NumRetries is the number of retries performed so far (0 on the
	// first failure).
	NumRetries int

	// MaxRetries and Interval echo the effective configuration so a
	// Strategy can see them.
	MaxRetries int
	Interval   time.Duration
}

// Strategy is a custom retry policy. It returns one of three decisions:
// Wait schedules a retry, Abort stops with the strategy's own error,
// and Unhandled stops with the original classified error unchanged.
type Strategy func(Attempt) Decision

// Config holds retry configuration for an executor or a single request.
type Config struct {
	// MaxRetries caps retries per request. 0 disables retrying.
	MaxRetries int

	// Interval is the fixed wait between retries. When zero and
	// MaxRetries > 0, retries happen immediately.
	Interval time.Duration

	// Strategy, when set, replaces the fixed-interval policy. The cap
	// from MaxRetries still applies before the strategy is consulted.
	Strategy Strategy
}

// Decision is the tagged result of a policy evaluation. The zero value
// is Unhandled: stop and surface the original error.
type Decision struct {
	kind decisionKind
	wait time.Duration
	err  error
}

type decisionKind int

const (
	decisionUnhandled decisionKind = iota
	decisionWait
	decisionAbort
)

// Wait schedules a retry after d.
func Wait(d time.Duration) Decision {
	return Decision{kind: decisionWait, wait: d}
}

// Abort stops retrying and surfaces err instead of the original error.
func Abort(err error) Decision {
	return Decision{kind: decisionAbort, err: err}
}

// Unhandled stops retrying and surfaces the original error unchanged.
func Unhandled() Decision {
	return Decision{}
}

// IsWait reports the retry delay when the decision is a retry.
func (d Decision) IsWait() (time.Duration, bool) {
	return d.wait, d.kind == decisionWait
}

// IsAbort reports the replacement error when the decision is an abort.
func (d Decision) IsAbort() (error, bool) {
	return d.err, d.kind == decisionAbort
}

// IsUnhandled reports whether the policy declined to handle the
// failure, which surfaces the original error.
func (d Decision) IsUnhandled() bool {
	return d.kind == decisionUnhandled
}

// Decide evaluates the policy for one classified failure.
//
// The retry cap always wins: once NumRetries reaches MaxRetries the
// original error surfaces regardless of any Strategy. Below the cap, a
// configured Strategy is authoritative, including its right to return
// Unhandled. The default policy honors a server Retry-After hint first,
// then the fixed interval, then an immediate retry when only
// MaxRetries is set.
func (c Config) Decide(a Attempt) Decision {
	if a.NumRetries >= c.MaxRetries {
		return Unhandled()
	}

	if c.Strategy != nil {
		return c.Strategy(a)
	}

	switch {
	case a.RetryAfter > 0:
		return Wait(a.RetryAfter)
	case c.Interval > 0:
		return Wait(c.Interval)
	default:
		return Wait(0)
	}
}
