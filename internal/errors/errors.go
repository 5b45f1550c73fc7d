// Package errors defines the Instance Manager Core's error taxonomy.
//
// Each sentinel corresponds to one of the error kinds in the design's error
// handling section. Callers at the HTTP boundary use errors.Is/errors.As to
// pick a status code; callers inside the worker loop use them to decide
// whether a failure is soft (retry next poll) or terminal (fail the task).
package errors

import "fmt"

// Sentinel error kinds. Wrap with fmt.Errorf("...: %w", ErrX) to add detail.
var (
	// ErrValidation marks a malformed request, invalid name, unknown
	// challenge type, or schema-invalid CDF/CTD. Never enqueued; surfaced as
	// HTTP 400.
	ErrValidation = &Error{Kind: "validation"}

	// ErrRateLimited marks a request rejected by the rate limiter. Surfaced
	// as HTTP 429 with a RetryAfter.
	ErrRateLimited = &Error{Kind: "rate_limited"}

	// ErrRedisUnavailable marks a Redis outage. Components that can degrade
	// gracefully (the rate limiter) fall back to memory; others surface
	// HTTP 503.
	ErrRedisUnavailable = &Error{Kind: "redis_unavailable"}

	// ErrLockUnavailable marks a failed lock acquisition after the retry
	// schedule is exhausted. Callers MUST treat this as a soft failure and
	// never proceed unlocked.
	ErrLockUnavailable = &Error{Kind: "lock_unavailable"}

	// ErrStateTransition marks a disallowed worker state transition. The
	// worker remains in its prior state; never silently coerced.
	ErrStateTransition = &Error{Kind: "state_transition"}

	// ErrDeploymentFailure marks a Kubernetes API error during object
	// creation. Triggers full label-scoped cleanup of the instance.
	ErrDeploymentFailure = &Error{Kind: "deployment_failure"}

	// ErrTimeout marks a task callback that exceeded its deadline. Recorded
	// as a task failure with status "timeout"; no cleanup is attempted
	// (indeterminate with respect to K8s side effects).
	ErrTimeout = &Error{Kind: "timeout"}

	// ErrUnknownChallengeType marks a CDF referencing a challenge_type with
	// no loaded CTD.
	ErrUnknownChallengeType = &Error{Kind: "unknown_challenge_type"}

	// ErrMissingCTD is a fatal validation failure: no CTD is loaded for the
	// requested type at all.
	ErrMissingCTD = &Error{Kind: "missing_ctd"}
)

// Error is a typed, kind-tagged error. Two Errors with the same Kind compare
// equal under errors.Is regardless of Detail.
type Error struct {
	Kind   string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Kind
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Is implements errors.Is comparison by Kind rather than identity, so a
// wrapped copy with Detail set still matches the sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Wrap returns a copy of the sentinel with Detail set to msg.
func Wrap(sentinel *Error, msg string) *Error {
	return &Error{Kind: sentinel.Kind, Detail: msg}
}

// Wrapf is Wrap with fmt.Sprintf formatting.
func Wrapf(sentinel *Error, format string, args ...any) *Error {
	return Wrap(sentinel, fmt.Sprintf(format, args...))
}
