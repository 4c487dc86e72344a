package retry

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error into one of the stable categories shared across
// the whole service. Connectors and callers branch on the kind, never on the
// message text.
type Kind string

const (
	KindConfigInvalid      Kind = "config_invalid"
	KindNetwork            Kind = "network"
	KindTLS                Kind = "tls"
	KindProtocol           Kind = "protocol"
	KindAuthExpired        Kind = "auth_expired"
	KindAuthDenied         Kind = "auth_denied"
	KindScopeMissing       Kind = "scope_missing"
	KindRateLimited        Kind = "rate_limited"
	KindDuplicate          Kind = "duplicate"
	KindNotFound           Kind = "not_found"
	KindLimitExceeded      Kind = "limit_exceeded"
	KindTimeout            Kind = "timeout"
	KindValidationFailed   Kind = "validation_failed"
	KindCircuitOpen        Kind = "circuit_open"
	KindServiceUnavailable Kind = "service_unavailable"
	KindKeepaliveTimeout   Kind = "keepalive_timeout"
	KindInternal           Kind = "internal"
)

// Error is the structured error carried across component boundaries.
// RetryAfter is non-zero when the provider supplied an explicit hint
// (429 Retry-After); the retry loop treats it as a delay floor.
type Error struct {
	Kind       Kind
	Op         string
	Err        error
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error. err may be nil when the kind alone says enough.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// RetryAfterOf returns the provider delay hint attached to err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Recoverable reports whether the retry layer should attempt err again.
// Everything else is terminal for the attempt loop and surfaced to the
// caller; the caller's own policy (token refresh, long-interval retry,
// restart) takes over from there.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout, KindRateLimited, KindProtocol, KindServiceUnavailable, KindInternal:
		return true
	}
	return false
}
