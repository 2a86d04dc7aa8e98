package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a backend failure so the orchestrator can distinguish
// unrecoverable credential problems from transient ones.
type Kind string

const (
	KindUnauthorized     Kind = "unauthorized"
	KindRateLimited      Kind = "rate_limited"
	KindUnavailable      Kind = "unavailable"
	KindMalformedRequest Kind = "malformed_request"
	KindCancelled        Kind = "cancelled"
	KindOther            Kind = "other"
)

// Unrecoverable reports whether retrying the same backend with the same
// credentials could ever succeed. Only credential failures qualify.
func (k Kind) Unrecoverable() bool {
	return k == KindUnauthorized
}

// Error is a typed backend failure.
type Error struct {
	Backend string
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Backend, e.Message, e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Backend, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from any error returned by a Backend.
// Context cancellation and deadline expiry map to their taxonomy entries
// even when the backend wrapped them in something else.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUnavailable
	}
	return KindOther
}

// kindForStatus maps an HTTP status code to a failure kind. Shared by the
// HTTP-speaking backend implementations.
func kindForStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindUnauthorized
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusBadRequest || code == http.StatusNotFound || code == http.StatusUnprocessableEntity:
		return KindMalformedRequest
	case code >= 500:
		return KindUnavailable
	default:
		return KindOther
	}
}
