package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// AmbiguousError wraps a transport failure whose outcome on the remote
// side is unknown — the request may have been applied before the
// connection died. Callers must never blindly retry a non-idempotent
// call after one of these; that is the Recovery Verifier's job.
type AmbiguousError struct {
	Op  string
	Err error
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("esign %s: ambiguous transport failure: %v", e.Op, e.Err)
}

func (e *AmbiguousError) Unwrap() error { return e.Err }

// APIError is a clean rejection from the provider: the request was
// received, parsed, and refused. Nothing happened remotely.
type APIError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("esign %s: status=%d code=%s message=%s", e.Op, e.StatusCode, e.Code, e.Message)
}

// RateLimitError signals an HTTP 429 with the provider's cooldown.
type RateLimitError struct {
	Op         string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("esign %s: rate limited, retry after %s", e.Op, e.RetryAfter)
}

// IsAmbiguous reports whether err is in the unknown-outcome class.
func IsAmbiguous(err error) bool {
	var ae *AmbiguousError
	return errors.As(err, &ae)
}

// IsRateLimited extracts the cooldown from err when it carries one.
func IsRateLimited(err error) (time.Duration, bool) {
	var re *RateLimitError
	if errors.As(err, &re) {
		return re.RetryAfter, true
	}
	return 0, false
}

// IsNotFound reports a clean 404 rejection.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == 404
}

// classifyTransport decides whether a round-trip error left the remote
// outcome unknown. Timeouts, resets, and mid-stream failures are all
// ambiguous; everything the remote demonstrably never saw is not.
func classifyTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.As(err, &netErr) && netErr.Timeout():
		return &AmbiguousError{Op: op, Err: err}
	case errors.Is(err, syscall.ECONNREFUSED):
		// The connection never opened, so the request never landed.
		return &APIError{Op: op, StatusCode: 0, Code: "CONNECTION_REFUSED", Message: err.Error()}
	default:
		// Unrecognized transport failures are treated as ambiguous:
		// the expensive mistake is double-sending, not re-checking.
		return &AmbiguousError{Op: op, Err: err}
	}
}
