// Package resilience provides retry, backoff, and error classification for
// pipeline jobs and external service calls.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// PermanentKind names a non-retryable error class. The set of kinds is the
// explicit allow-list of failures for which re-attempting cannot succeed.
type PermanentKind string

const (
	KindAuth       PermanentKind = "auth"       // missing or rejected credentials
	KindConfig     PermanentKind = "config"     // malformed job or service configuration
	KindValidation PermanentKind = "validation" // input fails a permanent validation rule
)

// PermanentError wraps an error that must not be retried.
type PermanentError struct {
	Kind PermanentKind
	Err  error
}

func (e *PermanentError) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError marks an error as belonging to a non-retryable kind.
func NewPermanentError(kind PermanentKind, err error) *PermanentError {
	return &PermanentError{Kind: kind, Err: err}
}

// IsPermanent reports whether the error chain contains a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// TransientError wraps an error that is known-safe to retry (e.g. 429, 5xx,
// network timeout from a remote service).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsRetryable decides whether a failed attempt should be retried. Errors on
// the permanent allow-list are never retried; everything else, including
// errors of unknown provenance, defaults to retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermanent(err)
}

// IsTransient reports whether the error is positively known to be transient:
// an explicit TransientError, a network timeout, or a connection-level
// failure. Used where a stricter check than IsRetryable is wanted (circuit
// breaker trip decisions).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
