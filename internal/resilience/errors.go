package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// ErrorClass is the coarse classification of a provider call failure.
type ErrorClass string

const (
	ClassNone        ErrorClass = ""
	ClassTransient   ErrorClass = "transient"
	ClassRateLimited ErrorClass = "rate_limited"
	ClassPermanent   ErrorClass = "permanent"
	ClassMalformed   ErrorClass = "malformed"
	ClassCanceled    ErrorClass = "canceled"
)

// TransientError wraps an error that is safe to retry (e.g., 5xx, network timeout).
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

// RateLimitError is a transient error raised when a provider throttles us.
// RetryAfter is zero when the provider gave no hint.
type RateLimitError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return e.Err.Error()
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// NewRateLimitError wraps an error as a rate-limit rejection.
func NewRateLimitError(err error, retryAfter time.Duration) *RateLimitError {
	return &RateLimitError{Err: err, RetryAfter: retryAfter}
}

// PermanentError marks failures that must never be retried: authentication
// failures, content-policy rejections, invalid requests.
type PermanentError struct {
	Err        error
	StatusCode int
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError wraps an error as permanent.
func NewPermanentError(err error, statusCode int) *PermanentError {
	return &PermanentError{Err: err, StatusCode: statusCode}
}

// MalformedOutputError marks a response that arrived but failed shape
// validation. The provider answered at the transport level.
type MalformedOutputError struct {
	Err error
	Raw string
}

func (e *MalformedOutputError) Error() string {
	return e.Err.Error()
}

func (e *MalformedOutputError) Unwrap() error {
	return e.Err
}

// NewMalformedOutputError wraps a shape-validation failure with the raw payload.
func NewMalformedOutputError(err error, raw string) *MalformedOutputError {
	return &MalformedOutputError{Err: err, Raw: raw}
}

// Classify returns the error class of err. Explicit wrappers win over
// heuristics; unknown errors are treated as permanent so they are not
// retried blindly.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}

	var (
		me *MalformedOutputError
		pe *PermanentError
		re *RateLimitError
	)
	switch {
	case errors.As(err, &me):
		return ClassMalformed
	case errors.As(err, &pe):
		return ClassPermanent
	case errors.As(err, &re):
		return ClassRateLimited
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	case errors.Is(err, context.DeadlineExceeded), IsTransient(err):
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ClassTransient, ClassRateLimited:
		return true
	default:
		return false
	}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var re *RateLimitError
	if errors.As(err, &re) {
		return true
	}

	// Check for network-level transient errors.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection reset / refused / DNS.
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
		"transport connection broken",
		"unexpected eof",
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
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		529: // provider overloaded
		return true
	default:
		return false
	}
}

// FromHTTPStatus wraps err according to the HTTP status a provider returned.
// retryAfter is only used for 429 responses.
func FromHTTPStatus(err error, statusCode int, retryAfter time.Duration) error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewRateLimitError(err, retryAfter)
	case IsTransientHTTPStatus(statusCode):
		return NewTransientError(err, statusCode)
	default:
		return NewPermanentError(err, statusCode)
	}
}
