package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorClass tells a poll loop how to treat a failed platform call.
type ErrorClass int

const (
	// ErrorClassRetryable covers transport failures and 5xx; the next cycle retries.
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassRateLimited is HTTP 429 after the single in-cycle retry was spent.
	ErrorClassRateLimited
	// ErrorClassUnauthorized is 401; cached session cookies should be dropped.
	ErrorClassUnauthorized
	// ErrorClassBlocked is 403, usually an anti-bot interstitial.
	ErrorClassBlocked
	// ErrorClassNotFound is 404.
	ErrorClassNotFound
	// ErrorClassFatal covers malformed responses and other 4xx.
	ErrorClassFatal
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassRateLimited:
		return "rate_limited"
	case ErrorClassUnauthorized:
		return "unauthorized"
	case ErrorClassBlocked:
		return "blocked"
	case ErrorClassNotFound:
		return "not_found"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// StatusError is a non-2xx response from a platform endpoint.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Endpoint, e.Code, e.Body)
	}
	return fmt.Sprintf("%s: HTTP %d", e.Endpoint, e.Code)
}

// Classify maps an error returned by Client into an ErrorClass.
func Classify(err error) ErrorClass {
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusTooManyRequests:
			return ErrorClassRateLimited
		case se.Code == http.StatusUnauthorized:
			return ErrorClassUnauthorized
		case se.Code == http.StatusForbidden:
			return ErrorClassBlocked
		case se.Code == http.StatusNotFound:
			return ErrorClassNotFound
		case se.Code >= 500:
			return ErrorClassRetryable
		default:
			return ErrorClassFatal
		}
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassRetryable
	}
	var de *DecodeError
	if errors.As(err, &de) {
		return ErrorClassFatal
	}
	return ErrorClassRetryable
}

// IsUnauthorized reports whether err is a 401 from the platform.
func IsUnauthorized(err error) bool { return Classify(err) == ErrorClassUnauthorized }

// DecodeError wraps a response body that could not be decoded.
type DecodeError struct {
	Endpoint string
	Err      error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("%s: decode: %v", e.Endpoint, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }
