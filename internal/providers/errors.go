package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies generation-service failures.
type Kind string

const (
	KindAuth        Kind = "auth"
	KindRateLimited Kind = "rate_limited"
	KindNotFound    Kind = "not_found"
	KindNetwork     Kind = "network" // includes timeouts
	KindOther       Kind = "other"
)

// Retryable reports whether errors of this kind should be retried with
// backoff.
func (k Kind) Retryable() bool {
	return k == KindNetwork || k == KindRateLimited
}

// Error is a classified generation-service error.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindFromStatus maps an HTTP status code to an error kind.
func KindFromStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusRequestTimeout || code >= 500:
		return KindNetwork
	default:
		return KindOther
	}
}

// Classify returns the kind of err. Unrecognized errors are KindOther.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindOther
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "status 401"), strings.Contains(errStr, "status 403"),
		strings.Contains(errStr, "api key"), strings.Contains(errStr, "unauthorized"):
		return KindAuth
	case strings.Contains(errStr, "status 429"), strings.Contains(errStr, "rate limit"):
		return KindRateLimited
	case strings.Contains(errStr, "status 404"):
		return KindNotFound
	case strings.Contains(errStr, "status 500"), strings.Contains(errStr, "status 502"),
		strings.Contains(errStr, "status 503"), strings.Contains(errStr, "status 504"),
		strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"),
		strings.Contains(errStr, "connection refused"), strings.Contains(errStr, "connection reset"),
		strings.Contains(errStr, "eof"):
		return KindNetwork
	}
	return KindOther
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}

// RetryAfterOf returns the server-requested delay carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// parseRetryAfter parses a Retry-After header given in seconds or as an
// HTTP date.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
