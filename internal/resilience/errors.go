package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var (
	// ErrPermanent marks a failure that will not go away by trying again.
	ErrPermanent = errors.New("permanent error")
	// ErrTransient marks a failure that is expected to clear on retry.
	ErrTransient = errors.New("transient error")
)

// Class is the retry classification of an error.
type Class int

const (
	Retryable Class = iota
	NonRetryable
)

func (c Class) String() string {
	if c == NonRetryable {
		return "non_retryable"
	}
	return "retryable"
}

// StatusError carries an upstream HTTP status so the classifier can inspect
// the code rather than the message.
type StatusError struct {
	Service string
	Status  int
	Body    string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s returned status %d: %s", e.Service, e.Status, e.Body)
	}
	return fmt.Sprintf("%s returned status %d", e.Service, e.Status)
}

// Unwrap maps the status onto the ErrTransient/ErrPermanent markers.
func (e *StatusError) Unwrap() error {
	if e.class() == Retryable {
		return ErrTransient
	}
	return ErrPermanent
}

// class is the status class, except that a 429 whose body reports an
// exhausted quota is not retried.
func (e *StatusError) class() Class {
	if e.Status == http.StatusTooManyRequests {
		body := strings.ToLower(e.Body)
		for _, h := range quotaHints {
			if strings.Contains(body, h) {
				return NonRetryable
			}
		}
	}
	return classifyStatus(e.Status)
}

func classifyStatus(code int) Class {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return Retryable
	case code >= 500:
		return Retryable
	default:
		return NonRetryable
	}
}

// ExhaustedError is the single aggregated failure returned once every
// attempt has failed. It unwraps to the last underlying error.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

var (
	nonRetryableHints = []string{
		"unauthorized", "unauthenticated", "forbidden", "invalid api key", "invalid_api_key",
		"authentication", "permission denied", "quota", "insufficient_quota", "billing",
	}
	quotaHints     = []string{"quota", "billing"}
	retryableHints = []string{
		"timeout", "timed out", "deadline exceeded", "connection refused", "connection reset",
		"broken pipe", "eof", "temporarily unavailable", "service unavailable", "unavailable",
		"rate limit", "rate_limit", "too many requests", "overloaded", "try again",
	}
)

// Classify decides whether err is worth another attempt. Typed markers win,
// then network errors, then message inspection. Unknown errors are retried.
func Classify(err error) Class {
	if err == nil {
		return NonRetryable
	}
	if errors.Is(err, context.Canceled) {
		return NonRetryable
	}
	if errors.Is(err, ErrPermanent) {
		return NonRetryable
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.class()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Retryable
	}

	msg := strings.ToLower(err.Error())
	for _, h := range nonRetryableHints {
		if strings.Contains(msg, h) {
			return NonRetryable
		}
	}
	for _, code := range []string{"status 401", "status 403", "status 402"} {
		if strings.Contains(msg, code) {
			return NonRetryable
		}
	}
	for _, h := range retryableHints {
		if strings.Contains(msg, h) {
			return Retryable
		}
	}
	return Retryable
}

// IsRetryable reports whether Classify puts err in the retryable class.
func IsRetryable(err error) bool { return Classify(err) == Retryable }

// IsPermanent reports whether err, possibly after exhaustion, came from a
// non-retryable failure.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return false
	}
	return Classify(err) == NonRetryable
}
