package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Class is the retry class of a transport failure.
type Class int

const (
	// ClassTransient covers timeouts, connection failures and 5xx responses.
	ClassTransient Class = iota
	// ClassRateLimited is a 429 or an explicit quota/rate message.
	ClassRateLimited
	// ClassFatal will not succeed on retry (bad request, auth).
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	case ClassFatal:
		return "fatal"
	default:
		return "transient"
	}
}

// Error is a classified transport error.
type Error struct {
	Class      Class
	StatusCode int
	// RetryAfter is set when the service said how long to wait.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// RateLimited builds a rate-limit error with an optional explicit wait.
func RateLimited(err error, retryAfter time.Duration) *Error {
	return &Error{Class: ClassRateLimited, StatusCode: http.StatusTooManyRequests, RetryAfter: retryAfter, Err: err}
}

// ClassOf returns the class of err. Errors that never crossed the transport boundary
// (datastore failures, unexpected local errors) count as transient.
func ClassOf(err error) Class {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassTransient
}

// RetryAfterOf returns the explicit wait carried by err, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var pe *Error
	if errors.As(err, &pe) && pe.RetryAfter > 0 {
		return pe.RetryAfter, true
	}
	return 0, false
}

// classify maps an HTTP status plus the raw error into a *Error.
func classify(status int, header http.Header, err error) *Error {
	out := &Error{StatusCode: status, Err: err}
	switch {
	case status == http.StatusTooManyRequests:
		out.Class = ClassRateLimited
	case status == http.StatusRequestTimeout || status >= 500:
		out.Class = ClassTransient
	case status >= 400:
		out.Class = ClassFatal
	default:
		out.Class = classifyUnstructured(err)
	}
	if d, ok := retryAfterHeader(header); ok {
		out.RetryAfter = d
	} else if d, ok := retryAfterMessage(err); ok {
		out.RetryAfter = d
	}
	if out.Class != ClassRateLimited && out.RetryAfter > 0 && status == 0 {
		out.Class = ClassRateLimited
	}
	return out
}

func classifyUnstructured(err error) Class {
	if err == nil {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "resource exhausted") ||
		strings.Contains(msg, "quota") {
		return ClassRateLimited
	}
	return ClassTransient
}

func retryAfterHeader(h http.Header) (time.Duration, bool) {
	if h == nil {
		return 0, false
	}
	if ms := strings.TrimSpace(h.Get("Retry-After-Ms")); ms != "" {
		if v, err := strconv.ParseFloat(ms, 64); err == nil && v > 0 {
			return time.Duration(v * float64(time.Millisecond)), true
		}
	}
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(ra, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := http.ParseTime(ra); err == nil {
		if d := time.Until(at); d > 0 {
			return d, true
		}
	}
	return 0, false
}

var retryAfterPattern = regexp.MustCompile(`(?i)(?:retry|try again)\s+(?:after|in)\s+(\d+(?:\.\d+)?)\s*(ms|milliseconds?|s|secs?|seconds?|m|mins?|minutes?)?\b`)

// retryAfterMessage extracts waits such as "retry after 20s" or "Please try again in 1.5 seconds".
func retryAfterMessage(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	m := retryAfterPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	v, perr := strconv.ParseFloat(m[1], 64)
	if perr != nil || v <= 0 {
		return 0, false
	}
	unit := time.Second
	switch u := strings.ToLower(m[2]); {
	case strings.HasPrefix(u, "ms"), strings.HasPrefix(u, "milli"):
		unit = time.Millisecond
	case strings.HasPrefix(u, "m"):
		unit = time.Minute
	}
	return time.Duration(v * float64(unit)), true
}
