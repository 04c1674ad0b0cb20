package recovery

import (
	"context"
	stderrors "errors"
	"net"
	"strings"
)

// Classification is the failure category used to pick a recovery action.
type Classification string

const (
	NetworkError         Classification = "network_error"
	TimeoutError         Classification = "timeout_error"
	UpstreamServiceError Classification = "upstream_service_error"
	StorageError         Classification = "storage_error"
	RateLimitError       Classification = "rate_limit_error"
	UnknownError         Classification = "unknown_error"
)

// Classifications lists every category in table order.
func Classifications() []Classification {
	return []Classification{
		NetworkError,
		TimeoutError,
		UpstreamServiceError,
		StorageError,
		RateLimitError,
		UnknownError,
	}
}

// Valid reports whether c is a known category.
func (c Classification) Valid() bool {
	for _, known := range Classifications() {
		if c == known {
			return true
		}
	}
	return false
}

// Classified is implemented by errors that already know their category.
type Classified interface {
	Classification() Classification
}

// ClassifiedError tags an error with an explicit classification.
type ClassifiedError struct {
	Class Classification
	Err   error
}

// NewClassifiedError wraps err with class.
func NewClassifiedError(class Classification, err error) *ClassifiedError {
	return &ClassifiedError{Class: class, Err: err}
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

func (e *ClassifiedError) Classification() Classification { return e.Class }

// ordered: the first matching rule wins, so "429 timeout" is a rate limit.
var substringRules = []struct {
	class    Classification
	patterns []string
}{
	{RateLimitError, []string{"rate limit", "ratelimit", "rate_limit", "429", "too many requests", "quota exceeded", "throttl"}},
	{TimeoutError, []string{"timeout", "timed out", "deadline exceeded", "time limit"}},
	{NetworkError, []string{"network", "connection refused", "connection reset", "econnrefused", "econnreset", "no such host", "dial tcp", "unreachable", "broken pipe", "fetch failed"}},
	{StorageError, []string{"storage", "disk", "no space", "bucket", "permission denied", "file not found", "no such file", "write failed", "read-only file system"}},
	{UpstreamServiceError, []string{"upstream", "bad gateway", "service unavailable", "internal server error", "502", "503", "500", "overloaded", "provider", "model"}},
}

// Classify maps a worker error to a Classification. Explicit classifications
// and typed context/network errors win over message inspection.
func Classify(err error) Classification {
	if err == nil {
		return UnknownError
	}

	var classified Classified
	if stderrors.As(err, &classified) {
		if c := classified.Classification(); c.Valid() {
			return c
		}
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return TimeoutError
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return TimeoutError
		}
		return NetworkError
	}

	return ClassifyMessage(err.Error())
}

// ClassifyMessage classifies a raw error message by substring inspection.
func ClassifyMessage(msg string) Classification {
	msg = strings.ToLower(strings.TrimSpace(msg))
	if msg == "" {
		return UnknownError
	}
	for _, rule := range substringRules {
		for _, pattern := range rule.patterns {
			if strings.Contains(msg, pattern) {
				return rule.class
			}
		}
	}
	return UnknownError
}

// ParseClassification accepts either the snake_case value or the CamelCase
// name ("TimeoutError").
func ParseClassification(s string) (Classification, bool) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for _, c := range Classifications() {
		if norm == string(c) || norm == strings.ReplaceAll(string(c), "_", "") {
			return c, true
		}
	}
	return UnknownError, false
}
