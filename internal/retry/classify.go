package retry

import (
	"errors"
	"strings"
)

// Category labels a retryable failure for logging and metrics.
type Category string

const (
	// CategoryRateLimited indicates rate limiting or quota exhaustion (429).
	CategoryRateLimited Category = "RATE_LIMITED"

	// CategoryOverloaded indicates the upstream is overloaded or temporarily unavailable (503, 529).
	CategoryOverloaded Category = "OVERLOADED"

	// CategoryServerError indicates a transient upstream server error (500, 502, 504).
	CategoryServerError Category = "SERVER_ERROR"

	// CategoryNetwork indicates a network-level failure (reset, refused, timeout, DNS).
	CategoryNetwork Category = "NETWORK"

	// CategoryCapacity indicates capacity exhaustion at the provider.
	CategoryCapacity Category = "CAPACITY"

	// CategoryNone is returned for errors that are not retryable.
	CategoryNone Category = ""
)

// Classification is the retry engine's verdict on a single error.
type Classification struct {
	Retryable bool
	Category  Category
	Message   string
}

// Retryable is implemented by errors that carry an explicit retryability flag.
// It is consulted only when no message or code pattern matches.
type Retryable interface {
	Retryable() bool
}

// Coder is implemented by errors that carry a structured error code
// (e.g. syscall-style "ECONNRESET" or provider codes like "rate_limit_error").
type Coder interface {
	Code() string
}

// Classify categorizes an error for retry decisions. It inspects the error
// message case-insensitively and any structured code, falling back to an
// explicit Retryable flag. Anything unmatched is not retryable.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}
	msg := strings.ToLower(err.Error())

	var c Coder
	if errors.As(err, &c) {
		msg += " " + strings.ToLower(c.Code())
	}

	// Rate limit: 429, rate limit, quota, too many requests.
	if containsAny(msg, "429", "rate limit", "rate_limit", "quota", "too many requests") {
		return Classification{Retryable: true, Category: CategoryRateLimited, Message: err.Error()}
	}

	// Overload: 503, 529, overloaded, service unavailable.
	if containsAny(msg, "503", "529", "overloaded", "service unavailable", "temporarily unavailable") {
		return Classification{Retryable: true, Category: CategoryOverloaded, Message: err.Error()}
	}

	// Transient server errors: 500, 502, 504, internal server error, bad gateway.
	if containsAny(msg, "500", "502", "504", "internal server error", "bad gateway", "gateway timeout") {
		return Classification{Retryable: true, Category: CategoryServerError, Message: err.Error()}
	}

	// Network-level: resets, refusals, timeouts, DNS.
	if containsAny(msg, "econnreset", "econnrefused", "etimedout", "enotfound", "enetunreach",
		"connection reset", "connection refused", "broken pipe", "timeout", "timed out",
		"deadline exceeded", "no such host") {
		return Classification{Retryable: true, Category: CategoryNetwork, Message: err.Error()}
	}

	// Capacity exhaustion.
	if containsAny(msg, "capacity", "insufficient_quota", "resource exhausted", "resource_exhausted") {
		return Classification{Retryable: true, Category: CategoryCapacity, Message: err.Error()}
	}

	// Explicit flag on the error wins only when nothing above matched.
	var r Retryable
	if errors.As(err, &r) && r.Retryable() {
		return Classification{Retryable: true, Category: CategoryNetwork, Message: err.Error()}
	}

	return Classification{Retryable: false, Category: CategoryNone, Message: err.Error()}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
