package engine

import (
	"context"
	"errors"
	"strings"
)

// ErrorClass buckets generator failures for logs and metrics.
type ErrorClass string

const (
	ErrorClassAuth          ErrorClass = "AUTH"
	ErrorClassRateLimit     ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout       ErrorClass = "TIMEOUT"
	ErrorClassBilling       ErrorClass = "BILLING"
	ErrorClassBlocked       ErrorClass = "BLOCKED"
	ErrorClassNotConfigured ErrorClass = "NOT_CONFIGURED"
	ErrorClassUnknown       ErrorClass = "UNKNOWN"
)

// errorPatterns is checked in order; the first class with a matching
// substring wins.
var errorPatterns = []struct {
	class   ErrorClass
	needles []string
}{
	{ErrorClassAuth, []string{"401", "403", "unauthorized", "forbidden", "invalid key", "invalid api key", "api key not valid", "permission denied"}},
	{ErrorClassRateLimit, []string{"429", "rate limit", "rate_limit", "quota", "too many requests", "resource exhausted", "resource_exhausted"}},
	{ErrorClassTimeout, []string{"deadline exceeded", "timeout", "timed out"}},
	{ErrorClassBilling, []string{"billing", "payment", "insufficient funds", "credit balance"}},
	{ErrorClassBlocked, []string{"safety", "blocked", "finish reason: other", "recitation"}},
}

// ClassifyError maps a generator error to an ErrorClass.
func ClassifyError(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorClassUnknown
	case errors.Is(err, ErrNotConfigured):
		return ErrorClassNotConfigured
	case errors.Is(err, ErrEmptyResponse):
		return ErrorClassBlocked
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorClassTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, p := range errorPatterns {
		for _, needle := range p.needles {
			if strings.Contains(msg, needle) {
				return p.class
			}
		}
	}
	return ErrorClassUnknown
}
