package step

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"relay/pkg/resilience"
)

// Classify maps a provider SDK failure into the resilience taxonomy so retry
// and breaker decisions are uniform across providers. Already-classified
// errors pass through untouched.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var already *resilience.Error
	if errors.As(err, &already) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return resilience.NewErrorWithCause(resilience.TypeTransient, err, provider+" request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return resilience.NewErrorWithCause(resilience.TypeTransient, err, provider+" request canceled")
	}

	msg := err.Error()
	if status := statusCode(msg); status != 0 {
		switch {
		case status == 401 || status == 403:
			return resilience.NewErrorWithStatus(resilience.TypeAuth, status, provider+" authentication failed")
		case status == 429:
			return resilience.NewErrorWithStatus(resilience.TypeRateLimit, status, provider+" rate limit exceeded")
		case status >= 500:
			return resilience.NewErrorWithStatus(resilience.TypeTransient, status, provider+" server error")
		case status >= 400:
			return resilience.NewErrorWithStatus(resilience.TypeBadRequest, status, provider+" rejected the request")
		}
	}

	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, "timeout", "connection", "network", "temporary", "eof", "reset", "refused"):
		return resilience.NewErrorWithCause(resilience.TypeTransient, err, provider+" network error")
	case containsAny(lower, "rate", "quota", "overloaded"):
		return resilience.NewErrorWithCause(resilience.TypeRateLimit, err, provider+" rate limiting detected")
	case containsAny(lower, "unauthorized", "api key", "authentication", "permission"):
		return resilience.NewErrorWithCause(resilience.TypeAuth, err, provider+" authentication error")
	case containsAny(lower, "invalid", "malformed", "too large", "not found"):
		return resilience.NewErrorWithCause(resilience.TypeBadRequest, err, provider+" rejected the request")
	}

	return resilience.NewErrorWithCause(resilience.TypeUnknown, err, provider+" call failed")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// statusCode pulls an HTTP status out of an SDK error message. Provider SDKs
// format these inconsistently, so this scans for a 3-digit code after the
// usual markers.
func statusCode(msg string) int {
	lower := strings.ToLower(msg)
	for _, marker := range []string{"status code: ", "status: ", "http ", "code "} {
		idx := strings.Index(lower, marker)
		if idx == -1 {
			continue
		}
		rest := msg[idx+len(marker):]
		if len(rest) < 3 {
			continue
		}
		code, err := strconv.Atoi(rest[:3])
		if err != nil || code < 100 || code > 599 {
			continue
		}
		return code
	}
	return 0
}
